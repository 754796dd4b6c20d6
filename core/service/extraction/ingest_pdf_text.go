// Package extraction drives the document state machine: fetch, hash,
// dedup, extract, classify, populate, resolve. Extraction methods are
// routed by cost, cheapest first.
package extraction

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"papergraph/pkg/fault"
)

// Text-layer acceptance gate: at least this many characters with a
// printable ratio at or above the threshold, otherwise the PDF is
// treated as scanned.
const (
	minTextLayerChars = 100
	minPrintableRatio = 0.8
	maxPagesPlainText = 200
)

// PDFText is the outcome of a text-layer extraction attempt.
type PDFText struct {
	Text  string
	Pages int
}

// ExtractPDFText pulls the embedded text layer out of a PDF. Encrypted
// documents fail terminally with encrypted_pdf; unparseable bytes with
// corrupted_document. A scanned PDF comes back with empty or garbage
// text and is judged by AcceptableTextLayer, not here.
func ExtractPDFText(data []byte) (res *PDFText, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fault.Wrap(fault.KindCorruptedDocument, "pdf parser panic", fmt.Errorf("%v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "encrypted") {
			return nil, fault.Wrap(fault.KindEncryptedPDF, "password-protected pdf", err)
		}
		return nil, fault.Wrap(fault.KindCorruptedDocument, "unreadable pdf", err)
	}

	pages := reader.NumPage()
	if pages <= 0 {
		return nil, fault.New(fault.KindCorruptedDocument, "pdf has no pages")
	}
	if pages > maxPagesPlainText {
		pages = maxPagesPlainText
	}

	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, pageErr := page.GetPlainText(nil)
		if pageErr != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return &PDFText{Text: sb.String(), Pages: reader.NumPage()}, nil
}

// AcceptableTextLayer reports whether extracted PDF text is usable as
// the document's content, or whether the file should be treated as a
// scanned image.
func AcceptableTextLayer(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < minTextLayerChars {
		return false
	}
	return printableRatio(trimmed) >= minPrintableRatio
}

func printableRatio(s string) float64 {
	if s == "" {
		return 0
	}
	printable, total := 0, 0
	for _, r := range s {
		total++
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			printable++
		}
	}
	return float64(printable) / float64(total)
}

// FirstPageText returns the slice of text belonging to the first page,
// approximated by the first page-sized chunk. Used for layout
// fingerprinting.
func FirstPageText(text string, pages int) string {
	if pages <= 1 {
		return text
	}
	per := len(text) / pages
	if per <= 0 {
		return text
	}
	return text[:per]
}
