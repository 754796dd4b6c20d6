package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/core/service/template"
	"papergraph/pkg/fault"
	"papergraph/pkg/logger"
)

// runPipeline drives one leased document from raw bytes to a terminal
// state. msg may be nil for direct uploads. Every returned error is a
// classified fault; the caller settles the document from it.
func (s *Service) runPipeline(ctx context.Context, token *out.LeaseToken, doc *domain.Document, msg *domain.Message, data []byte, mimeType string) error {
	// Content hash first: duplicates short-circuit before any paid work.
	hash := sha256.Sum256(data)
	contentHash := hex.EncodeToString(hash[:])

	existing, err := s.documents.GetByContentHash(ctx, doc.UserID, contentHash)
	if err != nil && err != out.ErrNotFound {
		return fault.Wrap(fault.KindInternal, "dedup lookup", err)
	}
	if existing != nil && existing.ID != doc.ID && existing.ExtractionStatus == domain.ExtractionCompleted {
		// Same bytes already processed for this user: link the message
		// to the existing document instead of extracting twice.
		if msg != nil {
			if linkErr := s.links.Link(ctx, doc.UserID, msg.ID, existing.ID); linkErr != nil {
				return fault.Wrap(fault.KindInternal, "link duplicate", linkErr)
			}
		}
		logger.WithFields(map[string]any{
			"document_id": doc.ID,
			"existing_id": existing.ID,
		}).Info("duplicate content linked to existing document")
		return fault.New(fault.KindDuplicate, "content already extracted")
	}

	storageKey, err := s.blobs.PutBytes(ctx, doc.UserID, contentHash, mimeType, data)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "store bytes", err)
	}
	if err := s.documents.SetContentHash(ctx, token, contentHash, storageKey); err != nil {
		return fault.Wrap(fault.KindInternal, "set content hash", err)
	}
	doc.ContentHash = contentHash
	doc.StorageKey = storageKey

	text, pages, method, confidence, err := s.extractText(ctx, token, doc, data, mimeType)
	if err != nil {
		return err
	}
	if err := s.documents.SetExtraction(ctx, token, method, confidence, text, pages, len(text)); err != nil {
		return fault.Wrap(fault.KindInternal, "set extraction", err)
	}
	if err := s.blobs.PutText(ctx, storageKey, text); err != nil {
		logger.WithError(err).Warn("extracted text store failed")
	}

	docType, err := s.classify(ctx, token, doc, text)
	if err != nil {
		return err
	}

	fields, lineItems, usedTemplate, err := s.populate(ctx, token, doc, docType, text, pages)
	if err != nil {
		return err
	}
	if usedTemplate {
		// Fields came from a cached recipe, not a fresh model call.
		if err := s.documents.SetExtraction(ctx, token, domain.MethodTemplate, confidence, text, pages, len(text)); err != nil {
			return fault.Wrap(fault.KindInternal, "set extraction", err)
		}
	}
	if err := s.documents.SetExtractedFields(ctx, token, fields); err != nil {
		return fault.Wrap(fault.KindInternal, "set extracted fields", err)
	}

	return s.resolve(ctx, token, doc, msg, docType, fields, lineItems)
}

// extractText routes the document to an extraction method and runs it.
func (s *Service) extractText(ctx context.Context, token *out.LeaseToken, doc *domain.Document, data []byte, mimeType string) (string, int, domain.ExtractionMethod, float64, error) {
	if err := s.documents.SetStatus(ctx, token, domain.ExtractionExtracting); err != nil {
		return "", 0, "", 0, fault.Wrap(fault.KindInternal, "set extracting", err)
	}

	var (
		pdfText     *PDFText
		textLayerOK bool
	)
	if mimeType == "application/pdf" {
		var err error
		pdfText, err = ExtractPDFText(data)
		if err != nil {
			return "", 0, "", 0, err
		}
		textLayerOK = AcceptableTextLayer(pdfText.Text)
	}

	route, err := RouteContent(s.cfg.Policy, mimeType, textLayerOK)
	if err != nil {
		return "", 0, "", 0, err
	}

	switch route.Method {
	case domain.MethodPDFText:
		return pdfText.Text, pdfText.Pages, route.Method, route.Confidence, nil
	case domain.MethodVisionOCR:
		text, visErr := s.llm.VisionExtract(ctx, doc.UserID, mimeType, data)
		if visErr != nil {
			return "", 0, "", 0, visErr
		}
		pages := 1
		if pdfText != nil {
			pages = pdfText.Pages
		}
		return text, pages, route.Method, route.Confidence, nil
	default:
		return "", 0, "", 0, fault.Newf(fault.KindInternal, "unroutable method %s", route.Method)
	}
}

// classify assigns a document type, cheap keywords first. Documents
// classified other leave the pipeline as out of scope.
func (s *Service) classify(ctx context.Context, token *out.LeaseToken, doc *domain.Document, text string) (domain.DocumentType, error) {
	if err := s.documents.SetStatus(ctx, token, domain.ExtractionClassify); err != nil {
		return "", fault.Wrap(fault.KindInternal, "set classifying", err)
	}

	docType, score := ClassifyByKeywords(text)
	if score < classifyConfidenceFloor {
		cls, err := s.llm.ClassifyDocument(ctx, doc.UserID, text)
		if err != nil {
			return "", err
		}
		docType = cls.DocumentType
	}

	if err := s.documents.SetDocumentType(ctx, token, docType); err != nil {
		return "", fault.Wrap(fault.KindInternal, "set document type", err)
	}
	if docType == domain.DocOther {
		return "", fault.New(fault.KindOutOfScope, "document classified out of scope")
	}
	return docType, nil
}

// populate obtains structured fields: template cache first, LLM on a
// miss, learning a new template from the LLM result.
func (s *Service) populate(ctx context.Context, token *out.LeaseToken, doc *domain.Document, docType domain.DocumentType, text string, pages int) (map[string]string, []domain.LineItem, bool, error) {
	if err := s.documents.SetStatus(ctx, token, domain.ExtractionPopulating); err != nil {
		return nil, nil, false, fault.Wrap(fault.KindInternal, "set populating", err)
	}
	// The paid extraction below can be slow; keep the lease fresh.
	if err := s.documents.RenewLease(ctx, token, s.cfg.LeaseTTL); err != nil {
		return nil, nil, false, fault.Wrap(fault.KindInternal, "renew lease", err)
	}

	key := domain.TemplateKey{
		UserID:            doc.UserID,
		SenderDomain:      doc.SenderDomain,
		DocumentType:      docType,
		LayoutFingerprint: template.Fingerprint(FirstPageText(text, pages)),
	}

	if fields, hit, err := s.templates.TryExtract(ctx, key, text); err == nil && hit {
		return fields, nil, true, nil
	} else if err != nil {
		logger.WithError(err).Warn("template lookup failed")
	}

	ext, err := s.llm.ExtractFields(ctx, doc.UserID, docType, text)
	if err != nil {
		return nil, nil, false, err
	}
	if learnErr := s.templates.Learn(ctx, key, ext.Fields, text); learnErr != nil {
		logger.WithError(learnErr).Warn("template learn failed")
	}
	return ext.Fields, ext.LineItems, false, nil
}

// resolve turns fields into a party and transactions, links the source
// message, projects the graph, and completes the document.
func (s *Service) resolve(ctx context.Context, token *out.LeaseToken, doc *domain.Document, msg *domain.Message, docType domain.DocumentType, fields map[string]string, lineItems []domain.LineItem) error {
	if err := s.documents.SetStatus(ctx, token, domain.ExtractionResolving); err != nil {
		return fault.Wrap(fault.KindInternal, "set resolving", err)
	}

	var party *domain.Party
	if vendor := strings.TrimSpace(fields[domain.FieldVendorName]); vendor != "" {
		var err error
		party, err = s.parties.UpsertByNormalizedName(ctx, doc.UserID, vendor, domain.PartyVendor)
		if err != nil {
			return fault.Wrap(fault.KindInternal, "resolve party", err)
		}
	}

	txns := buildTransactions(doc, docType, fields, lineItems, party)
	if err := s.transactions.ReplaceForDocument(ctx, doc.ID, txns); err != nil {
		return fault.Wrap(fault.KindInternal, "replace transactions", err)
	}

	if msg != nil {
		if err := s.links.Link(ctx, doc.UserID, msg.ID, doc.ID); err != nil {
			return fault.Wrap(fault.KindInternal, "link message", err)
		}
	}

	if s.graph != nil {
		if err := s.graph.ProjectDocument(ctx, doc, party, txns); err != nil {
			// Graph is a projection; the relational store remains the
			// source of truth.
			logger.WithError(err).Warn("graph projection failed")
		}
	}

	if err := s.documents.MarkCompleted(ctx, token); err != nil {
		return fault.Wrap(fault.KindInternal, "mark completed", err)
	}
	logger.WithFields(map[string]any{
		"document_id":  doc.ID,
		"type":         string(docType),
		"transactions": len(txns),
	}).Info("document extracted")
	return nil
}

// buildTransactions derives the financial facts: one summary row from
// the document totals, whether or not line items are present.
func buildTransactions(doc *domain.Document, docType domain.DocumentType, fields map[string]string, lineItems []domain.LineItem, party *domain.Party) []domain.Transaction {
	amount, ok := ParseAmount(fields[domain.FieldTotalAmount])
	if !ok {
		return nil
	}
	txn := domain.Transaction{
		UserID:     doc.UserID,
		DocumentID: doc.ID,
		RowIndex:   0,
		Amount:     amount,
		Currency:   normalizeCurrency(fields[domain.FieldCurrency], fields[domain.FieldTotalAmount]),
		Kind:       domain.KindForDocument(docType),
		LineItems:  lineItems,
		Metadata:   map[string]string{},
	}
	if party != nil {
		txn.PartyID = &party.ID
	}
	if d, ok := ParseDate(fields[domain.FieldIssueDate]); ok {
		txn.TransactionDate = &d
	}
	if ref := strings.TrimSpace(fields[domain.FieldInvoiceNumber]); ref != "" {
		txn.Metadata["reference"] = ref
	}
	if due := strings.TrimSpace(fields[domain.FieldDueDate]); due != "" {
		txn.Metadata["due_date"] = due
	}
	return []domain.Transaction{txn}
}

// ParseAmount parses a money string, tolerating currency glyphs and
// thousands separators. Scale is preserved.
func ParseAmount(raw string) (decimal.Decimal, bool) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimLeft(cleaned, "$€£ ")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"02.01.2006",
	"2/1/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

// ParseDate tries the date shapes extraction produces.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// normalizeCurrency returns an ISO 4217 code, inferring from a glyph in
// the raw amount and defaulting to USD.
func normalizeCurrency(code, rawAmount string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) == 3 {
		return code
	}
	switch {
	case strings.Contains(rawAmount, "€"):
		return "EUR"
	case strings.Contains(rawAmount, "£"):
		return "GBP"
	default:
		return "USD"
	}
}
