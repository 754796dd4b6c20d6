package provider

import (
	"html"
	"regexp"
	"strings"
)

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blockEndRe    = regexp.MustCompile(`(?i)</(p|div|tr|li|h[1-6]|table)>|<br\s*/?>`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	blankRe       = regexp.MustCompile(`\n{3,}`)
	spaceRe       = regexp.MustCompile(`[ \t]{2,}`)
)

// stripHTML reduces an HTML body to plain text for qualification.
// Block boundaries become newlines so keyword matching keeps word
// breaks.
func stripHTML(raw string) string {
	text := scriptStyleRe.ReplaceAllString(raw, " ")
	text = blockEndRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	text = spaceRe.ReplaceAllString(text, " ")
	text = blankRe.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		out = append(out, strings.TrimSpace(line))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// preferText picks the plain body, falling back to stripped HTML.
func preferText(plain, htmlBody string) string {
	if strings.TrimSpace(plain) != "" {
		return strings.TrimSpace(plain)
	}
	return stripHTML(htmlBody)
}

// snippetOf trims a body to a short preview.
func snippetOf(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if len(body) > 200 {
		return body[:200]
	}
	return body
}
