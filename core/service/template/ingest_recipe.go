package template

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"papergraph/core/domain"
)

// verifyThreshold is the minimum share of rules that must match, with
// all required fields present, for a template application to count.
const verifyThreshold = 0.7

const maxAnchorLen = 24

// valuePatterns constrain what a rule may capture per field.
var valuePatterns = map[string]string{
	domain.FieldTotalAmount:   `[$€£]?\s*[0-9][0-9.,]*`,
	domain.FieldCurrency:      `[A-Z]{3}`,
	domain.FieldInvoiceNumber: `[A-Za-z0-9][A-Za-z0-9/#-]*`,
	domain.FieldIssueDate:     `[0-9]{4}-[0-9]{2}-[0-9]{2}|[0-9]{1,2}[./-][0-9]{1,2}[./-][0-9]{2,4}|[A-Za-z]{3,9} [0-9]{1,2},? [0-9]{4}`,
	domain.FieldDueDate:       `[0-9]{4}-[0-9]{2}-[0-9]{2}|[0-9]{1,2}[./-][0-9]{1,2}[./-][0-9]{2,4}|[A-Za-z]{3,9} [0-9]{1,2},? [0-9]{4}`,
	domain.FieldVendorName:    `[^\n]{2,80}`,
}

// Synthesize derives field rules from one successful extraction: for
// each extracted value found verbatim in the text, the text preceding
// it on the same line becomes the anchor of a regex rule. Fields whose
// value cannot be located produce no rule.
func Synthesize(fields map[string]string, text string) []domain.FieldRule {
	var rules []domain.FieldRule
	for _, field := range []string{
		domain.FieldTotalAmount, domain.FieldVendorName, domain.FieldCurrency,
		domain.FieldInvoiceNumber, domain.FieldIssueDate, domain.FieldDueDate,
	} {
		value := strings.TrimSpace(fields[field])
		if value == "" {
			continue
		}
		rule, ok := ruleFor(field, value, text)
		if ok {
			rules = append(rules, rule)
		}
	}
	return rules
}

func ruleFor(field, value, text string) (domain.FieldRule, bool) {
	idx := strings.Index(text, value)
	if idx < 0 {
		return domain.FieldRule{}, false
	}
	lineStart := strings.LastIndexByte(text[:idx], '\n') + 1
	anchor := strings.TrimSpace(text[lineStart:idx])
	if len(anchor) > maxAnchorLen {
		anchor = anchor[len(anchor)-maxAnchorLen:]
		if i := strings.IndexByte(anchor, ' '); i >= 0 {
			anchor = anchor[i+1:]
		}
	}
	if anchor == "" {
		return domain.FieldRule{}, false
	}
	vp, ok := valuePatterns[field]
	if !ok {
		vp = `[^\n]+`
	}
	pattern := `(?i)` + regexp.QuoteMeta(anchor) + `[:\s]*(` + vp + `)`
	if _, err := regexp.Compile(pattern); err != nil {
		return domain.FieldRule{}, false
	}
	return domain.FieldRule{Field: field, Pattern: pattern, Anchor: anchor}, true
}

// Apply runs every rule against the text. Returns the captured fields
// and the share of rules that matched.
func Apply(tpl *domain.Template, text string) (map[string]string, float64) {
	if len(tpl.Rules) == 0 {
		return nil, 0
	}
	fields := make(map[string]string)
	matched := 0
	for _, rule := range tpl.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			continue
		}
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		fields[rule.Field] = strings.TrimSpace(m[1])
		matched++
	}
	return fields, float64(matched) / float64(len(tpl.Rules))
}

// Verify accepts a template application when every required field is
// present and plausible and the match ratio clears the threshold.
func Verify(fields map[string]string, matchRatio float64) bool {
	if matchRatio < verifyThreshold {
		return false
	}
	for _, req := range domain.RequiredTemplateFields {
		if strings.TrimSpace(fields[req]) == "" {
			return false
		}
	}
	if !plausibleAmount(fields[domain.FieldTotalAmount]) {
		return false
	}
	return true
}

func plausibleAmount(raw string) bool {
	cleaned := strings.TrimLeft(raw, "$€£ ")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	d, err := decimal.NewFromString(cleaned)
	return err == nil && d.IsPositive()
}
