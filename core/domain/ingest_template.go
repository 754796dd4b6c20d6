package domain

import (
	"time"

	"github.com/google/uuid"
)

// Template field names the extraction recipes know about.
const (
	FieldTotalAmount   = "total_amount"
	FieldInvoiceNumber = "invoice_number"
	FieldIssueDate     = "issue_date"
	FieldDueDate       = "due_date"
	FieldVendorName    = "vendor_name"
	FieldCurrency      = "currency"
)

// RequiredTemplateFields must verify with confidence >= 0.7 for a
// template hit to be accepted.
var RequiredTemplateFields = []string{FieldTotalAmount, FieldVendorName}

// FieldRule locates one named field in extracted text.
type FieldRule struct {
	Field   string `json:"field"`
	Pattern string `json:"pattern"` // regex with one capture group
	Anchor  string `json:"anchor"`  // literal token preceding the value
}

// Template is a reusable extraction recipe for one
// (sender_domain, document_type, layout_fingerprint) tuple.
type Template struct {
	ID                int64
	UserID            uuid.UUID
	SenderDomain      string
	DocumentType      DocumentType
	LayoutFingerprint uint64

	Rules []FieldRule

	FailureStreak int // consecutive verification failures; 3 invalidates
	LastUsedAt    time.Time
	CreatedAt     time.Time
}

// TemplateKey identifies a cache entry.
type TemplateKey struct {
	UserID            uuid.UUID
	SenderDomain      string
	DocumentType      DocumentType
	LayoutFingerprint uint64
}

// Key returns the template's cache key.
func (t *Template) Key() TemplateKey {
	return TemplateKey{
		UserID:            t.UserID,
		SenderDomain:      t.SenderDomain,
		DocumentType:      t.DocumentType,
		LayoutFingerprint: t.LayoutFingerprint,
	}
}
