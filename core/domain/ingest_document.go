package domain

import (
	"time"

	"github.com/google/uuid"

	"papergraph/pkg/fault"
)

// DocumentType classifies a processed business document.
type DocumentType string

const (
	DocInvoice       DocumentType = "invoice"
	DocReceipt       DocumentType = "receipt"
	DocBankStatement DocumentType = "bank_statement"
	DocPurchaseOrder DocumentType = "purchase_order"
	DocSalesOrder    DocumentType = "sales_order"
	DocDeliveryNote  DocumentType = "delivery_note"
	DocQuote         DocumentType = "quote"
	DocContract      DocumentType = "contract"
	DocTaxDocument   DocumentType = "tax_document"
	DocOther         DocumentType = "other"
)

// KnownDocumentTypes lists every classifiable type.
var KnownDocumentTypes = []DocumentType{
	DocInvoice, DocReceipt, DocBankStatement, DocPurchaseOrder,
	DocSalesOrder, DocDeliveryNote, DocQuote, DocContract,
	DocTaxDocument, DocOther,
}

// ExtractionStatus is the document lifecycle state.
type ExtractionStatus string

const (
	ExtractionQueued     ExtractionStatus = "queued"
	ExtractionFetching   ExtractionStatus = "fetching"
	ExtractionExtracting ExtractionStatus = "extracting"
	ExtractionClassify   ExtractionStatus = "classifying"
	ExtractionPopulating ExtractionStatus = "populating"
	ExtractionResolving  ExtractionStatus = "resolving"
	ExtractionCompleted  ExtractionStatus = "extracted"
	ExtractionSkipped    ExtractionStatus = "skipped"
	ExtractionFailed     ExtractionStatus = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s ExtractionStatus) Terminal() bool {
	switch s {
	case ExtractionCompleted, ExtractionSkipped, ExtractionFailed:
		return true
	}
	return false
}

// ExtractionMethod records which extractor produced the text.
type ExtractionMethod string

const (
	MethodPDFText   ExtractionMethod = "pdf_text"
	MethodTemplate  ExtractionMethod = "template"
	MethodVisionOCR ExtractionMethod = "vision_ocr"
	MethodLLM       ExtractionMethod = "llm"
	MethodNone      ExtractionMethod = "none"
)

// Document is the processed form of an attachment or a direct upload.
// Its identity within a user is the SHA-256 content hash.
type Document struct {
	ID                 int64
	UserID             uuid.UUID
	SourceAttachmentID *int64 // nil for direct uploads
	StorageKey         string
	ContentHash        string
	SenderDomain       string

	PageCount      int
	CharacterCount int

	DocumentType     DocumentType
	ExtractionStatus ExtractionStatus
	ExtractionMethod ExtractionMethod
	Confidence       float64
	ExtractedText    string
	ExtractedFields  map[string]string
	SkippedReason    string
	LastError        *fault.Trace
	AttemptCount     int

	// Lease fencing. A document never has two simultaneous workers.
	LeasedBy       string
	LeaseEpoch     int64
	LeaseExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageDocumentLink ties a message to a document. Forwarded
// duplicates produce a second link, never a second document.
type MessageDocumentLink struct {
	ID         int64
	UserID     uuid.UUID
	MessageID  int64
	DocumentID int64
	CreatedAt  time.Time
}
