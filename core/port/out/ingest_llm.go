package out

import (
	"context"

	"papergraph/core/domain"
)

// QualificationVerdict is the adjudicator's decision for one message.
type QualificationVerdict struct {
	Qualified  bool    `json:"qualified"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Classification is the model's document type call.
type Classification struct {
	DocumentType domain.DocumentType `json:"document_type"`
	Confidence   float64             `json:"confidence"`
}

// FieldExtraction is the structured output of field extraction.
type FieldExtraction struct {
	Fields     map[string]string `json:"fields"`
	LineItems  []domain.LineItem `json:"line_items"`
	Confidence float64           `json:"confidence"`
}

// LLMPort abstracts the language model. Implementations translate
// upstream faults: 429 and 5xx become llm_transient, the rest
// llm_permanent.
type LLMPort interface {
	// QualifyMessage adjudicates a borderline message from its subject
	// and a body excerpt. Cheap text model.
	QualifyMessage(ctx context.Context, sender, subject, bodyExcerpt string) (*QualificationVerdict, error)

	// ClassifyDocument assigns a document type from extracted text.
	ClassifyDocument(ctx context.Context, text string) (*Classification, error)

	// ExtractFields pulls named fields and line items from text.
	// Expensive text model.
	ExtractFields(ctx context.Context, docType domain.DocumentType, text string) (*FieldExtraction, error)

	// VisionExtract runs OCR-grade extraction over raw image or scanned
	// PDF page bytes. The most expensive path.
	VisionExtract(ctx context.Context, mimeType string, data []byte) (text string, err error)

	// EstimateCost returns the dollar estimate charged against the
	// per-user daily cap before a call is placed.
	EstimateCost(op string, inputBytes int) float64
}
