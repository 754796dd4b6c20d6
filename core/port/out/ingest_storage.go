package out

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papergraph/core/domain"
)

// BlobStore stores attachment bytes and derived text, keyed by the
// document content hash.
type BlobStore interface {
	// PutBytes stores raw bytes under the hash. Idempotent; storing the
	// same hash twice is a no-op. Returns the storage key.
	PutBytes(ctx context.Context, userID uuid.UUID, contentHash, mimeType string, data []byte) (storageKey string, err error)
	GetBytes(ctx context.Context, storageKey string) ([]byte, string, error)

	// PutText stores extracted text alongside the blob.
	PutText(ctx context.Context, storageKey, text string) error
	GetText(ctx context.Context, storageKey string) (string, error)
}

// VendorSpend is one aggregate row for the top-vendors query.
type VendorSpend struct {
	PartyID     int64           `json:"party_id"`
	DisplayName string          `json:"display_name"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	Count       int64           `json:"count"`
}

// GraphStore projects extracted facts into the graph and answers the
// fixed relationship queries. Implementations degrade to the relational
// store when the graph is unreachable.
type GraphStore interface {
	// ProjectDocument upserts the document, its party, and its
	// transactions as graph nodes and edges. Idempotent per document.
	ProjectDocument(ctx context.Context, doc *domain.Document, party *domain.Party, txns []domain.Transaction) error

	TotalSpend(ctx context.Context, userID uuid.UUID, months int) (decimal.Decimal, error)
	TopVendors(ctx context.Context, userID uuid.UUID, limit int) ([]VendorSpend, error)
	TransactionsAbove(ctx context.Context, userID uuid.UUID, threshold decimal.Decimal) ([]domain.Transaction, error)
}
