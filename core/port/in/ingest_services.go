// Package in defines inbound ports (driving ports). HTTP handlers and
// worker processors call the core through these.
package in

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

// SyncService drives provider synchronization.
type SyncService interface {
	// SyncUser scans the provider inbox for the user's rolling window,
	// persists new message metadata, and submits qualified work. At most
	// one sync per (user, provider) runs at a time; a concurrent call
	// fails with kind sync_in_progress.
	SyncUser(ctx context.Context, userID uuid.UUID, provider domain.Provider, force bool) (*domain.SyncReport, error)
}

// QualificationService runs the two-stage filter.
type QualificationService interface {
	// QualifyMessage decides one message and writes the decision exactly
	// once. Qualified messages get their supported attachments enqueued.
	QualifyMessage(ctx context.Context, userID uuid.UUID, messageID int64) (*domain.Message, error)

	// RecentDecisions returns the latest qualification outcomes.
	RecentDecisions(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Message, error)
}

// ExtractionService drives the document state machine.
type ExtractionService interface {
	// ProcessAttachment runs the full pipeline for one attachment:
	// fetch, hash, dedup, extract, classify, populate, resolve.
	ProcessAttachment(ctx context.Context, userID uuid.UUID, messageID, attachmentID int64) error

	// ProcessDocument resumes or reruns the pipeline for a stored
	// document.
	ProcessDocument(ctx context.Context, userID uuid.UUID, documentID int64) error

	// IngestUpload stores directly uploaded bytes and queues a document
	// for them. The caller enqueues the processing job.
	IngestUpload(ctx context.Context, userID uuid.UUID, mimeType string, data []byte) (*domain.Document, error)

	// GetDocument returns a document with its transactions and linked
	// messages.
	GetDocument(ctx context.Context, userID uuid.UUID, documentID int64) (*DocumentView, error)
}

// DocumentView aggregates a document for read endpoints.
type DocumentView struct {
	Document     *domain.Document             `json:"document"`
	Party        *domain.Party                `json:"party,omitempty"`
	Transactions []domain.Transaction         `json:"transactions"`
	Links        []domain.MessageDocumentLink `json:"links"`
}

// InsightService answers the fixed relationship queries.
type InsightService interface {
	TotalSpend(ctx context.Context, userID uuid.UUID, months int) (decimal.Decimal, error)
	TopVendors(ctx context.Context, userID uuid.UUID, limit int) ([]out.VendorSpend, error)
	LargeTransactions(ctx context.Context, userID uuid.UUID, threshold decimal.Decimal) ([]domain.Transaction, error)
	ProcessingMetrics(ctx context.Context, userID uuid.UUID) (*domain.ProcessingMetrics, error)
}

// CredentialService manages OAuth credentials for providers.
type CredentialService interface {
	// StoreInitialCredential persists tokens obtained from the OAuth
	// consent flow, encrypted at rest.
	StoreInitialCredential(ctx context.Context, userID uuid.UUID, provider domain.Provider, accessToken, refreshToken string, expiry int64) error

	// GetAccessToken returns a token valid for at least the refresh
	// margin, refreshing through the provider when needed.
	GetAccessToken(ctx context.Context, userID uuid.UUID, provider domain.Provider) (string, error)

	// Invalidate marks the credential revoked so syncs surface
	// credential_revoked until the user re-consents.
	Invalidate(ctx context.Context, userID uuid.UUID, provider domain.Provider) error
}
