// Package out defines outbound ports (driven ports) for the ingestion
// core. Adapters under adapter/out implement them; tests substitute
// fakes.
package out

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papergraph/core/domain"
	"papergraph/pkg/fault"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("not found")

// UserRepository reads tenant rows and sync preferences.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	// ListSyncStale returns users whose newest provider sync is older
	// than the threshold. Drives the background scheduler.
	ListSyncStale(ctx context.Context, olderThan time.Time, limit int) ([]*domain.User, error)
}

// MessageRepository persists observed emails and their qualification.
type MessageRepository interface {
	// UpsertMeta inserts message metadata keyed by
	// (user_id, provider, provider_message_id). Reports whether a new
	// row was created.
	UpsertMeta(ctx context.Context, msg *domain.Message) (created bool, err error)
	GetByID(ctx context.Context, userID uuid.UUID, id int64) (*domain.Message, error)
	GetByProviderID(ctx context.Context, userID uuid.UUID, provider domain.Provider, providerMessageID string) (*domain.Message, error)
	// UpdateBody fills body, snippet, and recipient after FetchMessage.
	UpdateBody(ctx context.Context, id int64, body, snippet, recipient string) error
	// NeedsBody reports whether the row lacks a body or received_at.
	NeedsBody(ctx context.Context, id int64) (bool, error)

	// WriteQualification writes the decision exactly once: the update
	// applies only while is_qualified IS NULL. Reports whether the row
	// was written by this call.
	WriteQualification(ctx context.Context, id int64, qualified bool, stage domain.QualificationStage, confidence float64, reason string) (bool, error)
	// ListRecentQualified returns the last n messages with
	// qualification fields populated.
	ListRecentQualified(ctx context.Context, userID uuid.UUID, n int) ([]*domain.Message, error)
}

// AttachmentRepository persists attachment descriptors.
type AttachmentRepository interface {
	CreateRefs(ctx context.Context, refs []domain.AttachmentRef) ([]domain.AttachmentRef, error)
	GetByID(ctx context.Context, id int64) (*domain.AttachmentRef, error)
	ListByMessage(ctx context.Context, messageID int64) ([]domain.AttachmentRef, error)
	UpdateDownloadState(ctx context.Context, id int64, state domain.DownloadState) error
}

// LeaseToken fences document writes after a lease is acquired.
type LeaseToken struct {
	DocumentID int64
	Owner      string
	Epoch      int64
	ExpiresAt  time.Time
}

// DocumentRepository persists documents and serializes workers through
// a per-document lease.
type DocumentRepository interface {
	// CreateQueued inserts a document in state queued for the
	// attachment, or returns the existing one for this attachment.
	CreateQueued(ctx context.Context, userID uuid.UUID, attachmentID int64, senderDomain string) (*domain.Document, error)
	// CreateUpload inserts a queued document for directly uploaded
	// bytes. Uploads carry no source attachment; content-hash dedup
	// still applies when the document is processed.
	CreateUpload(ctx context.Context, userID uuid.UUID, contentHash, storageKey string) (*domain.Document, error)
	GetByID(ctx context.Context, userID uuid.UUID, id int64) (*domain.Document, error)
	// GetByContentHash implements content-addressed dedup within a user.
	GetByContentHash(ctx context.Context, userID uuid.UUID, hash string) (*domain.Document, error)

	// AcquireLease claims the document for owner. Fails if another
	// worker holds an unexpired lease. Each acquisition increments the
	// epoch; all subsequent writes are fenced by it.
	AcquireLease(ctx context.Context, documentID int64, owner string, ttl time.Duration) (*LeaseToken, error)
	RenewLease(ctx context.Context, token *LeaseToken, ttl time.Duration) error
	ReleaseLease(ctx context.Context, token *LeaseToken) error

	// Fenced mutations. Each applies only while the token's epoch is
	// current; a stale epoch returns ErrNotFound.
	SetStatus(ctx context.Context, token *LeaseToken, status domain.ExtractionStatus) error
	SetContentHash(ctx context.Context, token *LeaseToken, hash, storageKey string) error
	SetExtraction(ctx context.Context, token *LeaseToken, method domain.ExtractionMethod, confidence float64, text string, pageCount, charCount int) error
	SetDocumentType(ctx context.Context, token *LeaseToken, docType domain.DocumentType) error
	SetExtractedFields(ctx context.Context, token *LeaseToken, fields map[string]string) error
	MarkCompleted(ctx context.Context, token *LeaseToken) error
	MarkSkipped(ctx context.Context, token *LeaseToken, reason string) error
	MarkFailed(ctx context.Context, token *LeaseToken, trace fault.Trace) error
	IncrementAttempt(ctx context.Context, documentID int64) (int, error)
}

// PartyRepository upserts normalized counterparties.
type PartyRepository interface {
	// UpsertByNormalizedName inserts or returns the existing party for
	// (user_id, normalized_name), tolerating concurrent inserts via the
	// uniqueness constraint plus a retry.
	UpsertByNormalizedName(ctx context.Context, userID uuid.UUID, displayName string, partyType domain.PartyType) (*domain.Party, error)
	AddAlias(ctx context.Context, partyID int64, alias string) error
	GetByID(ctx context.Context, userID uuid.UUID, id int64) (*domain.Party, error)
}

// TransactionRepository persists extracted financial facts.
type TransactionRepository interface {
	// ReplaceForDocument atomically replaces all transactions for a
	// document, keyed (document_id, row_index).
	ReplaceForDocument(ctx context.Context, documentID int64, txns []domain.Transaction) error
	ListByDocument(ctx context.Context, userID uuid.UUID, documentID int64) ([]domain.Transaction, error)
}

// LinkRepository maintains the message-document many-to-many.
type LinkRepository interface {
	// Link is idempotent per (message_id, document_id).
	Link(ctx context.Context, userID uuid.UUID, messageID, documentID int64) error
	ListByDocument(ctx context.Context, documentID int64) ([]domain.MessageDocumentLink, error)
}

// Credential is a stored OAuth credential for one (user, provider).
type Credential struct {
	UserID       uuid.UUID
	Provider     domain.Provider
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Revoked      bool
	UpdatedAt    time.Time
}

// CredentialRepository stores encrypted OAuth credentials.
type CredentialRepository interface {
	Get(ctx context.Context, userID uuid.UUID, provider domain.Provider) (*Credential, error)
	// Upsert replaces any prior credential for (user, provider) and
	// clears the revoked flag. Idempotent.
	Upsert(ctx context.Context, cred *Credential) error
	// UpdateAccess stores a refreshed access token and expiry.
	UpdateAccess(ctx context.Context, userID uuid.UUID, provider domain.Provider, accessToken string, expiry time.Time) error
	MarkRevoked(ctx context.Context, userID uuid.UUID, provider domain.Provider) error
}

// SyncStateRepository persists per-(user, provider) cursors.
type SyncStateRepository interface {
	Get(ctx context.Context, userID uuid.UUID, provider domain.Provider) (*domain.SyncState, error)
	Save(ctx context.Context, state *domain.SyncState) error
}

// TemplateRepository backs the template cache.
type TemplateRepository interface {
	Lookup(ctx context.Context, key domain.TemplateKey) (*domain.Template, error)
	Store(ctx context.Context, tpl *domain.Template) error
	// Touch refreshes last_used_at and resets the failure streak.
	Touch(ctx context.Context, id int64) error
	// RecordFailure bumps the failure streak; three in a row invalidates.
	RecordFailure(ctx context.Context, id int64) (streak int, err error)
	Invalidate(ctx context.Context, key domain.TemplateKey) error
	// PurgeIdle removes templates unused for the TTL.
	PurgeIdle(ctx context.Context, idleFor time.Duration) (int64, error)
}

// JobRecordRepository retains terminal job outcomes (the dead letter
// table).
type JobRecordRepository interface {
	RecordTerminalFailure(ctx context.Context, jobID string, kind string, userID uuid.UUID, payload []byte, attempt int, trace fault.Trace) error
}

// MetricsRepository aggregates processing metrics.
type MetricsRepository interface {
	ProcessingMetrics(ctx context.Context, userID uuid.UUID) (*domain.ProcessingMetrics, error)
}

// InsightRepository answers the fixed relationship queries from the
// relational store. Serves as the fallback when the graph projection
// is unreachable.
type InsightRepository interface {
	TotalSpend(ctx context.Context, userID uuid.UUID, months int) (decimal.Decimal, error)
	TopVendors(ctx context.Context, userID uuid.UUID, limit int) ([]VendorSpend, error)
	TransactionsAbove(ctx context.Context, userID uuid.UUID, threshold decimal.Decimal) ([]domain.Transaction, error)
}

// QualificationLogRepository records every qualification decision for
// the recent-activity feed.
type QualificationLogRepository interface {
	Append(ctx context.Context, userID uuid.UUID, messageID int64, qualified bool, stage domain.QualificationStage, confidence float64, reason string) error
}
