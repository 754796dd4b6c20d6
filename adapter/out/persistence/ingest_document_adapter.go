package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/pkg/fault"
)

// =============================================================================
// Document Adapter (PostgreSQL)
// =============================================================================

// DocumentAdapter implements out.DocumentRepository using PostgreSQL.
// Worker exclusion rides on the lease columns: acquisition bumps
// lease_epoch and every later write carries the epoch in its WHERE
// clause, so a worker that lost its lease cannot touch the row.
type DocumentAdapter struct {
	db *sqlx.DB
}

// NewDocumentAdapter creates a new DocumentAdapter.
func NewDocumentAdapter(db *sqlx.DB) *DocumentAdapter {
	return &DocumentAdapter{db: db}
}

var _ out.DocumentRepository = (*DocumentAdapter)(nil)

// =============================================================================
// Database Row Mapping
// =============================================================================

type documentRow struct {
	ID                 int64          `db:"id"`
	UserID             uuid.UUID      `db:"user_id"`
	SourceAttachmentID sql.NullInt64  `db:"source_attachment_id"`
	StorageKey         sql.NullString `db:"storage_key"`
	ContentHash        sql.NullString `db:"content_hash"`
	SenderDomain       sql.NullString `db:"sender_domain"`

	PageCount      int `db:"page_count"`
	CharacterCount int `db:"character_count"`

	DocumentType     string          `db:"document_type"`
	ExtractionStatus string          `db:"extraction_status"`
	ExtractionMethod string          `db:"extraction_method"`
	Confidence       float64         `db:"confidence"`
	ExtractedText    sql.NullString  `db:"extracted_text"`
	ExtractedFields  json.RawMessage `db:"extracted_fields"`
	SkippedReason    sql.NullString  `db:"skipped_reason"`
	LastError        json.RawMessage `db:"last_error"`
	AttemptCount     int             `db:"attempt_count"`

	LeasedBy       sql.NullString `db:"lease_owner"`
	LeaseEpoch     int64          `db:"lease_epoch"`
	LeaseExpiresAt sql.NullTime   `db:"lease_expires_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *documentRow) toEntity() *domain.Document {
	doc := &domain.Document{
		ID:               r.ID,
		UserID:           r.UserID,
		StorageKey:       r.StorageKey.String,
		ContentHash:      r.ContentHash.String,
		SenderDomain:     r.SenderDomain.String,
		PageCount:        r.PageCount,
		CharacterCount:   r.CharacterCount,
		DocumentType:     domain.DocumentType(r.DocumentType),
		ExtractionStatus: domain.ExtractionStatus(r.ExtractionStatus),
		ExtractionMethod: domain.ExtractionMethod(r.ExtractionMethod),
		Confidence:       r.Confidence,
		ExtractedText:    r.ExtractedText.String,
		SkippedReason:    r.SkippedReason.String,
		AttemptCount:     r.AttemptCount,
		LeasedBy:         r.LeasedBy.String,
		LeaseEpoch:       r.LeaseEpoch,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.SourceAttachmentID.Valid {
		id := r.SourceAttachmentID.Int64
		doc.SourceAttachmentID = &id
	}
	if r.LeaseExpiresAt.Valid {
		at := r.LeaseExpiresAt.Time
		doc.LeaseExpiresAt = &at
	}
	if len(r.ExtractedFields) > 0 {
		_ = json.Unmarshal(r.ExtractedFields, &doc.ExtractedFields)
	}
	if len(r.LastError) > 0 {
		var trace fault.Trace
		if err := json.Unmarshal(r.LastError, &trace); err == nil {
			doc.LastError = &trace
		}
	}
	return doc
}

const documentColumns = `
	id, user_id, source_attachment_id, storage_key, content_hash, sender_domain,
	page_count, character_count, document_type, extraction_status, extraction_method,
	confidence, extracted_text, extracted_fields, skipped_reason, last_error,
	attempt_count, lease_owner, lease_epoch, lease_expires_at, created_at, updated_at`

// =============================================================================
// Creation and Lookup
// =============================================================================

// CreateQueued inserts a queued document for the attachment, or returns
// the one already created for it.
func (a *DocumentAdapter) CreateQueued(ctx context.Context, userID uuid.UUID, attachmentID int64, senderDomain string) (*domain.Document, error) {
	query := `
		INSERT INTO documents (user_id, source_attachment_id, sender_domain,
			document_type, extraction_status, extraction_method)
		VALUES ($1, $2, $3, 'other', 'queued', 'none')
		ON CONFLICT (source_attachment_id) WHERE source_attachment_id IS NOT NULL
			DO NOTHING
		RETURNING` + documentColumns

	var row documentRow
	err := a.db.QueryRowxContext(ctx, query, userID, attachmentID, nullString(senderDomain)).StructScan(&row)
	if err == nil {
		return row.toEntity(), nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// Conflict: another worker created it first.
	query = `SELECT` + documentColumns + `
		FROM documents
		WHERE user_id = $1 AND source_attachment_id = $2`
	if err := a.db.GetContext(ctx, &row, query, userID, attachmentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// GetByID retrieves a document scoped to its owner.
func (a *DocumentAdapter) GetByID(ctx context.Context, userID uuid.UUID, id int64) (*domain.Document, error) {
	var row documentRow
	query := `SELECT` + documentColumns + `
		FROM documents
		WHERE id = $1 AND user_id = $2`

	err := a.db.GetContext(ctx, &row, query, id, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// GetByContentHash resolves the content-addressed identity within a
// user. When several rows share the hash, an extracted one wins so the
// dedup check never misses a completed sibling behind a failed retry.
func (a *DocumentAdapter) GetByContentHash(ctx context.Context, userID uuid.UUID, hash string) (*domain.Document, error) {
	var row documentRow
	query := `SELECT` + documentColumns + `
		FROM documents
		WHERE user_id = $1 AND content_hash = $2
		ORDER BY (extraction_status = 'extracted') DESC, id
		LIMIT 1`

	err := a.db.GetContext(ctx, &row, query, userID, hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// CreateUpload inserts a queued document for directly uploaded bytes.
func (a *DocumentAdapter) CreateUpload(ctx context.Context, userID uuid.UUID, contentHash, storageKey string) (*domain.Document, error) {
	query := `
		INSERT INTO documents (user_id, content_hash, storage_key,
			document_type, extraction_status, extraction_method)
		VALUES ($1, $2, $3, 'other', 'queued', 'none')
		RETURNING` + documentColumns

	var row documentRow
	if err := a.db.QueryRowxContext(ctx, query, userID, contentHash, storageKey).StructScan(&row); err != nil {
		return nil, err
	}
	return row.toEntity(), nil
}

// =============================================================================
// Lease Protocol
// =============================================================================

// AcquireLease claims the document for owner. The predicate only admits
// unheld or expired leases; a live lease surfaces as out.ErrNotFound.
func (a *DocumentAdapter) AcquireLease(ctx context.Context, documentID int64, owner string, ttl time.Duration) (*out.LeaseToken, error) {
	query := `
		UPDATE documents
		SET lease_owner = $2,
			lease_epoch = lease_epoch + 1,
			lease_expires_at = now() + $3 * interval '1 second',
			updated_at = now()
		WHERE id = $1 AND (lease_owner IS NULL OR lease_expires_at < now())
		RETURNING lease_epoch, lease_expires_at`

	token := &out.LeaseToken{DocumentID: documentID, Owner: owner}
	err := a.db.QueryRowContext(ctx, query, documentID, owner, ttl.Seconds()).
		Scan(&token.Epoch, &token.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	return token, nil
}

// RenewLease extends a held lease. Stale epochs get out.ErrNotFound.
func (a *DocumentAdapter) RenewLease(ctx context.Context, token *out.LeaseToken, ttl time.Duration) error {
	query := `
		UPDATE documents
		SET lease_expires_at = now() + $3 * interval '1 second', updated_at = now()
		WHERE id = $1 AND lease_epoch = $2 AND lease_owner = $4
		RETURNING lease_expires_at`

	err := a.db.QueryRowContext(ctx, query, token.DocumentID, token.Epoch, ttl.Seconds(), token.Owner).
		Scan(&token.ExpiresAt)
	if err == sql.ErrNoRows {
		return out.ErrNotFound
	}
	return err
}

// ReleaseLease clears the lease. Releasing a lease already taken over
// by another worker is a no-op.
func (a *DocumentAdapter) ReleaseLease(ctx context.Context, token *out.LeaseToken) error {
	query := `
		UPDATE documents
		SET lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND lease_epoch = $2 AND lease_owner = $3`

	_, err := a.db.ExecContext(ctx, query, token.DocumentID, token.Epoch, token.Owner)
	return err
}

// fenced runs an UPDATE whose first two parameters are the document ID
// and the lease epoch. Zero rows means the lease moved on.
func (a *DocumentAdapter) fenced(ctx context.Context, token *out.LeaseToken, query string, args ...any) error {
	all := append([]any{token.DocumentID, token.Epoch}, args...)
	res, err := a.db.ExecContext(ctx, query, all...)
	if err != nil {
		return err
	}
	return errIfNoRows(res)
}

// =============================================================================
// Fenced Mutations
// =============================================================================

// SetStatus advances the lifecycle state.
func (a *DocumentAdapter) SetStatus(ctx context.Context, token *out.LeaseToken, status domain.ExtractionStatus) error {
	return a.fenced(ctx, token, `
		UPDATE documents
		SET extraction_status = $3, updated_at = now()
		WHERE id = $1 AND lease_epoch = $2`, status)
}

// SetContentHash records the stored bytes' identity.
func (a *DocumentAdapter) SetContentHash(ctx context.Context, token *out.LeaseToken, hash, storageKey string) error {
	return a.fenced(ctx, token, `
		UPDATE documents
		SET content_hash = $3, storage_key = $4, updated_at = now()
		WHERE id = $1 AND lease_epoch = $2`, hash, storageKey)
}

// SetExtraction records the text extraction result.
func (a *DocumentAdapter) SetExtraction(ctx context.Context, token *out.LeaseToken, method domain.ExtractionMethod, confidence float64, text string, pageCount, charCount int) error {
	return a.fenced(ctx, token, `
		UPDATE documents
		SET extraction_method = $3, confidence = $4, extracted_text = $5,
			page_count = $6, character_count = $7, updated_at = now()
		WHERE id = $1 AND lease_epoch = $2`, method, confidence, text, pageCount, charCount)
}

// SetDocumentType records the classification.
func (a *DocumentAdapter) SetDocumentType(ctx context.Context, token *out.LeaseToken, docType domain.DocumentType) error {
	return a.fenced(ctx, token, `
		UPDATE documents
		SET document_type = $3, updated_at = now()
		WHERE id = $1 AND lease_epoch = $2`, docType)
}

// SetExtractedFields records the structured field map.
func (a *DocumentAdapter) SetExtractedFields(ctx context.Context, token *out.LeaseToken, fields map[string]string) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return a.fenced(ctx, token, `
		UPDATE documents
		SET extracted_fields = $3, updated_at = now()
		WHERE id = $1 AND lease_epoch = $2`, payload)
}

// MarkCompleted moves the document to its successful terminal state.
func (a *DocumentAdapter) MarkCompleted(ctx context.Context, token *out.LeaseToken) error {
	return a.fenced(ctx, token, `
		UPDATE documents
		SET extraction_status = 'extracted', last_error = NULL, updated_at = now()
		WHERE id = $1 AND lease_epoch = $2`)
}

// MarkSkipped records a deliberate skip with its reason.
func (a *DocumentAdapter) MarkSkipped(ctx context.Context, token *out.LeaseToken, reason string) error {
	return a.fenced(ctx, token, `
		UPDATE documents
		SET extraction_status = 'skipped', skipped_reason = $3, updated_at = now()
		WHERE id = $1 AND lease_epoch = $2`, reason)
}

// MarkFailed records the terminal failure trace.
func (a *DocumentAdapter) MarkFailed(ctx context.Context, token *out.LeaseToken, trace fault.Trace) error {
	payload, err := json.Marshal(trace)
	if err != nil {
		return err
	}
	return a.fenced(ctx, token, `
		UPDATE documents
		SET extraction_status = 'failed', last_error = $3, updated_at = now()
		WHERE id = $1 AND lease_epoch = $2`, payload)
}

// IncrementAttempt bumps and returns the attempt counter. Not fenced;
// the count survives lease churn.
func (a *DocumentAdapter) IncrementAttempt(ctx context.Context, documentID int64) (int, error) {
	var count int
	query := `
		UPDATE documents
		SET attempt_count = attempt_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING attempt_count`

	err := a.db.QueryRowContext(ctx, query, documentID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, out.ErrNotFound
	}
	return count, err
}
