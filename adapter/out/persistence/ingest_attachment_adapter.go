package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

// AttachmentAdapter implements out.AttachmentRepository using PostgreSQL.
type AttachmentAdapter struct {
	db *sqlx.DB
}

// NewAttachmentAdapter creates a new AttachmentAdapter.
func NewAttachmentAdapter(db *sqlx.DB) *AttachmentAdapter {
	return &AttachmentAdapter{db: db}
}

var _ out.AttachmentRepository = (*AttachmentAdapter)(nil)

type attachmentRow struct {
	ID                   int64     `db:"id"`
	UserID               uuid.UUID `db:"user_id"`
	MessageID            int64     `db:"message_id"`
	ProviderAttachmentID string    `db:"provider_attachment_id"`
	Filename             string    `db:"filename"`
	MimeType             string    `db:"mime_type"`
	DeclaredSize         int64     `db:"declared_size"`
	DownloadState        string    `db:"download_state"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

func (r *attachmentRow) toEntity() domain.AttachmentRef {
	return domain.AttachmentRef{
		ID:                   r.ID,
		UserID:               r.UserID,
		MessageID:            r.MessageID,
		ProviderAttachmentID: r.ProviderAttachmentID,
		Filename:             r.Filename,
		MimeType:             r.MimeType,
		DeclaredSize:         r.DeclaredSize,
		DownloadState:        domain.DownloadState(r.DownloadState),
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

// CreateRefs inserts attachment descriptors in one transaction,
// idempotent per (message_id, provider_attachment_id). Re-observed
// attachments keep their download state.
func (a *AttachmentAdapter) CreateRefs(ctx context.Context, refs []domain.AttachmentRef) ([]domain.AttachmentRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO attachments (user_id, message_id, provider_attachment_id,
			filename, mime_type, declared_size, download_state)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (message_id, provider_attachment_id) DO UPDATE SET
			filename = EXCLUDED.filename,
			mime_type = EXCLUDED.mime_type,
			declared_size = EXCLUDED.declared_size,
			updated_at = now()
		RETURNING id, download_state, created_at, updated_at`

	stored := make([]domain.AttachmentRef, 0, len(refs))
	for _, ref := range refs {
		err := tx.QueryRowContext(ctx, query,
			ref.UserID,
			ref.MessageID,
			ref.ProviderAttachmentID,
			ref.Filename,
			ref.MimeType,
			ref.DeclaredSize,
		).Scan(&ref.ID, &ref.DownloadState, &ref.CreatedAt, &ref.UpdatedAt)
		if err != nil {
			return nil, err
		}
		stored = append(stored, ref)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

// GetByID retrieves an attachment descriptor by ID.
func (a *AttachmentAdapter) GetByID(ctx context.Context, id int64) (*domain.AttachmentRef, error) {
	var row attachmentRow
	query := `
		SELECT id, user_id, message_id, provider_attachment_id,
			filename, mime_type, declared_size, download_state, created_at, updated_at
		FROM attachments
		WHERE id = $1`

	err := a.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	ref := row.toEntity()
	return &ref, nil
}

// ListByMessage returns every descriptor observed for a message.
func (a *AttachmentAdapter) ListByMessage(ctx context.Context, messageID int64) ([]domain.AttachmentRef, error) {
	var rows []attachmentRow
	query := `
		SELECT id, user_id, message_id, provider_attachment_id,
			filename, mime_type, declared_size, download_state, created_at, updated_at
		FROM attachments
		WHERE message_id = $1
		ORDER BY id`

	if err := a.db.SelectContext(ctx, &rows, query, messageID); err != nil {
		return nil, err
	}
	refs := make([]domain.AttachmentRef, 0, len(rows))
	for i := range rows {
		refs = append(refs, rows[i].toEntity())
	}
	return refs, nil
}

// UpdateDownloadState advances the byte-retrieval state.
func (a *AttachmentAdapter) UpdateDownloadState(ctx context.Context, id int64, state domain.DownloadState) error {
	query := `
		UPDATE attachments
		SET download_state = $2, updated_at = now()
		WHERE id = $1`

	res, err := a.db.ExecContext(ctx, query, id, state)
	if err != nil {
		return err
	}
	return errIfNoRows(res)
}
