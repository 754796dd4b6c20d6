// Package persistence provides PostgreSQL adapters implementing the
// outbound repository ports. Missing rows map to out.ErrNotFound.
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

// =============================================================================
// Message Adapter (PostgreSQL)
// =============================================================================

// MessageAdapter implements out.MessageRepository using PostgreSQL.
type MessageAdapter struct {
	db *sqlx.DB
}

// NewMessageAdapter creates a new MessageAdapter.
func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

var _ out.MessageRepository = (*MessageAdapter)(nil)

// =============================================================================
// Database Row Mapping
// =============================================================================

type messageRow struct {
	ID                int64          `db:"id"`
	UserID            uuid.UUID      `db:"user_id"`
	Provider          string         `db:"provider"`
	ProviderMessageID string         `db:"provider_message_id"`
	ProviderThreadID  sql.NullString `db:"provider_thread_id"`
	Sender            string         `db:"sender"`
	Recipient         sql.NullString `db:"recipient"`
	Subject           string         `db:"subject"`
	Snippet           sql.NullString `db:"snippet"`
	Body              sql.NullString `db:"body"`
	ReceivedAt        time.Time      `db:"received_at"`

	IsQualified             sql.NullBool    `db:"is_qualified"`
	QualificationStage      sql.NullString  `db:"qualification_stage"`
	QualificationConfidence sql.NullFloat64 `db:"qualification_confidence"`
	QualificationReason     sql.NullString  `db:"qualification_reason"`
	QualifiedAt             sql.NullTime    `db:"qualified_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *messageRow) toEntity() *domain.Message {
	m := &domain.Message{
		ID:                      r.ID,
		UserID:                  r.UserID,
		Provider:                domain.Provider(r.Provider),
		ProviderMessageID:       r.ProviderMessageID,
		ProviderThreadID:        r.ProviderThreadID.String,
		Sender:                  r.Sender,
		Recipient:               r.Recipient.String,
		Subject:                 r.Subject,
		Snippet:                 r.Snippet.String,
		Body:                    r.Body.String,
		ReceivedAt:              r.ReceivedAt,
		QualificationStage:      domain.QualificationStage(r.QualificationStage.String),
		QualificationConfidence: r.QualificationConfidence.Float64,
		QualificationReason:     r.QualificationReason.String,
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
	}
	if r.IsQualified.Valid {
		qualified := r.IsQualified.Bool
		m.IsQualified = &qualified
	}
	if r.QualifiedAt.Valid {
		at := r.QualifiedAt.Time
		m.QualifiedAt = &at
	}
	return m
}

const messageColumns = `
	id, user_id, provider, provider_message_id, provider_thread_id,
	sender, recipient, subject, snippet, body, received_at,
	is_qualified, qualification_stage, qualification_confidence,
	qualification_reason, qualified_at, created_at, updated_at`

// =============================================================================
// CRUD Operations
// =============================================================================

// UpsertMeta inserts or refreshes message metadata. The inserted flag
// comes from xmax: zero means the row version was never deleted, so
// the INSERT arm ran rather than the UPDATE arm.
func (a *MessageAdapter) UpsertMeta(ctx context.Context, msg *domain.Message) (bool, error) {
	query := `
		INSERT INTO messages (user_id, provider, provider_message_id, provider_thread_id,
			sender, recipient, subject, snippet, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, provider, provider_message_id) DO UPDATE SET
			provider_thread_id = EXCLUDED.provider_thread_id,
			sender = EXCLUDED.sender,
			subject = EXCLUDED.subject,
			snippet = COALESCE(NULLIF(EXCLUDED.snippet, ''), messages.snippet),
			received_at = EXCLUDED.received_at,
			updated_at = now()
		RETURNING id, created_at, (xmax = 0) AS inserted`

	var created bool
	err := a.db.QueryRowContext(ctx, query,
		msg.UserID,
		msg.Provider,
		msg.ProviderMessageID,
		nullString(msg.ProviderThreadID),
		msg.Sender,
		nullString(msg.Recipient),
		msg.Subject,
		nullString(msg.Snippet),
		msg.ReceivedAt,
	).Scan(&msg.ID, &msg.CreatedAt, &created)
	if err != nil {
		return false, err
	}
	return created, nil
}

// GetByID retrieves a message scoped to its owner.
func (a *MessageAdapter) GetByID(ctx context.Context, userID uuid.UUID, id int64) (*domain.Message, error) {
	var row messageRow
	query := `SELECT` + messageColumns + `
		FROM messages
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

// GetByProviderID retrieves a message by its provider identity.
func (a *MessageAdapter) GetByProviderID(ctx context.Context, userID uuid.UUID, provider domain.Provider, providerMessageID string) (*domain.Message, error) {
	var row messageRow
	query := `SELECT` + messageColumns + `
		FROM messages
		WHERE user_id = $1 AND provider = $2 AND provider_message_id = $3`

	err := a.db.GetContext(ctx, &row, query, userID, provider, providerMessageID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// UpdateBody fills the fields a metadata-only listing leaves empty.
func (a *MessageAdapter) UpdateBody(ctx context.Context, id int64, body, snippet, recipient string) error {
	query := `
		UPDATE messages
		SET body = $2, snippet = $3, recipient = $4, updated_at = now()
		WHERE id = $1`

	res, err := a.db.ExecContext(ctx, query, id, body, snippet, nullString(recipient))
	if err != nil {
		return err
	}
	return errIfNoRows(res)
}

// NeedsBody reports whether the row still lacks body content.
func (a *MessageAdapter) NeedsBody(ctx context.Context, id int64) (bool, error) {
	var needs bool
	query := `
		SELECT COALESCE(body, '') = ''
		FROM messages
		WHERE id = $1`

	err := a.db.GetContext(ctx, &needs, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, out.ErrNotFound
		}
		return false, err
	}
	return needs, nil
}

// WriteQualification records the decision. The predicate restricts the
// update to undecided rows, so concurrent workers race safely: exactly
// one observes wrote=true.
func (a *MessageAdapter) WriteQualification(ctx context.Context, id int64, qualified bool, stage domain.QualificationStage, confidence float64, reason string) (bool, error) {
	query := `
		UPDATE messages
		SET is_qualified = $2,
			qualification_stage = $3,
			qualification_confidence = $4,
			qualification_reason = $5,
			qualified_at = now(),
			updated_at = now()
		WHERE id = $1 AND is_qualified IS NULL`

	res, err := a.db.ExecContext(ctx, query, id, qualified, stage, confidence, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRecentQualified returns the latest decided messages, newest first.
func (a *MessageAdapter) ListRecentQualified(ctx context.Context, userID uuid.UUID, n int) ([]*domain.Message, error) {
	var rows []messageRow
	query := `SELECT` + messageColumns + `
		FROM messages
		WHERE user_id = $1 AND is_qualified IS NOT NULL
		ORDER BY qualified_at DESC
		LIMIT $2`

	if err := a.db.SelectContext(ctx, &rows, query, userID, n); err != nil {
		return nil, err
	}
	messages := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].toEntity())
	}
	return messages, nil
}

// =============================================================================
// Helpers
// =============================================================================

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func errIfNoRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return out.ErrNotFound
	}
	return nil
}
