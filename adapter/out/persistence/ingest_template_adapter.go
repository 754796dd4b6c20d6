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
)

// TemplateAdapter implements out.TemplateRepository using PostgreSQL.
// The layout fingerprint is a uint64 stored in a bigint; the cast back
// and forth is lossless.
type TemplateAdapter struct {
	db *sqlx.DB
}

// NewTemplateAdapter creates a new TemplateAdapter.
func NewTemplateAdapter(db *sqlx.DB) *TemplateAdapter {
	return &TemplateAdapter{db: db}
}

var _ out.TemplateRepository = (*TemplateAdapter)(nil)

type templateRow struct {
	ID                int64           `db:"id"`
	UserID            uuid.UUID       `db:"user_id"`
	SenderDomain      string          `db:"sender_domain"`
	DocumentType      string          `db:"document_type"`
	LayoutFingerprint int64           `db:"layout_fingerprint"`
	Rules             json.RawMessage `db:"rules"`
	FailureStreak     int             `db:"failure_streak"`
	LastUsedAt        time.Time       `db:"last_used_at"`
	CreatedAt         time.Time       `db:"created_at"`
}

func (r *templateRow) toEntity() (*domain.Template, error) {
	tpl := &domain.Template{
		ID:                r.ID,
		UserID:            r.UserID,
		SenderDomain:      r.SenderDomain,
		DocumentType:      domain.DocumentType(r.DocumentType),
		LayoutFingerprint: uint64(r.LayoutFingerprint),
		FailureStreak:     r.FailureStreak,
		LastUsedAt:        r.LastUsedAt,
		CreatedAt:         r.CreatedAt,
	}
	if len(r.Rules) > 0 {
		if err := json.Unmarshal(r.Rules, &tpl.Rules); err != nil {
			return nil, err
		}
	}
	return tpl, nil
}

// Lookup returns the template for the cache key.
func (a *TemplateAdapter) Lookup(ctx context.Context, key domain.TemplateKey) (*domain.Template, error) {
	var row templateRow
	query := `
		SELECT id, user_id, sender_domain, document_type, layout_fingerprint,
			rules, failure_streak, last_used_at, created_at
		FROM templates
		WHERE user_id = $1 AND sender_domain = $2 AND document_type = $3 AND layout_fingerprint = $4`

	err := a.db.GetContext(ctx, &row, query,
		key.UserID, key.SenderDomain, key.DocumentType, int64(key.LayoutFingerprint))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity()
}

// Store upserts the recipe. A fresh store resets the failure streak.
func (a *TemplateAdapter) Store(ctx context.Context, tpl *domain.Template) error {
	rules, err := json.Marshal(tpl.Rules)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO templates (user_id, sender_domain, document_type, layout_fingerprint, rules, last_used_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id, sender_domain, document_type, layout_fingerprint) DO UPDATE SET
			rules = EXCLUDED.rules,
			failure_streak = 0,
			last_used_at = now()
		RETURNING id, last_used_at, created_at`

	return a.db.QueryRowContext(ctx, query,
		tpl.UserID,
		tpl.SenderDomain,
		tpl.DocumentType,
		int64(tpl.LayoutFingerprint),
		rules,
	).Scan(&tpl.ID, &tpl.LastUsedAt, &tpl.CreatedAt)
}

// Touch records a successful use.
func (a *TemplateAdapter) Touch(ctx context.Context, id int64) error {
	query := `
		UPDATE templates
		SET last_used_at = now(), failure_streak = 0
		WHERE id = $1`

	res, err := a.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return errIfNoRows(res)
}

// RecordFailure bumps and returns the consecutive failure count.
func (a *TemplateAdapter) RecordFailure(ctx context.Context, id int64) (int, error) {
	var streak int
	query := `
		UPDATE templates
		SET failure_streak = failure_streak + 1
		WHERE id = $1
		RETURNING failure_streak`

	err := a.db.QueryRowContext(ctx, query, id).Scan(&streak)
	if err == sql.ErrNoRows {
		return 0, out.ErrNotFound
	}
	return streak, err
}

// Invalidate removes the recipe for the key.
func (a *TemplateAdapter) Invalidate(ctx context.Context, key domain.TemplateKey) error {
	query := `
		DELETE FROM templates
		WHERE user_id = $1 AND sender_domain = $2 AND document_type = $3 AND layout_fingerprint = $4`

	_, err := a.db.ExecContext(ctx, query,
		key.UserID, key.SenderDomain, key.DocumentType, int64(key.LayoutFingerprint))
	return err
}

// PurgeIdle removes recipes unused for the given duration.
func (a *TemplateAdapter) PurgeIdle(ctx context.Context, idleFor time.Duration) (int64, error) {
	query := `
		DELETE FROM templates
		WHERE last_used_at < now() - $1 * interval '1 second'`

	res, err := a.db.ExecContext(ctx, query, idleFor.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
