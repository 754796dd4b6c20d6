package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

// UserAdapter implements out.UserRepository using PostgreSQL.
type UserAdapter struct {
	db *sqlx.DB
}

// NewUserAdapter creates a new UserAdapter.
func NewUserAdapter(db *sqlx.DB) *UserAdapter {
	return &UserAdapter{db: db}
}

var _ out.UserRepository = (*UserAdapter)(nil)

type userRow struct {
	ID               uuid.UUID      `db:"id"`
	Email            string         `db:"email"`
	WindowMonths     int            `db:"window_months"`
	MaxEmailsPerSync int            `db:"max_emails_per_sync"`
	Providers        pq.StringArray `db:"providers"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (r *userRow) toEntity() *domain.User {
	u := &domain.User{
		ID:               r.ID,
		Email:            r.Email,
		WindowMonths:     r.WindowMonths,
		MaxEmailsPerSync: r.MaxEmailsPerSync,
		CreatedAt:        r.CreatedAt,
	}
	for _, p := range r.Providers {
		u.Providers = append(u.Providers, domain.Provider(p))
	}
	return u
}

// GetByID retrieves a user by ID.
func (a *UserAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var row userRow
	query := `
		SELECT id, email, window_months, max_emails_per_sync, providers, created_at
		FROM users
		WHERE id = $1`

	err := a.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// ListSyncStale returns users whose newest provider sync predates the
// threshold, never-synced users first.
func (a *UserAdapter) ListSyncStale(ctx context.Context, olderThan time.Time, limit int) ([]*domain.User, error) {
	var rows []userRow
	query := `
		SELECT u.id, u.email, u.window_months, u.max_emails_per_sync, u.providers, u.created_at
		FROM users u
		LEFT JOIN (
			SELECT user_id, MAX(last_sync_at) AS last_sync_at
			FROM sync_states
			GROUP BY user_id
		) s ON s.user_id = u.id
		WHERE s.last_sync_at IS NULL OR s.last_sync_at < $1
		ORDER BY s.last_sync_at ASC NULLS FIRST
		LIMIT $2`

	if err := a.db.SelectContext(ctx, &rows, query, olderThan, limit); err != nil {
		return nil, err
	}
	users := make([]*domain.User, 0, len(rows))
	for i := range rows {
		users = append(users, rows[i].toEntity())
	}
	return users, nil
}
