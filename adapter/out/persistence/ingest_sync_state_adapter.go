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

// SyncStateAdapter implements out.SyncStateRepository using PostgreSQL.
type SyncStateAdapter struct {
	db *sqlx.DB
}

// NewSyncStateAdapter creates a new SyncStateAdapter.
func NewSyncStateAdapter(db *sqlx.DB) *SyncStateAdapter {
	return &SyncStateAdapter{db: db}
}

var _ out.SyncStateRepository = (*SyncStateAdapter)(nil)

type syncStateRow struct {
	ID         int64          `db:"id"`
	UserID     uuid.UUID      `db:"user_id"`
	Provider   string         `db:"provider"`
	Status     string         `db:"status"`
	LastSyncAt sql.NullTime   `db:"last_sync_at"`
	PageCursor sql.NullString `db:"page_cursor"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r *syncStateRow) toEntity() *domain.SyncState {
	state := &domain.SyncState{
		ID:         r.ID,
		UserID:     r.UserID,
		Provider:   domain.Provider(r.Provider),
		Status:     domain.SyncStatus(r.Status),
		PageCursor: r.PageCursor.String,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.LastSyncAt.Valid {
		at := r.LastSyncAt.Time
		state.LastSyncAt = &at
	}
	return state
}

// Get returns the cursor for (user, provider).
func (a *SyncStateAdapter) Get(ctx context.Context, userID uuid.UUID, provider domain.Provider) (*domain.SyncState, error) {
	var row syncStateRow
	query := `
		SELECT id, user_id, provider, status, last_sync_at, page_cursor, updated_at
		FROM sync_states
		WHERE user_id = $1 AND provider = $2`

	err := a.db.GetContext(ctx, &row, query, userID, provider)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// Save upserts the cursor for (user, provider).
func (a *SyncStateAdapter) Save(ctx context.Context, state *domain.SyncState) error {
	var lastSyncAt sql.NullTime
	if state.LastSyncAt != nil {
		lastSyncAt = sql.NullTime{Time: *state.LastSyncAt, Valid: true}
	}

	query := `
		INSERT INTO sync_states (user_id, provider, status, last_sync_at, page_cursor)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			status = EXCLUDED.status,
			last_sync_at = EXCLUDED.last_sync_at,
			page_cursor = EXCLUDED.page_cursor,
			updated_at = now()
		RETURNING id, updated_at`

	return a.db.QueryRowContext(ctx, query,
		state.UserID,
		state.Provider,
		state.Status,
		lastSyncAt,
		nullString(state.PageCursor),
	).Scan(&state.ID, &state.UpdatedAt)
}
