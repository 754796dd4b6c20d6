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

// PartyAdapter implements out.PartyRepository using PostgreSQL.
type PartyAdapter struct {
	db *sqlx.DB
}

// NewPartyAdapter creates a new PartyAdapter.
func NewPartyAdapter(db *sqlx.DB) *PartyAdapter {
	return &PartyAdapter{db: db}
}

var _ out.PartyRepository = (*PartyAdapter)(nil)

type partyRow struct {
	ID             int64          `db:"id"`
	UserID         uuid.UUID      `db:"user_id"`
	NormalizedName string         `db:"normalized_name"`
	DisplayName    string         `db:"display_name"`
	PartyType      string         `db:"party_type"`
	Aliases        pq.StringArray `db:"aliases"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *partyRow) toEntity() *domain.Party {
	return &domain.Party{
		ID:             r.ID,
		UserID:         r.UserID,
		NormalizedName: r.NormalizedName,
		DisplayName:    r.DisplayName,
		PartyType:      domain.PartyType(r.PartyType),
		Aliases:        []string(r.Aliases),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const partyColumns = `
	id, user_id, normalized_name, display_name, party_type, aliases, created_at, updated_at`

// UpsertByNormalizedName inserts the party or returns the existing row
// for (user_id, normalized_name). A concurrent insert can make both the
// INSERT and the follow-up SELECT miss once, hence the second round.
func (a *PartyAdapter) UpsertByNormalizedName(ctx context.Context, userID uuid.UUID, displayName string, partyType domain.PartyType) (*domain.Party, error) {
	normalized := domain.NormalizePartyName(displayName)

	insert := `
		INSERT INTO parties (user_id, normalized_name, display_name, party_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, normalized_name) DO NOTHING
		RETURNING` + partyColumns
	lookup := `SELECT` + partyColumns + `
		FROM parties
		WHERE user_id = $1 AND normalized_name = $2`

	var row partyRow
	for attempt := 0; attempt < 2; attempt++ {
		err := a.db.QueryRowxContext(ctx, insert, userID, normalized, displayName, partyType).StructScan(&row)
		if err == nil {
			return row.toEntity(), nil
		}
		if err != sql.ErrNoRows {
			return nil, err
		}

		err = a.db.GetContext(ctx, &row, lookup, userID, normalized)
		if err == nil {
			return row.toEntity(), nil
		}
		if err != sql.ErrNoRows {
			return nil, err
		}
	}
	return nil, out.ErrNotFound
}

// AddAlias appends an alias unless it is already present.
func (a *PartyAdapter) AddAlias(ctx context.Context, partyID int64, alias string) error {
	query := `
		UPDATE parties
		SET aliases = array_append(aliases, $2), updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(aliases))`

	_, err := a.db.ExecContext(ctx, query, partyID, alias)
	return err
}

// GetByID retrieves a party scoped to its owner.
func (a *PartyAdapter) GetByID(ctx context.Context, userID uuid.UUID, id int64) (*domain.Party, error) {
	var row partyRow
	query := `SELECT` + partyColumns + `
		FROM parties
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
