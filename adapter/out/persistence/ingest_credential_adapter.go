package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/pkg/crypto"
)

// CredentialAdapter implements out.CredentialRepository using
// PostgreSQL. Tokens are AES-256-GCM encrypted before they touch the
// database; plaintext exists only inside the process.
type CredentialAdapter struct {
	db  *sqlx.DB
	enc *crypto.Encryptor
}

// NewCredentialAdapter creates a new CredentialAdapter.
func NewCredentialAdapter(db *sqlx.DB, enc *crypto.Encryptor) *CredentialAdapter {
	return &CredentialAdapter{db: db, enc: enc}
}

var _ out.CredentialRepository = (*CredentialAdapter)(nil)

type credentialRow struct {
	UserID       uuid.UUID `db:"user_id"`
	Provider     string    `db:"provider"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	Expiry       time.Time `db:"expiry"`
	Revoked      bool      `db:"revoked"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Get returns the decrypted credential for (user, provider).
func (a *CredentialAdapter) Get(ctx context.Context, userID uuid.UUID, provider domain.Provider) (*out.Credential, error) {
	var row credentialRow
	query := `
		SELECT user_id, provider, access_token, refresh_token, expiry, revoked, updated_at
		FROM credentials
		WHERE user_id = $1 AND provider = $2`

	err := a.db.GetContext(ctx, &row, query, userID, provider)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, out.ErrNotFound
		}
		return nil, err
	}

	accessToken, err := a.enc.Decrypt(row.AccessToken)
	if err != nil {
		return nil, err
	}
	refreshToken, err := a.enc.Decrypt(row.RefreshToken)
	if err != nil {
		return nil, err
	}

	return &out.Credential{
		UserID:       row.UserID,
		Provider:     domain.Provider(row.Provider),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       row.Expiry,
		Revoked:      row.Revoked,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

// Upsert replaces the stored credential and clears the revoked flag.
func (a *CredentialAdapter) Upsert(ctx context.Context, cred *out.Credential) error {
	accessToken, err := a.enc.Encrypt(cred.AccessToken)
	if err != nil {
		return err
	}
	refreshToken, err := a.enc.Encrypt(cred.RefreshToken)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO credentials (user_id, provider, access_token, refresh_token, expiry, revoked)
		VALUES ($1, $2, $3, $4, $5, false)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expiry = EXCLUDED.expiry,
			revoked = false,
			updated_at = now()`

	_, err = a.db.ExecContext(ctx, query, cred.UserID, cred.Provider, accessToken, refreshToken, cred.Expiry)
	return err
}

// UpdateAccess stores a refreshed access token without touching the
// refresh token.
func (a *CredentialAdapter) UpdateAccess(ctx context.Context, userID uuid.UUID, provider domain.Provider, accessToken string, expiry time.Time) error {
	encrypted, err := a.enc.Encrypt(accessToken)
	if err != nil {
		return err
	}

	query := `
		UPDATE credentials
		SET access_token = $3, expiry = $4, updated_at = now()
		WHERE user_id = $1 AND provider = $2`

	res, err := a.db.ExecContext(ctx, query, userID, provider, encrypted, expiry)
	if err != nil {
		return err
	}
	return errIfNoRows(res)
}

// MarkRevoked flags the credential so sync halts until reauthorization.
func (a *CredentialAdapter) MarkRevoked(ctx context.Context, userID uuid.UUID, provider domain.Provider) error {
	query := `
		UPDATE credentials
		SET revoked = true, updated_at = now()
		WHERE user_id = $1 AND provider = $2`

	res, err := a.db.ExecContext(ctx, query, userID, provider)
	if err != nil {
		return err
	}
	return errIfNoRows(res)
}
