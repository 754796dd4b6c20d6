package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

// LinkAdapter implements out.LinkRepository using PostgreSQL.
type LinkAdapter struct {
	db *sqlx.DB
}

// NewLinkAdapter creates a new LinkAdapter.
func NewLinkAdapter(db *sqlx.DB) *LinkAdapter {
	return &LinkAdapter{db: db}
}

var _ out.LinkRepository = (*LinkAdapter)(nil)

// Link ties a message to a document, once.
func (a *LinkAdapter) Link(ctx context.Context, userID uuid.UUID, messageID, documentID int64) error {
	query := `
		INSERT INTO message_documents (user_id, message_id, document_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, document_id) DO NOTHING`

	_, err := a.db.ExecContext(ctx, query, userID, messageID, documentID)
	return err
}

// ListByDocument returns every message linked to a document.
func (a *LinkAdapter) ListByDocument(ctx context.Context, documentID int64) ([]domain.MessageDocumentLink, error) {
	var links []domain.MessageDocumentLink
	query := `
		SELECT id, user_id, message_id, document_id, created_at
		FROM message_documents
		WHERE document_id = $1
		ORDER BY id`

	rows, err := a.db.QueryxContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var link domain.MessageDocumentLink
		if err := rows.Scan(&link.ID, &link.UserID, &link.MessageID, &link.DocumentID, &link.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}
