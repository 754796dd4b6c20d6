package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

// TransactionAdapter implements out.TransactionRepository using PostgreSQL.
type TransactionAdapter struct {
	db *sqlx.DB
}

// NewTransactionAdapter creates a new TransactionAdapter.
func NewTransactionAdapter(db *sqlx.DB) *TransactionAdapter {
	return &TransactionAdapter{db: db}
}

var _ out.TransactionRepository = (*TransactionAdapter)(nil)

type transactionRow struct {
	ID              int64           `db:"id"`
	UserID          uuid.UUID       `db:"user_id"`
	DocumentID      int64           `db:"document_id"`
	RowIndex        int             `db:"row_index"`
	PartyID         sql.NullInt64   `db:"party_id"`
	Amount          decimal.Decimal `db:"amount"`
	Currency        string          `db:"currency"`
	TransactionDate sql.NullTime    `db:"transaction_date"`
	Kind            string          `db:"kind"`
	LineItems       json.RawMessage `db:"line_items"`
	Metadata        json.RawMessage `db:"metadata"`
	CreatedAt       time.Time       `db:"created_at"`
}

func (r *transactionRow) toEntity() domain.Transaction {
	txn := domain.Transaction{
		ID:         r.ID,
		UserID:     r.UserID,
		DocumentID: r.DocumentID,
		RowIndex:   r.RowIndex,
		Amount:     r.Amount,
		Currency:   r.Currency,
		Kind:       domain.TransactionKind(r.Kind),
		CreatedAt:  r.CreatedAt,
	}
	if r.PartyID.Valid {
		id := r.PartyID.Int64
		txn.PartyID = &id
	}
	if r.TransactionDate.Valid {
		at := r.TransactionDate.Time
		txn.TransactionDate = &at
	}
	if len(r.LineItems) > 0 {
		_ = json.Unmarshal(r.LineItems, &txn.LineItems)
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &txn.Metadata)
	}
	return txn
}

const transactionColumns = `
	id, user_id, document_id, row_index, party_id, amount, currency,
	transaction_date, kind, line_items, metadata, created_at`

// ReplaceForDocument swaps a document's transactions in one
// transaction. Re-extraction never leaves rows from a prior run behind.
func (a *TransactionAdapter) ReplaceForDocument(ctx context.Context, documentID int64, txns []domain.Transaction) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE document_id = $1`, documentID); err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (user_id, document_id, row_index, party_id,
			amount, currency, transaction_date, kind, line_items, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	for i := range txns {
		txn := &txns[i]
		lineItems, err := json.Marshal(txn.LineItems)
		if err != nil {
			return err
		}
		metadata, err := json.Marshal(txn.Metadata)
		if err != nil {
			return err
		}

		var partyID sql.NullInt64
		if txn.PartyID != nil {
			partyID = sql.NullInt64{Int64: *txn.PartyID, Valid: true}
		}
		var txnDate sql.NullTime
		if txn.TransactionDate != nil {
			txnDate = sql.NullTime{Time: *txn.TransactionDate, Valid: true}
		}

		err = tx.QueryRowContext(ctx, query,
			txn.UserID,
			documentID,
			txn.RowIndex,
			partyID,
			txn.Amount,
			txn.Currency,
			txnDate,
			txn.Kind,
			lineItems,
			metadata,
		).Scan(&txn.ID, &txn.CreatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListByDocument returns a document's transactions in extraction order.
func (a *TransactionAdapter) ListByDocument(ctx context.Context, userID uuid.UUID, documentID int64) ([]domain.Transaction, error) {
	var rows []transactionRow
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1 AND document_id = $2
		ORDER BY row_index`

	if err := a.db.SelectContext(ctx, &rows, query, userID, documentID); err != nil {
		return nil, err
	}
	txns := make([]domain.Transaction, 0, len(rows))
	for i := range rows {
		txns = append(txns, rows[i].toEntity())
	}
	return txns, nil
}
