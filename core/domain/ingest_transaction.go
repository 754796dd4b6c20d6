package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionKind classifies the financial fact.
type TransactionKind string

const (
	TxnInvoice TransactionKind = "invoice"
	TxnReceipt TransactionKind = "receipt"
	TxnPayment TransactionKind = "payment"
	TxnCharge  TransactionKind = "charge"
	TxnRefund  TransactionKind = "refund"
	TxnOther   TransactionKind = "other"
)

// LineItem is one row of an invoice or receipt.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

// Transaction is an atomic financial fact extracted from a document.
// Keyed by (document_id, row_index); re-extraction replaces a
// document's transactions atomically.
type Transaction struct {
	ID         int64
	UserID     uuid.UUID
	DocumentID int64
	RowIndex   int
	PartyID    *int64

	Amount          decimal.Decimal // two-scale preserved
	Currency        string          // ISO-4217, USD when unspecified
	TransactionDate *time.Time
	Kind            TransactionKind
	LineItems       []LineItem
	Metadata        map[string]string

	CreatedAt time.Time
}

// KindForDocument maps a document type to its default transaction kind.
func KindForDocument(dt DocumentType) TransactionKind {
	switch dt {
	case DocInvoice:
		return TxnInvoice
	case DocReceipt:
		return TxnReceipt
	case DocBankStatement:
		return TxnCharge
	default:
		return TxnOther
	}
}
