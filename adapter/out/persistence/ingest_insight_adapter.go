package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

// =============================================================================
// Insight Adapter (PostgreSQL)
// =============================================================================

// InsightAdapter implements out.InsightRepository with SQL aggregates.
// It answers the same questions as the graph projection and serves as
// the fallback when the graph is unreachable.
type InsightAdapter struct {
	db *sqlx.DB
}

// NewInsightAdapter creates a new InsightAdapter.
func NewInsightAdapter(db *sqlx.DB) *InsightAdapter {
	return &InsightAdapter{db: db}
}

var _ out.InsightRepository = (*InsightAdapter)(nil)

// TotalSpend sums transaction amounts inside the rolling window.
// Undated transactions fall back to their extraction time.
func (a *InsightAdapter) TotalSpend(ctx context.Context, userID uuid.UUID, months int) (decimal.Decimal, error) {
	var total decimal.Decimal
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE user_id = $1
		  AND COALESCE(transaction_date, created_at) >= now() - $2 * interval '1 month'`

	err := a.db.GetContext(ctx, &total, query, userID, months)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// TopVendors ranks counterparties by total spend.
func (a *InsightAdapter) TopVendors(ctx context.Context, userID uuid.UUID, limit int) ([]out.VendorSpend, error) {
	query := `
		SELECT p.id AS party_id, p.display_name, SUM(t.amount) AS total,
			MIN(t.currency) AS currency, COUNT(*) AS count
		FROM transactions t
		JOIN parties p ON p.id = t.party_id
		WHERE t.user_id = $1
		GROUP BY p.id, p.display_name
		ORDER BY total DESC
		LIMIT $2`

	rows, err := a.db.QueryxContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vendors []out.VendorSpend
	for rows.Next() {
		var v out.VendorSpend
		if err := rows.Scan(&v.PartyID, &v.DisplayName, &v.Total, &v.Currency, &v.Count); err != nil {
			return nil, err
		}
		vendors = append(vendors, v)
	}
	return vendors, rows.Err()
}

// TransactionsAbove returns transactions at or over the threshold,
// largest first.
func (a *InsightAdapter) TransactionsAbove(ctx context.Context, userID uuid.UUID, threshold decimal.Decimal) ([]domain.Transaction, error) {
	var rows []transactionRow
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1 AND amount >= $2
		ORDER BY amount DESC`

	if err := a.db.SelectContext(ctx, &rows, query, userID, threshold); err != nil {
		return nil, err
	}
	txns := make([]domain.Transaction, 0, len(rows))
	for i := range rows {
		txns = append(txns, rows[i].toEntity())
	}
	return txns, nil
}

// =============================================================================
// Metrics Adapter (PostgreSQL)
// =============================================================================

// MetricsAdapter implements out.MetricsRepository with SQL aggregates.
type MetricsAdapter struct {
	db *sqlx.DB
}

// NewMetricsAdapter creates a new MetricsAdapter.
func NewMetricsAdapter(db *sqlx.DB) *MetricsAdapter {
	return &MetricsAdapter{db: db}
}

var _ out.MetricsRepository = (*MetricsAdapter)(nil)

// ProcessingMetrics aggregates processing counts for the user.
func (a *MetricsAdapter) ProcessingMetrics(ctx context.Context, userID uuid.UUID) (*domain.ProcessingMetrics, error) {
	var row struct {
		TotalEmails              int64 `db:"total_emails"`
		EmailsWithDocuments      int64 `db:"emails_with_documents"`
		TotalDocuments           int64 `db:"total_documents"`
		TotalPagesProcessed      int64 `db:"total_pages"`
		TotalCharactersProcessed int64 `db:"total_characters"`
	}
	query := `
		SELECT
			(SELECT COUNT(*) FROM messages WHERE user_id = $1) AS total_emails,
			(SELECT COUNT(DISTINCT message_id) FROM message_documents WHERE user_id = $1) AS emails_with_documents,
			(SELECT COUNT(*) FROM documents WHERE user_id = $1 AND extraction_status = 'extracted') AS total_documents,
			(SELECT COALESCE(SUM(page_count), 0) FROM documents WHERE user_id = $1 AND extraction_status = 'extracted') AS total_pages,
			(SELECT COALESCE(SUM(character_count), 0) FROM documents WHERE user_id = $1 AND extraction_status = 'extracted') AS total_characters`

	if err := a.db.GetContext(ctx, &row, query, userID); err != nil {
		return nil, err
	}

	metrics := &domain.ProcessingMetrics{
		TotalEmails:              row.TotalEmails,
		EmailsWithDocuments:      row.EmailsWithDocuments,
		TotalDocuments:           row.TotalDocuments,
		TotalPagesProcessed:      row.TotalPagesProcessed,
		TotalCharactersProcessed: row.TotalCharactersProcessed,
	}
	if metrics.TotalDocuments > 0 {
		metrics.AvgPagesPerDocument = float64(metrics.TotalPagesProcessed) / float64(metrics.TotalDocuments)
		metrics.AvgCharactersPerDocument = float64(metrics.TotalCharactersProcessed) / float64(metrics.TotalDocuments)
	}
	return metrics, nil
}

// =============================================================================
// Qualification Log Adapter (PostgreSQL)
// =============================================================================

// QualificationLogAdapter implements out.QualificationLogRepository.
type QualificationLogAdapter struct {
	db *sqlx.DB
}

// NewQualificationLogAdapter creates a new QualificationLogAdapter.
func NewQualificationLogAdapter(db *sqlx.DB) *QualificationLogAdapter {
	return &QualificationLogAdapter{db: db}
}

var _ out.QualificationLogRepository = (*QualificationLogAdapter)(nil)

// Append records one qualification decision.
func (a *QualificationLogAdapter) Append(ctx context.Context, userID uuid.UUID, messageID int64, qualified bool, stage domain.QualificationStage, confidence float64, reason string) error {
	query := `
		INSERT INTO qualification_log (user_id, message_id, qualified, stage, confidence, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := a.db.ExecContext(ctx, query, userID, messageID, qualified, stage, confidence, reason)
	return err
}
