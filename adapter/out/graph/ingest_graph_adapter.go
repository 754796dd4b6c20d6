// Package graph implements the Neo4j projection of extracted facts.
// PostgreSQL stays the source of truth; the graph is a queryable
// mirror that can be rebuilt from it.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shopspring/decimal"

	"papergraph/core/domain"
	"papergraph/core/port/out"
)

// =============================================================================
// Neo4j Graph Store Adapter
// =============================================================================

// GraphAdapter implements out.GraphStore using Neo4j.
type GraphAdapter struct {
	driver neo4j.DriverWithContext
	dbName string
}

// NewGraphAdapter creates a new Neo4j graph adapter.
func NewGraphAdapter(driver neo4j.DriverWithContext, dbName string) *GraphAdapter {
	return &GraphAdapter{
		driver: driver,
		dbName: dbName,
	}
}

var _ out.GraphStore = (*GraphAdapter)(nil)

// EnsureIndexes creates necessary constraints and indexes.
func (a *GraphAdapter) EnsureIndexes(ctx context.Context) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	queries := []string{
		`CREATE CONSTRAINT document_unique IF NOT EXISTS FOR (d:Document) REQUIRE (d.user_id, d.id) IS UNIQUE`,
		`CREATE CONSTRAINT party_unique IF NOT EXISTS FOR (p:Party) REQUIRE (p.user_id, p.id) IS UNIQUE`,
		`CREATE CONSTRAINT txn_unique IF NOT EXISTS FOR (t:Transaction) REQUIRE (t.user_id, t.document_id, t.row_index) IS UNIQUE`,
		`CREATE INDEX txn_amount_idx IF NOT EXISTS FOR (t:Transaction) ON (t.amount)`,
		`CREATE INDEX txn_date_idx IF NOT EXISTS FOR (t:Transaction) ON (t.date)`,
	}

	for _, query := range queries {
		_, err := session.Run(ctx, query, nil)
		if err != nil {
			// Ignore errors for existing indexes
			continue
		}
	}

	return nil
}

// =============================================================================
// Projection
// =============================================================================

// ProjectDocument upserts the document, its party, and its
// transactions. Re-projection first clears the document's prior
// transaction nodes, so the graph always matches the latest extraction.
func (a *GraphAdapter) ProjectDocument(ctx context.Context, doc *domain.Document, party *domain.Party, txns []domain.Transaction) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	docQuery := `
		MERGE (u:User {id: $userID})
		MERGE (d:Document {user_id: $userID, id: $docID})
		SET d.document_type = $docType,
			d.content_hash = $contentHash,
			d.sender_domain = $senderDomain,
			d.extraction_method = $method,
			d.confidence = $confidence,
			d.updated_at = timestamp()
		MERGE (u)-[:OWNS]->(d)
	`
	params := map[string]interface{}{
		"userID":       doc.UserID.String(),
		"docID":        doc.ID,
		"docType":      string(doc.DocumentType),
		"contentHash":  doc.ContentHash,
		"senderDomain": doc.SenderDomain,
		"method":       string(doc.ExtractionMethod),
		"confidence":   doc.Confidence,
	}
	if _, err := session.Run(ctx, docQuery, params); err != nil {
		return fmt.Errorf("failed to project document: %w", err)
	}

	if party != nil {
		partyQuery := `
			MATCH (d:Document {user_id: $userID, id: $docID})
			MERGE (p:Party {user_id: $userID, id: $partyID})
			SET p.name = $name,
				p.normalized_name = $normalizedName,
				p.party_type = $partyType
			MERGE (d)-[:ISSUED_BY]->(p)
		`
		_, err := session.Run(ctx, partyQuery, map[string]interface{}{
			"userID":         doc.UserID.String(),
			"docID":          doc.ID,
			"partyID":        party.ID,
			"name":           party.DisplayName,
			"normalizedName": party.NormalizedName,
			"partyType":      string(party.PartyType),
		})
		if err != nil {
			return fmt.Errorf("failed to project party: %w", err)
		}
	}

	clearQuery := `
		MATCH (d:Document {user_id: $userID, id: $docID})-[:CONTAINS]->(t:Transaction)
		DETACH DELETE t
	`
	_, err := session.Run(ctx, clearQuery, map[string]interface{}{
		"userID": doc.UserID.String(),
		"docID":  doc.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to clear prior transactions: %w", err)
	}

	txnQuery := `
		MATCH (d:Document {user_id: $userID, id: $docID})
		CREATE (t:Transaction {
			user_id: $userID,
			document_id: $docID,
			row_index: $rowIndex,
			amount: $amount,
			amount_str: $amountStr,
			currency: $currency,
			kind: $kind,
			date: $date
		})
		CREATE (d)-[:CONTAINS]->(t)
		WITH t
		OPTIONAL MATCH (p:Party {user_id: $userID, id: $partyID})
		FOREACH (_ IN CASE WHEN p IS NULL THEN [] ELSE [1] END |
			CREATE (t)-[:PAID_TO]->(p))
	`
	for i := range txns {
		txn := &txns[i]

		var date int64
		if txn.TransactionDate != nil {
			date = txn.TransactionDate.UnixMilli()
		} else {
			date = txn.CreatedAt.UnixMilli()
		}
		var partyID int64 = -1
		if txn.PartyID != nil {
			partyID = *txn.PartyID
		}

		amount, _ := txn.Amount.Float64()
		_, err := session.Run(ctx, txnQuery, map[string]interface{}{
			"userID":    doc.UserID.String(),
			"docID":     doc.ID,
			"rowIndex":  txn.RowIndex,
			"amount":    amount,
			"amountStr": txn.Amount.String(),
			"currency":  txn.Currency,
			"kind":      string(txn.Kind),
			"date":      date,
			"partyID":   partyID,
		})
		if err != nil {
			return fmt.Errorf("failed to project transaction %d: %w", txn.RowIndex, err)
		}
	}

	return nil
}

// =============================================================================
// Queries
// =============================================================================

// TotalSpend sums transaction amounts inside the rolling window.
func (a *GraphAdapter) TotalSpend(ctx context.Context, userID uuid.UUID, months int) (decimal.Decimal, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		MATCH (t:Transaction {user_id: $userID})
		WHERE t.date >= $since
		RETURN coalesce(sum(t.amount), 0.0) AS total
	`
	since := time.Now().AddDate(0, -months, 0).UnixMilli()

	result, err := session.Run(ctx, query, map[string]interface{}{
		"userID": userID.String(),
		"since":  since,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query total spend: %w", err)
	}

	record, err := result.Single(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read total spend: %w", err)
	}
	total, _ := record.Get("total")
	return decimal.NewFromFloat(asFloat(total)), nil
}

// TopVendors ranks counterparties by total spend.
func (a *GraphAdapter) TopVendors(ctx context.Context, userID uuid.UUID, limit int) ([]out.VendorSpend, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		MATCH (t:Transaction {user_id: $userID})-[:PAID_TO]->(p:Party)
		RETURN p.id AS party_id, p.name AS name,
			sum(t.amount) AS total, min(t.currency) AS currency, count(t) AS count
		ORDER BY total DESC
		LIMIT $limit
	`
	result, err := session.Run(ctx, query, map[string]interface{}{
		"userID": userID.String(),
		"limit":  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query top vendors: %w", err)
	}

	var vendors []out.VendorSpend
	for result.Next(ctx) {
		record := result.Record()
		partyID, _ := record.Get("party_id")
		name, _ := record.Get("name")
		total, _ := record.Get("total")
		currency, _ := record.Get("currency")
		count, _ := record.Get("count")

		vendors = append(vendors, out.VendorSpend{
			PartyID:     asInt(partyID),
			DisplayName: asString(name),
			Total:       decimal.NewFromFloat(asFloat(total)),
			Currency:    asString(currency),
			Count:       asInt(count),
		})
	}
	return vendors, result.Err()
}

// TransactionsAbove returns transactions at or over the threshold,
// largest first.
func (a *GraphAdapter) TransactionsAbove(ctx context.Context, userID uuid.UUID, threshold decimal.Decimal) ([]domain.Transaction, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		MATCH (t:Transaction {user_id: $userID})
		WHERE t.amount >= $threshold
		OPTIONAL MATCH (t)-[:PAID_TO]->(p:Party)
		RETURN t.document_id AS document_id, t.row_index AS row_index,
			t.amount_str AS amount, t.currency AS currency, t.kind AS kind,
			t.date AS date, p.id AS party_id
		ORDER BY t.amount DESC
	`
	thresholdFloat, _ := threshold.Float64()
	result, err := session.Run(ctx, query, map[string]interface{}{
		"userID":    userID.String(),
		"threshold": thresholdFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query large transactions: %w", err)
	}

	var txns []domain.Transaction
	for result.Next(ctx) {
		record := result.Record()
		documentID, _ := record.Get("document_id")
		rowIndex, _ := record.Get("row_index")
		amountStr, _ := record.Get("amount")
		currency, _ := record.Get("currency")
		kind, _ := record.Get("kind")
		date, _ := record.Get("date")
		partyID, _ := record.Get("party_id")

		amount, err := decimal.NewFromString(asString(amountStr))
		if err != nil {
			return nil, fmt.Errorf("bad amount on transaction node: %w", err)
		}

		txn := domain.Transaction{
			UserID:     userID,
			DocumentID: asInt(documentID),
			RowIndex:   int(asInt(rowIndex)),
			Amount:     amount,
			Currency:   asString(currency),
			Kind:       domain.TransactionKind(asString(kind)),
		}
		if ms := asInt(date); ms > 0 {
			at := time.UnixMilli(ms).UTC()
			txn.TransactionDate = &at
		}
		if id, ok := partyID.(int64); ok {
			txn.PartyID = &id
		}
		txns = append(txns, txn)
	}
	return txns, result.Err()
}

// =============================================================================
// Value Coercion
// =============================================================================

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	}
	return 0
}

func asInt(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	}
	return 0
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
