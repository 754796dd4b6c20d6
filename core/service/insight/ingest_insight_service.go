// Package insight answers the fixed relationship queries over extracted
// data. The graph projection is preferred; the relational store answers
// when the graph is down.
package insight

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papergraph/core/domain"
	"papergraph/core/port/in"
	"papergraph/core/port/out"
	"papergraph/pkg/fault"
	"papergraph/pkg/logger"
)

type Service struct {
	graph    out.GraphStore
	fallback out.InsightRepository
	metrics  out.MetricsRepository
}

func NewService(graph out.GraphStore, fallback out.InsightRepository, metrics out.MetricsRepository) *Service {
	return &Service{graph: graph, fallback: fallback, metrics: metrics}
}

var _ in.InsightService = (*Service)(nil)

func (s *Service) TotalSpend(ctx context.Context, userID uuid.UUID, months int) (decimal.Decimal, error) {
	if months <= 0 {
		months = 3
	}
	if s.graph != nil {
		total, err := s.graph.TotalSpend(ctx, userID, months)
		if err == nil {
			return total, nil
		}
		logger.WithError(err).Warn("graph total spend failed, using relational store")
	}
	total, err := s.fallback.TotalSpend(ctx, userID, months)
	if err != nil {
		return decimal.Zero, fault.Wrap(fault.KindInternal, "total spend", err)
	}
	return total, nil
}

func (s *Service) TopVendors(ctx context.Context, userID uuid.UUID, limit int) ([]out.VendorSpend, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	if s.graph != nil {
		vendors, err := s.graph.TopVendors(ctx, userID, limit)
		if err == nil {
			return vendors, nil
		}
		logger.WithError(err).Warn("graph top vendors failed, using relational store")
	}
	vendors, err := s.fallback.TopVendors(ctx, userID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "top vendors", err)
	}
	return vendors, nil
}

func (s *Service) LargeTransactions(ctx context.Context, userID uuid.UUID, threshold decimal.Decimal) ([]domain.Transaction, error) {
	if s.graph != nil {
		txns, err := s.graph.TransactionsAbove(ctx, userID, threshold)
		if err == nil {
			return txns, nil
		}
		logger.WithError(err).Warn("graph large transactions failed, using relational store")
	}
	txns, err := s.fallback.TransactionsAbove(ctx, userID, threshold)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "large transactions", err)
	}
	return txns, nil
}

func (s *Service) ProcessingMetrics(ctx context.Context, userID uuid.UUID) (*domain.ProcessingMetrics, error) {
	metrics, err := s.metrics.ProcessingMetrics(ctx, userID)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "processing metrics", err)
	}
	return metrics, nil
}
