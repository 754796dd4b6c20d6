package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"papergraph/core/port/in"
)

// InsightHandler exposes the fixed relationship queries and metrics.
type InsightHandler struct {
	insights in.InsightService
}

// NewInsightHandler creates a new InsightHandler.
func NewInsightHandler(insights in.InsightService) *InsightHandler {
	return &InsightHandler{insights: insights}
}

// Register mounts the insight routes.
func (h *InsightHandler) Register(api fiber.Router) {
	graph := api.Group("/graph")
	graph.Get("/spend", h.TotalSpend)
	graph.Get("/top-vendors", h.TopVendors)
	graph.Get("/large-transactions", h.LargeTransactions)

	api.Get("/metrics/processing", h.ProcessingMetrics)
}

// TotalSpend answers "how much did I spend in the last N months".
func (h *InsightHandler) TotalSpend(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	months := c.QueryInt("months", 3)
	total, err := h.insights.TotalSpend(c.Context(), userID, months)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"months": months, "total": total})
}

// TopVendors answers "who are my biggest vendors".
func (h *InsightHandler) TopVendors(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	limit := c.QueryInt("limit", 10)
	vendors, err := h.insights.TopVendors(c.Context(), userID, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"vendors": vendors, "count": len(vendors)})
}

// LargeTransactions answers "show transactions over X".
func (h *InsightHandler) LargeTransactions(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	threshold, err := decimal.NewFromString(c.Query("threshold", "0"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid threshold"})
	}

	txns, err := h.insights.LargeTransactions(c.Context(), userID, threshold)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"transactions": txns, "count": len(txns)})
}

// ProcessingMetrics returns the per-user processing aggregates.
func (h *InsightHandler) ProcessingMetrics(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	metrics, err := h.insights.ProcessingMetrics(c.Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(metrics)
}
