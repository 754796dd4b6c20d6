package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"papergraph/core/port/out"
)

// HealthHandler reports liveness and dependency readiness.
type HealthHandler struct {
	db       *sqlx.DB
	redis    *redis.Client
	producer out.JobProducer
}

// NewHealthHandler creates a new HealthHandler. producer may be nil;
// queue depths are then omitted from the liveness payload.
func NewHealthHandler(db *sqlx.DB, redisClient *redis.Client, producer out.JobProducer) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient, producer: producer}
}

// Register mounts the health routes outside the authenticated group.
func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/health/ready", h.Ready)
	app.Get("/ready", h.Ready)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.producer != nil {
		depths := make(map[string]int64)
		for _, lane := range []string{out.LaneAttachments, out.LaneDocuments, out.LaneDefault} {
			if depth, err := h.producer.Depth(c.Context(), lane); err == nil {
				depths[lane] = depth
			}
		}
		resp["queues"] = depths
	}

	return c.JSON(resp)
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["postgres"] = "healthy"
		}
	} else {
		checks["postgres"] = "not configured"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
