package http

import (
	"github.com/gofiber/fiber/v2"

	"papergraph/core/domain"
	"papergraph/core/port/out"
	"papergraph/pkg/logger"
)

// SyncHandler accepts sync requests and hands them to the queue. The
// scan itself runs on a worker; the API only acknowledges.
type SyncHandler struct {
	users    out.UserRepository
	producer out.JobProducer
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(users out.UserRepository, producer out.JobProducer) *SyncHandler {
	return &SyncHandler{users: users, producer: producer}
}

// Register mounts the sync routes.
func (h *SyncHandler) Register(api fiber.Router) {
	api.Post("/sync", h.TriggerSync)
}

type syncRequest struct {
	Provider string `json:"provider"`
	Force    bool   `json:"force"`
}

// TriggerSync enqueues a sync job for each requested provider. An empty
// provider means every provider the user has connected.
func (h *SyncHandler) TriggerSync(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	var req syncRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	user, err := h.users.GetByID(c.Context(), userID)
	if err != nil {
		if err == out.ErrNotFound {
			return c.Status(404).JSON(fiber.Map{"error": "user not found"})
		}
		return err
	}

	providers := user.Providers
	if req.Provider != "" {
		p, ok := parseProvider(req.Provider)
		if !ok {
			return c.Status(400).JSON(fiber.Map{"error": "unsupported provider"})
		}
		providers = []domain.Provider{p}
	}
	if len(providers) == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "no providers connected"})
	}

	jobs := make([]fiber.Map, 0, len(providers))
	for _, p := range providers {
		jobID, err := h.producer.EnqueueSync(c.Context(), userID, p, req.Force)
		if err != nil {
			return err
		}
		logger.WithField("user_id", userID).
			WithField("provider", string(p)).
			WithField("job_id", jobID).
			Info("sync enqueued")
		jobs = append(jobs, fiber.Map{"provider": string(p), "job_id": jobID})
	}

	return c.Status(202).JSON(fiber.Map{"accepted": true, "jobs": jobs})
}
