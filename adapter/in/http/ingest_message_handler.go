package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"papergraph/core/port/in"
)

// MessageHandler exposes qualification operations.
type MessageHandler struct {
	qualification in.QualificationService
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(qualification in.QualificationService) *MessageHandler {
	return &MessageHandler{qualification: qualification}
}

// Register mounts the message routes.
func (h *MessageHandler) Register(api fiber.Router) {
	api.Post("/messages/:id/process", h.ProcessMessage)
	api.Get("/qualifications/recent", h.RecentQualifications)
}

// ProcessMessage runs qualification for one message on demand. The
// decision is written at most once; reprocessing a decided message
// returns the stored decision.
func (h *MessageHandler) ProcessMessage(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	messageID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || messageID <= 0 {
		return c.Status(400).JSON(fiber.Map{"error": "invalid message id"})
	}

	msg, err := h.qualification.QualifyMessage(c.Context(), userID, messageID)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"message_id": msg.ID,
		"qualified":  msg.Qualified(),
		"stage":      string(msg.QualificationStage),
		"confidence": msg.QualificationConfidence,
		"reason":     msg.QualificationReason,
	})
}

// RecentQualifications returns the latest decisions, newest first.
func (h *MessageHandler) RecentQualifications(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	messages, err := h.qualification.RecentDecisions(c.Context(), userID, limit)
	if err != nil {
		return err
	}

	items := make([]fiber.Map, 0, len(messages))
	for _, msg := range messages {
		items = append(items, fiber.Map{
			"message_id": msg.ID,
			"subject":    msg.Subject,
			"sender":     msg.Sender,
			"qualified":  msg.Qualified(),
			"stage":      string(msg.QualificationStage),
			"confidence": msg.QualificationConfidence,
			"reason":     msg.QualificationReason,
			"decided_at": msg.QualifiedAt,
		})
	}
	return c.JSON(fiber.Map{"decisions": items, "count": len(items)})
}
