package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"papergraph/pkg/fault"
	"papergraph/pkg/logger"
)

// RequestID tags every request for log correlation.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals("request_id", id)
		c.Set("X-Request-ID", id)
		return c.Next()
	}
}

// ErrorHandler is the fiber app-level error handler. Classified faults
// carry their own status; everything else is a 500 with the detail kept
// server-side.
func ErrorHandler(c *fiber.Ctx, err error) error {
	if fe, ok := err.(*fiber.Error); ok {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}

	status := fault.HTTPStatus(err)
	fe := fault.As(err)

	requestID, _ := c.Locals("request_id").(string)
	log := logger.WithError(err).
		WithField("request_id", requestID).
		WithField("path", c.Path())
	if status >= 500 {
		log.Error("request failed")
		return c.Status(status).JSON(fiber.Map{
			"error": "internal error",
			"kind":  string(fault.KindInternal),
		})
	}
	log.Warn("request rejected")

	resp := fiber.Map{
		"error": fe.Message,
		"kind":  string(fe.Kind),
	}
	if fe.RetryAfter > 0 {
		resp["retry_after_seconds"] = int(fe.RetryAfter.Seconds())
	}
	return c.Status(status).JSON(resp)
}
