// Package http exposes the ingestion API over fiber.
package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"papergraph/core/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

// GetUserID safely extracts user_id from fiber context.
func GetUserID(c *fiber.Ctx) (uuid.UUID, error) {
	userIDVal := c.Locals("user_id")
	if userIDVal == nil {
		return uuid.Nil, ErrUnauthorized
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		return uuid.Nil, ErrUnauthorized
	}
	return userID, nil
}

// parseProvider validates the provider name from a request.
func parseProvider(s string) (domain.Provider, bool) {
	switch p := domain.Provider(s); p {
	case domain.ProviderGmail, domain.ProviderOutlook, domain.ProviderIMAP:
		return p, true
	}
	return "", false
}
