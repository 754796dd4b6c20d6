package http

import (
	"github.com/gofiber/fiber/v2"

	"papergraph/core/port/in"
)

// CredentialHandler stores and revokes provider credentials. The OAuth
// consent flow itself runs in the frontend; this side receives the
// resulting tokens and keeps them encrypted.
type CredentialHandler struct {
	credentials in.CredentialService
}

// NewCredentialHandler creates a new CredentialHandler.
func NewCredentialHandler(credentials in.CredentialService) *CredentialHandler {
	return &CredentialHandler{credentials: credentials}
}

// Register mounts the credential routes.
func (h *CredentialHandler) Register(api fiber.Router) {
	api.Post("/credentials/:provider", h.Store)
	api.Delete("/credentials/:provider", h.Revoke)
}

type credentialRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds
}

// Store saves the tokens from a completed consent flow.
func (h *CredentialHandler) Store(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	provider, ok := parseProvider(c.Params("provider"))
	if !ok {
		return c.Status(400).JSON(fiber.Map{"error": "unsupported provider"})
	}

	var req credentialRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.AccessToken == "" {
		return c.Status(400).JSON(fiber.Map{"error": "access_token required"})
	}

	err = h.credentials.StoreInitialCredential(c.Context(), userID, provider,
		req.AccessToken, req.RefreshToken, req.ExpiresAt)
	if err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"stored": true, "provider": string(provider)})
}

// Revoke invalidates the stored credential.
func (h *CredentialHandler) Revoke(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	provider, ok := parseProvider(c.Params("provider"))
	if !ok {
		return c.Status(400).JSON(fiber.Map{"error": "unsupported provider"})
	}

	if err := h.credentials.Invalidate(c.Context(), userID, provider); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"revoked": true, "provider": string(provider)})
}
