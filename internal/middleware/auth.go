package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/hearthshare/hearthcall/internal/token"
)

// APIError represents a structured API error (for middleware use)
type APIError struct {
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
}

// APIResponse is the standard API response structure (for middleware use)
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// ErrorUnauthorizedResp returns a 401 Unauthorized error response
func ErrorUnauthorizedResp(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(&APIResponse{
		Success: false,
		Error: &APIError{
			Code:    fiber.StatusUnauthorized,
			Message: message,
		},
	})
}

// TokenAuth validates the bridge access token on every request. The UI
// presents the token as a bearer credential; only the Argon2id hash is held
// here.
func TokenAuth(tokenHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return ErrorUnauthorizedResp(c, "Missing Authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return ErrorUnauthorizedResp(c, "Invalid Authorization header format. Expected: Bearer <token>")
		}

		provided := parts[1]

		if !token.ValidFormat(provided) {
			return ErrorUnauthorizedResp(c, "Invalid token format")
		}

		if !token.Verify(provided, tokenHash) {
			return ErrorUnauthorizedResp(c, "Invalid token")
		}

		return c.Next()
	}
}
