package api

import (
	"github.com/gofiber/fiber/v2"
)

// ApiError represents a structured API error
type ApiError struct {
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
}

// ApiResponse is the standard API response structure
type ApiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ApiError   `json:"error,omitempty"`
}

// SuccessResp returns a successful response
func SuccessResp(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusOK).JSON(&ApiResponse{
		Success: true,
		Data:    data,
	})
}

// ErrorResp returns an error response
func ErrorResp(c *fiber.Ctx, err ApiError) error {
	code := fiber.StatusBadRequest
	if err.Code != 0 {
		code = err.Code
	}
	return c.Status(code).JSON(&ApiResponse{
		Success: false,
		Error:   &err,
	})
}

// ErrorCodeResp returns an error response with a specific HTTP status code
func ErrorCodeResp(c *fiber.Ctx, code int, message ...string) error {
	msg := "API Error"
	if len(message) > 0 {
		msg = message[0]
	}
	return ErrorResp(c, ApiError{
		Code:    code,
		Message: msg,
	})
}

// ErrorNotFoundResp returns a 404 Not Found error response
func ErrorNotFoundResp(c *fiber.Ctx, message ...string) error {
	return ErrorCodeResp(c, fiber.StatusNotFound, message...)
}

// ErrorBadRequestResp returns a 400 Bad Request error response
func ErrorBadRequestResp(c *fiber.Ctx, message ...string) error {
	return ErrorCodeResp(c, fiber.StatusBadRequest, message...)
}

// ErrorConflictResp returns a 409 Conflict error response
func ErrorConflictResp(c *fiber.Ctx, message ...string) error {
	return ErrorCodeResp(c, fiber.StatusConflict, message...)
}

// ErrorTooManyResp returns a 429 Too Many Requests error response
func ErrorTooManyResp(c *fiber.Ctx, message ...string) error {
	return ErrorCodeResp(c, fiber.StatusTooManyRequests, message...)
}

// ErrorInternalServerErrorResp returns a 500 Internal Server Error response
func ErrorInternalServerErrorResp(c *fiber.Ctx, message ...string) error {
	return ErrorCodeResp(c, fiber.StatusInternalServerError, message...)
}
