package transport

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
)

const requestIDLocal = "requestid"

// RequestID reuses the caller's X-Request-ID or generates one, echoes it back
// and stores it as the correlation id of the request context.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Locals(requestIDLocal, requestID)
		c.Set(fiber.HeaderXRequestID, requestID)
		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), requestID))
		return c.Next()
	}
}

func RequestIDFromCtx(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestIDLocal).(string); ok {
		return id
	}
	return ""
}
