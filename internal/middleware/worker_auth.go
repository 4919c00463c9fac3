package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/lecturelab/api/pkg/response"
)

// WorkerAuth guards the worker run endpoint with the shared dispatch
// secret. Only the API service holds the secret; requests without it are
// rejected before any job state is touched.
func WorkerAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return response.Unauthorized(c, "Worker auth not configured")
		}

		authHeader := c.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(secret)) != 1 {
			return response.Unauthorized(c, "Invalid worker credentials")
		}

		return c.Next()
	}
}
