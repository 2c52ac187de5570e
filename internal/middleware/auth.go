package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/lab2home/Lab2HomeBack/internal/models"
	"github.com/lab2home/Lab2HomeBack/pkg/utils"
)

// AuthRequired validates the bearer token and stashes the caller's identity
// in Locals. Tokens carrying a role outside the marketplace's three account
// types are rejected here, before any handler sees them.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing authorization header",
			})
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization header format",
			})
		}

		claims, err := utils.ValidateToken(parts[1], secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		if !models.Role(claims.Role).Valid() {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unknown account role",
			})
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("role", claims.Role)

		return c.Next()
	}
}
