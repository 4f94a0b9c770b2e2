package middleware

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// OrgIDKey is the key used to store the authenticated org ID in Fiber's Locals
	OrgIDKey = "org_id"
)

// tenantClaims are the JWT claims issued to dashboard clients. The subject is
// the organization UUID.
type tenantClaims struct {
	jwt.RegisteredClaims
}

// TenantAuth validates a Bearer JWT (HS256) and stores the organization ID in
// c.Locals("org_id"). Requests without a valid token are rejected with 401.
func TenantAuth(secret string) fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing Authorization header",
			})
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization header must be a Bearer token",
			})
		}

		claims := &tenantClaims{}
		parsed, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		}, jwt.WithExpirationRequired())
		if err != nil || !parsed.Valid {
			slog.Debug("tenant JWT validation failed", "error", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		orgID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Token subject is not a valid organization ID",
			})
		}

		c.Locals(OrgIDKey, orgID)
		return c.Next()
	}
}

// GetOrgID retrieves the authenticated organization ID from the Fiber context.
func GetOrgID(c fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals(OrgIDKey).(uuid.UUID)
	return id, ok
}
