package middleware

import (
	"strings"

	"github.com/agency-marketplace/backend/internal/auth"
	"github.com/agency-marketplace/backend/internal/config"
	"github.com/agency-marketplace/backend/internal/rbac"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CtxUserID = "user_id"
	CtxRole   = "role"
)

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return ErrorJSON(c, fiber.StatusUnauthorized, "missing authorization header")
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return ErrorJSON(c, fiber.StatusUnauthorized, "invalid authorization format")
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return ErrorJSON(c, fiber.StatusUnauthorized, "invalid or expired token")
		}

		c.Locals(CtxUserID, claims.UserID)
		c.Locals(CtxRole, claims.Role)

		return c.Next()
	}
}

func GetUserID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxUserID).(uuid.UUID)
	return id
}

func GetRole(c *fiber.Ctx) rbac.Role {
	r, _ := c.Locals(CtxRole).(rbac.Role)
	return r
}

// RequireRole lets the request through only for the listed roles.
func RequireRole(roles ...rbac.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role := GetRole(c)
		for _, r := range roles {
			if r == role {
				return c.Next()
			}
		}
		return ErrorJSON(c, fiber.StatusForbidden, "this action requires role "+string(roles[0]))
	}
}

// ErrorJSON writes the error envelope used by every endpoint.
func ErrorJSON(c *fiber.Ctx, status int, msg string) error {
	reqID, _ := c.Locals(CtxRequestID).(string)
	return c.Status(status).JSON(fiber.Map{"error": msg, "request_id": reqID})
}
