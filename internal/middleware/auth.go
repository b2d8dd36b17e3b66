package middleware

import (
	"strings"

	"github.com/crossledger/settlement/internal/auth"
	"github.com/crossledger/settlement/internal/config"
	"github.com/crossledger/settlement/internal/rbac"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	CtxOperator = "operator"
	CtxRole     = "role"
)

// AuthMiddleware accepts bearer tokens whose subject holds a configured role.
func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}
		role := cfg.RoleOf(claims.Subject)
		if role == "" {
			log.Warn("token subject has no ops role", zap.String("subject", claims.Subject))
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "operator access required"})
		}

		c.Locals(CtxOperator, claims.Subject)
		c.Locals(CtxRole, role)
		return c.Next()
	}
}

// RequirePermission must run after AuthMiddleware.
func RequirePermission(perm string, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role := GetRole(c)
		if rbac.HasPermission(role, perm) {
			return c.Next()
		}
		if rbac.IsFinancialOperation(perm) {
			log.Warn("financial operation denied",
				zap.String("operator", GetOperator(c)),
				zap.String("role", role),
				zap.String("permission", perm),
				zap.String("path", c.Path()))
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "role " + role + " cannot " + perm})
	}
}

func GetOperator(c *fiber.Ctx) string {
	s, _ := c.Locals(CtxOperator).(string)
	return s
}

func GetRole(c *fiber.Ctx) string {
	s, _ := c.Locals(CtxRole).(string)
	return s
}
