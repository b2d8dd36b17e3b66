package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crossledger/settlement/internal/rbac"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRequestIDMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(RequestIDMiddleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(GetRequestID(c)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36, "oversized id is replaced by a uuid")
}

func TestRequirePermission(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(CtxOperator, "ops-1")
		c.Locals(CtxRole, c.Get("X-Role"))
		return c.Next()
	})
	app.Post("/release", RequirePermission(rbac.PermReleaseEscrow, zap.NewNop()), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusNoContent)
	})

	for role, want := range map[string]int{
		rbac.RoleAdmin:    http.StatusNoContent,
		rbac.RoleOperator: http.StatusForbidden,
		rbac.RoleViewer:   http.StatusForbidden,
		"":                http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodPost, "/release", nil)
		req.Header.Set("X-Role", role)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, role)
	}
}
