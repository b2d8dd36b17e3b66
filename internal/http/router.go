package http

import (
	"time"

	"github.com/crossledger/settlement/internal/config"
	"github.com/crossledger/settlement/internal/http/handlers"
	"github.com/crossledger/settlement/internal/middleware"
	"github.com/crossledger/settlement/internal/rbac"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Handlers struct {
	Status *handlers.StatusHandler
	Swaps  *handlers.SwapHandler
	Offers *handlers.OfferHandler
	Stream *handlers.EventStream // optional
}

// SetupRouter mounts the operator ops API. rdb may be nil, which disables rate limiting.
func SetupRouter(app *fiber.App, cfg *config.Config, log *zap.Logger, rdb *redis.Client, h Handlers) {
	// Global middleware
	app.Use(recover.New())
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1", middleware.AuthMiddleware(cfg, log))
	api.Use(middleware.RateLimitMiddleware(rdb, 120, time.Minute))

	read := middleware.RequirePermission(rbac.PermRead, log)

	// Registries
	api.Get("/status/queue", read, h.Status.Queue)
	api.Get("/status/monitoring", read, h.Status.Monitoring)
	api.Post("/sweep", middleware.RequirePermission(rbac.PermSweep, log), h.Status.Sweep)

	// Swaps
	api.Get("/swaps/:id", read, h.Swaps.GetSwap)
	api.Get("/swaps/:id/audit", read, h.Swaps.Audit)
	api.Post("/swaps/:id/monitor", middleware.RequirePermission(rbac.PermMonitorSwap, log), h.Swaps.Monitor)
	api.Post("/swaps/:id/trigger", middleware.RequirePermission(rbac.PermTriggerSwap, log), h.Swaps.Trigger)
	api.Post("/swaps/:id/transition", middleware.RequirePermission(rbac.PermTransitionSwap, log), h.Swaps.Transition)

	// Offers
	api.Get("/offers", read, h.Offers.ListPublic)
	api.Get("/offers/:id", read, h.Offers.GetOffer)
	api.Get("/offers/:id/audit", read, h.Offers.Audit)
	api.Post("/offers/:id/release", middleware.RequirePermission(rbac.PermReleaseEscrow, log), h.Offers.Release)
	api.Post("/offers/:id/cancel", middleware.RequirePermission(rbac.PermCancelEscrow, log), h.Offers.Cancel)
	api.Get("/users/:ref/offers", read, h.Offers.UserOffers)

	// Operator event stream
	if h.Stream != nil {
		app.Use("/ws", handlers.WSUpgradeMiddleware())
		app.Get("/ws/events", websocket.New(h.Stream.HandleWS))
	}
}
