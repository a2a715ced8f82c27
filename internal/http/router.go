package http

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/harplog/harp/internal/http/handlers"
	"github.com/harplog/harp/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewApp returns a fiber app configured for the ops API.
func NewApp() *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               "harpd",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
}

// SetupRouter mounts health, stats, metrics and read-only action lookups.
// rdb may be nil, in which case lookups are not rate limited.
func SetupRouter(
	app *fiber.App,
	log *zap.Logger,
	rdb *redis.Client,
	opsHandler *handlers.OpsHandler,
	actionHandler *handlers.ActionHandler,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log, "/metrics", "/health"))

	app.Get("/health", opsHandler.Health)
	app.Get("/stats", opsHandler.Stats)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")
	if rdb != nil {
		api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute, log))
	}

	api.Get("/actions/:uniqueID", actionHandler.ListByUniqueID)
	api.Get("/kinds/:kind/count", actionHandler.CountByKind)
}
