package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/harplog/harp/internal/http/dto"
	"go.uber.org/zap"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsSource supplies a snapshot of the pipeline.
type StatsSource func() dto.StatsResponse

type OpsHandler struct {
	db    Pinger
	stats StatsSource
	log   *zap.Logger
}

func NewOpsHandler(db Pinger, stats StatsSource, log *zap.Logger) *OpsHandler {
	return &OpsHandler{db: db, stats: stats, log: log}
}

// Health returns 503 while the database is unreachable. Producers are still
// accepted then; their actions wait in the pending batch.
func (h *OpsHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	resp := dto.HealthResponse{Status: "ok", Database: "ok", Breaker: h.stats().Breaker}
	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn("health check: database unreachable", zap.Error(err))
		resp.Status = "degraded"
		resp.Database = "unreachable"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}

func (h *OpsHandler) Stats(c *fiber.Ctx) error {
	return c.JSON(h.stats())
}
