// Package api exposes the ops surface: health and Prometheus metrics.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Handler serves the ops routes.
type Handler struct {
	Logger  *zap.Logger
	Checks  map[string]Check
	Timeout time.Duration
}

// RegisterRoutes mounts /health and /metrics.
func RegisterRoutes(app *fiber.App, h *Handler) {
	app.Get("/health", h.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

// Health runs every check and answers 503 when any fails.
func (h *Handler) Health(c *fiber.Ctx) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
	defer cancel()

	status := fiber.StatusOK
	results := make(fiber.Map, len(h.Checks))
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			status = fiber.StatusServiceUnavailable
			results[name] = err.Error()
			if h.Logger != nil {
				h.Logger.Warn("health.check_failed", zap.String("check", name), zap.Error(err))
			}
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if status != fiber.StatusOK {
		state = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{"status": state, "checks": results})
}
