package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"

	"github.com/hivegate/hivegate/internal/gateway"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	Redis *redis.Client
	Hub   *gateway.Hub
}

// Health pings Valkey and reports gateway occupancy.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	vkStatus := "ok"
	if err := h.Redis.Ping(ctx).Err(); err != nil {
		vkStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if vkStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return SuccessStatus(c, status, fiber.Map{
		"status":        overall,
		"valkey":        vkStatus,
		"nodes":         h.Hub.Count(),
		"conversations": h.Hub.Conversations(),
	})
}
