package handlers

import (
	"context"
	"time"

	"switchboard/internal/db"

	"github.com/gofiber/fiber/v3"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db db.Database
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(database db.Database) *HealthHandler {
	return &HealthHandler{db: database}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Queue     map[string]int64  `json:"queue,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/health/live", h.Liveness)
	app.Get("/health/ready", h.Readiness)
}

// Health returns the full health status including queue depth per status
func (h *HealthHandler) Health(c fiber.Ctx) error {
	services := make(map[string]string)
	overallStatus := "healthy"

	dbStatus := h.checkDatabase()
	services["database"] = dbStatus
	if dbStatus != "up" {
		overallStatus = "degraded"
	}
	services["api"] = "up"

	resp := HealthResponse{
		Status:    overallStatus,
		Services:  services,
		Timestamp: time.Now().Unix(),
	}

	if dbStatus == "up" {
		ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
		defer cancel()
		if counts, err := h.db.CountWebhookJobsByStatus(ctx); err == nil {
			queue := make(map[string]int64, len(counts))
			for status, n := range counts {
				queue[string(status)] = n
			}
			resp.Queue = queue
		}
	}

	return c.JSON(resp)
}

// Liveness returns liveness probe status
func (h *HealthHandler) Liveness(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "alive",
	})
}

// Readiness returns readiness probe status
func (h *HealthHandler) Readiness(c fiber.Ctx) error {
	if dbStatus := h.checkDatabase(); dbStatus != "up" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":   "not_ready",
			"reason":   "database_unavailable",
			"database": dbStatus,
		})
	}

	return c.JSON(fiber.Map{
		"status": "ready",
	})
}

// checkDatabase verifies database connectivity
func (h *HealthHandler) checkDatabase() string {
	if h.db == nil {
		return "not_configured"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return "down"
	}
	return "up"
}
