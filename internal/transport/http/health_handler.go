package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"gorm.io/gorm"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db      *gorm.DB
	logger  *slog.Logger
	version string
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(db *gorm.DB, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		logger:  logger.With(slog.String("handler", "health")),
		version: version,
	}
}

// Routes returns the router mounted under /api/v1/health.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.HealthCheck)
	r.Get("/live", h.LivenessCheck)
	r.Get("/ready", h.ReadinessCheck)
	return r
}

// HealthCheck handles GET /api/v1/health.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":    "ok",
		"version":   h.version,
		"timestamp": time.Now().UTC(),
	})
}

// LivenessCheck handles GET /api/v1/health/live.
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"status": "alive"})
}

// ReadinessCheck handles GET /api/v1/health/ready. Readiness requires a
// reachable database.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "readiness check failed",
			slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]any{
			"status": "not_ready",
			"error":  "database unreachable",
		})
		return
	}

	render.JSON(w, r, map[string]any{"status": "ready"})
}
