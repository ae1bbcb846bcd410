package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
)

const defaultAuditLimit = 100

// AdminHandler serves the administrative surface: per-license inspection
// plus the reset, revoke, and unban actions. Authentication is handled
// upstream by the deployment, not here.
type AdminHandler struct {
	admin  *license.Admin
	logger *slog.Logger
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(admin *license.Admin, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		admin:  admin,
		logger: logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns the router mounted under /api/v1/admin.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/licenses/{licenseKey}/sessions", h.ListSessions)
	r.Get("/licenses/{licenseKey}/audit", h.ListAudit)
	r.Post("/licenses/{licenseKey}/reset", h.ResetDuplicateFlag)
	r.Post("/licenses/{licenseKey}/revoke", h.Revoke)
	r.Get("/bans", h.ListBans)
	r.Delete("/bans/{deviceID}", h.Unban)
	return r
}

// ListSessions handles GET /api/v1/admin/licenses/{licenseKey}/sessions.
func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	licenseKey := chi.URLParam(r, "licenseKey")

	sessions, err := h.admin.Sessions(ctx, licenseKey)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"license_key": licenseKey,
		"sessions":    sessions,
		"count":       len(sessions),
	})
}

// ListAudit handles GET /api/v1/admin/licenses/{licenseKey}/audit. The
// optional limit query parameter caps the number of entries returned.
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	licenseKey := chi.URLParam(r, "licenseKey")

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			traceID := infrastructure.GetTraceID(ctx)
			render.Render(w, r, apperrors.NewProblemDetails(
				http.StatusBadRequest,
				"/errors/invalid-request",
				"Invalid Request",
				"limit must be a positive integer",
				apperrors.Instance(r.URL.Path, traceID),
			).WithExtension("trace_id", traceID))
			return
		}
		limit = parsed
	}

	entries, err := h.admin.AuditTrail(ctx, licenseKey, limit)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"license_key": licenseKey,
		"entries":     entries,
		"count":       len(entries),
	})
}

// ResetDuplicateFlag handles POST /api/v1/admin/licenses/{licenseKey}/reset.
// One combined action: clears the duplicate flag and restores the
// one-shot grace.
func (h *AdminHandler) ResetDuplicateFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	licenseKey := chi.URLParam(r, "licenseKey")

	if err := h.admin.ResetDuplicateFlag(ctx, licenseKey); err != nil {
		h.renderError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "admin reset applied",
		slog.String("license_key", licenseKey))
	render.JSON(w, r, actionResponse(ctx, "duplicate flag cleared and grace restored"))
}

// Revoke handles POST /api/v1/admin/licenses/{licenseKey}/revoke.
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	licenseKey := chi.URLParam(r, "licenseKey")

	if err := h.admin.Revoke(ctx, licenseKey); err != nil {
		h.renderError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license revoked by admin",
		slog.String("license_key", licenseKey))
	render.JSON(w, r, actionResponse(ctx, "license revoked, all sessions deactivated"))
}

// ListBans handles GET /api/v1/admin/bans.
func (h *AdminHandler) ListBans(w http.ResponseWriter, r *http.Request) {
	bans, err := h.admin.Bans(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"bans":  bans,
		"count": len(bans),
	})
}

// Unban handles DELETE /api/v1/admin/bans/{deviceID}.
func (h *AdminHandler) Unban(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")

	if err := h.admin.Unban(ctx, deviceID); err != nil {
		h.renderError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "device unbanned by admin",
		slog.String("device_id", deviceID))
	render.JSON(w, r, actionResponse(ctx, "device removed from ban list"))
}

func (h *AdminHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	h.logger.ErrorContext(ctx, "admin request failed",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
		slog.String("trace_id", traceID))
	render.Render(w, r, apperrors.MapError(err, traceID, apperrors.Instance(r.URL.Path, traceID)))
}

func actionResponse(ctx context.Context, message string) map[string]any {
	return map[string]any{
		"success":   true,
		"message":   message,
		"trace_id":  infrastructure.GetTraceID(ctx),
		"timestamp": time.Now().UTC(),
	}
}
