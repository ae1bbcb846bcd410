package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keygate/internal/domain"
	"keygate/internal/download"
	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
)

// DownloadHandler serves download token issuance and redemption.
type DownloadHandler struct {
	service   *download.Service
	logger    *slog.Logger
	retries   int
	retryWait time.Duration
}

// NewDownloadHandler creates the download handler.
func NewDownloadHandler(service *download.Service, logger *slog.Logger, retries int, retryWait time.Duration) *DownloadHandler {
	return &DownloadHandler{
		service:   service,
		logger:    logger.With(slog.String("handler", "download")),
		retries:   retries,
		retryWait: retryWait,
	}
}

// TokenRequest is the issuance request payload.
type TokenRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=4,max=64"`
	Email      string `json:"email" validate:"required,email"`
}

// Bind implements render.Binder.
func (req *TokenRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// TokenResponse is the issuance response. The token itself travels to
// the customer out of band; returning it here serves the portal flow.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	TraceID   string    `json:"trace_id"`
}

// APIRoutes returns the router mounted under /api/v1/downloads.
func (h *DownloadHandler) APIRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/tokens", h.RequestToken)
	return r
}

// RedeemRoutes returns the browser-facing router mounted at /d.
func (h *DownloadHandler) RedeemRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{token}", h.Redeem)
	return r
}

// RequestToken handles POST /api/v1/downloads/tokens.
func (h *DownloadHandler) RequestToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	tracer := otel.Tracer("download-handler")

	ctx, span := tracer.Start(ctx, "download_handler.request_token",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/v1/downloads/tokens"),
		),
	)
	defer span.End()

	req := &TokenRequest{}
	if err := render.Bind(r, req); err != nil {
		span.RecordError(err)
		render.Render(w, r, apperrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-request",
			"Invalid Request",
			err.Error(),
			apperrors.Instance(r.URL.Path, traceID),
		).WithExtension("trace_id", traceID))
		return
	}

	var token *domain.DownloadToken
	err := retryStorage(ctx, h.retries, h.retryWait, func() error {
		var err error
		token, err = h.service.RequestToken(ctx, req.LicenseKey, req.Email, r.RemoteAddr, r.UserAgent())
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("issue.error_code", apperrors.Code(err)))
		h.logger.WarnContext(ctx, "token issuance refused",
			slog.String("license_key", maskKey(req.LicenseKey)),
			slog.String("error_code", apperrors.Code(err)),
			slog.String("trace_id", traceID))
		render.Render(w, r, apperrors.MapError(err, traceID, apperrors.Instance(r.URL.Path, traceID)))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, TokenResponse{
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
		TraceID:   traceID,
	})
}

// Redeem handles GET /d/{token}: the browser follows the emailed link
// and, on success, is redirected to the pre-signed artifact URL. The
// distinct failure statuses are user-visible: 404 never existed, 403
// already used, 410 expired.
func (h *DownloadHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	tokenID := chi.URLParam(r, "token")

	var signedURL string
	err := retryStorage(ctx, h.retries, h.retryWait, func() error {
		var err error
		signedURL, err = h.service.Redeem(ctx, tokenID, r.RemoteAddr, r.UserAgent())
		return err
	})
	if err != nil {
		render.Render(w, r, apperrors.MapError(err, traceID, apperrors.Instance(r.URL.Path, traceID)))
		return
	}

	http.Redirect(w, r, signedURL, http.StatusFound)
}
