package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keygate/internal/domain"
	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
)

// validate is the shared request validator. JSON tag names are used in
// error messages so clients see the field name they sent.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateHandler serves the client-facing validation endpoint.
type ValidateHandler struct {
	validator *license.Validator
	logger    *slog.Logger
	retries   int
	retryWait time.Duration
}

// NewValidateHandler creates the validation handler. retries and
// retryWait bound the storage-fault retry loop.
func NewValidateHandler(v *license.Validator, logger *slog.Logger, retries int, retryWait time.Duration) *ValidateHandler {
	return &ValidateHandler{
		validator: v,
		logger:    logger.With(slog.String("handler", "validate")),
		retries:   retries,
		retryWait: retryWait,
	}
}

// ValidateRequest is the validation request payload.
type ValidateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=4,max=64"`
	DeviceID   string `json:"device_id" validate:"required,min=4,max=128"`
	DeviceName string `json:"device_name" validate:"max=128"`
}

// Bind implements render.Binder.
func (req *ValidateRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// ValidateResponse is the wire form of an allowed validation. A
// grace-tolerated duplicate gets the same body as a clean allow; the
// conflict is reported to the account owner, not to the device.
type ValidateResponse struct {
	Allowed   bool      `json:"allowed"`
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Routes returns the router for /api/v1/validate and session logout.
func (h *ValidateHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/validate", h.Validate)
	r.Post("/sessions/{sessionID}/deactivate", h.DeactivateSession)
	return r
}

// Validate handles POST /api/v1/validate.
func (h *ValidateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	tracer := otel.Tracer("validate-handler")

	ctx, span := tracer.Start(ctx, "validate_handler.validate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/v1/validate"),
		),
	)
	defer span.End()

	req := &ValidateRequest{}
	if err := render.Bind(r, req); err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "invalid validation request",
			slog.String("error", err.Error()),
			slog.String("trace_id", traceID))
		render.Render(w, r, apperrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-request",
			"Invalid Request",
			err.Error(),
			apperrors.Instance(r.URL.Path, traceID),
		).WithExtension("trace_id", traceID))
		return
	}

	span.SetAttributes(
		attribute.String("license.key_prefix", maskKey(req.LicenseKey)),
		attribute.String("device.id", req.DeviceID),
	)

	var result *license.Result
	err := retryStorage(ctx, h.retries, h.retryWait, func() error {
		var err error
		result, err = h.validator.Validate(ctx, req.LicenseKey, req.DeviceID, req.DeviceName)
		return err
	})
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "validation failed on storage fault",
			slog.String("error", err.Error()),
			slog.String("trace_id", traceID))
		render.Render(w, r, apperrors.MapError(err, traceID, apperrors.Instance(r.URL.Path, traceID)))
		return
	}

	span.SetAttributes(
		attribute.Bool("validation.allowed", result.Allowed),
		attribute.String("validation.reason", string(result.Reason)),
	)

	if !result.Allowed {
		render.Render(w, r, apperrors.MapError(denialError(result.Reason), traceID,
			apperrors.Instance(r.URL.Path, traceID)))
		return
	}

	render.JSON(w, r, ValidateResponse{
		Allowed:   true,
		SessionID: result.SessionID,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	})
}

// DeactivateSession handles POST /api/v1/sessions/{sessionID}/deactivate,
// the clean-logout path for client agents.
func (h *ValidateHandler) DeactivateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	sessionID := chi.URLParam(r, "sessionID")

	err := retryStorage(ctx, h.retries, h.retryWait, func() error {
		return h.validator.Deactivate(ctx, sessionID)
	})
	if err != nil {
		render.Render(w, r, apperrors.MapError(err, traceID, apperrors.Instance(r.URL.Path, traceID)))
		return
	}

	render.JSON(w, r, map[string]any{
		"success":  true,
		"trace_id": traceID,
	})
}

// denialError maps a denial reason onto the error taxonomy so the
// response rides the central problem mapper. Banned and denied share
// ErrDeviceBanned: both render the generic invalid-device body.
func denialError(reason domain.Reason) error {
	switch reason {
	case domain.ReasonExpired:
		return apperrors.ErrLicenseExpired
	case domain.ReasonRevoked:
		return apperrors.ErrLicenseRevoked
	case domain.ReasonBanned, domain.ReasonDenied:
		return apperrors.ErrDeviceBanned
	default:
		return apperrors.ErrLicenseNotFound
	}
}

// retryStorage runs fn, retrying storage faults with linear backoff.
// Business outcomes and success return immediately.
func retryStorage(ctx context.Context, attempts int, wait time.Duration, fn func() error) error {
	var err error
	for i := 0; ; i++ {
		err = fn()
		if err == nil || !errors.Is(err, apperrors.ErrStorageUnavailable) || i >= attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait * time.Duration(i+1)):
		}
	}
}

// maskKey truncates a license key for span attributes and logs.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
