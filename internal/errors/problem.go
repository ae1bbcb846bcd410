package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapError maps domain errors to HTTP problem details. The banned and
// generic-denial cases deliberately share one response body so a blocked
// device cannot distinguish a ban from an ordinary invalid license.
func MapError(err error, traceID, instance string) render.Renderer {
	switch {
	case errors.Is(err, ErrLicenseNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/license-not-found",
			"License Not Found",
			"No license exists for the provided key.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", Code(err))

	case errors.Is(err, ErrLicenseExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-expired",
			"License Expired",
			"Your license has expired. Please renew to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", Code(err))

	case errors.Is(err, ErrLicenseRevoked):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-revoked",
			"License Revoked",
			"This license has been revoked. Please contact support.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", Code(err))

	case errors.Is(err, ErrDeviceBanned):
		// Generic copy on purpose: never confirm a ban to the device.
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-invalid-device",
			"License Invalid",
			"This license is not valid for this device.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_DEVICE")

	case errors.Is(err, ErrTokenNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/download-not-found",
			"Download Not Found",
			"This download link does not exist.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", Code(err))

	case errors.Is(err, ErrTokenAlreadyUsed):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/download-already-used",
			"Download Link Already Used",
			"This download link has already been used. Request a new one from the customer portal.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", Code(err))

	case errors.Is(err, ErrTokenExpired):
		return NewProblemDetails(
			http.StatusGone,
			"/errors/download-expired",
			"Download Link Expired",
			"This download link has expired. Request a new one from the customer portal.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", Code(err))

	case errors.Is(err, ErrRateLimited):
		return NewProblemDetails(
			http.StatusTooManyRequests,
			"/errors/rate-limited",
			"Too Many Requests",
			"A download link was already issued for this email recently. Please try again later.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", Code(err)).
			WithExtension("retry_after", 86400)

	case errors.Is(err, ErrStorageUnavailable):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			"/errors/storage-unavailable",
			"Service Temporarily Unavailable",
			"The service is temporarily unable to process requests. Please try again shortly.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", Code(err))

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}

// Instance builds a problem instance URI from a request path and trace ID.
func Instance(path, traceID string) string {
	return fmt.Sprintf("%s#%s", path, traceID)
}
