package response

import (
	"net/http"

	"github.com/getsentry/sentry-go"

	"termgateway/internal/apperr"
	"termgateway/internal/sentryx"
)

// errorBody is the wire shape for every non-2xx JSON response:
// {"error":{"code":"...","message":"...","details":{...}?}}
type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error writes the standard JSON error envelope for a plain message, with no
// stable code (kept for call sites that haven't been migrated onto apperr
// yet; prefer AppError below for anything with a typed code).
func Error(w http.ResponseWriter, statusCode int, message string) {
	if statusCode >= http.StatusInternalServerError {
		sentryx.CaptureMessage(sentry.LevelError, "http_error status=%d message=%s", statusCode, message)
	}
	JSON(w, statusCode, errorBody{Error: errorPayload{Code: string(apperr.CodeInternal), Message: message}})
}

// AppError writes the structured envelope for a typed *apperr.Error, deriving
// the HTTP status from its Code.
func AppError(w http.ResponseWriter, err *apperr.Error) {
	status := apperr.HTTPStatus(err.Code)
	if status >= http.StatusInternalServerError {
		sentryx.CaptureError(err, "http_error code=%s", err.Code)
	}
	JSON(w, status, errorBody{Error: errorPayload{
		Code:    string(err.Code),
		Message: err.Message,
		Details: err.Details,
	}})
}

func Unauthorized(w http.ResponseWriter) {
	AppError(w, apperr.New(apperr.CodeUnauthorized, "Unauthorized"))
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

func InternalServerError(w http.ResponseWriter) {
	AppError(w, apperr.New(apperr.CodeInternal, "Internal Server Error"))
}
