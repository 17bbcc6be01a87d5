package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/target/placement-fulfillment/internal/domain/model"
	apperrors "github.com/target/placement-fulfillment/internal/errors"
	"github.com/target/placement-fulfillment/internal/service"
)

const errCodeInternal = "internal_error"

var (
	errInternal      = errors.New("internal server error")
	errRouteNotFound = errors.New("route not found")
)

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := buf.WriteTo(w); err != nil {
		// Response writer errors (e.g., client disconnect) can't be recovered from here.
		return
	}
}

// ErrorParams groups parameters for WriteError.
type ErrorParams struct {
	Code    int
	ErrCode string
	Err     error
}

// WriteError writes a JSON {error, message} response.
func WriteError(w http.ResponseWriter, p ErrorParams) {
	WriteJSON(w, p.Code, map[string]string{"error": p.ErrCode, "message": p.Err.Error()})
}

// errorMapping pairs a sentinel with its response status and code.
type errorMapping struct {
	target  error
	code    int
	errCode string
}

var serviceErrors = []errorMapping{ //nolint:gochecknoglobals // static lookup
	{model.ErrOrderNotFound, http.StatusNotFound, "not_found"},
	{model.ErrTaskResultNotFound, http.StatusNotFound, "not_found"},
	{service.ErrCancelRequiresForce, http.StatusConflict, "force_required"},
	{service.ErrFulfillmentInFlight, http.StatusConflict, "already_in_flight"},
	{model.ErrTransitionConflict, http.StatusConflict, "conflict"},
	{model.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{service.ErrInvalidRetention, http.StatusBadRequest, "invalid_parameter"},
	{model.ErrQueueUnavailable, http.StatusServiceUnavailable, "queue_unavailable"},
}

// writeServiceError maps service and domain errors to responses. Unknown
// errors are logged and answered with a generic 500 so internals never leak.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	for _, m := range serviceErrors {
		if errors.Is(err, m.target) {
			WriteError(w, ErrorParams{Code: m.code, ErrCode: m.errCode, Err: err})
			return
		}
	}
	// Raw store errors still carry a usable class (timeout, unavailable).
	var appErr *apperrors.AppError
	if errors.As(apperrors.MapDBError(err), &appErr) && appErr.Code != apperrors.ErrCodeInternal {
		logger.WarnContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "code", appErr.Code, "error", err)
		WriteError(w, ErrorParams{Code: apperrors.HTTPStatus(appErr.Code), ErrCode: string(appErr.Code), Err: errors.New(appErr.Message)})
		return
	}
	logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: errCodeInternal, Err: errInternal})
}

func writeBadParam(w http.ResponseWriter, err error) {
	WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_parameter", Err: err})
}
