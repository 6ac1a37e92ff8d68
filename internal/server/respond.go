package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/graphide/graphide/internal/core/domain"
)

// errorEnvelope is the JSON body of every error response.
type errorEnvelope struct {
	Error *domain.APIError `json:"error"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteRawJSON writes an already encoded JSON document.
func WriteRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError writes err as an APIError envelope and records it in the
// request log.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := ToAPIError(err)
	AddError(r.Context(), err)
	WriteJSON(w, apiErr.HTTPStatusCode(), errorEnvelope{Error: apiErr})
}

// ToAPIError maps run and registry errors onto API errors. Unknown errors
// become server errors without leaking their text.
func ToAPIError(err error) *domain.APIError {
	var (
		apiErr   *domain.APIError
		stageErr *domain.StageError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &stageErr):
		return stageAPIError(stageErr)
	case errors.Is(err, domain.ErrRunNotFound):
		return domain.ErrNotFound(err.Error()).WithCode("run_not_found")
	case errors.Is(err, domain.ErrRunFinalized):
		return domain.ErrConflict(err.Error()).WithCode("run_finalized")
	case errors.Is(err, domain.ErrRunExists):
		return domain.ErrConflict(err.Error()).WithCode("run_exists")
	default:
		return domain.ErrServer("internal server error")
	}
}

// stageAPIError maps a classified stage failure from a direct stage call.
func stageAPIError(err *domain.StageError) *domain.APIError {
	apiErr := domain.NewAPIError(domain.ErrorTypeUnavailable, err.Message).WithCode(string(err.Kind))
	switch err.Kind {
	case domain.ErrorTimeout:
		apiErr.StatusCode = http.StatusGatewayTimeout
	case domain.ErrorRateLimited:
		apiErr.StatusCode = http.StatusTooManyRequests
	case domain.ErrorInvalidResponse, domain.ErrorRejected:
		apiErr.StatusCode = http.StatusBadGateway
	case domain.ErrorFatal:
		apiErr.Type = domain.ErrorTypeInvalidRequest
	}
	return apiErr
}
