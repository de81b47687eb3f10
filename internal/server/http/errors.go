package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/and161185/metrionix/internal/errs"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps service sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrCsrfMismatch):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrIntegrationNotFound), errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, errs.ErrTokenExchangeFailed):
		return http.StatusBadGateway
	case errors.Is(err, errs.ErrProviderMisconfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides storage internals from callers.
func publicMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError && !errors.Is(err, errs.ErrExternalAPI) {
		if errors.Is(err, errs.ErrStorage) {
			return errs.ErrStorage.Error()
		}
		return "internal error"
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: publicMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
