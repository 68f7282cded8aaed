package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/user/ticketdesk/internal/streamer"
	"github.com/user/ticketdesk/internal/types"
)

// badRequest marks client input errors.
type badRequest string

func (e badRequest) Error() string { return string(e) }

var errBodyTooLarge = errors.New("request body too large")

// statusFor maps domain errors to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	var br badRequest
	var perr *streamer.ProviderError
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, br.Error()
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, errBodyTooLarge.Error()
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "ticket not found"
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden, "ticket belongs to another user"
	case errors.As(err, &perr):
		return http.StatusBadGateway, "completion provider failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
