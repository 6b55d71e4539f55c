package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tonimelisma/nasgate/internal/catalog"
	"github.com/tonimelisma/nasgate/internal/gateway"
	"github.com/tonimelisma/nasgate/internal/nas"
	"github.com/tonimelisma/nasgate/internal/proxy"
)

// errBadRequest marks malformed client input (bad ids, bodies, forms).
var errBadRequest = errors.New("bad request")

// mediaUnavailable is the only body a failed media request ever gets.
const mediaUnavailable = "media unavailable"

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps a gateway error to an HTTP status.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError

	var proxyErr *proxy.Error

	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, catalog.ErrInvalidName),
		errors.Is(err, proxy.ErrInvalidRef),
		errors.Is(err, gateway.ErrInvalidCleanupRoot):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, catalog.ErrEntityNotFound), errors.Is(err, nas.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, nas.ErrAlreadyExists), errors.Is(err, gateway.ErrCleanupRunning):
		return http.StatusConflict
	case errors.Is(err, nas.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, nas.ErrEndpointUnreachable):
		return http.StatusServiceUnavailable
	case errors.As(err, &proxyErr),
		errors.Is(err, nas.ErrAuthenticationFailed),
		errors.Is(err, nas.ErrSessionRejected),
		errors.Is(err, nas.ErrTransientUpstream),
		errors.Is(err, nas.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response body", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}

	s.logger.Log(r.Context(), level, "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)

	msg := http.StatusText(status)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}

	s.writeJSON(w, status, errorBody{Error: msg})
}
