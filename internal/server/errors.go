package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bull/medassist/internal/auth"
	"github.com/bull/medassist/internal/domain"
	"github.com/bull/medassist/internal/store"
)

// errorBody is the error response shape: {"detail": "..."}.
type errorBody struct {
	Detail string `json:"detail"`
}

// statusFor maps a core error to its HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "Invalid or expired token"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, store.ErrUserExists):
		return http.StatusBadRequest, "User already exists"
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "Upload too large"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrIndexNotFound):
		return http.StatusServiceUnavailable, "Index not built yet"
	case errors.Is(err, domain.ErrIndexCorrupt):
		return http.StatusServiceUnavailable, "Index unavailable"
	case errors.Is(err, domain.ErrEmbeddingProvider):
		return http.StatusBadGateway, "Embedding provider failed"
	case errors.Is(err, domain.ErrGeneration):
		return http.StatusBadGateway, "Answer generation failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Upstream timed out"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeDetail(w, status, detail)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
