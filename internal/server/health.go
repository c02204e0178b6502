package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bull/medassist/internal/vectorindex"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string               `json:"status"`
	Indexes   []vectorindex.Status `json:"indexes"`
	Timestamp string               `json:"timestamp"`
}

// handleHealth reports "healthy" when both indexes are published,
// "degraded" when one is not built yet, and 503 "unhealthy" when an index
// cannot be read.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Indexes:   []vectorindex.Status{},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if s.opts.Indexes != nil {
		response.Indexes = s.opts.Indexes.Status(ctx)
	}
	for _, st := range response.Indexes {
		if st.Error != "" {
			response.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
		if !st.Exists {
			response.Status = "degraded"
		}
	}
	writeJSON(w, code, response)
}
