package api

import (
	"context"
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Error: "database unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
