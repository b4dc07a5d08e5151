package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/switchyard/internal/engine"
	"github.com/seantiz/switchyard/internal/finalize"
	"github.com/seantiz/switchyard/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitRequest is the JSON body for POST /v1/executions.
type submitRequest struct {
	Text           string `json:"text"`
	TargetWorkerID string `json:"target_worker_id"`
	ThreadID       string `json:"thread_id"`
	RequesterID    string `json:"requester_id"`
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type activeResponse struct {
	Executions []*model.Execution `json:"executions"`
}

// listArchivedResponse wraps the paginated archive listing.
type listArchivedResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

type finalizeResponse struct {
	ExecutionID string           `json:"execution_id"`
	Outcome     finalize.Outcome `json:"outcome"`
}

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.engine.Submit(r.Context(), engine.Request{
		Text:           req.Text,
		TargetWorkerID: req.TargetWorkerID,
		ThreadID:       req.ThreadID,
		RequesterID:    req.RequesterID,
	})
	if errors.Is(err, engine.ErrEmptyRequest) {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err != nil {
		s.logger.Error("submit execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit execution")
		return
	}

	w.Header().Set("Location", "/v1/executions/"+id)
	s.writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: model.StatusRunning})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.engine.GetStatus(r.Context(), id)
	if errors.Is(err, engine.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListActive(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, activeResponse{Executions: s.engine.GetActive()})
}

func (s *Server) handleListArchived(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	execs, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list archived executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	if execs == nil {
		execs = []*model.Execution{}
	}

	s.writeJSON(w, http.StatusOK, listArchivedResponse{
		Executions: execs,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Cancel(id)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	case errors.Is(err, engine.ErrNotRunning):
		s.writeError(w, http.StatusConflict, "execution is not running")
		return
	case err != nil:
		s.logger.Error("cancel execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel execution")
		return
	}

	exec, err := s.engine.GetStatus(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve execution")
		return
	}

	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleFinalizeExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.engine.GetStatus(r.Context(), id)
	if errors.Is(err, engine.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution for finalize", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	outcome, err := s.bridge.PersistFinal(r.Context(), exec)
	if errors.Is(err, finalize.ErrNotTerminal) {
		s.writeError(w, http.StatusConflict, "execution is still running")
		return
	}
	if err != nil {
		s.logger.Error("finalize execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to persist final message")
		return
	}

	s.writeJSON(w, http.StatusOK, finalizeResponse{ExecutionID: id, Outcome: outcome})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
