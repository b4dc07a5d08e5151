package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/switchyard/internal/model"
	"github.com/seantiz/switchyard/internal/store"
	"github.com/seantiz/switchyard/internal/workers"
)

type workersResponse struct {
	Workers []model.Worker `json:"workers"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workers.GetAllWorkers(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		s.logger.Error("list workers", "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to load workers")
		return
	}
	s.writeJSON(w, http.StatusOK, workersResponse{Workers: ws})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	worker, err := s.workers.GetWorker(r.Context(), id, r.URL.Query().Get("owner"))
	if errors.Is(err, workers.ErrWorkerNotFound) {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		s.logger.Error("get worker", "worker_id", id, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to load worker")
		return
	}
	s.writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleListSubWorkers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := r.URL.Query().Get("owner")

	if _, err := s.workers.GetWorker(r.Context(), id, owner); err != nil {
		if errors.Is(err, workers.ErrWorkerNotFound) {
			s.writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		s.logger.Error("get parent worker", "worker_id", id, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to load worker")
		return
	}

	subs, err := s.workers.GetSubWorkers(r.Context(), id, owner)
	if err != nil {
		s.logger.Error("list subworkers", "worker_id", id, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to load workers")
		return
	}
	if subs == nil {
		subs = []model.Worker{}
	}
	s.writeJSON(w, http.StatusOK, workersResponse{Workers: subs})
}

func (s *Server) handleUpsertWorker(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	id := chi.URLParam(r, "id")

	var body model.Worker
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ModelRef == "" {
		s.writeError(w, http.StatusBadRequest, "model_ref is required")
		return
	}
	if _, err := s.workers.GetWorker(r.Context(), id, ""); err == nil {
		s.writeError(w, http.StatusConflict, "id is taken by a built-in worker")
		return
	}

	body.ID = id
	body.OwnerID = owner
	rec := workers.ToRecord(body)
	rec.UpdatedAt = time.Now().UTC()

	if err := s.store.UpsertWorker(r.Context(), rec); err != nil {
		s.logger.Error("upsert worker", "owner_id", owner, "worker_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save worker")
		return
	}
	s.workers.Invalidate(owner)

	s.writeJSON(w, http.StatusOK, workers.FromRecord(rec))
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	id := chi.URLParam(r, "id")

	err := s.store.DeleteWorker(r.Context(), owner, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		s.logger.Error("delete worker", "owner_id", owner, "worker_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete worker")
		return
	}
	s.workers.Invalidate(owner)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInvalidateWorkers(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	s.workers.Invalidate(owner)
	w.WriteHeader(http.StatusNoContent)
}
