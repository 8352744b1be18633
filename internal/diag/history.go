package diag

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type listHistoryResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// historyEnabled writes a 404 and returns false when no store is configured.
func (s *Server) historyEnabled(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "task history is disabled")
		return false
	}
	return true
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list task history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listHistoryResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	id, ok := parseTaskID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	t, err := s.store.GetTask(r.Context(), chi.URLParam(r, "session"), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}

	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
