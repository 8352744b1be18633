package diag

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Running int    `json:"running"`
	History bool   `json:"history"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Running: len(s.tasks.Tasks()),
		History: s.store != nil,
	})
}
