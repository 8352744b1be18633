package diag

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/seantiz/taskworker/internal/model"
)

type listTasksResponse struct {
	Tasks []model.TaskInfo `json:"tasks"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listTasksResponse{Tasks: s.tasks.Tasks()})
}

// handleStreamEvents streams a running task's lifecycle events as SSE. A task
// that is not running gets an empty stream ending in a done event.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseTaskID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	running := slices.ContainsFunc(s.tasks.Tasks(), func(t model.TaskInfo) bool {
		return t.TaskID == id
	})
	if !running {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", "stream complete")
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// The broker answers a task that finished after the check above with a
	// closed channel.
	ch, unsub := s.tasks.Broker().Subscribe(id)
	defer unsub()
	diagEventStreams.Inc()
	defer diagEventStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode task event", "error", err)
				return
			}
			if err := writeSSEEvent(w, ev.Kind, string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes a named SSE event. data must not contain newlines.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
