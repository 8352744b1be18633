package model

import "time"

// Task status constants.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Task is the history record of one started work unit. Session identifies the
// worker process; TaskID is only unique within it.
type Task struct {
	Session    string     `json:"session"`
	TaskID     uint32     `json:"task_id"`
	Main       string     `json:"main"`
	Params     []string   `json:"params"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
}

// TaskInfo describes a task that is currently running.
type TaskInfo struct {
	TaskID    uint32    `json:"task_id"`
	Main      string    `json:"main"`
	StartedAt time.Time `json:"started_at"`
}
