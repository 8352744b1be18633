package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/taskworker/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByMain   map[string]int `json:"count_by_main"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for task history.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	FinishTask(ctx context.Context, session string, taskID uint32, status, errMsg string, finishedAt time.Time) error
	GetTask(ctx context.Context, session string, taskID uint32) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}
