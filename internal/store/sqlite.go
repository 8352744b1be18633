package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/taskworker/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    session     TEXT NOT NULL,
    task_id     INTEGER NOT NULL,
    main_name   TEXT NOT NULL,
    params      TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    started_at  DATETIME NOT NULL,
    finished_at DATETIME,
    duration_ms INTEGER,
    PRIMARY KEY (session, task_id)
)`

const selectTask = `SELECT session, task_id, main_name, params, status, error,
	started_at, finished_at, duration_ms FROM tasks`

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each connection to ":memory:" opens a distinct database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	params, err := json.Marshal(nonNil(t.Params))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			session, task_id, main_name, params, status, error,
			started_at, finished_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Session, t.TaskID, t.Main, string(params), t.Status, t.Error,
		t.StartedAt, t.FinishedAt, t.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// FinishTask moves a running task to a terminal status and records its
// duration.
func (s *SQLiteStore) FinishTask(ctx context.Context, session string, taskID uint32, status, errMsg string, finishedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	var startedAt time.Time
	err = tx.QueryRowContext(ctx,
		"SELECT status, started_at FROM tasks WHERE session = ? AND task_id = ?",
		session, taskID,
	).Scan(&current, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	durationMS := finishedAt.Sub(startedAt).Milliseconds()
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, finished_at = ?, duration_ms = ?
		WHERE session = ? AND task_id = ?`,
		status, errMsg, finishedAt, durationMS, session, taskID,
	); err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTask retrieves a task by session and id.
func (s *SQLiteStore) GetTask(ctx context.Context, session string, taskID uint32) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, selectTask+" WHERE session = ? AND task_id = ?", session, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a paginated list of tasks ordered by started_at DESC,
// along with the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		selectTask+" ORDER BY started_at DESC, task_id DESC LIMIT ? OFFSET ?", limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// GetTaskStats returns aggregate counts and the mean duration of finished tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByMain:   make(map[string]int),
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "main_name", stats.CountByMain); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM tasks WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// countBy fills into with row counts grouped by column. column is never user input.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*model.Task, error) {
	t := &model.Task{}
	var params string
	var finishedAt sql.NullTime
	var durationMS sql.NullInt64
	if err := sc.Scan(
		&t.Session, &t.TaskID, &t.Main, &params, &t.Status, &t.Error,
		&t.StartedAt, &finishedAt, &durationMS,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if finishedAt.Valid {
		ft := finishedAt.Time
		t.FinishedAt = &ft
	}
	if durationMS.Valid {
		d := durationMS.Int64
		t.DurationMS = &d
	}
	return t, nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
