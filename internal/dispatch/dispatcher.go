package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/taskworker/internal/entry"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/protocol"
	"github.com/seantiz/taskworker/internal/stdio"
	"github.com/seantiz/taskworker/internal/store"
)

// ErrShuttingDown is the message of the Exec failure returned once Shutdown
// has begun.
var ErrShuttingDown = errors.New("worker is shutting down")

// Options configures a Dispatcher. Resolver and Remote are required.
type Options struct {
	Resolver entry.Resolver
	Remote   stdio.Remote
	Logger   *slog.Logger

	// Store records task history when non-nil.
	Store   store.Store
	Session string
}

// cached is the permanent outcome of resolving one name.
type cached struct {
	main entry.Main
	err  *protocol.ExecError
}

type waiter struct {
	ch    chan bool
	timer *time.Timer
}

type task struct {
	info    model.TaskInfo
	waiters map[*waiter]struct{}
}

type streams struct {
	stdout io.WriteCloser
	stderr io.WriteCloser
	stdin  io.ReadCloser
}

// Dispatcher implements comm.Handler.
type Dispatcher struct {
	resolver entry.Resolver
	remote   stdio.Remote
	logger   *slog.Logger
	store    store.Store
	session  string
	broker   *Broker

	// ctx is the parent of every task context; cancel aborts running tasks.
	ctx    context.Context
	cancel context.CancelFunc

	cacheMu sync.Mutex
	cache   map[string]cached

	mu      sync.RWMutex
	nextID  uint32
	tasks   map[uint32]*task
	closing bool

	wg sync.WaitGroup
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		resolver: opts.Resolver,
		remote:   opts.Remote,
		logger:   logger,
		store:    opts.Store,
		session:  opts.Session,
		ctx:      ctx,
		cancel:   cancel,
		cache:    make(map[string]cached),
		tasks:    make(map[uint32]*task),
	}
	d.broker = NewBroker(d.finished)
	return d
}

// finished reports whether id names no running task.
func (d *Dispatcher) finished(id uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, running := d.tasks[id]
	return !running
}

// Broker returns the dispatcher's lifecycle event broker.
func (d *Dispatcher) Broker() *Broker {
	return d.broker
}

// Exec resolves req.Main and starts a task running it. The task runs in its
// own goroutine; Exec returns as soon as it has been started.
func (d *Dispatcher) Exec(ctx context.Context, req protocol.Exec) (protocol.TaskInfo, *protocol.ExecError) {
	main, execErr := d.resolve(ctx, req.Main)
	if execErr != nil {
		execTotal.WithLabelValues(execErr.Kind.String()).Inc()
		d.logger.Warn("exec rejected", "main", req.Main, "kind", execErr.Kind.String(), "error", execErr.Message)
		return protocol.TaskInfo{}, execErr
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		execTotal.WithLabelValues(execFailure).Inc()
		return protocol.TaskInfo{}, protocol.NewExecError(protocol.ExecFailure, ErrShuttingDown.Error())
	}
	id := d.nextID
	d.nextID++
	t := &task{
		info:    model.TaskInfo{TaskID: id, Main: req.Main, StartedAt: time.Now().UTC()},
		waiters: make(map[*waiter]struct{}),
	}
	d.tasks[id] = t
	d.wg.Add(1)
	d.mu.Unlock()

	execTotal.WithLabelValues(execOK).Inc()
	tasksRunning.Inc()
	d.logger.Info("task started", "task_id", id, "main", req.Main, "params", len(req.Params))
	d.record(t, req.Params)
	d.broker.Publish(Event{TaskID: id, Kind: EventStarted})

	go d.run(t, main, req.Params, d.openStreams(req))

	return protocol.TaskInfo{TaskID: id}, nil
}

// resolve returns the cached outcome for name, resolving it on first use.
// Failures are cached as permanently as successes.
func (d *Dispatcher) resolve(ctx context.Context, name string) (entry.Main, *protocol.ExecError) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	if c, ok := d.cache[name]; ok {
		return c.main, c.err
	}

	resolutionsTotal.Inc()
	main, err := d.resolver.Resolve(ctx, name)
	var c cached
	switch {
	case err == nil:
		c.main = main
	case errors.Is(err, entry.ErrNotFound):
		c.err = protocol.NewExecError(protocol.ExecInvalidClass, err.Error())
	case errors.Is(err, entry.ErrNoEntry):
		c.err = protocol.NewExecError(protocol.ExecNoMainFn, err.Error())
	default:
		c.err = protocol.NewExecError(protocol.ExecFailure, err.Error())
	}
	d.cache[name] = c
	return c.main, c.err
}

func (d *Dispatcher) openStreams(req protocol.Exec) streams {
	s := streams{stdout: stdio.NullWriter, stderr: stdio.NullWriter, stdin: stdio.NullReader}
	if req.Stdout != nil {
		s.stdout = d.remoteWriter(*req.Stdout)
	}
	if req.Stderr != nil {
		s.stderr = d.remoteWriter(*req.Stderr)
	}
	if req.Stdin != nil {
		r := stdio.NewRemoteReader(d.ctx, d.remote, *req.Stdin)
		if *req.Stdin == protocol.DefaultOutputStream {
			s.stdin = io.NopCloser(r)
		} else {
			s.stdin = r
		}
	}
	return s
}

// remoteWriter returns a buffered proxy for stream id. The reserved default
// output stream is shared by the whole process and is never closed by a task.
func (d *Dispatcher) remoteWriter(id uint32) io.WriteCloser {
	w := stdio.NewRemoteWriter(d.ctx, d.remote, id)
	if id == protocol.DefaultOutputStream {
		return stdio.NewBufferedWriter(stdio.KeepOpen(w))
	}
	return stdio.NewBufferedWriter(w)
}

func (s streams) close(logger *slog.Logger) {
	for _, c := range []struct {
		name string
		c    io.Closer
	}{{"stdout", s.stdout}, {"stderr", s.stderr}, {"stdin", s.stdin}} {
		if err := c.c.Close(); err != nil {
			logger.Warn("close task stream", "stream", c.name, "error", err)
		}
	}
}

// run is the body of a task goroutine.
func (d *Dispatcher) run(t *task, main entry.Main, params []string, s streams) {
	defer d.wg.Done()
	id := t.info.TaskID

	ctx, unbind := stdio.Bind(d.ctx, stdio.Streams{Stdout: s.stdout, Stderr: s.stderr, Stdin: s.stdin})
	err := invoke(ctx, main, params)
	unbind()

	status := model.StatusCompleted
	detail := ""
	if err != nil {
		status = model.StatusFailed
		detail = err.Error()
		fmt.Fprintf(s.stderr, "task %d (%s) failed: %v\n", id, t.info.Main, err)
	}

	s.close(d.logger.With("task_id", id))

	elapsed := time.Since(t.info.StartedAt)
	tasksRunning.Dec()
	tasksFinished.WithLabelValues(status).Inc()
	taskDuration.Observe(elapsed.Seconds())
	if err != nil {
		d.logger.Error("task failed", "task_id", id, "main", t.info.Main, "duration_ms", elapsed.Milliseconds(), "error", err)
	} else {
		d.logger.Info("task completed", "task_id", id, "main", t.info.Main, "duration_ms", elapsed.Milliseconds())
	}
	d.finish(t, status, detail)
	d.broker.Publish(Event{TaskID: id, Kind: status, Detail: detail})

	d.complete(id)
	d.broker.Close(id)
}

// invoke runs main, turning a panic into an error.
func invoke(ctx context.Context, main entry.Main, params []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return main(ctx, params)
}

// complete removes the task and resolves each of its waiters as not timed out.
func (d *Dispatcher) complete(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return
	}
	delete(d.tasks, id)
	for w := range t.waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		waitsTotal.WithLabelValues(waitCompleted).Inc()
		w.ch <- false
	}
	clear(t.waiters)
}

// Wait returns a channel that receives false when the task completes, or true
// if timeout elapses first. A task that is not running resolves false at once.
func (d *Dispatcher) Wait(id uint32, timeout *time.Duration) <-chan bool {
	ch := make(chan bool, 1)

	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		if id >= d.nextID {
			d.logger.Warn("wait on unknown task", "task_id", id)
			waitsTotal.WithLabelValues(waitUnknown).Inc()
		} else {
			waitsTotal.WithLabelValues(waitCompleted).Inc()
		}
		ch <- false
		return ch
	}

	w := &waiter{ch: ch}
	t.waiters[w] = struct{}{}
	if timeout != nil {
		w.timer = time.AfterFunc(*timeout, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if _, pending := t.waiters[w]; !pending {
				return
			}
			delete(t.waiters, w)
			waitsTotal.WithLabelValues(waitTimedOut).Inc()
			w.ch <- true
		})
	}
	return ch
}

// Tasks returns the running tasks ordered by id.
func (d *Dispatcher) Tasks() []model.TaskInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	infos := make([]model.TaskInfo, 0, len(d.tasks))
	for _, t := range d.tasks {
		infos = append(infos, t.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].TaskID < infos[j].TaskID
	})
	return infos
}

// Shutdown stops accepting new tasks and waits for running ones. If ctx ends
// first, running tasks are cancelled and ctx's error is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

// record inserts the history row for a started task.
func (d *Dispatcher) record(t *task, params []string) {
	if d.store == nil {
		return
	}
	err := d.store.CreateTask(context.Background(), &model.Task{
		Session:   d.session,
		TaskID:    t.info.TaskID,
		Main:      t.info.Main,
		Params:    params,
		Status:    model.StatusRunning,
		StartedAt: t.info.StartedAt,
	})
	if err != nil {
		d.logger.Error("failed to record task", "task_id", t.info.TaskID, "error", err)
	}
}

// finish moves the history row to its terminal status.
func (d *Dispatcher) finish(t *task, status, detail string) {
	if d.store == nil {
		return
	}
	err := d.store.FinishTask(context.Background(), d.session, t.info.TaskID, status, detail, time.Now().UTC())
	if err != nil {
		d.logger.Error("failed to update task history", "task_id", t.info.TaskID, "status", status, "error", err)
	}
}
