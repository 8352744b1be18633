// Package worker assembles a task worker around one protocol connection:
// the comm controller, the stream multiplexer, the entry-point resolvers and
// the dispatcher.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/taskworker/internal/comm"
	"github.com/seantiz/taskworker/internal/config"
	"github.com/seantiz/taskworker/internal/dispatch"
	"github.com/seantiz/taskworker/internal/entry"
	"github.com/seantiz/taskworker/internal/protocol"
	"github.com/seantiz/taskworker/internal/stdio"
	"github.com/seantiz/taskworker/internal/store"
	"github.com/seantiz/taskworker/internal/wire"
)

const defaultShutdownTimeout = 10 * time.Second

// readerGrace bounds how long Serve waits for the reader loop after Shutdown
// closed the connection. Some streams cannot interrupt a pending Read on Close.
const readerGrace = time.Second

// Options configures a Worker. Conn is required.
type Options struct {
	Conn    io.ReadWriteCloser
	Logger  *slog.Logger
	Session string

	// Stderr is the fallback error stream for code running outside any task.
	// Defaults to os.Stderr.
	Stderr io.Writer

	// ProtoDebugFile mirrors outbound protocol bytes when non-empty.
	ProtoDebugFile string

	// WasmDir and Catalog enable WebAssembly work units.
	WasmDir string
	Catalog *entry.Catalog

	Store           store.Store
	ShutdownTimeout time.Duration
}

// Worker is one assembled worker process.
type Worker struct {
	logger     *slog.Logger
	conn       io.ReadWriteCloser
	mirror     *wire.Mirror
	controller *comm.Controller
	mux        *stdio.Mux
	entries    *entry.Registry
	wasm       *entry.WasmResolver
	dispatcher *dispatch.Dispatcher
	fallback   *stdio.RemoteWriter

	shutdownTimeout time.Duration
	closing         atomic.Bool
	closeOnce       sync.Once
	stopped         chan struct{}
	stopOnce        sync.Once
}

// New wires a worker over opts.Conn. Nothing is read from the connection
// until Serve is called.
func New(ctx context.Context, opts Options) (*Worker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	w := &Worker{
		logger:          logger,
		conn:            opts.Conn,
		shutdownTimeout: opts.ShutdownTimeout,
		stopped:         make(chan struct{}),
	}
	if w.shutdownTimeout <= 0 {
		w.shutdownTimeout = defaultShutdownTimeout
	}

	var out io.Writer = opts.Conn
	if opts.ProtoDebugFile != "" {
		m, err := wire.OpenMirror(opts.Conn, opts.ProtoDebugFile, config.WithComponent(logger, "wire"))
		if err != nil {
			return nil, err
		}
		w.mirror = m
		out = m
		logger.Info("protocol dump enabled", "path", opts.ProtoDebugFile)
	}

	w.controller = comm.New(opts.Conn, out, config.WithComponent(logger, "comm"))

	// Output written outside any task goes to the orchestrator's default stream.
	w.fallback = stdio.NewRemoteWriter(context.Background(), w.controller, protocol.DefaultOutputStream)
	w.mux = stdio.NewMux(stdio.Streams{
		Stdout: w.fallback,
		Stderr: opts.Stderr,
	})

	w.entries = entry.NewRegistry()
	entry.RegisterBuiltins(w.entries, w.mux)
	chain := entry.Chain{w.entries}
	if opts.WasmDir != "" || opts.Catalog != nil {
		w.wasm = entry.NewWasmResolver(ctx, opts.WasmDir, opts.Catalog, w.mux, config.WithComponent(logger, "wasm"))
		chain = append(chain, w.wasm)
	}

	w.dispatcher = dispatch.New(dispatch.Options{
		Resolver: chain,
		Remote:   w.controller,
		Logger:   config.WithComponent(logger, "dispatch"),
		Store:    opts.Store,
		Session:  opts.Session,
	})
	return w, nil
}

// Entries returns the registry of in-process work units. Units registered
// before the first Exec naming them are visible to it.
func (w *Worker) Entries() *entry.Registry { return w.entries }

// Mux returns the worker's stream multiplexer.
func (w *Worker) Mux() *stdio.Mux { return w.mux }

// Dispatcher returns the worker's dispatcher.
func (w *Worker) Dispatcher() *dispatch.Dispatcher { return w.dispatcher }

// Serve runs the reader loop until the orchestrator closes the stream, the
// protocol fails or Shutdown completes, then drains running tasks and
// releases resources. It returns the reader loop's error.
func (w *Worker) Serve(ctx context.Context) error {
	loopDone := make(chan error, 1)
	go func() { loopDone <- w.controller.Serve(ctx, w.dispatcher) }()

	var serveErr error
	select {
	case serveErr = <-loopDone:
	case <-w.stopped:
		select {
		case serveErr = <-loopDone:
		case <-time.After(readerGrace):
			w.logger.Warn("reader loop still blocked after close", "grace", readerGrace)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer cancel()
	if err := w.dispatcher.Shutdown(shutdownCtx); err != nil {
		w.logger.Warn("running tasks cancelled", "error", err)
	}

	var errs []error
	if w.wasm != nil {
		errs = append(errs, w.wasm.Close(context.Background()))
	}
	if w.mirror != nil {
		errs = append(errs, w.mirror.Close())
	}
	errs = append(errs, w.closeConn())
	if err := errors.Join(errs...); err != nil {
		w.logger.Warn("release worker resources", "error", err)
	}

	if serveErr != nil && !w.closing.Load() {
		return fmt.Errorf("reader loop: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting tasks, waits for running ones until ctx ends, then
// closes the connection so Serve returns.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.closing.Store(true)
	err := w.dispatcher.Shutdown(ctx)
	if cerr := w.closeConn(); cerr != nil && err == nil {
		err = cerr
	}
	w.stopOnce.Do(func() { close(w.stopped) })
	return err
}

func (w *Worker) closeConn() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.conn.Close()
	})
	return err
}
