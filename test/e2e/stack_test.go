package e2e

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/taskworker/internal/host"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/store"
	"github.com/seantiz/taskworker/internal/worker"
)

// stack is a worker and an orchestrator double joined by an in-memory pipe.
type stack struct {
	worker    *worker.Worker
	host      *host.Host
	defOut    *syncBuffer
	serveErr  chan error
	hostErr   chan error
	hostEnd   net.Conn
	workerEnd net.Conn
}

type stackOptions struct {
	store      store.Store
	protoDebug string
	register   func(w *worker.Worker)
}

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newStack(t *testing.T, opts stackOptions) *stack {
	t.Helper()

	workerEnd, hostEnd := net.Pipe()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	w, err := worker.New(context.Background(), worker.Options{
		Conn:            workerEnd,
		Logger:          logger,
		Session:         model.NewID(),
		Stderr:          io.Discard,
		Store:           opts.store,
		ProtoDebugFile:  opts.protoDebug,
		ShutdownTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	if opts.register != nil {
		opts.register(w)
	}

	def := &syncBuffer{}
	h := host.New(hostEnd, hostEnd, host.Options{
		Stdout:        io.Discard,
		Stderr:        io.Discard,
		Stdin:         bytes.NewReader(nil),
		DefaultOutput: def,
		Logger:        logger,
	})

	s := &stack{
		worker:    w,
		host:      h,
		defOut:    def,
		serveErr:  make(chan error, 1),
		hostErr:   make(chan error, 1),
		hostEnd:   hostEnd,
		workerEnd: workerEnd,
	}
	go func() { s.serveErr <- w.Serve(context.Background()) }()
	go func() { s.hostErr <- h.Serve(context.Background()) }()

	t.Cleanup(func() {
		hostEnd.Close()
		select {
		case <-s.serveErr:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop after the orchestrator hung up")
		}
	})
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// opRecorder is a host stream endpoint that records writes and closes in order.
type opRecorder struct {
	mu  sync.Mutex
	ops []string
	buf bytes.Buffer
}

func (r *opRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "write")
	return r.buf.Write(p)
}

func (r *opRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "close")
	return nil
}

func (r *opRecorder) snapshot() ([]string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...), r.buf.String()
}

func u32(v uint32) *uint32 { return &v }
