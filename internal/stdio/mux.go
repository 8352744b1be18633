// Package stdio routes a task's standard streams to the orchestrator.
//
// Each task binds its three streams into its context with Bind. Code running
// on behalf of the task asks the Mux for stdout, stderr or stdin and gets the
// task's stream while the binding is live, or the process-wide fallback once
// the task has unbound or when no binding exists at all. Goroutines a task
// spawns inherit its streams by deriving their context from the task's.
package stdio

import (
	"context"
	"io"
	"sync"
)

// Streams is the set of standard streams bound to a task.
type Streams struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader
}

// cell is shared by every context derived from one Bind call, so clearing it
// is seen by all of them at once.
type cell struct {
	mu      sync.RWMutex
	streams *Streams
}

func (c *cell) get() *Streams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streams
}

type bindingKey struct{}

// Bind returns a context carrying s. Calling unbind clears the binding for
// every context derived from the returned one; they fall back to the Mux
// defaults afterwards. unbind is safe to call more than once.
func Bind(ctx context.Context, s Streams) (context.Context, func()) {
	c := &cell{streams: &s}
	unbind := func() {
		c.mu.Lock()
		c.streams = nil
		c.mu.Unlock()
	}
	return context.WithValue(ctx, bindingKey{}, c), unbind
}

// Bound returns the streams bound to ctx, if the binding is still live.
func Bound(ctx context.Context) (Streams, bool) {
	c, ok := ctx.Value(bindingKey{}).(*cell)
	if !ok {
		return Streams{}, false
	}
	s := c.get()
	if s == nil {
		return Streams{}, false
	}
	return *s, true
}

// Mux resolves standard streams for a context.
type Mux struct {
	fallback Streams
}

// NewMux returns a Mux that uses fallback for unbound contexts. Nil fallback
// writers discard, a nil fallback reader is always at end of stream.
func NewMux(fallback Streams) *Mux {
	if fallback.Stdout == nil {
		fallback.Stdout = io.Discard
	}
	if fallback.Stderr == nil {
		fallback.Stderr = io.Discard
	}
	if fallback.Stdin == nil {
		fallback.Stdin = EmptyReader
	}
	return &Mux{fallback: fallback}
}

func (m *Mux) resolve(ctx context.Context) Streams {
	s, ok := Bound(ctx)
	if !ok {
		return m.fallback
	}
	if s.Stdout == nil {
		s.Stdout = m.fallback.Stdout
	}
	if s.Stderr == nil {
		s.Stderr = m.fallback.Stderr
	}
	if s.Stdin == nil {
		s.Stdin = m.fallback.Stdin
	}
	return s
}

// Stdout returns a writer that sends each write to the stdout bound to ctx
// at the time of the write.
func (m *Mux) Stdout(ctx context.Context) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		return m.resolve(ctx).Stdout.Write(p)
	})
}

// Stderr is like Stdout for the error stream.
func (m *Mux) Stderr(ctx context.Context) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		return m.resolve(ctx).Stderr.Write(p)
	})
}

// Stdin returns a reader that reads from the stdin bound to ctx at the time
// of each read.
func (m *Mux) Stdin(ctx context.Context) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		return m.resolve(ctx).Stdin.Read(p)
	})
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
