// Package host implements the orchestrator's end of the protocol: it starts
// tasks on a worker, waits for them and serves the worker's stream requests
// from a local stream table.
package host

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

	"github.com/seantiz/taskworker/internal/pending"
	"github.com/seantiz/taskworker/internal/protocol"
	"github.com/seantiz/taskworker/internal/wire"
)

// ErrClosed fails every Exec or Wait outstanding when the worker connection
// ends.
var ErrClosed = errors.New("worker connection closed")

// ErrDesync is returned by Serve when a reply carries a tag with no
// outstanding request.
var ErrDesync = errors.New("protocol desynchronized")

// Options configures a Host. Nil stdio fields default to the process's own.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader
	// DefaultOutput receives writes to protocol.DefaultOutputStream.
	DefaultOutput io.Writer
	Logger        *slog.Logger
}

// Host is the orchestrator side of one protocol connection.
type Host struct {
	logger  *slog.Logger
	streams *Streams

	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader

	wmu sync.Mutex
	enc *wire.Encoder
	dec *wire.Decoder

	tags  atomic.Uint32
	execs *pending.Registry[protocol.ExecResult]
	waits *pending.Registry[bool]

	done     chan struct{}
	handlers sync.WaitGroup
}

// New returns a Host reading worker messages from r and writing to w.
func New(r io.Reader, w io.Writer, opts Options) *Host {
	h := &Host{
		logger:  opts.Logger,
		streams: newStreams(),
		stdout:  opts.Stdout,
		stderr:  opts.Stderr,
		stdin:   opts.Stdin,
		enc:     wire.NewEncoder(w),
		dec:     wire.NewDecoder(r),
		execs:   pending.NewRegistry[protocol.ExecResult](),
		waits:   pending.NewRegistry[bool](),
		done:    make(chan struct{}),
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}
	if h.stdout == nil {
		h.stdout = os.Stdout
	}
	if h.stderr == nil {
		h.stderr = os.Stderr
	}
	if h.stdin == nil {
		h.stdin = os.Stdin
	}
	def := opts.DefaultOutput
	if def == nil {
		def = h.stdout
	}
	h.streams.Set(protocol.DefaultOutputStream, inheritedWriter{def})
	return h
}

// Streams returns the host's stream table.
func (h *Host) Streams() *Streams {
	return h.streams
}

// Done is closed once the reader loop has stopped.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

func (h *Host) nextTag() uint32 {
	return h.tags.Add(1) - 1
}

func (h *Host) send(msg protocol.ToWorker) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()

	msg.Encode(h.enc)
	if err := h.enc.Flush(); err != nil {
		return fmt.Errorf("send %s: %w", msg.Name(), err)
	}
	return nil
}

// ExecStreams starts main on the worker with explicit stream ids and returns
// the task id. An ExecError from the worker is returned as *protocol.ExecError.
func (h *Host) ExecStreams(ctx context.Context, main string, params []string, stdout, stderr, stdin *uint32) (uint32, error) {
	tag := h.nextTag()
	res := h.execs.Start(tag)
	msg := protocol.Exec{Tag: tag, Main: main, Params: params, Stdout: stdout, Stderr: stderr, Stdin: stdin}
	if err := h.send(msg); err != nil {
		h.execs.Fail(tag, err)
	}

	reply, err := res.Wait(ctx)
	if err != nil {
		return 0, err
	}
	if reply.Err != nil {
		return 0, reply.Err
	}
	return reply.Task.TaskID, nil
}

// Command describes a task to start with Exec.
type Command struct {
	Main   string
	Params []string
	Stdout Stdio
	Stderr Stdio
	Stdin  Stdio
}

// Task is a started task. Piped streams are non-nil.
type Task struct {
	ID     uint32
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Stdin  io.WriteCloser
}

// Exec allocates the command's streams and starts it on the worker. Streams
// allocated for a task that fails to start are released.
func (h *Host) Exec(ctx context.Context, cmd Command) (*Task, error) {
	task := &Task{}
	var ids []uint32

	alloc := func(mode Stdio, inherit any, piped func() any) *uint32 {
		var endpoint any
		switch mode {
		case Inherit:
			endpoint = inherit
		case Piped:
			endpoint = piped()
		default:
			return nil
		}
		id := h.streams.Add(endpoint)
		ids = append(ids, id)
		return &id
	}

	stdout := alloc(cmd.Stdout, inheritedWriter{h.stdout}, func() any {
		r, w := io.Pipe()
		task.Stdout = r
		return w
	})
	stderr := alloc(cmd.Stderr, inheritedWriter{h.stderr}, func() any {
		r, w := io.Pipe()
		task.Stderr = r
		return w
	})
	stdin := alloc(cmd.Stdin, inheritedReader{h.stdin}, func() any {
		r, w := io.Pipe()
		task.Stdin = w
		return r
	})

	id, err := h.ExecStreams(ctx, cmd.Main, cmd.Params, stdout, stderr, stdin)
	if err != nil {
		for _, sid := range ids {
			h.streams.close(sid)
		}
		return nil, err
	}
	task.ID = id
	return task, nil
}

// Wait blocks until the task completes or timeout elapses. It reports whether
// the timeout won. A nil timeout waits indefinitely.
func (h *Host) Wait(ctx context.Context, task uint32, timeout *time.Duration) (bool, error) {
	tag := h.nextTag()
	res := h.waits.Start(tag)
	if err := h.send(protocol.Wait{Tag: tag, Task: task, Timeout: timeout}); err != nil {
		h.waits.Fail(tag, err)
	}
	return res.Wait(ctx)
}

// Serve runs the reader loop until the worker closes the stream or a message
// cannot be decoded or routed. It returns nil on a clean end of stream.
func (h *Host) Serve(ctx context.Context) error {
	err := h.loop(ctx)

	h.execs.Abandon(ErrClosed)
	h.waits.Abandon(ErrClosed)
	close(h.done)
	h.handlers.Wait()

	if err != nil {
		h.logger.Error("host reader loop failed", "error", err)
	}
	return err
}

func (h *Host) loop(ctx context.Context) error {
	for {
		msg, err := protocol.DecodeFromWorker(h.dec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var routeErr error
		switch m := msg.(type) {
		case protocol.ExecResult:
			routeErr = h.execs.Finish(m.Tag, m)
		case protocol.WaitResult:
			routeErr = h.waits.Finish(m.Tag, m.TimedOut)
		case protocol.Write:
			h.handle(func() protocol.ToWorker {
				n, err := h.streams.write(m.Stream, m.Data)
				return protocol.WriteResult{Tag: m.Tag, N: n, Err: protocol.IoErrorFromError(err)}
			})
		case protocol.Read:
			h.handle(func() protocol.ToWorker {
				data, err := h.streams.read(m.Stream, min(m.Size, wire.MaxBytes))
				return protocol.ReadResult{Tag: m.Tag, Stream: m.Stream, Data: data, Err: protocol.IoErrorFromError(err)}
			})
		case protocol.Close:
			h.handle(func() protocol.ToWorker {
				err := h.streams.close(m.Stream)
				return protocol.CloseResult{Tag: m.Tag, Err: protocol.IoErrorFromError(err)}
			})
		}
		if routeErr != nil {
			return fmt.Errorf("%w: %s: %w", ErrDesync, msg.Name(), routeErr)
		}
	}
}

// handle serves one stream request off the reader loop so a blocked stream
// never stalls other traffic.
func (h *Host) handle(serve func() protocol.ToWorker) {
	h.handlers.Go(func() {
		reply := serve()
		if err := h.send(reply); err != nil {
			h.logger.Error("send stream reply", "type", reply.Name(), "tag", reply.MessageTag(), "error", err)
		}
	})
}
