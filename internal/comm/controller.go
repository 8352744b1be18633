// Package comm owns the worker's end of the duplex protocol stream.
//
// A Controller serializes every outbound message through one lock and runs a
// single reader loop that routes inbound messages: Exec and Wait requests go
// to a Handler, replies to the worker's own stream requests complete the
// matching pending result.
package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/taskworker/internal/pending"
	"github.com/seantiz/taskworker/internal/protocol"
	"github.com/seantiz/taskworker/internal/wire"
)

// ErrConnectionClosed fails every stream request still outstanding when the
// reader loop stops, and every request issued afterwards.
var ErrConnectionClosed = protocol.NewIoError(protocol.KindNotConnected, "connection to orchestrator closed")

// ErrDesync is returned by Serve when a reply carries a tag with no
// outstanding request.
var ErrDesync = errors.New("protocol desynchronized")

// Handler executes the requests the orchestrator sends to the worker.
type Handler interface {
	// Exec resolves and starts a task. It must not block on the task itself.
	Exec(ctx context.Context, req protocol.Exec) (protocol.TaskInfo, *protocol.ExecError)
	// Wait returns a channel that yields exactly one value: true when the
	// timeout elapsed first, false once the task has completed.
	Wait(task uint32, timeout *time.Duration) <-chan bool
}

// Controller is the worker side of one protocol connection.
type Controller struct {
	logger *slog.Logger

	wmu sync.Mutex
	enc *wire.Encoder
	dec *wire.Decoder

	tags   atomic.Uint32
	writes *pending.Registry[uint64]
	reads  *pending.Registry[[]byte]
	closes *pending.Registry[struct{}]

	done    chan struct{}
	waiters sync.WaitGroup
}

// New returns a Controller reading requests from r and writing to w.
func New(r io.Reader, w io.Writer, logger *slog.Logger) *Controller {
	return &Controller{
		logger: logger,
		enc:    wire.NewEncoder(w),
		dec:    wire.NewDecoder(r),
		writes: pending.NewRegistry[uint64](),
		reads:  pending.NewRegistry[[]byte](),
		closes: pending.NewRegistry[struct{}](),
		done:   make(chan struct{}),
	}
}

// Done is closed once the reader loop has stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) nextTag() uint32 {
	return c.tags.Add(1) - 1
}

// send encodes msg and flushes it to the stream as one unit.
func (c *Controller) send(msg protocol.FromWorker) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	msg.Encode(c.enc)
	if err := c.enc.Flush(); err != nil {
		return fmt.Errorf("send %s: %w", msg.Name(), err)
	}
	messagesSent.WithLabelValues(msg.Name()).Inc()
	return nil
}

// request registers tag, sends msg and returns the pending result. A send
// failure fails the result.
func request[T any](c *Controller, g *pending.Registry[T], op string, tag uint32, msg protocol.FromWorker) *pending.Result[T] {
	r := g.Start(tag)
	select {
	case <-r.Done():
		// Registry abandoned: the connection is gone.
		return r
	default:
	}
	pendingRequests.WithLabelValues(op).Set(float64(g.Len()))

	if err := c.send(msg); err != nil {
		c.logger.Error("stream request failed", "op", op, "tag", tag, "error", err)
		g.Fail(tag, protocol.IoErrorFromError(err))
	}
	return r
}

// Write asks the orchestrator to write data to stream. The result is the
// number of bytes the orchestrator accepted, which may be fewer than len(data).
func (c *Controller) Write(stream uint32, data []byte) *pending.Result[uint64] {
	tag := c.nextTag()
	return request(c, c.writes, opWrite, tag, protocol.Write{Tag: tag, Stream: stream, Data: data})
}

// Read asks the orchestrator for up to size bytes from stream. An empty
// result means end of stream.
func (c *Controller) Read(stream uint32, size uint32) *pending.Result[[]byte] {
	tag := c.nextTag()
	return request(c, c.reads, opRead, tag, protocol.Read{Tag: tag, Stream: stream, Size: size})
}

// Close asks the orchestrator to close stream.
func (c *Controller) Close(stream uint32) *pending.Result[struct{}] {
	tag := c.nextTag()
	return request(c, c.closes, opClose, tag, protocol.Close{Tag: tag, Stream: stream})
}

// Serve runs the reader loop until the stream ends or a message cannot be
// decoded or routed. It returns nil on a clean end of stream. Every
// outstanding stream request is failed with ErrConnectionClosed before Serve
// returns.
func (c *Controller) Serve(ctx context.Context, h Handler) error {
	c.logger.Info("reader loop started")
	err := c.loop(ctx, h)

	c.writes.Abandon(ErrConnectionClosed)
	c.reads.Abandon(ErrConnectionClosed)
	c.closes.Abandon(ErrConnectionClosed)
	for _, op := range []string{opWrite, opRead, opClose} {
		pendingRequests.WithLabelValues(op).Set(0)
	}
	close(c.done)
	c.waiters.Wait()

	if err != nil {
		readerFailures.Inc()
		c.logger.Error("reader loop failed", "error", err)
		return err
	}
	c.logger.Info("reader loop stopped", "reason", "end of stream")
	return nil
}

func (c *Controller) loop(ctx context.Context, h Handler) error {
	for {
		msg, err := protocol.DecodeToWorker(c.dec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		messagesReceived.WithLabelValues(msg.Name()).Inc()

		if err := c.route(ctx, h, msg); err != nil {
			return err
		}
	}
}

func (c *Controller) route(ctx context.Context, h Handler, msg protocol.ToWorker) error {
	var err error
	switch m := msg.(type) {
	case protocol.Exec:
		info, execErr := h.Exec(ctx, m)
		return c.send(protocol.ExecResult{Tag: m.Tag, Task: info, Err: execErr})

	case protocol.Wait:
		ch := h.Wait(m.Task, m.Timeout)
		c.waiters.Go(func() {
			select {
			case timedOut := <-ch:
				if err := c.send(protocol.WaitResult{Tag: m.Tag, TimedOut: timedOut}); err != nil {
					c.logger.Error("send wait result", "tag", m.Tag, "task_id", m.Task, "error", err)
				}
			case <-c.done:
			}
		})
		return nil

	case protocol.WriteResult:
		if m.Err != nil {
			err = c.writes.Fail(m.Tag, m.Err)
		} else {
			err = c.writes.Finish(m.Tag, m.N)
		}
		pendingRequests.WithLabelValues(opWrite).Set(float64(c.writes.Len()))

	case protocol.ReadResult:
		if m.Err != nil {
			err = c.reads.Fail(m.Tag, m.Err)
		} else {
			err = c.reads.Finish(m.Tag, m.Data)
		}
		pendingRequests.WithLabelValues(opRead).Set(float64(c.reads.Len()))

	case protocol.CloseResult:
		if m.Err != nil {
			err = c.closes.Fail(m.Tag, m.Err)
		} else {
			err = c.closes.Finish(m.Tag, struct{}{})
		}
		pendingRequests.WithLabelValues(opClose).Set(float64(c.closes.Len()))

	default:
		return fmt.Errorf("%w: %s (%T) has no route", protocol.ErrUnknownVariant, msg.Name(), msg)
	}

	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDesync, msg.Name(), err)
	}
	return nil
}
