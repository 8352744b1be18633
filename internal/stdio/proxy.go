package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/seantiz/taskworker/internal/pending"
	"github.com/seantiz/taskworker/internal/protocol"
	"github.com/seantiz/taskworker/internal/wire"
)

// Remote issues stream requests to the orchestrator. *comm.Controller
// implements it.
type Remote interface {
	Write(stream uint32, data []byte) *pending.Result[uint64]
	Read(stream uint32, size uint32) *pending.Result[[]byte]
	Close(stream uint32) *pending.Result[struct{}]
}

// closer makes Close idempotent: only the first call reaches the remote and
// later calls return its result.
type closer struct {
	once sync.Once
	err  error
}

func (c *closer) close(ctx context.Context, remote Remote, stream uint32) error {
	c.once.Do(func() {
		_, c.err = remote.Close(stream).Wait(ctx)
	})
	return c.err
}

// RemoteWriter writes to a stream owned by the orchestrator.
type RemoteWriter struct {
	ctx    context.Context
	remote Remote
	stream uint32
	closer closer
}

// NewRemoteWriter returns a writer for stream. ctx bounds every remote call.
func NewRemoteWriter(ctx context.Context, remote Remote, stream uint32) *RemoteWriter {
	return &RemoteWriter{ctx: ctx, remote: remote, stream: stream}
}

// Write sends p to the orchestrator, repeating the remote write for the
// unsent remainder until every byte has been accepted.
func (w *RemoteWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > wire.MaxBytes {
			chunk = chunk[:wire.MaxBytes]
		}

		n, err := w.remote.Write(w.stream, chunk).Wait(w.ctx)
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
		if n > uint64(len(chunk)) {
			return written, fmt.Errorf("%w: stream %d accepted %d of %d bytes", protocol.ErrInvalidData, w.stream, n, len(chunk))
		}
		written += int(n)
	}
	return written, nil
}

// Close closes the remote stream.
func (w *RemoteWriter) Close() error {
	return w.closer.close(w.ctx, w.remote, w.stream)
}

// RemoteReader reads from a stream owned by the orchestrator.
type RemoteReader struct {
	ctx    context.Context
	remote Remote
	stream uint32
	closer closer
}

// NewRemoteReader returns a reader for stream. ctx bounds every remote call.
func NewRemoteReader(ctx context.Context, remote Remote, stream uint32) *RemoteReader {
	return &RemoteReader{ctx: ctx, remote: remote, stream: stream}
}

// Read issues one remote read of up to len(p) bytes. An empty reply is
// reported as io.EOF.
func (r *RemoteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	size := min(len(p), wire.MaxBytes)

	data, err := r.remote.Read(r.stream, uint32(size)).Wait(r.ctx)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, data)
	if n < len(data) {
		return n, fmt.Errorf("%w: stream %d returned %d bytes for a %d byte read", protocol.ErrInvalidData, r.stream, len(data), size)
	}
	return n, nil
}

// Close closes the remote stream.
func (r *RemoteReader) Close() error {
	return r.closer.close(r.ctx, r.remote, r.stream)
}

// BufferedWriter buffers writes to an underlying stream and flushes on Close.
// It is safe for concurrent use.
type BufferedWriter struct {
	mu sync.Mutex
	bw *bufio.Writer
	wc io.WriteCloser
}

// NewBufferedWriter wraps wc in a buffer of the default size.
func NewBufferedWriter(wc io.WriteCloser) *BufferedWriter {
	return &BufferedWriter{bw: bufio.NewWriter(wc), wc: wc}
}

func (b *BufferedWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bw.Write(p)
}

// Flush writes buffered data to the underlying stream.
func (b *BufferedWriter) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bw.Flush()
}

// Close flushes buffered data and closes the underlying stream. The stream is
// closed even when the flush fails; the first error is returned.
func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ferr := b.bw.Flush()
	cerr := b.wc.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// KeepOpen returns a WriteCloser whose Close does nothing, for streams that
// outlive their writer.
func KeepOpen(w io.Writer) io.WriteCloser { return keepOpen{w} }

type keepOpen struct{ io.Writer }

func (keepOpen) Close() error { return nil }

// EmptyReader is always at end of stream.
var EmptyReader io.Reader = emptyReader{}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyReader) Close() error             { return nil }

// NullWriter discards everything written to it.
var NullWriter io.WriteCloser = nullWriter{}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }
func (nullWriter) Close() error                { return nil }

// NullReader is a closable EmptyReader.
var NullReader io.ReadCloser = emptyReader{}
