package host

import (
	"fmt"
	"io"
	"sync"

	"github.com/seantiz/taskworker/internal/protocol"
)

// Stdio says how one of a task's standard streams is provided.
type Stdio int

const (
	// Null gives the task no stream; the worker discards output and reads EOF.
	Null Stdio = iota
	// Inherit connects the stream to the host's own stdout, stderr or stdin.
	Inherit
	// Piped allocates a pipe the caller reads from or writes to.
	Piped
)

// Streams is the host's table of stream endpoints, keyed by stream id. Each
// endpoint is an io.Reader, an io.Writer or both; endpoints that implement
// io.Closer are closed when the worker closes the stream.
type Streams struct {
	mu    sync.Mutex
	table map[uint32]any
	next  uint32
}

func newStreams() *Streams {
	return &Streams{table: make(map[uint32]any)}
}

// Add registers endpoint under a fresh id and returns the id.
func (s *Streams) Add(endpoint any) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		id := s.next
		s.next++
		if _, taken := s.table[id]; !taken && id != protocol.DefaultOutputStream {
			s.table[id] = endpoint
			return id
		}
	}
}

// Set registers endpoint under id, replacing any previous endpoint.
func (s *Streams) Set(id uint32, endpoint any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[id] = endpoint
}

// Len returns the number of registered streams.
func (s *Streams) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table)
}

func (s *Streams) get(id uint32) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.table[id]
	if !ok {
		return nil, protocol.NewIoError(protocol.KindOther, fmt.Sprintf("invalid stream id %d", id))
	}
	return e, nil
}

func (s *Streams) remove(id uint32) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.table[id]
	if !ok {
		return nil, protocol.NewIoError(protocol.KindOther, fmt.Sprintf("invalid stream id %d", id))
	}
	delete(s.table, id)
	return e, nil
}

func (s *Streams) write(id uint32, data []byte) (uint64, error) {
	e, err := s.get(id)
	if err != nil {
		return 0, err
	}
	w, ok := e.(io.Writer)
	if !ok {
		return 0, protocol.NewIoError(protocol.KindInvalidInput, fmt.Sprintf("stream %d is not writable", id))
	}
	n, err := w.Write(data)
	if n > 0 {
		// Report the accepted prefix; the worker retries the rest.
		return uint64(n), nil
	}
	return 0, err
}

// read performs one read of up to size bytes. End of stream is an empty
// result with no error.
func (s *Streams) read(id uint32, size uint32) ([]byte, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	r, ok := e.(io.Reader)
	if !ok {
		return nil, protocol.NewIoError(protocol.KindInvalidInput, fmt.Sprintf("stream %d is not readable", id))
	}
	if size == 0 {
		return []byte{}, nil
	}

	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == io.EOF {
			return []byte{}, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// close removes and closes the stream. The default output stream outlives
// every task, so closing it only checks that it is registered.
func (s *Streams) close(id uint32) error {
	if id == protocol.DefaultOutputStream {
		_, err := s.get(id)
		return err
	}
	e, err := s.remove(id)
	if err != nil {
		return err
	}
	if c, ok := e.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// inherited hides Close so the worker cannot close the host's own stdio.
type inheritedWriter struct{ io.Writer }
type inheritedReader struct{ io.Reader }
