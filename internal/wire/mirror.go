package wire

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Mirror tees everything written to the primary stream into a debug sink for
// offline protocol inspection. A failing sink is disabled after the first error
// and never affects writes to the primary stream.
type Mirror struct {
	primary io.Writer
	logger  *slog.Logger

	mu   sync.Mutex
	sink io.WriteCloser
}

// NewMirror returns a Mirror writing to primary and copying to sink.
// A nil sink makes the Mirror a plain pass-through.
func NewMirror(primary io.Writer, sink io.WriteCloser, logger *slog.Logger) *Mirror {
	return &Mirror{primary: primary, sink: sink, logger: logger}
}

// OpenMirror creates (or truncates) the dump file at path and returns a
// Mirror over primary.
func OpenMirror(primary io.Writer, path string, logger *slog.Logger) (*Mirror, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create protocol dump %s: %w", path, err)
	}
	return NewMirror(primary, f, logger), nil
}

// Write writes p to the primary stream, then to the sink.
func (m *Mirror) Write(p []byte) (int, error) {
	n, err := m.primary.Write(p)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink != nil && n > 0 {
		if _, serr := m.sink.Write(p[:n]); serr != nil {
			m.logger.Warn("protocol dump disabled", "error", serr)
			m.sink.Close()
			m.sink = nil
		}
	}
	return n, err
}

// Close closes the sink. The primary stream is left open.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink == nil {
		return nil
	}
	err := m.sink.Close()
	m.sink = nil
	return err
}
