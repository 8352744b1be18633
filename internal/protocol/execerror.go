package protocol

import (
	"fmt"

	"github.com/seantiz/taskworker/internal/wire"
)

// ExecErrorKind says why an Exec could not start a task.
type ExecErrorKind uint64

const (
	// ExecFailure is a generic failure to start.
	ExecFailure ExecErrorKind = iota
	// ExecInvalidClass means the named entry point unit does not exist.
	ExecInvalidClass
	// ExecNoMainFn means the unit exists but has no suitable entry function.
	ExecNoMainFn

	numExecErrorKinds
)

func (k ExecErrorKind) String() string {
	switch k {
	case ExecFailure:
		return "failure"
	case ExecInvalidClass:
		return "invalid_class"
	case ExecNoMainFn:
		return "no_main_fn"
	default:
		return fmt.Sprintf("ExecErrorKind(%d)", uint64(k))
	}
}

// ExecError is the error variant of an ExecResult.
type ExecError struct {
	Kind    ExecErrorKind
	Message string
}

// NewExecError returns an ExecError of the given kind.
func NewExecError(kind ExecErrorKind, msg string) *ExecError {
	return &ExecError{Kind: kind, Message: msg}
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec %s: %s", e.Kind, e.Message)
}

func (e *ExecError) encode(enc *wire.Encoder) {
	enc.Usize(uint64(e.Kind))
	enc.Str(e.Message)
}

func decodeExecError(d *wire.Decoder) *ExecError {
	kind := ExecErrorKind(d.Usize())
	msg := d.Str()
	if d.Err() != nil {
		return nil
	}
	if kind >= numExecErrorKinds {
		d.Fail(fmt.Errorf("%w: exec error kind %d", ErrUnknownVariant, uint64(kind)))
		return nil
	}
	return &ExecError{Kind: kind, Message: msg}
}
