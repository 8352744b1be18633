package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"syscall"

	"github.com/seantiz/taskworker/internal/wire"
)

// IoErrorKind classifies an I/O failure for transport across the wire.
// The numeric values are part of the wire format.
type IoErrorKind uint64

// I/O error kinds.
const (
	KindOther IoErrorKind = iota
	KindNotFound
	KindPermissionDenied
	KindConnectionRefused
	KindConnectionReset
	KindConnectionAborted
	KindNotConnected
	KindAddrInUse
	KindAddrNotAvailable
	KindBrokenPipe
	KindAlreadyExists
	KindWouldBlock
	KindInvalidInput
	KindInvalidData
	KindTimedOut
	KindWriteZero
	KindInterrupted
	KindUnexpectedEOF

	numIoErrorKinds
)

var kindNames = [...]string{
	KindOther:             "other",
	KindNotFound:          "not found",
	KindPermissionDenied:  "permission denied",
	KindConnectionRefused: "connection refused",
	KindConnectionReset:   "connection reset",
	KindConnectionAborted: "connection aborted",
	KindNotConnected:      "not connected",
	KindAddrInUse:         "address in use",
	KindAddrNotAvailable:  "address not available",
	KindBrokenPipe:        "broken pipe",
	KindAlreadyExists:     "already exists",
	KindWouldBlock:        "operation would block",
	KindInvalidInput:      "invalid input",
	KindInvalidData:       "invalid data",
	KindTimedOut:          "timed out",
	KindWriteZero:         "write zero",
	KindInterrupted:       "interrupted",
	KindUnexpectedEOF:     "unexpected end of file",
}

func (k IoErrorKind) String() string {
	if k < numIoErrorKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("IoErrorKind(%d)", uint64(k))
}

// ErrInvalidData is the local form of KindInvalidData.
var ErrInvalidData = errors.New("invalid data")

// sentinels maps each kind to the local error it reconstructs into.
// KindOther has no sentinel.
var sentinels = map[IoErrorKind]error{
	KindNotFound:          fs.ErrNotExist,
	KindPermissionDenied:  fs.ErrPermission,
	KindConnectionRefused: syscall.ECONNREFUSED,
	KindConnectionReset:   syscall.ECONNRESET,
	KindConnectionAborted: syscall.ECONNABORTED,
	KindNotConnected:      syscall.ENOTCONN,
	KindAddrInUse:         syscall.EADDRINUSE,
	KindAddrNotAvailable:  syscall.EADDRNOTAVAIL,
	KindBrokenPipe:        io.ErrClosedPipe,
	KindAlreadyExists:     fs.ErrExist,
	KindWouldBlock:        syscall.EAGAIN,
	KindInvalidInput:      fs.ErrInvalid,
	KindInvalidData:       ErrInvalidData,
	KindTimedOut:          os.ErrDeadlineExceeded,
	KindWriteZero:         io.ErrShortWrite,
	KindInterrupted:       syscall.EINTR,
	KindUnexpectedEOF:     io.ErrUnexpectedEOF,
}

// classify is checked in order; the first match wins.
var classify = []struct {
	target error
	kind   IoErrorKind
}{
	{io.EOF, KindUnexpectedEOF},
	{io.ErrUnexpectedEOF, KindUnexpectedEOF},
	{io.ErrShortWrite, KindWriteZero},
	{io.ErrClosedPipe, KindBrokenPipe},
	{syscall.EPIPE, KindBrokenPipe},
	{fs.ErrNotExist, KindNotFound},
	{fs.ErrPermission, KindPermissionDenied},
	{fs.ErrExist, KindAlreadyExists},
	{fs.ErrInvalid, KindInvalidInput},
	{syscall.EINVAL, KindInvalidInput},
	{ErrInvalidData, KindInvalidData},
	{os.ErrDeadlineExceeded, KindTimedOut},
	{context.DeadlineExceeded, KindTimedOut},
	{syscall.ETIMEDOUT, KindTimedOut},
	{syscall.ECONNREFUSED, KindConnectionRefused},
	{syscall.ECONNRESET, KindConnectionReset},
	{syscall.ECONNABORTED, KindConnectionAborted},
	{syscall.ENOTCONN, KindNotConnected},
	{net.ErrClosed, KindNotConnected},
	{syscall.EADDRINUSE, KindAddrInUse},
	{syscall.EADDRNOTAVAIL, KindAddrNotAvailable},
	{syscall.EAGAIN, KindWouldBlock},
	{syscall.EINTR, KindInterrupted},
	{context.Canceled, KindInterrupted},
}

// IoError is an I/O failure reported by the peer for one stream operation.
type IoError struct {
	Kind    IoErrorKind
	Message string
}

// NewIoError returns an IoError of the given kind.
func NewIoError(kind IoErrorKind, msg string) *IoError {
	return &IoError{Kind: kind, Message: msg}
}

// IoErrorFromError maps a local error to exactly one IoErrorKind.
// It returns nil for a nil error.
func IoErrorFromError(err error) *IoError {
	if err == nil {
		return nil
	}
	var ioErr *IoError
	if errors.As(err, &ioErr) {
		return ioErr
	}
	for _, c := range classify {
		if errors.Is(err, c.target) {
			return &IoError{Kind: c.kind, Message: err.Error()}
		}
	}
	return &IoError{Kind: KindOther, Message: err.Error()}
}

func (e *IoError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

// Unwrap returns the local sentinel equivalent to the error kind, so callers
// can use errors.Is(err, fs.ErrNotExist) and friends on remote failures.
func (e *IoError) Unwrap() error {
	return sentinels[e.Kind]
}

func (e *IoError) encode(enc *wire.Encoder) {
	enc.Usize(uint64(e.Kind))
	enc.Str(e.Message)
}

func decodeIoError(d *wire.Decoder) *IoError {
	kind := IoErrorKind(d.Usize())
	msg := d.Str()
	if d.Err() != nil {
		return nil
	}
	if kind >= numIoErrorKinds {
		d.Fail(fmt.Errorf("%w: io error kind %d", ErrUnknownVariant, uint64(kind)))
		return nil
	}
	return &IoError{Kind: kind, Message: msg}
}
