// Package protocol defines the two message sets exchanged between the
// orchestrator and the worker over the shared duplex stream.
//
// Every message starts with a usize discriminant selecting the variant and
// carries a correlation tag. There is no outer framing: each variant's fields
// determine its length. Both directions can be encoded and decoded so the
// orchestrator side reuses the same definitions.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/taskworker/internal/wire"
)

// DefaultOutputStream is the reserved stream id for the process-wide default output.
const DefaultOutputStream uint32 = 0xFFFFFFFF

// ErrUnknownVariant is returned when a discriminant names no known variant.
var ErrUnknownVariant = errors.New("unknown variant")

// Orchestrator→worker discriminants.
const (
	discExec uint64 = iota
	discWriteResult
	discReadResult
	discWait
	discCloseResult
)

// Worker→orchestrator discriminants.
const (
	discExecResult uint64 = iota
	discWrite
	discRead
	discWaitResult
	discClose
)

// result<T, E> discriminants.
const (
	resultOk  uint8 = 0
	resultErr uint8 = 1
)

// Message is implemented by every variant of both message sets.
type Message interface {
	// Encode writes the discriminant and all fields.
	Encode(enc *wire.Encoder)
	// MessageTag returns the correlation tag.
	MessageTag() uint32
	// Name returns the variant name, used for logs and metrics.
	Name() string
}

// ToWorker is a message sent by the orchestrator to the worker.
type ToWorker interface {
	Message
	toWorker()
}

// FromWorker is a message sent by the worker to the orchestrator.
type FromWorker interface {
	Message
	fromWorker()
}

// Exec asks the worker to start a task.
type Exec struct {
	Tag    uint32
	Main   string
	Params []string
	Stdout *uint32
	Stderr *uint32
	Stdin  *uint32
}

// WriteResult answers a Write with the number of bytes accepted.
type WriteResult struct {
	Tag uint32
	N   uint64
	Err *IoError
}

// ReadResult answers a Read with the bytes read. An empty Data with no error
// means end of stream.
type ReadResult struct {
	Tag    uint32
	Stream uint32
	Data   []byte
	Err    *IoError
}

// Wait asks to be notified when a task completes, optionally giving up after Timeout.
type Wait struct {
	Tag     uint32
	Task    uint32
	Timeout *time.Duration
}

// CloseResult answers a Close.
type CloseResult struct {
	Tag uint32
	Err *IoError
}

// TaskInfo identifies a started task.
type TaskInfo struct {
	TaskID uint32
}

// ExecResult answers an Exec. Exactly one of Task and Err is meaningful:
// Err is nil on success.
type ExecResult struct {
	Tag  uint32
	Task TaskInfo
	Err  *ExecError
}

// Write asks the orchestrator to write Data to Stream.
type Write struct {
	Tag    uint32
	Stream uint32
	Data   []byte
}

// Read asks the orchestrator for up to Size bytes from Stream.
type Read struct {
	Tag    uint32
	Stream uint32
	Size   uint32
}

// WaitResult answers a Wait. TimedOut is false when the task completed.
type WaitResult struct {
	Tag      uint32
	TimedOut bool
}

// Close asks the orchestrator to close Stream.
type Close struct {
	Tag    uint32
	Stream uint32
}

func (Exec) toWorker()        {}
func (WriteResult) toWorker() {}
func (ReadResult) toWorker()  {}
func (Wait) toWorker()        {}
func (CloseResult) toWorker() {}

func (ExecResult) fromWorker() {}
func (Write) fromWorker()      {}
func (Read) fromWorker()       {}
func (WaitResult) fromWorker() {}
func (Close) fromWorker()      {}

func (m Exec) MessageTag() uint32        { return m.Tag }
func (m WriteResult) MessageTag() uint32 { return m.Tag }
func (m ReadResult) MessageTag() uint32  { return m.Tag }
func (m Wait) MessageTag() uint32        { return m.Tag }
func (m CloseResult) MessageTag() uint32 { return m.Tag }
func (m ExecResult) MessageTag() uint32  { return m.Tag }
func (m Write) MessageTag() uint32       { return m.Tag }
func (m Read) MessageTag() uint32        { return m.Tag }
func (m WaitResult) MessageTag() uint32  { return m.Tag }
func (m Close) MessageTag() uint32       { return m.Tag }

func (Exec) Name() string        { return "exec" }
func (WriteResult) Name() string { return "write_result" }
func (ReadResult) Name() string  { return "read_result" }
func (Wait) Name() string        { return "wait" }
func (CloseResult) Name() string { return "close_result" }
func (ExecResult) Name() string  { return "exec_result" }
func (Write) Name() string       { return "write" }
func (Read) Name() string        { return "read" }
func (WaitResult) Name() string  { return "wait_result" }
func (Close) Name() string       { return "close" }

func (m Exec) Encode(enc *wire.Encoder) {
	enc.Usize(discExec)
	enc.U32(m.Tag)
	enc.Str(m.Main)
	enc.Strings(m.Params)
	enc.OptionU32(m.Stdout)
	enc.OptionU32(m.Stderr)
	enc.OptionU32(m.Stdin)
}

func (m WriteResult) Encode(enc *wire.Encoder) {
	enc.Usize(discWriteResult)
	enc.U32(m.Tag)
	encodeResult(enc, m.Err, func() { enc.Usize(m.N) })
}

func (m ReadResult) Encode(enc *wire.Encoder) {
	enc.Usize(discReadResult)
	enc.U32(m.Tag)
	enc.U32(m.Stream)
	encodeResult(enc, m.Err, func() { enc.Bytes(m.Data) })
}

func (m Wait) Encode(enc *wire.Encoder) {
	enc.Usize(discWait)
	enc.U32(m.Tag)
	enc.U32(m.Task)
	wire.PutOption(enc, m.Timeout, (*wire.Encoder).Duration)
}

func (m CloseResult) Encode(enc *wire.Encoder) {
	enc.Usize(discCloseResult)
	enc.U32(m.Tag)
	encodeResult(enc, m.Err, func() {})
}

func (m ExecResult) Encode(enc *wire.Encoder) {
	enc.Usize(discExecResult)
	enc.U32(m.Tag)
	if m.Err != nil {
		enc.U8(resultErr)
		m.Err.encode(enc)
		return
	}
	enc.U8(resultOk)
	enc.U32(m.Task.TaskID)
}

func (m Write) Encode(enc *wire.Encoder) {
	enc.Usize(discWrite)
	enc.U32(m.Tag)
	enc.U32(m.Stream)
	enc.Bytes(m.Data)
}

func (m Read) Encode(enc *wire.Encoder) {
	enc.Usize(discRead)
	enc.U32(m.Tag)
	enc.U32(m.Stream)
	enc.U32(m.Size)
}

func (m WaitResult) Encode(enc *wire.Encoder) {
	enc.Usize(discWaitResult)
	enc.U32(m.Tag)
	enc.Bool(m.TimedOut)
}

func (m Close) Encode(enc *wire.Encoder) {
	enc.Usize(discClose)
	enc.U32(m.Tag)
	enc.U32(m.Stream)
}

// encodeResult writes result<T, IoError>; ok writes the success payload.
func encodeResult(enc *wire.Encoder, err *IoError, ok func()) {
	if err != nil {
		enc.U8(resultErr)
		err.encode(enc)
		return
	}
	enc.U8(resultOk)
	ok()
}

// decodeResult reads a result discriminant. It returns the decoded error for
// the Err variant; for the Ok variant it calls ok to read the payload.
func decodeResult(d *wire.Decoder, ok func()) *IoError {
	switch disc := d.U8(); {
	case d.Err() != nil:
		return nil
	case disc == resultOk:
		ok()
		return nil
	case disc == resultErr:
		return decodeIoError(d)
	default:
		d.Fail(fmt.Errorf("%w: result %d", ErrUnknownVariant, disc))
		return nil
	}
}

// DecodeToWorker reads one orchestrator→worker message.
// At a clean end of stream it returns io.EOF.
func DecodeToWorker(d *wire.Decoder) (ToWorker, error) {
	d.Begin()
	disc := d.Usize()
	if err := d.Err(); err != nil {
		return nil, err
	}

	var msg ToWorker
	switch disc {
	case discExec:
		m := Exec{Tag: d.U32(), Main: d.Str(), Params: d.Strings()}
		m.Stdout = d.OptionU32()
		m.Stderr = d.OptionU32()
		m.Stdin = d.OptionU32()
		msg = m
	case discWriteResult:
		m := WriteResult{Tag: d.U32()}
		m.Err = decodeResult(d, func() { m.N = d.Usize() })
		msg = m
	case discReadResult:
		m := ReadResult{Tag: d.U32(), Stream: d.U32()}
		m.Err = decodeResult(d, func() { m.Data = d.Bytes() })
		msg = m
	case discWait:
		m := Wait{Tag: d.U32(), Task: d.U32()}
		m.Timeout = wire.GetOption(d, (*wire.Decoder).Duration)
		msg = m
	case discCloseResult:
		m := CloseResult{Tag: d.U32()}
		m.Err = decodeResult(d, func() {})
		msg = m
	default:
		return nil, fmt.Errorf("%w: to-worker discriminant %d", ErrUnknownVariant, disc)
	}

	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Name(), err)
	}
	return msg, nil
}

// DecodeFromWorker reads one worker→orchestrator message.
// At a clean end of stream it returns io.EOF.
func DecodeFromWorker(d *wire.Decoder) (FromWorker, error) {
	d.Begin()
	disc := d.Usize()
	if err := d.Err(); err != nil {
		return nil, err
	}

	var msg FromWorker
	switch disc {
	case discExecResult:
		m := ExecResult{Tag: d.U32()}
		switch r := d.U8(); {
		case d.Err() != nil:
		case r == resultOk:
			m.Task.TaskID = d.U32()
		case r == resultErr:
			m.Err = decodeExecError(d)
		default:
			d.Fail(fmt.Errorf("%w: result %d", ErrUnknownVariant, r))
		}
		msg = m
	case discWrite:
		msg = Write{Tag: d.U32(), Stream: d.U32(), Data: d.Bytes()}
	case discRead:
		msg = Read{Tag: d.U32(), Stream: d.U32(), Size: d.U32()}
	case discWaitResult:
		msg = WaitResult{Tag: d.U32(), TimedOut: d.Bool()}
	case discClose:
		msg = Close{Tag: d.U32(), Stream: d.U32()}
	default:
		return nil, fmt.Errorf("%w: from-worker discriminant %d", ErrUnknownVariant, disc)
	}

	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Name(), err)
	}
	return msg, nil
}
