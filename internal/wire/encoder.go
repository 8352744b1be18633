package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"
	"unicode/utf8"
)

// MaxBytes bounds the length of a single byte array or string on the wire (16 MiB).
const MaxBytes = 16 << 20

// boolTrue is the canonical encoding of true. Decoders accept any nonzero byte.
const boolTrue = 0xFF

// Encoder writes wire primitives to an underlying stream.
//
// Writes are buffered until Flush. The first write error is sticky: later
// calls are no-ops and Flush reports it, so a message can be encoded field by
// field with a single error check at the end.
type Encoder struct {
	w       *bufio.Writer
	scratch [binary.MaxVarintLen64]byte
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Flush writes any buffered bytes to the underlying stream.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// U8 writes a single byte.
func (e *Encoder) U8(v uint8) {
	e.w.WriteByte(v)
}

// U32 writes v as 4 little-endian bytes.
func (e *Encoder) U32(v uint32) {
	b := binary.LittleEndian.AppendUint32(e.scratch[:0], v)
	e.w.Write(b)
}

// U64 writes v as 8 little-endian bytes.
func (e *Encoder) U64(v uint64) {
	b := binary.LittleEndian.AppendUint64(e.scratch[:0], v)
	e.w.Write(b)
}

// Usize writes v as unsigned LEB128: 7 data bits per byte, high bit set on
// every byte except the last.
func (e *Encoder) Usize(v uint64) {
	n := binary.PutUvarint(e.scratch[:], v)
	e.w.Write(e.scratch[:n])
}

// Bool writes 0xFF for true and 0x00 for false.
func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(boolTrue)
		return
	}
	e.U8(0)
}

// Str writes the length of s in code points followed by its UTF-8 bytes.
func (e *Encoder) Str(s string) {
	e.Usize(uint64(utf8.RuneCountInString(s)))
	e.w.WriteString(s)
}

// Bytes writes a length-prefixed byte array.
func (e *Encoder) Bytes(b []byte) {
	e.Usize(uint64(len(b)))
	e.w.Write(b)
}

// Strings writes a length-prefixed sequence of strings.
func (e *Encoder) Strings(ss []string) {
	e.Usize(uint64(len(ss)))
	for _, s := range ss {
		e.Str(s)
	}
}

// Duration writes d as whole seconds (u64) and the nanosecond remainder (u32).
// Negative durations are written as zero.
func (e *Encoder) Duration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.U64(uint64(d / time.Second))
	e.U32(uint32(d % time.Second))
}

// OptionU32 writes an absent marker for nil, otherwise a present marker and *v.
func (e *Encoder) OptionU32(v *uint32) {
	PutOption(e, v, (*Encoder).U32)
}

// PutOption writes a usize discriminant (0 absent, 1 present) followed by the
// value when present.
func PutOption[T any](e *Encoder, v *T, put func(*Encoder, T)) {
	if v == nil {
		e.Usize(0)
		return
	}
	e.Usize(1)
	put(e, *v)
}
