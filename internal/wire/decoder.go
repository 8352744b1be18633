package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrOverflow is returned when a usize does not fit in 64 bits.
	ErrOverflow = errors.New("usize overflows 64 bits")

	// ErrTooLarge is returned when a length prefix exceeds MaxBytes.
	ErrTooLarge = errors.New("length exceeds maximum")

	// ErrBadDiscriminant is returned for an option discriminant other than 0 or 1.
	ErrBadDiscriminant = errors.New("invalid discriminant")
)

// Decoder reads wire primitives from an underlying stream.
//
// Like Encoder, errors are sticky: once a read fails every later call returns
// the zero value and Err reports the first failure.
type Decoder struct {
	r    *bufio.Reader
	err  error
	read int64
	mark int64
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br}
}

// Err returns the first error encountered.
func (d *Decoder) Err() error {
	return d.err
}

// Begin marks the start of a message. An end of stream before any byte of the
// message is read is reported as io.EOF; one after the first byte is reported
// as io.ErrUnexpectedEOF.
func (d *Decoder) Begin() {
	d.mark = d.read
}

// Fail records err unless an earlier error is already recorded.
func (d *Decoder) Fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) eof(err error) error {
	if errors.Is(err, io.EOF) && d.read > d.mark {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (d *Decoder) full(n int) []byte {
	if d.err != nil {
		return nil
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(d.r, buf)
	d.read += int64(got)
	if err != nil {
		if got == 0 {
			err = d.eof(err)
		}
		d.Fail(err)
		return nil
	}
	return buf
}

// U8 reads a single byte.
func (d *Decoder) U8() uint8 {
	if d.err != nil {
		return 0
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.Fail(d.eof(err))
		return 0
	}
	d.read++
	return b
}

// U32 reads 4 little-endian bytes.
func (d *Decoder) U32() uint32 {
	b := d.full(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// U64 reads 8 little-endian bytes.
func (d *Decoder) U64() uint64 {
	b := d.full(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Usize reads an unsigned LEB128 value.
func (d *Decoder) Usize() uint64 {
	var v uint64
	for shift := uint(0); ; shift += 7 {
		b := d.U8()
		if d.err != nil {
			return 0
		}
		if shift > 63 || shift == 63 && b&0x7F > 1 {
			d.Fail(ErrOverflow)
			return 0
		}
		v |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return v
		}
	}
}

// Bool reads one byte; any nonzero value is true.
func (d *Decoder) Bool() bool {
	return d.U8() != 0
}

func (d *Decoder) length() int {
	n := d.Usize()
	if d.err != nil {
		return 0
	}
	if n > MaxBytes {
		d.Fail(fmt.Errorf("%w: %d > %d", ErrTooLarge, n, MaxBytes))
		return 0
	}
	return int(n)
}

// Str reads a code point count followed by that many UTF-8 encoded code points.
func (d *Decoder) Str() string {
	n := d.length()
	if d.err != nil || n == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(n)
	for range n {
		r, size, err := d.r.ReadRune()
		if err != nil {
			d.Fail(d.eof(err))
			return ""
		}
		d.read += int64(size)
		sb.WriteRune(r)
	}
	return sb.String()
}

// Bytes reads a length-prefixed byte array.
func (d *Decoder) Bytes() []byte {
	n := d.length()
	if d.err != nil {
		return nil
	}
	if n == 0 {
		return []byte{}
	}
	return d.full(n)
}

// Strings reads a length-prefixed sequence of strings.
func (d *Decoder) Strings() []string {
	n := d.length()
	if d.err != nil {
		return nil
	}
	ss := make([]string, 0, min(n, 64))
	for range n {
		s := d.Str()
		if d.err != nil {
			return nil
		}
		ss = append(ss, s)
	}
	return ss
}

// Duration reads whole seconds (u64) and a nanosecond remainder (u32).
func (d *Decoder) Duration() time.Duration {
	secs := d.U64()
	nanos := d.U32()
	if d.err != nil {
		return 0
	}
	const maxSecs = uint64(1<<63-1) / uint64(time.Second)
	if secs > maxSecs {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(secs)*time.Second + time.Duration(nanos)
}

// OptionU32 reads an optional u32. It returns nil when absent.
func (d *Decoder) OptionU32() *uint32 {
	return GetOption(d, (*Decoder).U32)
}

// GetOption reads a usize discriminant and, when present, a value using get.
func GetOption[T any](d *Decoder, get func(*Decoder) T) *T {
	switch disc := d.Usize(); {
	case d.err != nil:
		return nil
	case disc == 0:
		return nil
	case disc == 1:
		v := get(d)
		if d.err != nil {
			return nil
		}
		return &v
	default:
		d.Fail(fmt.Errorf("%w: option %d", ErrBadDiscriminant, disc))
		return nil
	}
}
