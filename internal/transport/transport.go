// Package transport opens the duplex byte stream shared with the orchestrator.
//
// Every transport carries exactly one peer: listening transports accept a
// single connection and close the listener before returning.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// DefaultVsockPort is the port a worker listens on when a vsock spec names none.
const DefaultVsockPort uint32 = 1024

// ErrBadSpec is returned when a transport spec cannot be parsed.
var ErrBadSpec = errors.New("bad transport spec")

// Kind names a transport family.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindUnix  Kind = "unix"
	KindVsock Kind = "vsock"
)

// Spec is a parsed transport spec such as "stdio", "unix:/run/tw.sock" or "vsock:1024".
type Spec struct {
	Kind Kind
	Path string
	Port uint32
}

// Parse parses a transport spec string.
func Parse(s string) (Spec, error) {
	kind, arg, hasArg := strings.Cut(strings.TrimSpace(s), ":")
	switch Kind(kind) {
	case KindStdio:
		if hasArg {
			return Spec{}, fmt.Errorf("%w: stdio takes no argument", ErrBadSpec)
		}
		return Spec{Kind: KindStdio}, nil
	case KindUnix:
		if arg == "" {
			return Spec{}, fmt.Errorf("%w: unix needs a socket path", ErrBadSpec)
		}
		return Spec{Kind: KindUnix, Path: arg}, nil
	case KindVsock:
		if arg == "" {
			return Spec{Kind: KindVsock, Port: DefaultVsockPort}, nil
		}
		port, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: vsock port %q: %v", ErrBadSpec, arg, err)
		}
		return Spec{Kind: KindVsock, Port: uint32(port)}, nil
	default:
		return Spec{}, fmt.Errorf("%w: unknown transport %q", ErrBadSpec, kind)
	}
}

func (s Spec) String() string {
	switch s.Kind {
	case KindUnix:
		return "unix:" + s.Path
	case KindVsock:
		return "vsock:" + strconv.FormatUint(uint64(s.Port), 10)
	default:
		return string(s.Kind)
	}
}

// Open parses spec and opens the stream it names. Listening transports block
// until the peer connects or ctx is cancelled.
func Open(ctx context.Context, spec string) (io.ReadWriteCloser, error) {
	s, err := Parse(spec)
	if err != nil {
		return nil, err
	}
	switch s.Kind {
	case KindStdio:
		return Pipe(stdin(), os.Stdout), nil
	case KindUnix:
		l, err := net.Listen("unix", s.Path)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", s, err)
		}
		return acceptOne(ctx, l)
	case KindVsock:
		l, err := vsock.Listen(s.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", s.Port, err)
		}
		return acceptOne(ctx, l)
	}
	return nil, fmt.Errorf("%w: %s", ErrBadSpec, spec)
}

// acceptOne accepts a single connection from l and closes l.
func acceptOne(ctx context.Context, l net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	conn, err := l.Accept()
	l.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("accept on %s: %w", l.Addr(), ctx.Err())
		}
		return nil, fmt.Errorf("accept on %s: %w", l.Addr(), err)
	}
	return conn, nil
}

// Pipe joins a reader and a writer into one stream. Close closes both ends
// that implement io.Closer.
func Pipe(r io.Reader, w io.Writer) io.ReadWriteCloser {
	return &pipe{Reader: r, Writer: w}
}

type pipe struct {
	io.Reader
	io.Writer
}

func (p *pipe) Close() error {
	var errs []error
	if c, ok := p.Writer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := p.Reader.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
