package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Dial connects to a worker that is already listening. target is one of
// "unix:<path>", "vsock:<cid>:<port>" or "fcvsock:<uds>:<port>"; the last
// goes through the Unix socket Firecracker exposes for a microVM's vsock
// device. Failed attempts are retried with exponential backoff.
func Dial(ctx context.Context, target string) (net.Conn, error) {
	dial, err := dialerFor(target)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := dialBaseBackoff
	for attempt := range dialMaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial %s: %w", target, err)
		}

		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial %s: %w", target, ctx.Err())
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", target, dialMaxRetries, lastErr)
}

func dialerFor(target string) (func(context.Context) (net.Conn, error), error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(target), ":")
	switch kind {
	case "unix":
		if arg == "" {
			return nil, fmt.Errorf("%w: unix needs a socket path", ErrBadSpec)
		}
		return func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", arg)
		}, nil
	case "vsock":
		cidStr, portStr, ok := strings.Cut(arg, ":")
		cid, cerr := strconv.ParseUint(cidStr, 10, 32)
		port, perr := strconv.ParseUint(portStr, 10, 32)
		if !ok || cerr != nil || perr != nil {
			return nil, fmt.Errorf("%w: vsock target %q, want <cid>:<port>", ErrBadSpec, arg)
		}
		return func(context.Context) (net.Conn, error) {
			return vsock.Dial(uint32(cid), uint32(port), nil)
		}, nil
	case "fcvsock":
		i := strings.LastIndexByte(arg, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%w: fcvsock target %q, want <uds>:<port>", ErrBadSpec, arg)
		}
		uds := arg[:i]
		port, err := strconv.ParseUint(arg[i+1:], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: fcvsock port %q: %v", ErrBadSpec, arg[i+1:], err)
		}
		return func(ctx context.Context) (net.Conn, error) {
			return dialFirecracker(ctx, uds, uint32(port))
		}, nil
	default:
		return nil, fmt.Errorf("%w: cannot dial %q", ErrBadSpec, kind)
	}
}

// dialFirecracker connects to Firecracker's vsock UDS and performs the
// CONNECT handshake: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialFirecracker(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// The buffered reader may read past the handshake line, so it stays in
	// front of the connection for all later reads.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &bufferedConn{Conn: conn, r: reader}, nil
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// CloseWrite half-closes the underlying connection when it supports that.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
