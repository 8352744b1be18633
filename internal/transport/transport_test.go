package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Spec
		wantErr bool
	}{
		{"stdio", Spec{Kind: KindStdio}, false},
		{" stdio ", Spec{Kind: KindStdio}, false},
		{"unix:/tmp/tw.sock", Spec{Kind: KindUnix, Path: "/tmp/tw.sock"}, false},
		{"vsock:2048", Spec{Kind: KindVsock, Port: 2048}, false},
		{"vsock", Spec{Kind: KindVsock, Port: DefaultVsockPort}, false},
		{"stdio:x", Spec{}, true},
		{"unix:", Spec{}, true},
		{"vsock:abc", Spec{}, true},
		{"vsock:99999999999", Spec{}, true},
		{"tcp:1234", Spec{}, true},
		{"", Spec{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrBadSpec) {
					t.Fatalf("Parse(%q) error = %v, want ErrBadSpec", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if round, _ := Parse(got.String()); round != got {
				t.Errorf("String() = %q does not round trip", got.String())
			}
		})
	}
}

func TestOpenUnixAcceptsOnePeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tw.sock")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type opened struct {
		rwc io.ReadWriteCloser
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		rwc, err := Open(ctx, "unix:"+path)
		ch <- opened{rwc, err}
	}()

	var client net.Conn
	for {
		c, err := net.Dial("unix", path)
		if err == nil {
			client = c
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("dial: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	defer client.Close()

	got := <-ch
	if got.err != nil {
		t.Fatalf("Open: %v", got.err)
	}
	defer got.rwc.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(got.rwc, buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("read %q, want %q", buf, "ping")
	}

	// The listener is gone once the single peer is accepted.
	if c, err := net.Dial("unix", path); err == nil {
		c.Close()
		t.Error("second dial succeeded, want listener closed")
	}
}

func TestOpenUnixCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tw.sock")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := Open(ctx, "unix:"+path)
		errCh <- err
	}()

	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Open error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return after cancel")
	}
}

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestPipeClosesBothEnds(t *testing.T) {
	r := &closeRecorder{}
	w := &closeRecorder{}
	r.WriteString("in")

	p := Pipe(r, w)
	if _, err := p.Write([]byte("out")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := io.ReadAll(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "in" || w.String() != "out" {
		t.Errorf("read %q wrote %q", got, w.String())
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !r.closed || !w.closed {
		t.Errorf("closed reader=%v writer=%v, want both", r.closed, w.closed)
	}
}
