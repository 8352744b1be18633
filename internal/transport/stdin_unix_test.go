//go:build unix

package transport

import (
	"os"
	"syscall"
	"testing"
	"time"
)

func TestPollableCloseInterruptsRead(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	fd, err := syscall.Dup(int(r.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	f := pollable(fd, "pipe")
	if f == nil {
		syscall.Close(fd)
		t.Fatal("pollable returned nil for a pipe")
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := f.Read(make([]byte, 8))
		readErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-readErr:
		if err == nil {
			t.Error("Read returned nil error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt the pending Read")
	}
}
