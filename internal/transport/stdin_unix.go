//go:build unix

package transport

import (
	"io"
	"os"
	"syscall"
)

// stdin returns fd 0 registered with the runtime poller, so that closing it
// interrupts a pending Read. os.Stdin is a blocking file and would not.
func stdin() io.ReadCloser {
	if f := pollable(0, "/dev/stdin"); f != nil {
		return f
	}
	return os.Stdin
}

// pollable switches fd to non-blocking mode and wraps it in a File the runtime
// poller manages. It returns nil if the mode cannot be changed.
func pollable(fd int, name string) *os.File {
	if err := syscall.SetNonblock(fd, true); err != nil {
		return nil
	}
	return os.NewFile(uintptr(fd), name)
}
