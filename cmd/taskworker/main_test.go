//go:build unix

package main

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

const envRunMain = "TASKWORKER_TEST_RUN_MAIN"

// TestMain lets the test binary stand in for taskworker when re-executed.
func TestMain(m *testing.M) {
	if os.Getenv(envRunMain) == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSIGTERMStopsStdioWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a subprocess")
	}

	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(),
		envRunMain+"=1",
		"TASKWORKER_TRANSPORT=stdio",
		"TASKWORKER_SHUTDOWN_TIMEOUT=1s",
		"TASKWORKER_LOG_LEVEL=info",
		"TASKWORKER_DIAG_ADDR=",
		"TASKWORKER_HISTORY_DB=",
		"TASKWORKER_PROTO_DEBUG=",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	defer stdin.Close()
	cmd.Stdout = io.Discard
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	// Signal handlers are installed before the transport is opened.
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(stderr.String(), "orchestrator connected") {
		if time.Now().After(deadline) {
			cmd.Process.Kill()
			t.Fatalf("worker never connected; stderr:\n%s", stderr.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker exited with %v; stderr:\n%s", err, stderr.String())
		}
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		<-done
		t.Fatalf("worker still running 5s after SIGTERM with 1s shutdown timeout; stderr:\n%s", stderr.String())
	}
}
