// Command taskrun starts a taskworker subprocess, runs one work unit on it
// with this process's stdio wired through, and waits for it to finish.
//
// Usage: taskrun [-worker path | -connect target] [-timeout d] <unit> [args...]
//
// With -connect, taskrun attaches to a worker that is already listening, for
// example "unix:/run/taskworker.sock" or "fcvsock:/srv/vm/v.sock:1024" for a
// worker inside a Firecracker microVM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/taskworker/internal/config"
	"github.com/seantiz/taskworker/internal/host"
	"github.com/seantiz/taskworker/internal/protocol"
	"github.com/seantiz/taskworker/internal/transport"
)

const (
	exitFailure  = 1
	exitExecErr  = 2
	exitTimedOut = 124
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(args []string) int {
	fs := flag.NewFlagSet("taskrun", flag.ContinueOnError)
	workerPath := fs.String("worker", "taskworker", "path to the taskworker binary")
	connect := fs.String("connect", "", "dial a listening worker instead of spawning one")
	timeout := fs.Duration("timeout", 0, "give up waiting after this long (0 waits forever)")
	logLevel := fs.String("log-level", "warn", "log level for taskrun and the worker")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: taskrun [flags] <unit> [args...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return exitFailure
	}

	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(*logLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		w   workerConn
		err error
	)
	if *connect != "" {
		w, err = dialWorker(ctx, *connect)
	} else {
		w, err = spawnWorker(*workerPath, *logLevel, logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskrun: %v\n", err)
		return exitFailure
	}

	code, err := run(ctx, w, fs.Arg(0), fs.Args()[1:], *timeout, logger)
	if err != nil {
		var execErr *protocol.ExecError
		if errors.As(err, &execErr) {
			fmt.Fprintf(os.Stderr, "taskrun: %v\n", execErr)
			return exitExecErr
		}
		fmt.Fprintf(os.Stderr, "taskrun: %v\n", err)
		return exitFailure
	}
	return code
}

// workerConn is the stream to a worker plus whatever must happen once the
// orchestrator side has hung up.
type workerConn struct {
	r       io.Reader
	w       io.WriteCloser
	release func() error
}

func spawnWorker(workerPath, logLevel string, logger *slog.Logger) (workerConn, error) {
	cmd := exec.Command(workerPath)
	cmd.Env = append(os.Environ(), "TASKWORKER_TRANSPORT=stdio", "TASKWORKER_LOG_LEVEL="+logLevel)
	cmd.Stderr = os.Stderr

	toWorker, err := cmd.StdinPipe()
	if err != nil {
		return workerConn{}, fmt.Errorf("worker stdin: %w", err)
	}
	fromWorker, err := cmd.StdoutPipe()
	if err != nil {
		return workerConn{}, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return workerConn{}, fmt.Errorf("start worker: %w", err)
	}
	logger.Debug("worker started", "pid", cmd.Process.Pid)

	return workerConn{r: fromWorker, w: toWorker, release: cmd.Wait}, nil
}

func dialWorker(ctx context.Context, target string) (workerConn, error) {
	conn, err := transport.Dial(ctx, target)
	if err != nil {
		return workerConn{}, err
	}
	// Half-close so replies still in flight can be read after hanging up.
	var w io.WriteCloser = conn
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		w = writeHalf{Writer: conn, closeWrite: cw.CloseWrite}
	}
	return workerConn{r: conn, w: w, release: conn.Close}, nil
}

type writeHalf struct {
	io.Writer
	closeWrite func() error
}

func (w writeHalf) Close() error { return w.closeWrite() }

func run(ctx context.Context, wc workerConn, unit string, params []string, timeout time.Duration, logger *slog.Logger) (int, error) {
	h := host.New(wc.r, wc.w, host.Options{Logger: config.WithComponent(logger, "host")})
	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(context.Background()) }()

	// Closing the stream is the worker's signal to finish.
	defer func() {
		wc.w.Close()
		if err := <-serveErr; err != nil {
			logger.Warn("host reader loop", "error", err)
		}
		if err := wc.release(); err != nil {
			logger.Warn("worker exited", "error", err)
		}
	}()

	task, err := h.Exec(ctx, host.Command{
		Main:   unit,
		Params: params,
		Stdout: host.Inherit,
		Stderr: host.Inherit,
		Stdin:  host.Inherit,
	})
	if err != nil {
		return exitFailure, err
	}
	logger.Debug("task started", "task_id", task.ID, "unit", unit)

	var limit *time.Duration
	if timeout > 0 {
		limit = &timeout
	}
	timedOut, err := h.Wait(ctx, task.ID, limit)
	if err != nil {
		return exitFailure, fmt.Errorf("wait for task %d: %w", task.ID, err)
	}
	if timedOut {
		fmt.Fprintf(os.Stderr, "taskrun: %s still running after %v\n", unit, timeout)
		return exitTimedOut, nil
	}
	return 0, nil
}
