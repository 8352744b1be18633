package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/taskworker/internal/dispatch"
	"github.com/seantiz/taskworker/internal/entry"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/pending"
	"github.com/seantiz/taskworker/internal/protocol"
	"github.com/seantiz/taskworker/internal/stdio"
	"github.com/seantiz/taskworker/internal/store"
)

// recordingRemote accepts every request and records the order of operations.
type recordingRemote struct {
	mu    sync.Mutex
	tag   uint32
	ops   []string
	data  map[uint32]*bytes.Buffer
	input map[uint32]*strings.Reader
}

func newRecordingRemote() *recordingRemote {
	return &recordingRemote{data: make(map[uint32]*bytes.Buffer), input: make(map[uint32]*strings.Reader)}
}

func resolved[T any](tag uint32, v T) *pending.Result[T] {
	g := pending.NewRegistry[T]()
	r := g.Start(tag)
	g.Finish(tag, v)
	return r
}

func (r *recordingRemote) Write(stream uint32, data []byte) *pending.Result[uint64] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tag++
	r.ops = append(r.ops, "write")
	if r.data[stream] == nil {
		r.data[stream] = &bytes.Buffer{}
	}
	r.data[stream].Write(data)
	return resolved(r.tag, uint64(len(data)))
}

func (r *recordingRemote) Read(stream uint32, size uint32) *pending.Result[[]byte] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tag++
	buf := make([]byte, size)
	n := 0
	if in := r.input[stream]; in != nil {
		n, _ = in.Read(buf)
	}
	return resolved(r.tag, buf[:n])
}

func (r *recordingRemote) Close(stream uint32) *pending.Result[struct{}] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tag++
	r.ops = append(r.ops, "close")
	return resolved(r.tag, struct{}{})
}

func (r *recordingRemote) written(stream uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.data[stream]; b != nil {
		return b.String()
	}
	return ""
}

// countingResolver counts resolution attempts.
type countingResolver struct {
	mu       sync.Mutex
	inner    entry.Resolver
	attempts map[string]int
}

func (c *countingResolver) Resolve(ctx context.Context, name string) (entry.Main, error) {
	c.mu.Lock()
	c.attempts[name]++
	c.mu.Unlock()
	return c.inner.Resolve(ctx, name)
}

func (c *countingResolver) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[name]
}

type fixture struct {
	d        *dispatch.Dispatcher
	remote   *recordingRemote
	resolver *countingResolver
	reg      *entry.Registry
	mux      *stdio.Mux
}

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	reg := entry.NewRegistry()
	mux := stdio.NewMux(stdio.Streams{})
	entry.RegisterBuiltins(reg, mux)

	f := &fixture{
		remote:   newRecordingRemote(),
		resolver: &countingResolver{inner: reg, attempts: make(map[string]int)},
		reg:      reg,
		mux:      mux,
	}
	f.d = dispatch.New(dispatch.Options{
		Resolver: f.resolver,
		Remote:   f.remote,
		Logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Store:    st,
		Session:  "TEST",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.d.Shutdown(ctx)
	})
	return f
}

func u32(v uint32) *uint32 { return &v }

func dur(d time.Duration) *time.Duration { return &d }

func exec(t *testing.T, d *dispatch.Dispatcher, req protocol.Exec) uint32 {
	t.Helper()
	info, execErr := d.Exec(context.Background(), req)
	require.Nil(t, execErr)
	return info.TaskID
}

func recvWithin(t *testing.T, ch <-chan bool, d time.Duration) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(d):
		t.Fatal("wait did not resolve")
		return false
	}
}

// gate returns an entry point that blocks until release is called.
func gate() (entry.Main, func()) {
	ch := make(chan struct{})
	var once sync.Once
	return func(ctx context.Context, _ []string) error {
			select {
			case <-ch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func() {
			once.Do(func() { close(ch) })
		}
}

func TestExecUnknownNameIsCachedInvalidClass(t *testing.T) {
	f := newFixture(t, nil)

	for range 3 {
		_, execErr := f.d.Exec(context.Background(), protocol.Exec{Main: "nope"})
		require.NotNil(t, execErr)
		assert.Equal(t, protocol.ExecInvalidClass, execErr.Kind)
	}
	assert.Equal(t, 1, f.resolver.count("nope"))

	// Registering it later does not help: failures are permanent.
	f.reg.Register("nope", func(context.Context, []string) error { return nil })
	_, execErr := f.d.Exec(context.Background(), protocol.Exec{Main: "nope"})
	require.NotNil(t, execErr)
	assert.Equal(t, 1, f.resolver.count("nope"))

	// No task id was consumed by the failures.
	assert.Equal(t, uint32(0), exec(t, f.d, protocol.Exec{Main: "echo"}))
}

func TestExecErrorKinds(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.Register("hollow", nil)

	_, execErr := f.d.Exec(context.Background(), protocol.Exec{Main: "hollow"})
	require.NotNil(t, execErr)
	assert.Equal(t, protocol.ExecNoMainFn, execErr.Kind)

	broken := dispatch.New(dispatch.Options{
		Resolver: entry.Chain{failingResolver{}},
		Remote:   f.remote,
	})
	_, execErr = broken.Exec(context.Background(), protocol.Exec{Main: "any"})
	require.NotNil(t, execErr)
	assert.Equal(t, protocol.ExecFailure, execErr.Kind)
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (entry.Main, error) {
	return nil, errors.New("compile module: bad magic")
}

func TestExecSuccessIsCached(t *testing.T) {
	f := newFixture(t, nil)

	first := exec(t, f.d, protocol.Exec{Main: "echo"})
	second := exec(t, f.d, protocol.Exec{Main: "echo"})
	assert.Equal(t, first+1, second)
	assert.Equal(t, 1, f.resolver.count("echo"))
}

func TestTaskStdoutWrittenThenClosed(t *testing.T) {
	f := newFixture(t, nil)

	id := exec(t, f.d, protocol.Exec{Main: "echo", Params: []string{"hello"}, Stdout: u32(3)})
	assert.False(t, recvWithin(t, f.d.Wait(id, nil), time.Second))

	assert.Equal(t, "hello\n", f.remote.written(3))
	f.remote.mu.Lock()
	assert.Equal(t, []string{"write", "close"}, f.remote.ops)
	f.remote.mu.Unlock()
}

func TestTaskNeverClosesDefaultOutput(t *testing.T) {
	f := newFixture(t, nil)

	id := exec(t, f.d, protocol.Exec{Main: "echo", Params: []string{"shared"}, Stdout: u32(protocol.DefaultOutputStream)})
	assert.False(t, recvWithin(t, f.d.Wait(id, nil), time.Second))

	assert.Equal(t, "shared\n", f.remote.written(protocol.DefaultOutputStream))
	f.remote.mu.Lock()
	assert.Equal(t, []string{"write"}, f.remote.ops)
	f.remote.mu.Unlock()
}

func TestTaskReadsStdin(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.input[5] = strings.NewReader("from orchestrator")

	id := exec(t, f.d, protocol.Exec{Main: "cat", Stdout: u32(1), Stdin: u32(5)})
	recvWithin(t, f.d.Wait(id, nil), time.Second)
	assert.Equal(t, "from orchestrator", f.remote.written(1))
}

func TestWaitWithoutTimeoutResolvesOnCompletion(t *testing.T) {
	f := newFixture(t, nil)
	main, release := gate()
	f.reg.Register("gated", main)

	id := exec(t, f.d, protocol.Exec{Main: "gated"})
	ch := f.d.Wait(id, nil)

	select {
	case <-ch:
		t.Fatal("wait resolved before the task finished")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	assert.False(t, recvWithin(t, ch, time.Second))
}

func TestWaitTimeoutResolvesOnce(t *testing.T) {
	f := newFixture(t, nil)
	main, release := gate()
	f.reg.Register("gated", main)

	id := exec(t, f.d, protocol.Exec{Main: "gated"})
	short := f.d.Wait(id, dur(10*time.Millisecond))
	long := f.d.Wait(id, nil)

	assert.True(t, recvWithin(t, short, time.Second))

	release()
	assert.False(t, recvWithin(t, long, time.Second))

	select {
	case v := <-short:
		t.Fatalf("timed out wait resolved a second time with %v", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWaitTimeoutLosesToCompletion(t *testing.T) {
	f := newFixture(t, nil)
	main, release := gate()
	f.reg.Register("gated", main)

	id := exec(t, f.d, protocol.Exec{Main: "gated"})
	ch := f.d.Wait(id, dur(time.Hour))
	release()
	assert.False(t, recvWithin(t, ch, time.Second))
}

func TestWaitOnFinishedOrUnknownTask(t *testing.T) {
	f := newFixture(t, nil)

	id := exec(t, f.d, protocol.Exec{Main: "echo"})
	recvWithin(t, f.d.Wait(id, nil), time.Second)

	assert.False(t, recvWithin(t, f.d.Wait(id, dur(time.Hour)), time.Second))
	assert.False(t, recvWithin(t, f.d.Wait(1000, nil), time.Second))
}

func TestPanicIsReportedOnStderr(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.Register("explode", func(context.Context, []string) error { panic("kaboom") })

	id := exec(t, f.d, protocol.Exec{Main: "explode", Stderr: u32(2)})
	assert.False(t, recvWithin(t, f.d.Wait(id, nil), time.Second))

	out := f.remote.written(2)
	assert.Contains(t, out, "failed: panic: kaboom")

	// The worker is still usable.
	exec(t, f.d, protocol.Exec{Main: "echo"})
}

func TestGoroutineFallsBackAfterTaskReturns(t *testing.T) {
	f := newFixture(t, nil)
	var fallback bytes.Buffer
	var fbMu sync.Mutex
	mux := stdio.NewMux(stdio.Streams{Stdout: writerFunc(func(p []byte) (int, error) {
		fbMu.Lock()
		defer fbMu.Unlock()
		return fallback.Write(p)
	})})

	spawned := make(chan struct{})
	finished := make(chan struct{})
	f.reg.Register("spawner", func(ctx context.Context, _ []string) error {
		w := mux.Stdout(ctx)
		go func() {
			<-spawned
			io.WriteString(w, "late")
			close(finished)
		}()
		_, err := io.WriteString(w, "early")
		return err
	})

	id := exec(t, f.d, protocol.Exec{Main: "spawner", Stdout: u32(4)})
	recvWithin(t, f.d.Wait(id, nil), time.Second)
	close(spawned)
	<-finished

	assert.Equal(t, "early", f.remote.written(4))
	fbMu.Lock()
	assert.Equal(t, "late", fallback.String())
	fbMu.Unlock()
}

type writerFunc func([]byte) (int, error)

func (w writerFunc) Write(p []byte) (int, error) { return w(p) }

func TestTasksSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	main, release := gate()
	defer release()
	f.reg.Register("gated", main)

	a := exec(t, f.d, protocol.Exec{Main: "gated"})
	b := exec(t, f.d, protocol.Exec{Main: "gated"})

	tasks := f.d.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, a, tasks[0].TaskID)
	assert.Equal(t, b, tasks[1].TaskID)
	assert.Equal(t, "gated", tasks[0].Main)
}

func TestShutdownRejectsExecAndWaits(t *testing.T) {
	f := newFixture(t, nil)
	main, release := gate()
	f.reg.Register("gated", main)
	id := exec(t, f.d, protocol.Exec{Main: "gated"})

	done := make(chan error, 1)
	go func() { done <- f.d.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		_, execErr := f.d.Exec(context.Background(), protocol.Exec{Main: "echo"})
		return execErr != nil && execErr.Kind == protocol.ExecFailure
	}, time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("Shutdown returned while a task was running")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	require.NoError(t, <-done)
	assert.False(t, recvWithin(t, f.d.Wait(id, nil), time.Second))
}

func TestShutdownTimeoutCancelsTasks(t *testing.T) {
	f := newFixture(t, nil)
	main, release := gate()
	defer release()
	f.reg.Register("gated", main)
	id := exec(t, f.d, protocol.Exec{Main: "gated"})
	ch := f.d.Wait(id, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.d.Shutdown(ctx), context.DeadlineExceeded)

	// The gate returns on cancellation, completing the task.
	assert.False(t, recvWithin(t, ch, time.Second))
}

func TestHistoryRecorded(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	f := newFixture(t, st)

	ok := exec(t, f.d, protocol.Exec{Main: "echo", Params: []string{"a"}})
	bad := exec(t, f.d, protocol.Exec{Main: "fail", Params: []string{"broken", "build"}})
	recvWithin(t, f.d.Wait(ok, nil), time.Second)
	recvWithin(t, f.d.Wait(bad, nil), time.Second)

	got, err := st.GetTask(context.Background(), "TEST", ok)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, []string{"a"}, got.Params)

	got, err = st.GetTask(context.Background(), "TEST", bad)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "broken build", got.Error)
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t, nil)
	main, release := gate()
	f.reg.Register("gated", main)

	id := exec(t, f.d, protocol.Exec{Main: "gated"})
	events, unsub := f.d.Broker().Subscribe(id)
	defer unsub()
	release()

	var kinds []string
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{dispatch.EventCompleted}, kinds)
}

func TestFinishedTasksLeaveNoEventTopics(t *testing.T) {
	f := newFixture(t, nil)

	for range 20 {
		id := exec(t, f.d, protocol.Exec{Main: "echo"})
		events, unsub := f.d.Broker().Subscribe(id)
		for range events {
		}
		unsub()
	}
	assert.Equal(t, 0, f.d.Broker().Len())

	late, unsub := f.d.Broker().Subscribe(0)
	defer unsub()
	_, open := <-late
	assert.False(t, open, "late subscriber should get a closed channel")
	assert.Equal(t, 0, f.d.Broker().Len())
}
