package diag

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/taskworker/internal/dispatch"
	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/store"
)

type fakeTasks struct {
	mu      sync.Mutex
	running []model.TaskInfo
	broker  *dispatch.Broker
}

func (f *fakeTasks) Tasks() []model.TaskInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.TaskInfo(nil), f.running...)
}

func (f *fakeTasks) Broker() *dispatch.Broker { return f.broker }

func newTestServer(t *testing.T, withStore bool) (*Server, *fakeTasks, store.Store) {
	t.Helper()
	tasks := &fakeTasks{broker: dispatch.NewBroker(nil)}
	opts := Options{
		Addr:   ":0",
		Tasks:  tasks,
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	var s store.Store
	if withStore {
		sq, err := store.NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { sq.Close() })
		s = sq
		opts.Store = sq
	}
	return NewServer(opts), tasks, s
}

func getJSON(t *testing.T, url string, wantStatus int, into any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv, tasks, _ := newTestServer(t, false)
	tasks.running = []model.TaskInfo{{TaskID: 0, Main: "echo"}}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body healthResponse
	getJSON(t, ts.URL+"/healthz", http.StatusOK, &body)
	if body.Status != "ok" || body.Running != 1 || body.History {
		t.Errorf("healthz = %+v", body)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	getJSON(t, ts.URL+"/panic", http.StatusInternalServerError, nil)
}

func TestCORSHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/v1/tasks", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got == "" {
		t.Error("missing Access-Control-Allow-Origin header")
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	health := diagRequestsTotal.WithLabelValues(familyHealth, "2xx")
	unmatched := diagRequestsTotal.WithLabelValues(familyUnmatched, "4xx")
	beforeHealth := counterValue(t, health)
	beforeUnmatched := counterValue(t, unmatched)

	getJSON(t, ts.URL+"/healthz", http.StatusOK, nil)
	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	resp.Body.Close()

	if got := counterValue(t, health) - beforeHealth; got != 1 {
		t.Errorf("health 2xx delta = %v, want 1", got)
	}
	if got := counterValue(t, unmatched) - beforeUnmatched; got != 1 {
		t.Errorf("unmatched 4xx delta = %v, want 1", got)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`taskworker_diag_requests_total{code="2xx",family="health"}`,
		`taskworker_diag_event_streams`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestRouteFamilies(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	router := srv.Router()

	tests := []struct {
		method, path, family string
	}{
		{"GET", "/healthz", familyHealth},
		{"GET", "/metrics", familyMetrics},
		{"GET", "/v1/tasks", familyTasks},
		{"GET", "/v1/tasks/4/events", familyEvents},
		{"GET", "/v1/history", familyHistory},
		{"GET", "/v1/history/S/4", familyHistory},
		{"GET", "/v1/stats", familyStats},
		{"GET", "/v2/anything", familyUnmatched},
	}
	for _, tt := range tests {
		rctx := chi.NewRouteContext()
		if !router.Match(rctx, tt.method, tt.path) {
			rctx = chi.NewRouteContext()
		}
		r := httptest.NewRequest(tt.method, tt.path, nil)
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		if got := routeFamily(r); got != tt.family {
			t.Errorf("%s: family = %q, want %q", tt.path, got, tt.family)
		}
	}
}

func TestStatusClass(t *testing.T) {
	for status, want := range map[int]string{0: "2xx", 200: "2xx", 304: "3xx", 404: "4xx", 503: "5xx"} {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestListTasks(t *testing.T) {
	srv, tasks, _ := newTestServer(t, false)
	now := time.Now().UTC().Truncate(time.Second)
	tasks.running = []model.TaskInfo{
		{TaskID: 1, Main: "sleep", StartedAt: now},
		{TaskID: 2, Main: "cat", StartedAt: now},
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body listTasksResponse
	getJSON(t, ts.URL+"/v1/tasks", http.StatusOK, &body)
	if len(body.Tasks) != 2 || body.Tasks[1].Main != "cat" {
		t.Errorf("tasks = %+v", body.Tasks)
	}
}

func TestHistoryDisabled(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/history", "/v1/history/s/1", "/v1/stats"} {
		getJSON(t, ts.URL+path, http.StatusNotFound, nil)
	}
}

func TestHistoryAndStats(t *testing.T) {
	srv, _, s := newTestServer(t, true)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, main := range []string{"echo", "echo", "fail"} {
		task := &model.Task{
			Session:   "sess",
			TaskID:    uint32(i),
			Main:      main,
			Status:    model.StatusRunning,
			StartedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if err := s.FinishTask(ctx, "sess", 2, model.StatusFailed, "boom", now.Add(5*time.Second)); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var list listHistoryResponse
	getJSON(t, ts.URL+"/v1/history?limit=2", http.StatusOK, &list)
	if list.Total != 3 || len(list.Tasks) != 2 || list.Limit != 2 {
		t.Errorf("history = total %d, %d tasks, limit %d", list.Total, len(list.Tasks), list.Limit)
	}

	var one model.Task
	getJSON(t, ts.URL+"/v1/history/sess/2", http.StatusOK, &one)
	if one.Status != model.StatusFailed || one.Error != "boom" {
		t.Errorf("task 2 = %+v", one)
	}
	getJSON(t, ts.URL+"/v1/history/sess/9", http.StatusNotFound, nil)
	getJSON(t, ts.URL+"/v1/history/sess/x", http.StatusBadRequest, nil)

	var stats store.TaskStats
	getJSON(t, ts.URL+"/v1/stats", http.StatusOK, &stats)
	if stats.Total != 3 || stats.CountByMain["echo"] != 2 || stats.CountByStatus[model.StatusFailed] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStreamEventsNotRunning(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/5/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "event: done") {
		t.Errorf("body = %q, want done event", body)
	}
}

func TestStreamEventsBadID(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	getJSON(t, ts.URL+"/v1/tasks/abc/events", http.StatusBadRequest, nil)
}

func TestStreamEventsReceivesEvents(t *testing.T) {
	srv, tasks, _ := newTestServer(t, false)
	tasks.running = []model.TaskInfo{{TaskID: 3, Main: "sleep"}}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/tasks/3/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	tasks.broker.Publish(dispatch.Event{TaskID: 3, Kind: dispatch.EventCompleted})
	tasks.broker.Close(3)

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if kind, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			kinds = append(kinds, kind)
		}
	}

	want := []string{dispatch.EventCompleted, "done"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}
