package diag

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Route families label diagnostics requests. A family groups the routes
// serving one kind of data, so label cardinality is fixed.
const (
	familyHealth    = "health"
	familyMetrics   = "metrics"
	familyTasks     = "tasks"
	familyEvents    = "events"
	familyHistory   = "history"
	familyStats     = "stats"
	familyUnmatched = "unmatched"
)

var families = []string{familyHealth, familyMetrics, familyTasks, familyEvents, familyHistory, familyStats, familyUnmatched}

var statusClasses = []string{"2xx", "3xx", "4xx", "5xx"}

var (
	diagRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_diag_requests_total",
			Help: "Diagnostics HTTP requests by route family and status class.",
		},
		[]string{"family", "code"},
	)

	diagRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskworker_diag_request_duration_seconds",
			Help:    "Diagnostics HTTP request latency by route family, excluding event streams.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"family"},
	)

	diagEventStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskworker_diag_event_streams",
			Help: "Task event streams currently open.",
		},
	)
)

func init() {
	prometheus.MustRegister(diagRequestsTotal, diagRequestDuration, diagEventStreams)

	for _, f := range families {
		for _, c := range statusClasses {
			diagRequestsTotal.WithLabelValues(f, c)
		}
		if f != familyEvents {
			diagRequestDuration.WithLabelValues(f)
		}
	}
}

// metricsMiddleware counts requests per route family. Event streams live as
// long as their task, so their duration is tracked by diagEventStreams instead
// of the latency histogram.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		family := routeFamily(r)
		diagRequestsTotal.WithLabelValues(family, statusClass(ww.Status())).Inc()
		if family != familyEvents {
			diagRequestDuration.WithLabelValues(family).Observe(time.Since(start).Seconds())
		}
	})
}

// routeFamily maps the matched chi route pattern to its family.
func routeFamily(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return familyUnmatched
	}
	pattern := rctx.RoutePattern()
	switch {
	case pattern == "/healthz":
		return familyHealth
	case pattern == "/metrics":
		return familyMetrics
	case strings.HasSuffix(pattern, "/events"):
		return familyEvents
	case strings.HasPrefix(pattern, "/v1/tasks"):
		return familyTasks
	case strings.HasPrefix(pattern, "/v1/history"):
		return familyHistory
	case pattern == "/v1/stats":
		return familyStats
	default:
		return familyUnmatched
	}
}

func statusClass(status int) string {
	switch {
	case status == 0, status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
