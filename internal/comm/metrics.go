package comm

import "github.com/prometheus/client_golang/prometheus"

// Pending request label values.
const (
	opWrite = "write"
	opRead  = "read"
	opClose = "close"
)

var (
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_messages_sent_total",
			Help: "Total number of protocol messages sent to the orchestrator.",
		},
		[]string{"type"},
	)

	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_messages_received_total",
			Help: "Total number of protocol messages received from the orchestrator.",
		},
		[]string{"type"},
	)

	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskworker_pending_requests",
			Help: "Number of stream requests awaiting a reply from the orchestrator.",
		},
		[]string{"op"},
	)

	readerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskworker_reader_failures_total",
			Help: "Total number of reader loop terminations caused by a decode or protocol error.",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(pendingRequests)
	prometheus.MustRegister(readerFailures)

	// Pre-initialize label combinations so they appear in /metrics
	// before the first message.
	for _, op := range []string{opWrite, opRead, opClose} {
		pendingRequests.WithLabelValues(op)
	}
	for _, name := range []string{"exec_result", "write", "read", "wait_result", "close"} {
		messagesSent.WithLabelValues(name)
	}
	for _, name := range []string{"exec", "write_result", "read_result", "wait", "close_result"} {
		messagesReceived.WithLabelValues(name)
	}
}
