// Package metrics provides Prometheus instrumentation for the chat relay and
// the history service. It exposes gauges for connection counts, counters for
// relay throughput, and histograms for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SessionsBound tracks the number of connections bound to a user identity.
	SessionsBound = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_bound",
		Help: "Current number of connections bound to a personal address",
	})

	// MessagesRelayed counts message fan-outs, labeled by result:
	// "delivered" for successful fan-out, "malformed" for events dropped
	// because the chat carried no members, "rate_limited" for throttled sends.
	MessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_relayed_total",
		Help: "Total number of new-message events processed by the broadcaster",
	}, []string{"result"}) // result = "delivered", "malformed", "rate_limited"

	// TypingEvents counts relayed typing indicator events, labeled by phase
	// ("typing" or "stop_typing").
	TypingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_typing_events_total",
		Help: "Total number of typing indicator events relayed",
	}, []string{"phase"})

	// FanoutLatency records the time spent publishing one message to all
	// recipient personal addresses.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_fanout_latency_seconds",
		Help:    "Message fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})

	// HistoryRequests counts HTTP requests served by the history service,
	// labeled by route and status class.
	HistoryRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "history_requests_total",
		Help: "Total number of HTTP requests served by the history service",
	}, []string{"route", "status"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsBound,
		MessagesRelayed,
		TypingEvents,
		FanoutLatency,
		HistoryRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
