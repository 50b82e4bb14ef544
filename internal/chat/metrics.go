package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the router's Prometheus collectors.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	HandleDuration    *prometheus.HistogramVec
	BroadcastFailures prometheus.Counter
	SupersededReplies prometheus.Counter
	Handoffs          *prometheus.CounterVec
	LoadedSessions    prometheus.Gauge
	Connections       prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_total",
			Help: "Inbound session events by kind and outcome",
		}, []string{"event", "outcome"}),
		HandleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_handle_duration_seconds",
			Help:    "Time to decide, persist and broadcast one event",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"}),
		BroadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_broadcast_failures_total",
			Help: "Per-subscriber deliveries that failed and pruned the subscriber",
		}),
		SupersededReplies: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_superseded_replies_total",
			Help: "Automated replies persisted after a human took over",
		}),
		Handoffs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_handoffs_total",
			Help: "Handoff transitions by kind",
		}, []string{"kind"}),
		LoadedSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_sessions",
			Help: "Sessions currently memoized by the router",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections",
			Help: "Attached transport connections",
		}),
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "accepted"
	}
	if code := CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}
