package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors the admin surface exposes.
// Unlike the teacher's hand-rolled text formatter, these are real
// prometheus.Collector instances registered against a private
// registry, served by promhttp.HandlerFor.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	NotifiesTotal    prometheus.Counter
	AcksTotal        prometheus.Counter
	AbortsTotal      prometheus.Counter
	DisconnectsTotal *prometheus.CounterVec
	HandlerDuration  prometheus.Histogram
}

// NewMetrics builds and registers the collector set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "spop_agent",
			Name:      "sessions_active",
			Help:      "Number of currently open SPOP sessions.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spop_agent",
			Name:      "sessions_total",
			Help:      "Total number of SPOP sessions accepted.",
		}),
		NotifiesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spop_agent",
			Name:      "notifies_total",
			Help:      "Total number of NOTIFY frames received.",
		}),
		AcksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spop_agent",
			Name:      "acks_total",
			Help:      "Total number of ACK frames sent.",
		}),
		AbortsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spop_agent",
			Name:      "aborts_total",
			Help:      "Total number of ABORT-flagged frames received.",
		}),
		DisconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spop_agent",
			Name:      "disconnects_total",
			Help:      "Total number of sessions ended by a DISCONNECT exchange, by initiator.",
		}, []string{"initiator"}),
		HandlerDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spop_agent",
			Name:      "handler_duration_seconds",
			Help:      "Time spent inside the Handler for one NOTIFY.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler returns the HTTP handler to mount at the metrics path.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionOpened records a newly accepted session.
func (m *Metrics) SessionOpened() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records a session leaving the active set.
func (m *Metrics) SessionClosed() {
	m.SessionsActive.Dec()
}

// ObserveEvent drives the frame-level counters from a Session event
// hook callback. kind/detail match Session.SetEventHook's callback
// signature verbatim, so callers can pass them straight through.
func (m *Metrics) ObserveEvent(kind, detail string) {
	switch kind {
	case "notify_received":
		m.NotifiesTotal.Inc()
	case "ack_sent":
		m.AcksTotal.Inc()
	case "abort_seen":
		m.AbortsTotal.Inc()
	case "disconnect":
		m.DisconnectsTotal.WithLabelValues(disconnectInitiator(detail)).Inc()
	}
}

// disconnectInitiator extracts the initiator= field Session.emit
// encodes into a "disconnect" event's detail string.
func disconnectInitiator(detail string) string {
	const prefix = "initiator="
	i := strings.Index(detail, prefix)
	if i < 0 {
		return "unknown"
	}
	rest := detail[i+len(prefix):]
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		return rest[:sp]
	}
	return rest
}

// ObserveHandlerDuration records how long one NOTIFY handler
// invocation took.
func (m *Metrics) ObserveHandlerDuration(d time.Duration) {
	m.HandlerDuration.Observe(d.Seconds())
}
