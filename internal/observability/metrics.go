package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	ToolCalls           *prometheus.CounterVec
	ToolCallLatency     *prometheus.HistogramVec
	UpstreamErrors      *prometheus.CounterVec
	UpstreamOpenLatency prometheus.Histogram
	PersistFailures     prometheus.Counter

	Latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live client connections.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Agent tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_latency_ms",
			Help:      "Tool call execution time in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 15000},
		}, []string{"tool"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream agent errors by stage.",
		}, []string{"stage"}),
		UpstreamOpenLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_open_latency_ms",
			Help:      "Time to open an upstream agent session in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		PersistFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Conversations that could not be saved on teardown.",
		}),
		Latency: NewLatencyWindow(256),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("connected").Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("disconnected").Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Message(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) ObserveUpstreamOpen(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.UpstreamErrors.WithLabelValues("open").Inc()
		m.Latency.RecordFailure(StageUpstreamOpen)
		return
	}
	m.UpstreamOpenLatency.Observe(float64(d.Milliseconds()))
	m.Latency.Record(StageUpstreamOpen, d)
}

func (m *Metrics) UpstreamError(stage string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolCallLatency.WithLabelValues(tool).Observe(float64(d.Milliseconds()))
	m.Latency.Record(StageToolPrefix+tool, d)
	if outcome != "ok" {
		m.Latency.RecordFailure(StageToolPrefix + tool)
	}
}

func (m *Metrics) ObservePersist(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PersistFailures.Inc()
		m.Latency.RecordFailure(StagePersist)
		return
	}
	m.Latency.Record(StagePersist, d)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
