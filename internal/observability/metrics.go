package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections    prometheus.Gauge
	ConnectionEvents     *prometheus.CounterVec
	WSMessages           *prometheus.CounterVec
	OutboundDrops        *prometheus.CounterVec
	RouterErrors         *prometheus.CounterVec
	GroupEvents          *prometheus.CounterVec
	QueuePending         prometheus.Gauge
	QueueInFlight        prometheus.Gauge
	QueueRejections      *prometheus.CounterVec
	TaskOutcomes         *prometheus.CounterVec
	TaskDuration         prometheus.Histogram
	FirstFragmentLatency prometheus.Histogram
	UpstreamErrors       *prometheus.CounterVec
	Stages               *StageWindow
}

// NewMetrics registers every instrument on a private registry so several
// instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of registered client connections.",
		}),
		ConnectionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_drops_total",
			Help:      "Outbound messages dropped under backpressure by type.",
		}, []string{"type"}),
		RouterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_errors_total",
			Help:      "Inbound dispatch failures by error code.",
		}, []string{"code"}),
		GroupEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_events_total",
			Help:      "Group membership mutations by kind.",
		}, []string{"event"}),
		QueuePending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Tasks waiting in the queue.",
		}),
		QueueInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_in_flight",
			Help:      "Tasks currently executing.",
		}),
		QueueRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejections_total",
			Help:      "Admission rejections by reason.",
		}, []string{"reason"}),
		TaskOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Terminal task states by state and reason.",
		}, []string{"state", "reason"}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_ms",
			Help:      "Running time of tasks from start to terminal state in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		FirstFragmentLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_fragment_latency_ms",
			Help:      "Latency from task start to first delivered fragment in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Engine failures by stage and retryability.",
		}, []string{"stage", "retryable"}),
		Stages: NewStageWindow(256, nil),
	}
}

func (m *Metrics) ObserveFirstFragmentLatency(d time.Duration) {
	m.FirstFragmentLatency.Observe(float64(d.Milliseconds()))
	m.Stages.Observe(StageFirstFragment, d)
}

func (m *Metrics) ObserveTaskDuration(d time.Duration) {
	m.TaskDuration.Observe(float64(d.Milliseconds()))
	m.Stages.Observe(StageTaskTotal, d)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.Stages.Observe(stage, d)
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
