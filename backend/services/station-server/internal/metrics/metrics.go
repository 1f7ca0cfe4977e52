// Package metrics exposes station-server counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConnectionCounter reports the current number of pending and active sockets.
type ConnectionCounter interface {
	Counts() (pending, active int)
}

// Metrics groups every collector the service updates.
type Metrics struct {
	registry *prometheus.Registry

	frames     *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	evictions  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
}

// New builds metrics. When conns is non-nil a connection gauge is derived from it at scrape time.
func New(conns ConnectionCounter) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_frames_total",
			Help: "Frames exchanged with stations.",
		}, []string{"direction", "opcode"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_frames_rejected_total",
			Help: "Inbound frames dropped before dispatch.",
		}, []string{"reason"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_operations_total",
			Help: "Resolved borrow and return operations.",
		}, []string{"kind", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "station_operation_duration_seconds",
			Help:    "Time from registration to resolution of an operation.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30, 60, 300},
		}, []string{"kind"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_evictions_total",
			Help: "Sockets closed by the server.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_events_dropped_total",
			Help: "Background events dropped because a queue was full.",
		}, []string{"queue"}),
	}
	reg.MustRegister(m.frames, m.rejected, m.operations, m.duration, m.evictions, m.dropped)

	if conns != nil {
		for _, status := range []string{"pending", "active"} {
			status := status
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name:        "station_connections",
				Help:        "Open station sockets by status.",
				ConstLabels: prometheus.Labels{"status": status},
			}, func() float64 {
				pending, active := conns.Counts()
				if status == "active" {
					return float64(active)
				}
				return float64(pending)
			}))
		}
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Frame(direction, opcode string) {
	m.frames.WithLabelValues(direction, opcode).Inc()
}

func (m *Metrics) Rejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Operation(kind, state string, took time.Duration) {
	m.operations.WithLabelValues(kind, state).Inc()
	m.duration.WithLabelValues(kind).Observe(took.Seconds())
}

// Evicted satisfies supervisor.Observer.
func (m *Metrics) Evicted(reason string) {
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) Dropped(queue string) {
	m.dropped.WithLabelValues(queue).Inc()
}
