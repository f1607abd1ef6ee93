package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	EntriesAppended  prometheus.Counter
	EntriesEvicted   prometheus.Counter
	EvictionFailures prometheus.Counter
	AppendErrors     *prometheus.CounterVec
	Sweeps           *prometheus.CounterVec
	AppendDuration   prometheus.Histogram
}

// New registers the instruments on a dedicated registry
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EntriesAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_appended_total",
			Help:      "Conversation entries appended.",
		}),
		EntriesEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_evicted_total",
			Help:      "Conversation entries evicted by the retention policy.",
		}),
		EvictionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eviction_failures_total",
			Help:      "Evictions that failed after a committed insert.",
		}),
		AppendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_errors_total",
			Help:      "Failed appends by error kind.",
		}, []string{"kind"}),
		Sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Corrective eviction passes by result.",
		}, []string{"result"}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Latency of append including eviction.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// ObserveAppend records a successful append and the entries it evicted
func (m *Metrics) ObserveAppend(d time.Duration, evicted int) {
	if m == nil {
		return
	}
	m.EntriesAppended.Inc()
	m.EntriesEvicted.Add(float64(evicted))
	m.AppendDuration.Observe(d.Seconds())
}

// ObserveAppendError records a failed append
func (m *Metrics) ObserveAppendError(kind string) {
	if m == nil {
		return
	}
	m.AppendErrors.WithLabelValues(kind).Inc()
}

// ObserveEvictionFailure records an eviction that must be retried later
func (m *Metrics) ObserveEvictionFailure() {
	if m == nil {
		return
	}
	m.EvictionFailures.Inc()
}

// ObserveSweep records one corrective pass over a conversation
func (m *Metrics) ObserveSweep(evicted int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Sweeps.WithLabelValues("error").Inc()
		return
	}
	m.Sweeps.WithLabelValues("ok").Inc()
	m.EntriesEvicted.Add(float64(evicted))
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
