// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxorio/stepflow/pkg/process"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "stepflow"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics implements process.MetricsRecorder on Prometheus collectors.
type Metrics struct {
	TransitionsTotal *prometheus.CounterVec
	ChainHops        *prometheus.HistogramVec
	StartsTotal      *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	LockWaitSeconds  prometheus.Histogram
}

// Get returns the global metrics instance registered on DefaultRegisterer.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metrics = New(DefaultRegisterer)
	})
	return metrics
}

// New creates a metrics collection registered on the given registerer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		TransitionsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_transitions_total",
				Help: "Total number of committed step transitions",
			},
			[]string{"workflow", "type", "backward"},
		),
		ChainHops: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepflow_chain_hops",
				Help:    "Automatic transitions taken per advancement chain",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"workflow"},
		),
		StartsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_starts_total",
				Help: "Total number of process start attempts by outcome",
			},
			[]string{"workflow", "outcome"},
		),
		ErrorsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_errors_total",
				Help: "Total number of engine errors by code",
			},
			[]string{"code"},
		),
		LockWaitSeconds: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stepflow_lock_wait_seconds",
				Help:    "Time spent waiting for a per-object lock",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) RecordTransition(workflowID string, ttype process.TransitionType, backward bool) {
	m.TransitionsTotal.WithLabelValues(workflowID, string(ttype), strconv.FormatBool(backward)).Inc()
}

func (m *Metrics) RecordChainHops(workflowID string, hops int) {
	m.ChainHops.WithLabelValues(workflowID).Observe(float64(hops))
}

func (m *Metrics) RecordStart(workflowID string, outcome string) {
	m.StartsTotal.WithLabelValues(workflowID, outcome).Inc()
}

func (m *Metrics) RecordError(code process.ErrorCode) {
	m.ErrorsTotal.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	m.LockWaitSeconds.Observe(d.Seconds())
}
