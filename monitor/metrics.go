package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coupler"

// Metrics counts the work of one run on its own registry. A nil *Metrics
// records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	steps        prometheus.Counter
	stepDuration prometheus.Histogram
	substeps     *prometheus.CounterVec
	iterations   prometheus.Histogram
	unconverged  prometheus.Counter
	exchanges    *prometheus.CounterVec
	shortage     *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Outer time steps completed.",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one outer time step.",
			Buckets:   prometheus.ExponentialBuckets(.001, 4, 10),
		}),
		substeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "substeps_total",
			Help:      "Sub-steps taken by each sub-stepping model.",
		}, []string{"model"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solve_iterations",
			Help:      "Inner-loop iterations per outer time step.",
			Buckets:   prometheus.LinearBuckets(1, 2, 15),
		}),
		unconverged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unconverged_steps_total",
			Help:      "Time steps whose inner loop hit the iteration cap.",
		}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Exchanges performed per channel.",
		}, []string{"label"}),
		shortage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_shortage",
			Help:      "Total shortage of the last realised balance.",
		}, []string{"ledger"}),
	}
	m.Registry.MustRegister(m.steps, m.stepDuration, m.substeps, m.iterations, m.unconverged, m.exchanges, m.shortage)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Step(d time.Duration) {
	if m == nil {
		return
	}
	m.steps.Inc()
	m.stepDuration.Observe(d.Seconds())
}

func (m *Metrics) Substep(model string) {
	if m == nil {
		return
	}
	m.substeps.WithLabelValues(model).Inc()
}

func (m *Metrics) Solved(iterations int, converged bool) {
	if m == nil {
		return
	}
	m.iterations.Observe(float64(iterations))
	if !converged {
		m.unconverged.Inc()
	}
}

func (m *Metrics) Exchange(label string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(label).Inc()
}

func (m *Metrics) Shortage(ledger string, total float64) {
	if m == nil {
		return
	}
	m.shortage.WithLabelValues(ledger).Set(total)
}
