package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for submissions and executions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	submitted    *prometheus.CounterVec
	finished     *prometheus.CounterVec
	execDuration *prometheus.HistogramVec
	active       prometheus.Gauge
	queueDepth   prometheus.Gauge
}

// MustNew registers the collectors with reg. Collectors that are already
// registered (for example when several pools share the default registry) are
// reused; any other registration error panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptqueue",
			Name:      "tasks_submitted_total",
			Help:      "Scripts accepted by the gateway, by language.",
		}, []string{"language"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptqueue",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state.",
		}, []string{"state", "reason"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scriptqueue",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock time spent running scripts.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scriptqueue",
			Name:      "tasks_active",
			Help:      "Tasks currently executing on this process.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scriptqueue",
			Name:      "queue_depth",
			Help:      "Task ids waiting in the broker queue at last sample.",
		}),
	}

	m.submitted = register(reg, m.submitted)
	m.finished = register(reg, m.finished)
	m.execDuration = register(reg, m.execDuration)
	m.active = register(reg, m.active)
	m.queueDepth = register(reg, m.queueDepth)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) Submitted(language string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(language).Inc()
}

// Finished counts a terminal transition. reason is one of ok, exit, timeout,
// canceled, internal.
func (m *Metrics) Finished(state, reason string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(state, reason).Inc()
}

func (m *Metrics) ObserveExecution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.execDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) TaskDone() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
