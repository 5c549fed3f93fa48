package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/g960059/simslot/internal/model"
)

const metricsNamespace = "simslot"

// Collector is a prometheus.Collector for decisions made by the trigger
// worker.
type Collector struct {
	decisions        *prometheus.CounterVec
	decisionErrors   *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	dispatchFailures *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

func NewCollector() *Collector {
	return &Collector{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "decisions_total",
				Help:      "Decisions made, by trigger and resulting action.",
			}, []string{"trigger", "action"},
		),
		decisionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "decision_errors_total",
				Help:      "Decisions that recovered from a failure, by error kind.",
			}, []string{"kind"},
		),
		decisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "decision_duration_seconds",
				Help:      "Time spent deciding, including bounded lookups.",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		dispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_failures_total",
				Help:      "Actions the dispatcher failed to execute.",
			}, []string{"action"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "trigger_queue_depth",
				Help:      "Triggers waiting for the decision worker.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.decisions.Describe(ch)
	c.decisionErrors.Describe(ch)
	c.decisionDuration.Describe(ch)
	c.dispatchFailures.Describe(ch)
	c.queueDepth.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.decisions.Collect(ch)
	c.decisionErrors.Collect(ch)
	c.decisionDuration.Collect(ch)
	c.dispatchFailures.Collect(ch)
	c.queueDepth.Collect(ch)
}

func (c *Collector) ObserveDecision(d model.Decision, took time.Duration) {
	c.decisions.WithLabelValues(string(d.Trigger), string(d.Action.Kind)).Inc()
	if d.ErrorKind != "" {
		c.decisionErrors.WithLabelValues(d.ErrorKind).Inc()
	}
	c.decisionDuration.Observe(took.Seconds())
}

func (c *Collector) DispatchFailed(action model.Action) {
	c.dispatchFailures.WithLabelValues(string(action.Kind)).Inc()
}

func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}
