// Package metrics holds the prometheus collectors of the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dmflow"

// Queue names used as the "queue" label.
const (
	QueueExecutions = "executions"
	QueueOutbound   = "outbound"
	QueueInbound    = "inbound"
)

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth          *prometheus.GaugeVec
	BacklogAlerts       *prometheus.CounterVec
	StepOutcomes        *prometheus.CounterVec
	DispatchOutcomes    *prometheus.CounterVec
	InboundEvents       *prometheus.CounterVec
	ReclaimedExecutions prometheus.Counter
	JobDuration         *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of records per queue and status",
		}, []string{"queue", "status"}),
		BacklogAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_alerts_total",
			Help:      "Number of health passes that found a queue above its threshold",
		}, []string{"queue"}),
		StepOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_steps_total",
			Help:      "Flow execution steps by outcome",
		}, []string{"outcome"}),
		DispatchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Outbound dispatch attempts by outcome",
		}, []string{"outcome"}),
		InboundEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound provider events by result",
		}, []string{"result"}),
		ReclaimedExecutions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaimed_executions_total",
			Help:      "Stale processing executions returned to the queue",
		}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time taken by each scheduler job",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

func (m *Metrics) SetQueueDepth(queue, status string, depth int64) {
	if m == nil {
		return
	}

	m.QueueDepth.WithLabelValues(queue, status).Set(float64(depth))
}

func (m *Metrics) BacklogAlert(queue string) {
	if m == nil {
		return
	}

	m.BacklogAlerts.WithLabelValues(queue).Inc()
}

func (m *Metrics) Step(outcome string) {
	if m == nil {
		return
	}

	m.StepOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Dispatch(outcome string) {
	if m == nil {
		return
	}

	m.DispatchOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Inbound(result string) {
	if m == nil {
		return
	}

	m.InboundEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) Reclaimed(n int) {
	if m == nil {
		return
	}

	m.ReclaimedExecutions.Add(float64(n))
}

func (m *Metrics) ObserveJob(job string, started time.Time) {
	if m == nil {
		return
	}

	m.JobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}
