package services

import (
	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "jewelforge"
	MetricsSubsystem = "generation"
)

// Metrics holds the Prometheus collectors for the job engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	JobsSubmittedTotal  prometheus.Counter
	JobsRejectedTotal   *prometheus.CounterVec
	JobsFinishedTotal   *prometheus.CounterVec
	JobRetriesTotal     prometheus.Counter
	JobDurationSeconds  prometheus.Histogram
	UnitsRenderedTotal  *prometheus.CounterVec
	JobsProcessing      prometheus.Gauge
	QueueDepth          prometheus.Gauge
	StaleJobsTotal      prometheus.Counter
	CheckpointsTotal    prometheus.Counter
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter

	ResourceUsagePercent *prometheus.GaugeVec
	ResourcePressure     prometheus.Gauge
	ResourceDegraded     *prometheus.GaugeVec
}

// NewMetrics creates and registers all engine metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}

	m.initJobMetrics(factory)
	m.initResourceMetrics(factory)
	m.initBreakerMetrics(factory)

	return m
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsSubmittedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "jobs_submitted_total",
		Help:      "Total number of jobs admitted",
	})
	m.JobsRejectedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "jobs_rejected_total",
		Help:      "Submissions rejected at admission, by reason",
	}, []string{"reason"})
	m.JobsFinishedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "jobs_finished_total",
		Help:      "Jobs that reached a terminal state, by status",
	}, []string{"status"})
	m.JobRetriesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "job_retries_total",
		Help:      "Total number of job retries scheduled",
	})
	m.JobDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "job_duration_seconds",
		Help:      "Wall time from submission to terminal state",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68min
	})
	m.UnitsRenderedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "units_rendered_total",
		Help:      "Work units rendered, by outcome",
	}, []string{"outcome"})
	m.JobsProcessing = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "jobs_processing",
		Help:      "Number of jobs currently processing",
	})
	m.QueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "queue_depth",
		Help:      "Number of pending jobs",
	})
	m.StaleJobsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "stale_jobs_total",
		Help:      "Processing jobs failed by the staleness watchdog",
	})
	m.CheckpointsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystem,
		Name:      "checkpoints_total",
		Help:      "Checkpoints written",
	})
}

func (m *Metrics) initResourceMetrics(factory promauto.Factory) {
	m.ResourceUsagePercent = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "resources",
		Name:      "usage_percent",
		Help:      "Last sampled usage percentage per dimension",
	}, []string{"dimension"})
	m.ResourcePressure = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "resources",
		Name:      "pressure_level",
		Help:      "Pressure level (0=low, 1=medium, 2=high, 3=critical)",
	})
	m.ResourceDegraded = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "resources",
		Name:      "dimension_degraded",
		Help:      "1 when the dimension could not be measured on the last sample",
	}, []string{"dimension"})
}

func (m *Metrics) initBreakerMetrics(factory promauto.Factory) {
	m.CircuitBreakerState = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Breaker state (0=closed, 1=open, 2=half-open)",
	})
	m.CircuitBreakerTrips = factory.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: "circuit_breaker",
		Name:      "trips_total",
		Help:      "Times the breaker opened",
	})
}

func (m *Metrics) recordRejected(reason string) {
	if m == nil {
		return
	}
	m.JobsRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordSubmitted() {
	if m == nil {
		return
	}
	m.JobsSubmittedTotal.Inc()
}

func (m *Metrics) recordUnit(ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.UnitsRenderedTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordRetry() {
	if m == nil {
		return
	}
	m.JobRetriesTotal.Inc()
}

func (m *Metrics) recordStale() {
	if m == nil {
		return
	}
	m.StaleJobsTotal.Inc()
}

func (m *Metrics) recordFinished(job domain.Job) {
	if m == nil {
		return
	}
	m.JobsFinishedTotal.WithLabelValues(string(job.Status)).Inc()
	if job.EndTime != nil && !job.StartTime.IsZero() {
		m.JobDurationSeconds.Observe(job.EndTime.Sub(job.StartTime).Seconds())
	}
}

func (m *Metrics) setLoad(processing, pending int) {
	if m == nil {
		return
	}
	m.JobsProcessing.Set(float64(processing))
	m.QueueDepth.Set(float64(pending))
}

// ObserveCheckpoint is hooked to CheckpointManager.OnSaved.
func (m *Metrics) ObserveCheckpoint(domain.Checkpoint) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.Inc()
}

// ObserveBreaker is hooked to CircuitBreaker.OnStateChange.
func (m *Metrics) ObserveBreaker(_, to BreakerState) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Set(float64(to))
	if to == BreakerOpen {
		m.CircuitBreakerTrips.Inc()
	}
}

// ObserveSnapshot is hooked to ResourceMonitor.OnSample.
func (m *Metrics) ObserveSnapshot(snap domain.ResourceSnapshot) {
	if m == nil {
		return
	}
	m.ResourceUsagePercent.WithLabelValues("memory").Set(snap.Memory.Percentage)
	m.ResourceUsagePercent.WithLabelValues("disk").Set(snap.Disk.Percentage)
	m.ResourceUsagePercent.WithLabelValues("cpu").Set(snap.CPU.Usage)
	if snap.Processes.Limit > 0 {
		m.ResourceUsagePercent.WithLabelValues("processes").Set(float64(snap.Processes.Count) / float64(snap.Processes.Limit) * 100)
	}
	m.ResourcePressure.Set(float64(snap.Level.Severity()))

	for _, dim := range []string{"memory", "disk", "processes", "cpu"} {
		m.ResourceDegraded.WithLabelValues(dim).Set(0)
	}
	for _, dim := range snap.Degraded {
		m.ResourceDegraded.WithLabelValues(dim).Set(1)
	}
}
