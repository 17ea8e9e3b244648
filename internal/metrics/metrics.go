package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "devflow"

var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300, 900}

// Collector holds the orchestrator's domain metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	deployments       *prometheus.CounterVec
	bulkTargets       *prometheus.CounterVec
	backups           *prometheus.CounterVec
	backupDuration    *prometheus.HistogramVec
	queueJobs         *prometheus.CounterVec
}

// New registers the orchestrator collectors with reg. Collectors already
// registered by an earlier call are reused.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "command_executions_total",
			Help:      "Commands executed by mode, status and failure kind",
		}, []string{"mode", "status", "failure_kind"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "command_duration_seconds",
			Help:      "Latency distribution of executed commands",
			Buckets:   durationBuckets,
		}, []string{"mode"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "transitions_total",
			Help:      "Deployment status transitions",
		}, []string{"status"}),
		bulkTargets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bulk",
			Name:      "target_results_total",
			Help:      "Per-target outcomes of bulk operations",
		}, []string{"operation", "outcome"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "runs_total",
			Help:      "Backup runs by kind, type and status",
		}, []string{"kind", "type", "status"}),
		backupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Latency distribution of backup runs",
			Buckets:   durationBuckets,
		}, []string{"kind"}),
		queueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Deployment jobs handled by the worker",
		}, []string{"outcome"}),
	}
	c.executions = registerCounter(reg, c.executions)
	c.executionDuration = registerHistogram(reg, c.executionDuration)
	c.deployments = registerCounter(reg, c.deployments)
	c.bulkTargets = registerCounter(reg, c.bulkTargets)
	c.backups = registerCounter(reg, c.backups)
	c.backupDuration = registerHistogram(reg, c.backupDuration)
	c.queueJobs = registerCounter(reg, c.queueJobs)
	return c
}

func registerCounter(reg prometheus.Registerer, vec *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return vec
}

func registerHistogram(reg prometheus.Registerer, vec *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return vec
}

// ObserveExecution records one finished command.
func (c *Collector) ObserveExecution(mode, status, failureKind string, duration time.Duration) {
	if c == nil {
		return
	}
	c.executions.WithLabelValues(mode, status, failureKind).Inc()
	c.executionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// DeploymentTransition records a deployment entering status.
func (c *Collector) DeploymentTransition(status string) {
	if c == nil {
		return
	}
	c.deployments.WithLabelValues(status).Inc()
}

// BulkTarget records the outcome of one target in a bulk operation.
func (c *Collector) BulkTarget(operation string, success bool) {
	if c == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "successful"
	}
	c.bulkTargets.WithLabelValues(operation, outcome).Inc()
}

// ObserveBackup records a finished backup run.
func (c *Collector) ObserveBackup(kind, backupType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.backups.WithLabelValues(kind, backupType, status).Inc()
	c.backupDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// QueueJob records how the worker handled a dequeued job.
func (c *Collector) QueueJob(outcome string) {
	if c == nil {
		return
	}
	c.queueJobs.WithLabelValues(outcome).Inc()
}
