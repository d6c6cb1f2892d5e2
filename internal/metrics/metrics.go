// ============================================================================
// expctl Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metrics:
//
//   Counters:
//     - expctl_experiments_launched_total{kind}
//     - expctl_launch_failures_total
//     - expctl_jobs_relaunched_total{stage}       preparatory | dependent
//     - expctl_job_status_changes_total{status}
//     - expctl_merges_total{result}               success | failure
//     - expctl_tick_errors_total{class}           transport | fatal | checkpoint
//
//   Gauges:
//     - expctl_queue_length
//     - expctl_head_jobs{status}
//     - expctl_last_tick_timestamp_seconds
//
//   Histogram:
//     - expctl_tick_duration_seconds
//
// Example queries:
//
//   # relaunch rate per hour
//   increase(expctl_jobs_relaunched_total[1h])
//
//   # orchestrator stalled (no tick for 10 minutes)
//   time() - expctl_last_tick_timestamp_seconds > 600
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/expctl/pkg/types"
)

// Collector holds the orchestrator's Prometheus metrics.
type Collector struct {
	experimentsLaunched *prometheus.CounterVec
	launchFailures      prometheus.Counter
	jobsRelaunched      *prometheus.CounterVec
	jobStatusChanges    *prometheus.CounterVec
	merges              *prometheus.CounterVec
	tickErrors          *prometheus.CounterVec

	queueLength   prometheus.Gauge
	headJobs      *prometheus.GaugeVec
	lastTick      prometheus.Gauge
	tickDurations prometheus.Histogram
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		experimentsLaunched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expctl_experiments_launched_total",
			Help: "Experiments submitted to the cluster",
		}, []string{"kind"}),
		launchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expctl_launch_failures_total",
			Help: "Launch attempts that failed or returned incomplete output",
		}),
		jobsRelaunched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expctl_jobs_relaunched_total",
			Help: "Jobs resubmitted after a failure",
		}, []string{"stage"}),
		jobStatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expctl_job_status_changes_total",
			Help: "Observed job status transitions, by new status",
		}, []string{"status"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expctl_merges_total",
			Help: "Merge attempts by result",
		}, []string{"result"}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expctl_tick_errors_total",
			Help: "Ticks that ended with an error, by class",
		}, []string{"class"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "expctl_queue_length",
			Help: "Experiments remaining in the queue",
		}),
		headJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "expctl_head_jobs",
			Help: "Jobs of the head experiment, by status",
		}, []string{"status"}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "expctl_last_tick_timestamp_seconds",
			Help: "Unix time of the last finished tick",
		}),
		tickDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "expctl_tick_duration_seconds",
			Help:    "Wall time of one tick",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}

	reg.MustRegister(
		c.experimentsLaunched,
		c.launchFailures,
		c.jobsRelaunched,
		c.jobStatusChanges,
		c.merges,
		c.tickErrors,
		c.queueLength,
		c.headJobs,
		c.lastTick,
		c.tickDurations,
	)
	return c
}

// RecordLaunch counts a successful launch.
func (c *Collector) RecordLaunch(kind types.ExperimentKind) {
	c.experimentsLaunched.WithLabelValues(string(kind)).Inc()
}

// RecordLaunchFailure counts a failed launch.
func (c *Collector) RecordLaunchFailure() {
	c.launchFailures.Inc()
}

// RecordRelaunch counts resubmitted jobs by stage.
func (c *Collector) RecordRelaunch(preparatory, dependent int) {
	if preparatory > 0 {
		c.jobsRelaunched.WithLabelValues(string(types.JobPreparatory)).Add(float64(preparatory))
	}
	if dependent > 0 {
		c.jobsRelaunched.WithLabelValues(string(types.JobDependent)).Add(float64(dependent))
	}
}

// RecordJobStatus counts one observed job transition.
func (c *Collector) RecordJobStatus(status types.JobStatus) {
	c.jobStatusChanges.WithLabelValues(string(status)).Inc()
}

// RecordMerge counts a merge attempt.
func (c *Collector) RecordMerge(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.merges.WithLabelValues(result).Inc()
}

// RecordTickError counts a failed tick.
func (c *Collector) RecordTickError(class string) {
	c.tickErrors.WithLabelValues(class).Inc()
}

// ObserveTick records the duration and end time of a tick.
func (c *Collector) ObserveTick(d time.Duration) {
	c.tickDurations.Observe(d.Seconds())
	c.lastTick.SetToCurrentTime()
}

// UpdateQueue refreshes the queue gauges from the current queue.
func (c *Collector) UpdateQueue(q *types.Queue) {
	c.queueLength.Set(float64(q.Len()))
	c.headJobs.Reset()
	head := q.Head()
	if head == nil {
		return
	}
	for status, n := range head.CountByStatus() {
		c.headJobs.WithLabelValues(string(status)).Set(float64(n))
	}
}

// NewServer returns an HTTP server exposing /metrics from gatherer. A nil
// gatherer means prometheus.DefaultGatherer.
func NewServer(port int, gatherer prometheus.Gatherer) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
