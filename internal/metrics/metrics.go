// Package metrics exposes Prometheus counters for controller and change-feed outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Recorder is what controllers and the feed router report to.
type Recorder interface {
	Transition(from, to, outcome string)
	ConflictRetry(table string)
	Attendance(op, outcome string)
	FeedReconnect(table string)
	RefreshFailure(table string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Transition(string, string, string) {}
func (Nop) ConflictRetry(string)              {}
func (Nop) Attendance(string, string)         {}
func (Nop) FeedReconnect(string)              {}
func (Nop) RefreshFailure(string)             {}

// Collector is the Prometheus-backed Recorder.
type Collector struct {
	transitions     *prometheus.CounterVec
	conflictRetries *prometheus.CounterVec
	attendanceOps   *prometheus.CounterVec
	feedReconnects  *prometheus.CounterVec
	refreshFailures *prometheus.CounterVec
	gatherer        prometheus.Gatherer
}

// NewCollector creates the collector and registers it with reg.
// A nil reg gets a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldops_job_transitions_total",
			Help: "Job status transitions by source status, target status and outcome",
		}, []string{"from", "to", "outcome"}),
		conflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldops_conflict_retries_total",
			Help: "Compare-and-swap writes that lost a race and were retried",
		}, []string{"table"}),
		attendanceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldops_attendance_operations_total",
			Help: "Attendance operations by kind and outcome",
		}, []string{"op", "outcome"}),
		feedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldops_feed_reconnects_total",
			Help: "Change feed subscriptions re-established after a drop",
		}, []string{"table"}),
		refreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldops_refresh_failures_total",
			Help: "Cache refreshes triggered by the change feed that failed",
		}, []string{"table"}),
		gatherer: reg,
	}

	reg.MustRegister(c.transitions, c.conflictRetries, c.attendanceOps, c.feedReconnects, c.refreshFailures)
	return c
}

func (c *Collector) Transition(from, to, outcome string) {
	c.transitions.WithLabelValues(from, to, outcome).Inc()
}

func (c *Collector) ConflictRetry(table string) {
	c.conflictRetries.WithLabelValues(table).Inc()
}

func (c *Collector) Attendance(op, outcome string) {
	c.attendanceOps.WithLabelValues(op, outcome).Inc()
}

func (c *Collector) FeedReconnect(table string) {
	c.feedReconnects.WithLabelValues(table).Inc()
}

func (c *Collector) RefreshFailure(table string) {
	c.refreshFailures.WithLabelValues(table).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
