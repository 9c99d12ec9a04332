package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counters holds all kube-autorollout Prometheus metrics.
type Counters struct {
	Cycles              prometheus.Counter
	WorkloadsScanned    prometheus.Counter
	RolloutsTriggered   prometheus.Counter
	WorkloadErrors      prometheus.Counter
	DigestFetches       prometheus.Counter
	DigestFetchFailures prometheus.Counter
}

// NewCounters creates and registers Prometheus counters with the given registry.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorollout_cycles_total",
			Help: "Total number of completed reconciliation cycles.",
		}),
		WorkloadsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorollout_workloads_scanned_total",
			Help: "Total number of workloads scanned for digest changes.",
		}),
		RolloutsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorollout_rollouts_triggered_total",
			Help: "Total number of rolling restarts triggered by digest changes.",
		}),
		WorkloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorollout_workload_errors_total",
			Help: "Total number of workloads that failed to reconcile.",
		}),
		DigestFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorollout_digest_fetches_total",
			Help: "Total number of digest fetches against registries.",
		}),
		DigestFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autorollout_digest_fetch_failures_total",
			Help: "Total number of failed digest fetches.",
		}),
	}

	reg.MustRegister(
		c.Cycles,
		c.WorkloadsScanned,
		c.RolloutsTriggered,
		c.WorkloadErrors,
		c.DigestFetches,
		c.DigestFetchFailures,
	)

	return c
}

// RecordCycle increments the completed cycles counter.
func (c *Counters) RecordCycle() {
	c.Cycles.Inc()
}

// RecordWorkloadScanned increments the scanned workloads counter.
func (c *Counters) RecordWorkloadScanned() {
	c.WorkloadsScanned.Inc()
}

// RecordRolloutTriggered increments the triggered rollouts counter.
func (c *Counters) RecordRolloutTriggered() {
	c.RolloutsTriggered.Inc()
}

// RecordWorkloadError increments the workload errors counter.
func (c *Counters) RecordWorkloadError() {
	c.WorkloadErrors.Inc()
}

// RecordDigestFetch increments the digest fetches counter.
func (c *Counters) RecordDigestFetch() {
	c.DigestFetches.Inc()
}

// RecordDigestFetchFailure increments the failed digest fetches counter.
func (c *Counters) RecordDigestFetchFailure() {
	c.DigestFetchFailures.Inc()
}
