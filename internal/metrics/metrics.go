// Package metrics defines the Prometheus metrics of a build run. A one-shot
// CLI has no scrape endpoint, so metrics are written to a textfile for the
// node exporter's textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/kiln/internal/failure"
)

// Counters holds all kiln Prometheus metrics.
type Counters struct {
	Builds          *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	StaleReplaced   prometheus.Counter
	CleanupWarnings prometheus.Counter
	ContextBytes    prometheus.Gauge
	Duration        prometheus.Gauge
}

// Outcome labels for kiln_builds_total.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeTimedOut    = "timed_out"
	OutcomeInterrupted = "interrupted"
	OutcomeError       = "error"
)

// NewCounters creates and registers Prometheus metrics with the given registry.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		Builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_builds_total",
			Help: "Total number of build runs by outcome.",
		}, []string{"outcome"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kiln_build_failures_total",
			Help: "Total number of failed build runs by failure kind.",
		}, []string{"kind"}),
		StaleReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiln_stale_pods_replaced_total",
			Help: "Total number of build pods from earlier runs that were deleted before a new build.",
		}),
		CleanupWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiln_cleanup_warnings_total",
			Help: "Total number of objects cleanup failed to delete.",
		}),
		ContextBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_context_upload_bytes",
			Help: "Size of the last uploaded build context in bytes.",
		}),
		Duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_build_duration_seconds",
			Help: "Wall-clock duration of the last build run.",
		}),
	}

	reg.MustRegister(
		c.Builds,
		c.Failures,
		c.StaleReplaced,
		c.CleanupWarnings,
		c.ContextBytes,
		c.Duration,
	)

	return c
}

// RecordOutcome records the result of a run. err is the run error, nil on
// success.
func (c *Counters) RecordOutcome(err error, elapsed time.Duration) {
	c.Duration.Set(elapsed.Seconds())
	if err == nil {
		c.Builds.WithLabelValues(OutcomeSucceeded).Inc()
		return
	}
	kind := failure.KindOf(err)
	c.Builds.WithLabelValues(outcome(kind)).Inc()
	if kind == "" {
		kind = "Unknown"
	}
	c.Failures.WithLabelValues(string(kind)).Inc()
}

func outcome(kind failure.Kind) string {
	switch kind {
	case failure.BuildFailed:
		return OutcomeFailed
	case failure.MonitorTimedOut:
		return OutcomeTimedOut
	case failure.Interrupted:
		return OutcomeInterrupted
	}
	return OutcomeError
}

// RecordStaleReplaced increments the stale pod counter.
func (c *Counters) RecordStaleReplaced() {
	c.StaleReplaced.Inc()
}

// RecordCleanupWarnings adds n cleanup warnings.
func (c *Counters) RecordCleanupWarnings(n int) {
	c.CleanupWarnings.Add(float64(n))
}

// RecordContextBytes records the uploaded context size.
func (c *Counters) RecordContextBytes(n int64) {
	c.ContextBytes.Set(float64(n))
}

// WriteTextfile writes everything registered in g to path in the text
// exposition format. The file is replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
