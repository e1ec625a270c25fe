// Package metrics exposes the engine's Prometheus counters. Each CLI
// invocation owns a private registry that is pushed to a Pushgateway when one
// is configured, since a one-shot process cannot be scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "consolidate"

// Metrics holds every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	bundleRuns     *prometheus.CounterVec
	bundleDuration *prometheus.HistogramVec
	rowsAffected   *prometheus.CounterVec
	retries        *prometheus.CounterVec
	checkFailures  *prometheus.CounterVec
	dataQuality    *prometheus.GaugeVec
	imported       *prometheus.CounterVec
	orphans        prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		bundleRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_runs_total",
			Help:      "Bundle runs broken down by kind, direction and final status.",
		}, []string{"kind", "direction", "status"}),
		bundleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bundle_duration_seconds",
			Help:      "Wall time of bundle runs.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"kind"}),
		rowsAffected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_affected_total",
			Help:      "Rows written by bundle statements and programs.",
		}, []string{"kind"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statement_retries_total",
			Help:      "Statements re-issued after a retryable error.",
		}, []string{"kind"}),
		checkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_failures_total",
			Help:      "Preconditions and postconditions that did not hold.",
		}, []string{"phase", "check"}),
		dataQuality: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_quality_rows",
			Help:      "Rows resolved by a fallback policy, by observation name.",
		}, []string{"observation"}),
		imported: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "imported_rows_total",
			Help:      "Activity rows imported, by source.",
		}, []string{"source"}),
		orphans: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_groups_repaired_total",
			Help:      "Legacy groups given a synthesized canonical parent.",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordRun counts one finished run.
func (m *Metrics) RecordRun(kind, direction, status string, elapsed time.Duration, rows int64) {
	if m == nil {
		return
	}
	m.bundleRuns.WithLabelValues(kind, direction, status).Inc()
	m.bundleDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if rows > 0 {
		m.rowsAffected.WithLabelValues(kind).Add(float64(rows))
	}
}

// RecordRetry counts one statement retry.
func (m *Metrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

// RecordCheckFailure counts a failed pre- or postcondition.
func (m *Metrics) RecordCheckFailure(phase, check string) {
	if m == nil {
		return
	}
	m.checkFailures.WithLabelValues(phase, check).Inc()
}

// RecordObservation sets the latest count of an observation.
func (m *Metrics) RecordObservation(name string, n int64) {
	if m == nil {
		return
	}
	m.dataQuality.WithLabelValues(name).Set(float64(n))
}

// RecordImported counts imported activity rows.
func (m *Metrics) RecordImported(source string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.imported.WithLabelValues(source).Add(float64(n))
}

// RecordOrphanRepaired counts one repaired group.
func (m *Metrics) RecordOrphanRepaired() {
	if m == nil {
		return
	}
	m.orphans.Inc()
}

// Push sends the registry to a Pushgateway. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if job == "" {
		job = namespace
	}
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
