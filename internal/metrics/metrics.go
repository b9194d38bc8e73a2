// Package metrics provides Prometheus metrics for ledger operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricAppendsTotal        = "chainaudit_appends_total"
	MetricAppendDuration      = "chainaudit_append_duration_seconds"
	MetricVerifyRunsTotal     = "chainaudit_verify_runs_total"
	MetricVerifyFailedEntries = "chainaudit_verify_failed_entries"
	MetricClosuresTotal       = "chainaudit_closures_total"
)

// Outcome label values.
const (
	OutcomeSuccess       = "success"
	OutcomeFailure       = "failure"
	OutcomeTimeout       = "timeout"
	OutcomeAlreadyClosed = "already_closed"
	OutcomeNoEntries     = "no_entries"

	ResultValid   = "valid"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// Metrics contains the ledger's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	appendsTotal        *prometheus.CounterVec
	appendDuration      prometheus.Histogram
	verifyRunsTotal     *prometheus.CounterVec
	verifyFailedEntries prometheus.Gauge
	closuresTotal       *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them.
func NewMetrics() *Metrics {
	return &Metrics{
		appendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppendsTotal,
				Help: "Total number of ledger append attempts by outcome",
			},
			[]string{"outcome"},
		),
		appendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricAppendDuration,
				Help:    "Histogram of ledger append latency in seconds, lock wait included",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		verifyRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerifyRunsTotal,
				Help: "Total number of chain verification runs by result",
			},
			[]string{"result"},
		),
		verifyFailedEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricVerifyFailedEntries,
				Help: "Number of failed entries found by the most recent verification run",
			},
		),
		closuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricClosuresTotal,
				Help: "Total number of daily closure attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appendsTotal,
		m.appendDuration,
		m.verifyRunsTotal,
		m.verifyFailedEntries,
		m.closuresTotal,
	}
}

// ObserveAppend records one append attempt.
func (m *Metrics) ObserveAppend(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(outcome).Inc()
	m.appendDuration.Observe(d.Seconds())
}

// ObserveVerify records one verification run. failed is ignored when
// result is ResultError.
func (m *Metrics) ObserveVerify(result string, failed int) {
	if m == nil {
		return
	}
	m.verifyRunsTotal.WithLabelValues(result).Inc()
	if result != ResultError {
		m.verifyFailedEntries.Set(float64(failed))
	}
}

// IncClosures records one closure attempt.
func (m *Metrics) IncClosures(outcome string) {
	if m == nil {
		return
	}
	m.closuresTotal.WithLabelValues(outcome).Inc()
}
