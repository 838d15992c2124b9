// Package metrics holds the Prometheus collectors of a consumer process.
package metrics

import (
	"github.com/RezaEskandarii/rollqueue/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"time"
)

const (
	prefix = "rollqueue_"

	categoryLabel = "category"
	resultLabel   = "result"
	statusLabel   = "status"
)

// Cycle results.
const (
	CycleEmpty     = "empty"
	CycleOK        = "ok"
	CycleFailed    = "failed"
	CycleCancelled = "cancelled"
)

type Metrics struct {
	cycles          *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	rows            *prometheus.CounterVec
	writeAnomalies  *prometheus.CounterVec
	rolledBackRows  *prometheus.CounterVec
	releasedRows    *prometheus.CounterVec
	lostClaims      *prometheus.CounterVec
	recoveredRows   *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	categoryLabels := []string{categoryLabel}

	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "cycles_total",
				Help: "Number of claim cycles by outcome",
			},
			[]string{categoryLabel, resultLabel},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "cycle_duration_seconds",
				Help:    "Wall time of a claim cycle",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			categoryLabels,
		),
		rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "rows_processed_total",
				Help: "Rows whose terminal status was committed",
			},
			[]string{categoryLabel, statusLabel},
		),
		writeAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "write_anomalies_total",
				Help: "Result writes that affected no row",
			},
			categoryLabels,
		),
		rolledBackRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "rolled_back_rows_total",
				Help: "Rows whose action ran but whose result was rolled back; these actions will run again",
			},
			categoryLabels,
		),
		releasedRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "released_rows_total",
				Help: "Claimed rows returned to pending before their action ran",
			},
			categoryLabels,
		),
		lostClaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "lost_claims_total",
				Help: "Claimed rows skipped because another process finalized them first",
			},
			categoryLabels,
		),
		recoveredRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "recovered_rows_total",
				Help: "Abandoned in_progress rows finalized as error",
			},
			categoryLabels,
		),
		publishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "publish_failures_total",
				Help: "Outcome notifications that could not be published",
			},
			categoryLabels,
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "queue_depth",
				Help: "Rows per status as last observed",
			},
			[]string{categoryLabel, statusLabel},
		),
	}

	for _, c := range []prometheus.Collector{
		m.cycles, m.cycleDuration, m.rows, m.writeAnomalies, m.rolledBackRows,
		m.releasedRows, m.lostClaims, m.recoveredRows, m.publishFailures, m.queueDepth,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveCycle(category, result string, elapsed time.Duration) {
	m.cycles.WithLabelValues(category, result).Inc()
	m.cycleDuration.WithLabelValues(category).Observe(elapsed.Seconds())
}

func (m *Metrics) RowCommitted(category string, status state.JobStatus) {
	m.rows.WithLabelValues(category, status.String()).Inc()
}

func (m *Metrics) WriteAnomaly(category string) {
	m.writeAnomalies.WithLabelValues(category).Inc()
}

func (m *Metrics) RowsRolledBack(category string, n int) {
	m.rolledBackRows.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) RowsReleased(category string, n int64) {
	m.releasedRows.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) ClaimLost(category string) {
	m.lostClaims.WithLabelValues(category).Inc()
}

func (m *Metrics) RowsRecovered(category string, n int64) {
	m.recoveredRows.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) PublishFailed(category string) {
	m.publishFailures.WithLabelValues(category).Inc()
}

func (m *Metrics) SetQueueDepth(category string, counts map[state.JobStatus]int) {
	for status, n := range counts {
		m.queueDepth.WithLabelValues(category, status.String()).Set(float64(n))
	}
}
