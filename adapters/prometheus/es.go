package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/esrt/core/es"
	"github.com/codewandler/esrt/core/metrics"
)

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Store metrics
	storeLoadDuration   *prometheus.HistogramVec
	storeAppendDuration *prometheus.HistogramVec
	eventsAppended      *prometheus.CounterVec

	// Repository metrics
	repoLoadDuration     *prometheus.HistogramVec
	repoCommitDuration   *prometheus.HistogramVec
	concurrencyConflicts *prometheus.CounterVec
	duplicates           *prometheus.CounterVec
	fkViolations         *prometheus.CounterVec

	// In-memory snapshot metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Durable snapshot metrics
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec
	snapshotsMigrated    *prometheus.CounterVec
	snapshotQueue        prometheus.Gauge
	snapshotWorkerErrors prometheus.Counter

	openTransactions prometheus.Gauge
}

// NewESMetrics creates the collectors and registers them with reg.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		storeLoadDuration:   histogram("store", "load_duration_seconds", "Event store read latency in seconds", "category"),
		storeAppendDuration: histogram("store", "append_duration_seconds", "Event store append latency in seconds", "category"),
		eventsAppended:      counter("store", "events_appended_total", "Total number of events appended", "category"),

		repoLoadDuration:     histogram("repo", "load_duration_seconds", "Repository load latency in seconds", "category"),
		repoCommitDuration:   histogram("repo", "commit_duration_seconds", "Repository commit latency in seconds", "category"),
		concurrencyConflicts: counter("repo", "concurrency_conflicts_total", "Total number of optimistic concurrency failures", "category"),
		duplicates:           counter("repo", "duplicates_total", "Total number of updates dropped as already applied", "category"),
		fkViolations:         counter("repo", "foreign_key_violations_total", "Total number of commits rejected for missing references", "category"),

		cacheHits:   counter("cache", "hits_total", "Total number of in-memory snapshot hits", "category"),
		cacheMisses: counter("cache", "misses_total", "Total number of in-memory snapshot misses", "category"),

		snapshotLoadDuration: histogram("snapshot", "load_duration_seconds", "Durable snapshot read latency in seconds", "aggregate_type"),
		snapshotSaveDuration: histogram("snapshot", "save_duration_seconds", "Durable snapshot write latency in seconds", "aggregate_type"),
		snapshotsMigrated:    counter("snapshot", "migrated_total", "Total number of snapshots rewritten for a new schema", "aggregate_type"),
		snapshotQueue:        gauge("snapshot", "write_queue", "Snapshots waiting to be persisted"),
		snapshotWorkerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "worker_errors_total",
			Help:      "Total number of failed snapshot worker steps",
		}),

		openTransactions: gauge("tx", "open", "Transactions started by this process and not completed"),
	}

	reg.MustRegister(
		m.storeLoadDuration,
		m.storeAppendDuration,
		m.eventsAppended,
		m.repoLoadDuration,
		m.repoCommitDuration,
		m.concurrencyConflicts,
		m.duplicates,
		m.fkViolations,
		m.cacheHits,
		m.cacheMisses,
		m.snapshotLoadDuration,
		m.snapshotSaveDuration,
		m.snapshotsMigrated,
		m.snapshotQueue,
		m.snapshotWorkerErrors,
		m.openTransactions,
	)

	return m
}

func (m *esMetrics) StoreLoadDuration(category string) metrics.Timer {
	return newTimer(m.storeLoadDuration.WithLabelValues(category))
}

func (m *esMetrics) StoreAppendDuration(category string) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(category))
}

func (m *esMetrics) EventsAppended(category string, count int) {
	m.eventsAppended.WithLabelValues(category).Add(float64(count))
}

func (m *esMetrics) RepoLoadDuration(category string) metrics.Timer {
	return newTimer(m.repoLoadDuration.WithLabelValues(category))
}

func (m *esMetrics) RepoCommitDuration(category string) metrics.Timer {
	return newTimer(m.repoCommitDuration.WithLabelValues(category))
}

func (m *esMetrics) ConcurrencyConflict(category string) {
	m.concurrencyConflicts.WithLabelValues(category).Inc()
}

func (m *esMetrics) DuplicateDetected(category string) {
	m.duplicates.WithLabelValues(category).Inc()
}

func (m *esMetrics) ForeignKeyViolation(category string) {
	m.fkViolations.WithLabelValues(category).Inc()
}

func (m *esMetrics) CacheHit(category string)  { m.cacheHits.WithLabelValues(category).Inc() }
func (m *esMetrics) CacheMiss(category string) { m.cacheMisses.WithLabelValues(category).Inc() }

func (m *esMetrics) SnapshotLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SnapshotSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SnapshotMigrated(aggType string) {
	m.snapshotsMigrated.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) SnapshotWriteQueue(depth int) { m.snapshotQueue.Set(float64(depth)) }
func (m *esMetrics) SnapshotWorkerError()         { m.snapshotWorkerErrors.Inc() }
func (m *esMetrics) OpenTransactions(count int)   { m.openTransactions.Set(float64(count)) }

var _ es.ESMetrics = (*esMetrics)(nil)
