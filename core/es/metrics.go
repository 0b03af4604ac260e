package es

import "github.com/codewandler/esrt/core/metrics"

// ESMetrics is the instrumentation surface of the runtime. Labels are stream
// categories or aggregate type names; implementations must be thread-safe.
type ESMetrics interface {
	// Store operations
	StoreLoadDuration(category string) metrics.Timer
	StoreAppendDuration(category string) metrics.Timer
	EventsAppended(category string, count int)

	// Repository operations
	RepoLoadDuration(category string) metrics.Timer
	RepoCommitDuration(category string) metrics.Timer
	ConcurrencyConflict(category string)
	DuplicateDetected(category string)
	ForeignKeyViolation(category string)

	// In-memory snapshots
	CacheHit(category string)
	CacheMiss(category string)

	// Durable snapshots
	SnapshotLoadDuration(aggType string) metrics.Timer
	SnapshotSaveDuration(aggType string) metrics.Timer
	SnapshotMigrated(aggType string)
	SnapshotWriteQueue(depth int)
	SnapshotWorkerError()

	OpenTransactions(count int)
}

type nopESMetrics struct{}

func (nopESMetrics) StoreLoadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)               {}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) RepoCommitDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConcurrencyConflict(string)              {}
func (nopESMetrics) DuplicateDetected(string)                {}
func (nopESMetrics) ForeignKeyViolation(string)              {}

func (nopESMetrics) CacheHit(string)  {}
func (nopESMetrics) CacheMiss(string) {}

func (nopESMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotMigrated(string)                   {}
func (nopESMetrics) SnapshotWriteQueue(int)                    {}
func (nopESMetrics) SnapshotWorkerError()                      {}

func (nopESMetrics) OpenTransactions(int) {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }
