package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrt/core/es"
	"github.com/codewandler/esrt/core/es/estests/domain"
)

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)
	require.NotNil(t, m)

	m.StoreLoadDuration("users").ObserveDuration()
	m.StoreAppendDuration("users").ObserveDuration()
	m.EventsAppended("users", 5)

	m.RepoLoadDuration("users").ObserveDuration()
	m.RepoCommitDuration("users").ObserveDuration()
	m.ConcurrencyConflict("users")
	m.DuplicateDetected("users")
	m.ForeignKeyViolation("orders")

	m.CacheHit("users")
	m.CacheHit("users")
	m.CacheMiss("users")

	m.SnapshotLoadDuration("pkg.User").ObserveDuration()
	m.SnapshotSaveDuration("pkg.User").ObserveDuration()
	m.SnapshotMigrated("pkg.User")
	m.SnapshotWriteQueue(7)
	m.SnapshotWorkerError()
	m.OpenTransactions(2)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["esrt_store_load_duration_seconds"])
	assert.True(t, names["esrt_repo_commit_duration_seconds"])
	assert.True(t, names["esrt_cache_hits_total"])
	assert.True(t, names["esrt_snapshot_worker_errors_total"])
	assert.True(t, names["esrt_tx_open"])

	em := m.(*esMetrics)
	assert.Equal(t, 5.0, testutil.ToFloat64(em.eventsAppended.WithLabelValues("users")))
	assert.Equal(t, 2.0, testutil.ToFloat64(em.cacheHits.WithLabelValues("users")))
	assert.Equal(t, 7.0, testutil.ToFloat64(em.snapshotQueue))
	assert.Equal(t, 2.0, testutil.ToFloat64(em.openTransactions))
}

func TestNewESMetrics_duplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewESMetrics(reg)
	require.Panics(t, func() { NewESMetrics(reg) })
}

func TestESMetrics_repository(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg).(*esMetrics)
	env := es.StartTestEnv(t, es.WithMetrics(m), es.WithAggregates(&domain.TestAgg{}))
	repo := es.MustTypedRepository[*domain.TestAgg](env.Repository())
	ctx := t.Context()

	for range 3 {
		require.NoError(t, repo.Execute(ctx, "m1", func(a *domain.TestAgg) error {
			return a.Inc(es.CausedByCommand("c", "", ""))
		}))
	}
	_, err := repo.GetByID(ctx, "m1")
	require.NoError(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues("testAggs")))
	assert.Positive(t, testutil.ToFloat64(m.cacheHits.WithLabelValues("testAggs")))
}
