package estests

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrt/core/es"
	"github.com/codewandler/esrt/core/es/estests/domain"
	"github.com/codewandler/esrt/core/metrics"
)

type countingMetrics struct {
	es.ESMetrics
	hits, misses, durableLoads atomic.Int64
}

func newCountingMetrics() *countingMetrics { return &countingMetrics{ESMetrics: es.NopESMetrics()} }

func (m *countingMetrics) CacheHit(string)  { m.hits.Add(1) }
func (m *countingMetrics) CacheMiss(string) { m.misses.Add(1) }
func (m *countingMetrics) SnapshotLoadDuration(string) metrics.Timer {
	m.durableLoads.Add(1)
	return metrics.NopTimer()
}

// retiredEvent is known to no aggregate.
type retiredEvent struct {
	Gone bool `json:"gone"`
}

func snapshotConfig(interval int) es.SnapshotConfig {
	cfg := es.DefaultSnapshotConfig()
	cfg.Interval = interval
	cfg.MigrationRate = 1000
	cfg.ErrorBackoff = 10 * time.Millisecond
	return cfg
}

func TestSnapshot_inMemory(t *testing.T) {
	m := newCountingMetrics()
	te := es.StartTestEnv(t, allAggregates, es.WithMetrics(m))
	r := es.MustTypedRepository[*domain.TestAgg](te.Repository())
	ctx := t.Context()

	a := r.New("mem")
	require.NoError(t, a.IncBy(cmd("c1"), 3))
	require.NoError(t, r.Commit(ctx, a))
	require.True(t, te.Repository().Snapshots().ExistsInMemory(a.GetStreamName()))

	loaded, err := r.GetByID(ctx, "mem")
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Count())
	require.EqualValues(t, 1, m.hits.Load())
	require.EqualValues(t, 0, m.misses.Load())

	t.Run("catches up with foreign writes", func(t *testing.T) {
		require.NoError(t, te.Append(ctx, a.GetStreamName(), 0, domain.Incremented{Inc: 4}))
		loaded, err := r.GetByID(ctx, "mem")
		require.NoError(t, err)
		require.Equal(t, 7, loaded.Count())
		require.Equal(t, es.Version(1), loaded.GetVersion())
	})

	t.Run("conflict invalidates", func(t *testing.T) {
		stale := r.New("mem")
		require.NoError(t, stale.Inc(cmd("c2")))
		require.ErrorIs(t, r.Commit(ctx, stale), es.ErrConcurrencyConflict)
		require.False(t, te.Repository().Snapshots().ExistsInMemory(a.GetStreamName()))

		loaded, err := r.GetByID(ctx, "mem")
		require.NoError(t, err)
		require.Equal(t, 7, loaded.Count())
		require.EqualValues(t, 1, m.misses.Load())
	})
}

func TestSnapshot_durableWriteEveryInterval(t *testing.T) {
	store := es.NewInMemorySnapshotStore()
	te := es.StartTestEnv(t, allAggregates,
		es.WithSnapshotStore(store),
		es.WithSnapshotConfig(snapshotConfig(2)),
	)
	r := es.MustTypedRepository[*domain.TestAgg](te.Repository())
	ctx := t.Context()

	a := r.New("durable")
	for range 4 {
		require.NoError(t, a.Inc(cmd("c")))
		require.NoError(t, r.Commit(ctx, a))
	}
	te.Shutdown()

	schemas, err := store.GetSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	require.Equal(t, r.Type().Name, schemas[0].AggregateType)
	require.Equal(t, 1, schemas[0].Version)
	require.Equal(t, r.Type().SchemaHash, schemas[0].Hash)

	snap, err := store.GetSnapshot(ctx, r.Type().Name, a.GetStreamName(), 1)
	require.NoError(t, err)
	require.Equal(t, es.Version(3), snap.Version)
	require.Equal(t, len(snap.Payload), snap.ByteSize)
}

func TestSnapshot_durableReadAfterRestart(t *testing.T) {
	var (
		events    = es.NewInMemoryStore()
		snapshots = es.NewInMemorySnapshotStore()
		ctx       = t.Context()
	)

	te1 := es.StartTestEnv(t, allAggregates,
		es.WithStore(events),
		es.WithSnapshotStore(snapshots),
		es.WithSnapshotConfig(snapshotConfig(1)),
	)
	r1 := es.MustTypedRepository[*domain.TestAgg](te1.Repository())
	a := r1.New("restart")
	require.NoError(t, a.IncBy(cmd("c1"), 5))
	require.NoError(t, r1.Commit(ctx, a))
	te1.Shutdown()

	// one more event the snapshot does not cover
	require.NoError(t, te1.Append(ctx, a.GetStreamName(), 0, domain.Incremented{Inc: 1}))

	m := newCountingMetrics()
	te2 := es.StartTestEnv(t, allAggregates,
		es.WithStore(events),
		es.WithSnapshotStore(snapshots),
		es.WithSnapshotConfig(snapshotConfig(1)),
		es.WithMetrics(m),
	)
	r2 := es.MustTypedRepository[*domain.TestAgg](te2.Repository())

	loaded, err := r2.GetByID(ctx, "restart")
	require.NoError(t, err)
	require.Equal(t, 6, loaded.Count())
	require.Equal(t, es.Version(1), loaded.GetVersion())
	require.EqualValues(t, 1, m.misses.Load())
	require.EqualValues(t, 1, m.durableLoads.Load())
	require.True(t, te2.Repository().Snapshots().ExistsInMemory(a.GetStreamName()))
}

func TestSnapshot_promoteLongReplay(t *testing.T) {
	store := es.NewInMemorySnapshotStore()
	te := es.StartTestEnv(t, allAggregates,
		es.WithSnapshotStore(store),
		es.WithSnapshotConfig(snapshotConfig(5)),
	)
	r := es.MustTypedRepository[*domain.TestAgg](te.Repository())
	ctx := t.Context()
	stream := r.StreamName("long")

	for v := range 6 {
		require.NoError(t, te.Append(ctx, stream, es.Version(v-1), domain.Incremented{Inc: 1}))
	}

	loaded, err := r.GetByID(ctx, "long")
	require.NoError(t, err)
	require.Equal(t, 6, loaded.Count())

	require.Eventually(t, func() bool {
		snap, err := store.GetSnapshot(ctx, r.Type().Name, stream, 1)
		return err == nil && snap.Version == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshot_schemaMigration(t *testing.T) {
	var (
		events    = es.NewInMemoryStore()
		snapshots = es.NewInMemorySnapshotStore()
		ctx       = t.Context()
	)

	te1 := es.StartTestEnv(t, allAggregates,
		es.WithStore(events),
		es.WithSnapshotStore(snapshots),
		es.WithSnapshotConfig(snapshotConfig(1)),
	)
	r1 := es.MustTypedRepository[*domain.TestAgg](te1.Repository())
	for _, id := range []string{"m1", "m2", "m3"} {
		a := r1.New(id)
		require.NoError(t, a.IncBy(cmd(id), 2))
		require.NoError(t, r1.Commit(ctx, a))
	}
	te1.Shutdown()

	// pretend the snapshots were written by an older build
	aggType := r1.Type().Name
	schema, ok := te1.Repository().Durable().Schema(aggType)
	require.True(t, ok)
	schema.Hash = "outdated"
	require.NoError(t, snapshots.SaveSchemas(ctx, schema))

	te2 := es.StartTestEnv(t, allAggregates,
		es.WithStore(events),
		es.WithSnapshotStore(snapshots),
		es.WithSnapshotConfig(snapshotConfig(1)),
	)
	r2 := es.MustTypedRepository[*domain.TestAgg](te2.Repository())
	durable := te2.Repository().Durable()

	current, ok := durable.Schema(aggType)
	require.True(t, ok)
	require.Equal(t, 2, current.Version)
	require.Equal(t, r2.Type().SchemaHash, current.Hash)

	loaded, err := r2.GetByID(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Count())

	require.Eventually(t, durable.IsUpToDate, 2*time.Second, 10*time.Millisecond)
	for _, id := range []string{"m1", "m2", "m3"} {
		snap, err := snapshots.GetSnapshot(ctx, aggType, r2.StreamName(id), 2)
		require.NoError(t, err)
		require.Equal(t, 2, snap.SchemaVersion)
		require.Equal(t, es.Version(0), snap.Version)
	}

	stored, err := snapshots.GetSchemas(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.False(t, stored[0].HasStaleSnapshots)
}

func TestSnapshot_unmigratableIsDeleted(t *testing.T) {
	var (
		events    = es.NewInMemoryStore()
		snapshots = es.NewInMemorySnapshotStore()
		ctx       = t.Context()
	)

	te1 := es.StartTestEnv(t, allAggregates,
		es.WithStore(events),
		es.WithSnapshotStore(snapshots),
		es.WithSnapshotConfig(snapshotConfig(1)),
	)
	r1 := es.MustTypedRepository[*domain.TestAgg](te1.Repository())
	a := r1.New("broken")
	require.NoError(t, a.Inc(cmd("c1")))
	require.NoError(t, r1.Commit(ctx, a))
	te1.Shutdown()

	// an event type this build no longer knows
	require.NoError(t, te1.Append(ctx, a.GetStreamName(), 0, retiredEvent{Gone: true}))
	aggType := r1.Type().Name
	schema, _ := te1.Repository().Durable().Schema(aggType)
	schema.Hash = "outdated"
	require.NoError(t, snapshots.SaveSchemas(ctx, schema))
	// the snapshot covers the unknown event
	snap, err := snapshots.GetSnapshot(ctx, aggType, a.GetStreamName(), 1)
	require.NoError(t, err)
	snap.Version = 1
	require.NoError(t, snapshots.SaveSnapshots(ctx, *snap))

	te2 := es.StartTestEnv(t, allAggregates,
		es.WithStore(events),
		es.WithSnapshotStore(snapshots),
		es.WithSnapshotConfig(snapshotConfig(1)),
	)
	require.Eventually(t, te2.Repository().Durable().IsUpToDate, 2*time.Second, 10*time.Millisecond)

	_, err = snapshots.GetStaleSnapshot(ctx, aggType, 2)
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)
	_, err = snapshots.GetSnapshot(ctx, aggType, a.GetStreamName(), 1)
	require.ErrorIs(t, err, es.ErrSnapshotNotFound)
}
