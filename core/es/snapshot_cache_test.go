package es

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrt/core/cache"
)

type recordingWriter struct {
	mu      sync.Mutex
	written []SnapshotData
}

func (w *recordingWriter) EnqueueWrite(data SnapshotData) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, data)
}

func testFactory(t *testing.T) *Factory {
	t.Helper()
	f := NewFactory(NewRegistry())
	_, err := RegisterAggregate[*counter](f)
	require.NoError(t, err)
	return f
}

func committedCounter(t *testing.T, f *Factory, id string, events int) *counter {
	t.Helper()
	c := f.instance(mustType(t, f, "counters"), id).(*counter)
	for range events {
		require.NoError(t, Update(c, CausedByCommand("c", "", ""), &added{N: 1}))
	}
	ExtractPendingEvents(c)
	return c
}

func TestSnapshotCache(t *testing.T) {
	f := testFactory(t)
	sc := NewSnapshotCache(slog.Default(), f, SnapshotConfig{Interval: 3}, nil)

	c := committedCounter(t, f, "1", 2)
	require.False(t, sc.ExistsInMemory(c.GetStreamName()))
	require.NoError(t, sc.Save(c))
	require.True(t, sc.ExistsInMemory(c.GetStreamName()))

	a, ok, err := sc.TryGetFromMemory(c.GetStreamName())
	require.NoError(t, err)
	require.True(t, ok)
	b, _, _ := sc.TryGetFromMemory(c.GetStreamName())
	require.NotSame(t, a, b)
	require.NotSame(t, c, a)
	require.Equal(t, 2, a.(*counter).Value)
	require.Equal(t, Version(1), a.base().GetVersion())

	// mutating a copy leaves the cache alone
	a.(*counter).Value = 100
	b, _, _ = sc.TryGetFromMemory(c.GetStreamName())
	require.Equal(t, 2, b.(*counter).Value)

	sc.InvalidateInMemorySnapshot(c.GetStreamName())
	_, ok, err = sc.TryGetFromMemory(c.GetStreamName())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotCache_SaveIfNotExists(t *testing.T) {
	f := testFactory(t)
	sc := NewSnapshotCache(slog.Default(), f, SnapshotConfig{}, nil)

	c := committedCounter(t, f, "1", 1)
	saved, err := sc.SaveIfNotExists(c)
	require.NoError(t, err)
	require.True(t, saved)

	newer := committedCounter(t, f, "1", 3)
	saved, err = sc.SaveIfNotExists(newer)
	require.NoError(t, err)
	require.False(t, saved)

	a, _, _ := sc.TryGetFromMemory(c.GetStreamName())
	require.Equal(t, Version(0), a.base().GetVersion())
}

func TestSnapshotCache_durableInterval(t *testing.T) {
	f := testFactory(t)
	w := &recordingWriter{}
	sc := NewSnapshotCache(slog.Default(), f, SnapshotConfig{Interval: 3}, nil)
	sc.durable = w

	// the counter is global, not per stream
	for i := range 7 {
		require.NoError(t, sc.Save(committedCounter(t, f, string(rune('a'+i)), 1)))
	}
	require.Len(t, w.written, 2)
	require.Equal(t, "counters-c", w.written[0].StreamName)
	require.Equal(t, "counters-f", w.written[1].StreamName)

	// refreshes after a read are not commits
	require.NoError(t, sc.Refresh(committedCounter(t, f, "z", 1)))
	require.NoError(t, sc.Refresh(committedCounter(t, f, "z", 2)))
	require.Len(t, w.written, 2)
}

func TestSnapshotCache_priority(t *testing.T) {
	sc := NewSnapshotCache(slog.Default(), testFactory(t), SnapshotConfig{Interval: 10}, nil)
	require.Equal(t, cache.PriorityLow, sc.priorityFor(NoEventsNumber))
	require.Equal(t, cache.PriorityLow, sc.priorityFor(9))
	require.Equal(t, cache.PriorityNormal, sc.priorityFor(10))
	require.Equal(t, cache.PriorityNormal, sc.priorityFor(19))
	require.Equal(t, cache.PriorityHigh, sc.priorityFor(20))
}

func TestSnapshotCache_boundedBySize(t *testing.T) {
	f := testFactory(t)
	probe, err := f.Serialize(committedCounter(t, f, "0", 1))
	require.NoError(t, err)

	// room for two snapshots
	sc := NewSnapshotCache(slog.Default(), f, SnapshotConfig{MaxCost: int64(2*probe.ByteSize + 1)}, nil)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, sc.Save(committedCounter(t, f, id, 1)))
	}
	require.False(t, sc.ExistsInMemory("counters-1"))
	require.True(t, sc.ExistsInMemory("counters-2"))
	require.True(t, sc.ExistsInMemory("counters-3"))
}

func TestSnapshotCache_undecodable(t *testing.T) {
	f := testFactory(t)
	backing := cache.NewLRU(cache.LRUOpts{Size: 10})
	sc := NewSnapshotCache(slog.Default(), f, SnapshotConfig{}, backing)

	backing.Put("counters-1", &SnapshotData{StreamName: "counters-1", AggregateType: "gone"})
	_, ok, err := sc.TryGetFromMemory("counters-1")
	require.Error(t, err)
	require.False(t, ok)
	require.False(t, sc.ExistsInMemory("counters-1"))
}
