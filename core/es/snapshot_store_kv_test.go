package es_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrt/core/es"
	"github.com/codewandler/esrt/core/es/snapshottest"
	"github.com/codewandler/esrt/ports/kv"
)

func TestKVSnapshotStore(t *testing.T) {
	snapshottest.Run(t, es.NewInMemorySnapshotStore())
}

type countingKV struct {
	kv.Store
	keys atomic.Int64
	gets atomic.Int64
}

func (c *countingKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	c.keys.Add(1)
	return c.Store.Keys(ctx, prefix)
}

func (c *countingKV) Get(ctx context.Context, key string) (kv.Entry, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, key)
}

func TestKVSnapshotStore_migrationWalksKeysOnce(t *testing.T) {
	const (
		n       = 50
		aggType = "pkg/counters.Counter"
	)
	ctx := t.Context()
	backing := &countingKV{Store: kv.NewMemStore()}
	store := es.NewKVSnapshotStore(backing)

	for i := range n {
		require.NoError(t, store.SaveSnapshots(ctx, es.SnapshotData{
			StreamName:    fmt.Sprintf("counters-%02d", i),
			Version:       3,
			Payload:       []byte(`{}`),
			AggregateType: aggType,
			SchemaVersion: 1,
		}))
	}
	backing.keys.Store(0)
	backing.gets.Store(0)

	migrated := 0
	for {
		stale, err := store.GetStaleSnapshot(ctx, aggType, 2)
		if err != nil {
			require.ErrorIs(t, err, es.ErrSnapshotNotFound)
			break
		}
		stale.SchemaVersion = 2
		require.NoError(t, store.SaveSnapshots(ctx, *stale))
		migrated++
		require.LessOrEqual(t, migrated, n)
	}

	require.Equal(t, n, migrated)
	// one listing to walk, one to confirm nothing is left
	require.Equal(t, int64(2), backing.keys.Load())
	// each key is read by the walk, by SaveSnapshots and by the final check
	require.LessOrEqual(t, backing.gets.Load(), int64(4*n))
}

func TestKVSnapshotStore_staleWrittenBehindCursor(t *testing.T) {
	ctx := t.Context()
	store := es.NewInMemorySnapshotStore()
	snap := func(stream string, schema int) es.SnapshotData {
		return es.SnapshotData{StreamName: stream, Version: 0, Payload: []byte(`{}`), AggregateType: "pkg.T", SchemaVersion: schema}
	}
	require.NoError(t, store.SaveSnapshots(ctx, snap("ts-b", 1)))

	stale, err := store.GetStaleSnapshot(ctx, "pkg.T", 2)
	require.NoError(t, err)
	require.Equal(t, "ts-b", stale.StreamName)
	require.NoError(t, store.SaveSnapshots(ctx, snap("ts-b", 2)))

	// sorts before the cursor position
	require.NoError(t, store.SaveSnapshots(ctx, snap("ts-a", 1)))
	stale, err = store.GetStaleSnapshot(ctx, "pkg.T", 2)
	require.NoError(t, err)
	require.Equal(t, "ts-a", stale.StreamName)
}
