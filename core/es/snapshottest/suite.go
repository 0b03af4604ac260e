// Package snapshottest checks es.SnapshotStore implementations.
package snapshottest

import (
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrt/core/es"
)

// Run exercises s. Aggregate type names are random, so the store may be shared.
func Run(t *testing.T, s es.SnapshotStore) {
	t.Helper()
	ctx := t.Context()
	suffix := gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 8)
	typeA, typeB := "pkg/a."+suffix, "pkg/b."+suffix

	snap := func(stream string, v es.Version, schema int) es.SnapshotData {
		return es.SnapshotData{
			StreamName:    stream,
			Version:       v,
			AggregateType: typeA,
			PackagePath:   "pkg/a",
			SchemaVersion: schema,
			Payload:       []byte(`{"state":{}}`),
			ByteSize:      12,
		}
	}

	t.Run("schemas", func(t *testing.T) {
		require.NoError(t, s.SaveSchemas(ctx,
			es.SnapshotSchema{AggregateType: typeA, PackagePath: "pkg/a", Version: 1, Hash: "h1"},
			es.SnapshotSchema{AggregateType: typeB, PackagePath: "pkg/b", Version: 2, Hash: "h2", HasStaleSnapshots: true},
		))
		require.NoError(t, s.SaveSchemas(ctx, es.SnapshotSchema{AggregateType: typeB, PackagePath: "pkg/b", Version: 3, Hash: "h3"}))

		schemas, err := s.GetSchemas(ctx)
		require.NoError(t, err)
		byType := map[string]es.SnapshotSchema{}
		for _, schema := range schemas {
			byType[schema.AggregateType] = schema
		}
		require.Equal(t, es.SnapshotSchema{AggregateType: typeA, PackagePath: "pkg/a", Version: 1, Hash: "h1"}, byType[typeA])
		require.Equal(t, es.SnapshotSchema{AggregateType: typeB, PackagePath: "pkg/b", Version: 3, Hash: "h3"}, byType[typeB])
	})

	t.Run("lookup by schema version", func(t *testing.T) {
		require.NoError(t, s.SaveSnapshots(ctx, snap("as-1", 3, 1)))
		got, err := s.GetSnapshot(ctx, typeA, "as-1", 1)
		require.NoError(t, err)
		require.Equal(t, snap("as-1", 3, 1), *got)

		_, err = s.GetSnapshot(ctx, typeA, "as-1", 2)
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)
		_, err = s.GetSnapshot(ctx, typeA, "as-2", 1)
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)
		_, err = s.GetSnapshot(ctx, typeB, "as-1", 1)
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)
	})

	t.Run("older versions never replace newer", func(t *testing.T) {
		require.NoError(t, s.SaveSnapshots(ctx, snap("as-1", 2, 1)))
		got, err := s.GetSnapshot(ctx, typeA, "as-1", 1)
		require.NoError(t, err)
		require.Equal(t, es.Version(3), got.Version)

		// unless written with another schema
		require.NoError(t, s.SaveSnapshots(ctx, snap("as-1", 2, 2)))
		got, err = s.GetSnapshot(ctx, typeA, "as-1", 2)
		require.NoError(t, err)
		require.Equal(t, es.Version(2), got.Version)
	})

	t.Run("stale", func(t *testing.T) {
		require.NoError(t, s.SaveSnapshots(ctx, snap("as-9", 0, 1), snap("as-8", 5, 2)))
		stale, err := s.GetStaleSnapshot(ctx, typeA, 2)
		require.NoError(t, err)
		require.Equal(t, "as-9", stale.StreamName)

		require.NoError(t, s.DeleteSnapshot(ctx, typeA, "as-9"))
		_, err = s.GetStaleSnapshot(ctx, typeA, 2)
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)
		_, err = s.GetStaleSnapshot(ctx, typeB, 3)
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)
	})

	t.Run("delete missing", func(t *testing.T) {
		require.NoError(t, s.DeleteSnapshot(ctx, typeA, "as-none"))
	})

	t.Run("stream names with separators", func(t *testing.T) {
		require.NoError(t, s.SaveSnapshots(ctx, snap("as-x.y/z", 0, 1)))
		_, err := s.GetSnapshot(ctx, typeA, "as-x.y/z", 1)
		require.NoError(t, err)
	})
}
