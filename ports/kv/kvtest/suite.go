// Package kvtest checks kv.Store implementations against the port contract.
package kvtest

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrt/ports/kv"
)

type foo struct {
	Name string
	Age  int
}

// Run exercises s. The store must be empty.
func Run(t *testing.T, s kv.Store) {
	t.Helper()
	ctx := t.Context()

	t.Run("get missing", func(t *testing.T) {
		_, err := kv.Get[foo](ctx, s, "missing")
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("put get delete", func(t *testing.T) {
		require.NoError(t, kv.Put(ctx, s, "p1", foo{Name: "P1", Age: 10}, kv.PutOptions{}))
		require.NoError(t, kv.Put(ctx, s, "p2", foo{Name: "P2", Age: 20}, kv.PutOptions{}))

		loaded, err := kv.Get[foo](ctx, s, "p1")
		require.NoError(t, err)
		require.Equal(t, foo{Name: "P1", Age: 10}, loaded)

		require.NoError(t, s.Delete(ctx, "p1"))
		_, err = kv.Get[foo](ctx, s, "p1")
		require.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, s.Delete(ctx, "p2"))
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "o", kv.Entry{Data: []byte("1")}, kv.PutOptions{}))
		require.NoError(t, s.Put(ctx, "o", kv.Entry{Data: []byte("2")}, kv.PutOptions{}))
		e, err := s.Get(ctx, "o")
		require.NoError(t, err)
		require.Equal(t, []byte("2"), e.Data)
		require.NoError(t, s.Delete(ctx, "o"))
	})

	t.Run("keys by prefix", func(t *testing.T) {
		for _, k := range []string{"a.x.1", "a.x.2", "a.y.1", "b.x.1"} {
			require.NoError(t, s.Put(ctx, k, kv.Entry{Data: []byte(k)}, kv.PutOptions{}))
		}
		keys, err := s.Keys(ctx, "a.x.")
		require.NoError(t, err)
		slices.Sort(keys)
		require.Equal(t, []string{"a.x.1", "a.x.2"}, keys)

		keys, err = s.Keys(ctx, "c.")
		require.NoError(t, err)
		require.Empty(t, keys)
	})
}
