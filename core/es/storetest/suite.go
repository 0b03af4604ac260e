// Package storetest checks es.EventStore implementations against the
// append/read contract the repository relies on.
package storetest

import (
	"fmt"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrt/core/es"
)

func envelopes(stream string, n int) []es.Envelope {
	out := make([]es.Envelope, 0, n)
	for i := range n {
		id := gonanoid.Must()
		out = append(out, es.Envelope{
			ID:         id,
			StreamName: stream,
			Type:       "storetest.Ping",
			Data:       []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Metadata:   es.EventMetadata{EventID: id, CommitID: "c", Timestamp: time.Now().UTC()},
		})
	}
	return out
}

// Run exercises s. Every run uses fresh categories, so the store may be shared.
func Run(t *testing.T, s es.EventStore) {
	t.Helper()
	ctx := t.Context()
	category := "storetest" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 8)
	stream := func(id string) string { return es.StreamName(category, id) }

	t.Run("missing stream", func(t *testing.T) {
		slice, err := s.ReadStreamForward(ctx, stream("missing"), 0, 10)
		require.NoError(t, err)
		require.Empty(t, slice.Events)
		require.True(t, slice.IsEnd)

		ok, err := s.StreamExists(ctx, stream("missing"))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("append and read", func(t *testing.T) {
		name := stream("a")
		res, err := s.AppendToStream(ctx, name, es.NoEventsNumber, envelopes(name, 3))
		require.NoError(t, err)
		require.Equal(t, es.Version(2), res.LastVersion)
		require.Equal(t, res.FirstSeq+2, res.LastSeq)

		res, err = s.AppendToStream(ctx, name, 2, envelopes(name, 2))
		require.NoError(t, err)
		require.Equal(t, es.Version(4), res.LastVersion)

		ok, err := s.StreamExists(ctx, name)
		require.NoError(t, err)
		require.True(t, ok)

		slice, err := s.ReadStreamForward(ctx, name, 0, 100)
		require.NoError(t, err)
		require.Len(t, slice.Events, 5)
		require.True(t, slice.IsEnd)
		for i, env := range slice.Events {
			require.Equal(t, es.Version(i), env.Version)
			require.Equal(t, name, env.StreamName)
			require.Equal(t, "storetest.Ping", env.Type)
			require.NotZero(t, env.Seq)
			require.Equal(t, env.ID, env.Metadata.EventID)
			if i > 0 {
				require.Greater(t, env.Seq, slice.Events[i-1].Seq)
			}
		}
		require.JSONEq(t, `{"n":1}`, string(slice.Events[1].Data))
	})

	t.Run("paged read", func(t *testing.T) {
		name := stream("paged")
		_, err := s.AppendToStream(ctx, name, es.NoEventsNumber, envelopes(name, 5))
		require.NoError(t, err)

		var got []es.Version
		from := es.Version(0)
		for {
			slice, err := s.ReadStreamForward(ctx, name, from, 2)
			require.NoError(t, err)
			require.LessOrEqual(t, len(slice.Events), 2)
			for _, env := range slice.Events {
				got = append(got, env.Version)
			}
			if slice.IsEnd {
				break
			}
			from = slice.NextVersion
		}
		require.Equal(t, []es.Version{0, 1, 2, 3, 4}, got)

		slice, err := s.ReadStreamForward(ctx, name, 3, 10)
		require.NoError(t, err)
		require.Len(t, slice.Events, 2)
		require.Equal(t, es.Version(3), slice.Events[0].Version)
	})

	t.Run("expected version", func(t *testing.T) {
		name := stream("cc")
		_, err := s.AppendToStream(ctx, name, es.NoEventsNumber, envelopes(name, 1))
		require.NoError(t, err)

		_, err = s.AppendToStream(ctx, name, es.NoEventsNumber, envelopes(name, 1))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
		_, err = s.AppendToStream(ctx, name, 5, envelopes(name, 1))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)

		res, err := s.AppendToStream(ctx, name, es.AnyVersion, envelopes(name, 2))
		require.NoError(t, err)
		require.Equal(t, es.Version(2), res.LastVersion)
	})

	t.Run("no events", func(t *testing.T) {
		_, err := s.AppendToStream(ctx, stream("empty"), es.NoEventsNumber, nil)
		require.ErrorIs(t, err, es.ErrStoreNoEvents)
	})

	t.Run("categories", func(t *testing.T) {
		cat := category + "x"
		var asOf uint64
		for _, id := range []string{"one", "two", "three"} {
			name := es.StreamName(cat, id)
			res, err := s.AppendToStream(ctx, name, es.NoEventsNumber, envelopes(name, 1))
			require.NoError(t, err)
			if id == "two" {
				asOf = res.LastSeq
			}
		}
		// a later event on an older stream does not reorder it
		_, err := s.AppendToStream(ctx, es.StreamName(cat, "one"), 0, envelopes(es.StreamName(cat, "one"), 1))
		require.NoError(t, err)

		last, ok, err := s.LastStreamInCategory(ctx, cat)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, es.StreamName(cat, "three"), last)

		page, err := s.ReadCategoryStreams(ctx, cat, 0, 2, 0)
		require.NoError(t, err)
		require.Equal(t, []string{es.StreamName(cat, "one"), es.StreamName(cat, "two")}, page.StreamNames)
		require.False(t, page.IsEnd)

		page, err = s.ReadCategoryStreams(ctx, cat, page.Next, 2, 0)
		require.NoError(t, err)
		require.Equal(t, []string{es.StreamName(cat, "three")}, page.StreamNames)
		require.True(t, page.IsEnd)

		page, err = s.ReadCategoryStreams(ctx, cat, 0, 10, asOf)
		require.NoError(t, err)
		require.Equal(t, []string{es.StreamName(cat, "one"), es.StreamName(cat, "two")}, page.StreamNames)
		require.True(t, page.IsEnd)

		_, ok, err = s.LastStreamInCategory(ctx, cat+"none")
		require.NoError(t, err)
		require.False(t, ok)
	})
}
