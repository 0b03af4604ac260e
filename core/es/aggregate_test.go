package es

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type (
	counter struct {
		BaseAggregate
		Value     int `json:"value"`
		Doubled   int `json:"-"`
		finalized int
	}

	added struct {
		InTransaction
		N int `json:"n"`
	}
	removed struct{}
	noted   struct{}
)

func (a added) Validate() error {
	if a.N < 0 {
		return errors.New("n must not be negative")
	}
	return nil
}

func (c *counter) RegisterHandlers(h *Handlers) {
	Handle(h, func(e *added) { c.Value += e.N })
	Handle(h, func(*removed) { c.MarkDeleted() })
	Ignore[noted](h)
}

func (c *counter) FinalizeOutputState() {
	c.Doubled = 2 * c.Value
	c.finalized++
}

func newCounter(id string) *counter {
	c := &counter{}
	c.init(id, StreamName("counters", id), nil)
	c.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return c
}

func causation(n int64) Causation {
	return Causation{CorrelationID: "corr", CausationID: "cause", CausationNumber: &n}
}

func TestBaseAggregate_zeroValue(t *testing.T) {
	var c counter
	require.Equal(t, NoEventsNumber, c.GetVersion())
	require.False(t, c.Exists())
	require.False(t, c.HasPendingEvents())
	require.Equal(t, int64(-1), c.LastCausationNumber())
	require.Empty(t, c.LockedBy())
}

func TestUpdate(t *testing.T) {
	c := newCounter("1")
	cmd := CausedByCommand("cmd-1", "", "me")

	require.NoError(t, Update(c, cmd, &added{N: 2}))
	require.NoError(t, Update(c, cmd, added{N: 3}))
	require.Equal(t, 5, c.Value)
	require.Equal(t, Version(1), c.GetVersion())
	require.True(t, c.Exists())

	pending := ExtractPendingEvents(c)
	require.Len(t, pending, 2)
	require.False(t, c.HasPendingEvents())

	first := pending[0]
	require.Equal(t, "counters-1", first.StreamName)
	require.Equal(t, EventTypeOf(&added{}), first.Type)
	require.IsType(t, &added{}, first.Payload)
	require.IsType(t, &added{}, pending[1].Payload)
	require.Equal(t, "cmd-1", first.Metadata.CorrelationID)
	require.Equal(t, "me", first.Metadata.Author)
	require.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), first.Metadata.Timestamp)
	require.NotEmpty(t, first.Metadata.CommitID)
	require.Equal(t, first.Metadata.CommitID, pending[1].Metadata.CommitID)
	require.NotEqual(t, first.Metadata.EventID, pending[1].Metadata.EventID)

	// a new update gets a new commit id
	require.NoError(t, Update(c, cmd, &added{N: 1}))
	next := ExtractPendingEvents(c)
	require.NotEqual(t, first.Metadata.CommitID, next[0].Metadata.CommitID)
}

func TestUpdate_validation(t *testing.T) {
	c := newCounter("1")
	require.Error(t, Update(c, causation(1), &added{N: -1}))
	require.False(t, c.HasPendingEvents())
	require.Equal(t, NoEventsNumber, c.GetVersion())
}

func TestUpdate_unhandled(t *testing.T) {
	type unknown struct{}
	c := newCounter("1")
	require.ErrorIs(t, Update(c, causation(1), &unknown{}), ErrUnhandledEventType)
	require.False(t, c.HasPendingEvents())
}

func TestUpdate_ignored(t *testing.T) {
	c := newCounter("1")
	require.NoError(t, Update(c, causation(1), &noted{}))
	require.Equal(t, Version(0), c.GetVersion())
	require.False(t, c.Exists())
	require.Len(t, ExtractPendingEvents(c), 1)
}

func TestUpdate_duplicates(t *testing.T) {
	c := newCounter("1")
	require.NoError(t, Update(c, causation(10), &added{N: 1}))
	ExtractPendingEvents(c)
	require.Equal(t, int64(10), c.LastCausationNumber())

	require.NoError(t, UpdateAll(c, causation(10), &added{N: 1}, &added{N: 1}))
	require.True(t, c.DuplicateDetected())
	require.False(t, c.HasPendingEvents())
	require.Equal(t, 1, c.Value)

	ExtractPendingEvents(c)
	require.False(t, c.DuplicateDetected())

	// only the first event of an update is checked
	require.NoError(t, Update(c, causation(11), &added{N: 1}))
	require.NoError(t, Update(c, causation(3), &added{N: 1}))
	require.Equal(t, 3, c.Value)
	require.Equal(t, int64(11), c.LastCausationNumber())
}

func TestApply_replay(t *testing.T) {
	c := newCounter("1")
	n := int64(7)
	for i := range 3 {
		require.NoError(t, Apply(c, Event{
			Payload:  &added{N: i},
			Metadata: EventMetadata{CausationNumber: &n},
		}))
	}
	require.Equal(t, Version(2), c.GetVersion())
	require.Equal(t, 3, c.Value)
	require.Equal(t, int64(7), c.LastCausationNumber())
	require.False(t, c.HasPendingEvents())

	// command causations are not tracked
	m := int64(100)
	require.NoError(t, Apply(c, Event{Payload: &added{}, Metadata: EventMetadata{CausationNumber: &m, CausedByCommand: true}}))
	require.Equal(t, int64(7), c.LastCausationNumber())
}

func TestAggregate_delete(t *testing.T) {
	c := newCounter("1")
	require.NoError(t, Update(c, causation(1), &added{N: 1}))
	require.NoError(t, Update(c, causation(1), &removed{}))
	require.False(t, c.Exists())
	// a later event revives it
	require.NoError(t, Update(c, causation(1), &added{N: 1}))
	require.True(t, c.Exists())
}

func TestAggregate_lock(t *testing.T) {
	c := newCounter("1")
	require.NoError(t, Update(c, causation(1), &LockAcquired{TxID: "tx"}))
	require.Equal(t, "tx", c.LockedBy())
	require.Equal(t, "tx", c.GetMetadata().LockedBy)

	require.ErrorIs(t, Update(c, causation(1), &added{N: 1}), ErrConcurrencyConflict)
	require.ErrorIs(t, Update(c, causation(1), &LockAcquired{TxID: "other"}), ErrConcurrencyConflict)
	require.NoError(t, Update(c, causation(1), &added{InTransaction: InTransaction{TxID: "tx"}, N: 1}))
	require.NoError(t, Update(c, causation(1), &LockAcquired{TxID: "tx"}))
	require.NoError(t, Update(c, causation(1), &LockReleased{TxID: "tx"}))
	require.Empty(t, c.LockedBy())
	require.NoError(t, Update(c, causation(1), &added{N: 1}))
	require.Equal(t, 2, c.Value)

	require.ErrorIs(t, Update(&c, causation(1), &LockReleased{TxID: "tx"}), ErrInvalidOperation)
	require.Error(t, Update(&c, causation(1), &LockAcquired{}))
}

func TestPrepareOutputState(t *testing.T) {
	c := newCounter("1")
	require.NoError(t, Update(c, causation(1), &added{N: 4}))
	PrepareOutputState(c)
	PrepareOutputState(c)
	require.Equal(t, 8, c.Doubled)
	require.Equal(t, 1, c.finalized)

	require.NoError(t, Update(c, causation(2), &added{N: 1}))
	PrepareOutputState(c)
	require.Equal(t, 10, c.Doubled)
	require.Equal(t, 2, c.finalized)
}

func TestExtractPendingEvents_resetsOutputState(t *testing.T) {
	c := newCounter("1")
	require.NoError(t, Update(c, causation(1), &added{N: 2}))
	PrepareOutputState(c)
	require.Equal(t, 1, c.finalized)

	require.Len(t, ExtractPendingEvents(c), 1)
	PrepareOutputState(c)
	require.Equal(t, 2, c.finalized)
	require.Empty(t, ExtractPendingEvents(c))
}

func TestMetadataOf(t *testing.T) {
	c := newCounter("1")
	require.NoError(t, Update(c, causation(4), &added{N: 1}))
	require.Equal(t, AggregateMetadata{
		ID:                  "1",
		StreamName:          "counters-1",
		Version:             0,
		LastCausationNumber: 4,
		Exists:              true,
	}, MetadataOf(c))

	restored := &counter{}
	restored.restore(MetadataOf(c))
	require.Equal(t, MetadataOf(c), MetadataOf(restored))
}

func TestCausedByEvent(t *testing.T) {
	n := Version(3)
	ev := Event{Metadata: EventMetadata{
		EventID:     "ev-1",
		Author:      "a",
		Context:     map[string]string{"k": "v"},
		EventNumber: &n,
	}}
	c := CausedByEvent(ev)
	require.Equal(t, "ev-1", c.CorrelationID)
	require.Equal(t, "ev-1", c.CausationID)
	require.Equal(t, int64(3), *c.CausationNumber)
	require.False(t, c.FromCommand)
	require.Equal(t, "v", c.Context["k"])

	ev.Metadata.CorrelationID = "corr"
	require.Equal(t, "corr", CausedByEvent(ev).CorrelationID)
}
