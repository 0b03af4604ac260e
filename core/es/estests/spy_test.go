package estests

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/esrt/core/es"
)

type (
	Test struct {
		es.BaseAggregate
		Foo string `json:"foo"`
	}

	FooChanged struct {
		Foo string `json:"foo"`
	}
)

func (a *Test) RegisterHandlers(h *es.Handlers) {
	es.Handle(h, func(e *FooChanged) { a.Foo = e.Foo })
}

func (a *Test) SetFoo(c es.Causation, foo string) error {
	return es.Update(a, c, &FooChanged{Foo: foo})
}

type (
	appendCall struct {
		stream   string
		expected es.Version
		events   []es.Envelope
	}

	readCall struct {
		stream   string
		from     es.Version
		afterSeq uint64
	}

	// spyStore records the calls the repository makes to an in-memory store.
	spyStore struct {
		*es.InMemoryStore

		mu      sync.Mutex
		appends []appendCall
		reads   []readCall

		// hold parks reads until it is closed or the read's context ends
		hold    chan struct{}
		reading chan struct{}
	}
)

func newSpyStore() *spyStore {
	return &spyStore{InMemoryStore: es.NewInMemoryStore()}
}

func (s *spyStore) AppendToStream(ctx context.Context, streamName string, expected es.Version, events []es.Envelope) (*es.AppendResult, error) {
	s.mu.Lock()
	s.appends = append(s.appends, appendCall{stream: streamName, expected: expected, events: append([]es.Envelope(nil), events...)})
	s.mu.Unlock()
	return s.InMemoryStore.AppendToStream(ctx, streamName, expected, events)
}

func (s *spyStore) ReadStreamForward(ctx context.Context, streamName string, from es.Version, count int) (*es.StreamSlice, error) {
	if err := s.read(ctx, readCall{stream: streamName, from: from}); err != nil {
		return nil, err
	}
	return s.InMemoryStore.ReadStreamForward(ctx, streamName, from, count)
}

func (s *spyStore) ReadStreamForwardAfter(ctx context.Context, streamName string, from es.Version, afterSeq uint64, count int) (*es.StreamSlice, error) {
	if err := s.read(ctx, readCall{stream: streamName, from: from, afterSeq: afterSeq}); err != nil {
		return nil, err
	}
	return s.InMemoryStore.ReadStreamForward(ctx, streamName, from, count)
}

func (s *spyStore) read(ctx context.Context, c readCall) error {
	s.mu.Lock()
	s.reads = append(s.reads, c)
	hold := s.hold
	s.mu.Unlock()
	if hold == nil {
		return nil
	}
	select {
	case s.reading <- struct{}{}:
	default:
	}
	select {
	case <-hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *spyStore) holdReads() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = make(chan struct{})
	s.reading = make(chan struct{}, 1)
	return sync.OnceFunc(func() { close(s.hold) })
}

func (s *spyStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends, s.reads = nil, nil
}

func (s *spyStore) appendCalls() []appendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appendCall(nil), s.appends...)
}

func (s *spyStore) readCalls() []readCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]readCall(nil), s.reads...)
}

var _ es.StreamSeqReader = (*spyStore)(nil)

func fooOf(t *testing.T, env es.Envelope) string {
	t.Helper()
	var ev FooChanged
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	return ev.Foo
}

func TestRepository_existsOnMissingStreamSkipsReads(t *testing.T) {
	store := newSpyStore()
	te := es.StartTestEnv(t, es.WithStore(store), es.WithAggregates(new(Test)))
	r := es.MustTypedRepository[*Test](te.Repository())

	ok, err := r.Exists(t.Context(), "1234")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, store.readCalls())
}

func TestRepository_commitNewStream(t *testing.T) {
	store := newSpyStore()
	te := es.StartTestEnv(t, es.WithStore(store), es.WithAggregates(new(Test)))
	r := es.MustTypedRepository[*Test](te.Repository())
	ctx := t.Context()

	a := r.New("1234")
	require.NoError(t, a.SetFoo(cmd("c1"), "Bar"))
	require.NoError(t, a.SetFoo(cmd("c1"), "Baz"))
	require.NoError(t, r.Commit(ctx, a))
	require.Equal(t, es.Version(1), a.GetVersion())

	calls := store.appendCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "tests-1234", calls[0].stream)
	require.Equal(t, es.NoEventsNumber, calls[0].expected)
	require.Len(t, calls[0].events, 2)
	for i, want := range []string{"Bar", "Baz"} {
		env := calls[0].events[i]
		require.Equal(t, es.EventTypeOf(&FooChanged{}), env.Type)
		require.Equal(t, es.Version(i), env.Version)
		require.Equal(t, want, fooOf(t, env))
	}

	got, err := r.GetByID(ctx, "1234")
	require.NoError(t, err)
	require.Equal(t, "Baz", got.Foo)
	require.Equal(t, es.Version(1), got.GetVersion())
}

func TestRepository_concurrentCommitsOneWins(t *testing.T) {
	const writers = 8

	store := newSpyStore()
	te := es.StartTestEnv(t, es.WithStore(store), es.WithAggregates(new(Test)))
	r := es.MustTypedRepository[*Test](te.Repository())
	ctx := t.Context()

	a := r.New("1234")
	require.NoError(t, a.SetFoo(cmd("init"), "Bar"))
	require.NoError(t, r.Commit(ctx, a))

	aggs := make([]*Test, writers)
	for i := range aggs {
		agg, err := r.GetByID(ctx, "1234")
		require.NoError(t, err)
		require.NoError(t, agg.SetFoo(cmd("w"), string(rune('a'+i))))
		aggs[i] = agg
	}

	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		errs   = make([]error, writers)
		winner = -1
	)
	for i, agg := range aggs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = r.Commit(ctx, agg)
		}()
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "more than one commit succeeded")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, es.ErrConcurrencyConflict)
	}
	require.NotEqual(t, -1, winner)

	slice, err := store.InMemoryStore.ReadStreamForward(ctx, "tests-1234", 0, 100)
	require.NoError(t, err)
	require.Len(t, slice.Events, 2)
	require.Equal(t, "Bar", fooOf(t, slice.Events[0]))
	require.Equal(t, string(rune('a'+winner)), fooOf(t, slice.Events[1]))

	got, err := r.GetByID(ctx, "1234")
	require.NoError(t, err)
	require.Equal(t, string(rune('a'+winner)), got.Foo)
}

func TestRepository_loadOutlivesCancelledReader(t *testing.T) {
	store := newSpyStore()
	seed := es.StartTestEnv(t, es.WithStore(store), es.WithAggregates(new(Test)))
	a := es.MustTypedRepository[*Test](seed.Repository()).New("1234")
	require.NoError(t, a.SetFoo(cmd("c1"), "Bar"))
	require.NoError(t, seed.Repository().Commit(t.Context(), a))

	te := es.StartTestEnv(t, es.WithStore(store), es.WithAggregates(new(Test)))
	r := es.MustTypedRepository[*Test](te.Repository())
	store.reset()
	release := store.holdReads()
	t.Cleanup(release)

	ctx, cancel := context.WithCancel(t.Context())
	first := make(chan error, 1)
	go func() {
		_, err := r.GetByID(ctx, "1234")
		first <- err
	}()
	<-store.reading

	type result struct {
		agg *Test
		err error
	}
	second := make(chan result, 1)
	go func() {
		agg, err := r.GetByID(t.Context(), "1234")
		second <- result{agg, err}
	}()
	// let the second reader join the load in flight
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	release()
	res := <-second
	require.NoError(t, res.err)
	require.Equal(t, "Bar", res.agg.Foo)
	require.Len(t, store.readCalls(), 1)
}

func TestRepository_replayResumesAfterLastSeq(t *testing.T) {
	store := newSpyStore()
	te := es.StartTestEnv(t, es.WithStore(store), es.WithAggregates(new(Test)))
	r := es.MustTypedRepository[*Test](te.Repository())
	ctx := t.Context()

	other := r.New("other")
	for _, foo := range []string{"x", "y", "z"} {
		require.NoError(t, other.SetFoo(cmd("o"), foo))
	}
	require.NoError(t, r.Commit(ctx, other))

	a := r.New("1234")
	require.NoError(t, a.SetFoo(cmd("c1"), "Bar"))
	require.NoError(t, r.Commit(ctx, a))
	require.Equal(t, uint64(4), es.MetadataOf(a).LastSeq)

	// a writer with its own snapshot tiers moves the stream on
	writer := es.StartTestEnv(t, es.WithStore(store), es.WithAggregates(new(Test)))
	require.NoError(t, es.MustTypedRepository[*Test](writer.Repository()).Execute(ctx, "1234", func(a *Test) error {
		return a.SetFoo(cmd("c2"), "Baz")
	}))
	store.reset()

	got, err := r.GetByID(ctx, "1234")
	require.NoError(t, err)
	require.Equal(t, "Baz", got.Foo)
	require.Equal(t, uint64(5), es.MetadataOf(got).LastSeq)

	reads := store.readCalls()
	require.NotEmpty(t, reads)
	require.Equal(t, readCall{stream: "tests-1234", from: 1, afterSeq: 4}, reads[0])
}
