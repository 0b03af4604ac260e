package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/codewandler/esrt/core/perkey"
	"github.com/codewandler/esrt/core/sf"
	"github.com/codewandler/esrt/internal/codec"
)

// Repository commits and rehydrates aggregates. Reads go through the
// in-memory snapshot tier, then the durable tier, then full replay.
type Repository struct {
	log       *slog.Logger
	store     EventStore
	factory   *Factory
	snapshots *SnapshotCache
	durable   *PersistentSnapshotter
	txPool    *TransactionPool
	loads     *sf.Singleflight[*SnapshotData]
	exec      *perkey.Scheduler[string]
	fk        ForeignKeyResolver
	metrics   ESMetrics
	pageSize  int
	interval  int
	txPoll    time.Duration
	loadTTL   time.Duration
}

func NewRepository(store EventStore, factory *Factory, opts ...RepositoryOption) *Repository {
	options := newRepoOpts(opts...)
	cfg := options.snapshotCfg.withDefaults()

	r := &Repository{
		log:      options.log.With(slog.String("repo", fmt.Sprintf("%T", store))),
		store:    store,
		factory:  factory,
		txPool:   NewTransactionPool(),
		loads:    sf.New[*SnapshotData](),
		exec:     perkey.New[string](),
		fk:       options.fkResolver,
		metrics:  options.metrics,
		pageSize: options.pageSize,
		interval: cfg.Interval,
		txPoll:   options.txPollInterval,
		loadTTL:  options.loadTimeout,
	}
	if r.fk == nil {
		r.fk = r
	}

	r.snapshots = NewSnapshotCache(options.log, factory, cfg, options.cache)
	r.snapshots.metrics = options.metrics
	if options.snapshotStore != nil {
		r.durable = NewPersistentSnapshotter(options.log, options.snapshotStore, factory, r, cfg)
		r.durable.metrics = options.metrics
		r.snapshots.durable = r.durable
	}
	return r
}

func (r *Repository) Factory() *Factory               { return r.factory }
func (r *Repository) Store() EventStore               { return r.store }
func (r *Repository) Snapshots() *SnapshotCache       { return r.snapshots }
func (r *Repository) Durable() *PersistentSnapshotter { return r.durable }

// Start launches the durable snapshot worker, if configured.
func (r *Repository) Start(ctx context.Context) error {
	if r.durable == nil {
		return nil
	}
	return r.durable.Start(ctx)
}

// Stop flushes the durable write queue. Pending Execute calls are rejected.
func (r *Repository) Stop() {
	r.exec.Close()
	if r.durable != nil {
		r.durable.Stop()
	}
}

// === write ===

// Commit appends the pending events of agg expecting the stream to be at the
// version agg had before they were raised.
func (r *Repository) Commit(ctx context.Context, agg Aggregate) error {
	b := agg.base()
	category := categoryOfStream(b.streamName)

	if b.duplicate {
		r.metrics.DuplicateDetected(category)
		r.log.Debug("dropping duplicate update", slog.String("stream", b.streamName))
	}
	if KindOf(agg) == KindStateless {
		return r.Append(ctx, agg)
	}

	pending := ExtractPendingEvents(agg)
	if len(pending) == 0 {
		return nil
	}
	defer r.metrics.RepoCommitDuration(category).ObserveDuration()

	expected := b.GetVersion() - Version(len(pending))
	res, err := r.append(ctx, b.streamName, expected, pending)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			r.snapshots.InvalidateInMemorySnapshot(b.streamName)
			r.metrics.ConcurrencyConflict(category)
			r.log.Warn("concurrency conflict", slog.String("stream", b.streamName), expected.SlogAttrWithKey("expected"))
		}
		return err
	}
	b.lastSeq = res.LastSeq

	if err := r.snapshots.Save(agg); err != nil {
		r.log.Warn("failed to cache snapshot", slog.String("stream", b.streamName), slog.Any("error", err))
	}
	return nil
}

// Append appends the pending events of agg without a concurrency check and
// without touching the snapshot tiers. It is meant for stateless aggregates
// whose streams are only ever written.
func (r *Repository) Append(ctx context.Context, agg Aggregate) error {
	b := agg.base()
	pending := ExtractPendingEvents(agg)
	if len(pending) == 0 {
		return nil
	}
	defer r.metrics.RepoCommitDuration(categoryOfStream(b.streamName)).ObserveDuration()
	_, err := r.append(ctx, b.streamName, AnyVersion, pending)
	return err
}

func (r *Repository) append(ctx context.Context, streamName string, expected Version, pending []Event) (*AppendResult, error) {
	if expected == NoEventsNumber || expected == AnyVersion {
		if err := ValidateStreamName(streamName); err != nil {
			return nil, err
		}
	}
	if err := r.validateForeignKeys(ctx, streamName, pending); err != nil {
		return nil, err
	}

	envs := make([]Envelope, 0, len(pending))
	for i, ev := range pending {
		data, err := codec.Default.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", ev.Type, err)
		}
		env := Envelope{
			ID:         ev.Metadata.EventID,
			StreamName: streamName,
			Type:       ev.Type,
			Data:       data,
			Metadata:   ev.Metadata,
		}
		if expected != AnyVersion {
			env.Version = expected + Version(i+1)
		}
		envs = append(envs, env)
	}

	category := categoryOfStream(streamName)
	t := r.metrics.StoreAppendDuration(category)
	res, err := r.store.AppendToStream(ctx, streamName, expected, envs)
	t.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("append to %s: %w", streamName, err)
	}
	r.metrics.EventsAppended(category, len(envs))

	r.log.Debug(
		"committed",
		slog.Group(
			"agg",
			slog.String("stream", streamName),
			res.LastVersion.SlogAttr(),
			slog.Uint64("seq", res.LastSeq),
		),
		slog.Int("num_events", len(envs)),
	)
	return res, nil
}

// === read ===

// GetByStreamName returns the aggregate or ErrAggregateNotFound if it does
// not exist.
func (r *Repository) GetByStreamName(ctx context.Context, streamName string) (Aggregate, error) {
	agg, err := r.TryGetByStreamNameEvenIfMissing(ctx, streamName)
	if err != nil {
		return nil, err
	}
	if !agg.base().exists {
		return nil, fmt.Errorf("%w: %s", ErrAggregateNotFound, streamName)
	}
	return agg, nil
}

// Exists reports whether the stream holds an aggregate that was not deleted.
func (r *Repository) Exists(ctx context.Context, streamName string) (bool, error) {
	ok, err := r.store.StreamExists(ctx, streamName)
	if err != nil || !ok {
		return false, err
	}
	agg, err := r.TryGetByStreamNameEvenIfMissing(ctx, streamName)
	if err != nil {
		return false, err
	}
	return agg.base().exists, nil
}

// TryGetByStreamNameEvenIfMissing rehydrates the aggregate of a stream.
// Missing streams yield an empty aggregate at NoEventsNumber. Every call
// returns an instance of its own.
func (r *Repository) TryGetByStreamNameEvenIfMissing(ctx context.Context, streamName string) (Aggregate, error) {
	at, err := r.factory.TypeByStreamName(streamName)
	if err != nil {
		return nil, err
	}
	defer r.metrics.RepoLoadDuration(at.Category).ObserveDuration()

	agg, ok, err := r.snapshots.TryGetFromMemory(streamName)
	if err != nil {
		r.log.Warn("in-memory snapshot unusable", slog.String("stream", streamName), slog.Any("error", err))
	}
	if ok {
		r.metrics.CacheHit(at.Category)
		n, err := r.replay(ctx, agg, unbounded())
		if err != nil {
			return nil, err
		}
		if n > 0 {
			if err := r.snapshots.Refresh(agg); err != nil {
				r.log.Warn("failed to cache snapshot", slog.String("stream", streamName), slog.Any("error", err))
			}
		}
		PrepareOutputState(agg)
		return agg, nil
	}
	r.metrics.CacheMiss(at.Category)

	// concurrent misses share one load, each caller decodes its own copy. The
	// load outlives the caller that started it.
	data, _, err := r.loads.DoContext(ctx, streamName, func() (*SnapshotData, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTTL)
		defer cancel()
		return r.load(loadCtx, at, streamName)
	})
	if err != nil {
		return nil, err
	}
	agg, err = r.factory.Deserialize(data)
	if err != nil {
		return nil, err
	}
	PrepareOutputState(agg)
	return agg, nil
}

func (r *Repository) load(ctx context.Context, at *AggregateType, streamName string) (*SnapshotData, error) {
	var agg Aggregate
	if r.durable != nil {
		data, err := r.durable.TryGet(ctx, at.Name, streamName)
		switch {
		case err == nil:
			agg, err = r.factory.Deserialize(data)
			if err != nil {
				r.log.Warn("durable snapshot unusable", data.SlogAttr(), slog.Any("error", err))
				agg = nil
			}
		case !errors.Is(err, ErrSnapshotNotFound):
			r.log.Warn("durable snapshot lookup failed", slog.String("stream", streamName), slog.Any("error", err))
		}
	}
	fromDurable := agg != nil
	if agg == nil {
		_, id, _ := SplitStreamName(streamName)
		agg = r.factory.instance(at, id)
	}

	replayed, err := r.replay(ctx, agg, unbounded())
	if err != nil {
		return nil, err
	}

	data, err := r.factory.Serialize(agg)
	if err != nil {
		return nil, err
	}
	if data.Version == NoEventsNumber {
		return data, nil
	}
	r.snapshots.putIfAbsent(data)
	// a long replay without a usable durable snapshot is worth persisting
	if r.durable != nil && !fromDurable && replayed >= r.interval {
		r.durable.EnqueueWrite(*data)
	}
	return data, nil
}

// Rehydrate replays a stream from scratch up to and including upTo,
// bypassing both snapshot tiers.
func (r *Repository) Rehydrate(ctx context.Context, streamName string, upTo Version) (Aggregate, error) {
	agg, err := r.factory.NewForStream(streamName)
	if err != nil {
		return nil, err
	}
	if _, err := r.replay(ctx, agg, replayBound{maxVersion: upTo}); err != nil {
		return nil, err
	}
	return agg, nil
}

// LoadAsOf rehydrates a stream as it was at the given global position.
func (r *Repository) LoadAsOf(ctx context.Context, streamName string, seq uint64) (Aggregate, error) {
	agg, err := r.factory.NewForStream(streamName)
	if err != nil {
		return nil, err
	}
	if _, err := r.replay(ctx, agg, replayBound{maxVersion: math.MaxInt64, maxSeq: seq}); err != nil {
		return nil, err
	}
	PrepareOutputState(agg)
	return agg, nil
}

type replayBound struct {
	maxVersion Version
	// maxSeq of zero means no bound
	maxSeq uint64
}

func unbounded() replayBound { return replayBound{maxVersion: math.MaxInt64} }

// replay applies the events following the current version of agg.
func (r *Repository) replay(ctx context.Context, agg Aggregate, bound replayBound) (int, error) {
	b := agg.base()
	category := categoryOfStream(b.streamName)
	n := 0
	from := b.GetVersion() + 1
	seqReader, _ := r.store.(StreamSeqReader)
	for from <= bound.maxVersion {
		var (
			slice *StreamSlice
			err   error
		)
		t := r.metrics.StoreLoadDuration(category)
		if seqReader != nil && b.lastSeq > 0 {
			slice, err = seqReader.ReadStreamForwardAfter(ctx, b.streamName, from, b.lastSeq, r.pageSize)
		} else {
			slice, err = r.store.ReadStreamForward(ctx, b.streamName, from, r.pageSize)
		}
		t.ObserveDuration()
		if err != nil {
			return n, fmt.Errorf("read %s: %w", b.streamName, err)
		}

		for _, env := range slice.Events {
			if env.Version > bound.maxVersion || (bound.maxSeq > 0 && env.Seq > bound.maxSeq) {
				return n, nil
			}
			if expect := b.GetVersion() + 1; env.Version != expect {
				return n, fmt.Errorf("stream %s: expect version %d, got %d", b.streamName, expect, env.Version)
			}
			ev, err := r.decode(env)
			if err != nil {
				return n, err
			}
			if err := Apply(agg, ev); err != nil {
				return n, fmt.Errorf("apply %s to %s: %w", env.Type, b.streamName, err)
			}
			n++
		}

		if slice.IsEnd || len(slice.Events) == 0 {
			break
		}
		from = slice.NextVersion
	}
	return n, nil
}

func (r *Repository) decode(env Envelope) (Event, error) {
	payload, err := r.factory.registry.Decode(env)
	if err != nil {
		return Event{}, err
	}
	meta := env.Metadata
	number := env.Version
	cp := env.Checkpoint()
	meta.EventNumber = &number
	meta.Checkpoint = &cp
	return Event{StreamName: env.StreamName, Type: env.Type, Payload: payload, Metadata: meta}, nil
}
