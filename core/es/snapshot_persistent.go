package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Rehydrator rebuilds an aggregate from its events up to and including upTo.
type Rehydrator interface {
	Rehydrate(ctx context.Context, streamName string, upTo Version) (Aggregate, error)
}

// PersistentSnapshotter is the durable snapshot tier. A single background
// worker persists queued snapshots and rewrites snapshots whose schema is
// outdated, so reads never wait for either.
type PersistentSnapshotter struct {
	log        *slog.Logger
	store      SnapshotStore
	factory    *Factory
	rehydrator Rehydrator
	cfg        SnapshotConfig
	metrics    ESMetrics
	limiter    *rate.Limiter

	mu      sync.RWMutex
	schemas map[string]SnapshotSchema

	qmu    sync.Mutex
	queue  []string
	queued map[string]SnapshotData
	signal chan struct{}

	upToDate atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewPersistentSnapshotter(
	log *slog.Logger,
	store SnapshotStore,
	factory *Factory,
	rehydrator Rehydrator,
	cfg SnapshotConfig,
) *PersistentSnapshotter {
	cfg = cfg.withDefaults()
	return &PersistentSnapshotter{
		log:        log.With(slog.String("component", "persistent_snapshotter")),
		store:      store,
		factory:    factory,
		rehydrator: rehydrator,
		cfg:        cfg,
		metrics:    NopESMetrics(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.MigrationRate), 1),
		schemas:    map[string]SnapshotSchema{},
		queued:     map[string]SnapshotData{},
		signal:     make(chan struct{}, 1),
	}
}

// Start loads the schema records, flags types whose structure changed and
// launches the worker.
func (p *PersistentSnapshotter) Start(ctx context.Context) error {
	if err := p.syncSchemas(ctx); err != nil {
		return fmt.Errorf("sync snapshot schemas: %w", err)
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

// Stop halts the worker and persists what is still queued.
func (p *PersistentSnapshotter) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		wrote, err := p.writeBatch(ctx)
		if err != nil {
			p.log.Warn("dropping queued snapshots on stop", slog.Int("queued", p.QueueLen()), slog.Any("error", err))
			return
		}
		if !wrote {
			return
		}
	}
}

func (p *PersistentSnapshotter) syncSchemas(ctx context.Context) error {
	stored, err := p.store.GetSchemas(ctx)
	if err != nil {
		return err
	}
	byType := make(map[string]SnapshotSchema, len(stored))
	for _, s := range stored {
		byType[s.AggregateType] = s
	}

	var changed []SnapshotSchema
	for _, at := range p.factory.Types() {
		s, ok := byType[at.Name]
		if !ok || s.Hash == at.SchemaHash {
			continue
		}
		s = s.bump(at)
		byType[at.Name] = s
		changed = append(changed, s)
		p.log.Info("snapshot schema changed", slog.String("type", at.Name), slog.Int("schema_version", s.Version))
	}
	if len(changed) > 0 {
		if err := p.store.SaveSchemas(ctx, changed...); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.schemas = byType
	p.mu.Unlock()
	p.upToDate.Store(!p.hasStale())
	return nil
}

func (s SnapshotSchema) bump(at *AggregateType) SnapshotSchema {
	s.Version++
	s.Hash = at.SchemaHash
	s.PackagePath = at.PkgPath
	s.HasStaleSnapshots = true
	return s
}

// TryGet returns the durable snapshot of a stream if it was written with the
// current schema of aggType.
func (p *PersistentSnapshotter) TryGet(ctx context.Context, aggType, streamName string) (*SnapshotData, error) {
	at, err := p.factory.TypeByName(aggType)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	s, ok := p.schemas[aggType]
	p.mu.RUnlock()
	if !ok || s.Hash != at.SchemaHash {
		return nil, ErrSnapshotNotFound
	}

	defer p.metrics.SnapshotLoadDuration(aggType).ObserveDuration()
	return p.store.GetSnapshot(ctx, aggType, streamName, s.Version)
}

// EnqueueWrite queues a snapshot for persistence and never blocks. A newer
// snapshot of a queued stream replaces the older one.
func (p *PersistentSnapshotter) EnqueueWrite(data SnapshotData) {
	p.qmu.Lock()
	existing, ok := p.queued[data.StreamName]
	if !ok {
		p.queue = append(p.queue, data.StreamName)
	}
	if !ok || existing.Version <= data.Version {
		p.queued[data.StreamName] = data
	}
	depth := len(p.queue)
	p.qmu.Unlock()

	p.metrics.SnapshotWriteQueue(depth)
	p.notify()
}

func (p *PersistentSnapshotter) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *PersistentSnapshotter) QueueLen() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.queue)
}

// IsUpToDate reports whether no snapshot of a known type awaits migration.
func (p *PersistentSnapshotter) IsUpToDate() bool { return p.upToDate.Load() }

func (p *PersistentSnapshotter) Schema(aggType string) (SnapshotSchema, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.schemas[aggType]
	return s, ok
}

func (p *PersistentSnapshotter) run(ctx context.Context) {
	defer close(p.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.ErrorBackoff
	bo.MaxInterval = 10 * p.cfg.ErrorBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		worked, err := p.step(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.metrics.SnapshotWorkerError()
			wait := bo.NextBackOff()
			p.log.Error("snapshot worker step failed", slog.Any("error", err), slog.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.signal:
		}
	}
}

func (p *PersistentSnapshotter) step(ctx context.Context) (worked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("snapshot worker panic: %v", r)
		}
	}()

	wrote, err := p.writeBatch(ctx)
	if err != nil {
		return false, err
	}
	migrated, err := p.migrateOne(ctx)
	if err != nil {
		return wrote, err
	}
	return wrote || migrated, nil
}

func (p *PersistentSnapshotter) dequeue(n int) []SnapshotData {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	n = min(n, len(p.queue))
	out := make([]SnapshotData, 0, n)
	for _, stream := range p.queue[:n] {
		out = append(out, p.queued[stream])
		delete(p.queued, stream)
	}
	p.queue = p.queue[n:]
	return out
}

// requeue puts back snapshots that failed to persist unless a newer one was
// queued meanwhile.
func (p *PersistentSnapshotter) requeue(batch []SnapshotData) {
	p.qmu.Lock()
	for _, d := range batch {
		if _, ok := p.queued[d.StreamName]; ok {
			continue
		}
		p.queued[d.StreamName] = d
		p.queue = append(p.queue, d.StreamName)
	}
	p.qmu.Unlock()
}

func (p *PersistentSnapshotter) writeBatch(ctx context.Context) (bool, error) {
	batch := p.dequeue(p.cfg.WriteBatch)
	if len(batch) == 0 {
		return false, nil
	}

	byType := map[string][]SnapshotData{}
	var types []string
	for _, d := range batch {
		if _, ok := byType[d.AggregateType]; !ok {
			types = append(types, d.AggregateType)
		}
		byType[d.AggregateType] = append(byType[d.AggregateType], d)
	}

	for i, aggType := range types {
		group := byType[aggType]
		if err := p.writeGroup(ctx, aggType, group); err != nil {
			var rest []SnapshotData
			for _, t := range types[i:] {
				rest = append(rest, byType[t]...)
			}
			p.requeue(rest)
			return false, err
		}
	}
	p.metrics.SnapshotWriteQueue(p.QueueLen())
	return true, nil
}

func (p *PersistentSnapshotter) writeGroup(ctx context.Context, aggType string, group []SnapshotData) (err error) {
	// a panicking store must not lose the dequeued batch
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("save snapshots of %s: panic: %v", aggType, r)
		}
	}()

	s, err := p.resolveSchema(ctx, aggType)
	if err != nil {
		return err
	}
	for i := range group {
		group[i].SchemaVersion = s.Version
	}
	defer p.metrics.SnapshotSaveDuration(aggType).ObserveDuration()
	if err := p.store.SaveSnapshots(ctx, group...); err != nil {
		return fmt.Errorf("save %d snapshots of %s: %w", len(group), aggType, err)
	}
	return nil
}

// resolveSchema returns the current schema of aggType, creating or bumping
// the durable record when needed. Only the worker and Start call it.
func (p *PersistentSnapshotter) resolveSchema(ctx context.Context, aggType string) (SnapshotSchema, error) {
	at, err := p.factory.TypeByName(aggType)
	if err != nil {
		return SnapshotSchema{}, err
	}

	p.mu.RLock()
	s, ok := p.schemas[aggType]
	p.mu.RUnlock()
	if ok && s.Hash == at.SchemaHash {
		return s, nil
	}

	if ok {
		s = s.bump(at)
		p.upToDate.Store(false)
	} else {
		s = SnapshotSchema{AggregateType: at.Name, PackagePath: at.PkgPath, Version: 1, Hash: at.SchemaHash}
	}
	if err := p.store.SaveSchemas(ctx, s); err != nil {
		return SnapshotSchema{}, fmt.Errorf("save schema of %s: %w", aggType, err)
	}
	p.setSchema(s)
	p.log.Info("snapshot schema registered", slog.String("type", aggType), slog.Int("schema_version", s.Version))
	return s, nil
}

func (p *PersistentSnapshotter) setSchema(s SnapshotSchema) {
	p.mu.Lock()
	p.schemas[s.AggregateType] = s
	p.mu.Unlock()
}

func (p *PersistentSnapshotter) nextStale() (SnapshotSchema, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var names []string
	for name, s := range p.schemas {
		if s.HasStaleSnapshots {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		// only types of this process can be rehydrated
		if _, err := p.factory.TypeByName(name); err == nil {
			return p.schemas[name], true
		}
	}
	return SnapshotSchema{}, false
}

func (p *PersistentSnapshotter) hasStale() bool {
	_, ok := p.nextStale()
	return ok
}

func (p *PersistentSnapshotter) migrateOne(ctx context.Context) (bool, error) {
	s, ok := p.nextStale()
	if !ok {
		if p.upToDate.CompareAndSwap(false, true) {
			p.log.Info("snapshots are up to date")
		}
		return false, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return false, err
	}

	stale, err := p.store.GetStaleSnapshot(ctx, s.AggregateType, s.Version)
	if errors.Is(err, ErrSnapshotNotFound) {
		s.HasStaleSnapshots = false
		if err := p.store.SaveSchemas(ctx, s); err != nil {
			return false, fmt.Errorf("save schema of %s: %w", s.AggregateType, err)
		}
		p.setSchema(s)
		p.log.Info("snapshot migration finished", slog.String("type", s.AggregateType), slog.Int("schema_version", s.Version))
		return true, nil
	}
	if err != nil {
		return false, err
	}

	agg, err := p.rehydrator.Rehydrate(ctx, stale.StreamName, stale.Version)
	if err != nil {
		if isPermanentReplayError(err) {
			p.log.Warn("deleting snapshot that cannot be migrated", stale.SlogAttr(), slog.Any("error", err))
			return true, p.store.DeleteSnapshot(ctx, stale.AggregateType, stale.StreamName)
		}
		return false, fmt.Errorf("migrate %s: %w", stale.StreamName, err)
	}
	data, err := p.factory.Serialize(agg)
	if err != nil {
		return false, err
	}
	data.SchemaVersion = s.Version
	if err := p.store.SaveSnapshots(ctx, *data); err != nil {
		return false, fmt.Errorf("migrate %s: %w", stale.StreamName, err)
	}
	p.metrics.SnapshotMigrated(s.AggregateType)
	return true, nil
}

func isPermanentReplayError(err error) bool {
	return errors.Is(err, ErrUnknownEventType) ||
		errors.Is(err, ErrUnhandledEventType) ||
		errors.Is(err, ErrUnknownAggregateType)
}
