package es

import (
	"log/slog"
	"sync/atomic"

	"github.com/codewandler/esrt/core/cache"
)

type snapshotWriter interface {
	EnqueueWrite(data SnapshotData)
}

// SnapshotCache is the in-memory snapshot tier. It holds serialized
// aggregates keyed by stream name, so every read yields a fresh instance.
type SnapshotCache struct {
	log     *slog.Logger
	factory *Factory
	cfg     SnapshotConfig
	cache   cache.TypedCache[*SnapshotData]
	metrics ESMetrics
	commits atomic.Uint64
	durable snapshotWriter
}

// NewSnapshotCache creates the tier on top of backing. A nil backing creates
// a cache.Weighted bounded by cfg.MaxCost.
func NewSnapshotCache(log *slog.Logger, factory *Factory, cfg SnapshotConfig, backing cache.Cache) *SnapshotCache {
	cfg = cfg.withDefaults()
	if backing == nil {
		backing = cache.NewWeighted(cache.WeightedOpts{MaxCost: cfg.MaxCost, DefaultTTL: cfg.TTL})
	}
	return &SnapshotCache{
		log:     log.With(slog.String("component", "snapshot_cache")),
		factory: factory,
		cfg:     cfg,
		cache:   cache.NewTyped[*SnapshotData](backing),
		metrics: NopESMetrics(),
	}
}

// Save stores the current state of agg. Every Interval-th save is also
// handed to the durable tier.
func (c *SnapshotCache) Save(agg Aggregate) error {
	data, err := c.factory.Serialize(agg)
	if err != nil {
		return err
	}
	c.cache.Put(data.StreamName, data, c.putOptions(data)...)

	if c.durable != nil && c.commits.Add(1)%uint64(c.cfg.Interval) == 0 {
		c.durable.EnqueueWrite(*data)
	}
	return nil
}

// SaveIfNotExists stores agg unless a live snapshot for its stream exists.
func (c *SnapshotCache) SaveIfNotExists(agg Aggregate) (bool, error) {
	if c.ExistsInMemory(agg.base().streamName) {
		return false, nil
	}
	data, err := c.factory.Serialize(agg)
	if err != nil {
		return false, err
	}
	return c.cache.PutIfAbsent(data.StreamName, data, c.putOptions(data)...), nil
}

// Refresh replaces the cached state after a read caught up with newer
// events. Unlike Save it does not count as a commit.
func (c *SnapshotCache) Refresh(agg Aggregate) error {
	data, err := c.factory.Serialize(agg)
	if err != nil {
		return err
	}
	c.cache.Put(data.StreamName, data, c.putOptions(data)...)
	return nil
}

func (c *SnapshotCache) putIfAbsent(data *SnapshotData) bool {
	return c.cache.PutIfAbsent(data.StreamName, data, c.putOptions(data)...)
}

// TryGetFromMemory returns a freshly deserialized copy of the cached state.
func (c *SnapshotCache) TryGetFromMemory(streamName string) (Aggregate, bool, error) {
	data, ok := c.cache.Get(streamName)
	if !ok {
		return nil, false, nil
	}
	agg, err := c.factory.Deserialize(data)
	if err != nil {
		c.log.Warn("dropping undecodable snapshot", data.SlogAttr(), slog.Any("error", err))
		c.cache.Delete(streamName)
		return nil, false, err
	}
	return agg, true, nil
}

func (c *SnapshotCache) ExistsInMemory(streamName string) bool {
	_, ok := c.cache.Get(streamName)
	return ok
}

// InvalidateInMemorySnapshot drops the cached state of a stream that is
// known to be stale.
func (c *SnapshotCache) InvalidateInMemorySnapshot(streamName string) {
	c.cache.Delete(streamName)
}

func (c *SnapshotCache) putOptions(data *SnapshotData) []cache.PutOption {
	return []cache.PutOption{
		cache.WithCost(int64(data.ByteSize)),
		cache.WithPriority(c.priorityFor(data.Version)),
		cache.WithTTL(c.cfg.TTL),
	}
}

// priorityFor keeps long-lived aggregates in memory longer than young ones.
func (c *SnapshotCache) priorityFor(v Version) cache.Priority {
	interval := Version(c.cfg.Interval)
	switch {
	case v < interval:
		return cache.PriorityLow
	case v < 2*interval:
		return cache.PriorityNormal
	default:
		return cache.PriorityHigh
	}
}
