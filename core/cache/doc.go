// Package cache provides a key-value cache interface and an in-memory cache
// bounded by entry cost.
//
//   - [Cache]: Untyped cache storing values as any
//   - [TypedCache]: Generic type-safe wrapper via [NewTyped]
//
// # Implementations
//
// [Weighted] is safe for concurrent use. Every entry carries a cost, a
// priority and an optional TTL. When the summed cost exceeds the capacity,
// least recently used entries of the lowest priority are evicted first.
//
//	c := cache.NewWeighted(cache.WeightedOpts{MaxCost: 64 << 20})
//	c.Put("key", value,
//	    cache.WithCost(int64(len(data))),
//	    cache.WithPriority(cache.PriorityHigh),
//	    cache.WithTTL(5*time.Minute),
//	)
//
// [NewLRU] returns a Weighted where every entry costs one unit. [Nop] never
// stores anything.
//
// Expired entries are lazily evicted on access.
package cache
