package cache

import "time"

// Priority decides which entries are evicted first when a cache runs out of
// capacity. Lower priorities go first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

type PutOptions struct {
	TTL      time.Duration
	Cost     int64
	Priority Priority
}

type PutOption func(*PutOptions)

func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) {
		o.TTL = ttl
	}
}

// WithCost sets the weight an entry counts against the capacity.
func WithCost(cost int64) PutOption {
	return func(o *PutOptions) {
		o.Cost = cost
	}
}

func WithPriority(p Priority) PutOption {
	return func(o *PutOptions) {
		o.Priority = p
	}
}

func newPutOptions(opts ...PutOption) PutOptions {
	options := PutOptions{Cost: 1, Priority: PriorityNormal}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	// PutIfAbsent stores val unless key holds a live entry and reports
	// whether it stored.
	PutIfAbsent(key string, val any, opts ...PutOption) bool
	Delete(key string)
}

type TypedCache[T any] interface {
	Put(key string, val T, opts ...PutOption)
	PutIfAbsent(key string, val T, opts ...PutOption) bool
	Get(key string) (T, bool)
	Delete(key string)
}

type typedCache[T any] struct {
	c Cache
}

func NewTyped[T any](c Cache) TypedCache[T] { return &typedCache[T]{c: c} }

func (t *typedCache[T]) Get(key string) (out T, ok bool) {
	var v any
	v, ok = t.c.Get(key)
	if !ok {
		return out, false
	}

	if out, ok = v.(T); !ok {
		return out, false
	}
	return
}

func (t *typedCache[T]) Put(key string, val T, opts ...PutOption) {
	t.c.Put(key, val, opts...)
}

func (t *typedCache[T]) PutIfAbsent(key string, val T, opts ...PutOption) bool {
	return t.c.PutIfAbsent(key, val, opts...)
}

func (t *typedCache[T]) Delete(key string) {
	t.c.Delete(key)
}

var _ TypedCache[any] = (*typedCache[any])(nil)
