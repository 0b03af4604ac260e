package cache

import (
	"container/list"
	"sync"
	"time"
)

type WeightedOpts struct {
	// MaxCost is the capacity in cost units. Defaults to 128.
	MaxCost    int64
	// DefaultTTL applies to entries put without WithTTL. Zero means no expiry.
	DefaultTTL time.Duration
	// OnEvict is called without the lock held for entries dropped for capacity.
	OnEvict    func(key string, val any)
	Now        func() time.Time
}

type entry struct {
	key      string
	val      any
	cost     int64
	priority Priority
	expires  time.Time
}

// Weighted is an in-memory cache bounded by the total cost of its entries.
// When full it evicts the least recently used entry of the lowest non-empty
// priority tier.
type Weighted struct {
	mu     sync.Mutex
	opts   WeightedOpts
	tiers  [PriorityHigh + 1]*list.List
	items  map[string]*list.Element
	cost   int64
	closed bool
}

func NewWeighted(opts WeightedOpts) *Weighted {
	if opts.MaxCost <= 0 {
		opts.MaxCost = 128
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	w := &Weighted{opts: opts, items: map[string]*list.Element{}}
	for i := range w.tiers {
		w.tiers[i] = list.New()
	}
	return w
}

type LRUOpts struct {
	Size int
}

// NewLRU returns a plain LRU holding at most Size entries.
func NewLRU(opts LRUOpts) *Weighted {
	return NewWeighted(WeightedOpts{MaxCost: int64(opts.Size)})
}

func (w *Weighted) Get(key string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	el, ok := w.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if w.expired(e) {
		w.remove(el)
		return nil, false
	}
	w.tiers[e.priority].MoveToFront(el)
	return e.val, true
}

func (w *Weighted) Put(key string, val any, opts ...PutOption) {
	w.put(key, val, false, opts...)
}

func (w *Weighted) PutIfAbsent(key string, val any, opts ...PutOption) bool {
	return w.put(key, val, true, opts...)
}

func (w *Weighted) put(key string, val any, ifAbsent bool, opts ...PutOption) bool {
	o := newPutOptions(opts...)
	if o.TTL == 0 {
		o.TTL = w.opts.DefaultTTL
	}
	if o.Priority < PriorityLow || o.Priority > PriorityHigh {
		o.Priority = PriorityNormal
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	if el, ok := w.items[key]; ok {
		if ifAbsent && !w.expired(el.Value.(*entry)) {
			w.mu.Unlock()
			return false
		}
		w.remove(el)
	}
	if o.Cost > w.opts.MaxCost {
		w.mu.Unlock()
		return false
	}

	e := &entry{key: key, val: val, cost: o.Cost, priority: o.Priority}
	if o.TTL > 0 {
		e.expires = w.opts.Now().Add(o.TTL)
	}
	w.items[key] = w.tiers[e.priority].PushFront(e)
	w.cost += e.cost

	var evicted []*entry
	for w.cost > w.opts.MaxCost {
		victim := w.victim()
		if victim == nil {
			break
		}
		evicted = append(evicted, victim.Value.(*entry))
		w.remove(victim)
	}
	w.mu.Unlock()

	if w.opts.OnEvict != nil {
		for _, e := range evicted {
			w.opts.OnEvict(e.key, e.val)
		}
	}
	return true
}

func (w *Weighted) victim() *list.Element {
	for _, tier := range w.tiers {
		if back := tier.Back(); back != nil {
			return back
		}
	}
	return nil
}

func (w *Weighted) Delete(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.items[key]; ok {
		w.remove(el)
	}
}

func (w *Weighted) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// Cost returns the summed cost of all entries, expired ones included until
// they are touched.
func (w *Weighted) Cost() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cost
}

// Close drops all entries. Later puts are ignored.
func (w *Weighted) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.items = map[string]*list.Element{}
	for _, tier := range w.tiers {
		tier.Init()
	}
	w.cost = 0
}

func (w *Weighted) expired(e *entry) bool {
	return !e.expires.IsZero() && !w.opts.Now().Before(e.expires)
}

func (w *Weighted) remove(el *list.Element) {
	e := el.Value.(*entry)
	w.tiers[e.priority].Remove(el)
	delete(w.items, e.key)
	w.cost -= e.cost
}

var _ Cache = (*Weighted)(nil)
