package es

import (
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Aggregate is an event-sourced domain object. Its state is a fold over the
// events of its stream; embed [BaseAggregate] and declare handlers in
// RegisterHandlers.
//
//	type Counter struct {
//	    es.BaseAggregate
//	    Value int
//	}
//
//	func (c *Counter) RegisterHandlers(h *es.Handlers) {
//	    es.Handle(h, func(e *Incremented) { c.Value += e.By })
//	}
type Aggregate interface {
	RegisterHandlers(h *Handlers)
	base() *BaseAggregate
}

// OutputStateFinalizer computes derived fields once the aggregate is fully
// rehydrated, before it is handed to a reader.
type OutputStateFinalizer interface {
	FinalizeOutputState()
}

// AggregateMetadata is the bookkeeping of an aggregate that is not part of
// its domain state.
type AggregateMetadata struct {
	ID                  string  `json:"id"`
	StreamName          string  `json:"stream_name"`
	Version             Version `json:"version"`
	LastCausationNumber int64   `json:"last_causation_number"`
	Exists              bool    `json:"exists"`
	LockedBy            string  `json:"locked_by,omitempty"`
	// LastSeq is the global position of the last stored event applied.
	LastSeq             uint64  `json:"last_seq,omitempty"`
}

// BaseAggregate is the embeddable helper that implements the aggregate state
// machine. Its zero value is an aggregate without events.
type BaseAggregate struct {
	id         string
	streamName string
	// applied counts every event applied, so version is applied-1
	applied       int64
	lastCausation int64
	hasCausation  bool
	exists        bool
	lock          LockState
	lastSeq       uint64

	handlers *Handlers
	pending  []Event
	commitID string
	// duplicate is set when the first event of an update was detected as a
	// re-delivery; all further events of that update are dropped.
	duplicate bool
	prepared  bool

	newID IDGenerator
	now   func() time.Time
}

func (b *BaseAggregate) base() *BaseAggregate { return b }

func (b *BaseAggregate) init(id, streamName string, newID IDGenerator) {
	b.id = id
	b.streamName = streamName
	b.newID = newID
}

func (b *BaseAggregate) GetID() string          { return b.id }
func (b *BaseAggregate) GetStreamName() string  { return b.streamName }
func (b *BaseAggregate) GetVersion() Version    { return Version(b.applied - 1) }
func (b *BaseAggregate) Exists() bool           { return b.exists }
func (b *BaseAggregate) LockedBy() string       { return b.lock.Owner() }
func (b *BaseAggregate) HasPendingEvents() bool { return len(b.pending) > 0 }

// DuplicateDetected reports whether the current update was dropped as a re-delivery.
func (b *BaseAggregate) DuplicateDetected() bool { return b.duplicate }

// LastCausationNumber is the highest upstream causation number applied, -1 if none.
func (b *BaseAggregate) LastCausationNumber() int64 {
	if !b.hasCausation {
		return -1
	}
	return b.lastCausation
}

// MarkDeleted flags the aggregate as no longer existing. Call it from the
// handler of a deletion event.
func (b *BaseAggregate) MarkDeleted() { b.exists = false }

func (b *BaseAggregate) GetMetadata() AggregateMetadata {
	return AggregateMetadata{
		ID:                  b.id,
		StreamName:          b.streamName,
		Version:             b.GetVersion(),
		LastCausationNumber: b.LastCausationNumber(),
		Exists:              b.exists,
		LockedBy:            b.lock.Owner(),
		LastSeq:             b.lastSeq,
	}
}

func (b *BaseAggregate) restore(m AggregateMetadata) {
	b.id = m.ID
	b.streamName = m.StreamName
	b.applied = m.Version.Int64() + 1
	b.lastCausation = m.LastCausationNumber
	b.hasCausation = m.LastCausationNumber >= 0
	b.exists = m.Exists
	b.lock.owner = m.LockedBy
	b.lastSeq = m.LastSeq
}

func (b *BaseAggregate) ensureHandlers(agg Aggregate) (*Handlers, error) {
	if b.handlers != nil {
		return b.handlers, nil
	}
	h := newHandlers()
	agg.RegisterHandlers(h)
	if err := h.Err(); err != nil {
		return nil, fmt.Errorf("register handlers of %T: %w", agg, err)
	}
	b.handlers = h
	return h, nil
}

func (b *BaseAggregate) nextID() string {
	if b.newID != nil {
		return b.newID()
	}
	return gonanoid.Must()
}

func (b *BaseAggregate) timestamp() time.Time {
	if b.now != nil {
		return b.now().UTC()
	}
	return time.Now().UTC()
}

// Apply folds a single event into the aggregate. It is used both for replay
// and for events raised through [Update].
func Apply(agg Aggregate, ev Event) error {
	b := agg.base()
	h, err := b.ensureHandlers(agg)
	if err != nil {
		return err
	}

	switch e := ev.Payload.(type) {
	case *LockAcquired:
		err = b.lock.acquire(e)
	case *LockReleased:
		err = b.lock.release(e)
	default:
		fn, ignored := h.lookup(ev.Payload)
		switch {
		case fn != nil:
			// set first so the handler may still mark the aggregate deleted
			b.exists = true
			fn(ev.Payload)
		case !ignored:
			err = fmt.Errorf("%w: %s on %T", ErrUnhandledEventType, EventTypeOf(ev.Payload), agg)
		}
	}
	if err != nil {
		return err
	}

	b.applied++
	b.prepared = false
	if cp := ev.Metadata.Checkpoint; cp != nil && cp.EventPosition > b.lastSeq {
		b.lastSeq = cp.EventPosition
	}
	if n, ok := ev.Metadata.upstreamCausation(); ok && len(b.pending) == 0 && n > b.LastCausationNumber() {
		b.lastCausation = n
		b.hasCausation = true
	}
	return nil
}

// Update raises a new event on the aggregate. The event is stamped with
// metadata derived from c, applied and staged for the next commit.
//
// Update is a no-op when the first event of an update carries an upstream
// causation number that was already applied. All subsequent events of the
// same update are dropped as well.
func Update(agg Aggregate, c Causation, payload any) error {
	b := agg.base()
	if _, err := b.ensureHandlers(agg); err != nil {
		return err
	}
	payload = asPointer(payload)

	if err := b.lock.check(payload); err != nil {
		return err
	}

	if b.duplicate {
		return nil
	}
	if len(b.pending) == 0 && c.CausationNumber != nil && !c.FromCommand &&
		*c.CausationNumber <= b.LastCausationNumber() {
		b.duplicate = true
		return nil
	}

	kind := KindOf(agg)
	if pc, ok := payload.(PersistentCommand); ok {
		if !kind.IsSaga() {
			return fmt.Errorf("%w: persistent command %T raised on %s %T", ErrInvalidOperation, payload, kind, agg)
		}
		if target := pc.TargetSaga(); target != "" && target != categoryOfStream(b.streamName) {
			return fmt.Errorf("%w: persistent command %T targets %s", ErrInvalidOperation, payload, target)
		}
	}

	if v, ok := payload.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid event %T: %w", payload, err)
		}
	}

	if len(b.pending) == 0 {
		b.commitID = b.nextID()
	}

	// a saga keeps its own stream as the correlation once it started
	if kind == KindSaga && b.applied > 0 {
		c.CorrelationID = b.streamName
	}

	ev := Event{
		StreamName: b.streamName,
		Type:       EventTypeOf(payload),
		Payload:    payload,
		Metadata:   c.metadata(b.nextID(), b.commitID, b.timestamp()),
	}
	if err := Apply(agg, ev); err != nil {
		return err
	}
	b.pending = append(b.pending, ev)
	return nil
}

// UpdateAll raises several events in one logical update.
func UpdateAll(agg Aggregate, c Causation, payloads ...any) error {
	for _, p := range payloads {
		if err := Update(agg, c, p); err != nil {
			return err
		}
	}
	return nil
}

// ExtractPendingEvents removes and returns the staged events and resets the
// per-update bookkeeping.
func ExtractPendingEvents(agg Aggregate) []Event {
	b := agg.base()
	out := b.pending
	b.pending = nil
	b.commitID = ""
	b.duplicate = false
	b.prepared = false
	return out
}

// PrepareOutputState runs the aggregate's finalizer at most once per state.
func PrepareOutputState(agg Aggregate) {
	b := agg.base()
	if b.prepared {
		return
	}
	if f, ok := agg.(OutputStateFinalizer); ok {
		f.FinalizeOutputState()
	}
	b.prepared = true
}

// MetadataOf returns the bookkeeping of any aggregate.
func MetadataOf(agg Aggregate) AggregateMetadata { return agg.base().GetMetadata() }

func categoryOfStream(streamName string) string {
	category, _, err := SplitStreamName(streamName)
	if err != nil {
		return ""
	}
	return category
}
