package es

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/codewandler/esrt/core/reflector"
	"github.com/codewandler/esrt/internal/codec"
)

// EventRegistry maps event type names to constructors so we can decode persisted events.
type EventRegistry struct {
	mu    sync.RWMutex
	news  map[string]func() any
	types map[reflect.Type]string
}

func NewRegistry() *EventRegistry {
	r := &EventRegistry{
		news:  map[string]func() any{},
		types: map[reflect.Type]string{},
	}
	RegisterEvents(r, EventCtor[LockAcquired](), EventCtor[LockReleased]())
	return r
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
	r.types[reflector.TypeInfoOf(ctor()).Type] = eventType
}

// RegisterType registers a constructor derived from t.
func (r *EventRegistry) RegisterType(t reflect.Type) {
	ti := reflector.TypeInfoForType(t)
	sample := ti.New()
	r.Register(EventTypeOf(sample), ti.New)
}

func (r *EventRegistry) IsRegistered(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.news[eventType]
	return ok
}

// New returns a fresh payload for the given type name.
func (r *EventRegistry) New(eventType string) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	return ctor(), nil
}

func (r *EventRegistry) Decode(env Envelope) (any, error) {
	ev, err := r.New(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Data) > 0 {
		if err := codec.Default.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	return ev, nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

func RegisterEventFor[T any](r Registrar) {
	RegisterEvents(r, EventCtor[T]())
}

// EventCtor returns a reflection-free constructor for an event of type T.
// Each call to the returned function constructs a fresh *T via new(T).
func EventCtor[T any]() func() any { return func() any { return new(T) } }

// RegisterEvents registers event constructors. Each constructor is called once
// to derive the event type name.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		r.Register(EventTypeOf(ctor()), ctor)
	}
}

// EventTypeOf returns the persisted type name of an event payload. Payloads
// may pin their name with an EventType method, otherwise the qualified Go
// type name is used.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}

// asPointer makes sure handlers always receive *E regardless of whether the
// caller raised E or *E.
func asPointer(ev any) any {
	v := reflect.ValueOf(ev)
	if v.Kind() == reflect.Pointer {
		return ev
	}
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	return p.Interface()
}
