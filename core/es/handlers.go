package es

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/codewandler/esrt/core/reflector"
)

// Handlers is the per-instance table from event type to state mutation. An
// aggregate fills it in RegisterHandlers; the table is built on first use.
type Handlers struct {
	table   map[reflect.Type]func(any)
	ignored map[reflect.Type]struct{}
	order   []reflect.Type
	err     error
}

func newHandlers() *Handlers {
	return &Handlers{
		table:   map[reflect.Type]func(any){},
		ignored: map[reflect.Type]struct{}{},
	}
}

// Handle registers fn as the state mutation for events of type E.
func Handle[E any](h *Handlers, fn func(e *E)) {
	t := reflect.TypeFor[E]()
	if !h.claim(t) {
		return
	}
	h.table[t] = func(ev any) { fn(ev.(*E)) }
}

// Ignore declares E as an event of the aggregate that does not change its state.
func Ignore[E any](h *Handlers) {
	t := reflect.TypeFor[E]()
	if !h.claim(t) {
		return
	}
	h.ignored[t] = struct{}{}
}

func (h *Handlers) claim(t reflect.Type) bool {
	_, handled := h.table[t]
	_, ignored := h.ignored[t]
	if handled || ignored {
		h.err = errors.Join(h.err, fmt.Errorf("%w: %s", ErrDuplicateHandler, reflector.TypeInfoForType(t).Name))
		return false
	}
	h.order = append(h.order, t)
	return true
}

// EventTypes returns handled and ignored types in registration order.
func (h *Handlers) EventTypes() []reflect.Type { return append([]reflect.Type(nil), h.order...) }

// Err reports registration mistakes such as duplicate handlers.
func (h *Handlers) Err() error { return h.err }

func (h *Handlers) lookup(ev any) (fn func(any), ignored bool) {
	t := reflector.TypeInfoOf(ev).Type
	if fn, ok := h.table[t]; ok {
		return fn, false
	}
	_, ignored = h.ignored[t]
	return nil, ignored
}
