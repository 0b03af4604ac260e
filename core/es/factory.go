package es

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/codewandler/esrt/core/reflector"
)

// AggregateType is the registered description of an aggregate Go type.
type AggregateType struct {
	// Name is the qualified Go type name and the key of snapshot schemas.
	Name       string
	ShortName  string
	PkgPath    string
	Category   string
	Kind       Kind
	SchemaHash string
	EventTypes []string

	ti reflector.TypeInfo
}

func (t *AggregateType) StreamName(id string) string { return StreamName(t.Category, id) }

// Factory creates aggregate instances by type or stream name. Every
// registered type contributes its events to the EventRegistry.
type Factory struct {
	mu         sync.RWMutex
	byName     map[string]*AggregateType
	byCategory map[string]*AggregateType
	registry   *EventRegistry
	hasher     *SchemaHasher
	namespaces []string
	newID      IDGenerator
}

func NewFactory(registry *EventRegistry, opts ...FactoryOption) *Factory {
	options := newFactoryOpts(opts...)
	f := &Factory{
		byName:     map[string]*AggregateType{},
		byCategory: map[string]*AggregateType{},
		registry:   registry,
		hasher:     NewSchemaHasher(),
		namespaces: options.namespaces,
		newID:      options.idGenerator,
	}
	if _, err := f.register(&transactionRecord{}, true); err != nil {
		panic(err)
	}
	return f
}

func (f *Factory) Registry() *EventRegistry { return f.registry }

// Register registers aggregate types by sample instances.
func (f *Factory) Register(samples ...Aggregate) error {
	for _, s := range samples {
		if _, err := f.register(s, false); err != nil {
			return err
		}
	}
	return nil
}

// RegisterAggregate registers T and returns its description.
func RegisterAggregate[T Aggregate](f *Factory) (*AggregateType, error) {
	return f.register(reflector.TypeInfoFor[T]().New().(Aggregate), false)
}

func (f *Factory) register(sample Aggregate, internal bool) (*AggregateType, error) {
	ti := reflector.TypeInfoOf(sample)

	f.mu.Lock()
	defer f.mu.Unlock()

	if at, ok := f.byName[ti.Name]; ok {
		return at, nil
	}
	if !internal && !f.permitted(ti.PkgPath) {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceNotPermitted, ti.Name)
	}

	category := categoryOf(sample)
	if other, ok := f.byCategory[category]; ok {
		return nil, fmt.Errorf("%w: category %s of %s is already used by %s", ErrInvalidOperation, category, ti.Name, other.Name)
	}

	h := newHandlers()
	ti.New().(Aggregate).RegisterHandlers(h)
	if err := h.Err(); err != nil {
		return nil, fmt.Errorf("register %s: %w", ti.Name, err)
	}

	at := &AggregateType{
		Name:       ti.Name,
		ShortName:  ti.ShortName,
		PkgPath:    ti.PkgPath,
		Category:   category,
		Kind:       KindOf(sample),
		SchemaHash: f.hasher.Hash(ti.Type, h.EventTypes(), declaredSchemaVersion(sample)),
		ti:         ti,
	}
	for _, et := range h.EventTypes() {
		f.registry.RegisterType(et)
		at.EventTypes = append(at.EventTypes, EventTypeOf(reflect.New(et).Interface()))
	}

	f.byName[at.Name] = at
	f.byCategory[at.Category] = at
	return at, nil
}

func (f *Factory) permitted(pkgPath string) bool {
	if len(f.namespaces) == 0 {
		return true
	}
	for _, ns := range f.namespaces {
		if pkgPath == ns || strings.HasPrefix(pkgPath, ns+"/") {
			return true
		}
	}
	return false
}

// TypeOf returns the registered type of agg, registering it on first sight.
func (f *Factory) TypeOf(agg Aggregate) (*AggregateType, error) {
	f.mu.RLock()
	at, ok := f.byName[reflector.TypeInfoOf(agg).Name]
	f.mu.RUnlock()
	if ok {
		return at, nil
	}
	return f.register(agg, false)
}

func (f *Factory) TypeByName(name string) (*AggregateType, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	at, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregateType, name)
	}
	return at, nil
}

func (f *Factory) TypeByStreamName(streamName string) (*AggregateType, error) {
	category, _, err := SplitStreamName(streamName)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	at, ok := f.byCategory[category]
	if !ok {
		return nil, fmt.Errorf("%w: no aggregate for category %s", ErrUnknownAggregateType, category)
	}
	return at, nil
}

// Types returns all registered types ordered by name.
func (f *Factory) Types() []*AggregateType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*AggregateType, 0, len(f.byName))
	for _, at := range f.byName {
		out = append(out, at)
	}
	slices.SortFunc(out, func(a, b *AggregateType) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// New creates an empty aggregate of the named type bound to the stream of id.
func (f *Factory) New(typeName, id string) (Aggregate, error) {
	at, err := f.TypeByName(typeName)
	if err != nil {
		return nil, err
	}
	return f.instance(at, id), nil
}

// NewForStream creates an empty aggregate for a stream name.
func (f *Factory) NewForStream(streamName string) (Aggregate, error) {
	at, err := f.TypeByStreamName(streamName)
	if err != nil {
		return nil, err
	}
	_, id, _ := SplitStreamName(streamName)
	return f.instance(at, id), nil
}

// NewForCategory creates an empty aggregate of the type owning category.
func (f *Factory) NewForCategory(category, id string) (Aggregate, error) {
	return f.NewForStream(StreamName(category, id))
}

func (f *Factory) instance(at *AggregateType, id string) Aggregate {
	agg := at.ti.New().(Aggregate)
	agg.base().init(id, at.StreamName(id), f.newID)
	return agg
}

func categoryOf(agg Aggregate) string {
	if c, ok := agg.(interface{ Category() string }); ok {
		return c.Category()
	}
	return CategoryFor(reflect.TypeOf(agg))
}

// SchemaVersioned lets an aggregate force a new snapshot schema without a
// structural change, e.g. when a handler's semantics changed.
type SchemaVersioned interface {
	SchemaVersion() int
}

func declaredSchemaVersion(agg Aggregate) int {
	if v, ok := agg.(SchemaVersioned); ok {
		return v.SchemaVersion()
	}
	return 0
}
