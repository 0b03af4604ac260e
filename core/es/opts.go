package es

import (
	"context"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/esrt/core/cache"
)

// IDGenerator generates event, commit and transaction ids.
type IDGenerator func() string

// DefaultIDGenerator returns the default ID generator using nanoid.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

type (
	factoryOpts struct {
		namespaces  []string
		idGenerator IDGenerator
	}

	repoOpts struct {
		log            *slog.Logger
		snapshotCfg    SnapshotConfig
		cache          cache.Cache
		snapshotStore  SnapshotStore
		metrics        ESMetrics
		pageSize       int
		txPollInterval time.Duration
		loadTimeout    time.Duration
		fkResolver     ForeignKeyResolver
	}

	envOptions struct {
		ctx         context.Context
		log         *slog.Logger
		store       EventStore
		events      []EventRegisterOption
		aggregates  []Aggregate
		factoryOpts []FactoryOption
		repoOpts    []RepositoryOption
	}
)

type (
	FactoryOption    interface{ applyToFactory(*factoryOpts) }
	RepositoryOption interface{ applyToRepository(*repoOpts) }
	EnvOption        interface{ applyToEnv(*envOptions) }
)

type (
	valueOption[T any]   struct{ v T }
	MultiOption[T any]   struct{ opts []T }
	NamespacesOption     valueOption[[]string]
	IDGeneratorOption    valueOption[IDGenerator]
	LogOption            valueOption[*slog.Logger]
	SnapshotConfigOption valueOption[SnapshotConfig]
	SnapshotStoreOption  valueOption[SnapshotStore]
	RepoCacheOption      valueOption[cache.Cache]
	ESMetricsOption      valueOption[ESMetrics]
	PageSizeOption       valueOption[int]
	TxPollIntervalOption valueOption[time.Duration]
	LoadTimeoutOption    valueOption[time.Duration]
	FKResolverOption     valueOption[ForeignKeyResolver]
	StoreOption          valueOption[EventStore]
	ContextOption        valueOption[context.Context]
	AggregateOption      valueOption[[]Aggregate]
	MemoryOption         struct{}
	EnvOpts              MultiOption[EnvOption]
	EventRegisterOption  struct {
		t    string
		ctor func() any
	}
)

// WithNamespaces restricts registrable aggregate types to the given package
// path prefixes.
func WithNamespaces(ns ...string) NamespacesOption { return NamespacesOption{v: ns} }

// WithIDGenerator sets a custom ID generator for events, commits and transactions.
func WithIDGenerator(gen IDGenerator) IDGeneratorOption { return IDGeneratorOption{v: gen} }

func WithLog(l *slog.Logger) LogOption                           { return LogOption{v: l} }
func WithSnapshotConfig(cfg SnapshotConfig) SnapshotConfigOption { return SnapshotConfigOption{v: cfg} }
func WithSnapshotStore(s SnapshotStore) SnapshotStoreOption      { return SnapshotStoreOption{v: s} }
func WithRepoCache(c cache.Cache) RepoCacheOption                { return RepoCacheOption{v: c} }
func WithMetrics(m ESMetrics) ESMetricsOption                    { return ESMetricsOption{v: m} }
func WithPageSize(n int) PageSizeOption                          { return PageSizeOption{v: n} }
func WithTxPollInterval(d time.Duration) TxPollIntervalOption    { return TxPollIntervalOption{v: d} }

// WithLoadTimeout bounds a rehydration shared by concurrent readers of a stream.
func WithLoadTimeout(d time.Duration) LoadTimeoutOption { return LoadTimeoutOption{v: d} }
func WithStore(s EventStore) StoreOption                         { return StoreOption{v: s} }
func WithInMemory() MemoryOption                                 { return MemoryOption{} }
func WithCtx(ctx context.Context) ContextOption                  { return ContextOption{v: ctx} }
func WithAggregates(a ...Aggregate) AggregateOption              { return AggregateOption{v: a} }
func WithEnvOpts(opts ...EnvOption) EnvOpts                      { return EnvOpts{opts: opts} }

// WithForeignKeyResolver resolves foreign keys against f instead of the
// repository itself, e.g. to check references owned by another service.
func WithForeignKeyResolver(f ForeignKeyResolver) FKResolverOption {
	return FKResolverOption{v: f}
}

// WithEvent registers an event that no aggregate handles, e.g. one only
// appended through stateless streams.
func WithEvent[T any]() EventRegisterOption {
	return EventRegisterOption{t: EventTypeOf(new(T)), ctor: EventCtor[T]()}
}

// === factory ===

func (o NamespacesOption) applyToFactory(f *factoryOpts)  { f.namespaces = append(f.namespaces, o.v...) }
func (o IDGeneratorOption) applyToFactory(f *factoryOpts) { f.idGenerator = o.v }

func newFactoryOpts(opts ...FactoryOption) factoryOpts {
	options := factoryOpts{idGenerator: DefaultIDGenerator()}
	for _, opt := range opts {
		opt.applyToFactory(&options)
	}
	return options
}

// === repo ===

func (o LogOption) applyToRepository(r *repoOpts)            { r.log = o.v }
func (o SnapshotConfigOption) applyToRepository(r *repoOpts) { r.snapshotCfg = o.v }
func (o SnapshotStoreOption) applyToRepository(r *repoOpts)  { r.snapshotStore = o.v }
func (o RepoCacheOption) applyToRepository(r *repoOpts)      { r.cache = o.v }
func (o ESMetricsOption) applyToRepository(r *repoOpts)      { r.metrics = o.v }
func (o PageSizeOption) applyToRepository(r *repoOpts)       { r.pageSize = o.v }
func (o TxPollIntervalOption) applyToRepository(r *repoOpts) { r.txPollInterval = o.v }
func (o FKResolverOption) applyToRepository(r *repoOpts)     { r.fkResolver = o.v }
func (o LoadTimeoutOption) applyToRepository(r *repoOpts)    { r.loadTimeout = o.v }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{
		log:            slog.Default(),
		snapshotCfg:    DefaultSnapshotConfig(),
		metrics:        NopESMetrics(),
		pageSize:       500,
		txPollInterval: 50 * time.Millisecond,
		loadTimeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	return options
}

// === env ===

func (o NamespacesOption) applyToEnv(e *envOptions)  { e.factoryOpts = append(e.factoryOpts, o) }
func (o IDGeneratorOption) applyToEnv(e *envOptions) { e.factoryOpts = append(e.factoryOpts, o) }
func (o LogOption) applyToEnv(e *envOptions) {
	e.log = o.v
	e.repoOpts = append(e.repoOpts, o)
}
func (o SnapshotConfigOption) applyToEnv(e *envOptions) { e.repoOpts = append(e.repoOpts, o) }
func (o SnapshotStoreOption) applyToEnv(e *envOptions)  { e.repoOpts = append(e.repoOpts, o) }
func (o RepoCacheOption) applyToEnv(e *envOptions)      { e.repoOpts = append(e.repoOpts, o) }
func (o ESMetricsOption) applyToEnv(e *envOptions)      { e.repoOpts = append(e.repoOpts, o) }
func (o PageSizeOption) applyToEnv(e *envOptions)       { e.repoOpts = append(e.repoOpts, o) }
func (o TxPollIntervalOption) applyToEnv(e *envOptions) { e.repoOpts = append(e.repoOpts, o) }
func (o FKResolverOption) applyToEnv(e *envOptions)     { e.repoOpts = append(e.repoOpts, o) }
func (o LoadTimeoutOption) applyToEnv(e *envOptions)    { e.repoOpts = append(e.repoOpts, o) }
func (o StoreOption) applyToEnv(e *envOptions)          { e.store = o.v }
func (o ContextOption) applyToEnv(e *envOptions)        { e.ctx = o.v }
func (o AggregateOption) applyToEnv(e *envOptions)      { e.aggregates = append(e.aggregates, o.v...) }
func (o EventRegisterOption) applyToEnv(e *envOptions)  { e.events = append(e.events, o) }
func (o MemoryOption) applyToEnv(e *envOptions) {
	e.store = NewInMemoryStore()
	e.repoOpts = append(e.repoOpts, WithSnapshotStore(NewInMemorySnapshotStore()))
}
func (o EnvOpts) applyToEnv(e *envOptions) {
	for _, opt := range o.opts {
		opt.applyToEnv(e)
	}
}

func newEnvOptions(opts ...EnvOption) envOptions {
	options := envOptions{
		ctx:   context.Background(),
		log:   slog.Default(),
		store: NewInMemoryStore(),
	}
	for _, opt := range opts {
		opt.applyToEnv(&options)
	}
	return options
}
