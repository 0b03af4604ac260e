// Package es is an event sourcing runtime: aggregates rebuilt from their
// event streams, a repository that loads and commits them with optimistic
// concurrency, and a two-tier snapshot cache that keeps long streams cheap
// to load.
//
// # Aggregates
//
// An aggregate embeds [BaseAggregate] and declares its event handlers once
// per instance in RegisterHandlers. State changes go through [Update], which
// stamps the event with metadata, applies it and stages it for the next
// commit:
//
//	type User struct {
//	    es.BaseAggregate
//	    Name string `json:"name"`
//	}
//
//	func (u *User) RegisterHandlers(h *es.Handlers) {
//	    es.Handle(h, func(e *NameChanged) { u.Name = e.Name })
//	}
//
//	func (u *User) Rename(c es.Causation, name string) error {
//	    return es.Update(u, c, &NameChanged{Name: name})
//	}
//
// Updates caused by an upstream event carry its causation number. An update
// whose first event was already applied is dropped, which makes event
// handlers idempotent without extra bookkeeping.
//
// # Repository
//
// [Repository] loads aggregates by stream name and commits their pending
// events. [TypedRepository] adds a typed view per aggregate type and
// serializes [TypedRepository.Execute] per aggregate id:
//
//	users := es.MustTypedRepository[*User](env.Repository())
//	err := users.Execute(ctx, "42", func(u *User) error {
//	    return u.Rename(es.CausedByCommand(cmdID, "", "admin"), "Alice")
//	})
//
// A commit that lost the race to another writer returns
// [ErrConcurrencyConflict].
//
// # Snapshots
//
// Every committed aggregate is kept serialized in a bounded in-memory cache.
// With a [SnapshotStore] configured, every [SnapshotConfig.Interval]-th commit
// is also persisted by a background worker. Durable snapshots are tagged with
// a schema version derived from the aggregate's Go type. When the type
// changes, the worker rewrites the outdated snapshots by replaying their
// streams, and until then they are ignored.
//
// # Environment
//
// [Env] wires an event store, the registries and a repository:
//
//	env, err := es.NewEnv(
//	    es.WithInMemory(),
//	    es.WithEvent[NameChanged](),
//	    es.WithAggregates(&User{}),
//	)
package es
