package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codewandler/esrt/adapters/nats"
	"github.com/codewandler/esrt/adapters/postgres"
	"github.com/codewandler/esrt/adapters/redis"
	"github.com/codewandler/esrt/core/es"
)

type backend struct {
	store     es.EventStore
	snapshots es.SnapshotStore
	closers   []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, log *slog.Logger, cfg *Config) (b *backend, err error) {
	b = &backend{}
	defer func() {
		if err != nil {
			b.close()
		}
	}()

	connectNats := nats.ReuseConnection(nats.ConnectURL(cfg.NatsURL))

	switch cfg.Backend {
	case "nats":
		store, err := nats.NewEventStore(nats.EventStoreConfig{
			Connect:       connectNats,
			Log:           log,
			SubjectPrefix: "esrt.loadtest",
			StreamName:    "ESRT_LOADTEST",
		})
		if err != nil {
			return nil, fmt.Errorf("open nats event store: %w", err)
		}
		b.store = store
		b.closers = append(b.closers, func() { _ = store.Close() })
	default:
		b.store = es.NewInMemoryStore()
	}

	switch cfg.Snapshots {
	case "memory":
		b.snapshots = es.NewInMemorySnapshotStore()
	case "nats":
		kv, err := nats.NewKvStore(ctx, nats.KvConfig{Connect: connectNats, Bucket: "esrt_loadtest_snapshots"})
		if err != nil {
			return nil, fmt.Errorf("open nats snapshot bucket: %w", err)
		}
		b.snapshots = es.NewKVSnapshotStore(kv)
		b.closers = append(b.closers, kv.Close)
	case "redis":
		kv, err := redis.NewKvStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.snapshots = es.NewKVSnapshotStore(kv)
		b.closers = append(b.closers, func() { _ = kv.Close() })
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		b.snapshots = store
		b.closers = append(b.closers, func() { _ = store.Close() })
	}
	return b, nil
}

func (b *backend) envOptions() []es.EnvOption {
	opts := []es.EnvOption{es.WithStore(b.store)}
	if b.snapshots != nil {
		opts = append(opts, es.WithSnapshotStore(b.snapshots))
	}
	return opts
}
