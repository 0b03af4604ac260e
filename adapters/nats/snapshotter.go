package nats

import (
	"context"

	"github.com/codewandler/esrt/core/es"
)

// NewSnapshotStore creates a durable snapshot store on a JetStream
// key-value bucket.
func NewSnapshotStore(ctx context.Context, cfg KvConfig) (*es.KVSnapshotStore, error) {
	store, err := NewKvStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return es.NewKVSnapshotStore(store), nil
}
