package es

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/codewandler/esrt/ports/kv"
)

// KVSnapshotStore keeps schemas and snapshots in any kv.Store. Type and
// stream names are base64url encoded to fit every backend's key alphabet.
type KVSnapshotStore struct {
	kv     kv.Store
	prefix string

	mu      sync.Mutex
	cursors map[string]*staleCursor
}

// staleCursor walks the keys of one type during a migration, so finding the
// next stale snapshot does not list the whole type again.
type staleCursor struct {
	schemaVersion int
	keys          []string
	pos           int
}

func NewKVSnapshotStore(store kv.Store) *KVSnapshotStore {
	return &KVSnapshotStore{kv: store, prefix: "snapshots", cursors: map[string]*staleCursor{}}
}

// NewInMemorySnapshotStore returns a durable tier that lives as long as the process.
func NewInMemorySnapshotStore() *KVSnapshotStore { return NewKVSnapshotStore(kv.NewMemStore()) }

func encodeKey(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func (s *KVSnapshotStore) schemaPrefix() string { return s.prefix + ".schema." }
func (s *KVSnapshotStore) schemaKey(aggType string) string {
	return s.schemaPrefix() + encodeKey(aggType)
}
func (s *KVSnapshotStore) dataPrefix(aggType string) string {
	return s.prefix + ".data." + encodeKey(aggType) + "."
}
func (s *KVSnapshotStore) dataKey(aggType, streamName string) string {
	return s.dataPrefix(aggType) + encodeKey(streamName)
}

func (s *KVSnapshotStore) GetSchemas(ctx context.Context) ([]SnapshotSchema, error) {
	keys, err := s.kv.Keys(ctx, s.schemaPrefix())
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	out := make([]SnapshotSchema, 0, len(keys))
	for _, key := range keys {
		schema, err := kv.Get[SnapshotSchema](ctx, s.kv, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get schema %s: %w", key, err)
		}
		out = append(out, schema)
	}
	return out, nil
}

func (s *KVSnapshotStore) SaveSchemas(ctx context.Context, schemas ...SnapshotSchema) error {
	for _, schema := range schemas {
		if err := kv.Put(ctx, s.kv, s.schemaKey(schema.AggregateType), schema, kv.PutOptions{}); err != nil {
			return fmt.Errorf("save schema of %s: %w", schema.AggregateType, err)
		}
	}
	return nil
}

func (s *KVSnapshotStore) get(ctx context.Context, key string) (*SnapshotData, error) {
	data, err := kv.Get[SnapshotData](ctx, s.kv, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (s *KVSnapshotStore) GetSnapshot(ctx context.Context, aggType, streamName string, schemaVersion int) (*SnapshotData, error) {
	data, err := s.get(ctx, s.dataKey(aggType, streamName))
	if err != nil {
		return nil, err
	}
	if data.SchemaVersion != schemaVersion {
		return nil, ErrSnapshotNotFound
	}
	return data, nil
}

// GetStaleSnapshot resumes where the previous call for aggType stopped. The
// keys are listed again once the cursor is exhausted, so snapshots written
// behind it are not missed.
func (s *KVSnapshotStore) GetStaleSnapshot(ctx context.Context, aggType string, schemaVersion int) (*SnapshotData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, fresh := s.cursors[aggType], false
	if c == nil || c.schemaVersion != schemaVersion {
		c, fresh = &staleCursor{schemaVersion: schemaVersion}, true
		if err := s.listKeys(ctx, aggType, c); err != nil {
			return nil, err
		}
		s.cursors[aggType] = c
	}

	for {
		for ; c.pos < len(c.keys); c.pos++ {
			data, err := s.get(ctx, c.keys[c.pos])
			if errors.Is(err, ErrSnapshotNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			// the cursor stays here, the next call sees whether it was migrated
			if data.SchemaVersion != schemaVersion {
				return data, nil
			}
		}
		if fresh {
			delete(s.cursors, aggType)
			return nil, ErrSnapshotNotFound
		}
		fresh = true
		if err := s.listKeys(ctx, aggType, c); err != nil {
			return nil, err
		}
	}
}

func (s *KVSnapshotStore) listKeys(ctx context.Context, aggType string, c *staleCursor) error {
	keys, err := s.kv.Keys(ctx, s.dataPrefix(aggType))
	if err != nil {
		return err
	}
	slices.Sort(keys)
	c.keys, c.pos = keys, 0
	return nil
}

func (s *KVSnapshotStore) SaveSnapshots(ctx context.Context, snapshots ...SnapshotData) error {
	for _, snap := range snapshots {
		key := s.dataKey(snap.AggregateType, snap.StreamName)
		existing, err := s.get(ctx, key)
		if err != nil && !errors.Is(err, ErrSnapshotNotFound) {
			return err
		}
		if !snap.replaces(existing) {
			continue
		}
		if err := kv.Put(ctx, s.kv, key, snap, kv.PutOptions{}); err != nil {
			return fmt.Errorf("save snapshot of %s: %w", snap.StreamName, err)
		}
	}
	return nil
}

func (s *KVSnapshotStore) DeleteSnapshot(ctx context.Context, aggType, streamName string) error {
	return s.kv.Delete(ctx, s.dataKey(aggType, streamName))
}

var _ SnapshotStore = (*KVSnapshotStore)(nil)
