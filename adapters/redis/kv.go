// Package redis provides a Redis backed kv.Store for durable snapshots.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/codewandler/esrt/core/es"
	"github.com/codewandler/esrt/internal/codec"
	"github.com/codewandler/esrt/ports/kv"
)

type Config struct {
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Database int           `mapstructure:"database"`
	PoolSize int           `mapstructure:"pool_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// KeyPrefix namespaces every key written by the store.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// KvStore implements kv.Store on plain Redis strings.
type KvStore struct {
	client *redis.Client
	prefix string
}

// NewKvStore connects to Redis and verifies the connection.
func NewKvStore(ctx context.Context, cfg Config) (*KvStore, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewKvStoreFromClient(client, cfg.KeyPrefix), nil
}

func NewKvStoreFromClient(client *redis.Client, keyPrefix string) *KvStore {
	return &KvStore{client: client, prefix: keyPrefix}
}

// NewSnapshotStore creates a durable snapshot store on Redis.
func NewSnapshotStore(ctx context.Context, cfg Config) (*es.KVSnapshotStore, error) {
	store, err := NewKvStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return es.NewKVSnapshotStore(store), nil
}

func (s *KvStore) Close() error { return s.client.Close() }

func (s *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	data, err := codec.Default.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, data, opts.TTL).Err()
}

func (s *KvStore) Get(ctx context.Context, key string) (entry kv.Entry, err error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return entry, kv.ErrNotFound
	}
	if err != nil {
		return entry, fmt.Errorf("get %s: %w", key, err)
	}
	err = codec.Default.Unmarshal(data, &entry)
	return entry, err
}

func (s *KvStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *KvStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
		match  = globEscape(s.prefix+prefix) + "*"
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", match, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string { return globReplacer.Replace(s) }

var _ kv.Store = (*KvStore)(nil)
