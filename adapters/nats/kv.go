package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esrt/ports/kv"
)

type KvConfig struct {
	Connect  Connector
	Bucket   string
	Replicas int
	// MaxBytes bounds the bucket. Zero means unlimited.
	MaxBytes int64
}

// KvStore is a kv.Store on a JetStream key-value bucket. Per-key TTLs are
// kept in the entry and enforced on read.
type KvStore struct {
	bucket  jetstream.KeyValue
	closeNc closeFunc
}

type kvRecord struct {
	kv.Entry
	Expires time.Time `json:"expires,omitzero"`
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		Replicas: cfg.Replicas,
		MaxBytes: cfg.MaxBytes,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}

	return &KvStore{bucket: bucket, closeNc: closeNc}, nil
}

func (k *KvStore) Close() { k.closeNc() }

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	rec := kvRecord{Entry: entry}
	if opts.TTL > 0 {
		rec.Expires = time.Now().Add(opts.TTL)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = k.bucket.Put(ctx, key, data)
	return err
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	v, err := k.bucket.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return kv.Entry{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	var rec kvRecord
	if err := json.Unmarshal(v.Value(), &rec); err != nil {
		return kv.Entry{}, fmt.Errorf("decode %s: %w", key, err)
	}
	if !rec.Expires.IsZero() && time.Now().After(rec.Expires) {
		return kv.Entry{}, kv.ErrNotFound
	}
	return rec.Entry, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	err := k.bucket.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Keys lists live keys. Expired entries are still listed until overwritten.
func (k *KvStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := k.bucket.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

var _ kv.Store = (*KvStore)(nil)
