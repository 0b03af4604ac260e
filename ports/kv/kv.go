// Package kv is the key-value port behind the KV snapshot store. Keys use
// the character set [-/_=.a-zA-Z0-9] so every backend can hold them as is.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/codewandler/esrt/internal/codec"
)

var (
	ErrNotFound = errors.New("not found")
)

type Entry struct {
	Data []byte         `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

type PutOptions struct {
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
	// Keys lists the keys starting with prefix in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := codec.Default.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = codec.Default.Unmarshal(entry.Data, &out)
	return
}
