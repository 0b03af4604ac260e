package es

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/codewandler/esrt/core/reflector"
)

// TypedRepository is a type-safe view of a [Repository] for one aggregate type.
type TypedRepository[T Aggregate] interface {
	Type() *AggregateType
	// New creates an empty aggregate for id without touching the store.
	New(id string) T
	StreamName(id string) string
	GetByID(ctx context.Context, id string) (T, error)
	TryGetByIDEvenIfMissing(ctx context.Context, id string) (T, error)
	Exists(ctx context.Context, id string) (bool, error)
	Commit(ctx context.Context, agg T) error
	Stream(ctx context.Context, opts ...StreamOption) iter.Seq2[T, error]
	// Execute loads the aggregate, runs fn and commits the result. Calls for
	// the same id run one after another; a concurrency conflict is retried
	// once against a freshly loaded aggregate.
	Execute(ctx context.Context, id string, fn func(agg T) error) error
}

type typedRepo[T Aggregate] struct {
	repo *Repository
	at   *AggregateType
	log  *slog.Logger
}

// NewTypedRepository returns the typed view of repo for T, which must be
// registered with the repository's factory.
func NewTypedRepository[T Aggregate](repo *Repository) (TypedRepository[T], error) {
	at, err := repo.factory.TypeByName(reflector.TypeInfoFor[T]().Name)
	if err != nil {
		return nil, err
	}
	return &typedRepo[T]{
		repo: repo,
		at:   at,
		log:  repo.log.With(slog.String("aggregate", at.ShortName)),
	}, nil
}

// MustTypedRepository is like NewTypedRepository but panics.
func MustTypedRepository[T Aggregate](repo *Repository) TypedRepository[T] {
	r, err := NewTypedRepository[T](repo)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *typedRepo[T]) Type() *AggregateType        { return r.at }
func (r *typedRepo[T]) StreamName(id string) string { return r.at.StreamName(id) }
func (r *typedRepo[T]) New(id string) T             { return r.repo.factory.instance(r.at, id).(T) }

func (r *typedRepo[T]) GetByID(ctx context.Context, id string) (T, error) {
	return r.cast(r.repo.GetByStreamName(ctx, r.StreamName(id)))
}

func (r *typedRepo[T]) TryGetByIDEvenIfMissing(ctx context.Context, id string) (T, error) {
	return r.cast(r.repo.TryGetByStreamNameEvenIfMissing(ctx, r.StreamName(id)))
}

func (r *typedRepo[T]) Exists(ctx context.Context, id string) (bool, error) {
	return r.repo.Exists(ctx, r.StreamName(id))
}

func (r *typedRepo[T]) Commit(ctx context.Context, agg T) error { return r.repo.Commit(ctx, agg) }

func (r *typedRepo[T]) Stream(ctx context.Context, opts ...StreamOption) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for agg, err := range r.repo.Stream(ctx, r.at.Category, opts...) {
			var typed T
			if err == nil {
				typed, err = r.cast(agg, nil)
			}
			if !yield(typed, err) {
				return
			}
		}
	}
}

func (r *typedRepo[T]) Execute(ctx context.Context, id string, fn func(agg T) error) error {
	stream := r.StreamName(id)
	return r.repo.exec.DoContext(ctx, stream, func() error {
		err := r.execute(ctx, id, fn)
		if errors.Is(err, ErrConcurrencyConflict) {
			r.log.Debug("retrying after concurrency conflict", slog.String("stream", stream))
			err = r.execute(ctx, id, fn)
		}
		return err
	})
}

func (r *typedRepo[T]) execute(ctx context.Context, id string, fn func(agg T) error) error {
	agg, err := r.TryGetByIDEvenIfMissing(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(agg); err != nil {
		return err
	}
	return r.repo.Commit(ctx, agg)
}

func (r *typedRepo[T]) cast(agg Aggregate, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	typed, ok := agg.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T, not %s", ErrUnknownAggregateType, agg.base().streamName, agg, r.at.Name)
	}
	return typed, nil
}
