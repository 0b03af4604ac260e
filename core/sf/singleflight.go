package sf

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Singleflight deduplicates concurrent function calls with the same key.
type Singleflight[T any] struct {
	group singleflight.Group
}

// Do executes fn for key unless a call for key is already in flight, in which
// case it waits for that call. shared reports whether the result was handed
// to more than one caller, callers must not mutate a shared result.
func (s *Singleflight[T]) Do(key string, fn func() (T, error)) (v T, shared bool, err error) {
	res, err, shared := s.group.Do(key, func() (any, error) {
		return fn()
	})
	if res != nil {
		v = res.(T)
	}
	return v, shared, err
}

// DoContext is like Do but stops waiting once ctx is done. The call itself
// keeps running for the callers that still wait for it.
func (s *Singleflight[T]) DoContext(ctx context.Context, key string, fn func() (T, error)) (v T, shared bool, err error) {
	ch := s.group.DoChan(key, func() (any, error) {
		return fn()
	})
	select {
	case <-ctx.Done():
		return v, false, ctx.Err()
	case res := <-ch:
		if res.Val != nil {
			v = res.Val.(T)
		}
		return v, res.Shared, res.Err
	}
}

// Forget makes the next Do for key run fn even if a call is still in flight.
func (s *Singleflight[T]) Forget(key string) { s.group.Forget(key) }

func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}
