// Package perkey serializes work per key while work for different keys runs
// concurrently. The repository uses it to run commands against one aggregate
// at a time.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrSchedulerClosed is returned when Do is called on a closed scheduler.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Scheduler runs functions such that for any key at most one runs at a time.
// Waiting callers are admitted in arrival order. A key holds no resources
// once its last caller returned.
type Scheduler[K comparable] struct {
	mu     sync.Mutex
	slots  map[K]*slot
	closed bool
	wg     sync.WaitGroup
}

type slot struct {
	turn chan struct{}
	refs int
}

func New[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{slots: make(map[K]*slot)}
}

// Do runs fn once no other function for key is running and returns its error.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but gives up waiting for its turn when ctx is done.
// A function that started always runs to completion.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sl, err := s.acquire(key)
	if err != nil {
		return err
	}
	defer s.release(key, sl)

	select {
	case sl.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sl.turn }()

	return fn()
}

func (s *Scheduler[K]) acquire(key K) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{turn: make(chan struct{}, 1)}
		s.slots[key] = sl
	}
	sl.refs++
	s.wg.Add(1)
	return sl, nil
}

func (s *Scheduler[K]) release(key K, sl *slot) {
	s.mu.Lock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, key)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// Len returns the number of keys with running or waiting callers.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Close rejects new calls and waits for running and waiting ones to finish.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
