package sf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleflight_Dedup(t *testing.T) {
	g := New[*int]()
	var calls atomic.Int32
	start := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*int, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, _, err := g.Do("k", func() (*int, error) {
				calls.Add(1)
				time.Sleep(20 * time.Millisecond)
				n := 42
				return &n, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		require.Equal(t, 42, *r)
	}
}

func TestSingleflight_Error(t *testing.T) {
	g := New[string]()
	boom := errors.New("boom")
	v, shared, err := g.Do("k", func() (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)
	require.False(t, shared)
	require.Empty(t, v)
}

func TestSingleflight_NilResult(t *testing.T) {
	g := New[*int]()
	v, _, err := g.Do("k", func() (*int, error) { return nil, nil })
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestSingleflight_DoContext(t *testing.T) {
	g := New[string]()
	entered := make(chan struct{})
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(t.Context())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := g.DoContext(ctx, "k", func() (string, error) {
			close(entered)
			<-release
			return "loaded", nil
		})
		firstErr <- err
	}()
	<-entered

	second := make(chan string, 1)
	go func() {
		v, _, err := g.DoContext(t.Context(), "k", func() (string, error) { return "second", nil })
		assert.NoError(t, err)
		second <- v
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	v := <-second
	require.Contains(t, []string{"loaded", "second"}, v)
}
