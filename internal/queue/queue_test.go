package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()
	q := New[int]()
	for i := 0; i < 200; i++ {
		require.NoError(t, q.Push(i))
	}
	assert.Equal(t, 200, q.Len())

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		v, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	assert.Zero(t, q.Len())
}

func TestQueuePopHonorsCancellation(t *testing.T) {
	t.Parallel()
	q := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestQueueCloseDrainsThenErrors(t *testing.T) {
	t.Parallel()
	q := New[int]()
	require.NoError(t, q.Push(1))
	q.Close()

	assert.ErrorIs(t, q.Push(2), ErrClosed)

	v, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueCloseWakesBlockedConsumers(t *testing.T) {
	t.Parallel()
	q := New[int]()
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := q.Pop(context.Background())
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("consumer not woken by Close")
		}
	}
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	t.Parallel()
	const (
		producers = 4
		consumers = 3
		perProd   = 500
	)
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[int]int{}
		wg   sync.WaitGroup
	)
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Pop(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}

	var pwg sync.WaitGroup
	for p := 0; p < producers; p++ {
		pwg.Add(1)
		go func(base int) {
			defer pwg.Done()
			for i := 0; i < perProd; i++ {
				_ = q.Push(base*perProd + i)
			}
		}(p)
	}
	pwg.Wait()
	q.Close()
	wg.Wait()

	require.Len(t, seen, producers*perProd)
	for v, n := range seen {
		require.Equal(t, 1, n, "item %d delivered %d times", v, n)
	}
}
