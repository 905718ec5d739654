package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctstream/pkg/dataset"
)

func TestFIFO(t *testing.T) {
	q := New(0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(ctx, dataset.BrickID(i)))
	}
	assert.Equal(t, 5, q.Len())

	id, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, dataset.BrickID(0), id)

	assert.Equal(t, []dataset.BrickID{1, 2}, q.Drain(2))
	assert.Equal(t, []dataset.BrickID{3, 4}, q.Drain(0))
	assert.Nil(t, q.Drain(0))

	_, ok = q.TryPop()
	assert.False(t, ok)
}

func TestBoundedPushBlocks(t *testing.T) {
	q := New(2)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, 1))
	require.NoError(t, q.Push(ctx, 2))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Push(short, 3), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- q.Push(ctx, 3) }()
	select {
	case <-done:
		t.Fatal("Push returned while the queue was full")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := q.TryPop()
	require.True(t, ok)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Push did not resume after a pop")
	}
	assert.Equal(t, []dataset.BrickID{2, 3}, q.Drain(0))
}

func TestClose(t *testing.T) {
	q := New(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, 7))

	done := make(chan error, 1)
	go func() { done <- q.Push(ctx, 8) }()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not release the blocked producer")
	}
	assert.ErrorIs(t, q.Push(ctx, 9), ErrClosed)
	assert.Equal(t, []dataset.BrickID{7}, q.Drain(0), "queued ids survive Close")
	q.Close()
}

func TestConcurrentProducers(t *testing.T) {
	q := New(4)
	ctx := context.Background()

	const producers, perProducer = 6, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.Push(ctx, dataset.BrickID(p*perProducer+i)))
			}
		}(p)
	}

	seen := make(map[dataset.BrickID]bool)
	deadline := time.After(5 * time.Second)
	for len(seen) < producers*perProducer {
		select {
		case <-deadline:
			t.Fatalf("drained %d of %d ids", len(seen), producers*perProducer)
		default:
		}
		for _, id := range q.Drain(3) {
			assert.False(t, seen[id], "id %d delivered twice", id)
			seen[id] = true
		}
		assert.LessOrEqual(t, q.Len(), 4)
	}
	wg.Wait()
	assert.Zero(t, q.Len())
}
