// Package queue implements the ready queue: a FIFO of brick ids whose cache
// entry is populated and waiting for upload. Any number of loader goroutines
// push; one upload consumer drains.
package queue

import (
	"context"
	"errors"
	"sync"

	"ctstream/pkg/dataset"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("ready queue closed")

// Ready is a multi-producer single-consumer FIFO of brick ids.
type Ready struct {
	mu       sync.Mutex
	items    []dataset.BrickID
	capacity int
	closed   bool
	// closed and replaced after every pop so blocked producers re-check
	space chan struct{}
}

// New returns a ready queue. A capacity of 0 or less means unbounded;
// otherwise Push blocks while capacity ids are waiting.
func New(capacity int) *Ready {
	return &Ready{
		capacity: max(capacity, 0),
		space:    make(chan struct{}),
	}
}

// Push appends id. On a bounded queue it waits for room or for ctx to end.
func (q *Ready) Push(ctx context.Context, id dataset.BrickID) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.capacity == 0 || len(q.items) < q.capacity {
			break
		}
		space := q.space
		q.mu.Unlock()
		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}
	q.items = append(q.items, id)
	q.mu.Unlock()
	return nil
}

// TryPop removes the oldest id without waiting.
func (q *Ready) TryPop() (dataset.BrickID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	id := q.items[0]
	q.items = q.items[1:]
	q.wakeLocked()
	return id, true
}

// Drain removes up to limit ids in FIFO order, or every waiting id when
// limit is 0 or less.
func (q *Ready) Drain(limit int) []dataset.BrickID {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}
	out := make([]dataset.BrickID, n)
	copy(out, q.items)
	q.items = q.items[n:]
	if len(q.items) == 0 {
		// drop the backing array once the queue is empty
		q.items = nil
	}
	q.wakeLocked()
	return out
}

// Len returns the number of waiting ids.
func (q *Ready) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and releases blocked producers. Ids already
// queued can still be drained.
func (q *Ready) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

func (q *Ready) wakeLocked() {
	close(q.space)
	q.space = make(chan struct{})
}
