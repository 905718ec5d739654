package cache

import (
	"sync/atomic"
	"time"

	"ctstream/internal/models"
)

// Entry is one decoded brick held by the cache.
type Entry[T models.Sample] struct {
	data     []T
	min, max T

	// unix milliseconds of the last insert or lookup
	timestamp atomic.Int64

	// guarded by the owning cache's mutex
	holds int
}

// NewEntry wraps decoded samples and their range.
func NewEntry[T models.Sample](data []T, mm models.MinMax) *Entry[T] {
	e := &Entry[T]{
		data: data,
		min:  T(mm.Min),
		max:  T(mm.Max),
	}
	e.touch()
	return e
}

// Data returns the sample buffer. It must be treated as read-only.
func (e *Entry[T]) Data() []T { return e.data }

// Min returns the smallest sample of the brick.
func (e *Entry[T]) Min() T { return e.min }

// Max returns the largest sample of the brick.
func (e *Entry[T]) Max() T { return e.max }

// Timestamp returns the last access time in unix milliseconds.
func (e *Entry[T]) Timestamp() int64 { return e.timestamp.Load() }

// SizeBytes returns the memory taken by the sample buffer.
func (e *Entry[T]) SizeBytes() int64 {
	return int64(len(e.data) * models.SampleSize[T]())
}

func (e *Entry[T]) touch() {
	e.timestamp.Store(time.Now().UnixMilli())
}
