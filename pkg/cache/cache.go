// Package cache implements the bounded in-memory brick cache that sits
// between the bulk loader and the upload pipeline.
//
// The cache holds at most GetCapacity entries. Inserting into a full cache
// first evicts the least recently used entry; Get counts as a use. Entries
// can be held (SetAndHold) while an upload still needs them: held entries
// are never evicted, and an insert into a cache whose every entry is held
// blocks until one is released.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"
	"github.com/rs/zerolog"

	"ctstream/internal/models"
	"ctstream/pkg/dataset"
	"ctstream/pkg/events"
	"ctstream/pkg/metrics"
)

// ErrInvalidCapacity is returned when the memory budget admits no entry.
var ErrInvalidCapacity = errors.New("invalid cache capacity")

// Loaded is published after an entry was inserted.
type Loaded[T models.Sample] struct {
	ID    dataset.BrickID
	Entry *Entry[T]
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Len       int
	Held      int
	Capacity  int
}

// Cache is a capacity-bounded map from brick id to decoded brick.
// It is safe for concurrent use.
type Cache[T models.Sample] struct {
	capacity int

	mu sync.Mutex
	// unheld entries in recency order
	recent *lru.Cache
	held   map[dataset.BrickID]*Entry[T]
	// closed and replaced whenever room may have been made
	room    chan struct{}
	evicted dataset.BrickID

	loaded   *events.Topic[Loaded[T]]
	evictedT *events.Topic[dataset.BrickID]

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	obs metrics.Observer
	log zerolog.Logger
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	obs metrics.Observer
	log zerolog.Logger
}

// WithObserver reports hits, misses and evictions to obs.
func WithObserver(obs metrics.Observer) Option {
	return func(o *options) { o.obs = obs }
}

// WithLogger sets the logger used for eviction diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// Capacity converts a memory budget into an entry count:
// ceil(memoryLimitMB / (brickSizeBytes / 1024)).
func Capacity(memoryLimitMB, brickSizeBytes int64) (int, error) {
	if memoryLimitMB <= 0 || brickSizeBytes <= 0 {
		return 0, fmt.Errorf("%w: limit %d MB, brick %d bytes", ErrInvalidCapacity, memoryLimitMB, brickSizeBytes)
	}
	return int(math.Ceil(float64(memoryLimitMB) / (float64(brickSizeBytes) / 1024))), nil
}

// New creates a cache sized from a memory budget.
func New[T models.Sample](memoryLimitMB, brickSizeBytes int64, opts ...Option) (*Cache[T], error) {
	capacity, err := Capacity(memoryLimitMB, brickSizeBytes)
	if err != nil {
		return nil, err
	}
	return NewWithCapacity[T](capacity, opts...)
}

// NewWithCapacity creates a cache holding at most capacity entries.
func NewWithCapacity[T models.Sample](capacity int, opts ...Option) (*Cache[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	o := options{obs: metrics.NoopObserver{}, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[T]{
		capacity: capacity,
		held:     make(map[dataset.BrickID]*Entry[T]),
		room:     make(chan struct{}),
		loaded:   events.NewTopic[Loaded[T]](),
		evictedT: events.NewTopic[dataset.BrickID](),
		obs:      o.obs,
		log:      o.log,
	}
	c.recent = c.newRecent()
	return c, nil
}

func (c *Cache[T]) newRecent() *lru.Cache {
	l := lru.New(0)
	l.OnEvicted = func(key lru.Key, _ interface{}) {
		c.evicted = key.(dataset.BrickID)
	}
	return l
}

// GetCapacity returns the maximum number of entries.
func (c *Cache[T]) GetCapacity() int { return c.capacity }

// Loaded returns the topic announcing every insertion.
func (c *Cache[T]) Loaded() *events.Topic[Loaded[T]] { return c.loaded }

// Evicted returns the topic announcing every eviction.
func (c *Cache[T]) Evicted() *events.Topic[dataset.BrickID] { return c.evictedT }

// Set inserts e under id. When the cache is full the least recently used
// unheld entry is evicted first; if every entry is held Set waits for a
// Release or for ctx to end. Inserting an id that is already cached keeps
// the resident entry.
func (c *Cache[T]) Set(ctx context.Context, id dataset.BrickID, e *Entry[T]) error {
	return c.insert(ctx, id, e, false)
}

// SetAndHold is Set followed by a hold on the entry, atomically: the entry
// cannot be evicted until Release(id) is called.
func (c *Cache[T]) SetAndHold(ctx context.Context, id dataset.BrickID, e *Entry[T]) error {
	return c.insert(ctx, id, e, true)
}

func (c *Cache[T]) insert(ctx context.Context, id dataset.BrickID, e *Entry[T], hold bool) error {
	var victims []dataset.BrickID

	c.mu.Lock()
	for {
		if existing := c.peekLocked(id); existing != nil {
			if hold {
				c.holdLocked(id, existing)
			}
			c.mu.Unlock()
			c.publishEvictions(victims)
			return nil
		}
		if c.lenLocked() < c.capacity {
			break
		}
		if c.recent.Len() > 0 {
			c.recent.RemoveOldest()
			victims = append(victims, c.evicted)
			continue
		}

		// every resident entry is held by an upload in flight
		room := c.room
		c.mu.Unlock()
		c.publishEvictions(victims)
		victims = victims[:0]
		select {
		case <-room:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}

	e.touch()
	if hold {
		e.holds = 1
		c.held[id] = e
	} else {
		c.recent.Add(id, e)
	}
	c.mu.Unlock()

	c.publishEvictions(victims)
	c.loaded.Publish(Loaded[T]{ID: id, Entry: e})
	return nil
}

func (c *Cache[T]) publishEvictions(ids []dataset.BrickID) {
	for _, id := range ids {
		c.evictions.Add(1)
		c.obs.CacheEviction()
		c.log.Debug().Stringer("brick", id).Msg("evicted brick from cache")
		c.evictedT.Publish(id)
	}
}

// Get returns the entry cached under id, or nil. A hit refreshes the
// entry's timestamp and its recency.
func (c *Cache[T]) Get(id dataset.BrickID) *Entry[T] {
	c.mu.Lock()
	e, ok := c.held[id]
	if !ok {
		var v interface{}
		if v, ok = c.recent.Get(id); ok {
			e = v.(*Entry[T])
		}
	}
	if ok {
		e.touch()
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		c.obs.CacheMiss()
		return nil
	}
	c.hits.Add(1)
	c.obs.CacheHit()
	return e
}

// Release drops one hold on id. Once the last hold is gone the entry becomes
// evictable and counts as most recently used. Releasing an id that is not
// held does nothing.
func (c *Cache[T]) Release(id dataset.BrickID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.held[id]
	if !ok {
		return
	}
	e.holds--
	if e.holds > 0 {
		return
	}
	delete(c.held, id)
	c.recent.Add(id, e)
	c.wakeLocked()
}

// Len returns the number of cached entries.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lenLocked()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	n, held := c.lenLocked(), len(c.held)
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Len:       n,
		Held:      held,
		Capacity:  c.capacity,
	}
}

// Clear drops every entry, held or not, and resets the counters. Used when a
// new dataset replaces the current one.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = c.newRecent()
	c.held = make(map[dataset.BrickID]*Entry[T])
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.wakeLocked()
}

func (c *Cache[T]) lenLocked() int {
	return len(c.held) + c.recent.Len()
}

// peekLocked looks id up without refreshing the timestamp. An unheld hit
// still moves to the front of the recency list.
func (c *Cache[T]) peekLocked(id dataset.BrickID) *Entry[T] {
	if e, ok := c.held[id]; ok {
		return e
	}
	if v, ok := c.recent.Get(id); ok {
		return v.(*Entry[T])
	}
	return nil
}

func (c *Cache[T]) holdLocked(id dataset.BrickID, e *Entry[T]) {
	if e.holds == 0 {
		c.recent.Remove(id)
		c.held[id] = e
	}
	e.holds++
}

func (c *Cache[T]) wakeLocked() {
	close(c.room)
	c.room = make(chan struct{})
}
