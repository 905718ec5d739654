// Package metrics defines the hooks the streaming components report through.
package metrics

import "time"

// Observer receives operational events from the cache, the loader and the
// upload pipeline. Implementations must be safe for concurrent use.
type Observer interface {
	// CacheHit and CacheMiss are called for every cache lookup.
	CacheHit()
	CacheMiss()
	// CacheEviction is called when an entry is dropped to make room.
	CacheEviction()

	// BrickLoaded is called after a brick was imported and cached.
	BrickLoaded(bytes int64, took time.Duration)
	// BrickFailed is called for a brick the loader had to skip.
	BrickFailed()

	// BrickUploaded is called once the render thread copied a brick.
	BrickUploaded()
	// QueueDepth reports the ready-queue length after each drain.
	QueueDepth(n int)
}

// NoopObserver discards everything.
type NoopObserver struct{}

func (NoopObserver) CacheHit()                        {}
func (NoopObserver) CacheMiss()                       {}
func (NoopObserver) CacheEviction()                   {}
func (NoopObserver) BrickLoaded(int64, time.Duration) {}
func (NoopObserver) BrickFailed()                     {}
func (NoopObserver) BrickUploaded()                   {}
func (NoopObserver) QueueDepth(int)                   {}

var _ Observer = NoopObserver{}
