package render

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrThreadClosed is returned by waits on a stopped render thread.
var ErrThreadClosed = errors.New("render thread closed")

// Command is a unit of work executed on the render thread.
type Command func(Device)

// Thread serialises every Device call into frames. Commands issued from any
// goroutine run, in issue order, at the start of the next frame.
type Thread struct {
	dev Device
	log zerolog.Logger

	// held for the whole of a frame
	frameMu sync.Mutex

	mu      sync.Mutex
	pending []Command
	started uint64
	ended   uint64
	// closed and replaced at the end of every frame
	frameEnd chan struct{}
	closed   bool
}

// NewThread returns a render thread driving dev.
func NewThread(dev Device, log zerolog.Logger) *Thread {
	return &Thread{
		dev:      dev,
		log:      log,
		frameEnd: make(chan struct{}),
	}
}

// Issue queues cmd for the next frame.
func (t *Thread) Issue(cmd Command) {
	t.mu.Lock()
	t.pending = append(t.pending, cmd)
	t.mu.Unlock()
}

// RenderFrame runs one frame: it executes the commands queued so far and
// then marks the frame ended. It returns the frame number. Frames must be
// rendered from a single goroutine.
func (t *Thread) RenderFrame() uint64 {
	t.frameMu.Lock()
	defer t.frameMu.Unlock()

	t.mu.Lock()
	cmds := t.pending
	t.pending = nil
	t.started++
	frame := t.started
	t.mu.Unlock()

	for _, cmd := range cmds {
		cmd(t.dev)
	}

	t.mu.Lock()
	t.ended = frame
	close(t.frameEnd)
	t.frameEnd = make(chan struct{})
	t.mu.Unlock()
	return frame
}

// Frame returns the number of completed frames.
func (t *Thread) Frame() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// WaitEndOfFrame blocks until a frame that started after the call has
// ended. Every command issued before the call has run by then.
func (t *Thread) WaitEndOfFrame(ctx context.Context) error {
	t.mu.Lock()
	target := t.started + 1
	for t.ended < target {
		if t.closed {
			t.mu.Unlock()
			return ErrThreadClosed
		}
		ch := t.frameEnd
		t.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		t.mu.Lock()
	}
	t.mu.Unlock()
	return nil
}

// Do issues fn and waits until it has run.
func (t *Thread) Do(ctx context.Context, fn func(Device) error) error {
	var err error
	t.Issue(func(d Device) { err = fn(d) })
	if werr := t.WaitEndOfFrame(ctx); werr != nil {
		return werr
	}
	return err
}

// Run renders a frame every interval until ctx ends, then closes the thread.
func (t *Thread) Run(ctx context.Context, interval time.Duration) error {
	defer t.Close()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.log.Debug().Dur("interval", interval).Msg("render thread started")
	for {
		select {
		case <-ctx.Done():
			t.log.Debug().Uint64("frames", t.Frame()).Msg("render thread stopped")
			return ctx.Err()
		case <-ticker.C:
			t.RenderFrame()
		}
	}
}

// Close stops accepting waits. A frame in flight finishes first; commands
// still pending are dropped. Close must not be called from a command.
func (t *Thread) Close() {
	t.frameMu.Lock()
	defer t.frameMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if n := len(t.pending); n > 0 {
		t.log.Warn().Int("commands", n).Msg("dropping render commands on close")
	}
	t.pending = nil
	close(t.frameEnd)
	t.frameEnd = make(chan struct{})
}
