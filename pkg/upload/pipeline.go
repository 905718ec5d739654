// Package upload moves cached bricks into the brick-cache texture, a few
// per frame, without ever racing a frame that is being drawn.
package upload

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"

	"ctstream/internal/assert"
	"ctstream/internal/models"
	"ctstream/pkg/cache"
	"ctstream/pkg/dataset"
	"ctstream/pkg/importer"
	"ctstream/pkg/metrics"
	"ctstream/pkg/queue"
	"ctstream/pkg/render"
)

// ErrNotInitialized is returned by Tick before Init succeeded.
var ErrNotInitialized = errors.New("upload pipeline not initialized")

// State is the lifecycle stage of a Pipeline.
type State int32

const (
	// WaitingForResources: no texture yet.
	WaitingForResources State = iota
	// Draining: uploading bricks as they become ready.
	Draining
	// Done: every expected brick is in the texture.
	Done
)

func (s State) String() string {
	switch s {
	case WaitingForResources:
		return "WaitingForResources"
	case Draining:
		return "Draining"
	case Done:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Pipeline is the single consumer of the ready queue. Tick and Run must be
// called from one goroutine; the query methods are safe from any goroutine.
type Pipeline[T models.Sample] struct {
	md     dataset.Metadata
	extent models.Extent
	format render.Format

	cache  *cache.Cache[T]
	queue  *queue.Ready
	thread *render.Thread

	maxPerFrame int
	obs         metrics.Observer
	log         zerolog.Logger

	state    atomic.Int32
	target   atomic.Int64
	uploaded atomic.Int64
	tex      atomic.Uintptr

	mu      sync.Mutex
	offsets map[dataset.BrickID]models.Offset
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	maxPerFrame int
	obs         metrics.Observer
	log         zerolog.Logger
}

// WithMaxBricksPerFrame bounds the uploads of one Tick. 0 drains the queue.
func WithMaxBricksPerFrame(n int) Option {
	return func(o *options) { o.maxPerFrame = n }
}

// WithObserver reports uploads and queue depth to obs.
func WithObserver(obs metrics.Observer) Option {
	return func(o *options) { o.obs = obs }
}

// WithLogger sets the pipeline logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// New wires a pipeline between c, q and the render thread th.
func New[T models.Sample](ds *dataset.Dataset, c *cache.Cache[T], q *queue.Ready, th *render.Thread, opts ...Option) (*Pipeline[T], error) {
	o := options{obs: metrics.NoopObserver{}, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	md := ds.Metadata()
	if err := importer.CheckDepth[T](&md); err != nil {
		return nil, err
	}
	format, err := render.FormatFor(md.ColorDepth)
	if err != nil {
		return nil, err
	}

	p := &Pipeline[T]{
		md:          md,
		extent:      ds.BrickCacheSize(),
		format:      format,
		cache:       c,
		queue:       q,
		thread:      th,
		maxPerFrame: max(o.maxPerFrame, 0),
		obs:         o.obs,
		log:         o.log,
		offsets:     make(map[dataset.BrickID]models.Offset, md.TotalNbrBricks),
	}
	p.target.Store(int64(md.TotalNbrBricks))
	return p, nil
}

// Init creates the brick-cache texture on the render thread and clears it.
// A backend that cannot provide the texture is fatal.
func (p *Pipeline[T]) Init(ctx context.Context) error {
	if p.State() != WaitingForResources {
		return nil
	}
	bytes := int64(p.extent.Voxels()) * int64(p.format.BytesPerTexel())

	var tex render.TextureHandle
	err := p.thread.Do(ctx, func(d render.Device) error {
		if limit := d.MaxTextureBytes(); bytes > limit {
			return fmt.Errorf("%w: %d > %d bytes", render.ErrTextureTooLarge, bytes, limit)
		}
		h, err := d.CreateTexture3D(p.extent.Width, p.extent.Height, p.extent.Depth, p.format)
		if err != nil {
			return err
		}
		if h == 0 {
			return render.ErrNullTexture
		}
		tex = h
		return d.ClearTexture3D(h)
	})
	if err != nil {
		p.log.Error().Err(err).Msg("cannot create brick cache texture")
		return fmt.Errorf("error creating brick cache texture: %w", err)
	}

	p.tex.Store(uintptr(tex))
	p.setState(Draining)
	p.log.Info().
		Int("width", p.extent.Width).
		Int("height", p.extent.Height).
		Int("depth", p.extent.Depth).
		Stringer("format", p.format).
		Msg("brick cache texture ready")
	return nil
}

// Tick drains the ready queue once and uploads what it found. It waits for
// the end of the current frame before issuing the copies and for the end of
// the frame that ran them before unpinning and releasing the bricks. It
// returns the number of bricks uploaded.
func (p *Pipeline[T]) Tick(ctx context.Context) (int, error) {
	switch p.State() {
	case WaitingForResources:
		return 0, ErrNotInitialized
	case Done:
		return 0, nil
	}
	if p.reachedTarget() {
		return 0, nil
	}

	if err := p.thread.WaitEndOfFrame(ctx); err != nil {
		return 0, err
	}
	ids := p.queue.Drain(p.maxPerFrame)
	p.obs.QueueDepth(p.queue.Len())
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		pinner  runtime.Pinner
		issued  = make([]dataset.BrickID, 0, len(ids))
		offs    = make([]models.Offset, 0, len(ids))
		results = make([]error, len(ids))
		bad     error
	)
	tex := p.Texture()
	size := models.Extent{Width: p.md.BrickSize, Height: p.md.BrickSize, Depth: p.md.BrickSize}
	for _, id := range ids {
		e := p.cache.Get(id)
		if err := assert.That(e != nil, "brick %s queued without a cache entry", id); err != nil {
			p.log.Error().Stringer("brick", id).Msg("ready brick missing from cache")
			bad = err
			continue
		}

		data := e.Data()
		pinner.Pin(&data[0])
		ptr := unsafe.Pointer(&data[0])
		off := p.md.ComputeVolumeOffset(id)
		slot := &results[len(issued)]
		p.thread.Issue(func(d render.Device) {
			*slot = d.TextureSubImage3D(tex, off, size, ptr, 0, p.format)
		})
		issued = append(issued, id)
		offs = append(offs, off)
	}

	// the copies run during the next frame; data stays pinned until it ends
	waitErr := p.thread.WaitEndOfFrame(ctx)
	if waitErr != nil && len(issued) > 0 {
		// ctx ended first: the copies are still queued or running and read
		// data until a frame has run them or the thread dropped them
		_ = p.thread.WaitEndOfFrame(context.Background())
	}
	pinner.Unpin()
	for _, id := range issued {
		p.cache.Release(id)
	}
	if waitErr != nil {
		return 0, waitErr
	}

	n := 0
	var failed error
	for i, id := range issued {
		if err := results[i]; err != nil {
			p.log.Error().Stringer("brick", id).Err(err).Msg("brick upload failed")
			failed = errors.Join(failed, fmt.Errorf("error uploading brick %s: %w", id, err))
			continue
		}
		p.record(id, offs[i])
		p.uploaded.Add(1)
		p.obs.BrickUploaded()
		n++
	}
	if p.reachedTarget() {
		p.log.Info().Int64("bricks", p.uploaded.Load()).Msg("all bricks uploaded")
	}
	return n, errors.Join(bad, failed)
}

// Run ticks until the pipeline is Done, a tick fails or ctx ends.
func (p *Pipeline[T]) Run(ctx context.Context) error {
	for {
		if _, err := p.Tick(ctx); err != nil {
			return err
		}
		if p.State() == Done {
			return nil
		}
	}
}

// Shutdown releases the texture and returns the pipeline to
// WaitingForResources. Bricks left in the ready queue stay there.
func (p *Pipeline[T]) Shutdown(ctx context.Context) error {
	tex := render.TextureHandle(p.tex.Swap(0))
	if tex == 0 {
		return nil
	}
	err := p.thread.Do(ctx, func(d render.Device) error {
		return d.ReleaseTexture3D(tex)
	})
	p.setState(WaitingForResources)
	if err != nil {
		return fmt.Errorf("error releasing brick cache texture: %w", err)
	}
	p.log.Debug().Msg("brick cache texture released")
	return nil
}

// SetTarget changes the number of uploads after which the pipeline is
// Done. It defaults to the dataset's brick count; a driver that knows some
// bricks were skipped lowers it.
func (p *Pipeline[T]) SetTarget(n int) {
	p.target.Store(int64(n))
}

// State returns the current lifecycle stage.
func (p *Pipeline[T]) State() State { return State(p.state.Load()) }

// Texture returns the brick-cache texture, or the null handle before Init.
func (p *Pipeline[T]) Texture() render.TextureHandle {
	return render.TextureHandle(p.tex.Load())
}

// Uploaded returns the number of bricks copied into the texture.
func (p *Pipeline[T]) Uploaded() int { return int(p.uploaded.Load()) }

// Offsets returns the texture offset of every uploaded brick.
func (p *Pipeline[T]) Offsets() map[dataset.BrickID]models.Offset {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[dataset.BrickID]models.Offset, len(p.offsets))
	for id, off := range p.offsets {
		out[id] = off
	}
	return out
}

func (p *Pipeline[T]) record(id dataset.BrickID, off models.Offset) {
	p.mu.Lock()
	p.offsets[id] = off
	p.mu.Unlock()
}

func (p *Pipeline[T]) reachedTarget() bool {
	if p.uploaded.Load() < p.target.Load() {
		return false
	}
	p.setState(Done)
	return true
}

func (p *Pipeline[T]) setState(s State) {
	old := State(p.state.Swap(int32(s)))
	if old != s {
		p.log.Debug().Stringer("from", old).Stringer("to", s).Msg("upload state")
	}
}
