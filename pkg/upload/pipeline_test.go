package upload_test

import (
	"context"
	"os"
	"testing"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalassert "ctstream/internal/assert"
	"ctstream/internal/models"
	"ctstream/pkg/brickify"
	"ctstream/pkg/cache"
	"ctstream/pkg/dataset"
	"ctstream/pkg/importer"
	"ctstream/pkg/loader"
	"ctstream/pkg/progress"
	"ctstream/pkg/queue"
	"ctstream/pkg/render"
	"ctstream/pkg/render/soft"
	"ctstream/pkg/upload"
)

// brickValue gives each of the eight 32³ bricks its own constant.
func brickValue(x, y, z int) uint8 {
	return uint8(1 + x/32 + 2*(y/32) + 4*(z/32))
}

func writeCube(t *testing.T) (string, *brickify.Volume[uint8]) {
	t.Helper()
	dir := t.TempDir()
	vol := brickify.Synthesize(64, 64, 64, brickValue)
	o := brickify.DefaultOptions()
	o.BrickSize = 32
	o.Lz4 = false
	md, err := brickify.Write(dir, vol, o, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 8, md.TotalNbrBricks)
	return dir, vol
}

type harness struct {
	ds     *dataset.Dataset
	cache  *cache.Cache[uint8]
	queue  *queue.Ready
	dev    *soft.Device
	thread *render.Thread
	pipe   *upload.Pipeline[uint8]
	load   *loader.Loader[uint8]
	ctx    context.Context
}

func newHarness(t *testing.T, dir string, c *cache.Cache[uint8], devOpts []soft.Option, opts ...upload.Option) *harness {
	t.Helper()
	ds, err := dataset.Open(dir, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	dev := soft.New(devOpts...)
	th := render.NewThread(dev, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = th.Run(ctx, time.Millisecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	q := queue.New(0)
	p, err := upload.New(ds, c, q, th, opts...)
	require.NoError(t, err)
	l, err := loader.New[uint8](ds, loader.WithWorkers(4))
	require.NoError(t, err)

	return &harness{ds: ds, cache: c, queue: q, dev: dev, thread: th, pipe: p, load: l, ctx: ctx}
}

func TestEightBrickCube(t *testing.T) {
	dir, vol := writeCube(t)
	c, err := cache.New[uint8](256, 32*32*32)
	require.NoError(t, err)
	require.Equal(t, 8, c.GetCapacity())
	h := newHarness(t, dir, c, nil)

	loaded := make(map[dataset.BrickID]bool)
	c.Loaded().Subscribe(func(l cache.Loaded[uint8]) { loaded[l.ID] = true })

	var tr progress.Tracker
	r, err := h.load.LoadAll(h.ctx, c, h.queue, &tr)
	require.NoError(t, err)
	assert.Equal(t, 8, r.Loaded)
	assert.Equal(t, 1.0, tr.Progress())
	assert.Equal(t, 8, c.Len())
	assert.Len(t, loaded, 8)
	assert.Equal(t, 8, h.queue.Len())
	assert.Equal(t, models.MinMax{Min: 1, Max: 8}, r.Range)

	require.NoError(t, h.pipe.Init(h.ctx))
	assert.Equal(t, upload.Draining, h.pipe.State())
	require.NoError(t, h.pipe.Run(h.ctx))

	assert.Equal(t, upload.Done, h.pipe.State())
	assert.Equal(t, 8, h.pipe.Uploaded())
	assert.Equal(t, 8, h.dev.Uploads())
	assert.Zero(t, c.Stats().Held, "every brick released after upload")

	offsets := h.pipe.Offsets()
	require.Len(t, offsets, 8)
	distinct := make(map[models.Offset]bool)
	for id, off := range offsets {
		assert.True(t, loaded[id])
		assert.Contains(t, []int{0, 32}, off.X)
		assert.Contains(t, []int{0, 32}, off.Y)
		assert.Contains(t, []int{0, 32}, off.Z)
		distinct[off] = true
	}
	assert.Len(t, distinct, 8)

	snap, ok := h.dev.Snapshot(h.pipe.Texture())
	require.True(t, ok)
	for _, p := range [][3]int{{0, 0, 0}, {63, 0, 0}, {0, 63, 0}, {0, 0, 63}, {40, 10, 50}, {63, 63, 63}} {
		assert.Equal(t, uint16(vol.At(p[0], p[1], p[2])), snap.At(p[0], p[1], p[2]), "texel %v", p)
	}

	require.NoError(t, h.pipe.Shutdown(h.ctx))
	assert.Equal(t, upload.WaitingForResources, h.pipe.State())
	assert.Zero(t, h.dev.Textures())
}

func TestMissingChunkStillCompletes(t *testing.T) {
	dir, _ := writeCube(t)
	require.NoError(t, os.Remove(importer.ChunkPath(dir, 5, 0)))

	c, err := cache.NewWithCapacity[uint8](8)
	require.NoError(t, err)
	h := newHarness(t, dir, c, nil)

	var tr progress.Tracker
	r, err := h.load.LoadAll(h.ctx, c, h.queue, &tr)
	require.NoError(t, err)
	assert.Equal(t, 7, r.Loaded)
	assert.Equal(t, 1, r.Missing)
	assert.Equal(t, 8, r.Attempted)
	assert.Equal(t, 1.0, tr.Progress())

	require.NoError(t, h.pipe.Init(h.ctx))
	h.pipe.SetTarget(r.Loaded)
	require.NoError(t, h.pipe.Run(h.ctx))
	assert.Equal(t, 7, h.pipe.Uploaded())
	assert.Equal(t, upload.Done, h.pipe.State())

	// brick 5 sits at (32,0,32) and was never written
	snap, _ := h.dev.Snapshot(h.pipe.Texture())
	assert.Zero(t, snap.At(40, 8, 40))
	assert.NotZero(t, snap.At(8, 8, 8))
}

func TestConcurrentLoadWithSmallCache(t *testing.T) {
	dir, _ := writeCube(t)
	c, err := cache.NewWithCapacity[uint8](2)
	require.NoError(t, err)
	h := newHarness(t, dir, c, nil, upload.WithMaxBricksPerFrame(1))

	require.NoError(t, h.pipe.Init(h.ctx))
	runErr := make(chan error, 1)
	go func() { runErr <- h.pipe.Run(h.ctx) }()

	r, err := h.load.LoadAll(h.ctx, c, h.queue, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, r.Loaded)

	require.NoError(t, <-runErr)
	assert.Equal(t, 8, h.pipe.Uploaded())
	assert.LessOrEqual(t, c.Len(), 2)
	assert.Len(t, h.pipe.Offsets(), 8)
}

func TestMaxBricksPerFrame(t *testing.T) {
	dir, _ := writeCube(t)
	c, err := cache.NewWithCapacity[uint8](8)
	require.NoError(t, err)
	h := newHarness(t, dir, c, nil, upload.WithMaxBricksPerFrame(3))

	_, err = h.load.LoadAll(h.ctx, c, h.queue, nil)
	require.NoError(t, err)
	require.NoError(t, h.pipe.Init(h.ctx))

	n, err := h.pipe.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 5, h.queue.Len())
	assert.Equal(t, 5, c.Stats().Held)
}

func TestNullTextureFailsFast(t *testing.T) {
	dir, _ := writeCube(t)
	c, err := cache.NewWithCapacity[uint8](8)
	require.NoError(t, err)
	h := newHarness(t, dir, c, []soft.Option{soft.WithNullTextures()})

	err = h.pipe.Init(h.ctx)
	assert.ErrorIs(t, err, render.ErrNullTexture)
	assert.Equal(t, upload.WaitingForResources, h.pipe.State())

	_, err = h.pipe.Tick(h.ctx)
	assert.ErrorIs(t, err, upload.ErrNotInitialized)
}

func TestTextureTooLarge(t *testing.T) {
	dir, _ := writeCube(t)
	c, err := cache.NewWithCapacity[uint8](8)
	require.NoError(t, err)
	h := newHarness(t, dir, c, []soft.Option{soft.WithMaxTextureBytes(64*64*64 - 1)})

	err = h.pipe.Init(h.ctx)
	assert.ErrorIs(t, err, render.ErrTextureTooLarge)
	assert.Zero(t, h.dev.Textures())
}

func TestQueuedBrickWithoutEntry(t *testing.T) {
	dir, _ := writeCube(t)
	c, err := cache.NewWithCapacity[uint8](8)
	require.NoError(t, err)
	h := newHarness(t, dir, c, nil)
	require.NoError(t, h.pipe.Init(h.ctx))

	id, err := dataset.NewBrickID(3, 0)
	require.NoError(t, err)
	require.NoError(t, h.queue.Push(h.ctx, id))

	if internalassert.Enabled {
		assert.Panics(t, func() { _, _ = h.pipe.Tick(h.ctx) })
		return
	}
	n, err := h.pipe.Tick(h.ctx)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, internalassert.ErrInvariant)
}

// stallingDevice blocks every brick copy until release is closed.
type stallingDevice struct {
	*soft.Device
	copying chan struct{}
	release chan struct{}
}

func (d *stallingDevice) TextureSubImage3D(tex render.TextureHandle, off models.Offset, size models.Extent, data unsafe.Pointer, level int, format render.Format) error {
	d.copying <- struct{}{}
	<-d.release
	return d.Device.TextureSubImage3D(tex, off, size, data, level, format)
}

func TestCancelKeepsBricksUntilCopiesRan(t *testing.T) {
	dir, _ := writeCube(t)
	ds, err := dataset.Open(dir, zerolog.Nop())
	require.NoError(t, err)
	c, err := cache.NewWithCapacity[uint8](8)
	require.NoError(t, err)

	dev := &stallingDevice{Device: soft.New(), copying: make(chan struct{}, 1), release: make(chan struct{})}
	th := render.NewThread(dev, zerolog.Nop())
	runCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = th.Run(runCtx, time.Millisecond)
	}()
	defer func() {
		stop()
		<-done
	}()

	q := queue.New(0)
	p, err := upload.New(ds, c, q, th, upload.WithMaxBricksPerFrame(1))
	require.NoError(t, err)
	require.NoError(t, p.Init(runCtx))
	l, err := loader.New[uint8](ds)
	require.NoError(t, err)
	_, err = l.LoadAll(runCtx, c, q, nil)
	require.NoError(t, err)
	require.Equal(t, 8, c.Stats().Held)

	ctx, cancel := context.WithCancel(runCtx)
	ticked := make(chan error, 1)
	go func() {
		_, err := p.Tick(ctx)
		ticked <- err
	}()

	<-dev.copying
	cancel()
	select {
	case <-ticked:
		t.Fatal("tick returned while its copy was still reading the brick")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 8, c.Stats().Held, "brick released while its copy ran")

	close(dev.release)
	select {
	case err := <-ticked:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not return after the copy finished")
	}
	assert.Equal(t, 7, c.Stats().Held)
	assert.Equal(t, 1, dev.Uploads())
	assert.Zero(t, p.Uploaded())
}

func TestRejectsMismatchedSampleType(t *testing.T) {
	dir, _ := writeCube(t)
	ds, err := dataset.Open(dir, zerolog.Nop())
	require.NoError(t, err)
	c, err := cache.NewWithCapacity[uint16](1)
	require.NoError(t, err)

	th := render.NewThread(soft.New(), zerolog.Nop())
	_, err = upload.New(ds, c, queue.New(0), th)
	assert.ErrorIs(t, err, importer.ErrUnsupportedColorDepth)
}
