package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalassert "ctstream/internal/assert"
	"ctstream/pkg/brickify"
	"ctstream/pkg/cache"
	"ctstream/pkg/dataset"
	"ctstream/pkg/loader"
	"ctstream/pkg/queue"
	"ctstream/pkg/render"
	"ctstream/pkg/render/soft"
	"ctstream/pkg/upload"
)

type rig struct {
	ctx context.Context
	c   *cache.Cache[uint8]
	q   *queue.Ready
	p   *upload.Pipeline[uint8]
	l   *loader.Loader[uint8]
}

// newRig writes a 64³ dataset of eight 32³ bricks and wires a two-entry
// cache between the loader and a running upload pipeline.
func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()
	o := brickify.DefaultOptions()
	o.BrickSize = 32
	vol := brickify.Synthesize(64, 64, 64, func(x, y, z int) uint8 { return uint8(1 + x/32 + 2*(y/32) + 4*(z/32)) })
	_, err := brickify.Write(dir, vol, o, zerolog.Nop())
	require.NoError(t, err)
	ds, err := dataset.Open(dir, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	dev := soft.New()
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

	c, err := cache.NewWithCapacity[uint8](2)
	require.NoError(t, err)
	q := queue.New(0)
	p, err := upload.New(ds, c, q, th, upload.WithMaxBricksPerFrame(1))
	require.NoError(t, err)
	require.NoError(t, p.Init(ctx))
	l, err := loader.New[uint8](ds, loader.WithWorkers(4))
	require.NoError(t, err)
	return &rig{ctx: ctx, c: c, q: q, p: p, l: l}
}

func TestStreamUploadsEveryBrick(t *testing.T) {
	r := newRig(t)

	report, err := stream(r.ctx, r.l, r.p, r.c, r.q, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, report.Loaded)
	assert.Equal(t, 8, r.p.Uploaded())
	assert.Equal(t, upload.Done, r.p.State())
	assert.Zero(t, r.c.Stats().Held)
}

func TestStreamStopsLoadingWhenUploadFails(t *testing.T) {
	if internalassert.Enabled {
		t.Skip("a queued brick without an entry panics in debugassert builds")
	}
	r := newRig(t)

	// an id the loader never inserts makes the first tick fail
	bogus, err := dataset.NewBrickID(99, 0)
	require.NoError(t, err)
	require.NoError(t, r.q.Push(r.ctx, bogus))

	streamed := make(chan error, 1)
	go func() {
		_, err := stream(r.ctx, r.l, r.p, r.c, r.q, nil)
		streamed <- err
	}()

	select {
	case err := <-streamed:
		assert.ErrorIs(t, err, internalassert.ErrInvariant)
	case <-time.After(5 * time.Second):
		t.Fatal("loaders stayed blocked on the full cache after the upload failed")
	}
	assert.Less(t, r.p.Uploaded(), 8)
}
