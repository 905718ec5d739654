package render_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctstream/internal/models"
	"ctstream/pkg/render"
	"ctstream/pkg/render/soft"
)

func TestCommandsRunAtNextFrameInOrder(t *testing.T) {
	th := render.NewThread(soft.New(), zerolog.Nop())

	var got []int
	th.Issue(func(render.Device) { got = append(got, 1) })
	th.Issue(func(render.Device) { got = append(got, 2) })
	assert.Empty(t, got)

	assert.Equal(t, uint64(1), th.RenderFrame())
	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, uint64(1), th.Frame())

	th.RenderFrame()
	assert.Equal(t, []int{1, 2}, got, "commands run once")
}

func TestWaitEndOfFrameNeedsAFreshFrame(t *testing.T) {
	th := render.NewThread(soft.New(), zerolog.Nop())

	inFrame := make(chan struct{})
	finish := make(chan struct{})
	th.Issue(func(render.Device) {
		close(inFrame)
		<-finish
	})
	first := make(chan struct{})
	go func() {
		th.RenderFrame()
		close(first)
	}()
	<-inFrame

	// frame 1 is in flight: the wait must outlast it and the next frame
	waited := make(chan error, 1)
	go func() { waited <- th.WaitEndOfFrame(context.Background()) }()

	close(finish)
	<-first
	select {
	case <-waited:
		t.Fatal("wait returned at the end of a frame that started before it")
	case <-time.After(30 * time.Millisecond):
	}

	th.RenderFrame()
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after a full frame")
	}
	assert.Equal(t, uint64(2), th.Frame())
}

func TestWaitEndOfFrameCancel(t *testing.T) {
	th := render.NewThread(soft.New(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, th.WaitEndOfFrame(ctx), context.DeadlineExceeded)

	th.Close()
	assert.ErrorIs(t, th.WaitEndOfFrame(context.Background()), render.ErrThreadClosed)
}

func TestRunAndDo(t *testing.T) {
	dev := soft.New()
	th := render.NewThread(dev, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.ErrorIs(t, th.Run(ctx, time.Millisecond), context.Canceled)
	}()

	var tex render.TextureHandle
	err := th.Do(ctx, func(d render.Device) error {
		var err error
		tex, err = d.CreateTexture3D(4, 4, 4, render.R8_UINT)
		return err
	})
	require.NoError(t, err)
	assert.NotZero(t, tex)

	boom := errors.New("boom")
	err = th.Do(ctx, func(render.Device) error { return boom })
	assert.ErrorIs(t, err, boom)

	cancel()
	wg.Wait()
	assert.ErrorIs(t, th.WaitEndOfFrame(context.Background()), render.ErrThreadClosed)
}

func TestSoftDeviceUpload(t *testing.T) {
	dev := soft.New()
	tex, err := dev.CreateTexture3D(4, 4, 4, render.R16_UINT)
	require.NoError(t, err)

	brick := make([]uint16, 8)
	for i := range brick {
		brick[i] = uint16(1000 + i)
	}
	err = dev.TextureSubImage3D(tex, models.Offset{X: 2, Y: 2, Z: 2},
		models.Extent{Width: 2, Height: 2, Depth: 2}, unsafe.Pointer(&brick[0]), 0, render.R16_UINT)
	require.NoError(t, err)

	snap, ok := dev.Snapshot(tex)
	require.True(t, ok)
	assert.Equal(t, uint16(1000), snap.At(2, 2, 2))
	assert.Equal(t, uint16(1001), snap.At(3, 2, 2))
	assert.Equal(t, uint16(1007), snap.At(3, 3, 3))
	assert.Zero(t, snap.At(0, 0, 0))
	assert.Equal(t, 1, dev.Uploads())

	// out of bounds, wrong format, wrong level
	ext := models.Extent{Width: 2, Height: 2, Depth: 2}
	assert.Error(t, dev.TextureSubImage3D(tex, models.Offset{X: 3}, ext, unsafe.Pointer(&brick[0]), 0, render.R16_UINT))
	assert.Error(t, dev.TextureSubImage3D(tex, models.Offset{}, ext, unsafe.Pointer(&brick[0]), 0, render.R8_UINT))
	assert.Error(t, dev.TextureSubImage3D(tex, models.Offset{}, ext, unsafe.Pointer(&brick[0]), 1, render.R16_UINT))
	assert.ErrorIs(t, dev.ClearTexture3D(99), render.ErrUnknownTexture)

	require.NoError(t, dev.ClearTexture3D(tex))
	snap, _ = dev.Snapshot(tex)
	assert.Zero(t, snap.At(3, 3, 3))

	require.NoError(t, dev.ReleaseTexture3D(tex))
	assert.Zero(t, dev.Textures())
}

func TestSoftDeviceLimits(t *testing.T) {
	dev := soft.New(soft.WithMaxTextureBytes(63))
	_, err := dev.CreateTexture3D(4, 4, 4, render.R8_UINT)
	assert.ErrorIs(t, err, render.ErrTextureTooLarge)

	null := soft.New(soft.WithNullTextures())
	tex, err := null.CreateTexture3D(4, 4, 4, render.R8_UINT)
	require.NoError(t, err)
	assert.Zero(t, tex)
}

func TestFormatFor(t *testing.T) {
	f, err := render.FormatFor(models.UINT8)
	require.NoError(t, err)
	assert.Equal(t, render.R8_UINT, f)
	f, err = render.FormatFor(models.UINT16)
	require.NoError(t, err)
	assert.Equal(t, 2, f.BytesPerTexel())
	_, err = render.FormatFor(models.FLOAT16)
	assert.Error(t, err)
}
