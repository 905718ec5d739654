// Package soft is a memory-backed render.Device. Uploads read the caller's
// buffer through the raw pointer exactly like a native backend would, which
// makes it suitable for headless runs and tests.
package soft

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"ctstream/internal/models"
	"ctstream/pkg/render"
)

// Texture is a 3D texture held in host memory, X fastest.
type Texture struct {
	Width, Height, Depth int
	Format               render.Format
	Data                 []byte
}

// At returns the texel at (x,y,z) widened to 16 bits.
func (t *Texture) At(x, y, z int) uint16 {
	i := (z*t.Height+y)*t.Width + x
	if t.Format == render.R16_UINT {
		return binary.NativeEndian.Uint16(t.Data[2*i:])
	}
	return uint16(t.Data[i])
}

// Extent returns the texture size in texels.
func (t *Texture) Extent() models.Extent {
	return models.Extent{Width: t.Width, Height: t.Height, Depth: t.Depth}
}

// Device implements render.Device in host memory.
type Device struct {
	maxBytes int64

	mu       sync.Mutex
	next     render.TextureHandle
	textures map[render.TextureHandle]*Texture
	uploads  int

	// CreateTexture3D hands out the null handle when set
	nullTextures bool
}

// Option configures a Device.
type Option func(*Device)

// WithMaxTextureBytes overrides render.DefaultMaxTextureBytes.
func WithMaxTextureBytes(n int64) Option {
	return func(d *Device) { d.maxBytes = n }
}

// WithNullTextures makes every CreateTexture3D return the null handle, like
// a backend without a native texture path.
func WithNullTextures() Option {
	return func(d *Device) { d.nullTextures = true }
}

// New returns an empty device.
func New(opts ...Option) *Device {
	d := &Device{
		maxBytes: render.DefaultMaxTextureBytes,
		textures: make(map[render.TextureHandle]*Texture),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) MaxTextureBytes() int64 { return d.maxBytes }

func (d *Device) CreateTexture3D(width, height, depth int, format render.Format) (render.TextureHandle, error) {
	bpt := format.BytesPerTexel()
	if bpt == 0 {
		return 0, fmt.Errorf("unsupported format %s", format)
	}
	size := int64(width) * int64(height) * int64(depth) * int64(bpt)
	if size > d.maxBytes {
		return 0, fmt.Errorf("%w: %d bytes", render.ErrTextureTooLarge, size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nullTextures {
		return 0, nil
	}
	d.next++
	d.textures[d.next] = &Texture{
		Width:  width,
		Height: height,
		Depth:  depth,
		Format: format,
		Data:   make([]byte, size),
	}
	return d.next, nil
}

func (d *Device) TextureSubImage3D(tex render.TextureHandle, off models.Offset, size models.Extent, data unsafe.Pointer, level int, format render.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.textures[tex]
	if !ok {
		return fmt.Errorf("%w: %d", render.ErrUnknownTexture, tex)
	}
	if level != 0 {
		return fmt.Errorf("mip level %d not allocated", level)
	}
	if format != t.Format {
		return fmt.Errorf("format %s does not match texture format %s", format, t.Format)
	}
	if off.X < 0 || off.Y < 0 || off.Z < 0 ||
		off.X+size.Width > t.Width || off.Y+size.Height > t.Height || off.Z+size.Depth > t.Depth {
		return fmt.Errorf("region %s+%dx%dx%d outside %dx%dx%d texture",
			off, size.Width, size.Height, size.Depth, t.Width, t.Height, t.Depth)
	}
	if data == nil {
		return fmt.Errorf("nil upload buffer")
	}

	bpt := format.BytesPerTexel()
	src := unsafe.Slice((*byte)(data), size.Voxels()*bpt)
	row := size.Width * bpt
	for z := 0; z < size.Depth; z++ {
		for y := 0; y < size.Height; y++ {
			s := (z*size.Height + y) * row
			dst := (((off.Z+z)*t.Height+off.Y+y)*t.Width + off.X) * bpt
			copy(t.Data[dst:dst+row], src[s:s+row])
		}
	}
	d.uploads++
	return nil
}

func (d *Device) ClearTexture3D(tex render.TextureHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return fmt.Errorf("%w: %d", render.ErrUnknownTexture, tex)
	}
	clear(t.Data)
	return nil
}

func (d *Device) ReleaseTexture3D(tex render.TextureHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.textures[tex]; !ok {
		return fmt.Errorf("%w: %d", render.ErrUnknownTexture, tex)
	}
	delete(d.textures, tex)
	return nil
}

// Snapshot returns a copy of the texture behind tex.
func (d *Device) Snapshot(tex render.TextureHandle) (*Texture, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[tex]
	if !ok {
		return nil, false
	}
	cp := *t
	cp.Data = append([]byte(nil), t.Data...)
	return &cp, true
}

// Uploads returns the number of successful TextureSubImage3D calls.
func (d *Device) Uploads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploads
}

// Textures returns the number of live textures.
func (d *Device) Textures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.textures)
}

var _ render.Device = (*Device)(nil)
