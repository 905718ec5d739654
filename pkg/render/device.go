// Package render is the boundary to the graphics backend that owns the
// brick-cache texture. Backend calls are only ever made from the render
// thread, through commands issued on a Thread.
package render

import (
	"errors"
	"fmt"
	"unsafe"

	"ctstream/internal/models"
)

var (
	// ErrNullTexture is returned when the backend hands out no texture.
	ErrNullTexture = errors.New("null texture handle")
	// ErrTextureTooLarge is returned when a texture exceeds the backend limit.
	ErrTextureTooLarge = errors.New("texture exceeds device limit")
	// ErrUnknownTexture is returned for a handle the backend does not own.
	ErrUnknownTexture = errors.New("unknown texture handle")
)

// DefaultMaxTextureBytes is the 2 GiB ceiling of backends without a native
// upload path.
const DefaultMaxTextureBytes = 2 << 30

// Format is the texel format of a 3D texture.
type Format int

const (
	R8_UINT Format = iota + 1
	R16_UINT
)

func (f Format) String() string {
	switch f {
	case R8_UINT:
		return "R8_UINT"
	case R16_UINT:
		return "R16_UINT"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// BytesPerTexel returns the size of one texel.
func (f Format) BytesPerTexel() int {
	switch f {
	case R8_UINT:
		return 1
	case R16_UINT:
		return 2
	}
	return 0
}

// FormatFor maps a dataset color depth to a texture format.
func FormatFor(depth models.ColorDepth) (Format, error) {
	switch depth {
	case models.UINT8:
		return R8_UINT, nil
	case models.UINT16:
		return R16_UINT, nil
	}
	return 0, fmt.Errorf("no texture format for %s", depth)
}

// TextureHandle is an opaque backend texture. Zero is the null handle.
type TextureHandle uintptr

// Device is the native texture boundary.
type Device interface {
	// CreateTexture3D allocates a texture. A zero handle means the backend
	// could not provide one.
	CreateTexture3D(width, height, depth int, format Format) (TextureHandle, error)
	// TextureSubImage3D copies size.Voxels() texels read from data into the
	// region of mip level starting at off. data must stay valid and must
	// not move until the frame that runs the call has ended.
	TextureSubImage3D(tex TextureHandle, off models.Offset, size models.Extent, data unsafe.Pointer, level int, format Format) error
	// ClearTexture3D zeroes every texel.
	ClearTexture3D(tex TextureHandle) error
	// ReleaseTexture3D frees the texture.
	ReleaseTexture3D(tex TextureHandle) error
	// MaxTextureBytes is the largest texture the backend accepts.
	MaxTextureBytes() int64
}
