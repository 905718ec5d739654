package models

import (
	"fmt"
	"unsafe"
)

// ColorDepth is the per-sample storage type of a bricked volume.
type ColorDepth int

const (
	// UINT8 stores one byte per sample.
	UINT8 ColorDepth = iota
	// UINT16 stores two bytes per sample, big-endian on disk.
	UINT16
	// FLOAT16 is recognised in metadata files but cannot be streamed.
	FLOAT16
)

// String returns the metadata spelling of the color depth.
func (c ColorDepth) String() string {
	switch c {
	case UINT8:
		return "uint8"
	case UINT16:
		return "uint16"
	case FLOAT16:
		return "float16"
	default:
		return fmt.Sprintf("ColorDepth(%d)", int(c))
	}
}

// BytesPerSample returns the on-disk and in-memory width of one sample.
func (c ColorDepth) BytesPerSample() int {
	switch c {
	case UINT8:
		return 1
	case UINT16, FLOAT16:
		return 2
	default:
		return 0
	}
}

// ParseColorDepth maps the metadata spelling to a ColorDepth.
func ParseColorDepth(s string) (ColorDepth, error) {
	switch s {
	case "uint8", "UINT8":
		return UINT8, nil
	case "uint16", "UINT16":
		return UINT16, nil
	case "float16", "FLOAT16":
		return FLOAT16, nil
	}
	return 0, fmt.Errorf("unknown color depth %q", s)
}

// Sample is the set of element types a brick can hold.
type Sample interface {
	~uint8 | ~uint16
}

// SampleSize returns the width in bytes of one element of type T.
func SampleSize[T Sample]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// DepthOf returns the ColorDepth that matches T.
func DepthOf[T Sample]() ColorDepth {
	if SampleSize[T]() == 1 {
		return UINT8
	}
	return UINT16
}

// Vec3 is a float triple used for physical scale and orientation.
type Vec3 struct {
	X, Y, Z float64
}

// Offset is a position inside the volume, in samples.
type Offset struct {
	X, Y, Z int
}

func (o Offset) String() string {
	return fmt.Sprintf("(%d,%d,%d)", o.X, o.Y, o.Z)
}

// Extent is the size of a 3D region, in samples.
type Extent struct {
	Width, Height, Depth int
}

// Voxels returns the number of samples covered by the extent.
func (e Extent) Voxels() int {
	return e.Width * e.Height * e.Depth
}

// MinMax records the range of the samples of one brick.
type MinMax struct {
	Min, Max uint16
}
