// Package visualization renders previews of the brick-cache texture: axis
// aligned slices as grayscale images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"ctstream/internal/models"
)

// Volume is a readable 3D grid of samples.
type Volume interface {
	At(x, y, z int) uint16
	Extent() models.Extent
}

// Viewer extracts slices from a volume, stretching the sample window
// [lo, hi] over the full gray range.
type Viewer struct {
	vol    Volume
	extent models.Extent
	lo, hi uint16
}

// NewViewer creates a viewer windowed on r. An empty window (Min >= Max)
// displays raw values.
func NewViewer(vol Volume, r models.MinMax) *Viewer {
	v := &Viewer{vol: vol, extent: vol.Extent(), lo: r.Min, hi: r.Max}
	if v.lo >= v.hi {
		v.lo, v.hi = 0, 0
	}
	return v
}

func (v *Viewer) gray(s uint16) color.Gray16 {
	if v.hi == 0 {
		return color.Gray16{Y: s}
	}
	switch {
	case s <= v.lo:
		return color.Gray16{Y: 0}
	case s >= v.hi:
		return color.Gray16{Y: 0xffff}
	}
	return color.Gray16{Y: uint16(uint32(s-v.lo) * 0xffff / uint32(v.hi-v.lo))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	e := v.extent

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= e.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, e.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, e.Depth, e.Height))
		for y := 0; y < e.Height; y++ {
			for z := 0; z < e.Depth; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= e.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, e.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, e.Width, e.Depth))
		for z := 0; z < e.Depth; z++ {
			for x := 0; x < e.Width; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= e.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, e.Depth)
		}
		img = image.NewGray16(image.Rect(0, 0, e.Width, e.Height))
		for y := 0; y < e.Height; y++ {
			for x := 0; x < e.Width; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// ExtractRegion copies the raw samples of a sub-box, X fastest.
func (v *Viewer) ExtractRegion(start models.Offset, size models.Extent) ([]uint16, error) {
	if start.X < 0 || start.Y < 0 || start.Z < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if size.Width <= 0 || size.Height <= 0 || size.Depth <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	e := v.extent
	if start.X+size.Width > e.Width || start.Y+size.Height > e.Height || start.Z+size.Depth > e.Depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := make([]uint16, 0, size.Voxels())
	for z := 0; z < size.Depth; z++ {
		for y := 0; y < size.Height; y++ {
			for x := 0; x < size.Width; x++ {
				region = append(region, v.vol.At(start.X+x, start.Y+y, start.Z+z))
			}
		}
	}
	return region, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// and returns the number of files written.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.extent.Width
	case "y", "Y":
		maxPos = v.extent.Height
	case "z", "Z":
		maxPos = v.extent.Depth
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}

	return maxPos, nil
}
