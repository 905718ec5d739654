// Package brickify converts dense volumes into brick datasets: a
// metadata.txt description plus one chunk file per brick.
//
// Input is consumed one slice at a time through a SliceReader. Only one slab
// of BrickSize padded slices is resident while its bricks are written, so a
// volume larger than memory can be converted.
package brickify

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"ctstream/internal/models"
	"ctstream/pkg/dataset"
	"ctstream/pkg/importer"
)

// SliceReader yields a volume slice by slice in Z order.
type SliceReader[T models.Sample] interface {
	Dims() (width, height, slices int)
	// ReadSlice fills dst, which holds width×height samples, X fastest, with
	// the next slice. It returns io.EOF after the last slice.
	ReadSlice(dst []T) error
}

// Volume is a dense in-memory grid of samples, X fastest, then Y, then Z.
type Volume[T models.Sample] struct {
	Width, Height, Slices int
	Samples               []T
}

// NewVolume allocates a zeroed volume.
func NewVolume[T models.Sample](width, height, slices int) *Volume[T] {
	return &Volume[T]{
		Width:   width,
		Height:  height,
		Slices:  slices,
		Samples: make([]T, width*height*slices),
	}
}

// Synthesize fills a new volume with f evaluated at every voxel.
func Synthesize[T models.Sample](width, height, slices int, f func(x, y, z int) T) *Volume[T] {
	v := NewVolume[T](width, height, slices)
	i := 0
	for z := 0; z < slices; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Samples[i] = f(x, y, z)
				i++
			}
		}
	}
	return v
}

// At returns the sample at (x,y,z).
func (v *Volume[T]) At(x, y, z int) T {
	return v.Samples[(z*v.Height+y)*v.Width+x]
}

// Reader returns a SliceReader positioned on the first slice of v.
func (v *Volume[T]) Reader() SliceReader[T] {
	return &volumeReader[T]{v: v}
}

type volumeReader[T models.Sample] struct {
	v *Volume[T]
	z int
}

func (r *volumeReader[T]) Dims() (int, int, int) { return r.v.Width, r.v.Height, r.v.Slices }

func (r *volumeReader[T]) ReadSlice(dst []T) error {
	if r.z >= r.v.Slices {
		return io.EOF
	}
	per := r.v.Width * r.v.Height
	copy(dst, r.v.Samples[r.z*per:(r.z+1)*per])
	r.z++
	return nil
}

// Options controls how a volume is written as a brick dataset.
type Options struct {
	BrickSize int
	Lz4       bool
	// VoxelDim in mm; use dataset.UnknownVoxelDim when not known.
	VoxelDim      models.Vec3
	EulerRotation models.Vec3
}

// DefaultOptions returns 64-sample bricks, LZ4 on, unknown voxel size.
func DefaultOptions() Options {
	return Options{
		BrickSize: 64,
		Lz4:       true,
		VoxelDim:  models.Vec3{X: dataset.UnknownVoxelDim, Y: dataset.UnknownVoxelDim, Z: dataset.UnknownVoxelDim},
	}
}

// Padding returns where the source volume starts inside the padded volume.
// Padding is split across both ends of an axis, the odd sample going first.
func Padding(md *dataset.Metadata) models.Offset {
	return models.Offset{
		X: padBefore(md.ImageWidth - md.OriginalImageWidth),
		Y: padBefore(md.ImageHeight - md.OriginalImageHeight),
		Z: padBefore(md.NbrSlices - md.OriginalNbrSlices),
	}
}

func padBefore(pad int) int {
	return pad/2 + pad%2
}

// Write partitions vol into bricks. See WriteFrom.
func Write[T models.Sample](dir string, vol *Volume[T], o Options, log zerolog.Logger) (*dataset.Metadata, error) {
	if len(vol.Samples) != vol.Width*vol.Height*vol.Slices {
		return nil, fmt.Errorf("volume holds %d samples, dimensions say %d",
			len(vol.Samples), vol.Width*vol.Height*vol.Slices)
	}
	return WriteFrom(dir, vol.Reader(), o, log)
}

// WriteFrom partitions the volume read from src into bricks of o.BrickSize
// samples under dir, zero-padding it up to a multiple of the brick size, and
// writes the metadata file last so a partial conversion is never mistaken for
// a dataset.
func WriteFrom[T models.Sample](dir string, src SliceReader[T], o Options, log zerolog.Logger) (*dataset.Metadata, error) {
	bs := o.BrickSize
	if bs <= 0 {
		return nil, fmt.Errorf("brick size must be positive, got %d", bs)
	}
	w, h, n := src.Dims()
	if w <= 0 || h <= 0 || n <= 0 {
		return nil, fmt.Errorf("invalid volume dimensions %dx%dx%d", w, h, n)
	}

	depth := models.DepthOf[T]()
	nbx, nby, nbz := ceilDiv(w, bs), ceilDiv(h, bs), ceilDiv(n, bs)
	md := &dataset.Metadata{
		OriginalImageWidth:  w,
		OriginalImageHeight: h,
		OriginalNbrSlices:   n,
		ImageWidth:          nbx * bs,
		ImageHeight:         nby * bs,
		NbrSlices:           nbz * bs,
		BrickSize:           bs,
		BrickSizeBytes:      int64(bs*bs*bs) * int64(depth.BytesPerSample()),
		NbrBricksX:          nbx,
		NbrBricksY:          nby,
		NbrBricksZ:          nbz,
		TotalNbrBricks:      nbx * nby * nbz,
		NbrResolutionLevels: 1,
		ColorDepth:          depth,
		Lz4Compressed:       o.Lz4,
		VoxelDim:            o.VoxelDim,
		EulerRotation:       o.EulerRotation,
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}

	pad := Padding(md)
	pw, ph := md.ImageWidth, md.ImageHeight
	slice := make([]T, w*h)
	slab := make([]T, pw*ph*bs)
	brick := make([]T, md.BrickVoxels())

	var lo, hi T
	lo--
	for bz := 0; bz < nbz; bz++ {
		clear(slab)
		for s := 0; s < bs; s++ {
			z := bz*bs + s - pad.Z
			if z < 0 || z >= n {
				continue
			}
			if err := src.ReadSlice(slice); err != nil {
				if errors.Is(err, io.EOF) {
					err = ErrShortVolume
				}
				return nil, fmt.Errorf("error reading slice %d of %d: %w", z, n, err)
			}
			for _, v := range slice {
				lo = min(lo, v)
				hi = max(hi, v)
			}
			for y := 0; y < h; y++ {
				dst := (s*ph+pad.Y+y)*pw + pad.X
				copy(slab[dst:dst+w], slice[y*w:(y+1)*w])
			}
		}

		for by := 0; by < nby; by++ {
			for bx := 0; bx < nbx; bx++ {
				extract(slab, pw, ph, bx*bs, by*bs, bs, brick)
				index := (bz*nby+by)*nbx + bx
				if err := importer.WriteChunk(dir, md, index, 0, brick); err != nil {
					return nil, fmt.Errorf("error writing brick %d: %w", index, err)
				}
			}
		}
		log.Debug().Int("slab", bz).Int("of", nbz).Msg("slab written")
	}
	md.DensityMin, md.DensityMax = float64(lo), float64(hi)

	if err := dataset.SaveMetadata(dir, md); err != nil {
		return nil, err
	}

	log.Info().
		Str("dir", dir).
		Int("bricks", md.TotalNbrBricks).
		Int("brick_size", bs).
		Stringer("color_depth", depth).
		Bool("lz4", o.Lz4).
		Msg("dataset written")
	return md, nil
}

// extract copies the bs³ block at (x0, y0) of a slab of bs padded slices
// into brick.
func extract[T models.Sample](slab []T, pw, ph, x0, y0, bs int, brick []T) {
	for z := 0; z < bs; z++ {
		for y := 0; y < bs; y++ {
			src := (z*ph+y0+y)*pw + x0
			dst := (z*bs + y) * bs
			copy(brick[dst:dst+bs], slab[src:src+bs])
		}
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
