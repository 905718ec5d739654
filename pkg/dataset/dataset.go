package dataset

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"ctstream/internal/models"
)

// Dataset is an opened brick dataset. It is immutable once opened.
type Dataset struct {
	path     string
	metadata Metadata
	scale    models.Vec3
}

// Open reads the metadata of the dataset rooted at dir. Any configuration
// problem is reported here, before bricks are touched.
func Open(dir string, log zerolog.Logger) (*Dataset, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("error opening dataset: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("error opening dataset: %s is not a directory", dir)
	}

	md, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}

	d := &Dataset{
		path:     dir,
		metadata: *md,
		scale:    models.Vec3{X: 1, Y: 1, Z: 1},
	}
	if md.HasVoxelDims() {
		// mm to m
		d.scale = models.Vec3{
			X: md.VoxelDim.X / 1000 * float64(md.OriginalImageWidth),
			Y: md.VoxelDim.Y / 1000 * float64(md.OriginalImageHeight),
			Z: md.VoxelDim.Z / 1000 * float64(md.OriginalNbrSlices),
		}
	} else {
		log.Warn().Str("dataset", dir).
			Msg("voxel dimensions unknown, using unit scale; volume no longer reflects its physical size")
	}

	log.Info().
		Str("dataset", dir).
		Int("bricks", md.TotalNbrBricks).
		Int("brick_size", md.BrickSize).
		Stringer("color_depth", md.ColorDepth).
		Bool("lz4", md.Lz4Compressed).
		Msg("dataset opened")
	return d, nil
}

// Path returns the dataset root directory.
func (d *Dataset) Path() string { return d.path }

// Metadata returns a copy of the dataset description.
func (d *Dataset) Metadata() Metadata { return d.metadata }

// Scale returns the physical extent of the volume in meters, or (1,1,1)
// when the voxel size is unknown.
func (d *Dataset) Scale() models.Vec3 { return d.scale }

// EulerRotation returns the orientation recorded by the converter, in degrees.
func (d *Dataset) EulerRotation() models.Vec3 { return d.metadata.EulerRotation }

// ComputeVolumeOffset returns the sample offset of the brick identified by id.
func (d *Dataset) ComputeVolumeOffset(id BrickID) models.Offset {
	return d.metadata.ComputeVolumeOffset(id)
}

// BrickCacheSize returns the texel extent of a brick-cache texture large
// enough to hold every level-0 brick.
func (d *Dataset) BrickCacheSize() models.Extent {
	m := &d.metadata
	return models.Extent{
		Width:  m.NbrBricksX * m.BrickSize,
		Height: m.NbrBricksY * m.BrickSize,
		Depth:  m.NbrBricksZ * m.BrickSize,
	}
}

// BrickCacheSizeMB returns the size of that texture in MiB.
func (d *Dataset) BrickCacheSizeMB() float64 {
	e := d.BrickCacheSize()
	return float64(e.Width) / 1024 * float64(e.Height) / 1024 * float64(e.Depth) *
		float64(d.metadata.ColorDepth.BytesPerSample())
}
