// Package dataset describes brick-partitioned volumetric datasets: the
// metadata.txt key/value description, brick identifiers and the mapping from
// a brick to its position inside the volume.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ctstream/internal/models"
)

// MetadataFileName is the name of the key/value description inside a dataset directory.
const MetadataFileName = "metadata.txt"

// UnknownVoxelDim marks a voxel dimension that was not recorded by the converter.
const UnknownVoxelDim = -1.0

var (
	// ErrMetadataNotFound is returned when a dataset directory has no metadata file.
	ErrMetadataNotFound = errors.New("dataset metadata not found")
	// ErrInvalidMetadata is returned for malformed or inconsistent metadata.
	ErrInvalidMetadata = errors.New("invalid dataset metadata")
)

// Metadata is the immutable description of a bricked volume.
type Metadata struct {
	// Dimensions of the source volume before padding.
	OriginalImageWidth  int
	OriginalImageHeight int
	OriginalNbrSlices   int

	// Dimensions padded to a multiple of BrickSize.
	ImageWidth  int
	ImageHeight int
	NbrSlices   int

	// BrickSize is the edge length of a cubic brick, in samples.
	BrickSize int
	// BrickSizeBytes is the decoded size of one brick.
	BrickSizeBytes int64

	NbrBricksX     int
	NbrBricksY     int
	NbrBricksZ     int
	TotalNbrBricks int

	NbrResolutionLevels int
	ColorDepth          models.ColorDepth
	Lz4Compressed       bool

	// VoxelDim is the physical size of one voxel in mm (UnknownVoxelDim when absent).
	VoxelDim      models.Vec3
	EulerRotation models.Vec3

	DensityMin float64
	DensityMax float64
}

// ReadMetadata parses the metadata file of the dataset rooted at dir.
func ReadMetadata(dir string) (*Metadata, error) {
	f, err := os.Open(filepath.Join(dir, MetadataFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMetadataNotFound, dir)
		}
		return nil, fmt.Errorf("error opening metadata: %w", err)
	}
	defer f.Close()

	md, err := ParseMetadata(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name(), err)
	}
	return md, nil
}

// ParseMetadata reads key=value lines. Keys are case-insensitive, blank
// lines and lines starting with '#' are skipped, unknown keys are ignored.
// Derivable fields left out of the file are filled in and the result is
// validated.
func ParseMetadata(r io.Reader) (*Metadata, error) {
	md := &Metadata{
		VoxelDim: models.Vec3{X: UnknownVoxelDim, Y: UnknownVoxelDim, Z: UnknownVoxelDim},
	}
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: missing '='", ErrInvalidMetadata, lineNo)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if err := md.set(key, value); err != nil {
			return nil, fmt.Errorf("%w: line %d: %s: %v", ErrInvalidMetadata, lineNo, key, err)
		}
		seen[key] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading metadata: %w", err)
	}

	for _, key := range []string{"imagewidth", "imageheight", "nbrslices", "bricksize", "colordepth"} {
		if !seen[key] {
			return nil, fmt.Errorf("%w: missing key %q", ErrInvalidMetadata, key)
		}
	}
	md.fillDerived(seen)

	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

func (m *Metadata) set(key, value string) error {
	var err error
	atoi := func(dst *int) {
		*dst, err = strconv.Atoi(value)
	}
	atof := func(dst *float64) {
		*dst, err = strconv.ParseFloat(value, 64)
	}

	switch key {
	case "originalimagewidth":
		atoi(&m.OriginalImageWidth)
	case "originalimageheight":
		atoi(&m.OriginalImageHeight)
	case "originalnbrslices":
		atoi(&m.OriginalNbrSlices)
	case "imagewidth":
		atoi(&m.ImageWidth)
	case "imageheight":
		atoi(&m.ImageHeight)
	case "nbrslices":
		atoi(&m.NbrSlices)
	case "bricksize":
		atoi(&m.BrickSize)
	case "bricksizebytes":
		m.BrickSizeBytes, err = strconv.ParseInt(value, 10, 64)
	case "nbrbricksx":
		atoi(&m.NbrBricksX)
	case "nbrbricksy":
		atoi(&m.NbrBricksY)
	case "nbrbricksz":
		atoi(&m.NbrBricksZ)
	case "totalnbrbricks":
		atoi(&m.TotalNbrBricks)
	case "resolutionlevels":
		atoi(&m.NbrResolutionLevels)
	case "colordepth":
		m.ColorDepth, err = models.ParseColorDepth(strings.ToLower(value))
	case "lz4compressed":
		switch value {
		case "0", "false":
			m.Lz4Compressed = false
		case "1", "true":
			m.Lz4Compressed = true
		default:
			err = fmt.Errorf("expected 0 or 1, got %q", value)
		}
	case "voxeldimx":
		atof(&m.VoxelDim.X)
	case "voxeldimy":
		atof(&m.VoxelDim.Y)
	case "voxeldimz":
		atof(&m.VoxelDim.Z)
	case "eulerrotx":
		atof(&m.EulerRotation.X)
	case "eulerroty":
		atof(&m.EulerRotation.Y)
	case "eulerrotz":
		atof(&m.EulerRotation.Z)
	case "densitymin":
		atof(&m.DensityMin)
	case "densitymax":
		atof(&m.DensityMax)
	}
	return err
}

func (m *Metadata) fillDerived(seen map[string]bool) {
	if !seen["originalimagewidth"] {
		m.OriginalImageWidth = m.ImageWidth
	}
	if !seen["originalimageheight"] {
		m.OriginalImageHeight = m.ImageHeight
	}
	if !seen["originalnbrslices"] {
		m.OriginalNbrSlices = m.NbrSlices
	}
	// converters write 0 for a dataset that only has full resolution
	if !seen["resolutionlevels"] || m.NbrResolutionLevels == 0 {
		m.NbrResolutionLevels = 1
	}
	if m.BrickSize <= 0 {
		return
	}
	if !seen["nbrbricksx"] {
		m.NbrBricksX = m.ImageWidth / m.BrickSize
	}
	if !seen["nbrbricksy"] {
		m.NbrBricksY = m.ImageHeight / m.BrickSize
	}
	if !seen["nbrbricksz"] {
		m.NbrBricksZ = m.NbrSlices / m.BrickSize
	}
	if !seen["totalnbrbricks"] {
		m.TotalNbrBricks = m.NbrBricksX * m.NbrBricksY * m.NbrBricksZ
	}
	if !seen["bricksizebytes"] {
		m.BrickSizeBytes = m.BrickVoxels() * int64(m.ColorDepth.BytesPerSample())
	}
}

// Validate checks the brick layout invariants.
func (m *Metadata) Validate() error {
	bs := m.BrickSize
	switch {
	case bs <= 0:
		return fmt.Errorf("%w: brick size must be positive, got %d", ErrInvalidMetadata, bs)
	case m.ImageWidth <= 0 || m.ImageHeight <= 0 || m.NbrSlices <= 0:
		return fmt.Errorf("%w: image dimensions must be positive", ErrInvalidMetadata)
	case m.ImageWidth%bs != 0 || m.ImageHeight%bs != 0 || m.NbrSlices%bs != 0:
		return fmt.Errorf("%w: dimensions %dx%dx%d are not multiples of brick size %d",
			ErrInvalidMetadata, m.ImageWidth, m.ImageHeight, m.NbrSlices, bs)
	case m.NbrBricksX*bs != m.ImageWidth || m.NbrBricksY*bs != m.ImageHeight || m.NbrBricksZ*bs != m.NbrSlices:
		return fmt.Errorf("%w: brick counts %dx%dx%d do not cover %dx%dx%d",
			ErrInvalidMetadata, m.NbrBricksX, m.NbrBricksY, m.NbrBricksZ, m.ImageWidth, m.ImageHeight, m.NbrSlices)
	case m.TotalNbrBricks != m.NbrBricksX*m.NbrBricksY*m.NbrBricksZ:
		return fmt.Errorf("%w: totalnbrbricks %d != %d", ErrInvalidMetadata,
			m.TotalNbrBricks, m.NbrBricksX*m.NbrBricksY*m.NbrBricksZ)
	case m.TotalNbrBricks > MaxBrickIndex+1:
		return fmt.Errorf("%w: %d bricks do not fit a brick id", ErrInvalidMetadata, m.TotalNbrBricks)
	case m.NbrResolutionLevels < 1 || m.NbrResolutionLevels > MaxResolutionLevel+1:
		return fmt.Errorf("%w: resolution levels %d out of range", ErrInvalidMetadata, m.NbrResolutionLevels)
	case m.ColorDepth.BytesPerSample() == 0:
		return fmt.Errorf("%w: %s", ErrInvalidMetadata, m.ColorDepth)
	case m.BrickSizeBytes != m.BrickVoxels()*int64(m.ColorDepth.BytesPerSample()):
		return fmt.Errorf("%w: bricksizebytes %d does not match %d^3 %s samples",
			ErrInvalidMetadata, m.BrickSizeBytes, bs, m.ColorDepth)
	}
	return nil
}

// BrickVoxels returns the number of samples in one brick.
func (m *Metadata) BrickVoxels() int64 {
	bs := int64(m.BrickSize)
	return bs * bs * bs
}

// HasVoxelDims reports whether every voxel dimension is known.
func (m *Metadata) HasVoxelDims() bool {
	return m.VoxelDim.X != UnknownVoxelDim && m.VoxelDim.Y != UnknownVoxelDim && m.VoxelDim.Z != UnknownVoxelDim
}

// WriteMetadata writes md in the key=value layout read by ParseMetadata.
func WriteMetadata(w io.Writer, md *Metadata) error {
	lz4 := 0
	if md.Lz4Compressed {
		lz4 = 1
	}
	fields := []struct {
		key   string
		value any
	}{
		{"originalimagewidth", md.OriginalImageWidth},
		{"originalimageheight", md.OriginalImageHeight},
		{"originalnbrslices", md.OriginalNbrSlices},
		{"imagewidth", md.ImageWidth},
		{"imageheight", md.ImageHeight},
		{"nbrslices", md.NbrSlices},
		{"bricksize", md.BrickSize},
		{"bricksizebytes", md.BrickSizeBytes},
		{"nbrbricksX", md.NbrBricksX},
		{"nbrbricksY", md.NbrBricksY},
		{"nbrbricksZ", md.NbrBricksZ},
		{"totalnbrbricks", md.TotalNbrBricks},
		{"resolutionlevels", md.NbrResolutionLevels},
		{"colordepth", md.ColorDepth},
		{"lz4compressed", lz4},
		{"voxeldimX", md.VoxelDim.X},
		{"voxeldimY", md.VoxelDim.Y},
		{"voxeldimZ", md.VoxelDim.Z},
		{"eulerrotX", md.EulerRotation.X},
		{"eulerrotY", md.EulerRotation.Y},
		{"eulerrotZ", md.EulerRotation.Z},
		{"densitymin", md.DensityMin},
		{"densitymax", md.DensityMax},
	}

	bw := bufio.NewWriter(w)
	for _, f := range fields {
		if _, err := fmt.Fprintf(bw, "%s=%v\n", f.key, f.value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// SaveMetadata writes md to the metadata file inside dir.
func SaveMetadata(dir string, md *Metadata) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating dataset directory: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, MetadataFileName))
	if err != nil {
		return fmt.Errorf("error creating metadata file: %w", err)
	}
	if err := WriteMetadata(f, md); err != nil {
		f.Close()
		return fmt.Errorf("error writing metadata file: %w", err)
	}
	return f.Close()
}
