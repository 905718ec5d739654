package dataset

import (
	"errors"
	"fmt"

	"ctstream/internal/models"
)

/*
Bricks are numbered row-major inside a resolution level: X varies fastest,
then Y, then Z. Brick 0 sits at the volume origin.

At resolution level L > 0 every axis keeps (n >> L) + (n & 1) bricks: an odd
level-0 count gets one padding brick so that downsampling stays aligned.

A BrickID packs the level in its 6 high bits and the index in the 26 low bits.
*/

const (
	levelShift = 26
	indexMask  = 0x03FFFFFF

	// MaxBrickIndex is the largest index a BrickID can carry.
	MaxBrickIndex = indexMask
	// MaxResolutionLevel is the largest level a BrickID can carry.
	MaxResolutionLevel = 63
)

// ErrBrickIDOverflow is returned when an index or level does not fit a BrickID.
var ErrBrickIDOverflow = errors.New("brick id overflow")

// BrickID identifies one brick at one resolution level.
type BrickID uint32

// NewBrickID packs index and level.
func NewBrickID(index, level int) (BrickID, error) {
	if index < 0 || index > MaxBrickIndex {
		return 0, fmt.Errorf("%w: index %d", ErrBrickIDOverflow, index)
	}
	if level < 0 || level > MaxResolutionLevel {
		return 0, fmt.Errorf("%w: level %d", ErrBrickIDOverflow, level)
	}
	return BrickID(uint32(level)<<levelShift | uint32(index)), nil
}

// Index returns the 0-based brick index within its resolution level.
func (id BrickID) Index() int { return int(uint32(id) & indexMask) }

// Level returns the resolution level.
func (id BrickID) Level() int { return int(uint32(id) >> levelShift) }

func (id BrickID) String() string {
	return fmt.Sprintf("%d@L%d", id.Index(), id.Level())
}

// NbrBricksAtLevel returns the brick count along one axis at a resolution level.
func NbrBricksAtLevel(n0, level int) int {
	if level <= 0 {
		return n0
	}
	return (n0 >> level) + (n0 & 1)
}

// BricksAtLevel returns the per-axis brick counts at a resolution level.
func (m *Metadata) BricksAtLevel(level int) (nx, ny, nz int) {
	return NbrBricksAtLevel(m.NbrBricksX, level),
		NbrBricksAtLevel(m.NbrBricksY, level),
		NbrBricksAtLevel(m.NbrBricksZ, level)
}

// VolumeOffset returns the sample offset of brick index at a resolution level.
func (m *Metadata) VolumeOffset(index, level int) models.Offset {
	nx, ny, _ := m.BricksAtLevel(level)
	bs := m.BrickSize
	return models.Offset{
		X: bs * (index % nx),
		Y: bs * ((index / nx) % ny),
		Z: bs * (index / (nx * ny)),
	}
}

// ComputeVolumeOffset decodes id and returns the sample offset of its brick.
func (m *Metadata) ComputeVolumeOffset(id BrickID) models.Offset {
	return m.VolumeOffset(id.Index(), id.Level())
}

// BrickIndexFromOffset is the inverse of VolumeOffset: it returns the id of
// the brick whose origin is off at the given level.
func (m *Metadata) BrickIndexFromOffset(off models.Offset, level int) (BrickID, error) {
	bs := m.BrickSize
	if off.X%bs != 0 || off.Y%bs != 0 || off.Z%bs != 0 {
		return 0, fmt.Errorf("offset %s is not brick aligned", off)
	}
	nx, ny, nz := m.BricksAtLevel(level)
	cx, cy, cz := off.X/bs, off.Y/bs, off.Z/bs
	if cx < 0 || cy < 0 || cz < 0 || cx >= nx || cy >= ny || cz >= nz {
		return 0, fmt.Errorf("offset %s outside level %d", off, level)
	}
	return NewBrickID(cx+cy*nx+cz*nx*ny, level)
}
