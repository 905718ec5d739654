package importer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctstream/internal/models"
	"ctstream/pkg/dataset"
)

func brickMetadata(depth models.ColorDepth, lz4 bool) *dataset.Metadata {
	const bs = 8
	return &dataset.Metadata{
		ImageWidth:          2 * bs,
		ImageHeight:         2 * bs,
		NbrSlices:           2 * bs,
		BrickSize:           bs,
		BrickSizeBytes:      int64(bs * bs * bs * depth.BytesPerSample()),
		NbrBricksX:          2,
		NbrBricksY:          2,
		NbrBricksZ:          2,
		TotalNbrBricks:      8,
		NbrResolutionLevels: 2,
		ColorDepth:          depth,
		Lz4Compressed:       lz4,
	}
}

func ramp[T models.Sample](n int, offset int) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = T((i + offset) % 200)
	}
	return out
}

func TestImportChunkUint8(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		md := brickMetadata(models.UINT8, compressed)
		root := t.TempDir()
		want := ramp[uint8](int(md.BrickVoxels()), 3)
		require.NoError(t, WriteChunk(root, md, 5, 0, want))

		got := make([]uint8, md.BrickVoxels())
		mm, err := ImportChunk(root, md, 5, 0, got)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, models.MinMax{Min: 0, Max: 199}, mm)
	}
}

func TestImportChunkUint16BigEndian(t *testing.T) {
	md := brickMetadata(models.UINT16, false)
	root := t.TempDir()

	raw := make([]byte, md.BrickSizeBytes)
	raw[0], raw[1] = 0x12, 0x34
	raw[2], raw[3] = 0x00, 0x07
	require.NoError(t, os.WriteFile(ChunkPath(root, 0, 0), raw, 0644))

	got := make([]uint16, md.BrickVoxels())
	mm, err := ImportChunk(root, md, 0, 0, got)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), got[0])
	assert.Equal(t, uint16(7), got[1])
	assert.Equal(t, models.MinMax{Min: 0, Max: 0x1234}, mm)
}

func TestImportChunkUint16Compressed(t *testing.T) {
	md := brickMetadata(models.UINT16, true)
	root := t.TempDir()
	want := ramp[uint16](int(md.BrickVoxels()), 0)
	for i := range want {
		want[i] *= 300
	}
	require.NoError(t, WriteChunk(root, md, 3, 1, want))
	assert.FileExists(t, filepath.Join(root, "res_lvl_1", "chunk_3.uvds"))

	got := make([]uint16, md.BrickVoxels())
	_, err := ImportChunk(root, md, 3, 1, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestImportChunkFlattenedName(t *testing.T) {
	md := brickMetadata(models.UINT8, false)
	root := t.TempDir()
	id, err := dataset.NewBrickID(2, 1)
	require.NoError(t, err)

	want := ramp[uint8](int(md.BrickVoxels()), 9)
	require.NoError(t, os.WriteFile(FlatChunkPath(root, id), Encode(want), 0644))

	got := make([]uint8, md.BrickVoxels())
	_, err = ImportChunk(root, md, 2, 1, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// appendFrames writes raw as one LZ4 frame per slice of a bs³ brick, the
// way a converter appending slice after slice does.
func appendFrames(t *testing.T, path string, raw []byte, bs int) {
	t.Helper()
	var buf bytes.Buffer
	per := len(raw) / bs
	for z := 0; z < bs; z++ {
		zw := lz4.NewWriter(&buf)
		_, err := zw.Write(raw[z*per : (z+1)*per])
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestImportChunkLz4Frames(t *testing.T) {
	for _, compressed := range []bool{true, false} {
		md := brickMetadata(models.UINT16, compressed)
		root := t.TempDir()
		want := ramp[uint16](int(md.BrickVoxels()), 7)
		appendFrames(t, filepath.Join(root, "chunck_4.uvds.lz4"), Encode(want), md.BrickSize)

		got := make([]uint16, md.BrickVoxels())
		mm, err := ImportChunk(root, md, 4, 0, got)
		require.NoError(t, err, "lz4=%v", compressed)
		assert.Equal(t, want, got)
		assert.Equal(t, models.MinMax{Min: 0, Max: 199}, mm)
	}
}

func TestImportChunkLegacyNames(t *testing.T) {
	md := brickMetadata(models.UINT8, false)
	root := t.TempDir()
	want := ramp[uint8](int(md.BrickVoxels()), 1)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "res_lvl_1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "res_lvl_1", "chunck_6.uvds"), Encode(want), 0644))

	got := make([]uint8, md.BrickVoxels())
	_, err := ImportChunk(root, md, 6, 1, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestImportChunkFramesWrongSize(t *testing.T) {
	md := brickMetadata(models.UINT8, true)
	root := t.TempDir()

	short := make([]byte, md.BrickSizeBytes/2)
	appendFrames(t, ChunkPath(root, 0, 0), short, md.BrickSize)
	_, err := ImportChunk(root, md, 0, 0, make([]uint8, md.BrickVoxels()))
	assert.ErrorIs(t, err, ErrChunkCorrupt)

	long := make([]byte, 2*md.BrickSizeBytes)
	appendFrames(t, ChunkPath(root, 1, 0), long, md.BrickSize)
	_, err = ImportChunk(root, md, 1, 0, make([]uint8, md.BrickVoxels()))
	assert.ErrorIs(t, err, ErrChunkCorrupt)
}

func TestImportChunkMissing(t *testing.T) {
	md := brickMetadata(models.UINT8, false)
	got := make([]uint8, md.BrickVoxels())

	assert.NotPanics(t, func() {
		_, err := ImportChunk(t.TempDir(), md, 1, 0, got)
		assert.ErrorIs(t, err, ErrChunkMissing)
	})
}

func TestImportChunkCorrupt(t *testing.T) {
	root := t.TempDir()

	md := brickMetadata(models.UINT8, false)
	require.NoError(t, os.WriteFile(ChunkPath(root, 0, 0), []byte{1, 2, 3}, 0644))
	_, err := ImportChunk(root, md, 0, 0, make([]uint8, md.BrickVoxels()))
	assert.ErrorIs(t, err, ErrChunkCorrupt)

	mdz := brickMetadata(models.UINT8, true)
	require.NoError(t, os.WriteFile(ChunkPath(root, 1, 0), []byte{0xff, 0xff, 0xff}, 0644))
	_, err = ImportChunk(root, mdz, 1, 0, make([]uint8, mdz.BrickVoxels()))
	assert.ErrorIs(t, err, ErrChunkCorrupt)
}

func TestImportChunkDepthMismatch(t *testing.T) {
	md := brickMetadata(models.UINT16, false)
	_, err := ImportChunk(t.TempDir(), md, 0, 0, make([]uint8, md.BrickVoxels()))
	assert.ErrorIs(t, err, ErrUnsupportedColorDepth)

	md.ColorDepth = models.FLOAT16
	_, err = ImportChunk(t.TempDir(), md, 0, 0, make([]uint16, md.BrickVoxels()))
	assert.ErrorIs(t, err, ErrUnsupportedColorDepth)
}
