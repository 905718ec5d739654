// Package importer reads and writes the per-brick chunk files of a dataset.
//
// A chunk holds BrickSize³ samples, X fastest, as raw bytes (16-bit samples
// are big-endian). When the dataset is LZ4 compressed every chunk is a
// single LZ4 block that decodes to exactly BrickSizeBytes.
//
// Chunks written as a sequence of LZ4 frames, one per appended slice, are
// read too, whatever the metadata says about compression.
package importer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pierrec/lz4/v4"

	"ctstream/internal/models"
	"ctstream/pkg/dataset"
)

// ChunkExt is the extension of brick chunk files.
const ChunkExt = ".uvds"

var (
	// ErrChunkMissing reports a brick without a chunk file. Loaders skip it.
	ErrChunkMissing = errors.New("brick chunk missing")
	// ErrChunkCorrupt reports a chunk whose size or encoding does not match the metadata.
	ErrChunkCorrupt = errors.New("brick chunk corrupt")
	// ErrUnsupportedColorDepth reports a color depth the sample type cannot hold.
	ErrUnsupportedColorDepth = errors.New("unsupported color depth")
)

// ChunkPath returns the per-level location of a brick chunk:
// <root>/chunk_<index>.uvds at level 0 and
// <root>/res_lvl_<level>/chunk_<index>.uvds above.
func ChunkPath(root string, index, level int) string {
	name := "chunk_" + strconv.Itoa(index) + ChunkExt
	if level == 0 {
		return filepath.Join(root, name)
	}
	return filepath.Join(root, "res_lvl_"+strconv.Itoa(level), name)
}

// FlatChunkPath returns the flattened location <root>/<id>.uvds, where id is
// the packed brick id.
func FlatChunkPath(root string, id dataset.BrickID) string {
	return filepath.Join(root, strconv.FormatUint(uint64(id), 10)+ChunkExt)
}

// CheckDepth reports whether samples of type T can hold md's color depth.
func CheckDepth[T models.Sample](md *dataset.Metadata) error {
	if md.ColorDepth != models.DepthOf[T]() {
		return fmt.Errorf("%w: dataset is %s, reader expects %s",
			ErrUnsupportedColorDepth, md.ColorDepth, models.DepthOf[T]())
	}
	return nil
}

// ImportChunk reads the chunk of brick index at level into dst, which must
// hold exactly BrickSize³ samples, and returns the sample range.
//
// A missing file yields an error wrapping ErrChunkMissing; callers treat it
// as a recoverable miss. Every other error is fatal for the dataset.
func ImportChunk[T models.Sample](root string, md *dataset.Metadata, index, level int, dst []T) (models.MinMax, error) {
	if err := CheckDepth[T](md); err != nil {
		return models.MinMax{}, err
	}
	if int64(len(dst)) != md.BrickVoxels() {
		return models.MinMax{}, fmt.Errorf("destination holds %d samples, brick has %d", len(dst), md.BrickVoxels())
	}
	id, err := dataset.NewBrickID(index, level)
	if err != nil {
		return models.MinMax{}, err
	}

	path, data, err := readChunk(root, index, level, id)
	if err != nil {
		return models.MinMax{}, err
	}
	raw, err := uncompress(data, md)
	if err != nil {
		return models.MinMax{}, fmt.Errorf("%w: %s: %v", ErrChunkCorrupt, path, err)
	}
	return decode(raw, dst), nil
}

// chunkPaths lists where the chunk of a brick may live, in lookup order.
func chunkPaths(root string, index, level int, id dataset.BrickID) []string {
	p := ChunkPath(root, index, level)
	legacy := filepath.Join(filepath.Dir(p), "chunck_"+strconv.Itoa(index)+ChunkExt)
	return []string{p, p + ".lz4", legacy, legacy + ".lz4", FlatChunkPath(root, id)}
}

func readChunk(root string, index, level int, id dataset.BrickID) (string, []byte, error) {
	for _, path := range chunkPaths(root, index, level, id) {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return path, nil, fmt.Errorf("error reading %s: %w", path, err)
		}
		return path, data, nil
	}
	return "", nil, fmt.Errorf("%w: brick %s", ErrChunkMissing, id)
}

// uncompress returns the BrickSizeBytes raw bytes held by a chunk file.
func uncompress(data []byte, md *dataset.Metadata) ([]byte, error) {
	size := md.BrickSizeBytes
	switch {
	case !md.Lz4Compressed && int64(len(data)) == size:
		return data, nil
	case isFrame(data):
		return uncompressFrames(data, size)
	case md.Lz4Compressed:
		raw := make([]byte, size)
		n, err := lz4.UncompressBlock(data, raw)
		if err != nil {
			return nil, err
		}
		if int64(n) != size {
			return nil, fmt.Errorf("decompressed size mismatch: %d != %d", n, size)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("size %d != %d", len(data), size)
}

func isFrame(data []byte) bool {
	ok, _ := lz4.ValidFrameHeader(data)
	return ok
}

// uncompressFrames decodes concatenated LZ4 frames into exactly size bytes.
func uncompressFrames(data []byte, size int64) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(int(size))
	src := bytes.NewReader(data)
	zr := lz4.NewReader(src)
	for src.Len() > 0 {
		zr.Reset(src)
		if _, err := io.Copy(&out, io.LimitReader(zr, size+1-int64(out.Len()))); err != nil {
			return nil, err
		}
		if int64(out.Len()) > size {
			return nil, fmt.Errorf("frames decode past %d bytes", size)
		}
	}
	if int64(out.Len()) != size {
		return nil, fmt.Errorf("decompressed size mismatch: %d != %d", out.Len(), size)
	}
	return out.Bytes(), nil
}

func decode[T models.Sample](raw []byte, dst []T) models.MinMax {
	lo, hi := ^uint16(0), uint16(0)
	wide := models.SampleSize[T]() == 2
	for i := range dst {
		var v uint16
		if wide {
			v = binary.BigEndian.Uint16(raw[2*i:])
		} else {
			v = uint16(raw[i])
		}
		dst[i] = T(v)
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if len(dst) == 0 {
		lo = 0
	}
	return models.MinMax{Min: lo, Max: hi}
}

// Encode serialises samples into the uncompressed chunk layout.
func Encode[T models.Sample](samples []T) []byte {
	if models.SampleSize[T]() == 1 {
		out := make([]byte, len(samples))
		for i, v := range samples {
			out[i] = byte(v)
		}
		return out
	}
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.BigEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// WriteChunk writes samples as the chunk of brick index at level, LZ4
// compressing it when the dataset says so.
func WriteChunk[T models.Sample](root string, md *dataset.Metadata, index, level int, samples []T) error {
	if err := CheckDepth[T](md); err != nil {
		return err
	}
	if int64(len(samples)) != md.BrickVoxels() {
		return fmt.Errorf("brick has %d samples, expected %d", len(samples), md.BrickVoxels())
	}

	data := Encode(samples)
	if md.Lz4Compressed {
		compressed := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, compressed, nil)
		if err != nil {
			return fmt.Errorf("error compressing brick %d: %w", index, err)
		}
		if n == 0 {
			return fmt.Errorf("error compressing brick %d: incompressible", index)
		}
		data = compressed[:n]
	}

	path := ChunkPath(root, index, level)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating chunk directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
