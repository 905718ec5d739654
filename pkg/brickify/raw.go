package brickify

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"ctstream/internal/models"
)

// ErrShortVolume is returned when input ends before every slice was read.
var ErrShortVolume = errors.New("volume is shorter than its dimensions")

// RawOptions describes a headerless or fixed-header raw volume file.
type RawOptions struct {
	Width, Height, Slices int
	// HeaderBytes are skipped before the first sample.
	HeaderBytes int64
	// BigEndian selects the byte order of 16-bit samples.
	BigEndian bool
}

// RawReader reads Width×Height×Slices samples of type T from a byte stream.
type RawReader[T models.Sample] struct {
	br    *bufio.Reader
	o     RawOptions
	order binary.ByteOrder
	buf   []byte
	z     int
}

// NewRawReader validates o and skips the header of r.
func NewRawReader[T models.Sample](r io.Reader, o RawOptions) (*RawReader[T], error) {
	if o.Width <= 0 || o.Height <= 0 || o.Slices <= 0 {
		return nil, fmt.Errorf("invalid raw dimensions %dx%dx%d", o.Width, o.Height, o.Slices)
	}
	br := bufio.NewReaderSize(r, 1<<20)
	if o.HeaderBytes > 0 {
		if _, err := io.CopyN(io.Discard, br, o.HeaderBytes); err != nil {
			return nil, fmt.Errorf("error skipping raw header: %w", err)
		}
	}
	var order binary.ByteOrder = binary.LittleEndian
	if o.BigEndian {
		order = binary.BigEndian
	}
	return &RawReader[T]{
		br:    br,
		o:     o,
		order: order,
		buf:   make([]byte, o.Width*o.Height*models.SampleSize[T]()),
	}, nil
}

func (r *RawReader[T]) Dims() (int, int, int) { return r.o.Width, r.o.Height, r.o.Slices }

func (r *RawReader[T]) ReadSlice(dst []T) error {
	if r.z >= r.o.Slices {
		return io.EOF
	}
	if _, err := io.ReadFull(r.br, r.buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: slice %d of %d", ErrShortVolume, r.z, r.o.Slices)
		}
		return err
	}
	r.z++
	if models.SampleSize[T]() == 1 {
		for i := range dst {
			dst[i] = T(r.buf[i])
		}
		return nil
	}
	for i := range dst {
		dst[i] = T(r.order.Uint16(r.buf[2*i:]))
	}
	return nil
}

type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

// OpenRaw opens a raw volume file. Files ending in .zst are decompressed on
// the fly.
func OpenRaw(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening raw volume: %w", err)
	}
	if !strings.HasSuffix(strings.ToLower(path), ".zst") {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error opening zstd stream: %w", err)
	}
	return zstdFile{Decoder: dec, f: f}, nil
}
