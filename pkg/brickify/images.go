package brickify

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/tiff"

	"ctstream/internal/models"
)

// ErrNoImages is returned for a directory without TIFF or PNG slices.
var ErrNoImages = errors.New("no supported image files")

// imageFormats are tried in order; the first one with files wins.
var imageFormats = []struct {
	exts   []string
	decode func(io.Reader) (image.Image, error)
}{
	{[]string{".tif", ".tiff"}, tiff.Decode},
	{[]string{".png"}, png.Decode},
}

// ListImages returns the TIFF slices of dir, or its PNG slices when it has
// no TIFF, sorted by file name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading image directory: %w", err)
	}
	for _, f := range imageFormats {
		var files []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			for _, want := range f.exts {
				if ext == want {
					files = append(files, filepath.Join(dir, e.Name()))
				}
			}
		}
		if len(files) > 0 {
			sort.Strings(files)
			return files, nil
		}
	}
	return nil, fmt.Errorf("%w in %s", ErrNoImages, dir)
}

func decodeImage(path string) (image.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, f := range imageFormats {
		for _, e := range f.exts {
			if e != ext {
				continue
			}
			file, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			defer file.Close()
			img, err := f.decode(file)
			if err != nil {
				return nil, fmt.Errorf("error decoding %s: %w", path, err)
			}
			return img, nil
		}
	}
	return nil, fmt.Errorf("unsupported image %s", path)
}

// ImageDepth returns the color depth that holds the samples of img:
// paletted and 8-bit gray images are UINT8, everything else UINT16.
func ImageDepth(img image.Image) models.ColorDepth {
	switch img.(type) {
	case *image.Paletted, *image.Gray:
		return models.UINT8
	}
	return models.UINT16
}

// ImageSequenceDepth returns the depth of the first slice of dir.
func ImageSequenceDepth(dir string) (models.ColorDepth, error) {
	files, err := ListImages(dir)
	if err != nil {
		return 0, err
	}
	img, err := decodeImage(files[0])
	if err != nil {
		return 0, err
	}
	return ImageDepth(img), nil
}

// ImageSequence reads a directory of equally sized image slices, one file
// per slice. Only the slice being read is decoded.
type ImageSequence[T models.Sample] struct {
	files         []string
	width, height int
	next          int
}

// OpenImageSequence lists dir and takes the slice size from its first image.
func OpenImageSequence[T models.Sample](dir string) (*ImageSequence[T], error) {
	files, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	img, err := decodeImage(files[0])
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &ImageSequence[T]{files: files, width: b.Dx(), height: b.Dy()}, nil
}

func (s *ImageSequence[T]) Dims() (int, int, int) { return s.width, s.height, len(s.files) }

func (s *ImageSequence[T]) ReadSlice(dst []T) error {
	if s.next >= len(s.files) {
		return io.EOF
	}
	path := s.files[s.next]
	img, err := decodeImage(path)
	if err != nil {
		return err
	}
	b := img.Bounds()
	if b.Dx() != s.width || b.Dy() != s.height {
		return fmt.Errorf("slice %s is %dx%d, expected %dx%d", path, b.Dx(), b.Dy(), s.width, s.height)
	}
	// 16-bit pixels read into 8-bit samples keep their high byte
	narrow := models.SampleSize[T]() == 1 && ImageDepth(img) == models.UINT16
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := pixel(img, x, y)
			if narrow {
				v >>= 8
			}
			dst[i] = T(v)
			i++
		}
	}
	s.next++
	return nil
}

// pixel returns the stored value of gray and paletted images and the 16-bit
// luminance of any other model.
func pixel(img image.Image, x, y int) uint16 {
	switch m := img.(type) {
	case *image.Paletted:
		return uint16(m.ColorIndexAt(x, y))
	case *image.Gray:
		return uint16(m.GrayAt(x, y).Y)
	case *image.Gray16:
		return m.Gray16At(x, y).Y
	}
	return color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y
}
