package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ctstream/internal/logx"
	"ctstream/internal/models"
	"ctstream/pkg/brickify"
	"ctstream/pkg/dataset"
)

// source selects where the slices come from.
type source struct {
	raw     string
	images  string
	phantom bool
	rawOpts brickify.RawOptions
}

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "Raw volume file (.raw, or .zst for zstd-compressed input)")
	images := flag.String("images", "", "Directory of TIFF or PNG slices, taken in file name order")
	output := flag.String("output", "", "Directory to write metadata.txt and brick chunks")
	width := flag.Int("width", 0, "Volume width in samples")
	height := flag.Int("height", 0, "Volume height in samples")
	slices := flag.Int("slices", 0, "Number of slices")
	header := flag.Int64("header", 0, "Bytes to skip before the first sample")
	bigEndian := flag.Bool("big-endian", false, "16-bit samples are stored big-endian")
	depth := flag.String("depth", "", "Sample type: uint8 or uint16 (images default to their own depth, raw to uint16)")
	brickSize := flag.Int("brick-size", 64, "Edge length of a cubic brick in samples")
	lz4 := flag.Bool("lz4", true, "LZ4-compress brick chunks")
	voxel := flag.String("voxel", "", "Voxel size in mm as x,y,z (unknown when empty)")
	phantom := flag.Bool("phantom", false, "Synthesize a sphere phantom of -width x -height x -slices instead of reading input")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	// Validate inputs
	inputs := 0
	for _, set := range []bool{*input != "", *images != "", *phantom} {
		if set {
			inputs++
		}
	}
	if *output == "" || inputs != 1 {
		flag.Usage()
		os.Exit(1)
	}

	log := logx.NewLogger(*verbose, false)

	src := source{
		raw:     *input,
		images:  *images,
		phantom: *phantom,
		rawOpts: brickify.RawOptions{
			Width:       *width,
			Height:      *height,
			Slices:      *slices,
			HeaderBytes: *header,
			BigEndian:   *bigEndian,
		},
	}
	cd, err := sampleDepth(*depth, src)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -depth")
	}
	opts := brickify.DefaultOptions()
	opts.BrickSize = *brickSize
	opts.Lz4 = *lz4
	if *voxel != "" {
		if opts.VoxelDim, err = parseVec3(*voxel); err != nil {
			log.Fatal().Err(err).Msg("invalid -voxel")
		}
	}

	startTime := time.Now()
	var md *dataset.Metadata
	switch cd {
	case models.UINT8:
		md, err = convert[uint8](src, *output, opts, log)
	case models.UINT16:
		md, err = convert[uint16](src, *output, opts, log)
	default:
		err = fmt.Errorf("unsupported sample type %s", cd)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("conversion failed")
	}

	fmt.Printf("\nConversion completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Dataset written to: %s\n", *output)
	fmt.Printf("- %d bricks of %d^3 %s samples (%d x %d x %d)\n",
		md.TotalNbrBricks, md.BrickSize, md.ColorDepth, md.NbrBricksX, md.NbrBricksY, md.NbrBricksZ)
	fmt.Printf("- Density range: [%g, %g]\n", md.DensityMin, md.DensityMax)
}

// sampleDepth resolves -depth; an image sequence without it keeps the depth
// of its first slice.
func sampleDepth(flagValue string, src source) (models.ColorDepth, error) {
	if flagValue != "" {
		return models.ParseColorDepth(flagValue)
	}
	if src.images != "" {
		return brickify.ImageSequenceDepth(src.images)
	}
	return models.UINT16, nil
}

func convert[T models.Sample](src source, output string, opts brickify.Options, log zerolog.Logger) (*dataset.Metadata, error) {
	switch {
	case src.phantom:
		o := src.rawOpts
		if o.Width <= 0 || o.Height <= 0 || o.Slices <= 0 {
			return nil, fmt.Errorf("phantom needs positive -width, -height and -slices")
		}
		return brickify.Write(output, sphere[T](o.Width, o.Height, o.Slices), opts, log)

	case src.images != "":
		seq, err := brickify.OpenImageSequence[T](src.images)
		if err != nil {
			return nil, err
		}
		w, h, n := seq.Dims()
		log.Info().Str("dir", src.images).Int("width", w).Int("height", h).Int("slices", n).Msg("reading image sequence")
		return brickify.WriteFrom[T](output, seq, opts, log)
	}

	f, err := brickify.OpenRaw(src.raw)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := brickify.NewRawReader[T](f, src.rawOpts)
	if err != nil {
		return nil, err
	}
	return brickify.WriteFrom[T](output, r, opts, log)
}

// sphere fills a volume with a bright ball on a faint gradient.
func sphere[T models.Sample](w, h, d int) *brickify.Volume[T] {
	var top T
	top--
	cx, cy, cz := float64(w)/2, float64(h)/2, float64(d)/2
	r2 := min(cx, cy, cz) * min(cx, cy, cz) * 0.64
	return brickify.Synthesize(w, h, d, func(x, y, z int) T {
		dx, dy, dz := float64(x)-cx, float64(y)-cy, float64(z)-cz
		if dx*dx+dy*dy+dz*dz <= r2 {
			return top
		}
		return T(float64(top) * 0.25 * float64(z) / float64(d))
	})
}

func parseVec3(s string) (models.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return models.Vec3{}, fmt.Errorf("expected x,y,z, got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return models.Vec3{}, err
		}
		v[i] = f
	}
	return models.Vec3{X: v[0], Y: v[1], Z: v[2]}, nil
}
