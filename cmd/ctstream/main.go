package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ctstream/internal/logx"
	"ctstream/internal/models"
	"ctstream/pkg/cache"
	"ctstream/pkg/config"
	"ctstream/pkg/dataset"
	"ctstream/pkg/importer"
	"ctstream/pkg/loader"
	"ctstream/pkg/metrics"
	"ctstream/pkg/progress"
	"ctstream/pkg/queue"
	"ctstream/pkg/render"
	"ctstream/pkg/render/soft"
	"ctstream/pkg/upload"
	"ctstream/pkg/visualization"
)

// session carries everything a typed streaming run needs.
type session struct {
	ds        *dataset.Dataset
	cfg       *config.Config
	log       zerolog.Logger
	obs       metrics.Observer
	slicesDir string
}

func main() {
	// Parse command line arguments
	datasetDir := flag.String("dataset", "", "Directory containing metadata.txt and the brick chunks")
	configPath := flag.String("config", "ctstream.yaml", "YAML configuration file (defaults apply when missing)")
	memoryMB := flag.Int64("memory", 0, "Brick cache memory limit in MB (overrides config)")
	workers := flag.Int("workers", 0, "Concurrent brick imports (overrides config, 0 keeps it)")
	frame := flag.Duration("frame", 0, "Render frame interval (overrides config)")
	ioLimit := flag.Int64("io-limit", 0, "Chunk read limit in bytes per second (overrides config)")
	maxPerFrame := flag.Int("max-per-frame", 0, "Bricks uploaded per frame (overrides config)")
	slicesDir := flag.String("export-slices", "", "Directory to save texture slices along all axes after streaming")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address, e.g. :9090")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	jsonLogs := flag.Bool("json", false, "Write JSON log lines")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *datasetDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "memory":
			cfg.Cache.MemoryLimitMB = *memoryMB
		case "workers":
			cfg.Loader.Workers = *workers
		case "frame":
			cfg.Render.FrameInterval = *frame
		case "io-limit":
			cfg.Loader.IOLimitBytesPerSec = *ioLimit
		case "max-per-frame":
			cfg.Upload.MaxBricksPerFrame = *maxPerFrame
		case "metrics":
			cfg.Output.MetricsAddr = *metricsAddr
		case "verbose":
			cfg.Output.Verbose = *verbose
		case "json":
			cfg.Output.JSONLogs = *jsonLogs
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid options: %v\n", err)
		os.Exit(1)
	}

	log := logx.NewLogger(cfg.Output.Verbose, cfg.Output.JSONLogs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var obs metrics.Observer = metrics.NoopObserver{}
	if cfg.Output.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		po, err := metrics.NewPrometheusObserver(reg)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot register metrics")
		}
		obs = po
		srv := &http.Server{Addr: cfg.Output.MetricsAddr, Handler: metricsMux(reg)}
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("serving Prometheus metrics on /metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	ds, err := dataset.Open(*datasetDir, log)
	if err != nil {
		log.Fatal().Err(err).Str("dataset", *datasetDir).Msg("cannot open dataset")
	}

	s := session{ds: ds, cfg: cfg, log: log, obs: obs, slicesDir: *slicesDir}
	md := ds.Metadata()
	startTime := time.Now()
	switch md.ColorDepth {
	case models.UINT8:
		err = run[uint8](ctx, s)
	case models.UINT16:
		err = run[uint16](ctx, s)
	default:
		err = fmt.Errorf("%w: %s", importer.ErrUnsupportedColorDepth, md.ColorDepth)
	}
	if errors.Is(err, context.Canceled) {
		log.Warn().Msg("interrupted")
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("streaming failed")
	}
	log.Info().Dur("elapsed", time.Since(startTime)).Msg("done")
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// run streams every brick of the dataset into a software texture: the
// loader fills the cache and the ready queue while the upload pipeline
// drains it at frame boundaries of the render thread.
func run[T models.Sample](ctx context.Context, s session) error {
	md := s.ds.Metadata()
	cfg := s.cfg
	log := s.log

	c, err := cache.New[T](cfg.Cache.MemoryLimitMB, md.BrickSizeBytes,
		cache.WithObserver(s.obs), cache.WithLogger(log))
	if err != nil {
		return err
	}
	if n := c.GetCapacity(); n < md.TotalNbrBricks {
		log.Warn().
			Int("capacity", n).
			Int("bricks", md.TotalNbrBricks).
			Msg("cache holds fewer bricks than the dataset, uploads will throttle loading")
	}
	q := queue.New(cfg.Upload.ReadyQueueCapacity)
	defer q.Close()

	dev := soft.New()
	th := render.NewThread(dev, log)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	renderDone := make(chan error, 1)
	go func() { renderDone <- th.Run(ctx, cfg.Render.FrameInterval) }()
	defer func() {
		cancel()
		<-renderDone
	}()

	p, err := upload.New[T](s.ds, c, q, th,
		upload.WithMaxBricksPerFrame(cfg.Upload.MaxBricksPerFrame),
		upload.WithObserver(s.obs),
		upload.WithLogger(log))
	if err != nil {
		return err
	}
	if err := p.Init(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		if err := p.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
	}()
	extent := s.ds.BrickCacheSize()
	log.Info().
		Str("volume", fmt.Sprintf("%dx%dx%d", extent.Width, extent.Height, extent.Depth)).
		Str("texture", humanize.IBytes(uint64(s.ds.BrickCacheSizeMB()*1024*1024))).
		Int("bricks", md.TotalNbrBricks).
		Int("cacheCapacity", c.GetCapacity()).
		Msg("streaming dataset")

	l, err := loader.New[T](s.ds,
		loader.WithWorkers(cfg.Loader.Workers),
		loader.WithIOLimit(cfg.Loader.IOLimitBytesPerSec),
		loader.WithObserver(s.obs),
		loader.WithLogger(log))
	if err != nil {
		return err
	}

	report, err := stream(ctx, l, p, c, q, progress.NewLogSink(log, time.Second))
	if err != nil {
		return err
	}

	st := c.Stats()
	log.Info().
		Int("uploaded", p.Uploaded()).
		Uint64("frames", th.Frame()).
		Uint64("cacheHits", st.Hits).
		Uint64("cacheMisses", st.Misses).
		Uint64("evictions", st.Evictions).
		Msg(report.String())

	if s.slicesDir != "" {
		return exportSlices(dev, p.Texture(), report.Range, s.slicesDir, log)
	}
	return nil
}

// stream loads every brick while p uploads them. Whichever side fails
// first cancels the other, so a stalled upload never leaves loaders blocked
// on a full cache.
func stream[T models.Sample](ctx context.Context, l *loader.Loader[T], p *upload.Pipeline[T], c *cache.Cache[T], q *queue.Ready, sink progress.Sink) (loader.Report, error) {
	var report loader.Report
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		r, err := l.LoadAll(gctx, c, q, sink)
		if err != nil {
			return err
		}
		report = r
		p.SetTarget(r.Loaded)
		return nil
	})
	return report, g.Wait()
}

// exportSlices writes the streamed texture as JPEG slices along every axis.
func exportSlices(dev *soft.Device, tex render.TextureHandle, window models.MinMax, dir string, log zerolog.Logger) error {
	snap, ok := dev.Snapshot(tex)
	if !ok {
		return fmt.Errorf("brick cache texture %#x not found", tex)
	}
	viewer := visualization.NewViewer(snap, window)
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(dir, axis)
		n, err := viewer.SaveSliceSequence(axis, axisDir)
		if err != nil {
			log.Warn().Err(err).Str("axis", axis).Msg("failed to save slices")
			continue
		}
		log.Info().Str("axis", axis).Int("slices", n).Str("dir", axisDir).Msg("slices saved")
	}
	return nil
}
