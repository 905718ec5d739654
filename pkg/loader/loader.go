// Package loader imports every brick of a dataset in parallel, stores the
// decoded bricks in the brick cache and announces them on the ready queue.
package loader

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ctstream/internal/models"
	"ctstream/pkg/cache"
	"ctstream/pkg/dataset"
	"ctstream/pkg/importer"
	"ctstream/pkg/metrics"
	"ctstream/pkg/progress"
	"ctstream/pkg/queue"
)

// DefaultWorkers leaves two cores to the render loop and the runtime.
func DefaultWorkers() int {
	return max(runtime.NumCPU()-2, 1)
}

// Loader drives the brick importer across a whole dataset.
type Loader[T models.Sample] struct {
	ds      *dataset.Dataset
	md      dataset.Metadata
	workers int
	limiter *rate.Limiter
	obs     metrics.Observer
	log     zerolog.Logger
}

// Option configures a Loader.
type Option func(*config)

type config struct {
	workers int
	ioLimit int64
	obs     metrics.Observer
	log     zerolog.Logger
}

// WithWorkers bounds the number of concurrent imports. Values below 1 select
// DefaultWorkers.
func WithWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithIOLimit caps chunk reads at bytesPerSec decoded bytes. 0 disables the cap.
func WithIOLimit(bytesPerSec int64) Option {
	return func(c *config) { c.ioLimit = bytesPerSec }
}

// WithObserver reports loaded and failed bricks to obs.
func WithObserver(obs metrics.Observer) Option {
	return func(c *config) { c.obs = obs }
}

// WithLogger sets the logger for per-brick failures and the summary.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) { c.log = log }
}

// New returns a loader for ds. It fails when T cannot hold the dataset's
// samples.
func New[T models.Sample](ds *dataset.Dataset, opts ...Option) (*Loader[T], error) {
	cfg := config{obs: metrics.NoopObserver{}, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = DefaultWorkers()
	}

	md := ds.Metadata()
	if err := importer.CheckDepth[T](&md); err != nil {
		return nil, err
	}

	l := &Loader[T]{
		ds:      ds,
		md:      md,
		workers: cfg.workers,
		obs:     cfg.obs,
		log:     cfg.log,
	}
	if cfg.ioLimit > 0 {
		// the burst must admit one whole brick or WaitN can never succeed
		burst := max(cfg.ioLimit, md.BrickSizeBytes)
		l.limiter = rate.NewLimiter(rate.Limit(cfg.ioLimit), int(burst))
	}
	return l, nil
}

// Workers returns the size of the worker pool.
func (l *Loader[T]) Workers() int { return l.workers }

// LoadAll imports every level-0 brick. Each brick is held in c and then
// pushed on q, so the consumer never sees an id before its entry. A missing
// chunk is logged and skipped; any other error stops the load and is
// returned. Progress advances once per attempted brick and ends at 1 when
// every brick was attempted. sink may be nil.
func (l *Loader[T]) LoadAll(ctx context.Context, c *cache.Cache[T], q *queue.Ready, sink progress.Sink) (Report, error) {
	if sink == nil {
		sink = progress.Discard
	}
	total := l.md.TotalNbrBricks
	if total == 0 {
		sink.SetProgress(1)
		return Report{}, nil
	}
	sink.SetMessage(fmt.Sprintf("loading %d bricks", total))

	var (
		attempted atomic.Int64
		st        = newStats(total)
		start     = time.Now()
	)
	advance := func() {
		sink.SetProgress(float64(attempted.Add(1)) / float64(total))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i := 0; i < total; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			defer advance()
			return l.loadBrick(gctx, i, c, q, st)
		})
	}
	err := g.Wait()

	r := st.report(time.Since(start))
	r.Attempted = int(attempted.Load())
	if err != nil {
		l.log.Error().Err(err).Int("attempted", r.Attempted).Int("total", total).Msg("brick load aborted")
		sink.SetMessage("loading failed")
		return r, err
	}
	if r.Attempted < total {
		// the parent context ended before every brick was scheduled
		return r, ctx.Err()
	}

	l.log.Info().
		Int("loaded", r.Loaded).
		Int("missing", r.Missing).
		Str("bytes", r.BytesHuman()).
		Dur("elapsed", r.Elapsed).
		Msg("bricks loaded")
	sink.SetMessage(r.String())
	return r, nil
}

func (l *Loader[T]) loadBrick(ctx context.Context, index int, c *cache.Cache[T], q *queue.Ready, st *stats) error {
	md := &l.md
	if l.limiter != nil {
		if err := l.limiter.WaitN(ctx, int(md.BrickSizeBytes)); err != nil {
			return err
		}
	}

	started := time.Now()
	buf := make([]T, md.BrickVoxels())
	mm, err := importer.ImportChunk(l.ds.Path(), md, index, 0, buf)
	if errors.Is(err, importer.ErrChunkMissing) {
		l.log.Warn().
			Int("brick", index).
			Str("path", importer.ChunkPath(l.ds.Path(), index, 0)).
			Err(err).
			Msg("skipping brick")
		l.obs.BrickFailed()
		st.missed()
		return nil
	}
	if err != nil {
		return fmt.Errorf("error importing brick %d: %w", index, err)
	}
	took := time.Since(started)

	id, err := dataset.NewBrickID(index, 0)
	if err != nil {
		return err
	}
	if err := c.SetAndHold(ctx, id, cache.NewEntry(buf, mm)); err != nil {
		return err
	}
	if err := q.Push(ctx, id); err != nil {
		c.Release(id)
		return err
	}

	size := int64(len(buf) * models.SampleSize[T]())
	st.loaded(took, size, mm)
	l.obs.BrickLoaded(size, took)
	return nil
}

// stats collects per-brick results from concurrent workers.
type stats struct {
	mu      sync.Mutex
	seconds []float64
	bytes   int64
	missing int
	lo, hi  uint16
}

func newStats(total int) *stats {
	return &stats{seconds: make([]float64, 0, total), lo: ^uint16(0)}
}

func (s *stats) loaded(took time.Duration, size int64, mm models.MinMax) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seconds = append(s.seconds, took.Seconds())
	s.bytes += size
	s.lo = min(s.lo, mm.Min)
	s.hi = max(s.hi, mm.Max)
}

func (s *stats) missed() {
	s.mu.Lock()
	s.missing++
	s.mu.Unlock()
}

func (s *stats) report(elapsed time.Duration) Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Report{
		Loaded:  len(s.seconds),
		Missing: s.missing,
		Bytes:   s.bytes,
		Elapsed: elapsed,
	}
	if r.Loaded > 0 {
		r.Range = models.MinMax{Min: s.lo, Max: s.hi}
	}
	r.MeanImport, r.StdDevImport = timing(s.seconds)
	return r
}
