package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports Observer events as Prometheus metrics.
type PrometheusObserver struct {
	cacheLookups *prometheus.CounterVec
	evictions    prometheus.Counter
	bricks       *prometheus.CounterVec
	loadedBytes  prometheus.Counter
	loadLatency  prometheus.Histogram
	queueDepth   prometheus.Gauge
}

// NewPrometheusObserver creates the collectors and registers them on reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctstream_cache_lookups_total",
			Help: "Brick cache lookups by result",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctstream_cache_evictions_total",
			Help: "Brick cache entries evicted to make room",
		}),
		bricks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctstream_bricks_total",
			Help: "Bricks by pipeline stage",
		}, []string{"stage"}),
		loadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctstream_loaded_bytes_total",
			Help: "Decoded brick bytes inserted into the cache",
		}),
		loadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctstream_brick_load_seconds",
			Help:    "Time to import one brick",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ctstream_ready_queue_depth",
			Help: "Bricks waiting for upload",
		}),
	}

	for _, c := range []prometheus.Collector{
		o.cacheLookups, o.evictions, o.bricks, o.loadedBytes, o.loadLatency, o.queueDepth,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) CacheHit()      { o.cacheLookups.WithLabelValues("hit").Inc() }
func (o *PrometheusObserver) CacheMiss()     { o.cacheLookups.WithLabelValues("miss").Inc() }
func (o *PrometheusObserver) CacheEviction() { o.evictions.Inc() }

func (o *PrometheusObserver) BrickLoaded(bytes int64, took time.Duration) {
	o.bricks.WithLabelValues("loaded").Inc()
	o.loadedBytes.Add(float64(bytes))
	o.loadLatency.Observe(took.Seconds())
}

func (o *PrometheusObserver) BrickFailed()   { o.bricks.WithLabelValues("failed").Inc() }
func (o *PrometheusObserver) BrickUploaded() { o.bricks.WithLabelValues("uploaded").Inc() }
func (o *PrometheusObserver) QueueDepth(n int) {
	o.queueDepth.Set(float64(n))
}

var _ Observer = (*PrometheusObserver)(nil)
