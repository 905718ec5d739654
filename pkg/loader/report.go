package loader

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/stat"

	"ctstream/internal/models"
)

// Report summarises one LoadAll run.
type Report struct {
	// Attempted counts bricks whose import was started, Loaded those that
	// reached the ready queue and Missing those skipped for lack of a chunk.
	Attempted int
	Loaded    int
	Missing   int

	// Bytes is the decoded size of the loaded bricks.
	Bytes   int64
	Elapsed time.Duration

	// Per-brick import time. StdDevImport is zero with fewer than two bricks.
	MeanImport   time.Duration
	StdDevImport time.Duration

	// Range is the sample range over all loaded bricks.
	Range models.MinMax
}

// BytesHuman returns Bytes in IEC units.
func (r Report) BytesHuman() string {
	return humanize.IBytes(uint64(r.Bytes))
}

// Throughput returns decoded bytes per second over the whole run.
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

func (r Report) String() string {
	return fmt.Sprintf("loaded %d/%d bricks (%s, %s/s), %d missing, import %v ± %v",
		r.Loaded, r.Attempted, r.BytesHuman(), humanize.IBytes(uint64(r.Throughput())),
		r.Missing, r.MeanImport.Round(time.Microsecond), r.StdDevImport.Round(time.Microsecond))
}

func timing(seconds []float64) (mean, stddev time.Duration) {
	switch len(seconds) {
	case 0:
		return 0, 0
	case 1:
		return seconds2dur(seconds[0]), 0
	}
	m, s := stat.MeanStdDev(seconds, nil)
	if math.IsNaN(s) {
		s = 0
	}
	return seconds2dur(m), seconds2dur(s)
}

func seconds2dur(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
