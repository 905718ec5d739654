// Package progress carries fractional progress and status text from
// long-running work to whoever displays it.
package progress

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives progress in [0,1] and a human-readable status.
// Implementations must be safe for concurrent use.
type Sink interface {
	SetProgress(p float64)
	SetMessage(msg string)
}

// Tracker is a Sink that remembers the latest state. Progress only moves
// forward and is clamped to [0,1].
type Tracker struct {
	bits atomic.Uint64

	mu  sync.Mutex
	msg string
}

// SetProgress raises the progress to p. Lower values are ignored.
func (t *Tracker) SetProgress(p float64) {
	p = clamp(p)
	for {
		old := t.bits.Load()
		if p <= math.Float64frombits(old) {
			return
		}
		if t.bits.CompareAndSwap(old, math.Float64bits(p)) {
			return
		}
	}
}

// SetMessage replaces the status text.
func (t *Tracker) SetMessage(msg string) {
	t.mu.Lock()
	t.msg = msg
	t.mu.Unlock()
}

// Progress returns the current progress.
func (t *Tracker) Progress() float64 {
	return math.Float64frombits(t.bits.Load())
}

// Message returns the current status text.
func (t *Tracker) Message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msg
}

func clamp(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	return min(p, 1)
}

// LogSink writes progress to a zerolog logger, at most once per interval
// plus the final 100% line. Messages are logged as they arrive.
type LogSink struct {
	log      zerolog.Logger
	interval time.Duration

	mu     sync.Mutex
	last   time.Time
	logged float64
}

// NewLogSink returns a sink logging at info level.
func NewLogSink(log zerolog.Logger, interval time.Duration) *LogSink {
	return &LogSink{log: log, interval: interval, logged: -1}
}

func (s *LogSink) SetProgress(p float64) {
	p = clamp(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p <= s.logged {
		return
	}
	now := time.Now()
	if p < 1 && now.Sub(s.last) < s.interval {
		return
	}
	s.last = now
	s.logged = p
	s.log.Info().Msgf("progress %.0f%%", p*100)
}

func (s *LogSink) SetMessage(msg string) {
	s.log.Info().Msg(msg)
}

// Multi fans progress out to several sinks.
type Multi []Sink

func (m Multi) SetProgress(p float64) {
	for _, s := range m {
		s.SetProgress(p)
	}
}

func (m Multi) SetMessage(msg string) {
	for _, s := range m {
		s.SetMessage(msg)
	}
}

// Discard ignores everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) SetProgress(float64) {}
func (discard) SetMessage(string)   {}
