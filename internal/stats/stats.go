// Package stats tracks message throughput for the broadcaster and listener:
// counts, bytes, and the distribution of inter-message intervals.
package stats

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/SooratiLab/vicon/internal/timeutil"
)

// maxIntervals bounds the interval window used for jitter statistics.
const maxIntervals = 512

// Summary is a point-in-time view of a RateTracker.
type Summary struct {
	Count  int64   `json:"count"`
	Bytes  int64   `json:"bytes"`
	Uptime float64 `json:"uptime_seconds"`
	// RateHz is the average rate over the full uptime.
	RateHz float64 `json:"rate_hz"`
	// IntervalMeanMS and IntervalStdDevMS describe the recent inter-message
	// interval distribution (up to the last 512 intervals).
	IntervalMeanMS   float64 `json:"interval_mean_ms"`
	IntervalStdDevMS float64 `json:"interval_stddev_ms"`
}

// RateTracker accumulates message counts and inter-arrival intervals. Safe
// for concurrent use.
type RateTracker struct {
	clock timeutil.Clock

	mu        sync.Mutex
	start     time.Time
	last      time.Time
	count     int64
	bytes     int64
	intervals []float64 // seconds, ring buffer
	next      int
}

// NewRateTracker creates a tracker using the given clock. A nil clock falls
// back to the real clock.
func NewRateTracker(clock timeutil.Clock) *RateTracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &RateTracker{
		clock: clock,
		start: clock.Now(),
	}
}

// Record notes one message of the given size.
func (t *RateTracker) Record(nbytes int) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	t.bytes += int64(nbytes)
	if !t.last.IsZero() {
		interval := now.Sub(t.last).Seconds()
		if len(t.intervals) < maxIntervals {
			t.intervals = append(t.intervals, interval)
		} else {
			t.intervals[t.next] = interval
			t.next = (t.next + 1) % maxIntervals
		}
	}
	t.last = now
}

// Snapshot returns current totals and interval statistics.
func (t *RateTracker) Snapshot() Summary {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		Count:  t.count,
		Bytes:  t.bytes,
		Uptime: now.Sub(t.start).Seconds(),
	}
	if s.Uptime > 0 {
		s.RateHz = float64(t.count) / s.Uptime
	}
	if len(t.intervals) > 0 {
		s.IntervalMeanMS = stat.Mean(t.intervals, nil) * 1000
	}
	if len(t.intervals) > 1 {
		s.IntervalStdDevMS = stat.StdDev(t.intervals, nil) * 1000
	}
	return s
}
