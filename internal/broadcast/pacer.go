package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/SooratiLab/vicon/internal/monitoring"
	"github.com/SooratiLab/vicon/internal/timeutil"
)

// Pacer invokes a per-cycle work function at a target frequency. The sleep
// before each cycle is computed from the wall-clock cost of the previous one,
// so average throughput approximates the target even when individual cycles
// overrun. An overrunning cycle is followed immediately by the next one;
// cycles are never skipped or batched.
type Pacer struct {
	period time.Duration
	clock  timeutil.Clock
}

// NewPacer creates a pacer for the given rate in Hz. A nil clock falls back
// to the real clock.
func NewPacer(rateHz float64, clock timeutil.Clock) (*Pacer, error) {
	if rateHz <= 0 {
		return nil, fmt.Errorf("invalid rate %.2f Hz: must be positive", rateHz)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Pacer{
		period: time.Duration(float64(time.Second) / rateHz),
		clock:  clock,
	}, nil
}

// Period returns the configured cycle period.
func (p *Pacer) Period() time.Duration {
	return p.period
}

// Run calls cycle once per period until ctx is cancelled, then returns
// ctx.Err(). A cycle error is logged and pacing continues; the loop never
// dies because one poll or publish failed.
func (p *Pacer) Run(ctx context.Context, cycle func(context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := p.clock.Now()
		if err := cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Logf("pacer cycle error: %v", err)
		}

		sleep := p.period - p.clock.Since(start)
		if sleep <= 0 {
			// The cycle overran its period; run the next one immediately.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(sleep):
		}
	}
}
