// Package calibrate measures a display's refresh interval from successive
// vblank timestamps, optionally under a real-time scheduling boost.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/registry"
	"github.com/valerio/go-vblank/vblank/sched"
	"github.com/valerio/go-vblank/vblank/timing"
)

// ErrNoSamples is returned when no usable vblank sample pair was observed.
var ErrNoSamples = errors.New("no vblank samples")

// Querier answers vblank queries, usually a *registry.Registry.
type Querier interface {
	Query(h registry.Handle) (registry.Result, error)
}

// Options control a measurement.
type Options struct {
	// Samples is the number of distinct vblanks to observe. At least 2.
	Samples int
	// PollInterval is the pause between queries.
	PollInterval time.Duration
	// Scheduler, if set, boosts the sampling thread for the duration.
	Scheduler *sched.Scheduler
	// NewLimiter overrides the polling limiter, mainly for tests.
	NewLimiter func(period time.Duration) timing.Limiter
}

// DefaultOptions samples one second of a 60Hz display.
var DefaultOptions = Options{
	Samples:      60,
	PollInterval: time.Millisecond,
}

// Report summarizes a measurement.
type Report struct {
	Display  display.ID
	Source   registry.Source
	Samples  int
	Interval time.Duration // mean refresh interval
	StdDev   time.Duration
	Min      time.Duration
	Max      time.Duration
	Boosted  bool
}

// RefreshHz returns the refresh rate implied by the mean interval.
func (r Report) RefreshHz() float64 {
	if r.Interval <= 0 {
		return 0
	}
	return float64(time.Second) / float64(r.Interval)
}

// Measure polls h until opts.Samples distinct vblanks have been seen or ctx
// ends, then reports the per-vblank interval statistics. Intervals spanning
// missed vblanks are divided by the count difference.
func Measure(ctx context.Context, q Querier, h registry.Handle, opts Options) (Report, error) {
	if opts.Samples < 2 {
		opts.Samples = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions.PollInterval
	}
	newLimiter := opts.NewLimiter
	if newLimiter == nil {
		newLimiter = func(d time.Duration) timing.Limiter { return timing.NewAdaptiveLimiter(d) }
	}

	rep := Report{Display: h.Display()}
	var (
		samples []registry.Result
		err     error
	)
	run := func() {
		samples, err = collect(ctx, q, h, opts.Samples, newLimiter(opts.PollInterval))
	}

	if opts.Scheduler != nil {
		boostErr := opts.Scheduler.Do(run)
		switch {
		case boostErr == nil:
			rep.Boosted = true
		case sched.IsUnsupported(boostErr):
			slog.Warn("Realtime scheduling unsupported, measured without boost", "error", boostErr)
		default:
			slog.Warn("Realtime boost failed, measurement may be jittery", "error", boostErr)
		}
	} else {
		run()
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return rep, err
	}
	if len(samples) < 2 {
		return rep, fmt.Errorf("%w for %s after %d queries", ErrNoSamples, h.Display(), len(samples))
	}

	intervals := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		dc := float64(cur.Count - prev.Count)
		intervals = append(intervals, (cur.Timestamp-prev.Timestamp)/dc)
	}

	mean, stddev, lo, hi := stats(intervals)
	rep.Source = samples[len(samples)-1].Source
	rep.Samples = len(samples)
	rep.Interval = seconds(mean)
	rep.StdDev = seconds(stddev)
	rep.Min = seconds(lo)
	rep.Max = seconds(hi)

	return rep, nil
}

func collect(ctx context.Context, q Querier, h registry.Handle, n int, limiter timing.Limiter) ([]registry.Result, error) {
	samples := make([]registry.Result, 0, n)
	for len(samples) < n {
		if err := ctx.Err(); err != nil {
			return samples, err
		}

		res, err := q.Query(h)
		if err != nil {
			return samples, fmt.Errorf("query %s: %w", h.Display(), err)
		}

		if res.Valid() && res.Count > 0 {
			if len(samples) == 0 {
				samples = append(samples, res)
			} else if last := samples[len(samples)-1]; res.Count > last.Count {
				samples = append(samples, res)
			} else if res.Count < last.Count {
				// Counter reset: the source changed under us, start over.
				samples = append(samples[:0], res)
			}
		}

		limiter.WaitForNextRefresh()
	}
	return samples, nil
}

func stats(xs []float64) (mean, stddev, lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range xs {
		mean += x
		lo = min(lo, x)
		hi = max(hi, x)
	}
	mean /= float64(len(xs))

	for _, x := range xs {
		stddev += (x - mean) * (x - mean)
	}
	stddev = math.Sqrt(stddev / float64(len(xs)))
	return mean, stddev, lo, hi
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
