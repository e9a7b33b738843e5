// Package monitor drives a live view of one display's vblank timing. A Run
// loop queries the display once per refresh and hands each observation to a
// Backend, which renders it and reports user events back.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/hosttime"
	"github.com/valerio/go-vblank/vblank/registry"
	"github.com/valerio/go-vblank/vblank/timing"
)

// Backend renders frames to a specific output (terminal, log stream).
// Backends are responsible for:
// - Rendering each Frame
// - Translating platform input (keys, signals) into Events
type Backend interface {
	// Init prepares the backend. It must be called before Update.
	Init(config BackendConfig) error

	// Update renders frame and returns any events raised since the last call.
	Update(frame Frame) ([]Event, error)

	// Cleanup releases backend resources.
	Cleanup() error
}

// BackendConfig holds configuration for backends
type BackendConfig struct {
	Title     string
	Display   display.ID
	RefreshHz float64 // nominal rate, used to scale jitter
}

// EventType is a user request raised by a backend.
type EventType int

const (
	// EventQuit stops the monitor
	EventQuit EventType = iota
	// EventReset clears the accumulated statistics
	EventReset
)

func (e EventType) String() string {
	switch e {
	case EventQuit:
		return "quit"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Event is raised by a backend from user input.
type Event struct {
	Type EventType
}

// Querier answers vblank queries for a handle.
type Querier interface {
	Query(h registry.Handle) (registry.Result, error)
}

// Frame is one observation of a display.
type Frame struct {
	Display  display.ID
	Result   registry.Result
	HostTime float64 // host seconds when the query returned
	// Interval is the time per vblank since the previous distinct vblank,
	// zero until two have been seen.
	Interval time.Duration
	Stats    Stats
}

// Age returns how long ago the reported vblank happened.
func (f Frame) Age() time.Duration {
	if !f.Result.Valid() {
		return 0
	}
	return time.Duration((f.HostTime - f.Result.Timestamp) * float64(time.Second))
}

// Stats accumulates over a monitoring session.
type Stats struct {
	Frames      int    // queries made
	Vblanks     uint64 // vblanks observed, including missed ones
	Missed      uint64 // vblanks that happened between two queries beyond the first
	Unavailable int    // queries with no source
	MinInterval time.Duration
	MaxInterval time.Duration
	sumInterval float64
	intervals   int
}

// MeanInterval returns the mean per-vblank interval.
func (s Stats) MeanInterval() time.Duration {
	if s.intervals == 0 {
		return 0
	}
	return time.Duration(s.sumInterval / float64(s.intervals))
}

// Tracker turns successive query results into frames.
type Tracker struct {
	display display.ID
	last    display.Sample
	stats   Stats
}

// NewTracker returns a tracker for id.
func NewTracker(id display.ID) *Tracker {
	return &Tracker{display: id}
}

// Observe records a query result taken at hostTime.
func (t *Tracker) Observe(res registry.Result, hostTime float64) Frame {
	t.stats.Frames++
	f := Frame{Display: t.display, Result: res, HostTime: hostTime}

	switch {
	case !res.Valid():
		t.stats.Unavailable++
	case t.last.Count == 0 || res.Count < t.last.Count:
		// First sample, or the source restarted its counter.
		t.last = res.Sample
	case res.Count > t.last.Count:
		dc := res.Count - t.last.Count
		per := (res.Timestamp - t.last.Timestamp) / float64(dc) * float64(time.Second)
		f.Interval = time.Duration(per)

		t.stats.Vblanks += dc
		t.stats.Missed += dc - 1
		t.stats.sumInterval += per
		t.stats.intervals++
		if t.stats.MinInterval == 0 || f.Interval < t.stats.MinInterval {
			t.stats.MinInterval = f.Interval
		}
		if f.Interval > t.stats.MaxInterval {
			t.stats.MaxInterval = f.Interval
		}
		t.last = res.Sample
	}

	f.Stats = t.stats
	return f
}

// Reset clears the statistics and forgets the last sample.
func (t *Tracker) Reset() {
	t.last = display.Sample{}
	t.stats = Stats{}
}

// Run monitors h until the backend quits or ctx ends. The limiter paces
// queries, normally one per refresh.
func Run(ctx context.Context, b Backend, q Querier, h registry.Handle, limiter timing.Limiter, config BackendConfig) error {
	if err := b.Init(config); err != nil {
		return fmt.Errorf("init backend: %w", err)
	}
	defer func() {
		if err := b.Cleanup(); err != nil {
			slog.Error("Failed to clean up monitor backend", "error", err)
		}
	}()

	tracker := NewTracker(h.Display())
	limiter.Reset()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := q.Query(h)
		if err != nil {
			return fmt.Errorf("query %s: %w", h.Display(), err)
		}

		events, err := b.Update(tracker.Observe(res, hosttime.Now()))
		if err != nil {
			return fmt.Errorf("update backend: %w", err)
		}

		for _, ev := range events {
			switch ev.Type {
			case EventQuit:
				slog.Debug("Monitor quit requested", "display", h.Display())
				return nil
			case EventReset:
				tracker.Reset()
				slog.Info("Monitor statistics reset", "display", h.Display())
			}
		}

		limiter.WaitForNextRefresh()
	}
}
