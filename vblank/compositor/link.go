// Package compositor maintains a vblank timing cache fed by a compositor's
// display link callbacks. It is the fallback source when the kernel page is
// unavailable or untrusted.
package compositor

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/hosttime"
)

// traceVerbosity is the verbosity above which every callback is logged.
const traceVerbosity = 20

// TimingLink owns a started Link and the sample cache it feeds.
//
// The cache is the only state shared with the callback context. The
// callback writes it under mu and never calls back into anything else.
type TimingLink struct {
	display   display.ID
	link      Link
	verbosity int

	live atomic.Bool
	// gate is held shared by running callbacks and exclusively by Stop
	gate sync.RWMutex

	mu     sync.Mutex
	sample display.Sample

	stopOnce sync.Once
}

// Option configures a TimingLink.
type Option func(*TimingLink)

// WithVerbosity sets the verbosity used for per-callback tracing.
func WithVerbosity(v int) Option {
	return func(l *TimingLink) {
		l.verbosity = v
	}
}

// Start creates a link for id, installs the cache callback and starts it.
// On failure everything created so far is released.
func Start(p Provider, id display.ID, opts ...Option) (*TimingLink, error) {
	link, err := p.CreateLink(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCreateFailed, id, err)
	}

	l := &TimingLink{
		display: id,
		link:    link,
	}
	for _, opt := range opts {
		opt(l)
	}

	link.SetOutputCallback(l.onVBlank)
	l.live.Store(true)

	if err := link.Start(); err != nil {
		l.live.Store(false)
		link.Release()
		return nil, fmt.Errorf("%w: %s: %w", ErrStartFailed, id, err)
	}

	return l, nil
}

// Display returns the display the link is bound to.
func (l *TimingLink) Display() display.ID {
	return l.display
}

// Running reports whether the link has not been stopped.
func (l *TimingLink) Running() bool {
	return l != nil && l.live.Load()
}

// RefreshPeriod reports the link's measured refresh period.
func (l *TimingLink) RefreshPeriod() time.Duration {
	return l.link.RefreshPeriod()
}

// OutputLatency reports the link's video output latency.
func (l *TimingLink) OutputLatency() time.Duration {
	return l.link.OutputLatency()
}

func (l *TimingLink) onVBlank(now DeviceTime) {
	l.gate.RLock()
	defer l.gate.RUnlock()

	// Shutdown race: a callback may still be delivered after Stop.
	if !l.live.Load() {
		return
	}

	hostNanos, err := l.link.TranslateTime(now)
	if err != nil {
		slog.Debug("Compositor time translation failed", "display", l.display, "error", err)
		return
	}
	tVBlank := hosttime.Seconds(hostNanos)

	l.mu.Lock()
	l.sample.Count++
	l.sample.Timestamp = tVBlank
	count := l.sample.Count
	l.mu.Unlock()

	if l.verbosity > traceVerbosity {
		tHost := hosttime.Now()
		slog.Debug("Compositor vblank",
			"display", l.display,
			"count", count,
			"t_host", tHost,
			"t_vblank", tVBlank,
			"delta_ms", (tHost-tVBlank)*1000)
	}
}

// LatestSample returns a copy of the most recent cached sample. ok is false
// once the link is stopped.
func (l *TimingLink) LatestSample() (sample display.Sample, ok bool) {
	if !l.Running() {
		return display.Unavailable, false
	}

	l.mu.Lock()
	sample = l.sample
	l.mu.Unlock()

	return sample, true
}

// Stop stops and releases the link. It returns only after every callback
// that was in flight has finished; the cache is not touched afterwards.
// Calling Stop more than once is safe.
func (l *TimingLink) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.live.Store(false)
		if l.link.Running() {
			err = l.link.Stop()
		}

		// Wait out in-flight callbacks.
		l.gate.Lock()
		l.gate.Unlock()

		l.link.Release()
	})
	if err != nil {
		return fmt.Errorf("stop compositor link for %s: %w", l.display, err)
	}
	return nil
}
