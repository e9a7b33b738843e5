package compositor

import (
	"errors"
	"time"

	"github.com/valerio/go-vblank/vblank/display"
)

var (
	// ErrCreateFailed is returned when a provider cannot create a link for a display.
	ErrCreateFailed = errors.New("compositor link creation failed")
	// ErrStartFailed is returned when a created link refuses to start.
	ErrStartFailed = errors.New("compositor link start failed")
	// ErrNotStarted is returned when translating time on a link that never ran.
	ErrNotStarted = errors.New("compositor link not started")
	// ErrNoCallback is returned when a link is started without an output callback.
	ErrNoCallback = errors.New("compositor link has no output callback")
)

// DeviceTime is a vblank time stamp in the provider's own clock.
type DeviceTime struct {
	// Ticks is the raw counter value
	Ticks uint64
	// Rate is the counter frequency in ticks per second
	Rate uint64
}

// OutputCallback receives the device time of each vblank. Providers call it
// from their own goroutine or OS thread, once per refresh.
type OutputCallback func(now DeviceTime)

// Link is a provider's per-display vblank notification source.
type Link interface {
	// SetOutputCallback installs the per-vblank callback. Must precede Start.
	SetOutputCallback(cb OutputCallback)
	Start() error
	// Stop stops delivering callbacks. Callbacks already running may still finish.
	Stop() error
	Running() bool
	// Release frees the link, stopping it first if needed.
	Release()
	// TranslateTime converts a device time into host nanoseconds.
	TranslateTime(t DeviceTime) (uint64, error)
	// RefreshPeriod is the refresh period the link measured, 0 if unknown.
	RefreshPeriod() time.Duration
	// OutputLatency is the delay between vblank and photons, 0 if unknown.
	OutputLatency() time.Duration
}

// Provider creates Links, one per display.
type Provider interface {
	CreateLink(id display.ID) (Link, error)
}
