package timing

import "time"

// Limiter paces a loop to the display refresh rate.
type Limiter interface {
	// WaitForNextRefresh blocks until the next refresh cycle is due.
	// Returns immediately if the loop is behind schedule.
	WaitForNextRefresh()

	// Reset resets the pacing state, useful after pauses.
	Reset()
}

// NewNoOpLimiter returns a limiter that never waits.
func NewNoOpLimiter() Limiter {
	return &noOpLimiter{}
}

type noOpLimiter struct{}

func (n *noOpLimiter) WaitForNextRefresh() {}
func (n *noOpLimiter) Reset()              {}

// New returns the default limiter for the given refresh period.
func New(period time.Duration) Limiter {
	return NewAdaptiveLimiter(period)
}
