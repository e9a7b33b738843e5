package kernel

import (
	"context"

	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/hosttime"
	"github.com/valerio/go-vblank/vblank/timing"
)

// Publisher is the producer side of a vblank page. It updates the counter and
// the timestamp with two separate stores, the same way a driver interrupt
// handler does, so readers can observe a half-written pair.
type Publisher struct {
	display display.ID
	page    *wordRegion
	count   uint64
	closeFn func() error
}

// Display returns the display this publisher produces for.
func (p *Publisher) Display() display.ID {
	return p.display
}

// Publish stores a new count and timestamp (host nanoseconds).
func (p *Publisher) Publish(count, timestampNanos uint64) {
	p.count = count
	p.page.storeCount(count)
	p.page.storeTimestamp(timestampNanos)
}

// Tick records a vblank at the current host time.
func (p *Publisher) Tick() display.Sample {
	now := hosttime.Nanos()
	p.Publish(p.count+1, now)
	return display.Sample{Count: p.count, Timestamp: hosttime.Seconds(now)}
}

// Run ticks once per refresh until ctx is done.
func (p *Publisher) Run(ctx context.Context, limiter timing.Limiter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		limiter.WaitForNextRefresh()
		p.Tick()
	}
}

// Close releases the page. In-memory publishers have nothing to release.
func (p *Publisher) Close() error {
	if p.closeFn == nil {
		return nil
	}
	fn := p.closeFn
	p.closeFn = nil
	return fn()
}
