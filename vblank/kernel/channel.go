// Package kernel reads vblank counters and timestamps from a page of memory
// shared with a kernel or driver producer. The producer cannot take a lock,
// so reads use a double-read-until-stable protocol instead.
package kernel

import (
	"errors"
	"fmt"
	"time"

	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/hosttime"
)

// Poll defaults
const (
	// DefaultSettle is the pause between the first and second reading of a pair
	DefaultSettle = 250 * time.Microsecond
	// DefaultMaxPollAttempts bounds the read loop against a wedged producer
	DefaultMaxPollAttempts = 64
)

// Channel is an open, mapped connection to a display's vblank page.
type Channel struct {
	display     display.ID
	conn        Conn
	region      Region
	settle      time.Duration
	maxAttempts int
	wait        func(time.Duration)
}

// Option configures a Channel.
type Option func(*Channel)

// WithSettle sets the pause between the two readings of each attempt.
func WithSettle(d time.Duration) Option {
	return func(c *Channel) {
		c.settle = d
	}
}

// WithMaxAttempts sets how many double readings Poll tries before giving up.
func WithMaxAttempts(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// Open connects to id's vblank service and maps its page. If the display's
// own service cannot be reached, the main display's service is tried. Any
// failure leaves nothing open.
func Open(svc Service, id display.ID, opts ...Option) (*Channel, error) {
	conn, err := svc.Connect(id)
	if err != nil && id != display.Main {
		var mainErr error
		conn, mainErr = svc.Connect(display.Main)
		if mainErr != nil {
			err = errors.Join(err, mainErr)
		} else {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to vblank service for %s: %w", id, err)
	}

	region, err := conn.Map()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrNotMapped, id, err)
	}

	c := &Channel{
		display:     id,
		conn:        conn,
		region:      region,
		settle:      DefaultSettle,
		maxAttempts: DefaultMaxPollAttempts,
		wait:        spin,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Display returns the display the channel was opened for.
func (c *Channel) Display() display.ID {
	return c.display
}

// Mapped reports whether the channel still has a mapping.
func (c *Channel) Mapped() bool {
	return c != nil && c.region != nil
}

// Poll returns the latest vblank count and timestamp. Both fields are read
// twice, with an atomic load per field read, until two consecutive readings
// agree. ok is false if the channel is closed or the readings never settle
// within the attempt bound.
func (c *Channel) Poll() (sample display.Sample, ok bool) {
	if !c.Mapped() {
		return display.Unavailable, false
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		count := c.region.LoadCount()
		t1 := c.region.LoadTimestamp()
		if c.settle > 0 {
			c.wait(c.settle)
		}
		refCount := c.region.LoadCount()
		t2 := c.region.LoadTimestamp()

		if count == refCount && t1 == t2 {
			return display.Sample{Count: count, Timestamp: hosttime.Seconds(t1)}, true
		}
	}

	return display.Unavailable, false
}

// Close unmaps the page and closes the connection. It is safe to call more
// than once.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}

	var errs []error
	if c.region != nil {
		if err := c.conn.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("unmap: %w", err))
		}
		c.region = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		c.conn = nil
	}
	return errors.Join(errs...)
}

// spin busy-waits for d, sleeps are far too coarse at this scale.
func spin(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}
