package display

import (
	"fmt"
	"time"
)

// ID identifies a physical display (screen number).
type ID uint32

// Main is the primary display. Kernel connections fall back to it when a
// display's own service cannot be reached.
const Main ID = 0

func (id ID) String() string {
	return fmt.Sprintf("display %d", uint32(id))
}

// Refresh constants
const (
	// DefaultRefreshHz is the nominal refresh rate assumed when nothing better is known
	DefaultRefreshHz = 60.0
	// MinRefreshHz is the lowest refresh rate accepted from configuration
	MinRefreshHz = 1.0
	// MaxRefreshHz is the highest refresh rate accepted from configuration
	MaxRefreshHz = 1000.0
)

// RefreshPeriod returns the duration of one refresh cycle at hz.
func RefreshPeriod(hz float64) time.Duration {
	if hz <= 0 {
		hz = DefaultRefreshHz
	}
	return time.Duration(float64(time.Second) / hz)
}

// Sample is a (count, timestamp) pair identifying one vblank. Timestamp is
// in host time seconds.
type Sample struct {
	Count     uint64
	Timestamp float64
}

// Unavailable is the sentinel sample reported when no source can answer.
var Unavailable = Sample{Count: 0, Timestamp: -1}

// Valid reports whether s carries a real timestamp.
func (s Sample) Valid() bool {
	return s.Timestamp >= 0
}
