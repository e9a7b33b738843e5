package sched

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupported is returned when thread policies cannot be queried or set on this platform.
	ErrUnsupported = errors.New("thread scheduling policy not supported on this platform")
	// ErrStaleToken is returned by Restore for a token from an earlier boost cycle.
	ErrStaleToken = errors.New("stale realtime boost token")
)

// Class is a kernel scheduling class. Values match the Linux SCHED_* numbers.
type Class uint32

const (
	ClassOther    Class = 0
	ClassFIFO     Class = 1
	ClassRR       Class = 2
	ClassBatch    Class = 3
	ClassIdle     Class = 5
	ClassDeadline Class = 6
)

func (c Class) String() string {
	switch c {
	case ClassOther:
		return "other"
	case ClassFIFO:
		return "fifo"
	case ClassRR:
		return "rr"
	case ClassBatch:
		return "batch"
	case ClassIdle:
		return "idle"
	case ClassDeadline:
		return "deadline"
	default:
		return fmt.Sprintf("class(%d)", uint32(c))
	}
}

// Policy is a complete snapshot of a thread's scheduling parameters.
type Policy struct {
	Class    Class
	Flags    uint64
	Nice     int32
	Priority uint32
	Runtime  time.Duration
	Deadline time.Duration
	Period   time.Duration
	UtilMin  uint32
	UtilMax  uint32
}

// Realtime reports whether p is one of the real-time classes.
func (p Policy) Realtime() bool {
	return p.Class == ClassFIFO || p.Class == ClassRR || p.Class == ClassDeadline
}

func (p Policy) String() string {
	if p.Class == ClassDeadline {
		return fmt.Sprintf("%s runtime=%v deadline=%v period=%v", p.Class, p.Runtime, p.Deadline, p.Period)
	}
	if p.Realtime() {
		return fmt.Sprintf("%s priority=%d", p.Class, p.Priority)
	}
	return fmt.Sprintf("%s nice=%d", p.Class, p.Nice)
}

// ThreadPolicy reads and writes the scheduling policy of the calling thread.
type ThreadPolicy interface {
	Get() (Policy, error)
	Set(Policy) error
}

// Constraint describes the time-constrained real-time policy applied while boosted:
// the thread is guaranteed Runtime of CPU within Deadline of every Period.
type Constraint struct {
	Runtime  time.Duration
	Deadline time.Duration
	Period   time.Duration
}

// DefaultConstraint grants 2ms of uninterrupted runtime within 3ms of every
// 60Hz refresh, enough to poll right before and after a vblank.
var DefaultConstraint = Constraint{
	Runtime:  2 * time.Millisecond,
	Deadline: 3 * time.Millisecond,
	Period:   time.Second / 60,
}

// Validate checks runtime <= deadline <= period.
func (c Constraint) Validate() error {
	if c.Runtime <= 0 {
		return fmt.Errorf("realtime runtime must be positive, got %v", c.Runtime)
	}
	if c.Deadline < c.Runtime {
		return fmt.Errorf("realtime deadline %v shorter than runtime %v", c.Deadline, c.Runtime)
	}
	if c.Period < c.Deadline {
		return fmt.Errorf("realtime period %v shorter than deadline %v", c.Period, c.Deadline)
	}
	return nil
}

// Policy returns the thread policy implementing c.
func (c Constraint) Policy() Policy {
	return Policy{
		Class:    ClassDeadline,
		Runtime:  c.Runtime,
		Deadline: c.Deadline,
		Period:   c.Period,
	}
}
