package sched

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// CurrentThread returns the ThreadPolicy of whichever OS thread calls it.
func CurrentThread() ThreadPolicy {
	return linuxThread{}
}

type linuxThread struct{}

func (linuxThread) Get() (Policy, error) {
	// pid 0 selects the calling thread
	attr, err := unix.SchedGetAttr(0, 0)
	if err != nil {
		return Policy{}, fmt.Errorf("sched_getattr: %w", err)
	}
	return Policy{
		Class:    Class(attr.Policy),
		Flags:    attr.Flags,
		Nice:     attr.Nice,
		Priority: attr.Priority,
		Runtime:  time.Duration(attr.Runtime),
		Deadline: time.Duration(attr.Deadline),
		Period:   time.Duration(attr.Period),
		UtilMin:  attr.Util_min,
		UtilMax:  attr.Util_max,
	}, nil
}

func (linuxThread) Set(p Policy) error {
	attr := unix.SchedAttr{
		Policy:   uint32(p.Class),
		Flags:    p.Flags,
		Nice:     p.Nice,
		Priority: p.Priority,
		Runtime:  uint64(p.Runtime),
		Deadline: uint64(p.Deadline),
		Period:   uint64(p.Period),
		Util_min: p.UtilMin,
		Util_max: p.UtilMax,
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("sched_setattr(%s): %w", p, err)
	}
	return nil
}
