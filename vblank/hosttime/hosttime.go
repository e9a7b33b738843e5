// Package hosttime provides the host time base shared by every vblank
// source: monotonic nanoseconds, reported to callers as float64 seconds.
package hosttime

import "time"

// NanosPerSecond is the number of host time ticks per second.
const NanosPerSecond = uint64(time.Second)

// Now returns the current host time in seconds.
func Now() float64 {
	return Seconds(Nanos())
}

// Nanos returns the current host time in nanoseconds.
func Nanos() uint64 {
	return nanotime()
}

// Seconds converts host nanoseconds to seconds.
func Seconds(ns uint64) float64 {
	return float64(ns) / float64(NanosPerSecond)
}

// Scale converts a tick count from a clock running at ticksPerSecond into
// host nanoseconds.
func Scale(ticks, ticksPerSecond uint64) uint64 {
	if ticksPerSecond == 0 {
		return 0
	}
	if ticksPerSecond == NanosPerSecond {
		return ticks
	}
	whole := ticks / ticksPerSecond
	frac := ticks % ticksPerSecond
	return whole*NanosPerSecond + frac*NanosPerSecond/ticksPerSecond
}
