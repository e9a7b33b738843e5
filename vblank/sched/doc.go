// Package sched temporarily elevates the calling thread to a real-time,
// time-constrained scheduling policy and restores it afterwards.
//
// The boost is meant for short calibration windows that sample vblank
// timestamps back to back. A Scheduler holds a single saved-policy slot:
// Boost snapshots the thread's current policy before switching, and Restore
// reapplies exactly that snapshot, even if it was itself a real-time policy.
//
// Policies apply to OS threads, not goroutines. Callers must hold
// runtime.LockOSThread between Boost and Restore, or use Scheduler.Do which
// does it for them.
//
// A Scheduler is not reentrant across threads. Boost and Restore must be
// paired within one dynamic scope from a single call site; two interleaved
// boost/restore pairs would share the one saved slot. Restore rejects tokens
// from an earlier boost cycle with ErrStaleToken, and a Boost issued while
// already boosted returns a nested token whose Restore is a no-op, so the
// outermost pair always owns the saved policy.
package sched
