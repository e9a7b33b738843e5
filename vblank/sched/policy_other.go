//go:build !linux

package sched

// CurrentThread returns a ThreadPolicy that always fails with ErrUnsupported.
func CurrentThread() ThreadPolicy {
	return unsupportedThread{}
}

type unsupportedThread struct{}

func (unsupportedThread) Get() (Policy, error) { return Policy{}, ErrUnsupported }
func (unsupportedThread) Set(Policy) error     { return ErrUnsupported }
