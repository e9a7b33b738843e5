package calibrate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valerio/go-vblank/vblank/calibrate"
	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/registry"
	"github.com/valerio/go-vblank/vblank/sched"
	"github.com/valerio/go-vblank/vblank/timing"
)

// steppingQuerier reports a new vblank on every step-th query.
type steppingQuerier struct {
	queries int
	step    int
	period  float64
	skip    map[uint64]bool
	err     error
}

func (q *steppingQuerier) Query(registry.Handle) (registry.Result, error) {
	if q.err != nil {
		return registry.Result{}, q.err
	}
	q.queries++
	count := uint64(q.queries/q.step) + 1
	for q.skip[count] {
		q.queries += q.step
		count++
	}
	return registry.Result{
		Sample: display.Sample{Count: count, Timestamp: 100 + float64(count)*q.period},
		Source: registry.SourceKernel,
	}, nil
}

type recordingThread struct {
	current sched.Policy
	sets    int
	setErr  error
}

func (r *recordingThread) Get() (sched.Policy, error) { return r.current, nil }

func (r *recordingThread) Set(p sched.Policy) error {
	if r.setErr != nil {
		return r.setErr
	}
	r.sets++
	r.current = p
	return nil
}

func noWait(time.Duration) timing.Limiter { return timing.NewNoOpLimiter() }

func TestMeasureSteadyRefresh(t *testing.T) {
	q := &steppingQuerier{step: 3, period: 1.0 / 60}

	rep, err := calibrate.Measure(context.Background(), q, registry.Handle{}, calibrate.Options{
		Samples:    30,
		NewLimiter: noWait,
	})
	require.NoError(t, err)

	assert.Equal(t, 30, rep.Samples)
	assert.Equal(t, registry.SourceKernel, rep.Source)
	assert.InDelta(t, float64(time.Second/60), float64(rep.Interval), float64(time.Microsecond))
	assert.LessOrEqual(t, rep.StdDev, time.Microsecond)
	assert.InDelta(t, 60.0, rep.RefreshHz(), 0.01)
	assert.False(t, rep.Boosted)
}

func TestMeasureDividesMissedVblanks(t *testing.T) {
	q := &steppingQuerier{step: 1, period: 0.01, skip: map[uint64]bool{5: true, 6: true, 12: true}}

	rep, err := calibrate.Measure(context.Background(), q, registry.Handle{}, calibrate.Options{
		Samples:    10,
		NewLimiter: noWait,
	})
	require.NoError(t, err)
	assert.InDelta(t, float64(10*time.Millisecond), float64(rep.Interval), float64(time.Microsecond))
	assert.InDelta(t, float64(10*time.Millisecond), float64(rep.Max), float64(time.Microsecond))
}

func TestMeasureUnderBoost(t *testing.T) {
	thread := &recordingThread{current: sched.Policy{Class: sched.ClassOther}}
	s := sched.New(thread, sched.DefaultConstraint)

	rep, err := calibrate.Measure(context.Background(), &steppingQuerier{step: 2, period: 0.02}, registry.Handle{}, calibrate.Options{
		Samples:    5,
		Scheduler:  s,
		NewLimiter: noWait,
	})
	require.NoError(t, err)

	assert.True(t, rep.Boosted)
	assert.Equal(t, 2, thread.sets)
	assert.Equal(t, sched.ClassOther, thread.current.Class)
	assert.False(t, s.Boosted())
}

func TestMeasureBoostFailureStillMeasures(t *testing.T) {
	thread := &recordingThread{setErr: errors.New("operation not permitted")}
	s := sched.New(thread, sched.DefaultConstraint)

	rep, err := calibrate.Measure(context.Background(), &steppingQuerier{step: 1, period: 0.02}, registry.Handle{}, calibrate.Options{
		Samples:    5,
		Scheduler:  s,
		NewLimiter: noWait,
	})
	require.NoError(t, err)
	assert.False(t, rep.Boosted)
	assert.Equal(t, 5, rep.Samples)
}

func TestMeasureErrors(t *testing.T) {
	t.Run("query error", func(t *testing.T) {
		_, err := calibrate.Measure(context.Background(), &steppingQuerier{err: registry.ErrContractViolation}, registry.Handle{}, calibrate.Options{
			Samples:    5,
			NewLimiter: noWait,
		})
		assert.ErrorIs(t, err, registry.ErrContractViolation)
	})

	t.Run("cancelled before samples", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := calibrate.Measure(ctx, &steppingQuerier{step: 1, period: 0.01}, registry.Handle{}, calibrate.Options{
			Samples:    5,
			NewLimiter: noWait,
		})
		assert.ErrorIs(t, err, calibrate.ErrNoSamples)
	})
}
