package monitor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/monitor"
	"github.com/valerio/go-vblank/vblank/registry"
	"github.com/valerio/go-vblank/vblank/timing"
)

func result(count uint64, ts float64) registry.Result {
	return registry.Result{Sample: display.Sample{Count: count, Timestamp: ts}, Source: registry.SourceKernel}
}

func TestTracker(t *testing.T) {
	tr := monitor.NewTracker(4)

	f := tr.Observe(result(10, 1.0), 1.001)
	assert.Equal(t, display.ID(4), f.Display)
	assert.Zero(t, f.Interval)
	assert.Equal(t, time.Millisecond, f.Age().Round(time.Microsecond))

	f = tr.Observe(result(10, 1.0), 1.005)
	assert.Zero(t, f.Interval)

	f = tr.Observe(result(11, 1.01), 1.011)
	assert.InDelta(t, float64(10*time.Millisecond), float64(f.Interval), float64(time.Microsecond))

	// Two vblanks missed between queries.
	f = tr.Observe(result(14, 1.04), 1.041)
	assert.InDelta(t, float64(10*time.Millisecond), float64(f.Interval), float64(time.Microsecond))
	assert.Equal(t, uint64(4), f.Stats.Vblanks)
	assert.Equal(t, uint64(2), f.Stats.Missed)
	assert.Equal(t, 4, f.Stats.Frames)
	assert.InDelta(t, float64(10*time.Millisecond), float64(f.Stats.MeanInterval()), float64(time.Microsecond))

	f = tr.Observe(registry.Result{Sample: display.Unavailable}, 1.05)
	assert.Equal(t, 1, f.Stats.Unavailable)
	assert.Zero(t, f.Age())

	tr.Reset()
	f = tr.Observe(result(20, 1.1), 1.1)
	assert.Equal(t, 1, f.Stats.Frames)
	assert.Zero(t, f.Stats.Vblanks)
	assert.Zero(t, f.Stats.MeanInterval())
}

type scriptedQuerier struct {
	n   uint64
	err error
}

func (q *scriptedQuerier) Query(registry.Handle) (registry.Result, error) {
	if q.err != nil {
		return registry.Result{}, q.err
	}
	q.n++
	return result(q.n, float64(q.n)/60), nil
}

type recordingBackend struct {
	initErr  error
	frames   []monitor.Frame
	quitAt   int
	resetAt  int
	cleanups int
}

func (b *recordingBackend) Init(monitor.BackendConfig) error { return b.initErr }

func (b *recordingBackend) Update(f monitor.Frame) ([]monitor.Event, error) {
	b.frames = append(b.frames, f)
	switch len(b.frames) {
	case b.quitAt:
		return []monitor.Event{{Type: monitor.EventQuit}}, nil
	case b.resetAt:
		return []monitor.Event{{Type: monitor.EventReset}}, nil
	}
	return nil, nil
}

func (b *recordingBackend) Cleanup() error {
	b.cleanups++
	return nil
}

func TestRun(t *testing.T) {
	t.Run("quits on backend request", func(t *testing.T) {
		b := &recordingBackend{quitAt: 5, resetAt: 3}
		err := monitor.Run(context.Background(), b, &scriptedQuerier{}, registry.Handle{}, timing.NewNoOpLimiter(), monitor.BackendConfig{})
		require.NoError(t, err)

		require.Len(t, b.frames, 5)
		assert.Equal(t, uint64(5), b.frames[4].Result.Count)
		// Statistics restarted after the reset on frame 3.
		assert.Equal(t, 2, b.frames[4].Stats.Frames)
		assert.Equal(t, 1, b.cleanups)
	})

	t.Run("stops on context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		b := &recordingBackend{}
		err := monitor.Run(ctx, b, &scriptedQuerier{}, registry.Handle{}, timing.NewNoOpLimiter(), monitor.BackendConfig{})
		require.NoError(t, err)
		assert.Empty(t, b.frames)
		assert.Equal(t, 1, b.cleanups)
	})

	t.Run("query error", func(t *testing.T) {
		b := &recordingBackend{}
		err := monitor.Run(context.Background(), b, &scriptedQuerier{err: registry.ErrContractViolation}, registry.Handle{}, timing.NewNoOpLimiter(), monitor.BackendConfig{})
		assert.ErrorIs(t, err, registry.ErrContractViolation)
	})

	t.Run("init error", func(t *testing.T) {
		b := &recordingBackend{initErr: errors.New("no tty")}
		err := monitor.Run(context.Background(), b, &scriptedQuerier{}, registry.Handle{}, timing.NewNoOpLimiter(), monitor.BackendConfig{})
		assert.Error(t, err)
		assert.Zero(t, b.cleanups)
	})
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "quit", monitor.EventQuit.String())
	assert.Equal(t, "reset", monitor.EventReset.String())
	assert.Equal(t, "event(9)", monitor.EventType(9).String())
}
