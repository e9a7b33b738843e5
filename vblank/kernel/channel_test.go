package kernel

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/hosttime"
)

// scriptedRegion simulates an uncoordinated producer on a tick clock. Every
// field load costs one tick and the settle wait costs settleTicks; producer
// writes scheduled for a tick run as the clock passes it.
type scriptedRegion struct {
	count, ts uint64
	clock     int
	steps     map[int][]func(*scriptedRegion)
}

func (r *scriptedRegion) advance(ticks int) {
	for i := 0; i < ticks; i++ {
		r.clock++
		for _, step := range r.steps[r.clock] {
			step(r)
		}
	}
}

func (r *scriptedRegion) LoadCount() uint64 {
	r.advance(1)
	return r.count
}

func (r *scriptedRegion) LoadTimestamp() uint64 {
	r.advance(1)
	return r.ts
}

type fixedConn struct {
	region   Region
	mapErr   error
	unmapped int
	closed   int
}

func (c *fixedConn) Map() (Region, error) {
	if c.mapErr != nil {
		return nil, c.mapErr
	}
	return c.region, nil
}
func (c *fixedConn) Unmap() error { c.unmapped++; return nil }
func (c *fixedConn) Close() error { c.closed++; return nil }

type fixedService struct {
	conns map[display.ID]*fixedConn
	calls []display.ID
}

func (s *fixedService) Connect(id display.ID) (Conn, error) {
	s.calls = append(s.calls, id)
	conn, ok := s.conns[id]
	if !ok {
		return nil, ErrUnavailable
	}
	return conn, nil
}

func openScripted(t *testing.T, region Region, opts ...Option) *Channel {
	t.Helper()
	svc := &fixedService{conns: map[display.ID]*fixedConn{3: {region: region}}}
	ch, err := Open(svc, 3, append([]Option{WithSettle(0)}, opts...)...)
	require.NoError(t, err)
	return ch
}

// snapshot is one complete producer write: the pair the reader may return.
type snapshot struct{ count, ts uint64 }

const settleTicks = 8

func TestPollNeverReturnsTornPair(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, countFirst := range []bool{true, false} {
		for iter := 0; iter < 2000; iter++ {
			region := &scriptedRegion{count: 10, ts: 10_000, steps: map[int][]func(*scriptedRegion){}}
			valid := map[snapshot]bool{{10, 10_000}: true}

			// Schedule producer updates at random ticks. The two stores of an
			// update land at most settleTicks apart, i.e. within the reader's
			// settle window, like an interrupt handler against a 250us pause.
			last := snapshot{10, 10_000}
			at := 1 + rng.Intn(12)
			for u := 0; u < 1+rng.Intn(4); u++ {
				snap := snapshot{last.count + 1, last.ts + 16_666}
				last = snap
				valid[snap] = true
				gap := rng.Intn(settleTicks + 1)

				writeCount := func(r *scriptedRegion) { r.count = snap.count }
				writeTS := func(r *scriptedRegion) { r.ts = snap.ts }
				first, second := writeCount, writeTS
				if !countFirst {
					first, second = writeTS, writeCount
				}
				region.steps[at] = append(region.steps[at], first)
				region.steps[at+gap] = append(region.steps[at+gap], second)
				at += gap + 1 + rng.Intn(6)
			}

			ch := openScripted(t, region, WithSettle(time.Nanosecond))
			ch.wait = func(time.Duration) { region.advance(settleTicks) }

			sample, ok := ch.Poll()
			require.True(t, ok, "poll must settle once the producer goes quiet")

			got := snapshot{sample.Count, uint64(sample.Timestamp*float64(hosttime.NanosPerSecond) + 0.5)}
			require.True(t, valid[got], "torn read %+v (count first: %v, iter %d)", got, countFirst, iter)
		}
	}
}

func TestPollStablePage(t *testing.T) {
	svc := NewMemService()
	pub := svc.Publisher(1)
	pub.Publish(42, 2_500_000_000)

	ch, err := Open(svc, 1, WithSettle(0))
	require.NoError(t, err)
	defer ch.Close()

	sample, ok := ch.Poll()
	require.True(t, ok)
	assert.Equal(t, uint64(42), sample.Count)
	assert.Equal(t, 2.5, sample.Timestamp)
}

// churningRegion changes on every load, like a wedged producer.
type churningRegion struct{ n uint64 }

func (r *churningRegion) LoadCount() uint64     { r.n++; return r.n }
func (r *churningRegion) LoadTimestamp() uint64 { r.n++; return r.n }

func TestPollBoundedOnWedgedProducer(t *testing.T) {
	region := &churningRegion{}
	ch := openScripted(t, region, WithMaxAttempts(8))

	sample, ok := ch.Poll()
	assert.False(t, ok)
	assert.Equal(t, display.Unavailable, sample)
	assert.Equal(t, uint64(8*4), region.n)
}

func TestOpenFallsBackToMainDisplay(t *testing.T) {
	mainConn := &fixedConn{region: &scriptedRegion{count: 1, ts: 1}}
	svc := &fixedService{conns: map[display.ID]*fixedConn{display.Main: mainConn}}

	ch, err := Open(svc, 5)
	require.NoError(t, err)
	assert.Equal(t, []display.ID{5, display.Main}, svc.calls)
	assert.Equal(t, display.ID(5), ch.Display())
	assert.True(t, ch.Mapped())
}

func TestOpenUnreachable(t *testing.T) {
	svc := &fixedService{}
	ch, err := Open(svc, 2)
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenMapFailureClosesConnection(t *testing.T) {
	conn := &fixedConn{mapErr: errors.New("no memory")}
	svc := &fixedService{conns: map[display.ID]*fixedConn{4: conn}}

	ch, err := Open(svc, 4)
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, ErrNotMapped)
	assert.Equal(t, 1, conn.closed)
}

func TestCloseIdempotent(t *testing.T) {
	conn := &fixedConn{region: &scriptedRegion{}}
	svc := &fixedService{conns: map[display.ID]*fixedConn{6: conn}}

	ch, err := Open(svc, 6)
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, 1, conn.unmapped)
	assert.Equal(t, 1, conn.closed)
	assert.False(t, ch.Mapped())

	_, ok := ch.Poll()
	assert.False(t, ok)

	var nilChannel *Channel
	assert.NoError(t, nilChannel.Close())
}

func TestMemServiceRemove(t *testing.T) {
	svc := NewMemService()
	svc.Publisher(9)
	_, err := svc.Connect(9)
	require.NoError(t, err)

	svc.Remove(9)
	_, err = svc.Connect(9)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPublisherTick(t *testing.T) {
	svc := NewMemService()
	pub := svc.Publisher(0)

	first := pub.Tick()
	second := pub.Tick()
	assert.Equal(t, uint64(1), first.Count)
	assert.Equal(t, uint64(2), second.Count)
	assert.GreaterOrEqual(t, second.Timestamp, first.Timestamp)

	ch, err := Open(svc, 0, WithSettle(0))
	require.NoError(t, err)
	got, ok := ch.Poll()
	require.True(t, ok)
	assert.Equal(t, second, got)
	assert.NoError(t, pub.Close())
}
