package compositor

import (
	"sync"
	"time"

	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/hosttime"
	"github.com/valerio/go-vblank/vblank/timing"
)

// SoftwareProvider creates display links paced in software at a fixed
// refresh rate. Device time is nanoseconds since the link started.
type SoftwareProvider struct {
	RefreshHz float64
	// NewLimiter overrides the pacing limiter, mainly for tests.
	NewLimiter func(period time.Duration) timing.Limiter
}

func (p *SoftwareProvider) CreateLink(id display.ID) (Link, error) {
	period := display.RefreshPeriod(p.RefreshHz)
	newLimiter := p.NewLimiter
	if newLimiter == nil {
		newLimiter = timing.New
	}
	return &softwareLink{
		display: id,
		period:  period,
		limiter: newLimiter(period),
	}, nil
}

type softwareLink struct {
	display display.ID
	period  time.Duration
	limiter timing.Limiter

	mu      sync.Mutex
	cb      OutputCallback
	epoch   uint64
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func (s *softwareLink) SetOutputCallback(cb OutputCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

func (s *softwareLink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cb == nil {
		return ErrNoCallback
	}
	if s.running {
		return nil
	}

	s.epoch = hosttime.Nanos()
	s.done = make(chan struct{})
	s.running = true
	s.limiter.Reset()

	s.wg.Add(1)
	go s.run(s.cb, s.epoch, s.done)
	return nil
}

func (s *softwareLink) run(cb OutputCallback, epoch uint64, done <-chan struct{}) {
	defer s.wg.Done()
	for {
		s.limiter.WaitForNextRefresh()
		select {
		case <-done:
			return
		default:
		}
		cb(DeviceTime{Ticks: hosttime.Nanos() - epoch, Rate: hosttime.NanosPerSecond})
	}
}

func (s *softwareLink) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *softwareLink) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *softwareLink) Release() {
	s.Stop()
}

func (s *softwareLink) TranslateTime(t DeviceTime) (uint64, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()
	if epoch == 0 {
		return 0, ErrNotStarted
	}
	return epoch + hosttime.Scale(t.Ticks, t.Rate), nil
}

func (s *softwareLink) RefreshPeriod() time.Duration {
	return s.period
}

func (s *softwareLink) OutputLatency() time.Duration {
	return 0
}
