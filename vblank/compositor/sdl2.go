//go:build sdl2

package compositor

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/veandco/go-sdl2/sdl"

	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/hosttime"
)

// SDLProvider creates display links from an SDL2 renderer with vsync
// enabled: every Present returns right after a vblank.
// Note: building this requires SDL2 development libraries installed.
// Default builds use a stub, see build tags (sdl2)
type SDLProvider struct{}

func (SDLProvider) CreateLink(id display.ID) (Link, error) {
	return &sdlLink{display: id}, nil
}

type sdlLink struct {
	display display.ID

	mu      sync.Mutex
	cb      OutputCallback
	done    chan struct{}
	wg      sync.WaitGroup
	running bool

	// clock correlation between the SDL performance counter and host time
	baseTicks uint64
	baseHost  uint64
	period    time.Duration
}

func (s *sdlLink) SetOutputCallback(cb OutputCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

func (s *sdlLink) Start() error {
	s.mu.Lock()
	if s.cb == nil {
		s.mu.Unlock()
		return ErrNoCallback
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	cb := s.cb
	s.done = make(chan struct{})
	s.mu.Unlock()

	ready := make(chan error, 1)
	s.wg.Add(1)
	go s.run(cb, s.done, ready)

	if err := <-ready; err != nil {
		s.wg.Wait()
		return err
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *sdlLink) run(cb OutputCallback, done <-chan struct{}, ready chan<- error) {
	defer s.wg.Done()

	// SDL windows and renderers must stay on the thread that created them.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := sdl.InitSubSystem(sdl.INIT_VIDEO); err != nil {
		ready <- fmt.Errorf("failed to initialize SDL2 video: %v", err)
		return
	}
	defer sdl.QuitSubSystem(sdl.INIT_VIDEO)

	pos := int32(sdl.WINDOWPOS_CENTERED_MASK) | int32(s.display)
	window, err := sdl.CreateWindow("vblank", pos, pos, 1, 1, sdl.WINDOW_BORDERLESS)
	if err != nil {
		ready <- fmt.Errorf("failed to create window: %v", err)
		return
	}
	defer window.Destroy()

	renderer, err := sdl.CreateRenderer(window, -1, sdl.RENDERER_ACCELERATED|sdl.RENDERER_PRESENTVSYNC)
	if err != nil {
		ready <- fmt.Errorf("failed to create renderer: %v", err)
		return
	}
	defer renderer.Destroy()

	var period time.Duration
	if mode, err := sdl.GetCurrentDisplayMode(int(s.display)); err == nil && mode.RefreshRate > 0 {
		period = display.RefreshPeriod(float64(mode.RefreshRate))
	}

	s.mu.Lock()
	s.baseTicks = sdl.GetPerformanceCounter()
	s.baseHost = hosttime.Nanos()
	s.period = period
	s.mu.Unlock()

	ready <- nil
	rate := sdl.GetPerformanceFrequency()

	for {
		select {
		case <-done:
			return
		default:
		}

		renderer.Clear()
		renderer.Present()
		cb(DeviceTime{Ticks: sdl.GetPerformanceCounter(), Rate: rate})

		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			if _, ok := event.(*sdl.QuitEvent); ok {
				slog.Debug("SDL quit event ignored by display link", "display", s.display)
			}
		}
	}
}

func (s *sdlLink) Stop() error {
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

func (s *sdlLink) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *sdlLink) Release() {
	s.Stop()
}

func (s *sdlLink) TranslateTime(t DeviceTime) (uint64, error) {
	s.mu.Lock()
	baseTicks, baseHost := s.baseTicks, s.baseHost
	s.mu.Unlock()

	if baseHost == 0 {
		return 0, ErrNotStarted
	}
	if t.Ticks < baseTicks {
		return 0, fmt.Errorf("device time %d precedes link start %d", t.Ticks, baseTicks)
	}
	return baseHost + hosttime.Scale(t.Ticks-baseTicks, t.Rate), nil
}

func (s *sdlLink) RefreshPeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

func (s *sdlLink) OutputLatency() time.Duration {
	return 0
}
