// Package vblank is the entry point to the vblank timestamp subsystem. A
// Subsystem wires the configuration to a display registry, its kernel and
// compositor sources, and the real-time scheduler used while sampling.
//
// Typical use:
//
//	sys, err := vblank.New(cfg)
//	h, err := sys.Open(display.Main)
//	res, err := sys.Query(h)
//	sys.Close(h)
package vblank

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/valerio/go-vblank/vblank/calibrate"
	"github.com/valerio/go-vblank/vblank/compositor"
	"github.com/valerio/go-vblank/vblank/config"
	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/kernel"
	"github.com/valerio/go-vblank/vblank/registry"
	"github.com/valerio/go-vblank/vblank/sched"
)

type (
	// Handle is a lease on a display's timing sources.
	Handle = registry.Handle
	// Result is a vblank query answer.
	Result = registry.Result
	// Token pairs a Boost with its Restore.
	Token = sched.Token
)

// Subsystem owns the registry and scheduler for one process.
type Subsystem struct {
	cfg   *config.Config
	reg   *registry.Registry
	sched *sched.Scheduler
}

type options struct {
	kernel        kernel.Service
	compositor    compositor.Provider
	hasCompositor bool
	thread        sched.ThreadPolicy
}

// Option overrides a source chosen from the configuration.
type Option func(*options)

// WithKernelService replaces the shared memory kernel service.
func WithKernelService(svc kernel.Service) Option {
	return func(o *options) {
		o.kernel = svc
	}
}

// WithCompositor replaces the configured compositor provider. A nil
// provider disables the compositor fallback.
func WithCompositor(p compositor.Provider) Option {
	return func(o *options) {
		o.compositor = p
		o.hasCompositor = true
	}
}

// WithThreadPolicy replaces the calling-thread scheduling control.
func WithThreadPolicy(tp sched.ThreadPolicy) Option {
	return func(o *options) {
		o.thread = tp
	}
}

// New builds a Subsystem from cfg. A nil cfg uses config.Default.
func New(cfg *config.Config, opts ...Option) (*Subsystem, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		kernel: kernel.ShmService{Dir: cfg.ShmDir},
		thread: sched.CurrentThread(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.hasCompositor {
		o.compositor = compositorFor(cfg)
	}

	regOpts := []registry.Option{registry.WithKernelService(o.kernel, cfg.KernelOptions()...)}
	if o.compositor != nil {
		regOpts = append(regOpts, registry.WithCompositor(o.compositor))
	}

	policy := registry.Policy{
		Mode:             cfg.TimestampingMode,
		PreferCompositor: cfg.PreferCompositor,
		KernelUnreliable: cfg.KernelUnreliable,
		Verbosity:        cfg.Verbosity,
	}

	slog.Debug("Vblank subsystem configured",
		"mode", policy.Mode,
		"compositor", cfg.Compositor,
		"prefer_compositor", policy.PreferCompositor,
		"kernel_unreliable", policy.KernelUnreliable)

	return &Subsystem{
		cfg:   cfg,
		reg:   registry.New(policy, regOpts...),
		sched: sched.New(o.thread, cfg.Constraint()),
	}, nil
}

func compositorFor(cfg *config.Config) compositor.Provider {
	switch cfg.Compositor {
	case config.CompositorSDL:
		return compositor.SDLProvider{}
	case config.CompositorNone:
		return nil
	default:
		return &compositor.SoftwareProvider{RefreshHz: cfg.RefreshHz}
	}
}

// Config returns the configuration the subsystem was built from.
func (s *Subsystem) Config() *config.Config {
	return s.cfg
}

// Registry exposes the display registry for diagnostics.
func (s *Subsystem) Registry() *registry.Registry {
	return s.reg
}

// Open acquires id's timing sources.
func (s *Subsystem) Open(id display.ID) (Handle, error) {
	return s.reg.Acquire(id)
}

// Close releases a handle returned by Open.
func (s *Subsystem) Close(h Handle) error {
	return s.reg.Release(h)
}

// Query returns the latest vblank count and timestamp for h's display.
func (s *Subsystem) Query(h Handle) (Result, error) {
	return s.reg.Query(h)
}

// Boost switches the calling thread to real-time scheduling. The caller
// must hold runtime.LockOSThread until Restore.
func (s *Subsystem) Boost() (Token, error) {
	return s.sched.Boost()
}

// Restore undoes the Boost that returned tok.
func (s *Subsystem) Restore(tok Token) error {
	return s.sched.Restore(tok)
}

// Calibrate measures h's refresh interval over samples vblanks, boosted
// when realtime is set.
func (s *Subsystem) Calibrate(ctx context.Context, h Handle, samples int, realtime bool) (calibrate.Report, error) {
	opts := calibrate.DefaultOptions
	if samples > 0 {
		opts.Samples = samples
	}
	if realtime {
		opts.Scheduler = s.sched
	}

	rep, err := calibrate.Measure(ctx, s.reg, h, opts)
	if err != nil {
		return rep, fmt.Errorf("calibrate %s: %w", h.Display(), err)
	}
	return rep, nil
}

// Shutdown releases every display. Outstanding handles become invalid.
func (s *Subsystem) Shutdown() {
	if s.sched.Boosted() {
		slog.Warn("Shutting down while realtime boost is active")
	}
	s.reg.Close()
}
