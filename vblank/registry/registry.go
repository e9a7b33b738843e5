// Package registry tracks per-display vblank timing sources. Displays are
// reference counted: the first acquire opens the sources, the last release
// closes them, and queries pick the best source available.
//
// Lock order is Registry.mu, then a display's state lock. Mutations of the
// display table happen entirely under Registry.mu, so an Acquire never sees a
// half-closed display.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/valerio/go-vblank/vblank/compositor"
	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/kernel"
)

var (
	// ErrContractViolation is returned for operations on handles that were
	// never acquired or were already released.
	ErrContractViolation = errors.New("vblank contract violation")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("registry closed")
)

// Verbosity thresholds
const (
	verbosityWarn      = 1
	verbosityAdvice    = 2
	verbosityInfo      = 3
	verbosityCrossDiag = 19
)

// Policy decides which sources are opened for a display.
type Policy struct {
	// Mode <= 0 disables timestamping entirely.
	Mode             int
	PreferCompositor bool
	KernelUnreliable bool
	Verbosity        int
}

// wantsCompositor reports whether the compositor should run alongside a
// working kernel channel.
func (p Policy) wantsCompositor() bool {
	return p.PreferCompositor || p.KernelUnreliable
}

// Handle is a lease on a display's timing sources. It is only valid with the
// Registry that issued it. The zero Handle is never valid.
type Handle struct {
	owner   *Registry
	display display.ID
	lease   uint64
}

// Display returns the display the handle refers to.
func (h Handle) Display() display.ID {
	return h.display
}

func (h Handle) String() string {
	return fmt.Sprintf("%s lease %d", h.display, h.lease)
}

// Source identifies where a query result came from.
type Source int

const (
	SourceNone Source = iota
	SourceKernel
	SourceCompositor
)

func (s Source) String() string {
	switch s {
	case SourceKernel:
		return "kernel"
	case SourceCompositor:
		return "compositor"
	default:
		return "none"
	}
}

// SourceSet lists the sources open for a display.
type SourceSet struct {
	Kernel     bool
	Compositor bool
}

// Result is a query answer.
type Result struct {
	display.Sample
	Source Source
}

type displayState struct {
	mu     sync.RWMutex
	refs   int
	kernel *kernel.Channel
	link   *compositor.TimingLink
}

// Registry owns the timing sources of every acquired display.
type Registry struct {
	policy Policy

	kernelSvc      kernel.Service
	kernelOpts     []kernel.Option
	compositor     compositor.Provider
	compositorOpts []compositor.Option
	// compositorDisabled is set after a link fails to start and stays set.
	compositorDisabled atomic.Bool

	mu        sync.Mutex
	closed    bool
	displays  map[display.ID]*displayState
	leases    map[uint64]display.ID
	nextLease uint64

	violations *catrate.Limiter
	warnings   *catrate.Limiter
}

// Option configures a Registry.
type Option func(*Registry)

// WithKernelService sets the service kernel channels are opened from.
func WithKernelService(svc kernel.Service, opts ...kernel.Option) Option {
	return func(r *Registry) {
		r.kernelSvc = svc
		r.kernelOpts = opts
	}
}

// WithCompositor sets the provider used for the compositor fallback.
func WithCompositor(p compositor.Provider, opts ...compositor.Option) Option {
	return func(r *Registry) {
		r.compositor = p
		r.compositorOpts = opts
	}
}

// New creates an empty registry.
func New(policy Policy, opts ...Option) *Registry {
	r := &Registry{
		policy:   policy,
		displays: make(map[display.ID]*displayState),
		leases:   make(map[uint64]display.ID),
		// One report per handle; leases are never reused.
		violations: catrate.NewLimiter(map[time.Duration]int{24 * time.Hour: 1}),
		warnings: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the registry's source policy.
func (r *Registry) Policy() Policy {
	return r.policy
}

// CompositorDisabled reports whether an earlier start failure disabled the
// compositor fallback.
func (r *Registry) CompositorDisabled() bool {
	return r.compositorDisabled.Load()
}

// Acquire takes a lease on id, opening its sources on the first acquire.
// Source failures are logged and absorbed; the display then reports
// unavailable samples.
func (r *Registry) Acquire(id display.ID) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Handle{}, ErrClosed
	}

	st, ok := r.displays[id]
	if !ok {
		st = r.open(id)
		r.displays[id] = st
	}
	st.refs++

	r.nextLease++
	h := Handle{owner: r, display: id, lease: r.nextLease}
	r.leases[h.lease] = id

	return h, nil
}

func (r *Registry) open(id display.ID) *displayState {
	st := &displayState{}
	v := r.policy.Verbosity

	if r.policy.Mode <= 0 {
		if v > verbosityInfo {
			slog.Info("Vblank timestamping disabled", "display", id, "mode", r.policy.Mode)
		}
		return st
	}

	if r.kernelSvc != nil {
		ch, err := kernel.Open(r.kernelSvc, id, r.kernelOpts...)
		switch {
		case err != nil:
			if v > verbosityWarn {
				slog.Warn("Kernel vblank page unavailable", "display", id, "error", err)
			}
		default:
			st.kernel = ch
			if v > verbosityInfo {
				slog.Info("Kernel vblank page mapped", "display", id)
			}
		}
	}

	if st.kernel == nil && v > verbosityAdvice {
		slog.Info("No kernel vblank source; install the vblank driver for precise timestamps", "display", id)
	}

	if st.kernel == nil || r.policy.wantsCompositor() {
		st.link = r.startLink(id)
	}

	return st
}

func (r *Registry) startLink(id display.ID) *compositor.TimingLink {
	if r.compositor == nil || r.compositorDisabled.Load() {
		return nil
	}
	v := r.policy.Verbosity

	opts := append([]compositor.Option{compositor.WithVerbosity(v)}, r.compositorOpts...)
	link, err := compositor.Start(r.compositor, id, opts...)
	if err != nil {
		if errors.Is(err, compositor.ErrStartFailed) {
			r.compositorDisabled.Store(true)
		}
		if v > verbosityWarn {
			slog.Warn("Compositor vblank link unavailable", "display", id, "error", err)
		}
		return nil
	}

	if v > verbosityInfo {
		slog.Info("Compositor vblank link started",
			"display", id,
			"refresh_ms", float64(link.RefreshPeriod())/float64(time.Millisecond),
			"latency_ms", float64(link.OutputLatency())/float64(time.Millisecond))
	}
	return link
}

// Release returns a lease. The last release of a display closes its sources.
// Releasing an unknown or already released handle changes nothing and
// returns ErrContractViolation.
func (r *Registry) Release(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.leases[h.lease]
	if h.owner != r || !ok || id != h.display {
		return r.violation(h, "release")
	}
	delete(r.leases, h.lease)

	st := r.displays[id]
	st.refs--
	if st.refs > 0 {
		return nil
	}

	st.mu.Lock()
	r.closeState(id, st)
	st.mu.Unlock()
	delete(r.displays, id)

	return nil
}

// closeState closes every source of st. Callers hold st.mu.
func (r *Registry) closeState(id display.ID, st *displayState) {
	v := r.policy.Verbosity

	if st.kernel != nil {
		if err := st.kernel.Close(); err != nil && v > verbosityWarn {
			slog.Warn("Failed to close kernel vblank page", "display", id, "error", err)
		}
		st.kernel = nil
		if v > verbosityInfo {
			slog.Info("Kernel vblank page released", "display", id)
		}
	}

	if st.link != nil {
		if err := st.link.Stop(); err != nil && v > verbosityWarn {
			slog.Warn("Failed to stop compositor vblank link", "display", id, "error", err)
		}
		st.link = nil
		if v > verbosityInfo {
			slog.Info("Compositor vblank link released", "display", id)
		}
	}
}

// Query returns the latest vblank sample for h's display. The kernel page
// is authoritative; the compositor answers when the kernel has no stable
// reading or is absent. With no source the result is display.Unavailable.
func (r *Registry) Query(h Handle) (Result, error) {
	unavailable := Result{Sample: display.Unavailable, Source: SourceNone}

	r.mu.Lock()
	id, ok := r.leases[h.lease]
	if h.owner != r || !ok || id != h.display {
		r.mu.Unlock()
		return unavailable, r.violation(h, "query")
	}
	st := r.displays[id]
	st.mu.RLock()
	r.mu.Unlock()
	defer st.mu.RUnlock()

	if st.kernel != nil {
		sample, ok := st.kernel.Poll()
		if ok {
			if r.policy.Verbosity > verbosityCrossDiag {
				r.crossCheck(id, st, sample)
			}
			return Result{Sample: sample, Source: SourceKernel}, nil
		}
		r.warnUnstable(id)
	}

	if st.link != nil {
		if sample, ok := st.link.LatestSample(); ok {
			return Result{Sample: sample, Source: SourceCompositor}, nil
		}
	}

	return unavailable, nil
}

func (r *Registry) crossCheck(id display.ID, st *displayState, k display.Sample) {
	if st.link == nil {
		return
	}
	c, ok := st.link.LatestSample()
	if !ok || c.Count == 0 {
		return
	}
	slog.Debug("Compositor minus kernel vblank time",
		"display", id,
		"kernel_count", k.Count,
		"compositor_count", c.Count,
		"delta_ms", (c.Timestamp-k.Timestamp)*1000)
}

func (r *Registry) warnUnstable(id display.ID) {
	if r.policy.Verbosity <= verbosityWarn {
		return
	}
	if _, ok := r.warnings.Allow(id); ok {
		slog.Warn("Kernel vblank page did not settle, falling back", "display", id)
	}
}

func (r *Registry) violation(h Handle, op string) error {
	err := fmt.Errorf("%w: %s of %s which is not held", ErrContractViolation, op, h)
	if panicOnViolation {
		panic(err)
	}
	if _, ok := r.violations.Allow(h); ok {
		slog.Error("Vblank handle misuse", "op", op, "display", h.display, "lease", h.lease)
	}
	return err
}

// Refs returns the number of live leases on id.
func (r *Registry) Refs(id display.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.displays[id]; ok {
		return st.refs
	}
	return 0
}

// Sources reports which sources are open for id.
func (r *Registry) Sources(id display.ID) SourceSet {
	r.mu.Lock()
	st, ok := r.displays[id]
	if !ok {
		r.mu.Unlock()
		return SourceSet{}
	}
	st.mu.RLock()
	r.mu.Unlock()
	defer st.mu.RUnlock()

	return SourceSet{Kernel: st.kernel != nil, Compositor: st.link != nil}
}

// Displays returns the acquired displays in ascending order.
func (r *Registry) Displays() []display.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.displays))
}

// Close releases every display regardless of outstanding leases. Handles
// still held afterwards are invalid.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for id, st := range r.displays {
		if r.policy.Verbosity > verbosityWarn {
			slog.Warn("Closing display with outstanding leases", "display", id, "refs", st.refs)
		}
		st.mu.Lock()
		r.closeState(id, st)
		st.mu.Unlock()
	}
	clear(r.displays)
	clear(r.leases)
}
