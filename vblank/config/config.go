// Package config loads the vblank subsystem settings from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/kernel"
	"github.com/valerio/go-vblank/vblank/sched"
)

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Compositor backends
const (
	CompositorSoftware = "software"
	CompositorSDL      = "sdl"
	CompositorNone     = "none"
)

// Config is the complete subsystem configuration.
type Config struct {
	Verbosity        int            `yaml:"verbosity"`
	TimestampingMode int            `yaml:"timestamping_mode"` // <= 0 disables every source
	PreferCompositor bool           `yaml:"prefer_compositor"`
	KernelUnreliable bool           `yaml:"kernel_unreliable"`
	ShmDir           string         `yaml:"shm_dir"`
	RefreshHz        float64        `yaml:"refresh_hz"`      // software compositor pacing
	PollSettleUS     int            `yaml:"poll_settle_us"`  // wait between the two reads of a poll
	MaxPollAttempts  int            `yaml:"max_poll_attempts"`
	Realtime         RealtimeConfig `yaml:"realtime"`
	Compositor       string         `yaml:"compositor"` // software, sdl, none
}

// RealtimeConfig is the time constraint applied while boosted.
type RealtimeConfig struct {
	RuntimeUS  int `yaml:"runtime_us"`
	DeadlineUS int `yaml:"deadline_us"`
	PeriodUS   int `yaml:"period_us"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Verbosity:        3,
		TimestampingMode: 1,
		ShmDir:           kernel.DefaultShmDir,
		RefreshHz:        display.DefaultRefreshHz,
		PollSettleUS:     int(kernel.DefaultSettle / time.Microsecond),
		MaxPollAttempts:  kernel.DefaultMaxPollAttempts,
		Realtime: RealtimeConfig{
			RuntimeUS:  int(sched.DefaultConstraint.Runtime / time.Microsecond),
			DeadlineUS: int(sched.DefaultConstraint.Deadline / time.Microsecond),
			PeriodUS:   int(sched.DefaultConstraint.Period / time.Microsecond),
		},
		Compositor: CompositorSoftware,
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.RefreshHz < display.MinRefreshHz || c.RefreshHz > display.MaxRefreshHz {
		return fmt.Errorf("%w: refresh_hz %v outside [%v, %v]", ErrInvalid, c.RefreshHz, display.MinRefreshHz, display.MaxRefreshHz)
	}
	if c.PollSettleUS < 0 {
		return fmt.Errorf("%w: poll_settle_us must not be negative", ErrInvalid)
	}
	if c.MaxPollAttempts < 1 {
		return fmt.Errorf("%w: max_poll_attempts must be at least 1", ErrInvalid)
	}
	switch c.Compositor {
	case CompositorSoftware, CompositorSDL, CompositorNone:
	default:
		return fmt.Errorf("%w: unknown compositor %q", ErrInvalid, c.Compositor)
	}
	if err := c.Constraint().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Constraint returns the real-time constraint used by the scheduler.
func (c *Config) Constraint() sched.Constraint {
	return sched.Constraint{
		Runtime:  time.Duration(c.Realtime.RuntimeUS) * time.Microsecond,
		Deadline: time.Duration(c.Realtime.DeadlineUS) * time.Microsecond,
		Period:   time.Duration(c.Realtime.PeriodUS) * time.Microsecond,
	}
}

// KernelOptions returns the poll options for kernel channels.
func (c *Config) KernelOptions() []kernel.Option {
	return []kernel.Option{
		kernel.WithSettle(time.Duration(c.PollSettleUS) * time.Microsecond),
		kernel.WithMaxAttempts(c.MaxPollAttempts),
	}
}

// LogLevel maps verbosity onto a slog level: warnings above 1, info above 3
// and debug diagnostics above 19.
func (c *Config) LogLevel() slog.Level {
	switch {
	case c.Verbosity > 19:
		return slog.LevelDebug
	case c.Verbosity > 3:
		return slog.LevelInfo
	case c.Verbosity > 1:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
