package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/valerio/go-vblank/vblank"
	"github.com/valerio/go-vblank/vblank/config"
	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/kernel"
	"github.com/valerio/go-vblank/vblank/monitor"
	"github.com/valerio/go-vblank/vblank/monitor/headless"
	"github.com/valerio/go-vblank/vblank/monitor/terminal"
	"github.com/valerio/go-vblank/vblank/timing"
)

func main() {
	app := newApp(os.Stdout)
	if err := app.Run(os.Args); err != nil {
		slog.Error("Error running vblank", "error", err)
		os.Exit(1)
	}
}

// cliState carries the configuration loaded by the global Before hook.
type cliState struct {
	cfg *config.Config
}

func newApp(out io.Writer) *cli.App {
	state := &cliState{}

	app := cli.NewApp()
	app.Name = "vblank"
	app.Usage = "query and calibrate display vblank timestamps"
	app.Description = "Reads vblank counters from kernel shared memory pages or a compositor display link"
	app.Version = "1.0.0"
	app.Writer = out
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Usage:  "Path to a YAML configuration file",
			EnvVar: "VBLANK_CONFIG",
		},
		cli.IntFlag{
			Name:   "verbosity",
			Usage:  "Verbosity level (>1 warnings, >3 info, >19 diagnostics)",
			EnvVar: "VBLANK_VERBOSITY",
		},
		cli.IntFlag{
			Name:   "mode",
			Usage:  "Timestamping mode (<= 0 disables all sources)",
			EnvVar: "VBLANK_MODE",
		},
		cli.BoolFlag{
			Name:   "prefer-compositor",
			Usage:  "Run the compositor link alongside the kernel page",
			EnvVar: "VBLANK_PREFER_COMPOSITOR",
		},
		cli.BoolFlag{
			Name:   "kernel-unreliable",
			Usage:  "Treat the kernel page as untrusted and run the compositor link too",
			EnvVar: "VBLANK_KERNEL_UNRELIABLE",
		},
		cli.StringFlag{
			Name:   "shm-dir",
			Usage:  "Directory holding vblank shared memory pages",
			EnvVar: "VBLANK_SHM_DIR",
		},
		cli.Float64Flag{
			Name:   "refresh-hz",
			Usage:  "Refresh rate of the software compositor",
			EnvVar: "VBLANK_REFRESH_HZ",
		},
		cli.StringFlag{
			Name:   "compositor",
			Usage:  "Compositor backend: software, sdl or none",
			EnvVar: "VBLANK_COMPOSITOR",
		},
	}
	app.Before = func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		state.cfg = cfg

		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})
		slog.SetDefault(slog.New(handler))
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:  "query",
			Usage: "Print vblank samples for a display",
			Flags: []cli.Flag{
				displayFlag,
				inProcessFlag,
				cli.IntFlag{Name: "count", Usage: "Number of samples to print", Value: 5},
			},
			Action: state.runQuery,
		},
		{
			Name:  "calibrate",
			Usage: "Measure a display's refresh interval",
			Flags: []cli.Flag{
				displayFlag,
				inProcessFlag,
				cli.IntFlag{Name: "samples", Usage: "Number of vblanks to observe", Value: 60},
				cli.BoolFlag{Name: "realtime", Usage: "Sample under a real-time scheduling boost"},
			},
			Action: state.runCalibrate,
		},
		{
			Name:  "simulate",
			Usage: "Publish a simulated vblank page to shared memory",
			Flags: []cli.Flag{
				displayFlag,
				cli.Float64Flag{Name: "hz", Usage: "Simulated refresh rate", Value: display.DefaultRefreshHz},
				cli.DurationFlag{Name: "duration", Usage: "Stop after this long (0 runs until interrupted)"},
			},
			Action: state.runSimulate,
		},
		{
			Name:  "monitor",
			Usage: "Show live vblank timing for a display",
			Flags: []cli.Flag{
				displayFlag,
				inProcessFlag,
				cli.BoolFlag{Name: "headless", Usage: "Log progress instead of drawing a terminal view"},
				cli.IntFlag{Name: "frames", Usage: "Frames to run in headless mode (0 = until interrupted)"},
			},
			Action: state.runMonitor,
		},
	}

	return app
}

var displayFlag = cli.IntFlag{
	Name:  "display",
	Usage: "Display (screen) number",
	Value: int(display.Main),
}

var inProcessFlag = cli.BoolFlag{
	Name:  "in-process",
	Usage: "Read from an in-process simulated page instead of shared memory",
}

// loadConfig reads the configuration file, if any, and applies global flags
// on top of it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.GlobalString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.GlobalIsSet("verbosity") {
		cfg.Verbosity = c.GlobalInt("verbosity")
	}
	if c.GlobalIsSet("mode") {
		cfg.TimestampingMode = c.GlobalInt("mode")
	}
	if c.GlobalIsSet("prefer-compositor") {
		cfg.PreferCompositor = c.GlobalBool("prefer-compositor")
	}
	if c.GlobalIsSet("kernel-unreliable") {
		cfg.KernelUnreliable = c.GlobalBool("kernel-unreliable")
	}
	if c.GlobalIsSet("shm-dir") {
		cfg.ShmDir = c.GlobalString("shm-dir")
	}
	if c.GlobalIsSet("refresh-hz") {
		cfg.RefreshHz = c.GlobalFloat64("refresh-hz")
	}
	if c.GlobalIsSet("compositor") {
		cfg.Compositor = c.GlobalString("compositor")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// open builds the subsystem and acquires the --display flag's display. The
// returned function releases everything, including an --in-process
// publisher.
func (s *cliState) open(c *cli.Context) (*vblank.Subsystem, vblank.Handle, func(), error) {
	id := display.ID(c.Int("display"))

	var opts []vblank.Option
	stopSim := func() {}
	if c.Bool("in-process") {
		mem := kernel.NewMemService()
		pub := mem.Publisher(id)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			pub.Run(ctx, timing.New(display.RefreshPeriod(s.cfg.RefreshHz)))
		}()
		stopSim = func() {
			cancel()
			<-done
		}
		opts = append(opts, vblank.WithKernelService(mem))
	}

	sys, err := vblank.New(s.cfg, opts...)
	if err != nil {
		stopSim()
		return nil, vblank.Handle{}, nil, err
	}

	h, err := sys.Open(id)
	if err != nil {
		sys.Shutdown()
		stopSim()
		return nil, vblank.Handle{}, nil, err
	}

	release := func() {
		if err := sys.Close(h); err != nil {
			slog.Warn("Failed to release display", "display", id, "error", err)
		}
		sys.Shutdown()
		stopSim()
	}
	return sys, h, release, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (s *cliState) runQuery(c *cli.Context) error {
	sys, h, release, err := s.open(c)
	if err != nil {
		return err
	}
	defer release()

	limiter := timing.New(display.RefreshPeriod(s.cfg.RefreshHz))
	for i := 0; i < c.Int("count"); i++ {
		if i > 0 {
			limiter.WaitForNextRefresh()
		}
		res, err := sys.Query(h)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s count=%d timestamp=%.6f source=%s\n", h.Display(), res.Count, res.Timestamp, res.Source)
	}
	return nil
}

func (s *cliState) runCalibrate(c *cli.Context) error {
	sys, h, release, err := s.open(c)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := signalContext()
	defer cancel()

	rep, err := sys.Calibrate(ctx, h, c.Int("samples"), c.Bool("realtime"))
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%s source=%s samples=%d boosted=%t\n", rep.Display, rep.Source, rep.Samples, rep.Boosted)
	fmt.Fprintf(c.App.Writer, "interval=%v stddev=%v min=%v max=%v refresh=%.3fHz\n",
		rep.Interval, rep.StdDev, rep.Min, rep.Max, rep.RefreshHz())
	return nil
}

func (s *cliState) runSimulate(c *cli.Context) error {
	hz := c.Float64("hz")
	if hz < display.MinRefreshHz || hz > display.MaxRefreshHz {
		return fmt.Errorf("--hz %v outside [%v, %v]", hz, display.MinRefreshHz, display.MaxRefreshHz)
	}
	id := display.ID(c.Int("display"))

	pub, err := kernel.CreatePublisher(s.cfg.ShmDir, id)
	if err != nil {
		return err
	}
	defer pub.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if d := c.Duration("duration"); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	slog.Info("Publishing simulated vblanks", "display", id, "hz", hz, "path", kernel.RegionPath(s.cfg.ShmDir, id))

	err = pub.Run(ctx, timing.New(display.RefreshPeriod(hz)))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *cliState) runMonitor(c *cli.Context) error {
	sys, h, release, err := s.open(c)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := signalContext()
	defer cancel()

	var b monitor.Backend
	if c.Bool("headless") {
		b = headless.New(c.Int("frames"))
	} else {
		b = terminal.New()
	}

	period := display.RefreshPeriod(s.cfg.RefreshHz)
	cfg := monitor.BackendConfig{
		Title:     "vblank monitor",
		Display:   h.Display(),
		RefreshHz: float64(time.Second) / float64(period),
	}
	return monitor.Run(ctx, b, sys, h, timing.New(period), cfg)
}
