package headless

import (
	"log/slog"

	"github.com/valerio/go-vblank/vblank/monitor"
)

// progressEvery is how many frames pass between progress logs.
const progressEvery = 60

// Backend implements monitor.Backend by logging frames, for automated runs
// and machines without a terminal.
type Backend struct {
	config     monitor.BackendConfig
	frameCount int
	maxFrames  int
	last       monitor.Frame
}

// New returns a backend that quits after maxFrames frames. maxFrames <= 0
// runs until the context ends.
func New(maxFrames int) *Backend {
	return &Backend{maxFrames: maxFrames}
}

func (h *Backend) Init(config monitor.BackendConfig) error {
	h.config = config
	h.frameCount = 0

	slog.Info("Running headless monitor",
		"display", config.Display,
		"frames", h.maxFrames,
		"refresh_hz", config.RefreshHz)

	return nil
}

// Update logs progress periodically and quits at the frame limit.
func (h *Backend) Update(frame monitor.Frame) ([]monitor.Event, error) {
	h.frameCount++
	h.last = frame

	if h.frameCount%progressEvery == 0 {
		logFrame("Vblank progress", frame)
	}

	if h.maxFrames > 0 && h.frameCount >= h.maxFrames {
		logFrame("Headless monitor completed", frame)
		return []monitor.Event{{Type: monitor.EventQuit}}, nil
	}

	return nil, nil
}

// Frames returns the number of frames seen since Init.
func (h *Backend) Frames() int {
	return h.frameCount
}

// Last returns the most recent frame.
func (h *Backend) Last() monitor.Frame {
	return h.last
}

func (h *Backend) Cleanup() error {
	return nil
}

func logFrame(msg string, f monitor.Frame) {
	slog.Info(msg,
		"display", f.Display,
		"source", f.Result.Source,
		"count", f.Result.Count,
		"timestamp", f.Result.Timestamp,
		"frames", f.Stats.Frames,
		"missed", f.Stats.Missed,
		"unavailable", f.Stats.Unavailable,
		"mean_interval", f.Stats.MeanInterval(),
		"min_interval", f.Stats.MinInterval,
		"max_interval", f.Stats.MaxInterval)
}
