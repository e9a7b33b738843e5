package terminal

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/valerio/go-vblank/vblank/display"
	"github.com/valerio/go-vblank/vblank/monitor"
	"github.com/valerio/go-vblank/vblank/monitor/terminal/render"
)

const (
	minTermWidth  = 60
	minTermHeight = 18
	statsHeight   = 12
	logCapacity   = 200
	// jitterDivisor sets the full-bar deviation as a fraction of the period
	jitterDivisor = 20
)

// Backend implements monitor.Backend using tcell for terminal rendering.
type Backend struct {
	screen    tcell.Screen
	newScreen func() (tcell.Screen, error)
	config    monitor.BackendConfig
	period    time.Duration

	logBuffer  *render.LogBuffer
	logLevel   slog.Level
	prevLogger *slog.Logger

	history *render.History
	events  []monitor.Event
	signals chan os.Signal
}

// New creates a terminal backend on the process terminal.
func New() *Backend {
	return &Backend{
		newScreen: tcell.NewScreen,
		logLevel:  slog.LevelInfo,
	}
}

// NewWithScreen creates a backend drawing to screen, which Init initializes.
func NewWithScreen(screen tcell.Screen) *Backend {
	b := New()
	b.newScreen = func() (tcell.Screen, error) { return screen, nil }
	return b
}

// Init takes over the terminal and redirects slog into the log pane.
func (t *Backend) Init(config monitor.BackendConfig) error {
	t.config = config
	t.period = display.RefreshPeriod(config.RefreshHz)

	screen, err := t.newScreen()
	if err != nil {
		return fmt.Errorf("failed to initialize terminal: %v", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("failed to initialize terminal: %v", err)
	}
	t.screen = screen

	w, _ := screen.Size()
	t.history = render.NewHistory(max(w-4, 1))

	t.logBuffer = render.NewLogBuffer(logCapacity)
	t.prevLogger = slog.Default()
	slog.SetDefault(slog.New(render.NewLogBufferHandler(t.logBuffer, slog.LevelDebug)))

	t.signals = make(chan os.Signal, 1)
	signal.Notify(t.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	t.screen.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite))
	t.screen.Clear()

	slog.Info("Terminal monitor initialized", "display", config.Display)
	return nil
}

// Update renders frame and returns the events raised since the last call.
func (t *Backend) Update(frame monitor.Frame) ([]monitor.Event, error) {
	for t.screen.HasPendingEvent() {
		switch ev := t.screen.PollEvent().(type) {
		case *tcell.EventKey:
			t.processKeyEvent(ev)
		case *tcell.EventResize:
			t.screen.Sync()
		}
	}

	select {
	case sig := <-t.signals:
		slog.Info("Received signal", "signal", sig)
		t.events = append(t.events, monitor.Event{Type: monitor.EventQuit})
	default:
	}

	if frame.Interval > 0 {
		t.history.Push(frame.Interval)
	}

	t.render(frame)
	t.screen.Show()

	events := t.events
	t.events = nil
	return events, nil
}

// Cleanup restores the terminal and the previous logger.
func (t *Backend) Cleanup() error {
	if t.signals != nil {
		signal.Stop(t.signals)
	}
	if t.prevLogger != nil {
		slog.SetDefault(t.prevLogger)
	}
	if t.screen != nil {
		t.screen.Fini()
	}
	return nil
}

func (t *Backend) processKeyEvent(ev *tcell.EventKey) {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		t.events = append(t.events, monitor.Event{Type: monitor.EventQuit})
		return
	case tcell.KeyRune:
	default:
		return
	}

	switch ev.Rune() {
	case 'q', 'Q':
		t.events = append(t.events, monitor.Event{Type: monitor.EventQuit})
	case 'r', 'R':
		w, _ := t.screen.Size()
		t.history = render.NewHistory(max(w-4, 1))
		t.events = append(t.events, monitor.Event{Type: monitor.EventReset})
	case '+', '=':
		t.changeLogLevel(1)
	case '-', '_':
		t.changeLogLevel(-1)
	}
}

// changeLogLevel moves the log pane filter; direction 1 shows more.
func (t *Backend) changeLogLevel(direction int) {
	levels := []slog.Level{slog.LevelError, slog.LevelWarn, slog.LevelInfo, slog.LevelDebug}
	idx := 0
	for i, l := range levels {
		if l == t.logLevel {
			idx = i
		}
	}
	idx = min(max(idx+direction, 0), len(levels)-1)

	if levels[idx] != t.logLevel {
		old := t.logLevel
		t.logLevel = levels[idx]
		slog.Info("Log filter changed", "from", old, "to", t.logLevel)
	}
}

func (t *Backend) render(frame monitor.Frame) {
	termWidth, termHeight := t.screen.Size()
	t.screen.Clear()

	if termWidth < minTermWidth || termHeight < minTermHeight {
		style := tcell.StyleDefault.Foreground(tcell.ColorRed)
		msg := fmt.Sprintf("Terminal too small! Need at least %dx%d", minTermWidth, minTermHeight)
		t.drawText(0, termHeight/2, termWidth, style, msg)
		return
	}

	t.drawBorders(termWidth, termHeight)
	t.drawStats(frame, 2, 1, termWidth-4)
	t.drawLogs(2, statsHeight+2, termWidth-4, termHeight)
}

func (t *Backend) drawBorders(termWidth, termHeight int) {
	borderStyle := tcell.StyleDefault.Foreground(tcell.ColorWhite)
	titleStyle := tcell.StyleDefault.Foreground(tcell.ColorYellow)

	for x := 0; x < termWidth; x++ {
		t.screen.SetContent(x, statsHeight+1, '─', nil, borderStyle)
	}

	title := t.config.Title
	if title == "" {
		title = "vblank monitor"
	}
	t.drawText(1, 0, termWidth-2, titleStyle, fmt.Sprintf(" %s: %s ", title, t.config.Display))
	t.drawText(1, statsHeight+1, termWidth-2, titleStyle, fmt.Sprintf(" Logs [%s] (-/+ filter) ", levelName(t.logLevel)))

	help := " q/ESC=quit r=reset stats +/-=log filter "
	t.drawText(0, termHeight-1, termWidth, borderStyle, help)
}

func (t *Backend) drawStats(f monitor.Frame, x, y, width int) {
	label := tcell.StyleDefault.Foreground(tcell.ColorGray)
	value := tcell.StyleDefault.Foreground(tcell.ColorWhite).Bold(true)
	warn := tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)

	row := func(name, val string, style tcell.Style) {
		t.drawText(x, y, 14, label, name)
		t.drawText(x+14, y, width-14, style, val)
		y++
	}

	if !f.Result.Valid() {
		row("Source", "unavailable", warn)
	} else {
		row("Source", f.Result.Source.String(), value)
	}
	row("Count", fmt.Sprintf("%d", f.Result.Count), value)
	row("Timestamp", fmt.Sprintf("%.6fs", f.Result.Timestamp), value)
	row("Age", render.FormatDuration(f.Age()), value)
	row("Interval", fmt.Sprintf("%s (%s)", render.FormatDuration(f.Interval), render.FormatHz(f.Interval)), value)

	s := f.Stats
	mean := s.MeanInterval()
	row("Mean", fmt.Sprintf("%s (%s)", render.FormatDuration(mean), render.FormatHz(mean)), value)
	row("Min / Max", fmt.Sprintf("%s / %s", render.FormatDuration(s.MinInterval), render.FormatDuration(s.MaxInterval)), value)

	missedStyle := value
	if s.Missed > 0 {
		missedStyle = warn
	}
	row("Missed", fmt.Sprintf("%d of %d", s.Missed, s.Vblanks), missedStyle)
	row("Queries", fmt.Sprintf("%d (%d unavailable)", s.Frames, s.Unavailable), value)

	y++
	jitter := tcell.StyleDefault.Foreground(tcell.ColorGreen)
	t.drawText(x, y, width, jitter, t.history.Strip(t.period, t.period/jitterDivisor))
}

func (t *Backend) drawLogs(x, startY, width, termHeight int) {
	available := termHeight - startY - 1
	if width <= 0 || available <= 0 {
		return
	}

	debugStyle := tcell.StyleDefault.Foreground(tcell.ColorGray)
	infoStyle := tcell.StyleDefault.Foreground(tcell.ColorBlue)
	warnStyle := tcell.StyleDefault.Foreground(tcell.ColorYellow)
	errStyle := tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)

	for i, entry := range t.logBuffer.Recent(available, t.logLevel) {
		style := infoStyle
		switch {
		case entry.Level >= slog.LevelError:
			style = errStyle
		case entry.Level >= slog.LevelWarn:
			style = warnStyle
		case entry.Level < slog.LevelInfo:
			style = debugStyle
		}
		t.drawText(x, startY+i, width, style, render.FormatLogEntry(entry))
	}
}

// drawText writes s at (x, y), truncating with an ellipsis past width.
func (t *Backend) drawText(x, y, width int, style tcell.Style, s string) {
	runes := []rune(s)
	if width <= 0 {
		return
	}
	if len(runes) > width {
		if width > 3 {
			runes = append(runes[:width-3], '.', '.', '.')
		} else {
			runes = runes[:width]
		}
	}
	for i, r := range runes {
		t.screen.SetContent(x+i, y, r, nil, style)
	}
}

func levelName(l slog.Level) string {
	switch l {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}
