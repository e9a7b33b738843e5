package render

import (
	"fmt"
	"time"
)

// jitterBlocks are eighth-height bars, lowest first.
var jitterBlocks = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// JitterBlock maps an interval's deviation from the nominal period to a bar
// height. A deviation of tolerance or more is a full block; an interval of
// zero (unknown) is a space.
func JitterBlock(interval, period, tolerance time.Duration) rune {
	if interval <= 0 {
		return ' '
	}
	dev := interval - period
	if dev < 0 {
		dev = -dev
	}
	if tolerance <= 0 || dev >= tolerance {
		return jitterBlocks[len(jitterBlocks)-1]
	}
	return jitterBlocks[int(dev*time.Duration(len(jitterBlocks))/tolerance)]
}

// History is a fixed-width ring of recent intervals for a jitter strip.
type History struct {
	values []time.Duration
	next   int
	full   bool
}

// NewHistory holds width intervals.
func NewHistory(width int) *History {
	if width < 1 {
		width = 1
	}
	return &History{values: make([]time.Duration, width)}
}

// Push records an interval, dropping the oldest when full.
func (h *History) Push(d time.Duration) {
	h.values[h.next] = d
	h.next = (h.next + 1) % len(h.values)
	if h.next == 0 {
		h.full = true
	}
}

// Strip renders the history oldest first as jitter blocks.
func (h *History) Strip(period, tolerance time.Duration) string {
	n := h.next
	start := 0
	if h.full {
		n = len(h.values)
		start = h.next
	}

	runes := make([]rune, 0, n)
	for i := 0; i < n; i++ {
		runes = append(runes, JitterBlock(h.values[(start+i)%len(h.values)], period, tolerance))
	}
	return string(runes)
}

// FormatDuration renders d in milliseconds with microsecond precision.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.3fms", float64(d)/float64(time.Millisecond))
}

// FormatHz renders the rate implied by a period.
func FormatHz(period time.Duration) string {
	if period <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2fHz", float64(time.Second)/float64(period))
}
