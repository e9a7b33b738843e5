package render

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry is one captured log record.
type LogEntry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   string // rendered key=value pairs
}

// LogBuffer is a thread-safe ring of the most recent log entries.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	count   int
}

// NewLogBuffer creates a buffer holding up to size entries.
func NewLogBuffer(size int) *LogBuffer {
	if size < 1 {
		size = 1
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

// Add appends an entry, overwriting the oldest when full.
func (lb *LogBuffer) Add(entry LogEntry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.entries[lb.next] = entry
	lb.next = (lb.next + 1) % len(lb.entries)
	if lb.count < len(lb.entries) {
		lb.count++
	}
}

// Len returns the number of entries held.
func (lb *LogBuffer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.count
}

// Recent returns up to maxCount entries at or above minLevel, newest first.
// maxCount <= 0 returns every matching entry.
func (lb *LogBuffer) Recent(maxCount int, minLevel slog.Level) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var result []LogEntry
	size := len(lb.entries)
	for i := 0; i < lb.count; i++ {
		e := lb.entries[(lb.next-1-i+size)%size]
		if e.Level < minLevel {
			continue
		}
		result = append(result, e)
		if maxCount > 0 && len(result) == maxCount {
			break
		}
	}
	return result
}

// Clear removes all entries.
func (lb *LogBuffer) Clear() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.count = 0
	lb.next = 0
}

// LogBufferHandler is a slog.Handler that captures records into a LogBuffer.
type LogBufferHandler struct {
	buffer *LogBuffer
	level  slog.Leveler
	prefix string // group path for attribute keys
	attrs  string // pre-rendered attributes from WithAttrs
}

// NewLogBufferHandler creates a handler writing to buffer.
func NewLogBufferHandler(buffer *LogBuffer, level slog.Leveler) *LogBufferHandler {
	return &LogBufferHandler{buffer: buffer, level: level}
}

func (h *LogBufferHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogBufferHandler) Handle(_ context.Context, record slog.Record) error {
	var sb strings.Builder
	sb.WriteString(h.attrs)
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.prefix, a)
		return true
	})

	h.buffer.Add(LogEntry{
		Time:    record.Time,
		Level:   record.Level,
		Message: record.Message,
		Attrs:   strings.TrimSpace(sb.String()),
	})
	return nil
}

func (h *LogBufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	sb.WriteString(h.attrs)
	for _, a := range attrs {
		writeAttr(&sb, h.prefix, a)
	}
	clone := *h
	clone.attrs = sb.String()
	return &clone
}

func (h *LogBufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		group := prefix
		if a.Key != "" {
			group += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(sb, group, ga)
		}
		return
	}
	fmt.Fprintf(sb, " %s%s=%v", prefix, a.Key, a.Value)
}

// FormatLogEntry formats an entry as a single display line.
func FormatLogEntry(entry LogEntry) string {
	var level string
	switch {
	case entry.Level >= slog.LevelError:
		level = "ERR"
	case entry.Level >= slog.LevelWarn:
		level = "WRN"
	case entry.Level >= slog.LevelInfo:
		level = "INF"
	default:
		level = "DBG"
	}

	line := fmt.Sprintf("%s [%s] %s", entry.Time.Format("15:04:05"), level, entry.Message)
	if entry.Attrs != "" {
		line += " " + entry.Attrs
	}
	return line
}
