package diagx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	slogmulti "github.com/samber/slog-multi"
)

// Color palette for the stderr handler, one named color per
// diagnostic concern, matching the way Manu343726's debugger assigns
// one *color.Color per semantic role rather than reusing a couple of
// colors for everything.
var (
	colorFatal   = color.New(color.FgRed, color.Bold)
	colorWarn    = color.New(color.FgYellow)
	colorInfo    = color.New(color.FgCyan)
	colorSummary = color.New(color.FgGreen, color.Bold)
)

// colorHandler is a minimal slog.Handler that renders records through
// the palette above. It carries no grouping/attr nesting beyond what
// the linker's flat diagnostics need.
type colorHandler struct {
	w     *os.File
	level slog.Leveler
}

func newColorHandler(w *os.File, level slog.Leveler) *colorHandler {
	return &colorHandler{w: w, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	c := colorInfo
	switch {
	case r.Level >= slog.LevelError:
		c = colorFatal
	case r.Level >= slog.LevelWarn:
		c = colorWarn
	}
	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	line := r.Message
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	c.Fprintln(h.w, line)
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *colorHandler) WithGroup(name string) slog.Handler       { return h }

// MemoryHandler buffers every record regardless of the stderr
// verbosity, so the driver can replay the full diagnostic context
// when a link fails even though LD_LOG filtered it from the live
// stream.
type MemoryHandler struct {
	mu    sync.Mutex
	lines []string
}

func (h *MemoryHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *MemoryHandler) Handle(_ context.Context, r slog.Record) error {
	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	line := r.Level.String() + " " + r.Message
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	h.mu.Lock()
	h.lines = append(h.lines, line)
	h.mu.Unlock()
	return nil
}

func (h *MemoryHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *MemoryHandler) WithGroup(string) slog.Handler      { return h }

// Replay writes every buffered line to w, in arrival order.
func (h *MemoryHandler) Replay(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, line := range h.lines {
		fmt.Fprintln(w, line)
	}
}

// Len reports how many records have been buffered.
func (h *MemoryHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lines)
}

// NewLogger builds the linker's logger: a fanout between a colorized
// stderr handler and an in-memory sink the driver replays when a link
// fails. The stderr verbosity is controlled by the LD_LOG environment
// variable, parsed with slog.Level.UnmarshalText; the memory sink
// always records everything.
func NewLogger() (*slog.Logger, *MemoryHandler) {
	level := slog.LevelInfo
	if v := os.Getenv("LD_LOG"); v != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(v)); err == nil {
			level = l
		}
	}
	mem := &MemoryHandler{}
	handler := slogmulti.Fanout(
		newColorHandler(os.Stderr, level),
		mem,
	)
	return slog.New(handler), mem
}

// PrintSummary renders s the way the driver prints its final tally.
func PrintSummary(s Summary) {
	colorSummary.Fprintln(os.Stderr, s.String())
	for _, w := range s.Warnings {
		colorWarn.Fprintf(os.Stderr, "warning: %s\n", w.Error())
	}
}
