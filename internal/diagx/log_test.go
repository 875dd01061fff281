package diagx

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestMemoryHandlerBuffersAndReplays(t *testing.T) {
	mem := &MemoryHandler{}
	logger := slog.New(mem)

	logger.Debug("resolving", "symbol", "_start")
	logger.Warn("skipping archive member", "member", "bad.o")

	if mem.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (the memory sink must not filter by level)", mem.Len())
	}

	var buf strings.Builder
	mem.Replay(&buf)
	out := buf.String()
	if !strings.Contains(out, "_start") || !strings.Contains(out, "bad.o") {
		t.Errorf("replay missing buffered attributes:\n%s", out)
	}
	if !strings.Contains(out, "WARN") {
		t.Errorf("replay should carry the record level:\n%s", out)
	}
}

func TestMemoryHandlerEnabledAtEveryLevel(t *testing.T) {
	mem := &MemoryHandler{}
	for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if !mem.Enabled(context.Background(), l) {
			t.Errorf("Enabled(%v) = false, want true", l)
		}
	}
}

func TestSummaryString(t *testing.T) {
	s := Summary{Objects: 3, Symbols: 12, Relocations: 7}
	s.Warn(NewWarning("link", "multiple definition of %q", "dup"))
	got := s.String()
	for _, want := range []string{"3 object", "12 symbol", "7 relocation", "1 warning"} {
		if !strings.Contains(got, want) {
			t.Errorf("Summary.String() = %q, missing %q", got, want)
		}
	}
}
