// Package diagx is the linker's ambient diagnostics layer: typed
// errors, structured logging and a colorized stderr renderer, plus the
// final "N object(s), M symbol(s), K relocation(s), W warning(s)"
// summary line a successful run prints.
package diagx

import (
	"fmt"
)

// Fatal wraps an error that must abort the link: malformed input,
// an undefined reference with no resolution, a relocation the
// relocator doesn't know how to lower.
type Fatal struct {
	Op  string // component that raised it: "link", "gc", "collect", "dynreloc"
	Err error
}

func (f *Fatal) Error() string { return fmt.Sprintf("%s: %v", f.Op, f.Err) }
func (f *Fatal) Unwrap() error { return f.Err }

// NewFatal wraps err as a Fatal raised by the named component.
func NewFatal(op string, err error) *Fatal { return &Fatal{Op: op, Err: err} }

// Warning is a recoverable diagnostic: a symbol conflict resolved by
// precedence, an archive member skipped because it could not be
// decoded, a relocation downgraded rather than rejected. The link
// proceeds; Warnings accumulate into the final summary.
type Warning struct {
	Op      string
	Message string
}

func (w *Warning) Error() string { return fmt.Sprintf("%s: %s", w.Op, w.Message) }

// NewWarning builds a Warning for the named component.
func NewWarning(op, format string, args ...any) *Warning {
	return &Warning{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Summary is the end-of-run tally: objects loaded, symbols resolved,
// relocations lowered, and every Warning collected along the way.
type Summary struct {
	Objects     int
	Symbols     int
	Relocations int
	Warnings    []*Warning
}

func (s *Summary) Warn(w *Warning) {
	s.Warnings = append(s.Warnings, w)
}

func (s Summary) String() string {
	return fmt.Sprintf("%d object(s), %d symbol(s), %d relocation(s), %d warning(s)",
		s.Objects, s.Symbols, s.Relocations, len(s.Warnings))
}
