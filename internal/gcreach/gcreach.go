// Package gcreach implements the linker's garbage collector: a
// reachability walk over the object/relocation graph produced by
// internal/symlink, rooted at the entry symbol, INIT_ARRAY/FINI_ARRAY
// sections and debug-info sinks, pruning every section nothing live
// still references.
package gcreach

import (
	"strings"

	"github.com/aclements/x64ld/internal/diagx"
	"github.com/aclements/x64ld/internal/elfx"
	"github.com/aclements/x64ld/internal/symlink"
)

// Result is the outcome of a collection pass: the set of global
// section ids that survived. The linker's Symtab and Relocs are left
// exactly as internal/symlink produced them — entries whose owning
// section did not survive simply go unreferenced by anything in Live,
// the same way a mark-sweep collector leaves garbage in place until
// the allocator reuses it. internal/collect consults Live, not
// Symtab's length, to decide what to emit.
type Result struct {
	Live map[uint64]bool
}

// Collect walks l's object graph to a fixpoint starting from the
// section defining the entry symbol ("_start") and every INIT_ARRAY /
// FINI_ARRAY section (always kept). Sections folded into the ".debug"
// sink are exempt from root computation: they are marked live
// directly, outside the walk, so they always survive but nothing
// else's liveness ever flows through them.
//
// An empty entrySymbol skips entry-point rooting, leaving only the
// always-kept roots above.
func Collect(l *symlink.Linker, entrySymbol string) (*Result, error) {
	roots := map[uint64]bool{}

	if entrySymbol != "" {
		sym, ok := l.Lookup(entrySymbol)
		if !ok || !sym.DefinedInSection() {
			return nil, diagx.NewFatal("gc", errUndefinedEntry(entrySymbol))
		}
		roots[sym.Lid] = true
	}

	live := map[uint64]bool{}
	for lid, ls := range l.Objects {
		if ls.Section == nil {
			continue
		}
		switch ls.Section.Header.Type {
		case elfx.SHT_INIT_ARRAY, elfx.SHT_FINI_ARRAY:
			roots[lid] = true
		}
		if strings.HasPrefix(ls.Section.Name, ".debug") {
			// Debug sections survive but are exempt from root
			// computation: marked live directly, never pushed through
			// the worklist, so a relocation inside debug info (into
			// otherwise-dead code, say) keeps nothing else alive.
			live[lid] = true
		}
	}

	var stack []uint64
	for lid := range roots {
		stack = append(stack, lid)
	}
	for len(stack) > 0 {
		lid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if live[lid] {
			continue
		}
		live[lid] = true
		for _, r := range l.Relocs[lid] {
			if int(r.Sym) >= len(l.Symtab) {
				continue
			}
			sym := l.Symtab[r.Sym]
			if !sym.DefinedInSection() {
				continue
			}
			if !live[sym.Lid] {
				stack = append(stack, sym.Lid)
			}
		}
	}
	return &Result{Live: live}, nil
}

// All marks every section of l live, for the relocatable output path:
// a -r link has no entry point to root reachability at, and dropping
// "unreferenced" sections there would throw away content a later,
// final link still needs.
func All(l *symlink.Linker) *Result {
	live := map[uint64]bool{}
	for lid, ls := range l.Objects {
		if ls.Section != nil {
			live[lid] = true
		}
	}
	return &Result{Live: live}
}

type errUndefinedEntry string

func (e errUndefinedEntry) Error() string { return "undefined reference to entry symbol " + string(e) }
