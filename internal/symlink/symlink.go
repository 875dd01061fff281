// Package symlink implements the symbolic linker: it inserts decoded
// objects into a single global symbol table, resolving undefined
// references against later-inserted definitions by iterating the
// loader until no further archive member can supply anything still
// missing.
package symlink

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/aclements/x64ld/internal/diagx"
	"github.com/aclements/x64ld/internal/elfx"
	"github.com/aclements/x64ld/internal/loader"
)

// globalOffsetTableSymbol is the compiler's hint that a GOT exists.
// A reference to it always resolves to an Absolute symbol (its real
// address is patched in once the dynamic relocator has sized the
// GOT), never an undefined reference that forces an archive search.
const globalOffsetTableSymbol = "_GLOBAL_OFFSET_TABLE_"

// magicLinkerSymbols are the other crt-style names a linker, not any
// input object, ultimately defines: _DYNAMIC and the init/fini array
// bounds. Like _GLOBAL_OFFSET_TABLE_ a reference to one of these is
// accepted as an Absolute hint rather than forcing archive resolution
// or failing as undefined; internal/dynreloc patches in the real
// value once the output image's layout is known.
var magicLinkerSymbols = map[string]bool{
	"_DYNAMIC":           true,
	"__init_array_start": true,
	"__init_array_end":   true,
	"__fini_array_start": true,
	"__fini_array_end":   true,
}

// LinkedSection is one section contributed by an inserted Object,
// addressed by its global id (lid_base + original shndx). A bare
// placeholder (Section == nil) also occupies lid_base itself, purely
// so every object has an addressable "anchor" id for diagnostics.
type LinkedSection struct {
	Lid        uint64
	ObjectName string
	Section    *elfx.Section // nil for the lid_base placeholder entry
}

// LinkableSymbol is one entry of the linker's flat, global symbol
// table.
type LinkableSymbol struct {
	Name  string
	Lid   uint64 // owning LinkedSection's global id; meaningless if Shndx is UNDEF/ABS/COMMON
	Value uint64
	Size  uint64
	Bind  elfx.SymbolBind
	Type  elfx.SymbolType
	Vis   elfx.SymbolVis
	Shndx uint16 // elfx.SHN_UNDEF, elfx.SHN_ABS, elfx.SHN_COMMON, or "defined" sentinel below

	// DefiningObject names the object that currently owns this
	// symbol, used only for the archive-member conflict relaxation
	// (the loader renders archive members as "archive.a(member.o)").
	DefiningObject string
}

// shndxDefined is the sentinel LinkableSymbol.Shndx value recording
// "this symbol is defined in some real section", keeping the precedence
// table's switch independent of any particular section's real shndx.
const shndxDefined uint16 = 0xfffe

// Linker owns the single global symbol table and the global-id space.
// Per spec, lidCounter is the only datum ever touched by more than one
// goroutine, hence the lone atomic field.
type Linker struct {
	lidCounter atomic.Uint64

	Objects map[uint64]*LinkedSection
	Symtab  []LinkableSymbol
	lookup  map[string]int // name -> index into Symtab

	// Relocs holds, per global section id, that section's relocations
	// with Sym already rewritten from the owning object's local symtab
	// index into an index of Symtab, so every phase after insertion
	// deals with a single symbol identity space.
	Relocs map[uint64][]elfx.Relocation

	Summary diagx.Summary
}

// New returns an empty Linker.
func New() *Linker {
	return &Linker{
		Objects: map[uint64]*LinkedSection{},
		lookup:  map[string]int{},
		Relocs:  map[uint64][]elfx.Relocation{},
	}
}

// DefinedInSection reports whether s denotes a real section-relative
// definition (as opposed to Undefined, Absolute or Common), the only
// case in which s.Lid names a live LinkedSection.
func (s LinkableSymbol) DefinedInSection() bool { return s.Shndx == shndxDefined }

// InsertObject allocates a fresh lid range for obj (lid_counter.Add),
// stores every section under lid_base+shndx plus a bare placeholder at
// lid_base, folds every one of its symbols into the global table via
// the precedence rules in resolveConflict, and rewrites every
// relocation's sym field from the object's local symtab index to the
// resulting global Symtab index so later phases only ever deal with
// one symbol identity space.
func (l *Linker) InsertObject(obj *loader.Object) error {
	lidBase := l.lidCounter.Add(uint64(obj.Shnum+1)) - uint64(obj.Shnum+1)

	l.Objects[lidBase] = &LinkedSection{Lid: lidBase, ObjectName: obj.Name}
	for shndx, sec := range obj.Sections {
		lid := lidBase + uint64(shndx)
		l.Objects[lid] = &LinkedSection{Lid: lid, ObjectName: obj.Name, Section: sec}
	}

	var symtab elfx.SymtabData
	found := false
	for _, sec := range obj.Sections {
		if st, ok := sec.Data.(elfx.SymtabData); ok {
			if found {
				return diagx.NewFatal("link", fmt.Errorf("%s: multiple symbol tables in one object", obj.Name))
			}
			symtab, found = st, true
		}
	}
	if !found {
		return diagx.NewFatal("link", fmt.Errorf("%s: no symbol table", obj.Name))
	}

	// globalIndex maps this object's local symtab index to its
	// resulting position in the shared Symtab, so relocations (which
	// address symbols by that local index) can be rewritten below.
	globalIndex := make([]int, len(symtab.Symbols))
	for i := range globalIndex {
		globalIndex[i] = -1
	}

	for i, sym := range symtab.Symbols {
		if sym.Type() == elfx.STT_FILE {
			continue
		}
		if sym.Type() == elfx.STT_SECTION {
			// Section symbols have no name of their own (assemblers
			// emit them with an empty or section-derived name) but
			// relocations very commonly address static/local data via
			// "section base + addend" rather than a named symbol, so
			// each gets its own always-appended Symtab slot exactly
			// like a local symbol.
			if sym.Shndx == elfx.SHN_UNDEF || sym.Shndx == elfx.SHN_ABS || sym.Shndx == elfx.SHN_COMMON {
				continue
			}
			globalIndex[i] = len(l.Symtab)
			l.Symtab = append(l.Symtab, LinkableSymbol{
				Lid: lidBase + uint64(sym.Shndx), Value: sym.Value, Size: sym.Size,
				Bind: elfx.STB_LOCAL, Type: elfx.STT_SECTION, Vis: sym.Vis(),
				Shndx: shndxDefined, DefiningObject: obj.Name,
			})
			continue
		}
		if sym.ResolvedName == "" {
			continue
		}
		incoming := LinkableSymbol{
			Name: sym.ResolvedName, Value: sym.Value, Size: sym.Size,
			Bind: sym.Bind(), Type: sym.Type(), Vis: sym.Vis(),
			DefiningObject: obj.Name,
		}
		switch sym.Shndx {
		case elfx.SHN_UNDEF:
			incoming.Shndx = elfx.SHN_UNDEF
		case elfx.SHN_ABS:
			incoming.Shndx = elfx.SHN_ABS
		case elfx.SHN_COMMON:
			incoming.Shndx = elfx.SHN_COMMON
		default:
			incoming.Shndx = shndxDefined
			incoming.Lid = lidBase + uint64(sym.Shndx)
		}
		if incoming.Name == globalOffsetTableSymbol || magicLinkerSymbols[incoming.Name] {
			if incoming.Shndx == elfx.SHN_UNDEF {
				incoming.Shndx = elfx.SHN_ABS
			}
		}

		if sym.Bind() == elfx.STB_LOCAL {
			// Local symbols never participate in cross-object name
			// resolution (the precedence table only governs GLOBAL/
			// WEAK/COMMON/UNDEF collisions) — two objects routinely
			// define a same-named local label. Each gets its own,
			// always-appended Symtab slot and stays out of the lookup
			// index entirely.
			globalIndex[i] = len(l.Symtab)
			l.Symtab = append(l.Symtab, incoming)
			continue
		}

		idx, err := l.insertSymbol(incoming)
		if err != nil {
			return err
		}
		globalIndex[i] = idx
	}

	for shndx, sec := range obj.Sections {
		if sec.Header.Type != elfx.SHT_RELA {
			continue
		}
		rd, ok := sec.Data.(elfx.RelaData)
		if !ok {
			continue
		}
		target := lidBase + uint64(sec.Header.Info)
		rewritten := make([]elfx.Relocation, 0, len(rd.Relocs))
		for _, r := range rd.Relocs {
			gi := -1
			if int(r.Sym) < len(globalIndex) {
				gi = globalIndex[r.Sym]
			}
			if gi < 0 {
				return diagx.NewFatal("link", fmt.Errorf("%s: relocation at section %d+%#x references a local/file symbol with no global identity", obj.Name, shndx, r.Offset))
			}
			rewritten = append(rewritten, elfx.Relocation{Offset: r.Offset, Sym: uint32(gi), Type: r.Type, Addend: r.Addend})
		}
		l.Relocs[target] = append(l.Relocs[target], rewritten...)
	}
	return nil
}

// insertSymbol applies the precedence table for one incoming symbol
// against whatever (if anything) the global table already holds under
// that name, returning the Symtab index the symbol now occupies.
func (l *Linker) insertSymbol(incoming LinkableSymbol) (int, error) {
	idx, exists := l.lookup[incoming.Name]
	if !exists {
		l.lookup[incoming.Name] = len(l.Symtab)
		l.Symtab = append(l.Symtab, incoming)
		return len(l.Symtab) - 1, nil
	}

	existing := l.Symtab[idx]
	keep, warn, err := resolveConflict(existing, incoming)
	if err != nil {
		return 0, diagx.NewFatal("link", err)
	}
	if warn != nil {
		l.Summary.Warn(warn)
	}
	if !keep {
		l.Symtab[idx] = incoming
	}
	return idx, nil
}

// resolveConflict decides whether an existing global-table entry
// survives an incoming definition of the same name, following the
// shndx-kind × bind precedence table: undefined always yields to any
// definition; strong (GLOBAL) beats weak; a COMMON tentative
// definition yields only to a strong real definition, never to a weak
// one; two strong definitions conflict unless the existing one came
// from inside a static archive, in which case the archive member's
// definition silently wins with a Warning instead of aborting the
// link, matching ordinary `ar`/`ld` behavior where only the first
// archive member actually needed is kept.
func resolveConflict(existing, incoming LinkableSymbol) (keepExisting bool, warn *diagx.Warning, err error) {
	if existing.Shndx == elfx.SHN_UNDEF {
		return false, nil, nil
	}
	if incoming.Shndx == elfx.SHN_UNDEF {
		return true, nil, nil
	}

	// Both sides are now defined in some sense (ABS, COMMON, or a
	// real section).
	if existing.Shndx == elfx.SHN_COMMON && incoming.Shndx == elfx.SHN_COMMON {
		// Tentative definitions merge to the larger size.
		if incoming.Size > existing.Size {
			return false, nil, nil
		}
		return true, nil, nil
	}
	if existing.Shndx == elfx.SHN_COMMON && incoming.Shndx != elfx.SHN_COMMON {
		if incoming.Bind == elfx.STB_WEAK {
			return true, nil, nil // a weak definition never displaces a COMMON slot
		}
		return false, nil, nil // a strong real definition beats a tentative one
	}
	if existing.Shndx != elfx.SHN_COMMON && incoming.Shndx == elfx.SHN_COMMON {
		return true, nil, nil
	}

	if existing.Bind == elfx.STB_WEAK && incoming.Bind != elfx.STB_WEAK {
		return false, nil, nil
	}
	if existing.Bind != elfx.STB_WEAK && incoming.Bind == elfx.STB_WEAK {
		return true, nil, nil
	}
	if existing.Bind == elfx.STB_WEAK && incoming.Bind == elfx.STB_WEAK {
		return true, nil, nil // first weak definition wins, arbitrarily but deterministically
	}

	// Both STB_GLOBAL and both actually defined: a real conflict,
	// relaxed only when the existing definition came from inside an
	// archive member (whose Name the loader renders as
	// "archive.a(member.o)") — the ordinary archive resolution model
	// is "first member that satisfies the reference wins", not an
	// error.
	if isArchiveMember(existing.DefiningObject) {
		return true, diagx.NewWarning("link", "multiple definition of %q: keeping %s over %s",
			incoming.Name, existing.DefiningObject, incoming.DefiningObject), nil
	}
	return false, nil, fmt.Errorf("multiple definition of %q: %s and %s",
		incoming.Name, existing.DefiningObject, incoming.DefiningObject)
}

func isArchiveMember(objectName string) bool {
	for i := 0; i < len(objectName); i++ {
		if objectName[i] == '(' {
			return true
		}
	}
	return false
}

// SeedUndefined registers name as an initially undefined GLOBAL
// reference if nothing already occupies that name, giving the driver's
// iterative archive-pulling loop something to search for before any
// object has been inserted — used to force in whichever object
// defines the entry symbol.
func (l *Linker) SeedUndefined(name string) {
	if _, exists := l.lookup[name]; exists {
		return
	}
	l.lookup[name] = len(l.Symtab)
	l.Symtab = append(l.Symtab, LinkableSymbol{Name: name, Bind: elfx.STB_GLOBAL, Shndx: elfx.SHN_UNDEF})
}

// NeededNames returns the set of names the driver's archive-pulling
// loop should still search for: every GLOBAL-bind undefined reference,
// plus every COMMON tentative definition (a later real definition
// should still displace it per the precedence table).
func (l *Linker) NeededNames() map[string]bool {
	out := map[string]bool{}
	for _, s := range l.Symtab {
		if (s.Shndx == elfx.SHN_UNDEF && s.Bind == elfx.STB_GLOBAL) || s.Shndx == elfx.SHN_COMMON {
			out[s.Name] = true
		}
	}
	return out
}

// Undefined returns the names still lacking a definition, sorted for
// deterministic diagnostics and driver output.
func (l *Linker) Undefined() []string {
	var out []string
	for _, s := range l.Symtab {
		if s.Shndx == elfx.SHN_UNDEF {
			out = append(out, s.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Lookup returns the symbol table entry for name, if any.
func (l *Linker) Lookup(name string) (LinkableSymbol, bool) {
	idx, ok := l.lookup[name]
	if !ok {
		return LinkableSymbol{}, false
	}
	return l.Symtab[idx], true
}
