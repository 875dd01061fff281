// Package collect implements the section collector: it merges
// like-named surviving sections into a single output section per
// canonical name, rebasing every relocation's target offset through
// the resulting placement and rewriting defined symbols to address
// the merged layout instead of their original per-object section.
package collect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aclements/x64ld/internal/diagx"
	"github.com/aclements/x64ld/internal/elfx"
	"github.com/aclements/x64ld/internal/gcreach"
	"github.com/aclements/x64ld/internal/symlink"
)

// SymKind distinguishes the handful of ways a collected symbol can
// be "defined": absolute constant, common tentative definition,
// section-relative, or not defined at all.
type SymKind uint8

const (
	SymAbs SymKind = iota
	SymCommon
	SymSection
	SymUndef
)

// Symbol is one entry of the collector's output symbol table: every
// field is already in the merged address space (Value is section-
// relative for SymSection, the required alignment for SymCommon (Size
// is the block size), or an absolute constant for SymAbs — dynreloc assigns the
// .com slot and rewrites SymCommon entries to SymSection once it has).
type Symbol struct {
	Name         string
	Value        uint64
	Size         uint64
	Bind         elfx.SymbolBind
	Type         elfx.SymbolType
	Vis          elfx.SymbolVis
	Kind         SymKind
	SectionIndex int // valid when Kind == SymSection: index into Output.Sections
}

// Output is the collector's result: merged sections (in first-
// encountered order, NULL section not included — the driver prepends
// it), their relocations (Sym already rewritten to index Symbols), and
// the flattened symbol table.
type Output struct {
	Sections []*elfx.Section
	Relocs   [][]elfx.Relocation // parallel to Sections
	Symbols  []Symbol
}

type placement struct {
	destIdx int
	offset  uint64
}

var foldedPrefixes = []string{".bss", ".rodata", ".data", ".text", ".tdata"}

// CanonicalName folds per-object section-splitting suffixes: any name
// starting with one of the standard GNU prefixes collapses to that
// bare prefix, and any .debug_* section folds into a single ".debug"
// sink. Every other name is kept as-is.
func CanonicalName(name string) string {
	if strings.HasPrefix(name, ".debug") {
		return ".debug"
	}
	for _, p := range foldedPrefixes {
		if strings.HasPrefix(name, p) {
			return p
		}
	}
	return name
}

func mergeable(t elfx.SectionType) bool {
	switch t {
	case elfx.SHT_PROGBITS, elfx.SHT_NOBITS, elfx.SHT_INIT_ARRAY, elfx.SHT_FINI_ARRAY, elfx.SHT_NOTE:
		return true
	}
	return false
}

// Run merges every live section of l into a single Output.
func Run(l *symlink.Linker, gc *gcreach.Result) (*Output, error) {
	out := &Output{}
	nameIndex := map[string]int{}
	placements := map[uint64]placement{}

	var lids []uint64
	for lid := range gc.Live {
		lids = append(lids, lid)
	}
	sort.Slice(lids, func(i, j int) bool { return lids[i] < lids[j] })

	for _, lid := range lids {
		ls := l.Objects[lid]
		if ls == nil || ls.Section == nil || !mergeable(ls.Section.Header.Type) {
			continue
		}
		src := ls.Section
		name := CanonicalName(src.Name)

		destIdx, ok := nameIndex[name]
		if !ok {
			destIdx = len(out.Sections)
			nameIndex[name] = destIdx
			out.Sections = append(out.Sections, &elfx.Section{
				Name: name,
				Header: elfx.SectionHeader{
					Type:      src.Header.Type,
					Flags:     src.Header.Flags &^ elfx.SHF_GROUP,
					AddrAlign: 1,
				},
				Data: zeroData(src.Header.Type),
			})
			out.Relocs = append(out.Relocs, nil)
		}
		dest := out.Sections[destIdx]
		dest.Header.Flags |= src.Header.Flags &^ elfx.SHF_GROUP
		if src.Header.AddrAlign > dest.Header.AddrAlign {
			dest.Header.AddrAlign = src.Header.AddrAlign
		}

		var offset uint64
		switch sd := src.Data.(type) {
		case elfx.NoneData:
			dd := dest.Data.(elfx.NoneData)
			offset = alignUp(dd.MemSize, max64(src.Header.AddrAlign, 1))
			dd.MemSize = offset + sd.MemSize
			dest.Data = dd
		default:
			rd := dest.Data.(elfx.RawData)
			offset = alignUp(uint64(len(rd.Bytes)), max64(src.Header.AddrAlign, 1))
			rd.Bytes = append(rd.Bytes, make([]byte, offset-uint64(len(rd.Bytes)))...)
			rd.Bytes = append(rd.Bytes, sectionBytes(src)...)
			dest.Data = rd
		}
		placements[lid] = placement{destIdx: destIdx, offset: offset}
	}

	for _, lid := range lids {
		p, ok := placements[lid]
		if !ok {
			continue
		}
		for _, r := range l.Relocs[lid] {
			if r.Type == elfx.R_X86_64_32 || r.Type == elfx.R_X86_64_32S {
				return nil, diagx.NewFatal("collect", fmt.Errorf(
					"%s: %s relocation requires -fPIC (recompile with position-independent code)",
					l.Objects[lid].ObjectName, r.Type))
			}
			out.Relocs[p.destIdx] = append(out.Relocs[p.destIdx], elfx.Relocation{
				Offset: r.Offset + p.offset,
				Sym:    r.Sym, // still a symlink.Linker.Symtab index; remapped below
				Type:   r.Type,
				Addend: r.Addend,
			})
		}
	}

	finalIndex := make([]int, len(l.Symtab))
	for i := range finalIndex {
		finalIndex[i] = -1
	}
	for i, sym := range l.Symtab {
		switch {
		case sym.Shndx == elfx.SHN_UNDEF:
			// Undefined references survive collection: a REL output
			// must carry them forward for a later link to resolve, and
			// the dynamic relocator resolves undefined WEAK symbols to
			// zero rather than failing.
			finalIndex[i] = len(out.Symbols)
			out.Symbols = append(out.Symbols, Symbol{
				Name: sym.Name, Bind: sym.Bind, Type: sym.Type, Vis: sym.Vis, Kind: SymUndef,
			})
		case sym.Shndx == elfx.SHN_ABS:
			finalIndex[i] = len(out.Symbols)
			out.Symbols = append(out.Symbols, Symbol{
				Name: sym.Name, Value: sym.Value, Size: sym.Size,
				Bind: sym.Bind, Type: sym.Type, Vis: sym.Vis, Kind: SymAbs,
			})
		case sym.Shndx == elfx.SHN_COMMON:
			finalIndex[i] = len(out.Symbols)
			out.Symbols = append(out.Symbols, Symbol{
				Name: sym.Name, Value: sym.Value, Size: sym.Size,
				Bind: sym.Bind, Type: sym.Type, Vis: sym.Vis, Kind: SymCommon,
			})
		case sym.DefinedInSection():
			p, ok := placements[sym.Lid]
			if !ok {
				continue // owning section was collected away; dangling refs are caught below
			}
			finalIndex[i] = len(out.Symbols)
			out.Symbols = append(out.Symbols, Symbol{
				Name: sym.Name, Value: sym.Value + p.offset, Size: sym.Size,
				Bind: sym.Bind, Type: sym.Type, Vis: sym.Vis,
				Kind: SymSection, SectionIndex: p.destIdx,
			})
		}
	}

	for si, relocs := range out.Relocs {
		for i, r := range relocs {
			fi := finalIndex[r.Sym]
			if fi < 0 {
				return nil, diagx.NewFatal("collect", fmt.Errorf(
					"dangling relocation at %s+%#x: symbol table index %d did not survive collection",
					out.Sections[si].Name, r.Offset, r.Sym))
			}
			relocs[i].Sym = uint32(fi)
		}
	}

	return out, nil
}

func zeroData(t elfx.SectionType) elfx.SectionData {
	if t == elfx.SHT_NOBITS {
		return elfx.NoneData{}
	}
	return elfx.RawData{}
}

func sectionBytes(s *elfx.Section) []byte {
	if rd, ok := s.Data.(elfx.RawData); ok {
		return rd.Bytes
	}
	return nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
