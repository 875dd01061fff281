// Package link composes the pipeline the other internal packages
// implement — loader, symlink, gcreach, collect, dynreloc, layout —
// into the single Run entry point cmd/ld drives.
package link

import (
	"fmt"
	"sort"

	"github.com/aclements/x64ld/internal/collect"
	"github.com/aclements/x64ld/internal/diagx"
	"github.com/aclements/x64ld/internal/dynreloc"
	"github.com/aclements/x64ld/internal/elfx"
	"github.com/aclements/x64ld/internal/gcreach"
	"github.com/aclements/x64ld/internal/layout"
	"github.com/aclements/x64ld/internal/loader"
	"github.com/aclements/x64ld/internal/strtab"
	"github.com/aclements/x64ld/internal/symlink"
)

// OutputKind selects the driver's two output paths.
type OutputKind int

const (
	// OutputDYN produces a position-independent (ET_DYN) executable:
	// GOT/dynsym/rela.dyn/dynamic synthesis, layout, and an assigned
	// entry point. It relocates itself only with BootstrapStub.
	OutputDYN OutputKind = iota
	// OutputREL produces a relocatable object: per-section
	// .rela.<name> tables, no dynamic synthesis, no program headers.
	OutputREL
)

// Options configures one linker run: object paths, an output kind,
// and an optional interpreter string.
type Options struct {
	Paths   []string
	Kind    OutputKind
	Entry   string // defaults to "_start"
	Interp  string // embedded in .interp; empty emits no .interp or PT_INTERP
	Workers int

	// BootstrapStub selects the no-interpreter self-relocating
	// variant: e_entry points at a synthesized trampoline instead of
	// the real entry symbol. Requires Interp == "".
	BootstrapStub bool
}

// Result is one completed link.
type Result struct {
	File    *elfx.File
	Summary diagx.Summary
}

// Run executes the full pipeline: loader -> symbolic linker -> GC ->
// collector -> dynamic relocator -> layout, and returns the assembled
// elfx.File; writing it out is left to the caller.
func Run(opts Options) (*Result, error) {
	entry := opts.Entry
	if entry == "" {
		entry = "_start"
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}

	l := symlink.New()

	var states []loader.State
	for _, p := range opts.Paths {
		st, warns, err := loader.Expand(p)
		if err != nil {
			return nil, diagx.NewFatal("link", err)
		}
		for _, w := range warns {
			l.Summary.Warn(w)
		}
		states = append(states, st...)
	}

	if opts.Kind == OutputDYN {
		l.SeedUndefined(entry)
	} else {
		// A REL output has no single entry point to force in; every
		// path given on the command line is linked regardless of
		// whether anything references it yet.
		for _, st := range states {
			obj, err := st.Load()
			if err != nil {
				return nil, diagx.NewFatal("link", err)
			}
			if err := l.InsertObject(obj); err != nil {
				return nil, err
			}
		}
		states = nil
	}

	rest := states
	for len(rest) > 0 {
		needed := l.NeededNames()
		if len(needed) == 0 {
			break
		}
		objs, newRest, err := loader.LoadIf(rest, needed, workers)
		if err != nil {
			return nil, diagx.NewFatal("link", err)
		}
		if len(objs) == 0 {
			break
		}
		rest = newRest
		for _, obj := range objs {
			if err := l.InsertObject(obj); err != nil {
				return nil, err
			}
		}
	}

	if opts.Kind == OutputDYN {
		if undef := residualUndefined(l); len(undef) > 0 {
			return nil, diagx.NewFatal("link", fmt.Errorf("undefined reference to %s", undef[0]))
		}
	}

	var gc *gcreach.Result
	if opts.Kind == OutputREL {
		// A relocatable output keeps everything: there is no entry
		// point to root a reachability walk at, and a later final link
		// is the one that decides what is dead.
		gc = gcreach.All(l)
	} else {
		var err error
		gc, err = gcreach.Collect(l, entry)
		if err != nil {
			return nil, err
		}
	}

	out, err := collect.Run(l, gc)
	if err != nil {
		return nil, err
	}

	l.Summary.Objects = len(l.Objects)
	l.Summary.Symbols = len(l.Symtab)
	for _, rs := range out.Relocs {
		l.Summary.Relocations += len(rs)
	}

	var file *elfx.File
	if opts.Kind == OutputREL {
		file, err = buildREL(out)
	} else {
		file, err = buildDYN(out, opts, entry, &l.Summary)
	}
	if err != nil {
		return nil, err
	}

	return &Result{File: file, Summary: l.Summary}, nil
}

// residualUndefined reports GLOBAL-bind symbols that never found a
// definition across every input and archive member searched.
func residualUndefined(l *symlink.Linker) []string {
	var out []string
	for _, s := range l.Symtab {
		if s.Shndx == elfx.SHN_UNDEF && s.Bind == elfx.STB_GLOBAL {
			out = append(out, s.Name)
		}
	}
	sort.Strings(out)
	return out
}

func buildDYN(out *collect.Output, opts Options, entry string, summary *diagx.Summary) (*elfx.File, error) {
	if opts.BootstrapStub && opts.Interp != "" {
		return nil, diagx.NewFatal("link", fmt.Errorf("-bootstrap-stub is incompatible with -dynamic-linker"))
	}
	img, err := dynreloc.Prepare(out, dynreloc.Options{
		Interp:        opts.Interp,
		BootstrapStub: opts.BootstrapStub,
		Entry:         entry,
	})
	if err != nil {
		return nil, err
	}

	shstrtab := strtab.New()
	img.Sections = append(img.Sections, &elfx.Section{
		Name:   ".shstrtab",
		Header: elfx.SectionHeader{Type: elfx.SHT_STRTAB, AddrAlign: 1},
		Data:   elfx.StrtabData{Table: shstrtab},
	})
	for _, s := range img.Sections {
		s.Header.Name = shstrtab.Insert(s.Name)
	}

	// Section-header Link fields are final-file indices, so account
	// for the NULL section prepended below.
	finalIdx := func(name string) uint32 {
		for i, s := range img.Sections {
			if s.Name == name {
				return uint32(i + 1)
			}
		}
		return 0
	}
	for _, s := range img.Sections {
		switch s.Name {
		case ".dynsym":
			s.Header.Link = finalIdx(".dynstr")
			s.Header.Info = 1 // only the null entry is local
			s.Header.EntSize = elfx.SymbolEntSize
		case ".rela.dyn":
			s.Header.Link = finalIdx(".dynsym")
			s.Header.EntSize = elfx.RelocationEntSize
		case ".dynamic":
			s.Header.Link = finalIdx(".dynstr")
			s.Header.EntSize = elfx.DynamicEntSize
		case ".hash":
			s.Header.Link = finalIdx(".dynsym")
			s.Header.EntSize = 4
		}
	}

	segs, err := layout.Layout(img.Sections)
	if err != nil {
		return nil, err
	}

	if err := dynreloc.Finalize(img); err != nil {
		return nil, err
	}
	summary.Warnings = append(summary.Warnings, img.Warnings...)

	var entryAddr uint64
	var ok bool
	if opts.BootstrapStub {
		entryAddr, ok = img.BootstrapEntry()
		if !ok {
			return nil, diagx.NewFatal("link", fmt.Errorf("bootstrap stub: trampoline section missing from output image"))
		}
	} else {
		entryAddr, ok = findSymbolAddr(img, entry)
		if !ok {
			return nil, diagx.NewFatal("link", fmt.Errorf("entry symbol %q did not survive to the output image", entry))
		}
	}

	shstrtabIdx := len(img.Sections) - 1
	last := img.Sections[len(img.Sections)-1]
	hdr := elfx.Header{
		Type:      elfx.ET_DYN,
		Machine:   elfx.MachineX86_64,
		Entry:     entryAddr,
		PhOff:     elfx.HeaderSize,
		PhEntSize: elfx.SegmentHeaderSize,
		PhNum:     uint16(len(segs)),
		ShEntSize: elfx.SectionHeaderSize,
		ShNum:     uint16(len(img.Sections) + 1), // +1 for the NULL section at index 0
		ShStrNdx:  uint16(shstrtabIdx + 1),
		ShOff:     alignUp8(last.Header.Offset + last.Header.Size),
	}

	file := &elfx.File{
		Header:   hdr,
		Segments: segs,
		Sections: append([]*elfx.Section{{Header: elfx.SectionHeader{Type: elfx.SHT_NULL}}}, img.Sections...),
	}
	return file, nil
}

func findSymbolAddr(img *dynreloc.Image, name string) (uint64, bool) {
	for _, sym := range img.Symbols {
		if sym.Name != name || sym.Kind != collect.SymSection {
			continue
		}
		base, ok := img.SectionAddr(img.Sections[sym.SectionIndex].Name)
		if !ok {
			return 0, false
		}
		return base + sym.Value, true
	}
	return 0, false
}

// buildREL assembles a relocatable object: per-section .rela.<name>
// tables plus an ordinary SYMTAB/STRTAB/SHSTRTAB triple, and no
// program headers.
func buildREL(out *collect.Output) (*elfx.File, error) {
	strtb := strtab.New()
	shstrtab := strtab.New()

	// ELF requires every LOCAL symbol to precede every GLOBAL/WEAK one
	// and sh_info to index the first non-local entry. The collector
	// emits them interleaved (first-encountered order), so partition
	// stably here and remap the relocations' sym indices to match.
	order := make([]int, 0, len(out.Symbols))
	for i, s := range out.Symbols {
		if s.Bind == elfx.STB_LOCAL {
			order = append(order, i)
		}
	}
	numLocals := len(order)
	for i, s := range out.Symbols {
		if s.Bind != elfx.STB_LOCAL {
			order = append(order, i)
		}
	}
	newIndex := make([]uint32, len(out.Symbols))
	for newPos, oldIdx := range order {
		newIndex[oldIdx] = uint32(newPos + 1) // +1 for the null entry
	}

	syms := make([]elfx.Symbol, 0, len(out.Symbols)+1)
	syms = append(syms, elfx.Symbol{})
	for _, oldIdx := range order {
		sym := out.Symbols[oldIdx]
		shndx := uint16(elfx.SHN_ABS)
		switch sym.Kind {
		case collect.SymUndef:
			shndx = elfx.SHN_UNDEF
		case collect.SymCommon:
			shndx = elfx.SHN_COMMON
		case collect.SymSection:
			shndx = uint16(sym.SectionIndex + 1) // payload sections directly follow the NULL section
		}
		syms = append(syms, elfx.Symbol{
			Name: strtb.Insert(sym.Name), Info: elfx.MakeInfo(sym.Bind, sym.Type),
			Other: uint8(sym.Vis), Shndx: shndx, Value: sym.Value, Size: sym.Size,
			ResolvedName: sym.Name,
		})
	}

	nRela := 0
	for _, relocs := range out.Relocs {
		if len(relocs) > 0 {
			nRela++
		}
	}
	symtabIdx := uint32(1 + len(out.Sections) + nRela)

	var sections []*elfx.Section
	sections = append(sections, out.Sections...)
	for i, relocs := range out.Relocs {
		if len(relocs) == 0 {
			continue
		}
		remapped := make([]elfx.Relocation, len(relocs))
		for j, r := range relocs {
			r.Sym = newIndex[r.Sym]
			remapped[j] = r
		}
		sections = append(sections, &elfx.Section{
			Name: ".rela" + out.Sections[i].Name,
			Header: elfx.SectionHeader{
				Type: elfx.SHT_RELA, Link: symtabIdx, Info: uint32(i + 1),
				EntSize: elfx.RelocationEntSize, AddrAlign: 8,
			},
			Data: elfx.RelaData{Relocs: remapped},
		})
	}
	sections = append(sections,
		&elfx.Section{Name: ".symtab", Header: elfx.SectionHeader{
			Type: elfx.SHT_SYMTAB, Link: symtabIdx + 1, Info: uint32(numLocals + 1),
			EntSize: elfx.SymbolEntSize, AddrAlign: 8,
		}, Data: elfx.SymtabData{Symbols: syms}},
		&elfx.Section{Name: ".strtab", Header: elfx.SectionHeader{Type: elfx.SHT_STRTAB, AddrAlign: 1}, Data: elfx.StrtabData{Table: strtb}},
	)
	sections = append(sections, &elfx.Section{Name: ".shstrtab", Header: elfx.SectionHeader{Type: elfx.SHT_STRTAB, AddrAlign: 1}, Data: elfx.StrtabData{Table: shstrtab}})

	offset := uint64(elfx.HeaderSize)
	for _, s := range sections {
		s.Header.Name = shstrtab.Insert(s.Name)
		align := s.Header.AddrAlign
		if align == 0 {
			align = 1
		}
		offset = alignUp(offset, align)
		s.Header.Offset = offset
		s.Header.Size = s.Data.Size()
		if s.Header.Type != elfx.SHT_NOBITS {
			offset += s.Header.Size
		}
	}

	hdr := elfx.Header{
		Type: elfx.ET_REL, Machine: elfx.MachineX86_64,
		ShEntSize: elfx.SectionHeaderSize,
		ShNum:     uint16(len(sections) + 1),
		ShStrNdx:  uint16(len(sections)), // shstrtab is always last
		ShOff:     alignUp8(offset),
	}
	return &elfx.File{
		Header:   hdr,
		Sections: append([]*elfx.Section{{Header: elfx.SectionHeader{Type: elfx.SHT_NULL}}}, sections...),
	}, nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

func alignUp8(v uint64) uint64 { return alignUp(v, 8) }
