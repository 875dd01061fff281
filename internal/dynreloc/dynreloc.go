// Package dynreloc implements the dynamic relocator: it lowers the
// collector's PC-relative and absolute relocations into a form a PIE
// loader can apply at load time, synthesizing the .got, .com,
// .dynsym, .dynstr, .rela.dyn, .dynamic and .hash sections a
// statically-linked position-independent executable needs to
// relocate itself.
//
// Prepare does everything resolvable without knowing final virtual
// addresses: interning GOT slots, allocating COMMON symbols into
// .com, and computing the handful of quantities (TLS offsets, slot
// counts, string-table contents) that don't depend on layout.
// Finalize runs after internal/layout has assigned addresses and
// patches in everything that does.
package dynreloc

import (
	"fmt"
	"sort"

	"github.com/aclements/x64ld/internal/collect"
	"github.com/aclements/x64ld/internal/diagx"
	"github.com/aclements/x64ld/internal/elfx"
	"github.com/aclements/x64ld/internal/strtab"
)

// Options configures the dynamic relocator's output.
type Options struct {
	// Interp, if non-empty, is written to .interp and gets a
	// PT_INTERP segment; an empty Interp emits no .interp. The output
	// relocates itself only when BootstrapStub is also set.
	Interp string

	// BootstrapStub requests the no-interpreter variant: instead of
	// relying on a dynamic loader to process .rela.dyn before
	// transferring control, the output's e_entry points at a tiny
	// synthesized trampoline (.init.stub) that walks .rela.dyn itself,
	// applies every R_X86_64_RELATIVE entry using a bias computed from
	// its own runtime address, then jumps to the real entry symbol.
	// Mutually exclusive with a non-empty Interp.
	BootstrapStub bool

	// Entry names the symbol the stub should jump to once it has
	// finished self-relocating. Ignored unless BootstrapStub is set.
	Entry string
}

// dynRel is a R_X86_64_RELATIVE entry deferred until Finalize: the
// loader will add the final runtime load bias to Addend and write
// the result at Offset, so both depend on section addresses layout
// hasn't assigned yet.
type dynRel struct {
	slot        int
	siteSection int
	siteOffset  uint64
	target      int // index into Image.Sections
	addend      int64
}

// localPatch is a direct PC32-class fixup against a symbol: value =
// S + A - P, written into the owning section's bytes once layout has
// fixed S and P. The symbol is held by index rather than resolved
// value so that references to linker-synthesized absolute symbols
// (_DYNAMIC, the array bounds) see the value Finalize patches in,
// not the placeholder zero they carry through Prepare.
type localPatch struct {
	siteSection int
	siteOffset  uint64
	symIdx      int
	addend      int64
}

// gotPCPatch is a PC32 fixup whose target is a GOT slot rather than
// a symbol: value = GOT + slot + A - P.
type gotPCPatch struct {
	siteSection int
	siteOffset  uint64
	slot        uint64
	addend      int64
}

// absPatch is an 8-byte absolute fixup against a symbol that needs
// no dynamic relocation (the symbol is Absolute or undefined-weak):
// value = S + A.
type absPatch struct {
	siteSection int
	siteOffset  uint64
	symIdx      int
	addend      int64
}

// gotAbsPatch records that the 8-byte GOT slot at slot must hold the
// final value of an absolute symbol.
type gotAbsPatch struct {
	slot   uint64
	symIdx int
}

// dynsymPatch records that dynsym entry idx's Value must be set to
// Symbols[symIdx]'s final address once layout has run.
type dynsymPatch struct {
	entry  int
	symIdx int
}

// Image is the dynamic relocator's output: the collector's sections
// plus every section this package synthesized, ready for
// internal/layout to assign addresses and then Finalize to patch.
type Image struct {
	Sections []*elfx.Section
	Symbols  []collect.Symbol

	// Warnings accumulates the recoverable diagnostics this package
	// raises (an undefined symbol's GOT slot left zero, a RELATIVE
	// candidate with no effective addend); the driver folds them into
	// the run summary.
	Warnings []*diagx.Warning

	gotIdx, comIdx, dynstrIdx, dynsymIdx, relaDynIdx, dynamicIdx, hashIdx, interpIdx int

	// hasDynamic records whether this image carries dynamic-linking
	// metadata at all. An image with no dynamic relocations, no
	// interpreter and no bootstrap stub is a plain static PIE: it
	// needs no .dynamic/.dynsym/.hash/.rela.dyn, and synthesizing
	// empty ones would only add segments to an otherwise single-LOAD
	// output.
	hasDynamic bool

	dynstr *strtab.Table

	got     []byte
	gotSlot map[int]uint64 // Symbols index -> byte offset into .got

	dynRels []dynRel
	locals  []localPatch
	gotPC   []gotPCPatch
	abs8    []absPatch
	gotAbs  []gotAbsPatch

	dynsymPatches []dynsymPatch
	dynTagSlot    map[elfx.DynamicTag]int // tag -> index into .dynamic's Entries, for address patching

	bootstrap      bool
	bootstrapEntry string
	stubIdx        int
}

// bootstrapStubSize is the fixed length of the self-relocation
// trampoline buildBootstrapStub emits; Prepare reserves exactly this
// many zero bytes so layout can assign the section an address before
// Finalize fills in the address-dependent immediates.
const bootstrapStubSize = 60

// SectionIndex returns the index of the named synthesized or
// collected section, or -1 if it doesn't exist in this image.
func (img *Image) SectionIndex(name string) int {
	for i, s := range img.Sections {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// SectionAddr returns the final address of the named section; it
// must only be called after layout has run.
func (img *Image) SectionAddr(name string) (uint64, bool) {
	i := img.SectionIndex(name)
	if i < 0 {
		return 0, false
	}
	return img.Sections[i].Header.Addr, true
}

// PatchAbsSymbol sets the value of an absolute symbol named name
// (one of the linker's synthesized symbols, e.g. _DYNAMIC or
// __init_array_start) once its true value is known. It is a no-op if
// no such absolute symbol exists, since the symbol may simply be
// unreferenced by this link.
func (img *Image) PatchAbsSymbol(name string, value uint64) bool {
	for i := range img.Symbols {
		if img.Symbols[i].Name == name && img.Symbols[i].Kind == collect.SymAbs {
			img.Symbols[i].Value = value
			return true
		}
	}
	return false
}

func ensureSection(img *Image, name string, typ elfx.SectionType, flags elfx.SectionFlags, align uint64, data elfx.SectionData) int {
	if i := img.SectionIndex(name); i >= 0 {
		return i
	}
	idx := len(img.Sections)
	img.Sections = append(img.Sections, &elfx.Section{
		Name:   name,
		Header: elfx.SectionHeader{Type: typ, Flags: flags, AddrAlign: align},
		Data:   data,
	})
	return idx
}

// Prepare lowers out into an Image: it resolves everything that
// doesn't depend on final section addresses and leaves the rest
// queued for Finalize.
func Prepare(out *collect.Output, opts Options) (*Image, error) {
	img := &Image{
		Symbols: append([]collect.Symbol(nil), out.Symbols...),
		dynstr:  strtab.New(),
		gotSlot: map[int]uint64{},

		gotIdx: -1, comIdx: -1, dynstrIdx: -1, dynsymIdx: -1,
		relaDynIdx: -1, dynamicIdx: -1, hashIdx: -1, interpIdx: -1, stubIdx: -1,
	}
	img.dynstr.Insert("")

	for _, s := range out.Sections {
		img.Sections = append(img.Sections, s)
	}

	img.comIdx = ensureSection(img, ".com", elfx.SHT_NOBITS, elfx.SHF_ALLOC|elfx.SHF_WRITE, 16, elfx.NoneData{})
	allocateCommons(img)

	tl := computeTLSLayout(img)

	relocsBySite := make(map[int][]elfx.Relocation, len(out.Relocs))
	for i, rs := range out.Relocs {
		relocsBySite[i] = rs
	}

	var siteIdxs []int
	for i := range out.Relocs {
		siteIdxs = append(siteIdxs, i)
	}
	sort.Ints(siteIdxs)

	for _, siteIdx := range siteIdxs {
		site := img.Sections[siteIdx]
		for _, r := range relocsBySite[siteIdx] {
			if err := classify(img, siteIdx, site, r, tl); err != nil {
				return nil, err
			}
		}
	}

	img.hasDynamic = len(img.dynRels) > 0 || opts.Interp != "" || opts.BootstrapStub
	if img.hasDynamic {
		if err := buildDynsym(img); err != nil {
			return nil, err
		}
		buildHash(img)
		if opts.Interp != "" {
			img.interpIdx = ensureSection(img, ".interp", elfx.SHT_PROGBITS, elfx.SHF_ALLOC, 1,
				elfx.RawData{Bytes: append([]byte(opts.Interp), 0)})
		}
		buildDynamic(img)
	}

	if opts.BootstrapStub {
		img.bootstrap = true
		img.bootstrapEntry = opts.Entry
		img.stubIdx = ensureSection(img, ".init.stub", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR, 16,
			elfx.RawData{Bytes: make([]byte, bootstrapStubSize)})
	}

	return img, nil
}

// BootstrapEntry returns the runtime address Header.Entry should use
// for a BootstrapStub image: the trampoline's own address, not the
// real entry symbol's (the trampoline jumps there only after
// self-relocating). It must only be called after Finalize.
func (img *Image) BootstrapEntry() (uint64, bool) {
	if !img.bootstrap {
		return 0, false
	}
	return img.Sections[img.stubIdx].Header.Addr, true
}

func allocateCommons(img *Image) {
	com := img.Sections[img.comIdx]
	nd := com.Data.(elfx.NoneData)
	for i := range img.Symbols {
		sym := &img.Symbols[i]
		if sym.Kind != collect.SymCommon {
			continue
		}
		align := sym.Value
		if align == 0 {
			align = 1
		}
		off := alignUp(nd.MemSize, align)
		nd.MemSize = off + sym.Size
		sym.Kind = collect.SymSection
		sym.SectionIndex = img.comIdx
		sym.Value = off
	}
	com.Data = nd
}

// tlsLayout records, per TLS section, its byte offset within the
// concatenated TLS initialization block, plus the block's total size
// and alignment.
type tlsLayout struct {
	offset map[int]uint64
	size   uint64
	align  uint64
}

func computeTLSLayout(img *Image) tlsLayout {
	tl := tlsLayout{offset: map[int]uint64{}, align: 1}
	for i, s := range img.Sections {
		if s.Header.Flags&elfx.SHF_TLS == 0 {
			continue
		}
		align := s.Header.AddrAlign
		if align == 0 {
			align = 1
		}
		off := alignUp(tl.size, align)
		tl.offset[i] = off
		tl.size = off + s.Data.Size()
		if align > tl.align {
			tl.align = align
		}
	}
	return tl
}

// tpoff computes a symbol's x86-64 "variant II" offset from the
// thread pointer: negative, counted backward from the end of the
// TLS block.
func (tl tlsLayout) tpoff(sym collect.Symbol) int64 {
	base, ok := tl.offset[sym.SectionIndex]
	if !ok {
		base = 0
	}
	return int64(base+sym.Value) - int64(alignUp(tl.size, tl.align))
}

// dtpoff computes a symbol's offset from the start of the module's
// TLS block: the value a TLS descriptor's offset word and a DTPOFF32
// field hold.
func (tl tlsLayout) dtpoff(sym collect.Symbol) int64 {
	return int64(tl.offset[sym.SectionIndex] + sym.Value)
}

func classify(img *Image, siteIdx int, site *elfx.Section, r elfx.Relocation, tl tlsLayout) error {
	sym := img.Symbols[r.Sym]
	// An Absolute symbol needs no load-time relocation; so does an
	// undefined one, which can only be WEAK at this point (undefined
	// GLOBALs are fatal before collection) and resolves to zero.
	isAbs := sym.Kind == collect.SymAbs || sym.Kind == collect.SymUndef

	switch r.Type {
	case elfx.R_X86_64_PC32, elfx.R_X86_64_PLT32:
		img.locals = append(img.locals, localPatch{
			siteSection: siteIdx, siteOffset: r.Offset,
			symIdx: int(r.Sym), addend: r.Addend,
		})

	case elfx.R_X86_64_64:
		if isAbs {
			img.abs8 = append(img.abs8, absPatch{
				siteSection: siteIdx, siteOffset: r.Offset,
				symIdx: int(r.Sym), addend: r.Addend,
			})
			return nil
		}
		if int64(sym.Value)+r.Addend == 0 && sym.Name == "" {
			img.Warnings = append(img.Warnings, diagx.NewWarning("dynreloc",
				"%s+%#x: R_X86_64_64 with no symbol and no addend; the RELATIVE entry will resolve to the bare load bias", site.Name, r.Offset))
		}
		img.dynRels = append(img.dynRels, dynRel{
			slot: len(img.dynRels), siteSection: siteIdx, siteOffset: r.Offset,
			target: sym.SectionIndex, addend: int64(sym.Value) + r.Addend,
		})

	case elfx.R_X86_64_GOTPCREL, elfx.R_X86_64_GOTPCRELX, elfx.R_X86_64_REX_GOTPCRELX:
		slot := internGOT(img, int(r.Sym), sym)
		img.gotPC = append(img.gotPC, gotPCPatch{
			siteSection: siteIdx, siteOffset: r.Offset,
			slot: slot, addend: r.Addend,
		})

	case elfx.R_X86_64_GOTTPOFF:
		slot := internGOTValue(img, int(r.Sym), uint64(tl.tpoff(sym)))
		img.gotPC = append(img.gotPC, gotPCPatch{
			siteSection: siteIdx, siteOffset: r.Offset,
			slot: slot, addend: r.Addend,
		})

	case elfx.R_X86_64_TLSGD:
		slot := internTLSPair(img, int(r.Sym), 1, uint64(tl.dtpoff(sym)))
		img.gotPC = append(img.gotPC, gotPCPatch{
			siteSection: siteIdx, siteOffset: r.Offset,
			slot: slot, addend: r.Addend,
		})

	case elfx.R_X86_64_TLSLD:
		// One shared descriptor pair for the whole module: module id
		// 1, base offset 0 (every local-dynamic symbol adds its own
		// DTPOFF32 on top).
		slot := internTLSPair(img, -1, 1, 0)
		img.gotPC = append(img.gotPC, gotPCPatch{
			siteSection: siteIdx, siteOffset: r.Offset,
			slot: slot, addend: r.Addend,
		})

	case elfx.R_X86_64_DTPOFF32:
		patchAbs4(site, r.Offset, uint64(tl.dtpoff(sym)+r.Addend))

	case elfx.R_X86_64_NONE:
		// nothing to do

	default:
		return diagx.NewFatal("dynreloc", fmt.Errorf("%s+%#x: unsupported relocation %s", site.Name, r.Offset, r.Type))
	}
	return nil
}

func patchAbs8(site *elfx.Section, offset uint64, value uint64) {
	rd := site.Data.(elfx.RawData)
	growTo(&rd.Bytes, offset+8)
	putLE64(rd.Bytes[offset:], value)
	site.Data = rd
}

func patchAbs4(site *elfx.Section, offset uint64, value uint64) {
	rd := site.Data.(elfx.RawData)
	growTo(&rd.Bytes, offset+4)
	putLE32(rd.Bytes[offset:], uint32(value))
	site.Data = rd
}

func growTo(b *[]byte, n uint64) {
	if uint64(len(*b)) < n {
		*b = append(*b, make([]byte, n-uint64(len(*b)))...)
	}
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func ensureGOT(img *Image) int {
	if img.gotIdx < 0 {
		img.gotIdx = ensureSection(img, ".got", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_WRITE, 16, elfx.RawData{})
	}
	return img.gotIdx
}

// internGOT returns the byte offset of symIdx's (interned, 8-byte)
// GOT slot, allocating one and queuing its dynamic RELATIVE
// relocation (or writing an absolute value directly) the first time
// a given symbol is seen. An undefined symbol's slot stays zero with
// a warning: there is nothing to bind it to, and the program only
// faults if it actually dereferences the slot.
func internGOT(img *Image, symKey int, sym collect.Symbol) uint64 {
	ensureGOT(img)
	if off, ok := img.gotSlot[symKey]; ok {
		return off
	}
	off := uint64(len(img.got))
	img.got = append(img.got, make([]byte, 8)...)
	img.gotSlot[symKey] = off

	switch sym.Kind {
	case collect.SymAbs:
		img.gotAbs = append(img.gotAbs, gotAbsPatch{slot: off, symIdx: symKey})
	case collect.SymUndef:
		img.Warnings = append(img.Warnings, diagx.NewWarning("dynreloc",
			"GOT slot for undefined symbol %q left zero", sym.Name))
	default:
		img.dynRels = append(img.dynRels, dynRel{
			slot: len(img.dynRels), siteSection: img.gotIdx, siteOffset: off,
			target: sym.SectionIndex, addend: int64(sym.Value),
		})
	}
	img.Sections[img.gotIdx].Data = elfx.RawData{Bytes: img.got}
	return off
}

// internGOTValue interns an 8-byte GOT slot holding a literal value
// known entirely at link time (no runtime relocation needed), e.g. a
// GOTTPOFF thread-local offset.
func internGOTValue(img *Image, symKey int, value uint64) uint64 {
	ensureGOT(img)
	if off, ok := img.gotSlot[symKey]; ok {
		return off
	}
	off := uint64(len(img.got))
	img.got = append(img.got, make([]byte, 8)...)
	putLE64(img.got[off:], value)
	img.gotSlot[symKey] = off
	img.Sections[img.gotIdx].Data = elfx.RawData{Bytes: img.got}
	return off
}

// internTLSPair interns a 16-byte general/local-dynamic TLS
// descriptor (module id, offset), keyed separately from the 8-byte
// GOT slot namespace so a symbol referenced both ways (unusual but
// legal) doesn't collide.
func internTLSPair(img *Image, symKey int, moduleID uint64, offset uint64) uint64 {
	ensureGOT(img)
	key := tlsPairKey(symKey)
	if off, ok := img.gotSlot[key]; ok {
		return off
	}
	off := uint64(len(img.got))
	img.got = append(img.got, make([]byte, 16)...)
	putLE64(img.got[off:], moduleID)
	putLE64(img.got[off+8:], offset)
	img.gotSlot[key] = off
	img.Sections[img.gotIdx].Data = elfx.RawData{Bytes: img.got}
	return off
}

// tlsPairKey maps a GOT-interning key into a disjoint range from the
// 8-byte-slot keyspace (collect.Output symbol indices are never
// negative past this offset in any real object).
func tlsPairKey(symKey int) int { return symKey - 1<<30 }

func buildDynsym(img *Image) error {
	dynstr := img.dynstr
	var syms []elfx.Symbol
	syms = append(syms, elfx.Symbol{}) // mandatory null entry

	for i, sym := range img.Symbols {
		if sym.Bind != elfx.STB_GLOBAL || sym.Kind != collect.SymSection || sym.Vis != elfx.STV_DEFAULT {
			continue
		}
		nameOff := dynstr.Insert(sym.Name)
		entry := len(syms)
		syms = append(syms, elfx.Symbol{
			Name:         nameOff,
			Info:         elfx.MakeInfo(sym.Bind, sym.Type),
			Shndx:        1, // placeholder, non-zero so readers treat it as defined
			Value:        0, // patched in Finalize once the owning section has an address
			Size:         sym.Size,
			ResolvedName: sym.Name,
		})
		img.dynsymPatches = append(img.dynsymPatches, dynsymPatch{entry: entry, symIdx: i})
	}

	img.dynstrIdx = ensureSection(img, ".dynstr", elfx.SHT_STRTAB, elfx.SHF_ALLOC, 1, elfx.StrtabData{Table: dynstr})
	img.dynsymIdx = ensureSection(img, ".dynsym", elfx.SHT_DYNSYM, elfx.SHF_ALLOC, 8, elfx.SymtabData{Symbols: syms})
	return nil
}

// elfHash is the standard SysV ELF hash function (elf(5)).
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

func buildHash(img *Image) {
	syms := img.Sections[img.dynsymIdx].Data.(elfx.SymtabData).Symbols
	n := uint32(len(syms))
	nbucket := n
	if nbucket == 0 {
		nbucket = 1
	}
	buckets := make([]uint32, nbucket)
	chain := make([]uint32, n)
	for i := uint32(1); i < n; i++ {
		h := elfHash(syms[i].ResolvedName) % nbucket
		chain[i] = buckets[h]
		buckets[h] = i
	}

	words := make([]byte, 8+4*int(nbucket)+4*int(n))
	putLE32(words[0:], nbucket)
	putLE32(words[4:], n)
	off := 8
	for _, b := range buckets {
		putLE32(words[off:], b)
		off += 4
	}
	for _, c := range chain {
		putLE32(words[off:], c)
		off += 4
	}
	img.hashIdx = ensureSection(img, ".hash", elfx.SHT_HASH, elfx.SHF_ALLOC, 8, elfx.RawData{Bytes: words})
}

func buildDynamic(img *Image) {
	img.dynTagSlot = map[elfx.DynamicTag]int{}
	add := func(entries *[]elfx.Dynamic, tag elfx.DynamicTag, val uint64) {
		img.dynTagSlot[tag] = len(*entries)
		*entries = append(*entries, elfx.Dynamic{Tag: tag, Val: val})
	}

	var entries []elfx.Dynamic
	add(&entries, elfx.DT_HASH, 0)
	add(&entries, elfx.DT_STRTAB, 0)
	entries = append(entries, elfx.Dynamic{Tag: elfx.DT_STRSZ, Val: uint64(img.dynstr.Len())})
	add(&entries, elfx.DT_SYMTAB, 0)
	entries = append(entries, elfx.Dynamic{Tag: elfx.DT_SYMENT, Val: elfx.SymbolEntSize})
	add(&entries, elfx.DT_RELA, 0)
	entries = append(entries, elfx.Dynamic{Tag: elfx.DT_RELASZ, Val: uint64(len(img.dynRels)) * elfx.RelocationEntSize})
	entries = append(entries, elfx.Dynamic{Tag: elfx.DT_RELAENT, Val: elfx.RelocationEntSize})
	entries = append(entries, elfx.Dynamic{Tag: elfx.DT_RELACOUNT, Val: uint64(len(img.dynRels))})
	entries = append(entries, elfx.Dynamic{Tag: elfx.DT_TEXTREL, Val: 0})
	entries = append(entries, elfx.Dynamic{Tag: elfx.DT_FLAGS_1, Val: 0x08000000}) // DF_1_PIE
	entries = append(entries, elfx.Dynamic{Tag: elfx.DT_NULL})

	img.dynamicIdx = ensureSection(img, ".dynamic", elfx.SHT_DYNAMIC, elfx.SHF_ALLOC|elfx.SHF_WRITE, 8, elfx.DynamicData{Entries: entries})

	relaData := make([]elfx.Relocation, len(img.dynRels))
	img.relaDynIdx = ensureSection(img, ".rela.dyn", elfx.SHT_RELA, elfx.SHF_ALLOC, 8, elfx.RelaData{Relocs: relaData})
}

// Finalize patches every address-dependent value computed during
// Prepare. It must run after internal/layout has assigned
// Header.Addr to every section in img.Sections.
func Finalize(img *Image) error {
	addr := func(idx int) uint64 { return img.Sections[idx].Header.Addr }

	// Resolve the linker-synthesized absolute symbols first: the
	// patch loops below read symbol values, and a reference to
	// _DYNAMIC or the array bounds must see the final address, not
	// the placeholder zero carried through Prepare.
	if img.hasDynamic {
		img.PatchAbsSymbol("_DYNAMIC", addr(img.dynamicIdx))
	}
	if img.gotIdx >= 0 {
		img.PatchAbsSymbol("_GLOBAL_OFFSET_TABLE_", addr(img.gotIdx))
	}
	for _, name := range []string{".init_array", ".fini_array"} {
		if i := img.SectionIndex(name); i >= 0 {
			start := "__init_array_start"
			end := "__init_array_end"
			if name == ".fini_array" {
				start, end = "__fini_array_start", "__fini_array_end"
			}
			img.PatchAbsSymbol(start, addr(i))
			img.PatchAbsSymbol(end, addr(i)+img.Sections[i].Header.Size)
		}
	}

	// symAddr is a symbol's final runtime address: section base plus
	// offset for section-relative definitions, the (just patched)
	// value for absolutes, zero for undefined weaks.
	symAddr := func(idx int) uint64 {
		sym := img.Symbols[idx]
		if sym.Kind == collect.SymSection {
			return addr(sym.SectionIndex) + sym.Value
		}
		return sym.Value
	}

	if img.hasDynamic {
		rela := img.Sections[img.relaDynIdx].Data.(elfx.RelaData)
		for _, dr := range img.dynRels {
			rela.Relocs[dr.slot] = elfx.Relocation{
				Offset: addr(dr.siteSection) + dr.siteOffset,
				Type:   elfx.R_X86_64_RELATIVE,
				Addend: int64(addr(dr.target)) + dr.addend,
			}
		}
		img.Sections[img.relaDynIdx].Data = rela
	}

	for _, ap := range img.abs8 {
		patchAbs8(img.Sections[ap.siteSection], ap.siteOffset, symAddr(ap.symIdx)+uint64(ap.addend))
	}
	for _, gp := range img.gotAbs {
		rd := img.Sections[img.gotIdx].Data.(elfx.RawData)
		putLE64(rd.Bytes[gp.slot:], symAddr(gp.symIdx))
	}
	for _, lp := range img.locals {
		site := img.Sections[lp.siteSection]
		p := addr(lp.siteSection) + lp.siteOffset
		s := symAddr(lp.symIdx) + uint64(lp.addend)
		patchAbs4(site, lp.siteOffset, uint64(int32(int64(s)-int64(p))))
	}
	for _, gp := range img.gotPC {
		site := img.Sections[gp.siteSection]
		p := addr(gp.siteSection) + gp.siteOffset
		s := addr(img.gotIdx) + gp.slot + uint64(gp.addend)
		patchAbs4(site, gp.siteOffset, uint64(int32(int64(s)-int64(p))))
	}

	if img.hasDynamic {
		dyn := img.Sections[img.dynamicIdx].Data.(elfx.DynamicData)
		patchTag := func(tag elfx.DynamicTag, idx int) {
			if slot, ok := img.dynTagSlot[tag]; ok {
				dyn.Entries[slot].Val = addr(idx)
			}
		}
		patchTag(elfx.DT_HASH, img.hashIdx)
		patchTag(elfx.DT_STRTAB, img.dynstrIdx)
		patchTag(elfx.DT_SYMTAB, img.dynsymIdx)
		patchTag(elfx.DT_RELA, img.relaDynIdx)
		img.Sections[img.dynamicIdx].Data = dyn

		dynsym := img.Sections[img.dynsymIdx].Data.(elfx.SymtabData)
		for _, p := range img.dynsymPatches {
			dynsym.Symbols[p.entry].Value = symAddr(p.symIdx)
		}
		img.Sections[img.dynsymIdx].Data = dynsym
	}

	if img.bootstrap {
		if err := buildBootstrapStub(img); err != nil {
			return err
		}
	}
	return nil
}

// findEntryAddr returns the final runtime address of the named symbol,
// which must resolve to a real section-relative definition (the
// bootstrap stub's jump target is never absolute or undefined).
func findEntryAddr(img *Image, name string) (uint64, bool) {
	for _, sym := range img.Symbols {
		if sym.Name != name || sym.Kind != collect.SymSection {
			continue
		}
		return img.Sections[sym.SectionIndex].Header.Addr + sym.Value, true
	}
	return 0, false
}

// buildBootstrapStub assembles the self-relocating trampoline into
// the bytes Prepare reserved at img.stubIdx. The trampoline:
//
//  1. computes bias = runtime_load_address - link_time_address using
//     a RIP-relative LEA immediately followed by a subtraction of the
//     (now known) link-time address of the instruction after it;
//  2. walks every R_X86_64_RELATIVE entry written into .rela.dyn
//     (found and sized via plain RIP-relative addressing, which is
//     already bias-correct), writing bias+addend at bias+offset for
//     each;
//  3. jumps to the real entry symbol, again addressed RIP-relative so
//     no explicit bias addition is needed for the jump target itself.
//
// This mirrors the self-relocation technique static-pie C runtimes use
// when no dynamic loader is invoked to process .rela.dyn on their
// behalf.
func buildBootstrapStub(img *Image) error {
	relaAddr, ok := img.SectionAddr(".rela.dyn")
	if !ok {
		return diagx.NewFatal("dynreloc", fmt.Errorf("bootstrap stub: no .rela.dyn section"))
	}
	entryAddr, ok := findEntryAddr(img, img.bootstrapEntry)
	if !ok {
		return diagx.NewFatal("dynreloc", fmt.Errorf("bootstrap stub: entry symbol %q did not survive to the output image", img.bootstrapEntry))
	}
	stubAddr := img.Sections[img.stubIdx].Header.Addr
	relaCount := uint32(len(img.dynRels))

	b := make([]byte, 0, bootstrapStubSize)
	emit := func(bs ...byte) { b = append(b, bs...) }
	le32 := func(v uint32) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)} }

	// lea rax, [rip+0]   ; rax = runtime addr right after this insn
	emit(0x48, 0x8D, 0x05)
	emit(le32(0)...)
	afterLea1 := stubAddr + uint64(len(b))

	// sub rax, imm32      ; rax -= link-time addr right after the lea -> rax = bias
	emit(0x48, 0x2D)
	emit(le32(uint32(afterLea1))...)

	// lea rsi, [rip+disp] ; rsi = runtime addr of .rela.dyn (already bias-correct)
	emit(0x48, 0x8D, 0x35)
	leaRsiDispAt := len(b)
	emit(le32(0)...)
	afterLeaRsi := stubAddr + uint64(len(b))
	putLE32(b[leaRsiDispAt:], uint32(int64(relaAddr)-int64(afterLeaRsi)))

	// mov rcx, imm32      ; rcx = number of .rela.dyn entries to apply
	emit(0x48, 0xC7, 0xC1)
	emit(le32(relaCount)...)

	// jrcxz past the loop  ; LOOP decrements before testing, so an
	// empty .rela.dyn would otherwise walk 2^64 entries
	emit(0xE3)
	jrcxzDispAt := len(b)
	emit(0)

	loopStart := len(b)
	// mov rdx, [rsi+16]   ; rdx = r_addend
	emit(0x48, 0x8B, 0x56, 0x10)
	// add rdx, rax        ; rdx = bias + r_addend
	emit(0x48, 0x01, 0xC2)
	// mov rdi, [rsi]      ; rdi = r_offset
	emit(0x48, 0x8B, 0x3E)
	// add rdi, rax        ; rdi = bias + r_offset
	emit(0x48, 0x01, 0xC7)
	// mov [rdi], rdx       ; apply the relocation
	emit(0x48, 0x89, 0x17)
	// add rsi, 24          ; advance to the next Elf64_Rela entry
	emit(0x48, 0x83, 0xC6, 0x18)
	// loop loopStart
	emit(0xE2)
	loopDisp := int(loopStart) - (len(b) + 1)
	emit(byte(int8(loopDisp)))
	b[jrcxzDispAt] = byte(int8(len(b) - (jrcxzDispAt + 1)))

	// lea rax, [rip+disp] ; rax = runtime addr of the real entry (bias-correct)
	emit(0x48, 0x8D, 0x05)
	leaEntryDispAt := len(b)
	emit(le32(0)...)
	afterLeaEntry := stubAddr + uint64(len(b))
	putLE32(b[leaEntryDispAt:], uint32(int64(entryAddr)-int64(afterLeaEntry)))

	// jmp rax
	emit(0xFF, 0xE0)

	if len(b) != bootstrapStubSize {
		return diagx.NewFatal("dynreloc", fmt.Errorf("bootstrap stub: assembled %d bytes, reserved %d", len(b), bootstrapStubSize))
	}
	img.Sections[img.stubIdx].Data = elfx.RawData{Bytes: b}
	return nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
