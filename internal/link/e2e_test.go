package link

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/aclements/x64ld/internal/elfx"
	"github.com/aclements/x64ld/internal/strtab"
	"github.com/stretchr/testify/require"
)

// symSpec describes one ELF64 symbol-table entry for the synthetic
// test objects this file builds; shndx is always relative to the
// single payload section at local index 1 (or elfx.SHN_UNDEF /
// elfx.SHN_ABS).
type symSpec struct {
	name  string
	bind  elfx.SymbolBind
	typ   elfx.SymbolType
	shndx uint16
	value uint64
	size  uint64
}

// buildObjectFile assembles a minimal, real ELF64 relocatable object
// (one payload section, a symtab/strtab/shstrtab triple, and an
// optional .rela section targeting the payload) by driving the actual
// codec's WriteTo, then writes it under dir and returns its path. This
// exercises the same elfx.Read the production loader uses, rather
// than hand-building loader.Objects, so these tests cover the real
// decode path end to end.
func buildObjectFile(t *testing.T, dir, fileName string, secName string, secType elfx.SectionType, secFlags elfx.SectionFlags, payload []byte, syms []symSpec, relocs []elfx.Relocation) string {
	t.Helper()

	strtb := strtab.New()
	shstrtab := strtab.New()

	symbols := []elfx.Symbol{{}}
	for _, s := range syms {
		symbols = append(symbols, elfx.Symbol{
			Name: strtb.Insert(s.name), Info: elfx.MakeInfo(s.bind, s.typ),
			Shndx: s.shndx, Value: s.value, Size: s.size,
		})
	}

	payloadSec := &elfx.Section{Name: secName, Header: elfx.SectionHeader{Type: secType, Flags: secFlags, AddrAlign: 16}, Data: elfx.RawData{Bytes: payload}}
	relaSec := &elfx.Section{Name: ".rela" + secName, Header: elfx.SectionHeader{Type: elfx.SHT_RELA, Info: 1, Link: 3, AddrAlign: 8}, Data: elfx.RelaData{Relocs: relocs}}
	symtabSec := &elfx.Section{Name: ".symtab", Header: elfx.SectionHeader{Type: elfx.SHT_SYMTAB, Link: 4, EntSize: elfx.SymbolEntSize, AddrAlign: 8}, Data: elfx.SymtabData{Symbols: symbols}}
	strtabSec := &elfx.Section{Name: ".strtab", Header: elfx.SectionHeader{Type: elfx.SHT_STRTAB, AddrAlign: 1}, Data: elfx.StrtabData{Table: strtb}}
	shstrtabSec := &elfx.Section{Name: ".shstrtab", Header: elfx.SectionHeader{Type: elfx.SHT_STRTAB, AddrAlign: 1}, Data: elfx.StrtabData{Table: shstrtab}}

	sections := []*elfx.Section{payloadSec, relaSec, symtabSec, strtabSec, shstrtabSec}
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
		offset += s.Header.Size
	}

	hdr := elfx.Header{
		Type: elfx.ET_REL, Machine: elfx.MachineX86_64,
		ShEntSize: elfx.SectionHeaderSize,
		ShNum:     uint16(len(sections) + 1),
		ShStrNdx:  uint16(len(sections)),
		ShOff:     alignUp8(offset),
	}
	file := &elfx.File{Header: hdr, Sections: append([]*elfx.Section{{Header: elfx.SectionHeader{Type: elfx.SHT_NULL}}}, sections...)}

	var buf bytes.Buffer
	_, err := file.WriteTo(&buf)
	require.NoError(t, err)

	path := filepath.Join(dir, fileName)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestRunDYNSingleTextSegment(t *testing.T) {
	dir := t.TempDir()
	path := buildObjectFile(t, dir, "start.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 8),
		[]symSpec{{name: "_start", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8}},
		nil)

	res, err := Run(Options{Paths: []string{path}, Kind: OutputDYN})
	require.NoError(t, err)
	require.NotNil(t, res.File)

	var nLoad int
	for _, s := range res.File.Segments {
		if s.Type == elfx.PT_LOAD {
			nLoad++
			require.Zero(t, s.VAddr, "first (only) LOAD must start at vaddr 0")
			require.NotZero(t, s.Flags&elfx.PF_X, "the .text-only LOAD must be executable")
			require.Zero(t, s.Flags&elfx.PF_W, "the .text-only LOAD must not be writable")
		}
	}
	require.Equal(t, 1, nLoad, "exactly one PT_LOAD for a single-.text image")
}

func TestRunDYNGOTPCRELSynthesizesGOTAndRelativeDynrel(t *testing.T) {
	dir := t.TempDir()
	mainPath := buildObjectFile(t, dir, "main.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 8),
		[]symSpec{
			{name: "_start", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8},
			{name: "g_data", bind: elfx.STB_GLOBAL, typ: elfx.STT_NOTYPE, shndx: elfx.SHN_UNDEF},
		},
		[]elfx.Relocation{{Offset: 4, Sym: 2, Type: elfx.R_X86_64_GOTPCREL, Addend: -4}})
	dataPath := buildObjectFile(t, dir, "data.o", ".data", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_WRITE,
		make([]byte, 8),
		[]symSpec{{name: "g_data", bind: elfx.STB_GLOBAL, typ: elfx.STT_OBJECT, shndx: 1, size: 8}},
		nil)

	res, err := Run(Options{Paths: []string{mainPath, dataPath}, Kind: OutputDYN})
	require.NoError(t, err)

	got := res.File.SectionByName(".got")
	require.NotNil(t, got, "a GOTPCREL relocation must synthesize .got")
	require.EqualValues(t, 8, got.Header.Size)

	relaDyn := res.File.SectionByName(".rela.dyn")
	require.NotNil(t, relaDyn)
	rd := relaDyn.Data.(elfx.RelaData)
	require.Len(t, rd.Relocs, 1)
	require.Equal(t, elfx.R_X86_64_RELATIVE, rd.Relocs[0].Type)

	data := res.File.SectionByName(".data")
	require.NotNil(t, data)
	require.EqualValues(t, data.Header.Addr, rd.Relocs[0].Addend, "RELATIVE addend must equal g_data's final address")
}

func TestRunDYNPLT32LoweredWithoutDynamicRelocation(t *testing.T) {
	dir := t.TempDir()
	mainPath := buildObjectFile(t, dir, "main.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 16),
		[]symSpec{
			{name: "_start", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8},
			{name: "helper", bind: elfx.STB_GLOBAL, typ: elfx.STT_NOTYPE, shndx: elfx.SHN_UNDEF},
		},
		[]elfx.Relocation{{Offset: 5, Sym: 2, Type: elfx.R_X86_64_PLT32, Addend: -4}})
	helperPath := buildObjectFile(t, dir, "helper.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 8),
		[]symSpec{{name: "helper", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8}},
		nil)

	res, err := Run(Options{Paths: []string{mainPath, helperPath}, Kind: OutputDYN})
	require.NoError(t, err)

	if relaDyn := res.File.SectionByName(".rela.dyn"); relaDyn != nil {
		require.Empty(t, relaDyn.Data.(elfx.RelaData).Relocs, "PLT32 lowers to a local PC32 patch, never a dynamic relocation")
	}
}

func TestRunOrderIndependentResolution(t *testing.T) {
	dir := t.TempDir()
	mainPath := buildObjectFile(t, dir, "main.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 16),
		[]symSpec{
			{name: "_start", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8},
			{name: "helper", bind: elfx.STB_GLOBAL, typ: elfx.STT_NOTYPE, shndx: elfx.SHN_UNDEF},
		},
		[]elfx.Relocation{{Offset: 5, Sym: 2, Type: elfx.R_X86_64_PLT32, Addend: -4}})
	helperPath := buildObjectFile(t, dir, "helper.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 8),
		[]symSpec{{name: "helper", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8}},
		nil)

	_, err1 := Run(Options{Paths: []string{mainPath, helperPath}, Kind: OutputDYN})
	_, err2 := Run(Options{Paths: []string{helperPath, mainPath}, Kind: OutputDYN})
	require.NoError(t, err1)
	require.NoError(t, err2)
}

func TestRunFailsOnUndefinedReference(t *testing.T) {
	dir := t.TempDir()
	path := buildObjectFile(t, dir, "main.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 8),
		[]symSpec{
			{name: "_start", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8},
			{name: "missing", bind: elfx.STB_GLOBAL, typ: elfx.STT_NOTYPE, shndx: elfx.SHN_UNDEF},
		},
		[]elfx.Relocation{{Offset: 4, Sym: 2, Type: elfx.R_X86_64_PLT32}})

	_, err := Run(Options{Paths: []string{path}, Kind: OutputDYN})
	require.Error(t, err)
}

func TestRunBootstrapStubEntryPointsAtTrampoline(t *testing.T) {
	dir := t.TempDir()
	mainPath := buildObjectFile(t, dir, "main.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 8),
		[]symSpec{
			{name: "_start", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8},
			{name: "g_data", bind: elfx.STB_GLOBAL, typ: elfx.STT_NOTYPE, shndx: elfx.SHN_UNDEF},
		},
		[]elfx.Relocation{{Offset: 0, Sym: 2, Type: elfx.R_X86_64_64}})
	dataPath := buildObjectFile(t, dir, "data.o", ".data", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_WRITE,
		make([]byte, 8),
		[]symSpec{{name: "g_data", bind: elfx.STB_GLOBAL, typ: elfx.STT_OBJECT, shndx: 1, size: 8}},
		nil)

	res, err := Run(Options{Paths: []string{mainPath, dataPath}, Kind: OutputDYN, BootstrapStub: true})
	require.NoError(t, err)

	stub := res.File.SectionByName(".init.stub")
	require.NotNil(t, stub, "bootstrap-stub mode must synthesize .init.stub")
	require.Equal(t, stub.Header.Addr, res.File.Header.Entry, "e_entry must point at the trampoline, not the real entry symbol")
	require.Nil(t, res.File.SectionByName(".interp"), "bootstrap-stub mode is self-relocating and has no interpreter")

	relaDyn := res.File.SectionByName(".rela.dyn")
	require.NotNil(t, relaDyn)
	require.Len(t, relaDyn.Data.(elfx.RelaData).Relocs, 1, "the R_X86_64_64 against g_data still lowers to a RELATIVE dynrel the stub applies itself")
}

// wrapInArchive packs already-built object files into a minimal
// ar(1) archive so the on-demand member-pulling loop can be exercised
// through the public pipeline.
func wrapInArchive(t *testing.T, dir, archiveName string, objPaths []string) string {
	t.Helper()
	buf := &bytes.Buffer{}
	buf.WriteString("!<arch>\n")
	for _, p := range objPaths {
		content, err := os.ReadFile(p)
		require.NoError(t, err)
		name := filepath.Base(p) + "/"
		header := fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "644", len(content))
		require.Len(t, header, 60)
		buf.WriteString(header)
		buf.Write(content)
		if len(content)%2 != 0 {
			buf.WriteByte('\n')
		}
	}
	path := filepath.Join(dir, archiveName)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestRunPullsArchiveMembersOnDemand(t *testing.T) {
	dir := t.TempDir()
	mainPath := buildObjectFile(t, dir, "main.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 16),
		[]symSpec{
			{name: "_start", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8},
			{name: "helper", bind: elfx.STB_GLOBAL, typ: elfx.STT_NOTYPE, shndx: elfx.SHN_UNDEF},
		},
		[]elfx.Relocation{{Offset: 5, Sym: 2, Type: elfx.R_X86_64_PLT32, Addend: -4}})
	helperPath := buildObjectFile(t, dir, "helper.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 8),
		[]symSpec{{name: "helper", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8}},
		nil)
	unneededPath := buildObjectFile(t, dir, "unneeded.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 8),
		[]symSpec{{name: "nobody_calls_this", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8}},
		nil)
	libPath := wrapInArchive(t, dir, "libhelp.a", []string{helperPath, unneededPath})

	res, err := Run(Options{Paths: []string{mainPath, libPath}, Kind: OutputDYN})
	require.NoError(t, err)
	require.NotNil(t, res.File)
}

func TestRunRELEmitsRelaTablesAndKeepsUndefined(t *testing.T) {
	dir := t.TempDir()
	path := buildObjectFile(t, dir, "part.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 16),
		[]symSpec{
			{name: "entry_piece", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8},
			{name: "ext", bind: elfx.STB_GLOBAL, typ: elfx.STT_NOTYPE, shndx: elfx.SHN_UNDEF},
		},
		[]elfx.Relocation{{Offset: 5, Sym: 2, Type: elfx.R_X86_64_PLT32, Addend: -4}})

	res, err := Run(Options{Paths: []string{path}, Kind: OutputREL})
	require.NoError(t, err)
	require.Equal(t, elfx.ET_REL, res.File.Header.Type)
	require.Empty(t, res.File.Segments, "a relocatable output carries no program headers")

	relaText := res.File.SectionByName(".rela.text")
	require.NotNil(t, relaText, "the unresolved relocation must survive as a .rela.text entry")

	text := res.File.SectionByName(".text")
	require.NotNil(t, text)
	textIdx := -1
	for i, s := range res.File.Sections {
		if s == text {
			textIdx = i
		}
	}
	require.EqualValues(t, textIdx, relaText.Header.Info, ".rela.text's sh_info must index the merged .text")

	symtabSec := res.File.SectionByName(".symtab")
	require.NotNil(t, symtabSec)
	var undef *elfx.Symbol
	for i, s := range symtabSec.Data.(elfx.SymtabData).Symbols {
		if s.ResolvedName == "ext" {
			undef = &symtabSec.Data.(elfx.SymtabData).Symbols[i]
		}
	}
	require.NotNil(t, undef, "the undefined reference must survive into the output symtab")
	require.EqualValues(t, elfx.SHN_UNDEF, undef.Shndx)

	rd := relaText.Data.(elfx.RelaData)
	require.Len(t, rd.Relocs, 1)
	syms := symtabSec.Data.(elfx.SymtabData).Symbols
	require.Equal(t, "ext", syms[rd.Relocs[0].Sym].ResolvedName, "the relocation must still address the undefined symbol after index remapping")

	// Round trip: a REL output must be readable as an input again.
	var buf bytes.Buffer
	_, err = res.File.WriteTo(&buf)
	require.NoError(t, err)
	reread, err := elfx.Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.NoError(t, reread.LoadAll())
	require.Equal(t, elfx.ET_REL, reread.Header.Type)
	require.NotNil(t, reread.SectionByName(".rela.text"))
}

func TestRunDYNRoundTripsThroughCodec(t *testing.T) {
	dir := t.TempDir()
	mainPath := buildObjectFile(t, dir, "main.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 8),
		[]symSpec{
			{name: "_start", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8},
			{name: "g_data", bind: elfx.STB_GLOBAL, typ: elfx.STT_NOTYPE, shndx: elfx.SHN_UNDEF},
		},
		[]elfx.Relocation{{Offset: 4, Sym: 2, Type: elfx.R_X86_64_GOTPCREL, Addend: -4}})
	dataPath := buildObjectFile(t, dir, "data.o", ".data", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_WRITE,
		make([]byte, 8),
		[]symSpec{{name: "g_data", bind: elfx.STB_GLOBAL, typ: elfx.STT_OBJECT, shndx: 1, size: 8}},
		nil)

	res, err := Run(Options{Paths: []string{mainPath, dataPath}, Kind: OutputDYN})
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = res.File.WriteTo(&buf)
	require.NoError(t, err)

	reread, err := elfx.Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.NoError(t, reread.LoadAll())
	require.Equal(t, elfx.ET_DYN, reread.Header.Type)
	require.Equal(t, res.File.Header.Entry, reread.Header.Entry)
	require.Len(t, reread.Segments, len(res.File.Segments))

	dynSec := reread.SectionByName(".dynamic")
	require.NotNil(t, dynSec)
	tags := map[elfx.DynamicTag]bool{}
	for _, e := range dynSec.Data.(elfx.DynamicData).Entries {
		tags[e.Tag] = true
	}
	for _, want := range []elfx.DynamicTag{
		elfx.DT_HASH, elfx.DT_STRTAB, elfx.DT_STRSZ, elfx.DT_SYMTAB, elfx.DT_SYMENT,
		elfx.DT_RELA, elfx.DT_RELASZ, elfx.DT_RELAENT, elfx.DT_RELACOUNT,
		elfx.DT_TEXTREL, elfx.DT_FLAGS_1, elfx.DT_NULL,
	} {
		require.True(t, tags[want], "missing dynamic tag %d", want)
	}
}

func TestRunFailsOnConflictingDefinitions(t *testing.T) {
	dir := t.TempDir()
	aPath := buildObjectFile(t, dir, "a.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 8),
		[]symSpec{
			{name: "_start", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8},
			{name: "dup", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8},
		},
		nil)
	bPath := buildObjectFile(t, dir, "b.o", ".text", elfx.SHT_PROGBITS, elfx.SHF_ALLOC|elfx.SHF_EXECINSTR,
		make([]byte, 8),
		[]symSpec{{name: "dup", bind: elfx.STB_GLOBAL, typ: elfx.STT_FUNC, shndx: 1, size: 8}},
		nil)

	_, err := Run(Options{Paths: []string{aPath, bPath}, Kind: OutputDYN})
	require.Error(t, err)
}
