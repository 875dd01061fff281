// Command elfdump renders a readelf-style textual dump of an ELF64
// image: header, section headers, program headers and a disassembly
// of every SHF_EXECINSTR section (via golang.org/x/arch/x86/x86asm).
// With -strip-debug it removes debug sections and local symbols
// first, and with -o it re-emits the result instead of dumping.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/aclements/x64ld/internal/elfx"
)

var (
	flagStripDebug bool
	flagDisasm     bool
	flagOutput     string
)

func main() {
	root := &cobra.Command{
		Use:   "elfdump file",
		Short: "Dump an ELF64 object or image in human-readable form",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	root.Flags().BoolVar(&flagStripDebug, "strip-debug", false, "remove .debug* sections and local symbols before dumping")
	root.Flags().BoolVar(&flagDisasm, "disasm", true, "disassemble SHF_EXECINSTR sections")
	root.Flags().StringVarP(&flagOutput, "output", "o", "", "re-emit the (possibly stripped) image to `file` instead of dumping it")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	file, err := elfx.Read(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := file.LoadAll(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if flagStripDebug {
		stripDebug(file)
	}

	if flagOutput != "" {
		out, err := os.Create(flagOutput)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = file.WriteTo(out)
		return err
	}

	dumpHeader(file.Header)
	dumpSections(file.Sections)
	dumpSegments(file.Segments)
	dumpRelocations(file.Sections)
	dumpSymtabs(file.Sections)
	if flagDisasm {
		for _, sec := range file.Sections {
			if sec.Header.Flags&elfx.SHF_EXECINSTR == 0 {
				continue
			}
			dumpDisasm(sec)
		}
	}
	return nil
}

// stripDebug removes every .debug* section and every named local
// symbol, leaving the allocatable image untouched. A section whose
// link or info dangled after the removal is reported, not silently
// zeroed.
func stripDebug(file *elfx.File) {
	for i := len(file.Sections) - 1; i > 0; i-- {
		if !strings.HasPrefix(file.Sections[i].Name, ".debug") {
			continue
		}
		for _, name := range file.RemoveSection(i) {
			fmt.Fprintf(os.Stderr, "warning: section %s had a dangling link/info after strip; zeroed\n", name)
		}
	}
	for _, s := range file.Sections {
		st, ok := s.Data.(elfx.SymtabData)
		if !ok || s.Header.Type != elfx.SHT_SYMTAB {
			continue
		}
		kept := st.Symbols[:0]
		for _, sym := range st.Symbols {
			if sym.Bind() == elfx.STB_LOCAL && sym.ResolvedName != "" {
				continue
			}
			kept = append(kept, sym)
		}
		s.Data = elfx.SymtabData{Symbols: kept}
		s.Header.Size = uint64(len(kept)) * elfx.SymbolEntSize
		s.Header.Info = 1
	}
}

var bold = color.New(color.Bold)

var objectTypeNames = map[elfx.ObjectType]string{
	elfx.ET_NONE: "NONE", elfx.ET_REL: "REL", elfx.ET_EXEC: "EXEC",
	elfx.ET_DYN: "DYN", elfx.ET_CORE: "CORE",
}

func objectTypeName(t elfx.ObjectType) string {
	if s, ok := objectTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ET(%#x)", uint16(t))
}

func machineName(m elfx.Machine) string {
	if m == elfx.MachineX86_64 {
		return "Advanced Micro Devices X86-64"
	}
	return fmt.Sprintf("machine(%#x)", uint16(m))
}

func dumpHeader(h elfx.Header) {
	bold.Println("ELF Header:")
	fmt.Printf("  Type:                              %s\n", objectTypeName(h.Type))
	fmt.Printf("  Machine:                           %s\n", machineName(h.Machine))
	fmt.Printf("  Entry point address:               0x%x\n", h.Entry)
	fmt.Printf("  Start of program headers:          %d (bytes into file)\n", h.PhOff)
	fmt.Printf("  Start of section headers:          %d (bytes into file)\n", h.ShOff)
	fmt.Printf("  Size of program headers:           %d (bytes)\n", h.PhEntSize)
	fmt.Printf("  Number of program headers:         %d\n", h.PhNum)
	fmt.Printf("  Size of section headers:           %d (bytes)\n", h.ShEntSize)
	fmt.Printf("  Number of section headers:         %d\n", h.ShNum)
	fmt.Printf("  Section header string table index: %d\n\n", h.ShStrNdx)
}

func dumpSections(sections []*elfx.Section) {
	bold.Println("Section Headers:")
	fmt.Println("  [Nr] Name             Type           Address          Offset   Size     Flg Lnk Inf Al")
	for i, s := range sections {
		fmt.Printf("  [%2d] %-16.16s %-14s %016x %08x %08x %3s %3d %3d %2d\n",
			i, s.Name, s.Header.Type, s.Header.Addr, s.Header.Offset, s.Header.Size,
			s.Header.Flags, s.Header.Link, s.Header.Info, s.Header.AddrAlign)
	}
	fmt.Println()
}

var segmentTypeNames = map[elfx.SegmentType]string{
	elfx.PT_NULL: "NULL", elfx.PT_LOAD: "LOAD", elfx.PT_DYNAMIC: "DYNAMIC",
	elfx.PT_INTERP: "INTERP", elfx.PT_NOTE: "NOTE", elfx.PT_PHDR: "PHDR",
	elfx.PT_TLS: "TLS",
}

func segmentTypeName(t elfx.SegmentType) string {
	if s, ok := segmentTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("PT(%#x)", uint32(t))
}

func dumpSegments(segs []elfx.SegmentHeader) {
	if len(segs) == 0 {
		return
	}
	bold.Println("Program Headers:")
	fmt.Println("  Type           Offset             VirtAddr           FileSiz            MemSiz             Flg")
	for _, s := range segs {
		fmt.Printf("  %-14s 0x%016x 0x%016x 0x%016x 0x%016x %s\n",
			segmentTypeName(s.Type), s.Offset, s.VAddr, s.FileSz, s.MemSz, segFlagLetters(s.Flags))
	}
	fmt.Println()
}

func segFlagLetters(f elfx.SegmentFlags) string {
	var b strings.Builder
	if f&elfx.PF_X != 0 {
		b.WriteByte('E')
	} else {
		b.WriteByte(' ')
	}
	if f&elfx.PF_W != 0 {
		b.WriteByte('W')
	} else {
		b.WriteByte(' ')
	}
	b.WriteByte('R')
	return b.String()
}

func dumpRelocations(sections []*elfx.Section) {
	for _, s := range sections {
		rd, ok := s.Data.(elfx.RelaData)
		if !ok || len(rd.Relocs) == 0 {
			continue
		}
		bold.Printf("Relocation section '%s' contains %d entries:\n", s.Name, len(rd.Relocs))
		fmt.Println("    Offset           Type                      Sym      Addend")
		for _, r := range rd.Relocs {
			fmt.Printf("  %016x %-25s %5d %+12d\n", r.Offset, r.Type, r.Sym, r.Addend)
		}
		fmt.Println()
	}
}

func shndxName(n uint16) string {
	switch n {
	case elfx.SHN_UNDEF:
		return "UND"
	case elfx.SHN_ABS:
		return "ABS"
	case elfx.SHN_COMMON:
		return "COM"
	}
	return fmt.Sprintf("%d", n)
}

func dumpSymtabs(sections []*elfx.Section) {
	for _, s := range sections {
		st, ok := s.Data.(elfx.SymtabData)
		if !ok {
			continue
		}
		bold.Printf("Symbol table '%s' contains %d entries:\n", s.Name, len(st.Symbols))
		fmt.Println("   Num:    Value             Size Type    Bind   Vis       Ndx Name")
		for i, sym := range st.Symbols {
			fmt.Printf("%6d: %016x %5d %-7s %-6s %-9s %3s %s\n",
				i, sym.Value, sym.Size, sym.Type(), sym.Bind(), sym.Vis(),
				shndxName(sym.Shndx), sym.ResolvedName)
		}
		fmt.Println()
	}
}

// dumpDisasm walks sec's bytes with x86asm.Decode, printing GNU
// (AT&T) syntax at each instruction's virtual address, the way a
// disassembly listing from a real toolchain reads.
func dumpDisasm(sec *elfx.Section) {
	raw, ok := sec.Data.(elfx.RawData)
	if !ok {
		return
	}
	bold.Printf("Disassembly of section %s:\n", sec.Name)
	code := raw.Bytes
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			fmt.Printf("  %8x:\t(bad)\n", sec.Header.Addr+uint64(off))
			off++
			continue
		}
		pc := sec.Header.Addr + uint64(off)
		fmt.Printf("  %8x:\t%s\n", pc, x86asm.GNUSyntax(inst, pc, nil))
		off += inst.Len
	}
	fmt.Println()
}
