package layout

import (
	"testing"

	"github.com/aclements/x64ld/internal/elfx"
)

func TestLayoutBasicRunsAndPHDR(t *testing.T) {
	sections := []*elfx.Section{
		{Name: ".text", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS, Flags: elfx.SHF_ALLOC | elfx.SHF_EXECINSTR, AddrAlign: 16}, Data: elfx.RawData{Bytes: make([]byte, 32)}},
		{Name: ".data", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS, Flags: elfx.SHF_ALLOC | elfx.SHF_WRITE, AddrAlign: 8}, Data: elfx.RawData{Bytes: make([]byte, 16)}},
		{Name: ".bss", Header: elfx.SectionHeader{Type: elfx.SHT_NOBITS, Flags: elfx.SHF_ALLOC | elfx.SHF_WRITE, AddrAlign: 8}, Data: elfx.NoneData{MemSize: 64}},
		{Name: ".symtab", Header: elfx.SectionHeader{Type: elfx.SHT_SYMTAB, AddrAlign: 8}, Data: elfx.SymtabData{}},
	}

	segs, err := Layout(sections)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if segs[0].Type != elfx.PT_PHDR {
		t.Fatalf("expected first segment to be PT_PHDR, got %+v", segs[0])
	}
	// .text and .data/.bss have distinct W/X flag combos, so there should
	// be exactly two PT_LOAD segments.
	nLoad := 0
	for _, s := range segs {
		if s.Type == elfx.PT_LOAD {
			nLoad++
		}
	}
	if nLoad != 2 {
		t.Fatalf("expected 2 PT_LOAD segments, got %d (%+v)", nLoad, segs)
	}

	first := segs[1]
	if first.Offset != 0 || first.VAddr != 0 {
		t.Errorf("first PT_LOAD must start at offset 0 / vaddr 0, got offset=%#x vaddr=%#x", first.Offset, first.VAddr)
	}

	text := sections[0]
	if text.Header.Addr == 0 {
		t.Errorf(".text should not be placed at address 0 (header+phdrs precede it)")
	}
	if text.Header.Addr%16 != 0 {
		t.Errorf(".text address %#x not aligned to 16", text.Header.Addr)
	}

	data := sections[1]
	if data.Header.Addr%PageAlign != sections[0].Header.Addr%PageAlign && data.Header.Addr < sections[0].Header.Addr+32 {
		t.Errorf(".data should start a new page-aligned run after .text, got %#x", data.Header.Addr)
	}

	bss := sections[2]
	if bss.Header.Size != 64 {
		t.Errorf(".bss size = %d, want 64", bss.Header.Size)
	}

	symtab := sections[3]
	if symtab.Header.Addr != 0 {
		t.Errorf("non-ALLOC section must not receive a virtual address, got %#x", symtab.Header.Addr)
	}
}

func TestLayoutInterpDynamicTLS(t *testing.T) {
	sections := []*elfx.Section{
		{Name: ".interp", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS, Flags: elfx.SHF_ALLOC, AddrAlign: 1}, Data: elfx.RawData{Bytes: []byte("/lib64/ld-linux-x86-64.so.2\x00")}},
		{Name: ".tdata", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS, Flags: elfx.SHF_ALLOC | elfx.SHF_WRITE | elfx.SHF_TLS, AddrAlign: 8}, Data: elfx.RawData{Bytes: make([]byte, 8)}},
		{Name: ".dynamic", Header: elfx.SectionHeader{Type: elfx.SHT_DYNAMIC, Flags: elfx.SHF_ALLOC | elfx.SHF_WRITE, AddrAlign: 8}, Data: elfx.DynamicData{}},
	}

	segs, err := Layout(sections)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var haveInterp, haveDynamic, haveTLS bool
	for _, s := range segs {
		switch s.Type {
		case elfx.PT_INTERP:
			haveInterp = true
		case elfx.PT_DYNAMIC:
			haveDynamic = true
		case elfx.PT_TLS:
			haveTLS = true
		}
	}
	if !haveInterp || !haveDynamic || !haveTLS {
		t.Fatalf("expected PT_INTERP, PT_DYNAMIC, and PT_TLS segments, got %+v", segs)
	}
}

// TestLayoutNobitsForcesSegmentSplit places a NOBITS section between
// two file-backed sections of the same flags: the trailing section
// cannot share the first segment (its file offset could no longer
// track its virtual address), so layout must split the run.
func TestLayoutNobitsForcesSegmentSplit(t *testing.T) {
	sections := []*elfx.Section{
		{Name: ".data", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS, Flags: elfx.SHF_ALLOC | elfx.SHF_WRITE, AddrAlign: 8}, Data: elfx.RawData{Bytes: make([]byte, 16)}},
		{Name: ".bss", Header: elfx.SectionHeader{Type: elfx.SHT_NOBITS, Flags: elfx.SHF_ALLOC | elfx.SHF_WRITE, AddrAlign: 8}, Data: elfx.NoneData{MemSize: 32}},
		{Name: ".data1", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS, Flags: elfx.SHF_ALLOC | elfx.SHF_WRITE, AddrAlign: 8}, Data: elfx.RawData{Bytes: make([]byte, 16)}},
	}

	segs, err := Layout(sections)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var loads []elfx.SegmentHeader
	for _, s := range segs {
		if s.Type == elfx.PT_LOAD {
			loads = append(loads, s)
		}
	}
	if len(loads) != 2 {
		t.Fatalf("expected the NOBITS section to force 2 PT_LOAD segments, got %d (%+v)", len(loads), loads)
	}
	if loads[0].FileSz >= loads[0].MemSz {
		t.Errorf("first LOAD should have filesz < memsz (it ends in .bss): filesz=%d memsz=%d", loads[0].FileSz, loads[0].MemSz)
	}
	// Every section must sit inside its segment's file and memory ranges.
	for _, s := range sections {
		inside := false
		for _, l := range loads {
			if s.Header.Addr >= l.VAddr && s.Header.Addr+s.Data.Size() <= l.VAddr+l.MemSz {
				inside = true
			}
		}
		if !inside {
			t.Errorf("section %s at %#x not covered by any PT_LOAD", s.Name, s.Header.Addr)
		}
	}
}

func TestLayoutZeroSizeSectionDoesNotSplitRun(t *testing.T) {
	sections := []*elfx.Section{
		{Name: ".text", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS, Flags: elfx.SHF_ALLOC | elfx.SHF_EXECINSTR, AddrAlign: 16}, Data: elfx.RawData{Bytes: make([]byte, 8)}},
		{Name: ".com", Header: elfx.SectionHeader{Type: elfx.SHT_NOBITS, Flags: elfx.SHF_ALLOC | elfx.SHF_WRITE, AddrAlign: 16}, Data: elfx.NoneData{}},
		{Name: ".text.cold", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS, Flags: elfx.SHF_ALLOC | elfx.SHF_EXECINSTR, AddrAlign: 16}, Data: elfx.RawData{Bytes: make([]byte, 8)}},
	}

	segs, err := Layout(sections)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nLoad := 0
	for _, s := range segs {
		if s.Type == elfx.PT_LOAD {
			nLoad++
		}
	}
	if nLoad != 1 {
		t.Fatalf("an empty section between two executable sections split the run: %d PT_LOADs", nLoad)
	}
}

func TestLayoutRejectsImpossibleAddrLock(t *testing.T) {
	sections := []*elfx.Section{
		{Name: ".text", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS, Flags: elfx.SHF_ALLOC | elfx.SHF_EXECINSTR, Addr: 0x500000, AddrAlign: 1}, Data: elfx.RawData{Bytes: []byte{1, 2, 3, 4}}, AddrLock: true},
	}
	if _, err := Layout(sections); err != nil {
		t.Fatalf("forward addrlock jump should be accepted: %v", err)
	}

	sections2 := []*elfx.Section{
		{Name: ".a", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS, Flags: elfx.SHF_ALLOC, AddrAlign: 1}, Data: elfx.RawData{Bytes: make([]byte, 1<<20)}},
		{Name: ".b", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS, Flags: elfx.SHF_ALLOC, Addr: 1, AddrAlign: 1}, Data: elfx.RawData{Bytes: []byte{1}}, AddrLock: true},
	}
	if _, err := Layout(sections2); err == nil {
		t.Fatal("expected an error when addrlock would require moving a section backward")
	}
}
