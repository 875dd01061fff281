// Package layout implements the linker's layout engine: it assigns
// file offsets and virtual addresses to every section, honoring
// per-section alignment and addrlock constraints, and derives the
// output's program (segment) headers from the resulting section
// placement.
package layout

import (
	"fmt"

	"github.com/aclements/x64ld/internal/elfx"
)

// PageAlign is the virtual-address granularity between PT_LOAD runs;
// 0x10000 (64 KiB) rather than the traditional 0x1000 matches the
// super-page-friendly default modern loaders prefer.
const PageAlign = 0x10000

// run groups consecutive ALLOC sections that share one
// write/alloc/exec flag combination — the unit that becomes one
// PT_LOAD segment.
type run struct {
	flags              elfx.SectionFlags
	offStart, offEnd   uint64
	addrStart, addrEnd uint64
}

// Layout assigns Header.Offset/Header.Addr to every section in place
// (sections must already be in final declaration order — the NULL
// section must NOT be included; the caller reserves index 0) and
// returns the program headers describing the result.
func Layout(sections []*elfx.Section) ([]elfx.SegmentHeader, error) {
	hasInterp := findSection(sections, ".interp") >= 0
	hasDynamic := findSection(sections, ".dynamic") >= 0
	hasTLS := false
	for _, s := range sections {
		if s.Header.Flags&elfx.SHF_TLS != 0 {
			hasTLS = true
		}
	}

	runOf, nLoad := assignRuns(sections)
	phnum := 1 /* PHDR */ + nLoad
	if hasInterp {
		phnum++
	}
	if hasDynamic {
		phnum++
	}
	if hasTLS {
		phnum++
	}
	phdrTableSize := uint64(phnum) * elfx.SegmentHeaderSize
	headerEnd := uint64(elfx.HeaderSize) + phdrTableSize

	offset := headerEnd
	addr := headerEnd
	var runs []run
	var cur *run
	curRun := -1

	flushRun := func() {
		if cur != nil {
			runs = append(runs, *cur)
			cur = nil
		}
	}

	for i, s := range sections {
		if s.Header.Flags&elfx.SHF_ALLOC == 0 {
			flushRun()
			curRun = -1
			align := max1(s.Header.AddrAlign)
			offset = alignUp(offset, align)
			s.Header.Offset = offset
			s.Header.Addr = 0
			s.Header.Size = s.Data.Size()
			offset += s.Header.Size
			continue
		}
		if runOf[i] < 0 {
			// A zero-size ALLOC section occupies no space and must not
			// split the surrounding run; it still gets the current
			// position so symbols against it resolve somewhere sane.
			s.Header.Offset = offset
			s.Header.Addr = addr
			s.Header.Size = 0
			continue
		}

		if runOf[i] != curRun {
			flushRun()
			if runOf[i] > 0 {
				addr = alignUp(addr, PageAlign)
				offset = alignUp(offset, PageAlign)
			}
			cur = &run{flags: s.Header.Flags & (elfx.SHF_WRITE | elfx.SHF_EXECINSTR), offStart: offset, addrStart: addr}
			curRun = runOf[i]
		}

		align := max1(s.Header.AddrAlign)
		addr = alignUp(addr, align)
		offset = alignUp(offset, align)

		if s.AddrLock {
			if s.Header.Addr < addr {
				return nil, fmt.Errorf("layout: addrlock section %q would move from %#x to %#x", s.Name, s.Header.Addr, addr)
			}
			addr = s.Header.Addr
		}

		s.Header.Addr = addr
		s.Header.Offset = offset
		s.Header.Size = s.Data.Size()

		size := s.Header.Size
		addr += size
		if s.Header.Type != elfx.SHT_NOBITS {
			offset += size
		}
		cur.offEnd, cur.addrEnd = offset, addr
	}
	flushRun()

	var segs []elfx.SegmentHeader
	segs = append(segs, elfx.SegmentHeader{
		Type: elfx.PT_PHDR, Flags: elfx.PF_R,
		Offset: elfx.HeaderSize, VAddr: elfx.HeaderSize, PAddr: elfx.HeaderSize,
		FileSz: phdrTableSize, MemSz: phdrTableSize, Align: 8,
	})

	for i, r := range runs {
		off, vaddr := r.offStart, r.addrStart
		filesz, memsz := r.offEnd-off, r.addrEnd-vaddr
		if i == 0 {
			// The first PT_LOAD must begin at file offset 0 and
			// virtual address 0 and must include the ELF header and
			// the program-header table (Linux kernel loader
			// assumption).
			filesz += off
			memsz += vaddr
			off, vaddr = 0, 0
		}
		segs = append(segs, elfx.SegmentHeader{
			Type: elfx.PT_LOAD, Flags: toSegFlags(r.flags),
			Offset: off, VAddr: vaddr, PAddr: vaddr,
			FileSz: filesz, MemSz: memsz, Align: PageAlign,
		})
	}

	if hasInterp {
		s := sections[findSection(sections, ".interp")]
		segs = append(segs, elfx.SegmentHeader{
			Type: elfx.PT_INTERP, Flags: elfx.PF_R,
			Offset: s.Header.Offset, VAddr: s.Header.Addr, PAddr: s.Header.Addr,
			FileSz: s.Header.Size, MemSz: s.Header.Size, Align: 1,
		})
	}
	if hasDynamic {
		s := sections[findSection(sections, ".dynamic")]
		segs = append(segs, elfx.SegmentHeader{
			Type: elfx.PT_DYNAMIC, Flags: elfx.PF_R | elfx.PF_W,
			Offset: s.Header.Offset, VAddr: s.Header.Addr, PAddr: s.Header.Addr,
			FileSz: s.Header.Size, MemSz: s.Header.Size, Align: s.Header.AddrAlign,
		})
	}
	if hasTLS {
		lo, hi := ^uint64(0), uint64(0)
		foff, align := uint64(0), uint64(1)
		for _, s := range sections {
			if s.Header.Flags&elfx.SHF_TLS == 0 {
				continue
			}
			if s.Header.Addr < lo {
				lo, foff = s.Header.Addr, s.Header.Offset
			}
			end := s.Header.Addr + s.Data.Size()
			if end > hi {
				hi = end
			}
			if s.Header.AddrAlign > align {
				align = s.Header.AddrAlign
			}
		}
		segs = append(segs, elfx.SegmentHeader{
			Type: elfx.PT_TLS, Flags: elfx.PF_R,
			Offset: foff, VAddr: lo, PAddr: lo,
			FileSz: tlsFileSize(sections), MemSz: hi - lo, Align: align,
		})
	}

	return segs, nil
}

// tlsFileSize sums only the PROGBITS (file-backed) TLS sections —
// NOBITS .tbss contributes to MemSz but never to FileSz.
func tlsFileSize(sections []*elfx.Section) uint64 {
	var sz uint64
	for _, s := range sections {
		if s.Header.Flags&elfx.SHF_TLS == 0 || s.Header.Type == elfx.SHT_NOBITS {
			continue
		}
		sz += s.Data.Size()
	}
	return sz
}

// assignRuns partitions the ALLOC sections into PT_LOAD runs before
// any offset is known, so the program-header count (which the first
// run's placement depends on) is fixed up front. A section starts a
// new run when its WRITE/EXECINSTR combination differs from the
// current run's, when a non-ALLOC section interrupted the sequence,
// or when it is file-backed but the current run already contains a
// NOBITS section (file offsets could no longer track virtual
// addresses within one segment). Zero-size ALLOC sections get run -1:
// they occupy no space and never split a run.
func assignRuns(sections []*elfx.Section) (runOf []int, n int) {
	runOf = make([]int, len(sections))
	var last elfx.SectionFlags
	open := false
	sawNobits := false
	for i, s := range sections {
		runOf[i] = -1
		if s.Header.Flags&elfx.SHF_ALLOC == 0 {
			open = false
			continue
		}
		if s.Data.Size() == 0 {
			continue
		}
		flags := s.Header.Flags & (elfx.SHF_WRITE | elfx.SHF_EXECINSTR)
		split := !open || flags != last ||
			(sawNobits && s.Header.Type != elfx.SHT_NOBITS)
		if split {
			n++
			last, open, sawNobits = flags, true, false
		}
		if s.Header.Type == elfx.SHT_NOBITS {
			sawNobits = true
		}
		runOf[i] = n - 1
	}
	return runOf, n
}

func toSegFlags(f elfx.SectionFlags) elfx.SegmentFlags {
	out := elfx.PF_R
	if f&elfx.SHF_WRITE != 0 {
		out |= elfx.PF_W
	}
	if f&elfx.SHF_EXECINSTR != 0 {
		out |= elfx.PF_X
	}
	return out
}

func findSection(sections []*elfx.Section, name string) int {
	for i, s := range sections {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

func max1(v uint64) uint64 {
	if v < 1 {
		return 1
	}
	return v
}
