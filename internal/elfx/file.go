package elfx

import (
	"bytes"
	"fmt"
	"io"

	"github.com/aclements/x64ld/internal/strtab"
)

// File is a decoded ELF64 object: header, sections and segments. It
// is the unit the loader, linker, collector and layout engine all
// operate on.
//
// Reading is two-phase: Read decodes only the headers and section
// names; a section's typed payload stays nil until Load or LoadAll
// decodes it from the backing reader. Files assembled in memory by
// the linker have every payload populated from the start.
type File struct {
	Header   Header
	Sections []*Section
	Segments []SegmentHeader

	// r is the reader section content is decoded from on demand; nil
	// for files assembled in memory.
	r io.ReaderAt
}

// Read decodes an ELF64 object's headers from r: the ELF header, the
// segment and section header tables, and every section's name.
// Section content is left undecoded until Load/LoadAll asks for it.
// r must support random access because the header tables are
// addressed by file offset, not read in a single linear pass.
func Read(r io.ReaderAt) (*File, error) {
	sr := io.NewSectionReader(r, 0, 1<<62)
	hdr, err := ReadHeader(sr)
	if err != nil {
		return nil, err
	}
	f := &File{Header: *hdr}

	if hdr.PhNum > 0 {
		f.Segments = make([]SegmentHeader, 0, hdr.PhNum)
		for i := uint16(0); i < hdr.PhNum; i++ {
			off := int64(hdr.PhOff) + int64(i)*int64(hdr.PhEntSize)
			ph, err := ReadSegmentHeader(io.NewSectionReader(r, off, int64(hdr.PhEntSize)))
			if err != nil {
				return nil, err
			}
			f.Segments = append(f.Segments, ph)
		}
	}

	if hdr.ShNum == 0 {
		return f, nil
	}

	rawHeaders := make([]SectionHeader, hdr.ShNum)
	for i := uint16(0); i < hdr.ShNum; i++ {
		off := int64(hdr.ShOff) + int64(i)*int64(hdr.ShEntSize)
		sh, err := ReadSectionHeader(io.NewSectionReader(r, off, int64(hdr.ShEntSize)))
		if err != nil {
			return nil, err
		}
		rawHeaders[i] = sh
	}

	if int(hdr.ShStrNdx) >= len(rawHeaders) {
		return nil, fmt.Errorf("elfx: shstrndx %d out of range", hdr.ShStrNdx)
	}
	shstrSH := rawHeaders[hdr.ShStrNdx]
	shstrBytes := make([]byte, shstrSH.Size)
	if _, err := r.ReadAt(shstrBytes, int64(shstrSH.Offset)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("elfx: read shstrtab: %w", err)
	}

	f.Sections = make([]*Section, len(rawHeaders))
	for i, sh := range rawHeaders {
		f.Sections[i] = &Section{Header: sh, Name: cstr(shstrBytes, sh.Name)}
	}
	f.r = r
	return f, nil
}

// Load decodes section i's typed content if it has not been decoded
// yet. Loading a symbol table also loads its linked string table and
// resolves every symbol's name.
func (f *File) Load(i int) error {
	if i < 0 || i >= len(f.Sections) {
		return fmt.Errorf("elfx: load: section %d out of range", i)
	}
	sec := f.Sections[i]
	if sec.Data != nil {
		return nil
	}
	if f.r == nil {
		return fmt.Errorf("elfx: load: section %q has no backing reader", sec.Name)
	}
	data, err := readSectionData(f.r, sec.Header)
	if err != nil {
		return fmt.Errorf("elfx: section %q: %w", sec.Name, err)
	}
	sec.Data = data

	st, ok := data.(SymtabData)
	if !ok {
		return nil
	}
	if int(sec.Header.Link) >= len(f.Sections) {
		return nil
	}
	if err := f.Load(int(sec.Header.Link)); err != nil {
		return err
	}
	tab, ok := f.Sections[sec.Header.Link].Data.(StrtabData)
	if !ok {
		return nil
	}
	for j := range st.Symbols {
		st.Symbols[j].ResolvedName = tab.Table.Get(st.Symbols[j].Name)
	}
	return nil
}

// LoadAll decodes every section's content.
func (f *File) LoadAll() error {
	for i := range f.Sections {
		if err := f.Load(i); err != nil {
			return err
		}
	}
	return nil
}

func cstr(b []byte, off uint32) string {
	if int(off) >= len(b) {
		return ""
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return string(b[off:])
	}
	return string(b[off : int(off)+end])
}

func readSectionData(r io.ReaderAt, sh SectionHeader) (SectionData, error) {
	switch sh.Type {
	case SHT_NULL:
		return NoneData{}, nil
	case SHT_NOBITS:
		return NoneData{MemSize: sh.Size}, nil
	case SHT_SYMTAB, SHT_DYNSYM:
		n := sh.Size / SymbolEntSize
		syms := make([]Symbol, 0, n)
		sec := io.NewSectionReader(r, int64(sh.Offset), int64(sh.Size))
		for i := uint64(0); i < n; i++ {
			s, err := ReadSymbol(sec)
			if err != nil {
				return nil, err
			}
			syms = append(syms, s)
		}
		return SymtabData{Symbols: syms}, nil
	case SHT_RELA:
		sec := io.NewSectionReader(r, int64(sh.Offset), int64(sh.Size))
		relocs, err := ReadRelocations(sec, sh.Size)
		if err != nil {
			return nil, err
		}
		return RelaData{Relocs: relocs}, nil
	case SHT_DYNAMIC:
		sec := io.NewSectionReader(r, int64(sh.Offset), int64(sh.Size))
		ents, err := ReadDynamics(sec, sh.Size)
		if err != nil {
			return nil, err
		}
		return DynamicData{Entries: ents}, nil
	case SHT_STRTAB:
		buf := make([]byte, sh.Size)
		if sh.Size > 0 {
			if _, err := r.ReadAt(buf, int64(sh.Offset)); err != nil && err != io.EOF {
				return nil, err
			}
		}
		return StrtabData{Table: strtab.Load(buf)}, nil
	default:
		buf := make([]byte, sh.Size)
		if sh.Size > 0 {
			if _, err := r.ReadAt(buf, int64(sh.Offset)); err != nil && err != io.EOF {
				return nil, err
			}
		}
		return RawData{Bytes: buf}, nil
	}
}

// RemoveSection deletes the section at index i, shifting every later
// index down and rewriting the remaining sections' Link/Info fields
// and the header's shstrndx to match. A Link or Info that referenced
// the removed section dangles; it is zeroed, and the affected
// sections' names are returned so the caller can warn instead of
// silently emitting a broken reference.
func (f *File) RemoveSection(i int) (dangling []string) {
	if i <= 0 || i >= len(f.Sections) {
		return nil
	}
	f.Sections = append(f.Sections[:i], f.Sections[i+1:]...)

	remap := func(ref uint32, owner string) uint32 {
		switch {
		case ref == uint32(i):
			dangling = append(dangling, owner)
			return 0
		case ref > uint32(i):
			return ref - 1
		}
		return ref
	}
	for _, s := range f.Sections {
		s.Header.Link = remap(s.Header.Link, s.Name)
		if s.Header.Type == SHT_RELA || s.Header.Type == SHT_REL {
			s.Header.Info = remap(s.Header.Info, s.Name)
		}
	}
	for _, s := range f.Sections {
		st, ok := s.Data.(SymtabData)
		if !ok {
			continue
		}
		for j := range st.Symbols {
			shndx := st.Symbols[j].Shndx
			if shndx == 0 || shndx >= 0xff00 {
				continue // reserved range: UNDEF, ABS, COMMON
			}
			if shndx == uint16(i) {
				st.Symbols[j].Shndx = SHN_UNDEF
			} else if shndx > uint16(i) {
				st.Symbols[j].Shndx--
			}
		}
	}
	if f.Header.ShStrNdx == uint16(i) {
		f.Header.ShStrNdx = 0
	} else if f.Header.ShStrNdx > uint16(i) {
		f.Header.ShStrNdx--
	}
	f.Header.ShNum = uint16(len(f.Sections))
	return dangling
}

// SectionByName returns the first section named name, or nil.
func (f *File) SectionByName(name string) *Section {
	for _, s := range f.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SectionByType returns the first section of the given type, or nil.
func (f *File) SectionByType(t SectionType) *Section {
	for _, s := range f.Sections {
		if s.Header.Type == t {
			return s
		}
	}
	return nil
}
