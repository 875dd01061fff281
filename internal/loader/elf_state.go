package loader

import (
	"fmt"
	"io"
	"os"

	"github.com/aclements/x64ld/internal/elfx"
)

// elfState is a decoded-enough-to-answer-Contains ELF input: a loose
// object file, or one member of an archive addressed by byte range.
// Construction decodes the headers, the symbol table whose names feed
// the Bloom filter, and the string table it links — so an input
// nothing ever needs is never fully decoded. Load re-opens the file
// and decodes the rest; the handle lives only for that call.
type elfState struct {
	name    string
	path    string
	offset  int64
	size    int64
	bloom   *bloomFilter
	exact   map[string]bool
	loadErr error
}

func newElfState(name, path string, offset, size int64) *elfState {
	s := &elfState{name: name, path: path, offset: offset, size: size}
	f, err := os.Open(path)
	if err != nil {
		s.loadErr = err
		return s
	}
	defer f.Close()

	ef, err := elfx.Read(readerAt(f, offset, size))
	if err != nil {
		s.loadErr = fmt.Errorf("%s: %w", name, err)
		return s
	}

	// Locate exactly one symbol table: SYMTAB for relocatable
	// objects, DYNSYM for already-linked DYN images.
	want := elfx.SHT_SYMTAB
	if ef.Header.Type == elfx.ET_DYN {
		want = elfx.SHT_DYNSYM
	}
	symIdx := -1
	for i, sec := range ef.Sections {
		if sec.Header.Type != want {
			continue
		}
		if symIdx >= 0 {
			s.loadErr = fmt.Errorf("%s: multiple symbol tables in one object", name)
			return s
		}
		symIdx = i
	}
	if symIdx < 0 {
		s.loadErr = fmt.Errorf("%s: no symbol table", name)
		return s
	}
	if err := ef.Load(symIdx); err != nil {
		s.loadErr = fmt.Errorf("%s: %w", name, err)
		return s
	}

	names := definedSymbolNames(ef)
	s.bloom = newBloomFilter(len(names))
	s.exact = make(map[string]bool, len(names))
	for _, n := range names {
		s.bloom.Insert(n)
		s.exact[n] = true
	}
	return s
}

func readerAt(f *os.File, offset, size int64) io.ReaderAt {
	if size > 0 {
		return io.NewSectionReader(f, offset, size)
	}
	return f
}

func (s *elfState) String() string { return s.name }

func (s *elfState) Contains(name string) bool {
	if !s.bloom.Contains(name) {
		return false
	}
	return s.exact[name]
}

func (s *elfState) Load() (*Object, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ef, err := elfx.Read(readerAt(f, s.offset, s.size))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	if err := ef.LoadAll(); err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	return newObject(s.name, ef)
}

// archiveMemberState is one member of a static archive, addressed by
// byte range within the backing file. The member's symbol table is
// scanned eagerly at construction (Contains needs the names, and
// there is no cheaper way to learn them), but the decoded sections
// only become an Object if LoadIf decides the member is needed.
type archiveMemberState struct {
	inner *elfState
}

func newArchiveMemberState(archivePath string, m archiveMember) *archiveMemberState {
	name := fmt.Sprintf("%s(%s)", archivePath, m.Name)
	return &archiveMemberState{inner: newElfState(name, archivePath, m.Offset, m.Size)}
}

func (a *archiveMemberState) String() string            { return a.inner.String() }
func (a *archiveMemberState) Contains(name string) bool { return a.inner.Contains(name) }
func (a *archiveMemberState) Load() (*Object, error)    { return a.inner.Load() }
