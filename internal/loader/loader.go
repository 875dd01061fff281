// Package loader turns linker command-line inputs (paths, archive
// members, already-decoded ELF files) into Objects the symbolic linker
// can insert, doing so in an embarrassingly-parallel map: every input
// is independently loadable, and membership testing is bloom-gated so
// archives that contribute nothing are never fully decoded.
package loader

import (
	"fmt"
	"os"
	"sync"

	"github.com/aclements/x64ld/internal/diagx"
	"github.com/aclements/x64ld/internal/elfx"
)

// Object is a fully decoded, not-yet-linked input unit: one ELF file,
// or one member of a static archive. Sections is keyed by the
// section's ORIGINAL shndx (not a compacted 0..n index): the symbolic
// linker's global-id space is lid_base+shndx, so shndx continuity
// must survive loading even though SHT_NULL and the owning string
// table are dropped from the map (every name has already been
// resolved into Section.Name / Symbol.ResolvedName, so nothing
// downstream needs them).
type Object struct {
	Name     string // "path" for a loose object, "path(member.o)" for an archive member
	Shnum    int    // original e_shnum; sizes the lid range this object consumes
	Sections map[uint16]*elfx.Section
	Entry    uint64
}

// State is a unit of loader work not yet known to be needed: each
// concrete type implements the membership test and the (possibly
// expensive) decode differently.
//
// Concrete implementations: elfState (a loose object) and
// archiveMemberState (one member of a static archive). A State that
// has already decoded into an Object is returned directly from Load
// and never re-wrapped.
type State interface {
	// Contains reports whether this state might define name. Always
	// true is a safe (if wasteful) answer; false must never be
	// returned for a name the state actually defines.
	Contains(name string) bool
	// Load decodes this state into an Object.
	Load() (*Object, error)
	// String names the state for diagnostics.
	String() string
}

// Expand turns a path into one or more States: a loose ELF yields a
// single elfState, an archive yields one archiveMemberState per
// member. Sniffing reads only the handful of header bytes needed to
// tell the two apart. A malformed loose object is fatal; a malformed
// archive member is skipped and reported as a Warning, since typical
// libc archives carry the odd member this linker doesn't model.
func Expand(path string) ([]State, []*diagx.Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loader: open %s: %w", path, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	var magic [8]byte
	n, _ := f.ReadAt(magic[:], 0)
	switch {
	case n >= 8 && string(magic[:]) == archiveMagic:
		members, err := readArchive(f, fi.Size())
		if err != nil {
			return nil, nil, fmt.Errorf("loader: %s: %w", path, err)
		}
		states := make([]State, 0, len(members))
		var warns []*diagx.Warning
		for _, m := range members {
			st := newArchiveMemberState(path, m)
			if st.inner.loadErr != nil {
				warns = append(warns, diagx.NewWarning("load",
					"skipping archive member %s(%s): %v", path, m.Name, st.inner.loadErr))
				continue
			}
			states = append(states, st)
		}
		return states, warns, nil
	case n >= 4 && magic[0] == 0x7f && magic[1] == 'E' && magic[2] == 'L' && magic[3] == 'F':
		st := newElfState(path, path, 0, fi.Size())
		if st.loadErr != nil {
			return nil, nil, st.loadErr
		}
		return []State{st}, nil, nil
	default:
		return nil, nil, fmt.Errorf("loader: %s: unrecognized file format", path)
	}
}

func newObject(name string, ef *elfx.File) (*Object, error) {
	sections := make(map[uint16]*elfx.Section, len(ef.Sections))
	for i, s := range ef.Sections {
		if s.Header.Type == elfx.SHT_NULL {
			continue
		}
		if s.Header.Type == elfx.SHT_STRTAB {
			continue
		}
		sections[uint16(i)] = s
	}
	return &Object{Name: name, Shnum: len(ef.Sections), Sections: sections, Entry: ef.Header.Entry}, nil
}

// definedSymbolNames lists the GLOBAL/WEAK-bind defined symbol names
// an Object contributes — the same filter applied when populating a
// bloom filter and when doing the exact membership scan behind it.
func definedSymbolNames(ef *elfx.File) []string {
	var names []string
	for _, s := range ef.Sections {
		st, ok := s.Data.(elfx.SymtabData)
		if !ok {
			continue
		}
		for _, sym := range st.Symbols {
			if sym.Bind() == elfx.STB_LOCAL {
				continue
			}
			if sym.Shndx == elfx.SHN_UNDEF {
				continue
			}
			if sym.ResolvedName == "" {
				continue
			}
			names = append(names, sym.ResolvedName)
		}
	}
	return names
}

// LoadIf is the embarrassingly-parallel map: for every state whose
// Contains(name) is true for some name in needed, decode it into an
// Object (fanned out across goroutines bounded by a worker pool), and
// partition the result into loaded Objects and states that still
// aren't needed. Each state mutates only itself, so the lone point of
// coordination is collecting the results.
func LoadIf(states []State, needed map[string]bool, workers int) (objects []*Object, rest []State, err error) {
	if workers < 1 {
		workers = 1
	}

	type result struct {
		idx int
		obj *Object
		err error
		use bool
	}
	jobs := make(chan int)
	results := make(chan result, len(states))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				st := states[idx]
				use := false
				for name := range needed {
					if st.Contains(name) {
						use = true
						break
					}
				}
				if !use {
					results <- result{idx: idx, use: false}
					continue
				}
				obj, loadErr := st.Load()
				results <- result{idx: idx, obj: obj, err: loadErr, use: true}
			}
		}()
	}
	go func() {
		for i := range states {
			jobs <- i
		}
		close(jobs)
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([]*result, len(states))
	for r := range results {
		rc := r
		ordered[r.idx] = &rc
	}
	for i, r := range ordered {
		if !r.use {
			rest = append(rest, states[i])
			continue
		}
		if r.err != nil {
			return nil, nil, fmt.Errorf("loader: %s: %w", states[i].String(), r.err)
		}
		objects = append(objects, r.obj)
	}
	return objects, rest, nil
}
