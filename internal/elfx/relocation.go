package elfx

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RelocationEntSize is the on-disk size of an Elf64_Rela. The linker
// only ever works with RELA-form relocations (the explicit-addend
// form); the psABI for x86-64 never emits Elf64_Rel.
const RelocationEntSize = 24

// Relocation is the in-memory form of Elf64_Rela.
type Relocation struct {
	Offset uint64
	Sym    uint32
	Type   RelocType
	Addend int64
}

func ReadRelocation(r io.Reader) (Relocation, error) {
	var b [RelocationEntSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Relocation{}, fmt.Errorf("elfx: read relocation: %w", err)
	}
	bo := binary.LittleEndian
	var rel Relocation
	rel.Offset = bo.Uint64(b[0:8])
	info := bo.Uint64(b[8:16])
	rel.Sym = uint32(info >> 32)
	rel.Type = RelocType(uint32(info))
	rel.Addend = int64(bo.Uint64(b[16:24]))
	return rel, nil
}

func (r Relocation) WriteTo(w io.Writer) (int64, error) {
	var b [RelocationEntSize]byte
	bo := binary.LittleEndian
	bo.PutUint64(b[0:8], r.Offset)
	info := uint64(r.Sym)<<32 | uint64(uint32(r.Type))
	bo.PutUint64(b[8:16], info)
	bo.PutUint64(b[16:24], uint64(r.Addend))
	n, err := w.Write(b[:])
	return int64(n), err
}

// KnownRelocTypes holds every RelocType ReadRelocations keeps; it is
// wider than what the dynamic relocator lowers (types such as
// GLOB_DAT, JUMP_SLOT or DTPMOD64 are kept here and rejected there).
// ReadRelocations drops anything outside this set rather than
// erroring, since unsupported relocation types are common in objects
// built by other assemblers and a linker that aborts on every novel
// constant is useless for them.
var KnownRelocTypes = map[RelocType]bool{
	R_X86_64_NONE: true, R_X86_64_64: true, R_X86_64_PC32: true,
	R_X86_64_PLT32: true, R_X86_64_GLOB_DAT: true, R_X86_64_JUMP_SLOT: true,
	R_X86_64_RELATIVE: true, R_X86_64_GOTPCREL: true, R_X86_64_32: true,
	R_X86_64_32S: true, R_X86_64_DTPMOD64: true, R_X86_64_DTPOFF64: true,
	R_X86_64_TPOFF64: true, R_X86_64_TLSGD: true, R_X86_64_TLSLD: true,
	R_X86_64_DTPOFF32: true, R_X86_64_GOTTPOFF: true, R_X86_64_TPOFF32: true,
	R_X86_64_IRELATIVE: true, R_X86_64_GOTPCRELX: true, R_X86_64_REX_GOTPCRELX: true,
}

// ReadRelocations parses a whole .rela section's worth of entries,
// silently dropping unrecognized relocation types rather than erroring.
func ReadRelocations(r io.Reader, size uint64) ([]Relocation, error) {
	n := size / RelocationEntSize
	out := make([]Relocation, 0, n)
	for i := uint64(0); i < n; i++ {
		rel, err := ReadRelocation(r)
		if err != nil {
			return nil, err
		}
		if !KnownRelocTypes[rel.Type] {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}
