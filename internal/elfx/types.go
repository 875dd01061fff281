// Package elfx implements the ELF64 codec for the x86-64 static linker:
// reading and writing headers, sections, segments, symbols, relocations,
// the dynamic table and string tables.
//
// Only what a static x86-64 linker needs is modeled; unlike debug/elf this
// package also knows how to write images back out, and it keeps enough of
// the raw section bytes and layout metadata to support re-linking.
package elfx

import "fmt"

// Class is always Class64: the linker only ever produces or consumes
// 64-bit ELF. Class32 inputs are rejected at load time.
type Class uint8

const (
	ClassNone Class = 0
	Class32   Class = 1
	Class64   Class = 2
)

type Data uint8

const (
	DataNone         Data = 0
	DataLittleEndian Data = 1
	DataBigEndian    Data = 2
)

type ObjectType uint16

const (
	ET_NONE ObjectType = 0
	ET_REL  ObjectType = 1
	ET_EXEC ObjectType = 2
	ET_DYN  ObjectType = 3
	ET_CORE ObjectType = 4
)

// Machine is always MachineX86_64: this linker targets exactly one
// architecture, and the loader rejects anything else.
type Machine uint16

const MachineX86_64 Machine = 62

type Abi uint8

const (
	AbiSysV Abi = 0
	AbiGNU  Abi = 3
)

// SectionType mirrors Elf64_Shdr's sh_type field.
type SectionType uint32

const (
	SHT_NULL          SectionType = 0
	SHT_PROGBITS      SectionType = 1
	SHT_SYMTAB        SectionType = 2
	SHT_STRTAB        SectionType = 3
	SHT_RELA          SectionType = 4
	SHT_HASH          SectionType = 5
	SHT_DYNAMIC       SectionType = 6
	SHT_NOTE          SectionType = 7
	SHT_NOBITS        SectionType = 8
	SHT_REL           SectionType = 9
	SHT_SHLIB         SectionType = 10
	SHT_DYNSYM        SectionType = 11
	SHT_INIT_ARRAY    SectionType = 14
	SHT_FINI_ARRAY    SectionType = 15
	SHT_PREINIT_ARRAY SectionType = 16
	SHT_GROUP         SectionType = 17
	SHT_SYMTAB_SHNDX  SectionType = 18
	SHT_GNU_HASH      SectionType = 0x6ffffff6
)

func (t SectionType) String() string {
	switch t {
	case SHT_NULL:
		return "NULL"
	case SHT_PROGBITS:
		return "PROGBITS"
	case SHT_SYMTAB:
		return "SYMTAB"
	case SHT_STRTAB:
		return "STRTAB"
	case SHT_RELA:
		return "RELA"
	case SHT_HASH:
		return "HASH"
	case SHT_DYNAMIC:
		return "DYNAMIC"
	case SHT_NOTE:
		return "NOTE"
	case SHT_NOBITS:
		return "NOBITS"
	case SHT_DYNSYM:
		return "DYNSYM"
	case SHT_INIT_ARRAY:
		return "INIT_ARRAY"
	case SHT_FINI_ARRAY:
		return "FINI_ARRAY"
	case SHT_GROUP:
		return "GROUP"
	case SHT_GNU_HASH:
		return "GNU_HASH"
	default:
		return fmt.Sprintf("SHT(%#x)", uint32(t))
	}
}

// SectionFlags mirrors Elf64_Shdr's sh_flags bitfield.
type SectionFlags uint64

const (
	SHF_WRITE      SectionFlags = 1 << 0
	SHF_ALLOC      SectionFlags = 1 << 1
	SHF_EXECINSTR  SectionFlags = 1 << 2
	SHF_MERGE      SectionFlags = 1 << 4
	SHF_STRINGS    SectionFlags = 1 << 5
	SHF_INFO_LINK  SectionFlags = 1 << 6
	SHF_LINK_ORDER SectionFlags = 1 << 7
	SHF_GROUP      SectionFlags = 1 << 9
	SHF_TLS        SectionFlags = 1 << 10
)

func (f SectionFlags) String() string {
	var s string
	if f&SHF_WRITE != 0 {
		s += "W"
	}
	if f&SHF_ALLOC != 0 {
		s += "A"
	}
	if f&SHF_EXECINSTR != 0 {
		s += "X"
	}
	if f&SHF_MERGE != 0 {
		s += "M"
	}
	if f&SHF_STRINGS != 0 {
		s += "S"
	}
	if f&SHF_TLS != 0 {
		s += "T"
	}
	if f&SHF_GROUP != 0 {
		s += "G"
	}
	return s
}

// SegmentType mirrors Elf64_Phdr's p_type field.
type SegmentType uint32

const (
	PT_NULL         SegmentType = 0
	PT_LOAD         SegmentType = 1
	PT_DYNAMIC      SegmentType = 2
	PT_INTERP       SegmentType = 3
	PT_NOTE         SegmentType = 4
	PT_SHLIB        SegmentType = 5
	PT_PHDR         SegmentType = 6
	PT_TLS          SegmentType = 7
	PT_GNU_EH_FRAME SegmentType = 0x6474e550
	PT_GNU_STACK    SegmentType = 0x6474e551
	PT_GNU_RELRO    SegmentType = 0x6474e552
)

// SegmentFlags mirrors Elf64_Phdr's p_flags field. Note the bit order is
// the reverse of what the numbers suggest: EXECUTABLE is bit 0.
type SegmentFlags uint32

const (
	PF_X SegmentFlags = 1 << 0
	PF_W SegmentFlags = 1 << 1
	PF_R SegmentFlags = 1 << 2
)

// SymbolType mirrors the low nibble of Elf64_Sym's st_info.
type SymbolType uint8

const (
	STT_NOTYPE    SymbolType = 0
	STT_OBJECT    SymbolType = 1
	STT_FUNC      SymbolType = 2
	STT_SECTION   SymbolType = 3
	STT_FILE      SymbolType = 4
	STT_COMMON    SymbolType = 5
	STT_TLS       SymbolType = 6
	STT_GNU_IFUNC SymbolType = 10
)

func (t SymbolType) String() string {
	switch t {
	case STT_NOTYPE:
		return "NOTYPE"
	case STT_OBJECT:
		return "OBJECT"
	case STT_FUNC:
		return "FUNC"
	case STT_SECTION:
		return "SECTION"
	case STT_FILE:
		return "FILE"
	case STT_COMMON:
		return "COMMON"
	case STT_TLS:
		return "TLS"
	case STT_GNU_IFUNC:
		return "IFUNC"
	default:
		return fmt.Sprintf("STT(%d)", uint8(t))
	}
}

// SymbolBind mirrors the high nibble of Elf64_Sym's st_info.
type SymbolBind uint8

const (
	STB_LOCAL  SymbolBind = 0
	STB_GLOBAL SymbolBind = 1
	STB_WEAK   SymbolBind = 2
)

func (b SymbolBind) String() string {
	switch b {
	case STB_LOCAL:
		return "LOCAL"
	case STB_GLOBAL:
		return "GLOBAL"
	case STB_WEAK:
		return "WEAK"
	default:
		return fmt.Sprintf("STB(%d)", uint8(b))
	}
}

// SymbolVis mirrors the low 2 bits of Elf64_Sym's st_other.
type SymbolVis uint8

const (
	STV_DEFAULT   SymbolVis = 0
	STV_INTERNAL  SymbolVis = 1
	STV_HIDDEN    SymbolVis = 2
	STV_PROTECTED SymbolVis = 3
)

func (v SymbolVis) String() string {
	switch v {
	case STV_DEFAULT:
		return "DEFAULT"
	case STV_INTERNAL:
		return "INTERNAL"
	case STV_HIDDEN:
		return "HIDDEN"
	case STV_PROTECTED:
		return "PROTECTED"
	default:
		return fmt.Sprintf("STV(%d)", uint8(v))
	}
}

// Reserved section header indices used by st_shndx.
const (
	SHN_UNDEF  uint16 = 0
	SHN_ABS    uint16 = 0xfff1
	SHN_COMMON uint16 = 0xfff2
)

// DynamicTag mirrors Elf64_Dyn's d_tag.
type DynamicTag int64

const (
	DT_NULL         DynamicTag = 0
	DT_NEEDED       DynamicTag = 1
	DT_PLTRELSZ     DynamicTag = 2
	DT_PLTGOT       DynamicTag = 3
	DT_HASH         DynamicTag = 4
	DT_STRTAB       DynamicTag = 5
	DT_SYMTAB       DynamicTag = 6
	DT_RELA         DynamicTag = 7
	DT_RELASZ       DynamicTag = 8
	DT_RELAENT      DynamicTag = 9
	DT_STRSZ        DynamicTag = 10
	DT_SYMENT       DynamicTag = 11
	DT_INIT         DynamicTag = 12
	DT_FINI         DynamicTag = 13
	DT_SONAME       DynamicTag = 14
	DT_RPATH        DynamicTag = 15
	DT_SYMBOLIC     DynamicTag = 16
	DT_REL          DynamicTag = 17
	DT_RELSZ        DynamicTag = 18
	DT_RELENT       DynamicTag = 19
	DT_PLTREL       DynamicTag = 20
	DT_DEBUG        DynamicTag = 21
	DT_TEXTREL      DynamicTag = 22
	DT_JMPREL       DynamicTag = 23
	DT_BIND_NOW     DynamicTag = 24
	DT_INIT_ARRAY   DynamicTag = 25
	DT_FINI_ARRAY   DynamicTag = 26
	DT_INIT_ARRAYSZ DynamicTag = 27
	DT_FINI_ARRAYSZ DynamicTag = 28
	DT_RUNPATH      DynamicTag = 29
	DT_FLAGS        DynamicTag = 30
	DT_GNU_HASH     DynamicTag = 0x6ffffef5
	DT_RELACOUNT    DynamicTag = 0x6ffffff9
	DT_FLAGS_1      DynamicTag = 0x6ffffffb
)

// RelocType mirrors the ELF64_R_TYPE portion of Elf64_Rela's r_info, for
// the x86-64 relocation set the dynamic relocator knows how to lower.
type RelocType uint32

const (
	R_X86_64_NONE          RelocType = 0
	R_X86_64_64            RelocType = 1
	R_X86_64_PC32          RelocType = 2
	R_X86_64_GOT32         RelocType = 3
	R_X86_64_PLT32         RelocType = 4
	R_X86_64_COPY          RelocType = 5
	R_X86_64_GLOB_DAT      RelocType = 6
	R_X86_64_JUMP_SLOT     RelocType = 7
	R_X86_64_RELATIVE      RelocType = 8
	R_X86_64_GOTPCREL      RelocType = 9
	R_X86_64_32            RelocType = 10
	R_X86_64_32S           RelocType = 11
	R_X86_64_16            RelocType = 12
	R_X86_64_PC16          RelocType = 13
	R_X86_64_8             RelocType = 14
	R_X86_64_PC8           RelocType = 15
	R_X86_64_DTPMOD64      RelocType = 16
	R_X86_64_DTPOFF64      RelocType = 17
	R_X86_64_TPOFF64       RelocType = 18
	R_X86_64_TLSGD         RelocType = 19
	R_X86_64_TLSLD         RelocType = 20
	R_X86_64_DTPOFF32      RelocType = 21
	R_X86_64_GOTTPOFF      RelocType = 22
	R_X86_64_TPOFF32       RelocType = 23
	R_X86_64_IRELATIVE     RelocType = 37
	R_X86_64_GOTPCRELX     RelocType = 41
	R_X86_64_REX_GOTPCRELX RelocType = 42
)

var relocNames = map[RelocType]string{
	R_X86_64_NONE:      "R_X86_64_NONE",
	R_X86_64_64:        "R_X86_64_64",
	R_X86_64_PC32:      "R_X86_64_PC32",
	R_X86_64_PLT32:     "R_X86_64_PLT32",
	R_X86_64_GLOB_DAT:  "R_X86_64_GLOB_DAT",
	R_X86_64_JUMP_SLOT: "R_X86_64_JUMP_SLOT",
	R_X86_64_RELATIVE:  "R_X86_64_RELATIVE",
	R_X86_64_GOTPCREL:  "R_X86_64_GOTPCREL",
	R_X86_64_32:        "R_X86_64_32",
	R_X86_64_32S:       "R_X86_64_32S",
	R_X86_64_DTPMOD64:  "R_X86_64_DTPMOD64",
	R_X86_64_DTPOFF64:  "R_X86_64_DTPOFF64",
	R_X86_64_TPOFF64:   "R_X86_64_TPOFF64",
	R_X86_64_TLSGD:     "R_X86_64_TLSGD",
	R_X86_64_TLSLD:     "R_X86_64_TLSLD",
	R_X86_64_DTPOFF32:  "R_X86_64_DTPOFF32",
	R_X86_64_GOTTPOFF:  "R_X86_64_GOTTPOFF",
	R_X86_64_TPOFF32:   "R_X86_64_TPOFF32",
	R_X86_64_GOTPCRELX: "R_X86_64_GOTPCRELX",
}

func (t RelocType) String() string {
	if s, ok := relocNames[t]; ok {
		return s
	}
	return fmt.Sprintf("R_X86_64(%d)", uint32(t))
}
