package elfx

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aclements/x64ld/internal/strtab"
)

// SectionHeaderSize is the on-disk size of an Elf64_Shdr.
const SectionHeaderSize = 64

// SectionHeader is the in-memory form of Elf64_Shdr.
type SectionHeader struct {
	Name      uint32
	Type      SectionType
	Flags     SectionFlags
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// SectionData holds a section's typed payload. Unlike debug/elf, this
// package keeps enough structure to re-encode a section after the linker
// has rewritten its contents.
//
// This is the idiomatic-Go stand-in for a closed sum type: a small
// interface with one implementation per variant, the same shape the
// object loader uses for LoaderState.
type SectionData interface {
	isSectionData()
	// Size returns the section's size in bytes: the encoded ELF64 size,
	// or the virtual size for NoneData.
	Size() uint64
}

type RawData struct{ Bytes []byte }

func (RawData) isSectionData() {}
func (d RawData) Size() uint64 { return uint64(len(d.Bytes)) }

type SymtabData struct{ Symbols []Symbol }

func (SymtabData) isSectionData() {}
func (d SymtabData) Size() uint64 { return uint64(len(d.Symbols)) * SymbolEntSize }

type RelaData struct{ Relocs []Relocation }

func (RelaData) isSectionData() {}
func (d RelaData) Size() uint64 { return uint64(len(d.Relocs)) * RelocationEntSize }

type DynamicData struct{ Entries []Dynamic }

func (DynamicData) isSectionData() {}
func (d DynamicData) Size() uint64 { return uint64(len(d.Entries)) * DynamicEntSize }

type StrtabData struct{ Table *strtab.Table }

func (StrtabData) isSectionData() {}
func (d StrtabData) Size() uint64 {
	if d.Table == nil {
		return 0
	}
	return uint64(d.Table.Len())
}

// NoneData is used for SHT_NULL and SHT_NOBITS sections that occupy no
// file bytes (NOBITS carries its virtual size in MemSize).
type NoneData struct{ MemSize uint64 }

func (NoneData) isSectionData() {}
func (d NoneData) Size() uint64 { return d.MemSize }

// Section is a named, typed section plus its header.
type Section struct {
	Header   SectionHeader
	Name     string
	Data     SectionData
	AddrLock bool // layout keeps Header.Addr as given and fails rather than lower it; nothing in the link pipeline sets it
}

func ReadSectionHeader(r io.Reader) (SectionHeader, error) {
	var b [SectionHeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return SectionHeader{}, fmt.Errorf("elfx: read section header: %w", err)
	}
	bo := binary.LittleEndian
	var h SectionHeader
	h.Name = bo.Uint32(b[0:4])
	h.Type = SectionType(bo.Uint32(b[4:8]))
	h.Flags = SectionFlags(bo.Uint64(b[8:16]))
	h.Addr = bo.Uint64(b[16:24])
	h.Offset = bo.Uint64(b[24:32])
	h.Size = bo.Uint64(b[32:40])
	h.Link = bo.Uint32(b[40:44])
	h.Info = bo.Uint32(b[44:48])
	h.AddrAlign = bo.Uint64(b[48:56])
	h.EntSize = bo.Uint64(b[56:64])
	return h, nil
}

func (h SectionHeader) WriteTo(w io.Writer) (int64, error) {
	var b [SectionHeaderSize]byte
	bo := binary.LittleEndian
	bo.PutUint32(b[0:4], h.Name)
	bo.PutUint32(b[4:8], uint32(h.Type))
	bo.PutUint64(b[8:16], uint64(h.Flags))
	bo.PutUint64(b[16:24], h.Addr)
	bo.PutUint64(b[24:32], h.Offset)
	bo.PutUint64(b[32:40], h.Size)
	bo.PutUint32(b[40:44], h.Link)
	bo.PutUint32(b[44:48], h.Info)
	bo.PutUint64(b[48:56], h.AddrAlign)
	bo.PutUint64(b[56:64], h.EntSize)
	n, err := w.Write(b[:])
	return int64(n), err
}
