package elfx

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SymbolEntSize is the on-disk size of an Elf64_Sym.
const SymbolEntSize = 24

// Symbol is the in-memory form of Elf64_Sym.
type Symbol struct {
	Name  uint32 // offset into the owning section's string table
	Info  uint8  // (Bind<<4)|Type, kept raw so odd combinations round-trip
	Other uint8  // Vis in the low two bits
	Shndx uint16
	Value uint64
	Size  uint64

	// ResolvedName is filled in by the loader once the owning
	// section's string table has been decoded; it is not part of
	// the wire format.
	ResolvedName string
}

func (s Symbol) Type() SymbolType { return SymbolType(s.Info & 0xf) }
func (s Symbol) Bind() SymbolBind { return SymbolBind(s.Info >> 4) }
func (s Symbol) Vis() SymbolVis   { return SymbolVis(s.Other & 0x3) }

func MakeInfo(bind SymbolBind, typ SymbolType) uint8 {
	return uint8(bind)<<4 | uint8(typ)&0xf
}

func ReadSymbol(r io.Reader) (Symbol, error) {
	var b [SymbolEntSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Symbol{}, fmt.Errorf("elfx: read symbol: %w", err)
	}
	bo := binary.LittleEndian
	var s Symbol
	s.Name = bo.Uint32(b[0:4])
	s.Info = b[4]
	s.Other = b[5]
	s.Shndx = bo.Uint16(b[6:8])
	s.Value = bo.Uint64(b[8:16])
	s.Size = bo.Uint64(b[16:24])
	return s, nil
}

func (s Symbol) WriteTo(w io.Writer) (int64, error) {
	var b [SymbolEntSize]byte
	bo := binary.LittleEndian
	bo.PutUint32(b[0:4], s.Name)
	b[4] = s.Info
	b[5] = s.Other
	bo.PutUint16(b[6:8], s.Shndx)
	bo.PutUint64(b[8:16], s.Value)
	bo.PutUint64(b[16:24], s.Size)
	n, err := w.Write(b[:])
	return int64(n), err
}
