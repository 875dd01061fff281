package elfx

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the on-disk size of an Elf64_Ehdr.
const HeaderSize = 64

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

// Header is the in-memory form of Elf64_Ehdr.
type Header struct {
	Class      Class
	Data       Data
	OSAbi      Abi
	AbiVersion uint8
	Type       ObjectType
	Machine    Machine
	Version    uint32
	Entry      uint64
	PhOff      uint64
	ShOff      uint64
	Flags      uint32
	EhSize     uint16
	PhEntSize  uint16
	PhNum      uint16
	ShEntSize  uint16
	ShNum      uint16
	ShStrNdx   uint16
}

// ReadHeader decodes the 64-byte ELF header at the start of r.
func ReadHeader(r io.Reader) (*Header, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, fmt.Errorf("elfx: read header: %w", err)
	}
	if [4]byte(b[0:4]) != elfMagic {
		return nil, fmt.Errorf("elfx: bad magic %x", b[0:4])
	}
	h := &Header{}
	h.Class = Class(b[4])
	if h.Class != Class64 {
		return nil, fmt.Errorf("elfx: unsupported class %d, only ELF64 is supported", h.Class)
	}
	h.Data = Data(b[5])
	if h.Data != DataLittleEndian {
		return nil, fmt.Errorf("elfx: unsupported byte order %d, only little-endian is supported", h.Data)
	}
	// b[6] is EI_VERSION, b[7] OSABI, b[8] ABIVERSION, b[9:16] padding.
	h.OSAbi = Abi(b[7])
	h.AbiVersion = b[8]

	bo := binary.LittleEndian
	h.Type = ObjectType(bo.Uint16(b[16:18]))
	h.Machine = Machine(bo.Uint16(b[18:20]))
	h.Version = bo.Uint32(b[20:24])
	h.Entry = bo.Uint64(b[24:32])
	h.PhOff = bo.Uint64(b[32:40])
	h.ShOff = bo.Uint64(b[40:48])
	h.Flags = bo.Uint32(b[48:52])
	h.EhSize = bo.Uint16(b[52:54])
	h.PhEntSize = bo.Uint16(b[54:56])
	h.PhNum = bo.Uint16(b[56:58])
	h.ShEntSize = bo.Uint16(b[58:60])
	h.ShNum = bo.Uint16(b[60:62])
	h.ShStrNdx = bo.Uint16(b[62:64])

	if h.Machine != MachineX86_64 {
		return nil, fmt.Errorf("elfx: unsupported machine %d, only x86-64 is supported", h.Machine)
	}
	return h, nil
}

// WriteTo encodes h as a 64-byte Elf64_Ehdr.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	var b [HeaderSize]byte
	copy(b[0:4], elfMagic[:])
	b[4] = byte(Class64)
	b[5] = byte(DataLittleEndian)
	b[6] = 1 // EI_VERSION
	b[7] = byte(h.OSAbi)
	b[8] = h.AbiVersion

	bo := binary.LittleEndian
	bo.PutUint16(b[16:18], uint16(h.Type))
	bo.PutUint16(b[18:20], uint16(MachineX86_64))
	bo.PutUint32(b[20:24], 1) // e_version
	bo.PutUint64(b[24:32], h.Entry)
	bo.PutUint64(b[32:40], h.PhOff)
	bo.PutUint64(b[40:48], h.ShOff)
	bo.PutUint32(b[48:52], h.Flags)
	bo.PutUint16(b[52:54], HeaderSize)
	bo.PutUint16(b[54:56], h.PhEntSize)
	bo.PutUint16(b[56:58], h.PhNum)
	bo.PutUint16(b[58:60], h.ShEntSize)
	bo.PutUint16(b[60:62], h.ShNum)
	bo.PutUint16(b[62:64], h.ShStrNdx)

	n, err := w.Write(b[:])
	return int64(n), err
}
