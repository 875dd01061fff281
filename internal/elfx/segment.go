package elfx

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SegmentHeaderSize is the on-disk size of an Elf64_Phdr: 4+4+6*8.
const SegmentHeaderSize = 56

// SegmentHeader is the in-memory form of Elf64_Phdr.
type SegmentHeader struct {
	Type   SegmentType
	Flags  SegmentFlags
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

func ReadSegmentHeader(r io.Reader) (SegmentHeader, error) {
	var b [SegmentHeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return SegmentHeader{}, fmt.Errorf("elfx: read segment header: %w", err)
	}
	bo := binary.LittleEndian
	var h SegmentHeader
	h.Type = SegmentType(bo.Uint32(b[0:4]))
	h.Flags = SegmentFlags(bo.Uint32(b[4:8]))
	h.Offset = bo.Uint64(b[8:16])
	h.VAddr = bo.Uint64(b[16:24])
	h.PAddr = bo.Uint64(b[24:32])
	h.FileSz = bo.Uint64(b[32:40])
	h.MemSz = bo.Uint64(b[40:48])
	h.Align = bo.Uint64(b[48:56])
	return h, nil
}

func (h SegmentHeader) WriteTo(w io.Writer) (int64, error) {
	var b [SegmentHeaderSize]byte
	bo := binary.LittleEndian
	bo.PutUint32(b[0:4], uint32(h.Type))
	bo.PutUint32(b[4:8], uint32(h.Flags))
	bo.PutUint64(b[8:16], h.Offset)
	bo.PutUint64(b[16:24], h.VAddr)
	bo.PutUint64(b[24:32], h.PAddr)
	bo.PutUint64(b[32:40], h.FileSz)
	bo.PutUint64(b[40:48], h.MemSz)
	bo.PutUint64(b[48:56], h.Align)
	n, err := w.Write(b[:])
	return int64(n), err
}
