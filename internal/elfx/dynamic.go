package elfx

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DynamicEntSize is the on-disk size of an Elf64_Dyn.
const DynamicEntSize = 16

// Dynamic is the in-memory form of Elf64_Dyn.
type Dynamic struct {
	Tag DynamicTag
	Val uint64
}

func ReadDynamic(r io.Reader) (Dynamic, error) {
	var b [DynamicEntSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Dynamic{}, fmt.Errorf("elfx: read dynamic entry: %w", err)
	}
	bo := binary.LittleEndian
	return Dynamic{
		Tag: DynamicTag(int64(bo.Uint64(b[0:8]))),
		Val: bo.Uint64(b[8:16]),
	}, nil
}

func (d Dynamic) WriteTo(w io.Writer) (int64, error) {
	var b [DynamicEntSize]byte
	bo := binary.LittleEndian
	bo.PutUint64(b[0:8], uint64(d.Tag))
	bo.PutUint64(b[8:16], d.Val)
	n, err := w.Write(b[:])
	return int64(n), err
}

// ReadDynamics parses a whole .dynamic section, up to and including
// the first DT_NULL entry. Tags are not checked: an entry whose tag
// this package does not name is returned like any other.
func ReadDynamics(r io.Reader, size uint64) ([]Dynamic, error) {
	n := size / DynamicEntSize
	out := make([]Dynamic, 0, n)
	for i := uint64(0); i < n; i++ {
		d, err := ReadDynamic(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		if d.Tag == DT_NULL {
			break
		}
	}
	return out, nil
}
