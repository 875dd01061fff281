package elfx

import (
	"bytes"
	"fmt"
	"io"
)

// WriteTo serializes f exactly as laid out: every Section.Header.Offset
// and every SegmentHeader field must already be final (that is the
// layout engine's job) — WriteTo does not compute placement, it only
// encodes what has already been decided.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	buf := &bytes.Buffer{}

	hdr := f.Header
	if _, err := hdr.WriteTo(buf); err != nil {
		return 0, err
	}

	if len(f.Segments) > 0 {
		if err := padTo(buf, int64(hdr.PhOff)); err != nil {
			return 0, err
		}
		for _, ph := range f.Segments {
			if _, err := ph.WriteTo(buf); err != nil {
				return 0, err
			}
		}
	}

	for _, sec := range f.Sections {
		if sec.Header.Type == SHT_NULL || sec.Header.Type == SHT_NOBITS {
			continue
		}
		if err := padTo(buf, int64(sec.Header.Offset)); err != nil {
			return 0, fmt.Errorf("elfx: section %q: %w", sec.Name, err)
		}
		if err := writeSectionData(buf, sec); err != nil {
			return 0, fmt.Errorf("elfx: section %q: %w", sec.Name, err)
		}
	}

	if err := padTo(buf, int64(hdr.ShOff)); err != nil {
		return 0, err
	}
	for _, sec := range f.Sections {
		if _, err := sec.Header.WriteTo(buf); err != nil {
			return 0, err
		}
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// padTo writes zero bytes until buf.Len() reaches off. off must not be
// smaller than the buffer's current length — the layout engine is
// responsible for monotonically increasing offsets.
func padTo(buf *bytes.Buffer, off int64) error {
	if off < int64(buf.Len()) {
		return fmt.Errorf("elfx: layout went backwards: at %d, wanted %d", buf.Len(), off)
	}
	if off == int64(buf.Len()) {
		return nil
	}
	_, err := buf.Write(make([]byte, off-int64(buf.Len())))
	return err
}

func writeSectionData(w io.Writer, sec *Section) error {
	switch d := sec.Data.(type) {
	case RawData:
		_, err := w.Write(d.Bytes)
		return err
	case SymtabData:
		for _, s := range d.Symbols {
			if _, err := s.WriteTo(w); err != nil {
				return err
			}
		}
		return nil
	case RelaData:
		for _, r := range d.Relocs {
			if _, err := r.WriteTo(w); err != nil {
				return err
			}
		}
		return nil
	case DynamicData:
		for _, e := range d.Entries {
			if _, err := e.WriteTo(w); err != nil {
				return err
			}
		}
		return nil
	case StrtabData:
		if d.Table != nil {
			_, err := w.Write(d.Table.Bytes())
			return err
		}
		return nil
	case NoneData:
		return nil
	case nil:
		return fmt.Errorf("content never loaded; call Load or LoadAll before writing")
	default:
		return fmt.Errorf("unhandled section data type %T", d)
	}
}
