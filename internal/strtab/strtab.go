// Package strtab builds deduplicated ELF string tables, mirroring the
// suffix-sharing behavior of GNU ld's string table compression: when a
// string being inserted is a tail (suffix) of one already present, the
// insert reuses that tail's offset instead of appending new bytes.
package strtab

// Table is an ELF string table under construction. Index 0 is always
// the empty string, matching every SHT_STRTAB's leading NUL byte.
type Table struct {
	data []byte
	// offsets maps every suffix of every inserted string to the byte
	// offset in data where that suffix already lives, so a later
	// insert of a string ending the same way reuses the earlier
	// string's tail instead of duplicating it.
	offsets map[string]int
}

// New returns a Table primed with the mandatory leading NUL.
func New() *Table {
	return &Table{
		data:    []byte{0},
		offsets: map[string]int{},
	}
}

// Insert adds s (without its terminating NUL, which Insert appends)
// and returns the byte offset at which it now lives. Calling Insert
// twice with the same string returns the same offset both times.
func (t *Table) Insert(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.offsets[s]; ok {
		return uint32(off)
	}
	off := len(t.data)
	t.data = append(t.data, s...)
	t.data = append(t.data, 0)

	// Register every suffix (including the full string) so a later,
	// shorter insert that happens to match a tail can reuse it.
	for i := 0; i < len(s); i++ {
		suffix := s[i:]
		if _, ok := t.offsets[suffix]; !ok {
			t.offsets[suffix] = off + i
		}
	}
	return uint32(off)
}

// Get returns the NUL-terminated string starting at byte offset i, or
// "<corrupt>" if i is out of range — the table favors a readable
// placeholder over panicking when it is asked to resolve a symbol name
// from untrusted input.
func (t *Table) Get(i uint32) string {
	if int(i) >= len(t.data) {
		return "<corrupt>"
	}
	j := int(i)
	for j < len(t.data) && t.data[j] != 0 {
		j++
	}
	return string(t.data[i:j])
}

// Bytes returns the table's encoded form, including the leading NUL
// and every string's terminating NUL.
func (t *Table) Bytes() []byte { return t.data }

// Len returns the encoded size in bytes.
func (t *Table) Len() int { return len(t.data) }

// Load rebuilds a Table from already-encoded bytes, e.g. a .strtab
// section read from an input object. The suffix index is rebuilt over
// the existing byte ranges so further Inserts still dedupe against the
// loaded content.
func Load(data []byte) *Table {
	if len(data) == 0 || data[0] != 0 {
		data = append([]byte{0}, data...)
	}
	t := &Table{data: data, offsets: map[string]int{}}
	start := 1
	for i := 1; i < len(data); i++ {
		if data[i] == 0 {
			s := string(data[start:i])
			for j := 0; j < len(s); j++ {
				suffix := s[j:]
				if _, ok := t.offsets[suffix]; !ok {
					t.offsets[suffix] = start + j
				}
			}
			start = i + 1
		}
	}
	return t
}
