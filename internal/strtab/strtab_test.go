package strtab

import "testing"

func TestInsertDedup(t *testing.T) {
	check := func(tbl *Table, s string, want uint32) {
		t.Helper()
		if got := tbl.Insert(s); got != want {
			t.Fatalf("Insert(%q) = %d, want %d", s, got, want)
		}
	}

	tbl := New()
	check(tbl, "", 0)
	check(tbl, "main.o", 1)
	check(tbl, "main.o", 1) // repeat insert reuses the offset
	if got, want := tbl.Get(1), "main.o"; got != want {
		t.Fatalf("Get(1) = %q, want %q", got, want)
	}
}

func TestSuffixSharing(t *testing.T) {
	tbl := New()
	full := tbl.Insert("libfoo.o::bar")
	// "bar" is a suffix of the string already inserted, so it should
	// reuse a tail offset rather than appending new bytes.
	suffixOff := tbl.Insert("bar")
	wantOff := full + uint32(len("libfoo.o::"))
	if suffixOff != wantOff {
		t.Fatalf("suffix insert = %d, want %d (data=%q)", suffixOff, wantOff, tbl.Bytes())
	}
	if got := tbl.Get(suffixOff); got != "bar" {
		t.Fatalf("Get(suffix) = %q, want %q", got, "bar")
	}
}

func TestLoadPreservesDedup(t *testing.T) {
	src := New()
	src.Insert("a")
	src.Insert("bcd")
	loaded := Load(src.Bytes())
	if got := loaded.Get(1); got != "a" {
		t.Fatalf("Get(1) = %q, want %q", got, "a")
	}
	// Inserting a string identical to one already present in the
	// loaded bytes must not grow the table.
	before := loaded.Len()
	loaded.Insert("bcd")
	if loaded.Len() != before {
		t.Fatalf("Len grew after re-inserting existing string: %d -> %d", before, loaded.Len())
	}
}
