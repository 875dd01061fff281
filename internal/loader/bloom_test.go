package loader

import "testing"

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	names := []string{"main", "printf", "memcpy", "_start", "__libc_csu_init", "strlen"}
	b := newBloomFilter(len(names))
	for _, n := range names {
		b.Insert(n)
	}
	for _, n := range names {
		if !b.Contains(n) {
			t.Fatalf("Contains(%q) = false, want true (false negative)", n)
		}
	}
}

func TestBloomFilterRejectsObviouslyAbsent(t *testing.T) {
	b := newBloomFilter(4)
	b.Insert("foo")
	b.Insert("bar")
	if b.Contains("definitely_not_inserted_xyz123") {
		// Not a correctness failure (false positives are allowed),
		// but with so few inserts against a properly sized filter
		// this should not happen in practice; flag it as a smoke
		// test on the sizing math.
		t.Skip("bloom filter reported a false positive for an unrelated name; sizing math may need a look")
	}
}
