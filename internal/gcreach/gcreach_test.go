package gcreach

import (
	"testing"

	"github.com/aclements/x64ld/internal/elfx"
	"github.com/aclements/x64ld/internal/symlink"
)

func textSection(lid uint64) *symlink.LinkedSection {
	return &symlink.LinkedSection{
		Lid:     lid,
		Section: &elfx.Section{Name: ".text", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS}},
	}
}

// buildLinker hand-assembles a Linker state (bypassing InsertObject,
// which needs real loader.Objects) so the reachability walk can be
// exercised directly against a small, explicit graph: main (lid 10)
// calls helper (lid 20), which calls unused (lid 30, never reached).
func buildLinker() *symlink.Linker {
	l := symlink.New()
	// Collect finds the entry symbol through Lookup's name index, which
	// only SeedUndefined and InsertObject maintain: seeding "_start"
	// indexes it at Symtab slot 0, where its definition is placed below.
	l.SeedUndefined("_start")
	l.Objects[10] = textSection(10)
	l.Objects[20] = textSection(20)
	l.Objects[30] = textSection(30)

	l.Symtab = []symlink.LinkableSymbol{
		{Name: "_start", Shndx: 0xfffe, Lid: 10},
		{Name: "helper", Shndx: 0xfffe, Lid: 20},
		{Name: "unused_helper", Shndx: 0xfffe, Lid: 30},
	}
	l.Relocs[10] = []elfx.Relocation{{Sym: 1, Type: elfx.R_X86_64_PLT32}}
	l.Relocs[20] = nil
	l.Relocs[30] = []elfx.Relocation{{Sym: 1, Type: elfx.R_X86_64_PLT32}} // unused itself references helper but nothing reaches unused
	return l
}

func TestCollectReachability(t *testing.T) {
	l := buildLinker()
	res, err := Collect(l, "_start")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Live[10] || !res.Live[20] {
		t.Errorf("expected lid 10 and 20 live, got %+v", res.Live)
	}
	if res.Live[30] {
		t.Errorf("lid 30 should have been collected, nothing reaches it")
	}
}

func TestCollectKeepsInitFiniAndDebug(t *testing.T) {
	l := symlink.New()
	l.Objects[1] = &symlink.LinkedSection{Lid: 1, Section: &elfx.Section{Name: ".init_array", Header: elfx.SectionHeader{Type: elfx.SHT_INIT_ARRAY}}}
	l.Objects[2] = &symlink.LinkedSection{Lid: 2, Section: &elfx.Section{Name: ".debug_info", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS}}}
	l.Objects[3] = &symlink.LinkedSection{Lid: 3, Section: &elfx.Section{Name: ".text.dead", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS}}}

	res, err := Collect(l, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Live[1] || !res.Live[2] {
		t.Errorf("init_array and debug_info must always survive, got %+v", res.Live)
	}
	if res.Live[3] {
		t.Errorf("unreferenced .text section should be collected")
	}
}

// TestDebugRelocationsDoNotRoot gives a surviving .debug_info section
// a relocation into a function nothing else references: the debug
// section must stay, but its relocation must not drag the dead
// function back in.
func TestDebugRelocationsDoNotRoot(t *testing.T) {
	l := symlink.New()
	l.Objects[1] = &symlink.LinkedSection{Lid: 1, Section: &elfx.Section{Name: ".debug_info", Header: elfx.SectionHeader{Type: elfx.SHT_PROGBITS}}}
	l.Objects[2] = textSection(2)

	l.Symtab = []symlink.LinkableSymbol{
		{Name: "dead_fn", Shndx: 0xfffe, Lid: 2},
	}
	l.Relocs[1] = []elfx.Relocation{{Sym: 0, Type: elfx.R_X86_64_64}}

	res, err := Collect(l, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Live[1] {
		t.Error(".debug_info must always survive")
	}
	if res.Live[2] {
		t.Error("a relocation inside debug info must not keep its target alive")
	}
}

func TestCollectUndefinedEntry(t *testing.T) {
	l := symlink.New()
	if _, err := Collect(l, "_start"); err == nil {
		t.Fatal("expected an error for a missing entry symbol")
	}
}
