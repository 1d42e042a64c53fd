package deadstrip

import (
	"testing"

	"github.com/blacktop/ld64/internal/atom"
	"github.com/blacktop/ld64/internal/symtab"
)

func TestMarkFollowsRelocationChain(t *testing.T) {
	// main -> helper -> leaf, plus an unreachable dead atom.
	main := atom.New("_main", 0, 1, 4, 0)
	helper := atom.New("_helper", 0, 2, 4, 0)
	leaf := atom.New("_leaf", 0, 3, 4, 0)
	dead := atom.New("_dead", 0, 4, 4, 0)
	main.Live, helper.Live, leaf.Live, dead.Live = false, false, false, false
	atoms := []*atom.Atom{main, helper, leaf, dead}

	table := symtab.NewTable()
	helperSym := symtab.New(1)
	helperSym.SetAtom(1)
	table.Insert(helperSym)
	leafSym := symtab.New(2)
	leafSym.SetAtom(2)
	table.Insert(leafSym)

	main.Relocs = []atom.Reloc{{Extern: true, SymbolIdx: 0}}
	helper.Relocs = []atom.Reloc{{Extern: true, SymbolIdx: 1}}

	u := NewUniverse(atoms, table)
	marked := Mark(u, []int{0})

	if marked != 3 {
		t.Fatalf("expected 3 atoms marked live (main, helper, leaf), got %d", marked)
	}
	if !main.Live || !helper.Live || !leaf.Live {
		t.Fatal("main, helper and leaf should all be live")
	}
	if dead.Live {
		t.Fatal("unreachable atom must stay dead")
	}
	if !u.FileLive[0] {
		t.Fatal("file 0 should be marked live via the reachable atoms")
	}
}

func TestRootsCollectsEntryAndReferencedDynamically(t *testing.T) {
	entry := atom.New("_main", 0, 1, 4, 0)
	mhHeader := atom.New("__mh_execute_header", 0, 0, 0, 0)
	noStrip := atom.New("_pinned", 0, 2, 4, 0)
	noStrip.NoDeadStrip = true
	atoms := []*atom.Atom{entry, mhHeader, noStrip}

	table := symtab.NewTable()
	sym := symtab.New(1)
	sym.SetAtom(1)
	sym.Flags |= symtab.FlagReferencedDynamically
	table.Insert(sym)

	u := NewUniverse(atoms, table)
	roots := Roots(u, 0, false)

	want := map[int]bool{0: true, 1: true, 2: true}
	if len(roots) != len(want) {
		t.Fatalf("expected roots %v, got %v", want, roots)
	}
	for _, r := range roots {
		if !want[r] {
			t.Errorf("unexpected root atom index %d", r)
		}
	}
}

func TestSweepSymtabClearsOutputFlagForDeadAtoms(t *testing.T) {
	live := atom.New("_live", 0, 1, 4, 0)
	live.Live = true
	dead := atom.New("_dead", 0, 2, 4, 0)
	dead.Live = false
	atoms := []*atom.Atom{live, dead}

	table := symtab.NewTable()
	liveSym := symtab.New(1)
	liveSym.SetAtom(0)
	liveSym.Flags |= symtab.FlagOutputSymtab
	table.Insert(liveSym)
	deadSym := symtab.New(2)
	deadSym.SetAtom(1)
	deadSym.Flags |= symtab.FlagOutputSymtab
	table.Insert(deadSym)

	u := NewUniverse(atoms, table)
	SweepSymtab(u)

	if table.Symbols[0].Flags&symtab.FlagOutputSymtab == 0 {
		t.Error("symbol anchored to a live atom must keep FlagOutputSymtab")
	}
	if table.Symbols[1].Flags&symtab.FlagOutputSymtab != 0 {
		t.Error("symbol anchored to a dead atom must lose FlagOutputSymtab")
	}
}
