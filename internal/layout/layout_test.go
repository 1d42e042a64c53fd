package layout

import (
	"testing"

	"github.com/blacktop/ld64/internal/arch"
	"github.com/blacktop/ld64/internal/atom"
	"github.com/blacktop/ld64/internal/symtab"
)

// linkAtoms wires atoms[first..] into sec's linked list in order, the
// shape internal/layout.assignAtoms expects (mirrors what the linker's
// buildSections does at real link time).
func linkAtoms(sec *atom.Section, atoms []*atom.Atom, idxs ...int) {
	sec.FirstAtom = idxs[0]
	sec.LastAtom = idxs[len(idxs)-1]
	for i, idx := range idxs {
		if i+1 < len(idxs) {
			atoms[idx].Next = idxs[i+1]
		}
	}
}

func TestAllocateOrdersSegmentsAndSections(t *testing.T) {
	text := atom.New("__TEXT$__text", 0, 1, 4, 0)
	stub := atom.New("__TEXT$__stubs", 0, 2, 8, 0)
	data := atom.New("__DATA$__data", 0, 3, 4, 0)
	atoms := []*atom.Atom{text, stub, data}

	textSec := atom.NewSection("__TEXT", "__text", 0, 0)
	stubSec := atom.NewSection("__TEXT", "__stubs", 0, 0)
	dataSec := atom.NewSection("__DATA", "__data", 0, 0)
	linkAtoms(textSec, atoms, 0)
	linkAtoms(stubSec, atoms, 1)
	linkAtoms(dataSec, atoms, 2)

	// Sections deliberately built out of precedence order to exercise the
	// sort: __stubs before __text, __DATA before __TEXT.
	sections := []*atom.Section{stubSec, textSec, dataSec}
	stub.SectionIdx, text.SectionIdx, data.SectionIdx = 0, 1, 2

	result := Allocate(arch.X86_64, atoms, sections, symtab.NewTable(), 0, 0x100000000)

	if len(result.Segments) != 2 {
		t.Fatalf("expected 2 segments (__TEXT, __DATA), got %d", len(result.Segments))
	}
	if result.Segments[0].Name != "__TEXT" || result.Segments[1].Name != "__DATA" {
		t.Fatalf("segments out of order: got %s, %s", result.Segments[0].Name, result.Segments[1].Name)
	}

	textSeg := result.Segments[0]
	if len(textSeg.Sections) != 2 {
		t.Fatalf("expected 2 sections in __TEXT, got %d", len(textSeg.Sections))
	}
	if sections[textSeg.Sections[0]].Sectname != "__text" || sections[textSeg.Sections[1]].Sectname != "__stubs" {
		t.Fatalf("__text must precede __stubs by section precedence, got %s then %s",
			sections[textSeg.Sections[0]].Sectname, sections[textSeg.Sections[1]].Sectname)
	}
}

func TestAllocatePageAlignsSegmentSizes(t *testing.T) {
	a := atom.New("__TEXT$__text", 0, 1, 5, 0) // 5 bytes: not a multiple of any page size
	atoms := []*atom.Atom{a}
	sec := atom.NewSection("__TEXT", "__text", 0, 0)
	a.SectionIdx = 0
	linkAtoms(sec, atoms, 0)
	sections := []*atom.Section{sec}

	result := Allocate(arch.X86_64, atoms, sections, symtab.NewTable(), 0, 0x100000000)
	seg := result.Segments[0]
	if seg.VMSize%arch.X86_64.PageSize() != 0 {
		t.Errorf("segment vmsize %#x is not page-aligned", seg.VMSize)
	}
	if seg.FileSize%arch.X86_64.PageSize() != 0 {
		t.Errorf("segment filesize %#x is not page-aligned", seg.FileSize)
	}
}

func TestLinkSymbolValuesStampsAtomAddress(t *testing.T) {
	a := atom.New("_foo", 0, 1, 4, 0)
	atoms := []*atom.Atom{a}
	sec := atom.NewSection("__TEXT", "__text", 0, 0)
	a.SectionIdx = 0
	linkAtoms(sec, atoms, 0)
	sections := []*atom.Section{sec}

	table := symtab.NewTable()
	sym := symtab.New(1)
	sym.SetAtom(0)
	table.Insert(sym)

	Allocate(arch.X86_64, atoms, sections, table, 0, 0x100000000)
	LinkSymbolValues(atoms, sections, table)

	if table.Symbols[0].Value != sections[0].Addr {
		t.Errorf("symbol value %#x should equal its atom's section address %#x (atom offset 0)", table.Symbols[0].Value, sections[0].Addr)
	}
}
