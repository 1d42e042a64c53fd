// Package atom implements the linker's unit of layout (spec.md §3 Atom)
// and the output Section/Segment containers atoms are laid out into
// (spec.md §4.5). Every cross-reference is an integer index into a
// linker-owned vector, never a pointer, per spec.md §9.
package atom

import "github.com/blacktop/ld64/types"

// Reloc is a lightweight copy of an input relocation, resolved to the
// linker-internal symbol id of its target where applicable.
type Reloc struct {
	Addr    uint32 // offset from the owning atom's start
	Kind    uint8  // architecture-specific relocation type, from types
	Length  uint8  // log2 byte length: 0,1,2,3 => 1,2,4,8
	PCRel   bool
	Extern  bool // true: SymbolIdx names a symbol; false: SymbolIdx names a section
	Scatter bool
	SymbolIdx int32 // linker-internal symbol id, or n_sect when !Extern
	Addend    int64 // ARM64_RELOC_ADDEND prefix value, if any
}

// DiceEntry mirrors types.DataInCodeEntry but with the offset already
// rebased to be atom-relative.
type DiceEntry struct {
	Offset uint32
	Length uint16
	Kind   types.DiceKind
}

// Atom is the minimal relocatable unit of layout: a contiguous byte span
// with an alignment, a symbol, and relocations (spec.md §3).
type Atom struct {
	Name       string
	FileIdx    int    // index into the linker's file vector
	NSect      int    // 1-based index into the owning file's sections; 0 for synthetic atoms with no home input section
	Size       uint32
	Align      uint8 // log2 alignment
	Relocs     []Reloc
	Dice       []DiceEntry
	SectionIdx int // index into the linker's Section vector, or -1 before allocation
	Off        uint32 // offset within the output section, valid after C8
	SymbolIdx  int32  // the linker-internal symbol this atom's identity is anchored to, or -1
	Live       bool
	NoDeadStrip bool

	// Data holds the atom's input bytes for atoms with file content
	// (object-derived and synthesized-with-fixed-encoding atoms); nil for
	// zerofill atoms (tentative/common, __bss, dyld_private-style holes).
	Data []byte

	// Kind distinguishes synthetic atom flavors so later passes (C9/C10)
	// know how to patch or index them without a type switch on Name.
	Kind Kind

	// Prev/Next link atoms within the same output section in emission
	// order, forming the per-section list spec.md §3 describes; -1
	// terminates the list.
	Prev, Next int
}

// Kind tags the synthetic-atom flavors C7 produces.
type Kind uint8

const (
	KindRegular Kind = iota
	KindCommon
	KindBoundary
	KindGOT
	KindLazyPointer
	KindStub
	KindStubHelperPreamble
	KindStubHelperEntry
	KindTLVPointer
	KindThunk
	KindDyldPrivate
)

// New returns an atom with no output section assigned yet.
func New(name string, fileIdx, nsect int, size uint32, align uint8) *Atom {
	return &Atom{
		Name:       name,
		FileIdx:    fileIdx,
		NSect:      nsect,
		Size:       size,
		Align:      align,
		SectionIdx: -1,
		SymbolIdx:  -1,
		Prev:       -1,
		Next:       -1,
	}
}

// Section is an output section: a run of atoms sharing one (segname,
// sectname) pair, attached to exactly one Segment.
type Section struct {
	Segname, Sectname string
	Flags             uint32
	Align             uint8 // log2
	Reserved1         uint32
	Reserved2         uint32

	SegmentIdx           int
	Addr, Off            uint64
	Size                 uint64
	FirstAtom, LastAtom  int // atom vector indices, -1 if empty
	IndirectSymbolStart  uint32
	IndirectSymbolCount  uint32
}

// NewSection returns an empty section with no atoms attached.
func NewSection(segname, sectname string, flags uint32, align uint8) *Section {
	return &Section{
		Segname: segname, Sectname: sectname, Flags: flags, Align: align,
		SegmentIdx: -1, FirstAtom: -1, LastAtom: -1,
	}
}

// Zerofill reports whether the section's content is entirely S_ZEROFILL
// (no file bytes; vmsize only).
func (s *Section) Zerofill() bool {
	return s.Flags&0xff == 0x1 /* S_ZEROFILL */
}

// Segment is a virtual-memory container of one or more Sections
// (spec.md §3).
type Segment struct {
	Name              string
	VMAddr, VMSize    uint64
	FileOff, FileSize uint64
	MaxProt, InitProt int32
	Sections          []int // indices into the linker's Section vector
}
