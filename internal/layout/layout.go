// Package layout implements C8: the section/segment allocator (spec.md
// §4.5) that prunes empty sections, orders the rest by segment/section
// precedence, and assigns vmaddr/fileoff to every segment, section, and
// atom.
package layout

import (
	"sort"

	"github.com/blacktop/ld64/internal/arch"
	"github.com/blacktop/ld64/internal/atom"
	"github.com/blacktop/ld64/internal/symtab"
)

// segmentPrecedence orders the well-known segments; anything absent from
// this table sorts after __DATA and before __LINKEDIT.
var segmentPrecedence = map[string]int{
	"__PAGEZERO":   0,
	"__TEXT":       1,
	"__DATA_CONST": 2,
	"__DATA":       3,
	"__LINKEDIT":   0xE,
}

func segPrec(name string) int {
	if p, ok := segmentPrecedence[name]; ok {
		return p
	}
	return 4
}

// sectionPrecedence orders sections within __TEXT/__DATA by role: text
// first, then stubs, then other code; non-lazy pointers before lazy
// pointers before mod_init/term before zerofill.
var sectionPrecedence = map[string]int{
	"__text":                 0,
	"__stubs":                1,
	"__stub_helper":          2,
	"__cstring":              3,
	"__const":                4,
	"__got":                  0,
	"__la_symbol_ptr":        1,
	"__mod_init_func":        2,
	"__mod_term_func":        3,
	"__data":                 4,
	"__thread_vars":          5,
	"__common":               0xC,
	"__bss":                  0xD,
}

func sectPrec(name string) int {
	if p, ok := sectionPrecedence[name]; ok {
		return p
	}
	return 6
}

// ProtNone/ProtRead/etc mirror the VM_PROT_* bit values used in segment
// commands.
const (
	ProtNone  = 0x0
	ProtRead  = 0x1
	ProtWrite = 0x2
	ProtExec  = 0x4
)

// Result is C8's output: the segments in layout order (each listing its
// sections in order) and the section vector with Addr/Off/Size filled in.
// Allocate also sets every atom's Off (relative to its section) in place;
// symbol Values are stamped separately by LinkSymbolValues.
type Result struct {
	Segments []*atom.Segment
	Sections []*atom.Section // parallel index space to atom.Section indices used elsewhere
}

// Allocate runs the full C8 pipeline over the shared atom/section
// vectors, in place. headerPad is the number of bytes reserved at the
// start of the first __TEXT segment for the header and load commands.
func Allocate(a arch.Arch, atoms []*atom.Atom, sections []*atom.Section, symbols *symtab.Table, headerPad uint64, textSegVMAddr uint64) *Result {
	live := pruneEmpty(sections, atoms)

	order := make([]int, 0, len(live))
	for i := range sections {
		if live[i] {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(x, y int) bool {
		sx, sy := sections[order[x]], sections[order[y]]
		px := segPrec(sx.Segname)<<4 | sectPrec(sx.Sectname)
		py := segPrec(sy.Segname)<<4 | sectPrec(sy.Sectname)
		return px < py
	})

	segIndex := map[string]int{}
	var segs []*atom.Segment
	for _, si := range order {
		s := sections[si]
		gi, ok := segIndex[s.Segname]
		if !ok {
			gi = len(segs)
			segIndex[s.Segname] = gi
			segs = append(segs, &atom.Segment{
				Name: s.Segname, MaxProt: int32(protFor(s.Segname)), InitProt: int32(protFor(s.Segname)),
			})
		}
		s.SegmentIdx = gi
		segs[gi].Sections = append(segs[gi].Sections, si)
	}

	vmaddr := textSegVMAddr
	fileoff := uint64(0)
	firstText := true
	for _, seg := range segs {
		seg.VMAddr = vmaddr
		seg.FileOff = fileoff

		off := uint64(0)
		if seg.Name == "__TEXT" && firstText {
			off = headerPad
			firstText = false
		}
		var vmsize, filesize uint64
		for _, si := range seg.Sections {
			s := sections[si]
			align := uint64(1) << s.Align
			off = alignUp(off, align)
			s.Addr = seg.VMAddr + off
			if s.Zerofill() {
				s.Off = 0
			} else {
				s.Off = seg.FileOff + off
			}

			assignAtoms(atoms, s, sections, si)

			off += s.Size
			vmsize = off
			if !s.Zerofill() {
				filesize = off
			}
		}
		seg.VMSize = alignUp(vmsize, a.PageSize())
		seg.FileSize = alignUp(filesize, a.PageSize())
		if seg.Name == "__LINKEDIT" {
			// LINKEDIT's filesize and vmsize page-align like every
			// other segment's.
		}
		vmaddr = seg.VMAddr + seg.VMSize
		fileoff = seg.FileOff + seg.FileSize
	}

	return &Result{Segments: segs, Sections: sections}
}

// assignAtoms walks section si's atom list, aligning each atom and setting
// its Off, then sets the section's Size; symbol Values are left to
// LinkSymbolValues.
func assignAtoms(atoms []*atom.Atom, s *atom.Section, sections []*atom.Section, si int) {
	off := uint64(0)
	i := s.FirstAtom
	for i != -1 {
		at := atoms[i]
		align := uint64(1) << at.Align
		off = alignUp(off, align)
		at.Off = uint32(off)
		off += uint64(at.Size)
		i = at.Next
	}
	s.Size = alignUp(off, uint64(1)<<s.Align)
}

// LinkSymbolValues stamps every atom-owning symbol's Value from its
// atom's final section.Addr + atom.Off, and section.Addr from the
// preceding assignment (must run after Allocate).
func LinkSymbolValues(atoms []*atom.Atom, sections []*atom.Section, symbols *symtab.Table) {
	for _, sym := range symbols.Symbols {
		if !sym.HasAtom() {
			continue
		}
		at := atoms[sym.AtomIndex()]
		if at.SectionIdx < 0 || at.SectionIdx >= len(sections) {
			continue
		}
		sym.Value = sections[at.SectionIdx].Addr + uint64(at.Off)
	}
}

func pruneEmpty(sections []*atom.Section, atoms []*atom.Atom) []bool {
	live := make([]bool, len(sections))
	for i, s := range sections {
		live[i] = s.Size > 0 || s.FirstAtom != -1
	}
	return live
}

func protFor(segname string) int {
	switch segname {
	case "__PAGEZERO":
		return ProtNone
	case "__TEXT":
		return ProtRead | ProtExec
	case "__LINKEDIT":
		return ProtRead
	default:
		return ProtRead | ProtWrite
	}
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
