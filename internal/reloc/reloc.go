// Package reloc implements C9: the two-pass relocation engine (spec.md
// §4.6) -- a scan pass that materializes GOT/stub/TLV entries on demand,
// and a resolve pass that patches final relocation bytes for both
// x86-64 and aarch64.
package reloc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/blacktop/ld64/internal/arch"
	"github.com/blacktop/ld64/internal/atom"
	"github.com/blacktop/ld64/internal/symtab"
	"github.com/blacktop/ld64/internal/synth"
)

// Kind values are the two architectures' raw r_type encodings
// (X86_64_RELOC_* and ARM64_RELOC_* in mach-o/reloc.h), as
// internal/objfile copies them from each relocation_info.
const (
	X86_64RelocUnsigned   = 0
	X86_64RelocSigned     = 1
	X86_64RelocBranch     = 2
	X86_64RelocGOTLoad    = 3
	X86_64RelocGOT        = 4
	X86_64RelocSubtractor = 5
	X86_64RelocTLV        = 9

	ARM64RelocUnsigned  = 0
	ARM64RelocBranch26  = 2
	ARM64RelocPage21    = 3
	ARM64RelocPageOff12 = 4
	ARM64RelocGOTPage21 = 5
	ARM64RelocGOTOff12  = 6
	ARM64RelocTLVPage21 = 8
	ARM64RelocTLVOff12  = 9
)

// UnresolvedTargetError reports a relocation whose symbol never got an
// owning atom (undefined and not imported): a hard failure by the time
// the resolve pass runs.
type UnresolvedTargetError struct {
	SymbolIdx int32
}

func (e *UnresolvedTargetError) Error() string {
	return fmt.Sprintf("relocation targets unresolved symbol %d", e.SymbolIdx)
}

// Scan walks every relocation of every live atom once, materializing
// GOT/stub/TLV-pointer atoms for the relocation kinds that need one
// (spec.md §4.6 "scan pass creating GOT/stub/TLV entries on demand").
// It must run before internal/layout.Allocate, since the atoms it
// creates need a home section.
func Scan(atoms []*atom.Atom, symbols *symtab.Table, sb *synth.Builder) {
	for _, a := range atoms {
		if a == nil || !a.Live {
			continue
		}
		for _, r := range a.Relocs {
			if !r.Extern || r.SymbolIdx < 0 {
				continue
			}
			switch Kind(r.Kind) {
			case X86_64RelocGOTLoad, X86_64RelocGOT, ARM64RelocGOTPage21, ARM64RelocGOTOff12:
				sb.GOT(r.SymbolIdx)
			case X86_64RelocTLV, ARM64RelocTLVPage21, ARM64RelocTLVOff12:
				sb.TLVPointer(r.SymbolIdx)
			case X86_64RelocBranch, ARM64RelocBranch26:
				sym := symbols.Symbols[r.SymbolIdx]
				if sym.Flags&symtab.FlagImport != 0 {
					sb.Stub(r.SymbolIdx)
				}
			}
		}
	}
}

// Kind is a thin wrapper so the switch above reads by name instead of
// raw uint8s; both architectures share the constant space above.
type Kind = uint8

// calcPcRelativeDisplacementX86 computes the 32-bit signed displacement
// x86-64 PC-relative forms encode (spec.md §4.6): target - (siteAddr +
// 4 + addend) - n. The +4 accounts for the trailing disp32 field
// itself; n is the byte length of any immediate operand trailing that
// field, nonzero only for the X86_64_RELOC_SIGNED_1/2/4 variants — the
// Kind constants this package models don't distinguish those, so every
// caller today passes 0. Returns an error if the result overflows the
// 32-bit signed field it's encoded into.
func calcPcRelativeDisplacementX86(siteAddr, target uint64, addend int64, n uint32) (int32, error) {
	disp := int64(target) - (int64(siteAddr) + 4 + addend) - int64(n)
	if disp > math.MaxInt32 || disp < math.MinInt32 {
		return 0, fmt.Errorf("relocation displacement %d at site %#x overflows a 32-bit signed field", disp, siteAddr)
	}
	return int32(disp), nil
}

// calcNumberOfPages returns the signed page-count delta ADRP encodes:
// (target & ^0xFFF)/4096 - (site & ^0xFFF)/4096.
func calcNumberOfPages(siteAddr, target uint64) int32 {
	sitePage := int64(siteAddr &^ 0xFFF)
	targetPage := int64(target &^ 0xFFF)
	return int32((targetPage - sitePage) / 0x1000)
}

// calcPageOffset returns the low 12 bits of target, the operand
// aarch64's ADD/LDR-immediate pageoff forms encode.
func calcPageOffset(target uint64) uint32 {
	return uint32(target & 0xFFF)
}

// Resolve is the second pass: for each live atom's relocations, compute
// the final patch and write it into the atom's Data (spec.md §4.6
// "resolve pass emitting x86-64 and aarch64 relocations"). atomAddr
// returns an atom's absolute vmaddr, valid only after internal/layout.
func Resolve(a arch.Arch, atoms []*atom.Atom, symbols *symtab.Table, atomAddr func(atomIdx int) uint64) error {
	for ai, at := range atoms {
		if at == nil || !at.Live || at.Data == nil {
			continue
		}
		base := atomAddr(ai)
		for _, r := range at.Relocs {
			target, err := targetAddr(r, atoms, symbols, atomAddr)
			if err != nil {
				return err
			}
			site := base + uint64(r.Addr)
			if err := patch(a, at.Data, r, site, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func targetAddr(r atom.Reloc, atoms []*atom.Atom, symbols *symtab.Table, atomAddr func(int) uint64) (uint64, error) {
	if !r.Extern {
		// Section-relative relocation: SymbolIdx here holds a 1-based
		// section number resolved earlier to an atom index by the caller
		// before Resolve runs; treat it as already an atom index.
		if r.SymbolIdx < 0 || int(r.SymbolIdx) >= len(atoms) {
			return 0, &UnresolvedTargetError{SymbolIdx: r.SymbolIdx}
		}
		return atomAddr(int(r.SymbolIdx)) + uint64(r.Addend), nil
	}
	if r.SymbolIdx < 0 || int(r.SymbolIdx) >= len(symbols.Symbols) {
		return 0, &UnresolvedTargetError{SymbolIdx: r.SymbolIdx}
	}
	sym := symbols.Symbols[r.SymbolIdx]

	// GOT/TLV/stub-indirect relocations never target the symbol's own
	// value: the scan pass (Scan, above) already materialized the
	// synthetic slot they must resolve against.
	switch Kind(r.Kind) {
	case X86_64RelocGOTLoad, X86_64RelocGOT, ARM64RelocGOTPage21, ARM64RelocGOTOff12:
		if sym.GOTIdx < 0 {
			return 0, &UnresolvedTargetError{SymbolIdx: r.SymbolIdx}
		}
		return atomAddr(int(sym.GOTIdx)) + uint64(r.Addend), nil
	case X86_64RelocTLV, ARM64RelocTLVPage21, ARM64RelocTLVOff12:
		if sym.TLVIdx < 0 {
			return 0, &UnresolvedTargetError{SymbolIdx: r.SymbolIdx}
		}
		return atomAddr(int(sym.TLVIdx)) + uint64(r.Addend), nil
	case X86_64RelocBranch, ARM64RelocBranch26:
		if sym.Flags&symtab.FlagImport != 0 {
			if sym.StubIdx < 0 {
				return 0, &UnresolvedTargetError{SymbolIdx: r.SymbolIdx}
			}
			return atomAddr(int(sym.StubIdx)) + uint64(r.Addend), nil
		}
	}

	if sym.Flags&symtab.FlagImport != 0 {
		// Bound at load time via a bind opcode; the static value baked
		// into the atom is irrelevant for the relocation kinds that fall
		// through to here (a plain absolute reference to an import,
		// resolved through dyld rather than a link-time address).
		return uint64(r.Addend), nil
	}
	if !sym.HasAtom() {
		return 0, &UnresolvedTargetError{SymbolIdx: r.SymbolIdx}
	}
	return sym.Value + uint64(r.Addend), nil
}

func patch(a arch.Arch, data []byte, r atom.Reloc, site, target uint64) error {
	end := int(r.Addr) + (1 << r.Length)
	if end > len(data) {
		return fmt.Errorf("relocation at offset %d overruns atom of size %d", r.Addr, len(data))
	}
	switch {
	case a == arch.X86_64 && r.PCRel:
		// targetAddr already folded r.Addend into target; the formula
		// below re-adds it as its own term, so subtract it back out here
		// to avoid double-counting.
		rawTarget := target - uint64(r.Addend)
		disp, err := calcPcRelativeDisplacementX86(site, rawTarget, r.Addend, 0)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(data[r.Addr:], uint32(disp))
	case a == arch.X86_64 && r.Length == 3:
		binary.LittleEndian.PutUint64(data[r.Addr:], target)
	case a == arch.X86_64:
		binary.LittleEndian.PutUint32(data[r.Addr:], uint32(target))
	case a == arch.ARM64 && (Kind(r.Kind) == ARM64RelocPage21 || Kind(r.Kind) == ARM64RelocGOTPage21 || Kind(r.Kind) == ARM64RelocTLVPage21):
		pages := calcNumberOfPages(site, target)
		binary.LittleEndian.PutUint32(data[r.Addr:], arch.EncodeADRP(regFromWord(data[r.Addr:]), pages))
	case a == arch.ARM64 && Kind(r.Kind) == ARM64RelocGOTOff12:
		// The GOT slot holds a pointer value, not the address itself:
		// this must load through it, not compute against it.
		off := calcPageOffset(target)
		binary.LittleEndian.PutUint32(data[r.Addr:], arch.EncodeLDRImm64(regFromWord(data[r.Addr:]), regFromWord(data[r.Addr:]), off))
	case a == arch.ARM64 && (Kind(r.Kind) == ARM64RelocPageOff12 || Kind(r.Kind) == ARM64RelocTLVOff12):
		off := calcPageOffset(target)
		binary.LittleEndian.PutUint32(data[r.Addr:], arch.EncodeADDImm(regFromWord(data[r.Addr:]), regFromWord(data[r.Addr:]), off))
	case a == arch.ARM64 && Kind(r.Kind) == ARM64RelocBranch26:
		delta := int64(target) - int64(site)
		binary.LittleEndian.PutUint32(data[r.Addr:], arch.EncodeBL(int32(delta/4)))
	case a == arch.ARM64 && r.Length == 3:
		binary.LittleEndian.PutUint64(data[r.Addr:], target)
	default:
		binary.LittleEndian.PutUint32(data[r.Addr:], uint32(target))
	}
	return nil
}

// regFromWord extracts the destination register field (bits 0-4) from
// an already-encoded ADRP/ADD placeholder instruction word, so patch can
// re-encode in place without the caller threading the register number
// through every relocation record.
func regFromWord(word []byte) uint32 {
	return binary.LittleEndian.Uint32(word) & 0x1F
}
