package types

import "fmt"

// Nlist64 is the on-disk 64-bit symbol table entry (mach-o/nlist.h nlist_64).
type Nlist64 struct {
	Name  uint32 // index into the string table
	Type  NType
	Sect  uint8
	Desc  NDescType
	Value uint64
}

// Nlist32 is the on-disk 32-bit symbol table entry.
type Nlist32 struct {
	Name  uint32
	Type  NType
	Sect  uint8
	Desc  NDescType
	Value uint32
}

// NType is the nlist n_type byte: a 3-bit stab field, a 1-bit private-extern
// flag, a 3-bit type field, and a 1-bit external flag.
type NType uint8

const (
	N_STAB NType = 0xe0 // if any of these bits set, a symbolic debugging entry
	N_PEXT NType = 0x10 // private external symbol bit
	N_TYPE NType = 0x0e // mask for the type bits
	N_EXT  NType = 0x01 // external symbol bit

	N_UNDF NType = 0x0 // undefined, n_sect == NO_SECT
	N_ABS  NType = 0x2 // absolute, n_sect == NO_SECT
	N_SECT NType = 0xe // defined in section number n_sect
	N_PBUD NType = 0xc // prebound undefined (defined in a dylib)
	N_INDR NType = 0xa // indirect
)

// NDescType is the nlist n_desc field: reference type in the low bits plus
// a set of independent flag bits used by the static linker and dyld.
type NDescType uint16

const (
	REFERENCE_TYPE                       NDescType = 0x7
	REFERENCE_FLAG_UNDEFINED_NON_LAZY    NDescType = 0x0
	REFERENCE_FLAG_UNDEFINED_LAZY        NDescType = 0x1
	REFERENCE_FLAG_DEFINED               NDescType = 0x2
	REFERENCE_FLAG_PRIVATE_DEFINED       NDescType = 0x3
	REFERENCE_FLAG_PRIVATE_UNDEFINED_NON_LAZY NDescType = 0x4
	REFERENCE_FLAG_PRIVATE_UNDEFINED_LAZY     NDescType = 0x5

	N_ARM_THUMB_DEF        NDescType = 0x0008
	N_NO_DEAD_STRIP        NDescType = 0x0020
	N_WEAK_REF             NDescType = 0x0040
	N_WEAK_DEF             NDescType = 0x0080
	N_REF_TO_WEAK          NDescType = 0x0080
	N_SYMBOL_RESOLVER      NDescType = 0x0100
	N_ALT_ENTRY            NDescType = 0x0200
	N_COLD_FUNC            NDescType = 0x0400

	REFERENCED_DYNAMICALLY NDescType = 0x0010

	// N_DESC_DISCARDED marks a dead-stripped symbol; the linker never
	// emits it into the output symbol table (spec.md §4.3).
	N_DESC_DISCARDED NDescType = 0x0020
)

func (n NType) String(sec string) string {
	if n&N_STAB != 0 {
		return fmt.Sprintf("stab(0x%02x)", uint8(n))
	}
	base := n & N_TYPE
	var s string
	switch base {
	case N_UNDF:
		s = "undef"
	case N_ABS:
		s = "abs"
	case N_SECT:
		if sec != "" {
			s = sec
		} else {
			s = "sect"
		}
	case N_PBUD:
		s = "prebound"
	case N_INDR:
		s = "indirect"
	default:
		s = fmt.Sprintf("0x%x", uint8(base))
	}
	if n&N_PEXT != 0 {
		s += ",pext"
	}
	if n&N_EXT != 0 {
		s += ",ext"
	}
	return s
}

func (n NType) GoString() string { return fmt.Sprintf("macho.NType(0x%x)", uint8(n)) }

func (d NDescType) String() string {
	return fmt.Sprintf("0x%04x", uint16(d))
}
