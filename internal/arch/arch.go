// Package arch encodes the small set of x86-64 and aarch64 instruction
// forms the linker synthesizes for stubs, stub-helpers, and long-branch
// thunks. It never disassembles or generates general-purpose code; each
// function here emits exactly the fixed instruction sequence spec.md
// §4.4/§4.6 names.
package arch

import "encoding/binary"

// Arch identifies the link target's instruction set.
type Arch int

const (
	X86_64 Arch = iota
	ARM64
)

// PageSize returns the segment page-alignment granularity for the arch,
// per spec.md §4.5.
func (a Arch) PageSize() uint64 {
	if a == ARM64 {
		return 0x4000
	}
	return 0x1000
}

// StubSize returns the size in bytes of one __stubs entry.
func (a Arch) StubSize() uint32 {
	if a == ARM64 {
		return 12
	}
	return 6
}

// StubHelperPreambleSize returns the size of the __stub_helper prologue.
func (a Arch) StubHelperPreambleSize() uint32 {
	if a == ARM64 {
		return 24
	}
	return 15
}

// StubHelperEntrySize returns the size of one per-symbol stub-helper.
func (a Arch) StubHelperEntrySize() uint32 {
	if a == ARM64 {
		return 12
	}
	return 10
}

// X86Stub encodes a 6-byte `jmp *disp(%rip)` where disp is the distance
// from the byte after this instruction to the lazy-pointer slot.
func X86Stub(disp int32) []byte {
	buf := make([]byte, 6)
	buf[0] = 0xFF
	buf[1] = 0x25
	binary.LittleEndian.PutUint32(buf[2:], uint32(disp))
	return buf
}

// X86StubHelperPreamble encodes the 15-byte stub-helper prologue:
//
//	lea    dyld_private(%rip), %r11   ; 4c 8d 1d <disp32>   7 bytes
//	push   %r11                       ; 41 53                2 bytes
//	jmp    *dyld_stub_binder_got(%rip); ff 25 <disp32>       6 bytes
func X86StubHelperPreamble(dyldPrivateDisp, binderGOTDisp int32) []byte {
	buf := make([]byte, 15)
	buf[0], buf[1], buf[2] = 0x4C, 0x8D, 0x1D
	binary.LittleEndian.PutUint32(buf[3:], uint32(dyldPrivateDisp))
	buf[7], buf[8] = 0x41, 0x53
	buf[9], buf[10] = 0xFF, 0x25
	binary.LittleEndian.PutUint32(buf[11:], uint32(binderGOTDisp))
	return buf
}

// X86StubHelperEntry encodes the 10-byte per-symbol helper:
//
//	push $imm32   ; 68 <imm32>   5 bytes
//	jmp  rel8/32  ; e9 <rel32>   5 bytes (disp to the preamble)
//
// bindOffset is the lazy-bind sub-program's starting offset (patched into
// the trailing immediate once the LINKEDIT lazy-bind stream is emitted).
func X86StubHelperEntry(bindOffset uint32, dispToPreamble int32) []byte {
	buf := make([]byte, 10)
	buf[0] = 0x68
	binary.LittleEndian.PutUint32(buf[1:], bindOffset)
	buf[5] = 0xE9
	binary.LittleEndian.PutUint32(buf[6:], uint32(dispToPreamble))
	return buf
}

// ARM64Stub encodes the 12-byte adrp+ldr+br sequence loading the target
// address from the lazy pointer at pc+pageDelta*0x1000+pageOff, then
// branching to it.
//
//	adrp x16, page
//	ldr  x16, [x16, #pageoff]
//	br   x16
func ARM64Stub(pages int32, pageOff uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], EncodeADRP(16, pages))
	binary.LittleEndian.PutUint32(buf[4:], EncodeLDRImm64(16, 16, pageOff))
	binary.LittleEndian.PutUint32(buf[8:], EncodeBR(16))
	return buf
}

// ARM64StubHelperPreamble encodes the 24-byte prologue: load dyld_private
// into x17, push it, then tail-branch to dyld_stub_binder via its GOT
// slot, mirroring x86-64's lea/push/jmp shape in aarch64 form.
//
//	adrp x17, dyld_private@page
//	add  x17, x17, dyld_private@pageoff
//	stp  x16, x17, [sp, #-16]!
//	adrp x16, binder_got@page
//	ldr  x16, [x16, binder_got@pageoff]
//	br   x16
func ARM64StubHelperPreamble(privPages int32, privOff uint32, binderPages int32, binderOff uint32) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:], EncodeADRP(17, privPages))
	binary.LittleEndian.PutUint32(buf[4:], EncodeADDImm(17, 17, privOff))
	binary.LittleEndian.PutUint32(buf[8:], 0xA9BF47F0) // stp x16, x17, [sp, #-16]!
	binary.LittleEndian.PutUint32(buf[12:], EncodeADRP(16, binderPages))
	binary.LittleEndian.PutUint32(buf[16:], EncodeLDRImm64(16, 16, binderOff))
	binary.LittleEndian.PutUint32(buf[20:], EncodeBR(16))
	return buf
}

// ARM64StubHelperEntry encodes the 12-byte per-symbol helper:
//
//	ldr  w16, #8      ; loads the trailing literal into w16
//	b    preamble
//	.word bindOffset  ; patched trailing 32-bit immediate
func ARM64StubHelperEntry(bindOffset uint32, brOffsetWords int32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], EncodeLDRLiteral32(16, 8))
	binary.LittleEndian.PutUint32(buf[4:], EncodeB(brOffsetWords))
	binary.LittleEndian.PutUint32(buf[8:], bindOffset)
	return buf
}

// ARM64Thunk encodes a 12-byte intra-image trampoline used when a BRANCH26
// target lies beyond the +-128MiB reach of a direct b/bl.
//
//	adrp x16, page
//	add  x16, x16, pageoff
//	br   x16
func ARM64Thunk(pages int32, pageOff uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:], EncodeADRP(16, pages))
	binary.LittleEndian.PutUint32(buf[4:], EncodeADDImm(16, 16, pageOff))
	binary.LittleEndian.PutUint32(buf[8:], EncodeBR(16))
	return buf
}

// EncodeADRP encodes `adrp xd, #(pages*4096)`. pages is a signed 21-bit
// page-count delta, per spec.md's calcNumberOfPages helper.
func EncodeADRP(xd uint32, pages int32) uint32 {
	imm := uint32(pages) & 0x1FFFFF
	immlo := imm & 0x3
	immhi := (imm >> 2) & 0x7FFFF
	return 0x90000000 | (immlo << 29) | (immhi << 5) | xd
}

// EncodeADDImm encodes `add xd, xn, #imm12`.
func EncodeADDImm(xd, xn uint32, imm12 uint32) uint32 {
	return 0x91000000 | ((imm12 & 0xFFF) << 10) | (xn << 5) | xd
}

// EncodeLDRImm64 encodes `ldr xt, [xn, #imm]` with imm scaled by 8 (unsigned
// offset form, LDR (immediate), 64-bit variant).
func EncodeLDRImm64(xt, xn uint32, imm uint32) uint32 {
	scaled := (imm / 8) & 0xFFF
	return 0xF9400000 | (scaled << 10) | (xn << 5) | xt
}

// EncodeLDRLiteral32 encodes `ldr wt, #imm` (PC-relative literal load,
// 32-bit variant); imm is a byte offset, must be a multiple of 4.
func EncodeLDRLiteral32(wt uint32, imm uint32) uint32 {
	scaled := (imm / 4) & 0x7FFFF
	return 0x18000000 | (scaled << 5) | wt
}

// EncodeBR encodes `br xn`.
func EncodeBR(xn uint32) uint32 {
	return 0xD61F0000 | (xn << 5)
}

// EncodeB encodes an unconditional branch `b #(offsetWords*4)`.
func EncodeB(offsetWords int32) uint32 {
	imm26 := uint32(offsetWords) & 0x3FFFFFF
	return 0x14000000 | imm26
}

// EncodeBL encodes `bl #(offsetWords*4)`.
func EncodeBL(offsetWords int32) uint32 {
	imm26 := uint32(offsetWords) & 0x3FFFFFF
	return 0x94000000 | imm26
}
