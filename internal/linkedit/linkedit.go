// Package linkedit implements C10: serializing LINKEDIT's contents --
// rebase/bind/lazy-bind opcode streams, the export trie, function
// starts, data-in-code, and the symtab/strtab/indirect-symbol tables
// (spec.md §4.7).
package linkedit

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/blacktop/ld64/internal/atom"
	"github.com/blacktop/ld64/internal/strtab"
	"github.com/blacktop/ld64/internal/symtab"
	"github.com/blacktop/ld64/pkg/trie"
	"github.com/blacktop/ld64/types"
)

// Bind opcode bytes, mach-o/loader.h's BIND_OPCODE_* constants.
const (
	bindOpcodeDone                          = 0x00
	bindOpcodeSetDylibOrdinalImm            = 0x10
	bindOpcodeSetDylibOrdinalULEB           = 0x20
	bindOpcodeSetSymbolTrailingFlagsImm     = 0x40
	bindOpcodeSetTypeImm                    = 0x50
	bindOpcodeSetAddendSLEB                 = 0x60
	bindOpcodeSetSegmentAndOffsetULEB       = 0x70
	bindOpcodeAddAddrULEB                   = 0x80
	bindOpcodeDoBind                        = 0x90
	bindOpcodeDoBindAddAddrULEB             = 0xA0

	bindTypePointer = 1

	rebaseOpcodeDone                    = 0x00
	rebaseOpcodeSetTypeImm              = 0x10
	rebaseOpcodeSetSegmentAndOffsetULEB = 0x20
	rebaseOpcodeAddAddrULEB             = 0x30
	rebaseOpcodeDoRebaseImmTimes        = 0x50
	rebaseOpcodeDoRebaseULEBTimes       = 0x60

	rebaseTypePointer = 1
)

// BindEntry is one to-be-bound pointer location, gathered by the scan
// pass over GOT/lazy/TLV atoms whose target is imported.
type BindEntry struct {
	SegmentIdx int
	Offset     uint64 // offset from the start of the segment
	Ordinal    int16
	SymbolName string
	Weak       bool
	Addend     int64
	Lazy       bool
}

// RebaseEntry is one to-be-rebased internal pointer location.
type RebaseEntry struct {
	SegmentIdx int
	Offset     uint64
}

// Output collects the serialized byte streams and record counts C11
// needs to fill in LC_DYLD_INFO / LC_SYMTAB / LC_DYSYMTAB.
type Output struct {
	Rebase   []byte
	Bind     []byte
	LazyBind []byte
	Export   []byte

	FunctionStarts []byte
	DataInCode     []byte

	Symtab   []byte // nlist64 records, locals then externs then undefs
	Strtab   []byte
	Indirect []byte // uint32 indirect symbol table

	NLocal, NExtdef, NUndef int
	IndirectCount           int
}

// BuildRebase serializes entries into the compact rebase opcode stream
// (spec.md §4.7): opcodes are grouped by segment, sorted by offset, and
// run-length coalesced via DO_REBASE_IMM_TIMES for a contiguous
// 8-byte-stride pointer run.
func BuildRebase(entries []RebaseEntry) []byte {
	if len(entries) == 0 {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].SegmentIdx != entries[j].SegmentIdx {
			return entries[i].SegmentIdx < entries[j].SegmentIdx
		}
		return entries[i].Offset < entries[j].Offset
	})

	var buf bytes.Buffer
	buf.WriteByte(rebaseOpcodeSetTypeImm | rebaseTypePointer)
	curSeg := -1
	var curOff uint64
	i := 0
	for i < len(entries) {
		e := entries[i]
		if e.SegmentIdx != curSeg || e.Offset != curOff {
			buf.WriteByte(rebaseOpcodeSetSegmentAndOffsetULEB | byte(e.SegmentIdx))
			writeULEB(&buf, e.Offset)
			curSeg, curOff = e.SegmentIdx, e.Offset
		}
		run := 1
		for i+run < len(entries) && entries[i+run].SegmentIdx == curSeg && entries[i+run].Offset == curOff+uint64(run)*8 {
			run++
		}
		if run < 16 {
			buf.WriteByte(byte(rebaseOpcodeDoRebaseImmTimes | run))
		} else {
			buf.WriteByte(rebaseOpcodeDoRebaseULEBTimes)
			writeULEB(&buf, uint64(run))
		}
		curOff += uint64(run) * 8
		i += run
	}
	buf.WriteByte(rebaseOpcodeDone)
	return buf.Bytes()
}

// BuildBind serializes the eager-bind opcode stream (spec.md §4.7): one
// ordinal/flags/type/addend/segment-offset/DO_BIND run per entry, in the
// order given; entries are neither sorted nor merged into shared runs.
func BuildBind(entries []BindEntry) []byte {
	return buildBindStream(entries)
}

// BuildLazyBind serializes the lazy-bind opcode stream: the same
// per-entry shape as eager bind, but each entry is its own sub-program
// ending in DONE, since each entry's stream offset is individually
// recorded into its stub-helper's trailing immediate.
func BuildLazyBind(entries []BindEntry) ([]byte, []uint32) {
	var buf bytes.Buffer
	offsets := make([]uint32, len(entries))
	for i, e := range entries {
		offsets[i] = uint32(buf.Len())
		writeBindOne(&buf, e)
		buf.WriteByte(bindOpcodeDoBind)
		buf.WriteByte(bindOpcodeDone)
	}
	return buf.Bytes(), offsets
}

func buildBindStream(entries []BindEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		writeBindOne(&buf, e)
		buf.WriteByte(bindOpcodeDoBind)
	}
	buf.WriteByte(bindOpcodeDone)
	return buf.Bytes()
}

func writeBindOne(buf *bytes.Buffer, e BindEntry) {
	if e.Ordinal >= 0 && e.Ordinal <= 0xF {
		buf.WriteByte(bindOpcodeSetDylibOrdinalImm | byte(e.Ordinal))
	} else {
		buf.WriteByte(bindOpcodeSetDylibOrdinalULEB)
		writeULEB(buf, uint64(e.Ordinal))
	}
	flags := byte(0)
	if e.Weak {
		flags |= 0x1 // BIND_SYMBOL_FLAGS_WEAK_IMPORT
	}
	buf.WriteByte(bindOpcodeSetSymbolTrailingFlagsImm | flags)
	buf.WriteString(e.SymbolName)
	buf.WriteByte(0)
	buf.WriteByte(bindOpcodeSetTypeImm | bindTypePointer)
	if e.Addend != 0 {
		buf.WriteByte(bindOpcodeSetAddendSLEB)
		writeSLEB(buf, e.Addend)
	}
	buf.WriteByte(bindOpcodeSetSegmentAndOffsetULEB | byte(e.SegmentIdx))
	writeULEB(buf, e.Offset)
}

// BuildExportTrie delegates to pkg/trie.Builder, translating the
// linker's resolved export set into trie.ExportInfo entries (spec.md
// §4.7).
func BuildExportTrie(exports []symtab.Symbol, strings *strtab.Table, imageBase uint64) []byte {
	b := trie.NewBuilder()
	for _, s := range exports {
		flags := types.EXPORT_SYMBOL_FLAGS_KIND_REGULAR
		if s.Flags&symtab.FlagWeak != 0 {
			flags |= types.EXPORT_SYMBOL_FLAGS_WEAK_DEFINITION
		}
		b.Add(trie.ExportInfo{
			Name:   strings.String(s.NameOff),
			Flags:  flags,
			Offset: s.Value - imageBase,
		})
	}
	return b.Build()
}

// BuildFunctionStarts encodes the ULEB128 delta-from-previous-address
// stream LC_FUNCTION_STARTS carries, one entry per function-start atom
// address (already sorted ascending by the caller).
func BuildFunctionStarts(addrs []uint64) []byte {
	var buf bytes.Buffer
	prev := uint64(0)
	for _, a := range addrs {
		writeULEB(&buf, a-prev)
		prev = a
	}
	buf.WriteByte(0)
	return buf.Bytes()
}

// BuildDataInCode serializes entries as data_in_code_entry records,
// writing each Offset as given; the caller converts offsets to their
// final file offsets first.
func BuildDataInCode(entries []types.DataInCodeEntry) []byte {
	buf := make([]byte, 8*len(entries))
	for i, e := range entries {
		binary.LittleEndian.PutUint32(buf[i*8:], e.Offset)
		binary.LittleEndian.PutUint16(buf[i*8+4:], e.Length)
		binary.LittleEndian.PutUint16(buf[i*8+6:], uint16(e.Kind))
	}
	return buf
}

// BuildSymtab orders symbols locals-then-externs-then-undefs (spec.md
// §4.7), stamps SymtabPos, and serializes nlist64 records plus a fresh
// string table (the interner's contents, since local names never get
// re-interned during parsing).
func BuildSymtab(symbols []*symtab.Symbol, strings *strtab.Table, atoms []*atom.Atom) *Output {
	var locals, externs, undefs []*symtab.Symbol
	for _, s := range symbols {
		if s.Flags&symtab.FlagOutputSymtab == 0 {
			continue
		}
		switch {
		case s.Flags&symtab.FlagImport != 0:
			undefs = append(undefs, s)
		case s.Flags&symtab.FlagLocal != 0:
			locals = append(locals, s)
		default:
			externs = append(externs, s)
		}
	}
	sort.SliceStable(externs, func(i, j int) bool { return strings.String(externs[i].NameOff) < strings.String(externs[j].NameOff) })
	sort.SliceStable(undefs, func(i, j int) bool { return strings.String(undefs[i].NameOff) < strings.String(undefs[j].NameOff) })

	out := &Output{NLocal: len(locals), NExtdef: len(externs), NUndef: len(undefs)}
	all := append(append(append([]*symtab.Symbol{}, locals...), externs...), undefs...)

	buf := make([]byte, 16*len(all))
	for i, s := range all {
		s.SymtabPos = int32(i)
		nt := nlistType(s)
		rec := buf[i*16:]
		binary.LittleEndian.PutUint32(rec[0:4], s.NameOff)
		rec[4] = byte(nt)
		rec[5] = 0 // n_sect, filled in by C11 once atom->section mapping is final
		binary.LittleEndian.PutUint16(rec[6:8], ndesc(s))
		binary.LittleEndian.PutUint64(rec[8:16], s.Value)
	}
	out.Symtab = buf
	out.Strtab = strings.Bytes()
	return out
}

func nlistType(s *symtab.Symbol) types.NType {
	var t types.NType
	if s.Flags&symtab.FlagImport != 0 {
		t = types.N_UNDF
	} else {
		t = types.N_SECT
	}
	if s.Flags&symtab.FlagPrivateExtern == 0 && s.Flags&symtab.FlagLocal == 0 {
		t |= types.N_EXT
	}
	if s.Flags&symtab.FlagPrivateExtern != 0 {
		t |= types.N_PEXT
	}
	return t
}

func ndesc(s *symtab.Symbol) uint16 {
	var d types.NDescType
	if s.Flags&symtab.FlagWeak != 0 {
		d |= types.N_WEAK_DEF
	}
	if s.Flags&symtab.FlagImport != 0 {
		d |= types.NDescType(s.DylibOrdinal) << 8
	}
	if s.Flags&symtab.FlagReferencedDynamically != 0 {
		d |= types.REFERENCED_DYNAMICALLY
	}
	return uint16(d)
}

// BuildIndirectSymtab serializes the indirect symbol table: one uint32
// per GOT/lazy-pointer/stub slot, in the order those sections were laid
// out, naming each slot's target symbol's final SymtabPos.
func BuildIndirectSymtab(entries []int32) []byte {
	buf := make([]byte, 4*len(entries))
	for i, idx := range entries {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(idx))
	}
	return buf
}

func writeULEB(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			buf.WriteByte(b | 0x80)
		} else {
			buf.WriteByte(b)
			return
		}
	}
}

func writeSLEB(buf *bytes.Buffer, v int64) {
	more := true
	for more {
		b := byte(v & 0x7F)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		buf.WriteByte(b)
	}
}
