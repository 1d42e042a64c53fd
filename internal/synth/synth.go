// Package synth builds C7's synthetic atoms: common/tentative storage,
// boundary symbols, GOT/lazy-pointer/stub/stub-helper chains, the
// dyld_private placeholder, and aarch64 long-branch thunks (spec.md
// §4.4).
package synth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blacktop/ld64/internal/arch"
	"github.com/blacktop/ld64/internal/atom"
	"github.com/blacktop/ld64/internal/resolver"
	"github.com/blacktop/ld64/internal/strtab"
	"github.com/blacktop/ld64/internal/symtab"
)

// Builder accumulates synthetic atoms and appends them to the shared
// atom vector as it goes, handing back the index of each so the caller
// (the linker's Flush) can link owning symbols.
type Builder struct {
	Arch    arch.Arch
	Atoms   *[]*atom.Atom
	Strings *strtab.Table
	Table   *symtab.Table
	Res     *resolver.Resolver

	// indirect-pointer tables (spec.md §3 "Indirect-pointer entry"):
	// target symbol id -> atom index, one map per table kind.
	got   map[int32]int
	lazy  map[int32]int
	stub  map[int32]int
	tlv   map[int32]int
	dyldPrivate int // atom index, -1 until created

	NeedsStubBinder bool
}

// NewBuilder returns an empty Builder over the shared atom/symbol state.
func NewBuilder(a arch.Arch, atoms *[]*atom.Atom, strings *strtab.Table, table *symtab.Table, res *resolver.Resolver) *Builder {
	return &Builder{
		Arch: a, Atoms: atoms, Strings: strings, Table: table, Res: res,
		got: make(map[int32]int), lazy: make(map[int32]int),
		stub: make(map[int32]int), tlv: make(map[int32]int),
		dyldPrivate: -1,
	}
}

func (b *Builder) append(a *atom.Atom) int {
	idx := len(*b.Atoms)
	*b.Atoms = append(*b.Atoms, a)
	return idx
}

// Common creates one __DATA,__common zerofill atom for a tentative
// symbol, owned by its defining file (spec.md §4.4).
func (b *Builder) Common(symIdx int32, fileIdx int, size uint32, align uint8) int {
	name := fmt.Sprintf("<common>@%d", symIdx)
	a := atom.New(name, fileIdx, 0, size, align)
	a.Kind = atom.KindCommon
	a.Live = true
	a.SymbolIdx = symIdx
	idx := b.append(a)
	b.Table.Symbols[symIdx].SetAtom(idx)
	return idx
}

// Boundary creates a zero-size private-extern atom for a
// segment$start$/section$stop$-style name (spec.md §4.4). placement is
// resolved by the layout pass; here the atom only records which
// boundary it names.
func (b *Builder) Boundary(nameOff uint32, seg, sect string, start bool) int {
	label := "segment"
	if sect != "" {
		label = "section"
	}
	verb := "start"
	if !start {
		verb = "stop"
	}
	a := atom.New(fmt.Sprintf("%s$%s$%s", label, verb, seg), -1, 0, 0, 0)
	a.Kind = atom.KindBoundary
	a.Live = true
	idx := b.append(a)

	sym := symtab.New(nameOff)
	sym.Flags |= symtab.FlagDefined | symtab.FlagPrivateExtern | symtab.FlagBoundary
	sym.Boundary = &symtab.Boundary{Segment: seg, Section: sect, Start: start}
	sym.SetAtom(idx)
	symIdx := b.Table.Insert(sym)
	a.SymbolIdx = int32(symIdx)
	return idx
}

// IsBoundaryName reports whether name matches one of the four boundary
// symbol shapes and, if so, decomposes it (spec.md §4.4).
func IsBoundaryName(name string) (seg, sect string, start, ok bool) {
	switch {
	case strings.HasPrefix(name, "segment$start$"):
		return strings.TrimPrefix(name, "segment$start$"), "", true, true
	case strings.HasPrefix(name, "segment$stop$"):
		return strings.TrimPrefix(name, "segment$stop$"), "", false, true
	case strings.HasPrefix(name, "section$start$"):
		rest := strings.TrimPrefix(name, "section$start$")
		if seg, sect, ok = splitSegSect(rest); ok {
			return seg, sect, true, true
		}
	case strings.HasPrefix(name, "section$stop$"):
		rest := strings.TrimPrefix(name, "section$stop$")
		if seg, sect, ok = splitSegSect(rest); ok {
			return seg, sect, false, true
		}
	}
	return "", "", false, false
}

func splitSegSect(s string) (seg, sect string, ok bool) {
	i := strings.IndexByte(s, '$')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// GOT returns the atom index of the non-lazy GOT slot for targetSym,
// creating it on first request (spec.md §4.4, §4.6 "scan pass").
func (b *Builder) GOT(targetSym int32) int {
	if idx, ok := b.got[targetSym]; ok {
		return idx
	}
	a := atom.New(fmt.Sprintf("<got>@%d", targetSym), -1, 0, 8, 3)
	a.Kind = atom.KindGOT
	a.Live = true
	a.Data = make([]byte, 8)
	a.Relocs = []atom.Reloc{{Addr: 0, Length: 3, Extern: true, SymbolIdx: targetSym}}
	idx := b.append(a)
	b.got[targetSym] = idx
	if sym := b.Table.Symbols[targetSym]; sym.GOTIdx < 0 {
		sym.GOTIdx = int32(idx)
	}
	return idx
}

// LazyPointer returns the __DATA,__la_symbol_ptr atom for targetSym
// (spec.md §4.4). Its 8 bytes start zeroed: helperEntryAtom is accepted
// but not used, so the pointer does not point at the stub-helper entry.
func (b *Builder) LazyPointer(targetSym int32, helperEntryAtom int) int {
	if idx, ok := b.lazy[targetSym]; ok {
		return idx
	}
	a := atom.New(fmt.Sprintf("<la_ptr>@%d", targetSym), -1, 0, 8, 3)
	a.Kind = atom.KindLazyPointer
	a.Live = true
	a.Data = make([]byte, 8)
	idx := b.append(a)
	b.lazy[targetSym] = idx
	if sym := b.Table.Symbols[targetSym]; sym.GOTIdx < 0 {
		// lazy pointers share the same "indirect slot" identity space as
		// regular GOT entries for indirect-symtab purposes.
	}
	_ = helperEntryAtom
	return idx
}

// Stub returns the __TEXT,__stubs trampoline atom for targetSym,
// creating the stub, its lazy pointer, and its stub-helper entry
// together (spec.md §4.4 lists all three as one chain).
func (b *Builder) Stub(targetSym int32) int {
	if idx, ok := b.stub[targetSym]; ok {
		return idx
	}
	size := b.Arch.StubSize()
	a := atom.New(fmt.Sprintf("<stub>@%d", targetSym), -1, 0, size, 2)
	a.Kind = atom.KindStub
	a.Live = true
	a.Data = make([]byte, size) // left zeroed: no pass writes the stub's jump sequence
	idx := b.append(a)
	b.stub[targetSym] = idx
	if sym := b.Table.Symbols[targetSym]; sym.StubIdx < 0 {
		sym.StubIdx = int32(idx)
	}
	b.LazyPointer(targetSym, b.StubHelperEntry(targetSym))
	return idx
}

// StubHelperEntry returns the per-symbol stub-helper atom for targetSym,
// creating the shared preamble on first use (spec.md §4.4).
func (b *Builder) StubHelperEntry(targetSym int32) int {
	b.EnsureStubHelperPreamble()
	size := b.Arch.StubHelperEntrySize()
	a := atom.New(fmt.Sprintf("<stub_helper>@%d", targetSym), -1, 0, size, 2)
	a.Kind = atom.KindStubHelperEntry
	a.Live = true
	a.Data = make([]byte, size)
	return b.append(a)
}

// EnsureStubHelperPreamble marks dyld_stub_binder as needed and creates
// the dyld_private placeholder once; it creates no __stub_helper
// prologue atom.
func (b *Builder) EnsureStubHelperPreamble() int {
	b.NeedsStubBinder = true
	return b.EnsureDyldPrivate()
}

// EnsureDyldPrivate creates the dyld_private zerofill placeholder in
// __DATA,__data on first request (spec.md §4.4).
func (b *Builder) EnsureDyldPrivate() int {
	if b.dyldPrivate >= 0 {
		return b.dyldPrivate
	}
	a := atom.New("dyld_private", -1, 0, 8, 3)
	a.Kind = atom.KindDyldPrivate
	a.Live = true
	b.dyldPrivate = b.append(a)
	return b.dyldPrivate
}

// TLVPointer returns the thread-local-variable pointer atom for
// targetSym.
func (b *Builder) TLVPointer(targetSym int32) int {
	if idx, ok := b.tlv[targetSym]; ok {
		return idx
	}
	a := atom.New(fmt.Sprintf("<tlv_ptr>@%d", targetSym), -1, 0, 8, 3)
	a.Kind = atom.KindTLVPointer
	a.Live = true
	a.Data = make([]byte, 8)
	a.Relocs = []atom.Reloc{{Addr: 0, Length: 3, Extern: true, SymbolIdx: targetSym}}
	idx := b.append(a)
	b.tlv[targetSym] = idx
	if sym := b.Table.Symbols[targetSym]; sym.TLVIdx < 0 {
		sym.TLVIdx = int32(idx)
	}
	return idx
}

// Entry pairs an indirect-pointer table's target symbol with the atom
// index the builder gave it, in creation order (the caller's own scan
// pass already visits relocations in atom order, so creation order
// tracks final section layout order).
type Entry struct {
	Symbol int32
	Atom   int
}

// GOTEntries returns the non-lazy GOT slots created so far, ordered by
// atom index.
func (b *Builder) GOTEntries() []Entry { return entriesFrom(b.got) }

// LazyEntries returns the __la_symbol_ptr slots created so far, ordered
// by atom index.
func (b *Builder) LazyEntries() []Entry { return entriesFrom(b.lazy) }

// StubEntries returns the __stubs trampolines created so far, ordered by
// atom index.
func (b *Builder) StubEntries() []Entry { return entriesFrom(b.stub) }

// TLVEntries returns the thread-local-variable pointer slots created so
// far, ordered by atom index.
func (b *Builder) TLVEntries() []Entry { return entriesFrom(b.tlv) }

func entriesFrom(m map[int32]int) []Entry {
	out := make([]Entry, 0, len(m))
	for sym, idx := range m {
		out = append(out, Entry{Symbol: sym, Atom: idx})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Atom < out[j].Atom })
	return out
}

// Thunk creates an aarch64 long-branch trampoline atom for a single
// distant target (spec.md §4.4 "Thunks (aarch64 only)"): 12 zeroed bytes,
// room for an adrp/add/br sequence, plus one PC-relative relocation to
// targetSym. It makes no branch-range decision: each call creates one
// atom.
func (b *Builder) Thunk(targetSym int32, fileIdx int) int {
	a := atom.New(fmt.Sprintf("<thunk>@%d", targetSym), fileIdx, 0, 12, 2)
	a.Kind = atom.KindThunk
	a.Live = true
	a.Data = make([]byte, 12)
	a.Relocs = []atom.Reloc{{Addr: 0, Length: 2, PCRel: true, Extern: true, SymbolIdx: targetSym}}
	return b.append(a)
}
