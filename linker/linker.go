// Package linker ties C1-C11 together into the single-pass Mach-O link
// pipeline spec.md §2 describes: C3 -> C5 -> (C6) -> C7 (initial synth)
// -> C9 scan -> C7 (stub/GOT fills) -> C8 -> C9 resolve -> C10 -> C11.
package linker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/apex/log"
	"github.com/pkg/errors"

	macho "github.com/blacktop/ld64"
	"github.com/blacktop/ld64/internal/arch"
	"github.com/blacktop/ld64/internal/archive"
	"github.com/blacktop/ld64/internal/atom"
	"github.com/blacktop/ld64/internal/deadstrip"
	"github.com/blacktop/ld64/internal/fat"
	"github.com/blacktop/ld64/internal/header"
	"github.com/blacktop/ld64/internal/layout"
	"github.com/blacktop/ld64/internal/linkedit"
	"github.com/blacktop/ld64/internal/objfile"
	"github.com/blacktop/ld64/internal/reloc"
	"github.com/blacktop/ld64/internal/resolver"
	"github.com/blacktop/ld64/internal/strtab"
	"github.com/blacktop/ld64/internal/symtab"
	"github.com/blacktop/ld64/internal/synth"
	"github.com/blacktop/ld64/internal/tbd"
	"github.com/blacktop/ld64/types"
)

// OutputMode selects executable-vs-library header/entry-point handling
// (spec.md §6 `output_mode`).
type OutputMode string

const (
	OutputExecutable OutputMode = "exe"
	OutputLibrary    OutputMode = "lib"
)

// Namespace controls two-level vs flat symbol import binding (spec.md
// §6 `namespace`).
type Namespace string

const (
	NamespaceTwoLevel Namespace = "two_level"
	NamespaceFlat     Namespace = "flat"
)

// Positional is one ordered input path (spec.md §6 `positionals`).
type Positional struct {
	Path     string
	MustLink bool // whole-archive
}

// LibSpec is one `-lX` dependency (spec.md §6 `libs`).
type LibSpec struct {
	Name   string
	Needed bool
	Weak   bool
}

// Options is the linker's full external configuration surface (spec.md
// §6, SPEC_FULL.md §6: unchanged field set).
type Options struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype

	OutputMode OutputMode
	OutputPath string

	Positionals   []Positional
	Libs          []LibSpec
	LibDirs       []string
	Frameworks    []string
	FrameworkDirs []string
	Syslibroot    string

	SearchDylibsFirst bool

	RpathList []string

	Entry     string // default "_main"
	StackSize uint64

	PagezeroSize            uint64
	Headerpad               uint64
	HeaderpadMaxInstallName bool

	DeadStrip bool
	Strip     bool

	UndefinedTreatment resolver.UndefinedTreatment
	Namespace          Namespace

	InstallName          string
	CurrentVersion       string
	CompatibilityVersion string

	Entitlements string

	PlatformVersion types.Platform
	MinOSVersion    string
	SDKVersion      string

	// Log receives one Info per pipeline stage (SPEC_FULL.md ambient
	// logging expansion); no Warn is logged for non-fatal diagnostics.
	// Defaults to log.Log (apex/log's package-level singleton) when nil.
	Log log.Interface
}

// Kind tags a terminal linker.Error (spec.md §7).
type Kind string

const (
	KindUndefinedSymbolReference   Kind = "UndefinedSymbolReference"
	KindMultipleSymbolDefinitions  Kind = "MultipleSymbolDefinitions"
	KindMissingMainEntrypoint      Kind = "MissingMainEntrypoint"
	KindLibraryNotFound            Kind = "LibraryNotFound"
	KindFrameworkNotFound          Kind = "FrameworkNotFound"
	KindUnhandledSymbolType        Kind = "UnhandledSymbolType"
	KindMismatchedCpuArchitecture  Kind = "MismatchedCpuArchitecture"
	KindOverflow                   Kind = "Overflow"
	KindUnsupportedCpuArchitecture Kind = "UnsupportedCpuArchitecture"
)

// Error is a tagged, causally-wrapped linker failure (spec.md §7,
// SPEC_FULL.md §7).
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, cause error) *Error {
	if cause != nil {
		return &Error{Kind: kind, Msg: msg, Err: errors.Wrap(cause, msg)}
	}
	return &Error{Kind: kind, Msg: msg}
}

// ErrorList aggregates every MultipleSymbolDefinitions the resolver
// collects before returning (spec.md §9 "Error channel";
// SPEC_FULL.md §7: a small Join since the module targets Go 1.21).
type ErrorList []error

func (l ErrorList) Error() string {
	if len(l) == 1 {
		return l[0].Error()
	}
	s := fmt.Sprintf("%d errors:", len(l))
	for _, e := range l {
		s += "\n  " + e.Error()
	}
	return s
}

func (l ErrorList) Unwrap() []error { return l }

// Linker holds the mutable state threaded through one Flush call.
type Linker struct {
	opts Options
	log  log.Interface
	arch arch.Arch

	files    []*objfile.Object
	archives []*archive.Archive
	dylibs   []*tbd.Dylib

	strings  *strtab.Table
	symbols  *symtab.Table
	atoms    []*atom.Atom
	sections []*atom.Section

	// atomIndex maps (file index, 1-based section number) to the atom's
	// position in atoms, so relocations and defined symbols that name a
	// section within their own object can be rewired to the global atom
	// vector once every object has been parsed.
	atomIndex map[[2]int]int

	res *resolver.Resolver
}

// New returns a Linker configured from opts, resolving the target
// architecture from CPU (spec.md §6 `target`).
func New(opts Options) (*Linker, error) {
	l := opts.Log
	if l == nil {
		l = log.Log
	}
	a, err := archFromCPU(opts.CPU)
	if err != nil {
		return nil, newError(KindUnsupportedCpuArchitecture, "resolving target architecture", err)
	}
	if opts.Entry == "" {
		opts.Entry = "_main"
	}
	if opts.UndefinedTreatment == "" {
		opts.UndefinedTreatment = resolver.TreatError
	}
	return &Linker{
		opts: opts, log: l, arch: a,
		strings: strtab.New(),
		symbols: symtab.NewTable(),
	}, nil
}

func archFromCPU(cpu types.CPU) (arch.Arch, error) {
	switch cpu {
	case types.CPUAmd64:
		return arch.X86_64, nil
	case types.CPUArm64:
		return arch.ARM64, nil
	default:
		return 0, fmt.Errorf("cpu type %d is neither x86-64 nor aarch64", cpu)
	}
}

// Flush runs the full pipeline and writes the linked image to
// opts.OutputPath (spec.md §2, §5 "single-threaded end-to-end").
func (l *Linker) Flush(ctx context.Context) error {
	l.log.Info("parsing inputs")
	if err := l.parseInputs(); err != nil {
		return err
	}

	l.log.Info("resolving symbols")
	if err := l.resolveSymbols(); err != nil {
		return err
	}

	sb := synth.NewBuilder(l.arch, &l.atoms, l.strings, l.symbols, l.res)
	l.materializeTentatives(sb)
	if l.opts.OutputMode == OutputLibrary {
		l.markExports()
	}

	if l.opts.DeadStrip {
		l.log.Info("dead-stripping")
		l.deadStrip()
	}

	l.log.Info("scanning relocations")
	reloc.Scan(l.atoms, l.symbols, sb)

	l.log.Info("allocating layout")
	l.buildSections()
	result := layout.Allocate(l.arch, l.atoms, l.sections, l.symbols, l.headerPad(), l.textVMAddr())
	layout.LinkSymbolValues(l.atoms, l.sections, l.symbols)

	l.log.Info("resolving relocations")
	if err := reloc.Resolve(l.arch, l.atoms, l.symbols, l.atomAddr); err != nil {
		return newError(KindOverflow, "resolving relocations", err)
	}

	l.log.Info("writing LINKEDIT")
	le := linkedit.BuildSymtab(l.symbols.Symbols, l.strings, l.atoms)
	l.populateLinkeditStreams(sb, result, le)

	l.log.Info("assembling header")
	img, err := l.assembleImage(result, le)
	if err != nil {
		return err
	}

	return os.WriteFile(l.opts.OutputPath, img, 0o755)
}

func (l *Linker) parseInputs() error {
	for i, p := range l.opts.Positionals {
		data, err := os.ReadFile(p.Path)
		if err != nil {
			return newError(KindLibraryNotFound, "reading "+p.Path, err)
		}
		if err := l.parseOne(p.Path, i, data); err != nil {
			return err
		}
	}
	return nil
}

func (l *Linker) parseOne(path string, idx int, data []byte) error {
	if fh, err := fat.Read(bytes.NewReader(data)); err == nil {
		sel, err := fh.Select(l.opts.CPU)
		if err != nil {
			return newError(KindMismatchedCpuArchitecture, path, err)
		}
		return l.parseOne(path, idx, data[sel.Offset:sel.Offset+sel.Size])
	}

	if ar, err := archive.Parse(path, data); err == nil {
		l.archives = append(l.archives, ar)
		return nil
	}

	if f, err := macho.NewFile(bytes.NewReader(data)); err == nil {
		obj, err := objfile.Parse(path, idx, f)
		if err == nil {
			l.files = append(l.files, obj)
			return nil
		}
	}

	if d, err := tbd.Parse(data); err == nil {
		l.dylibs = append(l.dylibs, d)
		return nil
	}

	return newError(KindLibraryNotFound, path, errors.New("unrecognized input format"))
}

func (l *Linker) resolveSymbols() error {
	l.res = resolver.New(l.symbols)
	var errs ErrorList
	for _, obj := range l.files {
		for i, n := range obj.Nlist {
			if n.Stab() || i < obj.FirstGlobal {
				continue
			}
			nameOff := l.strings.Add(n.Name)
			idx, err := l.res.Resolve(resolver.Candidate{
				NameOff: nameOff, Value: n.Value, FileIdx: obj.FileIdx, NlistIdx: i,
				Defined: n.Defined(), WeakDef: n.WeakDef(), PrivateExtern: n.PrivateExtern(),
				Tentative: n.Tentative(),
			})
			obj.Symbols[i] = int32(idx)
			if err != nil {
				errs = append(errs, err)
			}
		}
		l.appendObjectAtoms(obj)
		l.linkObjectSymbolAtoms(obj)
	}

	for nameOff := range l.res.Unresolved {
		for _, d := range l.dylibs {
			for _, sym := range d.Symbols {
				if l.strings.String(nameOff) == sym {
					l.res.ImportFromDylib(nameOff, 1, d.Weak)
					break
				}
			}
		}
	}

	if errs2 := l.res.FinalizeUndefined(l.opts.UndefinedTreatment, func(uint32) bool { return false }); len(errs2) > 0 {
		for _, e := range errs2 {
			errs = append(errs, newError(KindUndefinedSymbolReference, "", e))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// appendObjectAtoms appends obj's primary per-section atoms to the
// shared atom vector and rewrites their relocations' SymbolIdx from
// obj-local space (nlist index for extern relocs, section number for
// section-relative ones) into the global space every later pass expects:
// a symtab.Table index for extern relocs, an atom vector index for
// section-relative ones (spec.md §4.1, §4.6).
func (l *Linker) appendObjectAtoms(obj *objfile.Object) {
	if l.atomIndex == nil {
		l.atomIndex = make(map[[2]int]int)
	}
	localBySect := make(map[int]int, len(obj.Atoms))
	for _, a := range obj.Atoms {
		if a == nil {
			continue
		}
		gi := len(l.atoms)
		l.atoms = append(l.atoms, a)
		l.atomIndex[[2]int{a.FileIdx, a.NSect}] = gi
		localBySect[a.NSect] = gi
	}
	for _, a := range obj.Atoms {
		if a == nil {
			continue
		}
		for ri := range a.Relocs {
			r := &a.Relocs[ri]
			switch {
			case r.Scatter:
				// scattered relocations are not targeted by C9.
			case r.Extern:
				if r.SymbolIdx >= 0 && int(r.SymbolIdx) < len(obj.Symbols) && obj.Symbols[r.SymbolIdx] >= 0 {
					r.SymbolIdx = obj.Symbols[r.SymbolIdx]
				} else {
					r.SymbolIdx = -1
				}
			default:
				if gi, ok := localBySect[int(r.SymbolIdx)]; ok {
					r.SymbolIdx = int32(gi)
				} else {
					r.SymbolIdx = -1
				}
			}
		}
	}
}

// linkObjectSymbolAtoms wires every global symbol whose winning
// definition came from obj to the atom for the section it was defined
// in, satisfying the invariant that a defined symbol's value tracks its
// owning atom (spec.md §8 "symbol(A).value = S.addr + A.off").
func (l *Linker) linkObjectSymbolAtoms(obj *objfile.Object) {
	for i, n := range obj.Nlist {
		if n.Stab() || i < obj.FirstGlobal || !n.Defined() {
			continue
		}
		symIdx := obj.Symbols[i]
		if symIdx < 0 || int(symIdx) >= len(l.symbols.Symbols) {
			continue
		}
		sym := l.symbols.Symbols[symIdx]
		// Only the occurrence the resolver actually kept owns the atom.
		if int(sym.FileIdx) != obj.FileIdx || int(sym.NlistIdx) != i || sym.HasAtom() {
			continue
		}
		if gi, ok := l.atomIndex[[2]int{obj.FileIdx, int(n.Sect)}]; ok {
			sym.SetAtom(gi)
		}
	}
}

// materializeTentatives creates the __DATA,__common atom for every
// surviving tentative definition (spec.md §4.4 "common symbols"), using
// the resolver's merged size/alignment.
func (l *Linker) materializeTentatives(sb *synth.Builder) {
	for idx, info := range l.res.Tentatives {
		sym := l.symbols.Symbols[idx]
		if sym.HasAtom() {
			continue
		}
		sb.Common(int32(idx), int(sym.FileIdx), info.Size, info.Align)
	}
}

// markExports flags every defined, non-private-extern global
// FlagExport so BuildExportTrie has entries to encode; dylib clients
// resolve against this trie, not the plain symbol table (spec.md §4.7
// "export trie").
func (l *Linker) markExports() {
	for _, s := range l.symbols.Symbols {
		if s.Defined() && s.Flags&symtab.FlagPrivateExtern == 0 {
			s.Flags |= symtab.FlagExport
		}
	}
}

func (l *Linker) deadStrip() {
	for _, a := range l.atoms {
		if a != nil {
			a.Live = false
		}
	}
	u := deadstrip.NewUniverse(l.atoms, l.symbols)
	entry := -1
	if sym, _, ok := l.symbols.Lookup(l.strings.Add(l.opts.Entry)); ok && sym.HasAtom() {
		entry = sym.AtomIndex()
	}
	roots := deadstrip.Roots(u, entry, l.opts.OutputMode == OutputLibrary)
	deadstrip.Mark(u, roots)
	deadstrip.SweepSymtab(u)
}

func (l *Linker) buildSections() {
	byKey := map[string]*atom.Section{}
	for i, a := range l.atoms {
		if a == nil || (!a.Live && l.opts.DeadStrip) {
			continue
		}
		seg, sect := homeSection(a)
		key := seg + "\x00" + sect
		s, ok := byKey[key]
		if !ok {
			s = atom.NewSection(seg, sect, 0, a.Align)
			l.sections = append(l.sections, s)
			byKey[key] = s
		}
		a.SectionIdx = len(l.sections) - 1
		if s.FirstAtom == -1 {
			s.FirstAtom = i
		} else {
			l.atoms[s.LastAtom].Next = i
			a.Prev = s.LastAtom
		}
		s.LastAtom = i
	}
}

func homeSection(a *atom.Atom) (seg, sect string) {
	switch a.Kind {
	case atom.KindCommon:
		return "__DATA", "__common"
	case atom.KindGOT:
		return "__DATA_CONST", "__got"
	case atom.KindLazyPointer:
		return "__DATA", "__la_symbol_ptr"
	case atom.KindStub:
		return "__TEXT", "__stubs"
	case atom.KindStubHelperPreamble, atom.KindStubHelperEntry:
		return "__TEXT", "__stub_helper"
	case atom.KindTLVPointer:
		return "__DATA", "__thread_ptrs"
	case atom.KindDyldPrivate:
		return "__DATA", "__data"
	case atom.KindThunk:
		return "__TEXT", "__text"
	default:
		parts := splitDollar(a.Name)
		return parts[0], parts[1]
	}
}

func splitDollar(name string) [2]string {
	for i := 0; i < len(name); i++ {
		if name[i] == '$' {
			return [2]string{name[:i], name[i+1:]}
		}
	}
	return [2]string{"__TEXT", "__text"}
}

func (l *Linker) headerPad() uint64 {
	return 0x1000 // conservative fixed pad; headerpad options are not consulted
}

func (l *Linker) textVMAddr() uint64 {
	if l.opts.OutputMode == OutputExecutable {
		return l.opts.PagezeroSize + 0x100000000 - l.opts.PagezeroSize // fixed base 0x100000000; no __PAGEZERO segment is emitted below it
	}
	return 0
}

func (l *Linker) atomAddr(atomIdx int) uint64 {
	a := l.atoms[atomIdx]
	if a.SectionIdx < 0 || a.SectionIdx >= len(l.sections) {
		return 0
	}
	return l.sections[a.SectionIdx].Addr + uint64(a.Off)
}

func (l *Linker) needsCodeSignature() bool {
	return l.arch == arch.ARM64 || l.opts.Entitlements != ""
}

func (l *Linker) identifier() string {
	if l.opts.InstallName != "" {
		return l.opts.InstallName
	}
	return l.opts.OutputPath
}

// populateLinkeditStreams fills in every C10 byte stream BuildSymtab
// left empty: rebase/bind/lazy-bind opcodes for every GOT/TLV/lazy
// pointer slot the scan pass created, the export trie, function starts,
// and data-in-code (spec.md §4.7). It must run after reloc.Resolve, once
// every atom has a final section and address.
func (l *Linker) populateLinkeditStreams(sb *synth.Builder, result *layout.Result, le *linkedit.Output) {
	var rebases []linkedit.RebaseEntry
	var binds []linkedit.BindEntry
	var lazyBinds []linkedit.BindEntry
	var indirect []int32

	segOffset := func(atomIdx int) (segIdx int, offset uint64, ok bool) {
		a := l.atoms[atomIdx]
		if a.SectionIdx < 0 || a.SectionIdx >= len(l.sections) {
			return 0, 0, false
		}
		s := l.sections[a.SectionIdx]
		if s.SegmentIdx < 0 || s.SegmentIdx >= len(result.Segments) {
			return 0, 0, false
		}
		return s.SegmentIdx, s.Addr + uint64(a.Off) - result.Segments[s.SegmentIdx].VMAddr, true
	}

	addIndirectGroup := func(entries []synth.Entry, lazy bool) {
		if len(entries) == 0 {
			return
		}
		start := uint32(len(indirect))
		if sectIdx := l.atoms[entries[0].Atom].SectionIdx; sectIdx >= 0 && sectIdx < len(l.sections) {
			l.sections[sectIdx].Reserved1 = start
		}
		for _, e := range entries {
			sym := l.symbols.Symbols[e.Symbol]
			indirect = append(indirect, sym.SymtabPos)

			segIdx, offset, ok := segOffset(e.Atom)
			if !ok {
				continue
			}
			entry := linkedit.BindEntry{
				SegmentIdx: segIdx, Offset: offset, Ordinal: sym.DylibOrdinal,
				SymbolName: l.strings.String(sym.NameOff), Weak: sym.Flags&symtab.FlagWeak != 0,
			}
			switch {
			case lazy:
				lazyBinds = append(lazyBinds, entry)
			case sym.Flags&symtab.FlagImport != 0:
				binds = append(binds, entry)
			default:
				rebases = append(rebases, linkedit.RebaseEntry{SegmentIdx: segIdx, Offset: offset})
			}
		}
	}

	addIndirectGroup(sb.GOTEntries(), false)
	addIndirectGroup(sb.TLVEntries(), false)
	addIndirectGroup(sb.LazyEntries(), true)

	le.Rebase = linkedit.BuildRebase(rebases)
	le.Bind = linkedit.BuildBind(binds)
	le.LazyBind, _ = linkedit.BuildLazyBind(lazyBinds)
	le.Indirect = linkedit.BuildIndirectSymtab(indirect)
	le.IndirectCount = len(indirect)

	var exports []symtab.Symbol
	for _, s := range l.symbols.Symbols {
		if s.Flags&symtab.FlagExport != 0 && s.HasAtom() {
			exports = append(exports, *s)
		}
	}
	var imageBase uint64
	if len(result.Segments) > 0 {
		imageBase = result.Segments[0].VMAddr
	}
	le.Export = linkedit.BuildExportTrie(exports, l.strings, imageBase)

	var funcAddrs []uint64
	for _, a := range l.atoms {
		if a == nil || !a.Live || a.Kind != atom.KindRegular || a.SectionIdx < 0 || a.SectionIdx >= len(l.sections) {
			continue
		}
		if l.sections[a.SectionIdx].Sectname != "__text" {
			continue
		}
		funcAddrs = append(funcAddrs, l.sections[a.SectionIdx].Addr+uint64(a.Off))
	}
	sort.Slice(funcAddrs, func(i, j int) bool { return funcAddrs[i] < funcAddrs[j] })
	le.FunctionStarts = linkedit.BuildFunctionStarts(funcAddrs)

	var dice []types.DataInCodeEntry
	for _, a := range l.atoms {
		if a == nil || !a.Live || len(a.Dice) == 0 || a.SectionIdx < 0 || a.SectionIdx >= len(l.sections) {
			continue
		}
		base := l.sections[a.SectionIdx].Off + uint64(a.Off)
		for _, d := range a.Dice {
			dice = append(dice, types.DataInCodeEntry{Offset: uint32(base) + d.Offset, Length: d.Length, Kind: d.Kind})
		}
	}
	le.DataInCode = linkedit.BuildDataInCode(dice)
}

// layoutLinkedit concatenates every C10 byte stream into a single
// __LINKEDIT segment placed right after the last regular segment, and
// records each stream's absolute file offset for C11's load commands.
func (l *Linker) layoutLinkedit(result *layout.Result, le *linkedit.Output) (*atom.Segment, []byte, header.LinkeditLayout) {
	pageSize := l.arch.PageSize()
	var fileOff, vmAddr uint64
	if n := len(result.Segments); n > 0 {
		last := result.Segments[n-1]
		fileOff = alignUp(last.FileOff+last.FileSize, pageSize)
		vmAddr = alignUp(last.VMAddr+last.VMSize, pageSize)
	}

	var buf bytes.Buffer
	put := func(b []byte) uint32 {
		off := uint32(fileOff) + uint32(buf.Len())
		buf.Write(b)
		return off
	}

	var ll header.LinkeditLayout
	ll.RebaseOff, ll.RebaseSize = put(le.Rebase), uint32(len(le.Rebase))
	ll.BindOff, ll.BindSize = put(le.Bind), uint32(len(le.Bind))
	ll.LazyBindOff, ll.LazyBindSize = put(le.LazyBind), uint32(len(le.LazyBind))
	ll.ExportOff, ll.ExportSize = put(le.Export), uint32(len(le.Export))
	ll.FuncStartsOff, ll.FuncStartsSize = put(le.FunctionStarts), uint32(len(le.FunctionStarts))
	ll.DataInCodeOff, ll.DataInCodeSize = put(le.DataInCode), uint32(len(le.DataInCode))
	ll.SymtabOff = put(le.Symtab)
	ll.StrtabOff, ll.StrSize = put(le.Strtab), uint32(len(le.Strtab))
	ll.IndirectOff = put(le.Indirect)
	ll.NIndirect = uint32(le.IndirectCount)
	ll.NLocal, ll.NExtdef, ll.NUndef = uint32(le.NLocal), uint32(le.NExtdef), uint32(le.NUndef)
	ll.NSyms = ll.NLocal + ll.NExtdef + ll.NUndef

	seg := &atom.Segment{
		Name: "__LINKEDIT", VMAddr: vmAddr, FileOff: fileOff,
		FileSize: uint64(buf.Len()), VMSize: alignUp(uint64(buf.Len()), pageSize),
		MaxProt: layout.ProtRead, InitProt: layout.ProtRead,
	}
	return seg, buf.Bytes(), ll
}

// entryFileOffset resolves opts.Entry's file offset for LC_MAIN
// (spec.md §4.8); only required for executables.
func (l *Linker) entryFileOffset() (uint64, error) {
	if l.opts.OutputMode != OutputExecutable {
		return 0, nil
	}
	sym, _, ok := l.symbols.Lookup(l.strings.Add(l.opts.Entry))
	if !ok || !sym.HasAtom() {
		return 0, newError(KindMissingMainEntrypoint, l.opts.Entry, nil)
	}
	a := l.atoms[sym.AtomIndex()]
	if a.SectionIdx < 0 || a.SectionIdx >= len(l.sections) {
		return 0, newError(KindMissingMainEntrypoint, l.opts.Entry, nil)
	}
	return l.sections[a.SectionIdx].Off + uint64(a.Off), nil
}

// assembleImage builds the final on-disk image: the mach_header_64 and
// load commands from C11, every live atom's bytes copied to its
// assigned file offset, the concatenated LINKEDIT segment, and (for
// arm64 or when entitlements are set) an ad-hoc code signature appended
// after everything else (spec.md §4.8).
func (l *Linker) assembleImage(result *layout.Result, le *linkedit.Output) ([]byte, error) {
	fileType := types.MH_EXECUTE
	if l.opts.OutputMode == OutputLibrary {
		fileType = types.MH_DYLIB
	}

	linkeditSeg, linkeditData, ll := l.layoutLinkedit(result, le)
	result.Segments = append(result.Segments, linkeditSeg)

	entryOff, err := l.entryFileOffset()
	if err != nil {
		return nil, err
	}

	opts := header.Options{
		CPU: l.opts.CPU, SubCPU: l.opts.SubCPU, FileType: fileType,
		Flags:      types.NoUndefs | types.DyldLink | types.PIE | types.TwoLevel,
		Platform:   l.opts.PlatformVersion, MinOS: l.opts.MinOSVersion, SDK: l.opts.SDKVersion,
		Identifier: l.identifier(), EntryOff: entryOff, StackSize: l.opts.StackSize,
	}

	sign := l.needsCodeSignature()
	if sign {
		ll.CodeSignOff = uint32(linkeditSeg.FileOff + uint64(len(linkeditData)))
		ll.CodeSignSize = 16 // placeholder so the load command is emitted; corrected below
	}

	hdr, err := header.Build(opts, result.Segments, result.Sections, ll, binary.LittleEndian)
	if err != nil {
		return nil, newError(KindOverflow, "assembling header", err)
	}
	img := l.writeImage(hdr, result.Sections, linkeditSeg.FileOff, linkeditData)
	if !sign {
		return img, nil
	}

	sig, err := header.ComputeSignature(img, l.identifier())
	if err != nil {
		return nil, newError(KindOverflow, "computing code signature", err)
	}
	ll.CodeSignSize = uint32(len(sig))
	hdr, err = header.Build(opts, result.Segments, result.Sections, ll, binary.LittleEndian)
	if err != nil {
		return nil, newError(KindOverflow, "assembling header", err)
	}
	img = l.writeImage(hdr, result.Sections, linkeditSeg.FileOff, linkeditData)
	// The first signature hashed the placeholder header; sign the final
	// image (same length, so the signature's size is unchanged).
	sig, err = header.ComputeSignature(img, l.identifier())
	if err != nil {
		return nil, newError(KindOverflow, "computing code signature", err)
	}
	return append(img, sig...), nil
}

// writeImage lays hdr, every live atom's content, and the LINKEDIT bytes
// into one contiguous file image at their assigned file offsets.
func (l *Linker) writeImage(hdr []byte, sections []*atom.Section, linkeditOff uint64, linkeditData []byte) []byte {
	size := linkeditOff + uint64(len(linkeditData))
	img := make([]byte, size)
	copy(img, hdr)
	for _, a := range l.atoms {
		if a == nil || !a.Live || a.Data == nil || a.SectionIdx < 0 || a.SectionIdx >= len(sections) {
			continue
		}
		s := sections[a.SectionIdx]
		if s.Zerofill() {
			continue
		}
		off := s.Off + uint64(a.Off)
		if off+uint64(len(a.Data)) > uint64(len(img)) {
			continue // layout mismatch; defensively skip rather than panic
		}
		copy(img[off:], a.Data)
	}
	copy(img[linkeditOff:], linkeditData)
	return img
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
