// Package objfile implements C3's object-file half: turning a parsed
// macho.File into the linker's Object data model (spec.md §3, §4.1) --
// one primary atom per non-debug section, a locals-before-globals nlist
// view, and a per-object sorted relocation pool.
package objfile

import (
	"sort"

	"github.com/pkg/errors"

	dwarf "github.com/blacktop/go-dwarf"
	macho "github.com/blacktop/ld64"
	"github.com/blacktop/ld64/internal/atom"
	"github.com/blacktop/ld64/types"
)

// Sentinel parser-rejection errors (spec.md §7): callers try the next
// format on these, never treat them as fatal.
var (
	ErrEndOfStream = errors.New("objfile: end of stream")
	ErrNotObject   = errors.New("objfile: not a relocatable object")
)

// DWARFSummary is the CU-level stab summary spec.md §4.7 item 7 needs for
// N_SO/N_OSO, deliberately shallow (no debugger-quality DWARF retained,
// per spec.md §1 Non-goals).
type DWARFSummary struct {
	CompDir string
	Name    string
	Mtime   uint32
}

// Object is a parsed relocatable input (spec.md §3 Object).
type Object struct {
	Path     string
	FileIdx  int
	Platform string
	MinOS    string
	SDK      string

	Nlist       []Nlist // locals (0..FirstGlobal) then globals (FirstGlobal..)
	FirstGlobal int
	StrtabName  func(uint32) string // resolves an nlist's Name field lazily; here Name is already resolved to a string

	Atoms   []*atom.Atom // one per non-debug section, index i == section (n_sect-1)
	Symbols []int32      // Nlist[i] -> linker-internal symbol id, filled in by the resolver

	DWARF *DWARFSummary

	raw *macho.File
}

// Nlist is a resolved copy of a Mach-O nlist64 entry: same semantics,
// string name instead of a strtab offset (the linker re-interns names
// through internal/strtab once resolved).
type Nlist struct {
	Name  string
	Type  types.NType
	Sect  uint8
	Desc  types.NDescType
	Value uint64
}

func (n Nlist) External() bool  { return n.Type&types.N_EXT != 0 }
func (n Nlist) Defined() bool   { return n.Type&types.N_TYPE == types.N_SECT }
func (n Nlist) Undefined() bool { return n.Type&types.N_TYPE == types.N_UNDF }
func (n Nlist) Stab() bool      { return n.Type&types.N_STAB != 0 }
func (n Nlist) WeakDef() bool   { return n.Desc&types.N_WEAK_DEF != 0 }
func (n Nlist) WeakRef() bool   { return n.Desc&types.N_WEAK_REF != 0 }
func (n Nlist) PrivateExtern() bool {
	return n.Type&types.N_PEXT != 0
}
func (n Nlist) Tentative() bool {
	return n.Undefined() && n.External() && n.Value != 0
}

// Parse reads f (already opened by the caller via macho.NewFile) into an
// Object. fileIdx is the caller-assigned stable index in the linker's
// file vector (spec.md §3 File).
func Parse(path string, fileIdx int, f *macho.File) (*Object, error) {
	if f.Symtab == nil {
		return nil, errors.Wrap(ErrNotObject, path+": missing LC_SYMTAB")
	}

	obj := &Object{Path: path, FileIdx: fileIdx, raw: f}

	if bv := f.BuildVersion(); bv != nil {
		obj.Platform = bv.Platform
		obj.MinOS = bv.Minos
		obj.SDK = bv.Sdk
	}

	nlist := make([]Nlist, len(f.Symtab.Syms))
	for i, s := range f.Symtab.Syms {
		nlist[i] = Nlist{Name: s.Name, Type: s.Type, Sect: s.Sect, Desc: s.Desc, Value: s.Value}
	}

	backlink := make([]int, len(nlist)) // old index -> new index
	firstGlobal := len(nlist)

	if f.Dysymtab != nil {
		// Trust the dynamic-symtab command's partition (spec.md §4.1).
		firstGlobal = int(f.Dysymtab.Ilocalsym + f.Dysymtab.Nlocalsym)
		for i := range backlink {
			backlink[i] = i
		}
	} else {
		// Re-sort: defined-before-undef, then section index, then value,
		// then name (spec.md §4.1).
		order := make([]int, len(nlist))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			na, nb := nlist[order[a]], nlist[order[b]]
			da, db := !na.Undefined(), !nb.Undefined()
			if da != db {
				return da
			}
			if na.Sect != nb.Sect {
				return na.Sect < nb.Sect
			}
			if na.Value != nb.Value {
				return na.Value < nb.Value
			}
			return na.Name < nb.Name
		})
		sorted := make([]Nlist, len(nlist))
		for newIdx, oldIdx := range order {
			sorted[newIdx] = nlist[oldIdx]
			backlink[oldIdx] = newIdx
		}
		nlist = sorted
		firstGlobal = len(nlist)
		for i, n := range nlist {
			if n.External() {
				firstGlobal = i
				break
			}
		}
	}

	obj.Nlist = nlist
	obj.FirstGlobal = firstGlobal
	obj.Symbols = make([]int32, len(nlist))
	for i := range obj.Symbols {
		obj.Symbols[i] = -1
	}

	if err := obj.buildAtoms(f, backlink); err != nil {
		return nil, err
	}
	obj.summarizeDWARF(f)

	return obj, nil
}

var debugSectionNames = map[string]bool{
	"__debug_info": true, "__debug_abbrev": true, "__debug_str": true,
	"__debug_line": true, "__debug_loc": true, "__debug_ranges": true,
	"__debug_aranges": true, "__debug_frame": true, "__eh_frame": true,
}

// buildAtoms materializes one atom per non-debug section (spec.md §4.1)
// and rewrites every relocation's symbol index through backlink.
func (o *Object) buildAtoms(f *macho.File, backlink []int) error {
	o.Atoms = make([]*atom.Atom, len(f.Sections))

	for i, sec := range f.Sections {
		if debugSectionNames[sec.Name] {
			continue
		}
		data, err := sec.Data()
		if err != nil && sec.Flags.IsZerofill() {
			data = nil
		} else if err != nil {
			return errors.Wrapf(err, "%s: reading section %s,%s", o.Path, sec.Seg, sec.Name)
		}

		a := atom.New(sec.Seg+"$"+sec.Name, o.FileIdx, i+1, uint32(sec.Size), uint8(sec.Align))
		if !sec.Flags.IsZerofill() {
			a.Data = data
		}
		a.NoDeadStrip = sec.Flags.NoDeadStrip()
		a.Live = true

		relocs := append([]macho.Reloc(nil), sec.Relocs...)
		sort.SliceStable(relocs, func(x, y int) bool { return relocs[x].Addr < relocs[y].Addr })
		for _, r := range relocs {
			symIdx := int32(-1)
			if !r.Scattered && r.Extern {
				symIdx = int32(backlink[r.Value])
			} else if !r.Scattered {
				symIdx = int32(r.Value) // section number, resolved to an atom later
			}
			a.Relocs = append(a.Relocs, atom.Reloc{
				Addr: r.Addr, Kind: r.Type, Length: r.Len, PCRel: r.Pcrel,
				Extern: r.Extern && !r.Scattered, Scatter: r.Scattered, SymbolIdx: symIdx,
			})
		}

		o.Atoms[i] = a
	}

	if dic := f.DataInCode(); dic != nil {
		for _, e := range dic.Entries {
			for i, sec := range f.Sections {
				if o.Atoms[i] == nil {
					continue
				}
				if uint64(e.Offset) >= uint64(sec.Offset) && uint64(e.Offset) < uint64(sec.Offset)+sec.Size {
					o.Atoms[i].Dice = append(o.Atoms[i].Dice, atom.DiceEntry{
						Offset: e.Offset - sec.Offset, Length: e.Length, Kind: e.Kind,
					})
					break
				}
			}
		}
	}

	return nil
}

func (o *Object) summarizeDWARF(f *macho.File) {
	d, err := f.DWARF()
	if err != nil || d == nil {
		return
	}
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			continue
		}
		name, _ := e.Val(dwarf.AttrName).(string)
		compDir, _ := e.Val(dwarf.AttrCompDir).(string)
		o.DWARF = &DWARFSummary{Name: name, CompDir: compDir}
		return
	}
}
