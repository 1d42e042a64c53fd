// Package deadstrip implements C6: the mark-live work-list fixpoint over
// atoms (spec.md §4.3).
package deadstrip

import (
	"github.com/blacktop/ld64/internal/atom"
	"github.com/blacktop/ld64/internal/symtab"
)

// Universe is the read-only view of the link the dead-strip pass walks.
// Atoms and Symbols are indexed by the same ids Reloc.SymbolIdx and
// symtab.Symbol.AtomIdx reference elsewhere in the pipeline.
type Universe struct {
	Atoms   []*atom.Atom
	Symbols *symtab.Table

	// FileLive is set to true for a file index as soon as any of its
	// locals or globals is proven reachable (spec.md §4.3: "for undef
	// targets, mark the defining file live").
	FileLive map[int]bool
}

// NewUniverse wraps atoms/symbols for a Mark run.
func NewUniverse(atoms []*atom.Atom, symbols *symtab.Table) *Universe {
	return &Universe{Atoms: atoms, Symbols: symbols, FileLive: make(map[int]bool)}
}

// Mark runs the fixpoint traversal from roots (atom indices) to
// exhaustion, setting Live=true and clearing dead-strippable status on
// every reachable atom. It returns the count of atoms newly marked live.
func Mark(u *Universe, roots []int) int {
	visited := make(map[int]bool, len(u.Atoms))
	work := append([]int(nil), roots...)
	marked := 0
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		if i < 0 || i >= len(u.Atoms) || u.Atoms[i] == nil || visited[i] {
			continue
		}
		visited[i] = true
		a := u.Atoms[i]
		a.Live = true
		u.FileLive[a.FileIdx] = true
		marked++
		for _, r := range a.Relocs {
			if !r.Extern || r.SymbolIdx < 0 {
				continue
			}
			sym := u.Symbols.Symbols[r.SymbolIdx]
			if sym.HasAtom() {
				work = append(work, sym.AtomIndex())
			} else {
				// undefined target: its defining file (a dylib/archive
				// member outside the atom graph) is live by virtue of being
				// referenced at all.
				u.FileLive[int(sym.FileIdx)] = true
			}
		}
	}
	return marked
}

// Roots collects the initial live set per spec.md §4.3: the entry-point
// atom (if any), __mh_execute_header, every REFERENCED_DYNAMICALLY
// symbol, every export when building a library, and the atom owning any
// section flagged no_dead_strip.
func Roots(u *Universe, entryAtom int, exportsWhenLibrary bool) []int {
	seen := make(map[int]bool)
	var roots []int
	add := func(i int) {
		if i >= 0 && !seen[i] {
			seen[i] = true
			roots = append(roots, i)
		}
	}

	if entryAtom >= 0 {
		add(entryAtom)
	}
	for _, sym := range u.Symbols.Symbols {
		if sym.Flags&symtab.FlagReferencedDynamically != 0 && sym.HasAtom() {
			add(sym.AtomIndex())
		}
		if exportsWhenLibrary && sym.Flags&symtab.FlagExport != 0 && sym.HasAtom() {
			add(sym.AtomIndex())
		}
	}
	for i, a := range u.Atoms {
		if a != nil && a.NoDeadStrip {
			add(i)
		}
	}
	return roots
}

// SweepSymtab stamps n_desc = N_DEAD (represented here by clearing
// FlagOutputSymtab) on every symbol anchored to a dead atom, per spec.md
// §4.3 "Dead atoms are retained in memory but skipped by later passes
// and their symbols stamped N_DEAD".
func SweepSymtab(u *Universe) {
	for _, sym := range u.Symbols.Symbols {
		if sym.HasAtom() {
			idx := sym.AtomIndex()
			if idx >= 0 && idx < len(u.Atoms) && u.Atoms[idx] != nil && !u.Atoms[idx].Live {
				sym.Flags &^= symtab.FlagOutputSymtab
			}
		}
	}
}
