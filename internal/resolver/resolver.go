// Package resolver implements C5: the symbol resolver's precedence
// lattice (spec.md §4.2), synthetic-global creation, and the
// object -> archive -> dylib -> undefined-policy resolution order.
package resolver

import (
	"fmt"

	"github.com/blacktop/ld64/internal/symtab"
)

// Candidate is one nlist occurrence offered to the resolver, abstracted
// away from any particular file format so the lattice in Resolve can be
// tested and reused independent of internal/objfile.
type Candidate struct {
	NameOff       uint32
	Value         uint64
	FileIdx       int
	NlistIdx      int
	Defined       bool
	WeakDef       bool
	PrivateExtern bool
	Tentative     bool
	Size          uint32 // tentative definition size, common-symbol merge input
	Align         uint8  // tentative definition alignment (log2)
}

func (c Candidate) strong() bool { return c.Defined && !c.WeakDef && !c.PrivateExtern }
func (c Candidate) weak() bool   { return c.Defined && (c.WeakDef || c.PrivateExtern) }

// Action tells the caller what Resolve decided.
type Action int

const (
	ActionInsert Action = iota // no prior global existed; new one created
	ActionKeep                 // existing global wins; candidate is discarded
	ActionReplace              // candidate wins; existing global's fields are overwritten
	ActionConflict             // strong/strong clash: MultipleSymbolDefinitions
)

// TentativeInfo records the winning size/alignment across repeated
// tentative-definition merges (spec.md §8 "common symbols merge").
type TentativeInfo struct {
	Size  uint32
	Align uint8
}

// Resolver owns the global symbol table and the unresolved work-list.
type Resolver struct {
	Table      *symtab.Table
	Tentatives map[int]*TentativeInfo // symbol index -> merged size/align
	Unresolved map[uint32]bool        // NameOff -> true while unresolved
}

// New returns a Resolver over an existing (possibly non-empty) table.
func New(t *symtab.Table) *Resolver {
	return &Resolver{
		Table:      t,
		Tentatives: make(map[int]*TentativeInfo),
		Unresolved: make(map[uint32]bool),
	}
}

// ConflictError reports a strong/strong clash (spec.md §7
// MultipleSymbolDefinitions). The resolver collects every conflict
// before returning, per spec.md §9 "Error channel".
type ConflictError struct {
	NameOff       uint32
	FirstFileIdx  int
	SecondFileIdx int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("multiple symbol definitions for name offset %d (files %d and %d)", e.NameOff, e.FirstFileIdx, e.SecondFileIdx)
}

// Resolve applies the precedence lattice of spec.md §4.2 to a new
// occurrence of a global name, mutating the table in place. It returns
// the resulting symbol's index and, on a strong/strong clash, a
// *ConflictError (the caller appends it to a running ErrorList rather
// than aborting immediately).
func (r *Resolver) Resolve(c Candidate) (int, error) {
	existing, idx, ok := r.Table.Lookup(c.NameOff)
	if !ok {
		sym := symtab.New(c.NameOff)
		r.applyCandidate(sym, c)
		idx = r.Table.Insert(sym)
		if !c.Defined && !c.Tentative {
			r.Unresolved[c.NameOff] = true
		}
		if c.Tentative {
			r.Tentatives[idx] = &TentativeInfo{Size: c.Size, Align: c.Align}
		}
		return idx, nil
	}

	action, mergedTent := r.decide(existing, idx, c)
	switch action {
	case ActionConflict:
		return idx, &ConflictError{NameOff: c.NameOff, FirstFileIdx: int(existing.FileIdx), SecondFileIdx: c.FileIdx}
	case ActionReplace:
		r.applyCandidate(existing, c)
		delete(r.Unresolved, c.NameOff)
	case ActionKeep:
		// nothing to do; existing global already wins
	}
	if mergedTent != nil {
		r.Tentatives[idx] = mergedTent
	}
	if existing.Flags&symtab.FlagImport == 0 && !existing.Defined() {
		r.Unresolved[c.NameOff] = true
	} else {
		delete(r.Unresolved, c.NameOff)
	}
	return idx, nil
}

// UndefinedTreatment selects the policy applied to names still
// unresolved after objects, archives, and dylibs have all been
// consulted (spec.md §4.2 table).
type UndefinedTreatment string

const (
	TreatError          UndefinedTreatment = "error"
	TreatWarn           UndefinedTreatment = "warn"
	TreatSuppress       UndefinedTreatment = "suppress"
	TreatDynamicLookup  UndefinedTreatment = "dynamic_lookup"
	flatLookupOrdinal   int16              = -2 // dyld's FLAT_LOOKUP special ordinal
)

// UndefinedError reports a name that survived every resolution phase
// under an `error` (or a weak-ref-less `warn`/`suppress`) policy
// (spec.md §7 UndefinedSymbolReference).
type UndefinedError struct {
	NameOff uint32
}

func (e *UndefinedError) Error() string {
	return fmt.Sprintf("undefined symbol reference for name offset %d", e.NameOff)
}

// ImportFromDylib marks the global at nameOff as satisfied by a dylib
// export (spec.md §4.2 "scan dylib export sets"): stamps the dylib
// ordinal, flags it weak if the dylib is weak-linked, and clears it from
// Unresolved.
func (r *Resolver) ImportFromDylib(nameOff uint32, ordinal int16, weak bool) {
	sym, _, ok := r.Table.Lookup(nameOff)
	if !ok {
		sym = symtab.New(nameOff)
		r.Table.Insert(sym)
	}
	sym.Flags |= symtab.FlagImport
	sym.DylibOrdinal = ordinal
	if weak {
		sym.Flags |= symtab.FlagWeak
	}
	delete(r.Unresolved, nameOff)
}

// FinalizeUndefined applies the configured undefined_treatment policy to
// every name still outstanding after the object/archive/dylib passes
// (spec.md §4.2 table). isWeakRef reports whether any nlist referencing
// nameOff carried N_WEAK_REF.
func (r *Resolver) FinalizeUndefined(policy UndefinedTreatment, isWeakRef func(nameOff uint32) bool) []error {
	var errs []error
	for nameOff := range r.Unresolved {
		switch policy {
		case TreatDynamicLookup:
			r.ImportFromDylib(nameOff, flatLookupOrdinal, false)
		case TreatWarn, TreatSuppress:
			if isWeakRef != nil && isWeakRef(nameOff) {
				r.ImportFromDylib(nameOff, 0, true)
				continue
			}
			errs = append(errs, &UndefinedError{NameOff: nameOff})
		default: // TreatError
			errs = append(errs, &UndefinedError{NameOff: nameOff})
		}
	}
	return errs
}

// CreateMhExecuteHeader installs the executable's implicit
// __mh_execute_header global (spec.md §4.2). textVMAddr is filled in
// once C8 has assigned the __TEXT segment's vmaddr; callers running
// before layout pass 0 and patch sym.Value afterward.
func (r *Resolver) CreateMhExecuteHeader(nameOff uint32, textVMAddr uint64) int {
	sym := symtab.New(nameOff)
	sym.Value = textVMAddr
	sym.Flags |= symtab.FlagDefined | symtab.FlagReferencedDynamically
	return r.Table.Insert(sym)
}

// CreateDsoHandle installs ___dso_handle as a weak-def synthetic global
// when referenced (spec.md §4.2).
func (r *Resolver) CreateDsoHandle(nameOff uint32, textVMAddr uint64) int {
	sym := symtab.New(nameOff)
	sym.Value = textVMAddr
	sym.Flags |= symtab.FlagDefined | symtab.FlagWeak
	return r.Table.Insert(sym)
}

func (r *Resolver) applyCandidate(sym *symtab.Symbol, c Candidate) {
	sym.Value = c.Value
	sym.FileIdx = int32(c.FileIdx)
	sym.NlistIdx = int32(c.NlistIdx)
	sym.Flags &^= symtab.FlagWeak | symtab.FlagTentative | symtab.FlagPrivateExtern | symtab.FlagDefined
	if c.WeakDef {
		sym.Flags |= symtab.FlagWeak
	}
	if c.PrivateExtern {
		sym.Flags |= symtab.FlagPrivateExtern
	}
	if c.Tentative {
		sym.Flags |= symtab.FlagTentative
	}
	if c.Defined {
		sym.Flags |= symtab.FlagDefined
	}
}

// decide implements spec.md §4.2 rules 1-6 against the existing symbol.
// existingIdx is only used for the tentative-merge side table.
func (r *Resolver) decide(existing *symtab.Symbol, existingIdx int, c Candidate) (Action, *TentativeInfo) {
	existingStrong := existing.Defined() && existing.Flags&(symtab.FlagWeak|symtab.FlagPrivateExtern) == 0
	existingWeak := existing.Defined() && existing.Flags&(symtab.FlagWeak|symtab.FlagPrivateExtern) != 0
	existingTentative := existing.Flags&symtab.FlagTentative != 0
	existingUndef := !existing.Defined() && !existingTentative

	switch {
	case existingStrong && c.strong():
		return ActionConflict, nil // rule 1
	case existingStrong: // rule 2: any ∧ strong ⇒ keep existing
		return ActionKeep, nil
	case existingWeak && c.weak(): // rule 3
		return ActionKeep, nil
	case existingTentative && c.Tentative: // rule 4: keep the larger n_value... and merge size/align
		prev := r.Tentatives[existingIdx]
		merged := &TentativeInfo{Size: c.Size, Align: c.Align}
		if prev != nil {
			if prev.Size > merged.Size {
				merged.Size = prev.Size
			}
			if prev.Align > merged.Align {
				merged.Align = prev.Align
			}
		}
		if c.Value > existing.Value {
			return ActionReplace, merged
		}
		return ActionKeep, merged
	case existingUndef: // existing is a plain undef: any definition or tentative replaces it; another undef keeps it
		if c.strong() || c.weak() || c.Tentative {
			return ActionReplace, nil
		}
		return ActionKeep, nil
	case !c.Defined && !c.Tentative: // rule 5, incoming operand: a plain undef reference never overrides a definition
		return ActionKeep, nil
	default: // rule 6
		return ActionReplace, nil
	}
}

