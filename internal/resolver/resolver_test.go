package resolver

import (
	"testing"

	"github.com/blacktop/ld64/internal/symtab"
)

func TestResolveStrongStrongConflict(t *testing.T) {
	r := New(symtab.NewTable())
	if _, err := r.Resolve(Candidate{NameOff: 1, FileIdx: 0, Defined: true}); err != nil {
		t.Fatalf("first strong definition: unexpected error: %v", err)
	}
	_, err := r.Resolve(Candidate{NameOff: 1, FileIdx: 1, Defined: true})
	if err == nil {
		t.Fatal("expected a ConflictError for two strong definitions of the same symbol")
	}
	if _, ok := err.(*ConflictError); !ok {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
}

func TestResolveStrongBeatsWeak(t *testing.T) {
	r := New(symtab.NewTable())
	if _, err := r.Resolve(Candidate{NameOff: 1, FileIdx: 0, Defined: true, WeakDef: true}); err != nil {
		t.Fatalf("weak definition: unexpected error: %v", err)
	}
	idx, err := r.Resolve(Candidate{NameOff: 1, FileIdx: 1, Defined: true, Value: 0x100})
	if err != nil {
		t.Fatalf("strong definition should win: %v", err)
	}
	sym := r.Table.Symbols[idx]
	if sym.Value != 0x100 || sym.FileIdx != 1 {
		t.Fatalf("strong definition did not replace the weak one: %+v", sym)
	}
}

func TestResolveWeakWeakKeepsFirst(t *testing.T) {
	r := New(symtab.NewTable())
	idx, _ := r.Resolve(Candidate{NameOff: 1, FileIdx: 0, Defined: true, WeakDef: true, Value: 0x10})
	idx2, err := r.Resolve(Candidate{NameOff: 1, FileIdx: 1, Defined: true, WeakDef: true, Value: 0x20})
	if err != nil {
		t.Fatalf("weak/weak should never conflict: %v", err)
	}
	if idx != idx2 {
		t.Fatalf("weak/weak should resolve to the same symbol slot")
	}
	if r.Table.Symbols[idx].Value != 0x10 {
		t.Fatalf("weak/weak should keep the first definition, got value %#x", r.Table.Symbols[idx].Value)
	}
}

func TestResolveTentativeMergesLargerSize(t *testing.T) {
	r := New(symtab.NewTable())
	idx, _ := r.Resolve(Candidate{NameOff: 1, FileIdx: 0, Tentative: true, Size: 4, Align: 2})
	idx2, err := r.Resolve(Candidate{NameOff: 1, FileIdx: 1, Tentative: true, Size: 16, Align: 4})
	if err != nil {
		t.Fatalf("tentative/tentative should never conflict: %v", err)
	}
	if idx != idx2 {
		t.Fatal("tentative/tentative should resolve to the same symbol slot")
	}
	info := r.Tentatives[idx]
	if info == nil || info.Size != 16 || info.Align != 4 {
		t.Fatalf("expected merged tentative info {16,4}, got %+v", info)
	}
}

func TestResolveUndefDoesNotReplaceDefined(t *testing.T) {
	r := New(symtab.NewTable())
	idx, _ := r.Resolve(Candidate{NameOff: 1, FileIdx: 0, Defined: true, Value: 0x42})
	idx2, err := r.Resolve(Candidate{NameOff: 1, FileIdx: 1, Defined: false})
	if err != nil {
		t.Fatalf("undef referencing a defined symbol should not error: %v", err)
	}
	if idx != idx2 {
		t.Fatal("expected the same symbol slot")
	}
	if r.Table.Symbols[idx].Value != 0x42 {
		t.Fatal("undef must not overwrite an existing definition")
	}
}

func TestFinalizeUndefinedErrorPolicy(t *testing.T) {
	r := New(symtab.NewTable())
	r.Resolve(Candidate{NameOff: 1, FileIdx: 0, Defined: false})
	errs := r.FinalizeUndefined(TreatError, nil)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one UndefinedError, got %d", len(errs))
	}
}

func TestFinalizeUndefinedDynamicLookupImports(t *testing.T) {
	r := New(symtab.NewTable())
	r.Resolve(Candidate{NameOff: 1, FileIdx: 0, Defined: false})
	if errs := r.FinalizeUndefined(TreatDynamicLookup, nil); len(errs) != 0 {
		t.Fatalf("dynamic_lookup must never error, got %v", errs)
	}
	sym, _, ok := r.Table.Lookup(1)
	if !ok || sym.Flags&symtab.FlagImport == 0 {
		t.Fatal("dynamic_lookup should import the symbol")
	}
}
