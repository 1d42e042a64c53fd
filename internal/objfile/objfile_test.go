package objfile

import (
	"testing"

	"github.com/blacktop/ld64/types"
)

func TestNlistDefinedRequiresSectType(t *testing.T) {
	cases := []struct {
		name string
		n    Nlist
		want bool
	}{
		{"section-defined", Nlist{Type: types.N_SECT | types.N_EXT}, true},
		{"undefined", Nlist{Type: types.N_UNDF | types.N_EXT}, false},
		{"private-extern-defined", Nlist{Type: types.N_SECT | types.N_PEXT}, true},
	}
	for _, c := range cases {
		if got := c.n.Defined(); got != c.want {
			t.Errorf("%s: Defined() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestNlistUndefinedIsExclusiveOfDefined(t *testing.T) {
	n := Nlist{Type: types.N_UNDF | types.N_EXT}
	if !n.Undefined() {
		t.Fatal("N_UNDF nlist should report Undefined()")
	}
	if n.Defined() {
		t.Fatal("N_UNDF nlist must not also report Defined()")
	}
}

func TestNlistExternalBit(t *testing.T) {
	if (Nlist{Type: types.N_SECT}).External() {
		t.Error("nlist without N_EXT should not be External")
	}
	if !(Nlist{Type: types.N_SECT | types.N_EXT}).External() {
		t.Error("nlist with N_EXT should be External")
	}
}

func TestNlistStabTakesPrecedenceOverTypeBits(t *testing.T) {
	// A stab entry uses n_type's upper bits for a debugging code; N_STAB
	// masks those bits and must be detected regardless of the low bits.
	n := Nlist{Type: types.N_STAB | types.N_SECT}
	if !n.Stab() {
		t.Fatal("nlist with any N_STAB bit set must report Stab()")
	}
}

func TestNlistWeakAndPrivateExternFlags(t *testing.T) {
	weak := Nlist{Desc: types.N_WEAK_DEF}
	if !weak.WeakDef() {
		t.Error("N_WEAK_DEF should set WeakDef()")
	}
	weakRef := Nlist{Desc: types.N_WEAK_REF}
	if !weakRef.WeakRef() {
		t.Error("N_WEAK_REF should set WeakRef()")
	}
	pext := Nlist{Type: types.N_SECT | types.N_PEXT}
	if !pext.PrivateExtern() {
		t.Error("N_PEXT should set PrivateExtern()")
	}
}

func TestNlistTentativeRequiresUndefinedExternAndNonZeroValue(t *testing.T) {
	tentative := Nlist{Type: types.N_UNDF | types.N_EXT, Value: 8}
	if !tentative.Tentative() {
		t.Fatal("undefined, external, nonzero-value nlist should be Tentative()")
	}
	notExternal := Nlist{Type: types.N_UNDF, Value: 8}
	if notExternal.Tentative() {
		t.Error("a non-external undefined symbol is a plain reference, not tentative")
	}
	zeroValue := Nlist{Type: types.N_UNDF | types.N_EXT, Value: 0}
	if zeroValue.Tentative() {
		t.Error("an undefined external symbol with value 0 is an ordinary unresolved reference")
	}
}
