package reloc

import "testing"

func TestCalcPcRelativeDisplacementX86(t *testing.T) {
	cases := []struct {
		site, target uint64
		addend       int64
		want         int32
	}{
		{0x1000, 0x1000 + 4, 0, 0},           // branch to the very next instruction
		{0x1000, 0x2000, 0, 0x2000 - 0x1004}, // forward branch
		{0x2000, 0x1000, 0, 0x1000 - 0x2004}, // backward branch, negative displacement
		{0x1000, 0x2000, 8, 0x2000 - 0x1004 - 8}, // addend shifts the effective displacement
	}
	for _, c := range cases {
		got, err := calcPcRelativeDisplacementX86(c.site, c.target, c.addend, 0)
		if err != nil {
			t.Errorf("calcPcRelativeDisplacementX86(%#x, %#x, %d, 0) unexpected error: %v", c.site, c.target, c.addend, err)
			continue
		}
		if got != c.want {
			t.Errorf("calcPcRelativeDisplacementX86(%#x, %#x, %d, 0) = %#x, want %#x", c.site, c.target, c.addend, got, c.want)
		}
	}
}

func TestCalcPcRelativeDisplacementX86Overflow(t *testing.T) {
	_, err := calcPcRelativeDisplacementX86(0, 1<<40, 0, 0)
	if err == nil {
		t.Fatal("expected an overflow error for a displacement outside int32 range")
	}
}

func TestCalcNumberOfPages(t *testing.T) {
	cases := []struct {
		site, target uint64
		want         int32
	}{
		{0x1000, 0x1000, 0},      // same page
		{0x1FFF, 0x2000, 1},      // crosses one page boundary
		{0x1000, 0x1FFF, 0},      // same page, unaligned target within it
		{0x3000, 0x1000, -2},     // backward two pages
	}
	for _, c := range cases {
		if got := calcNumberOfPages(c.site, c.target); got != c.want {
			t.Errorf("calcNumberOfPages(%#x, %#x) = %d, want %d", c.site, c.target, got, c.want)
		}
	}
}

func TestCalcPageOffset(t *testing.T) {
	cases := []struct {
		target uint64
		want   uint32
	}{
		{0x1234, 0x234},
		{0x1000, 0x0},
		{0xFFFFFFF, 0xFFF},
	}
	for _, c := range cases {
		if got := calcPageOffset(c.target); got != c.want {
			t.Errorf("calcPageOffset(%#x) = %#x, want %#x", c.target, got, c.want)
		}
	}
}
