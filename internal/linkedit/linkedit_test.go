package linkedit

import (
	"bytes"
	"testing"
)

func TestBuildRebaseCoalescesContiguousRun(t *testing.T) {
	entries := []RebaseEntry{
		{SegmentIdx: 0, Offset: 16},
		{SegmentIdx: 0, Offset: 0},
		{SegmentIdx: 0, Offset: 8},
	}
	got := BuildRebase(entries)
	want := []byte{
		rebaseOpcodeSetTypeImm | rebaseTypePointer,
		rebaseOpcodeSetSegmentAndOffsetULEB | 0, 0x00,
		rebaseOpcodeDoRebaseImmTimes | 3,
		rebaseOpcodeDone,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("BuildRebase coalesced run = % x, want % x", got, want)
	}
}

func TestBuildRebaseEmpty(t *testing.T) {
	if got := BuildRebase(nil); got != nil {
		t.Errorf("BuildRebase(nil) = % x, want nil", got)
	}
}

func TestBuildRebaseNonContiguousEmitsSeparateSetOffset(t *testing.T) {
	entries := []RebaseEntry{
		{SegmentIdx: 0, Offset: 0},
		{SegmentIdx: 0, Offset: 64}, // not adjacent: breaks the run
	}
	got := BuildRebase(entries)
	// Expect two distinct SET_SEGMENT_AND_OFFSET_ULEB opcodes, one per
	// entry, since the second offset isn't curOff+8.
	count := 0
	for _, b := range got {
		if b == (rebaseOpcodeSetSegmentAndOffsetULEB | 0) {
			count++
		}
	}
	if count != 2 {
		t.Errorf("expected 2 SET_SEGMENT_AND_OFFSET_ULEB opcodes for a broken run, got %d in % x", count, got)
	}
}

func TestWriteBindOneEncodesOrdinalFlagsAndOffset(t *testing.T) {
	var buf bytes.Buffer
	writeBindOne(&buf, BindEntry{SegmentIdx: 1, Offset: 0x18, Ordinal: 2, SymbolName: "_foo", Weak: true})
	got := buf.Bytes()

	want := append([]byte{
		bindOpcodeSetDylibOrdinalImm | 2,
		bindOpcodeSetSymbolTrailingFlagsImm | 0x1,
	}, append([]byte("_foo\x00"), []byte{
		bindOpcodeSetTypeImm | bindTypePointer,
		bindOpcodeSetSegmentAndOffsetULEB | 1,
		0x18,
	}...)...)

	if !bytes.Equal(got, want) {
		t.Errorf("writeBindOne = % x, want % x", got, want)
	}
}

func TestBuildBindAppendsDoBindPerEntryAndTrailingDone(t *testing.T) {
	entries := []BindEntry{
		{SegmentIdx: 0, Offset: 0, Ordinal: 1, SymbolName: "_a"},
		{SegmentIdx: 0, Offset: 8, Ordinal: 1, SymbolName: "_b"},
	}
	got := BuildBind(entries)
	if got[len(got)-1] != bindOpcodeDone {
		t.Fatalf("BuildBind must end with BIND_OPCODE_DONE, got trailing byte %#x", got[len(got)-1])
	}
	count := 0
	for _, b := range got {
		if b == bindOpcodeDoBind {
			count++
		}
	}
	if count != len(entries) {
		t.Errorf("expected %d BIND_OPCODE_DO_BIND opcodes, got %d", len(entries), count)
	}
}

func TestBuildLazyBindRecordsPerEntryOffsets(t *testing.T) {
	entries := []BindEntry{
		{SegmentIdx: 0, Offset: 0, Ordinal: 1, SymbolName: "_a"},
		{SegmentIdx: 0, Offset: 8, Ordinal: 1, SymbolName: "_b"},
	}
	stream, offsets := BuildLazyBind(entries)
	if len(offsets) != len(entries) {
		t.Fatalf("expected %d offsets, got %d", len(entries), len(offsets))
	}
	if offsets[0] != 0 {
		t.Errorf("first entry's stream offset should be 0, got %d", offsets[0])
	}
	if int(offsets[1]) >= len(stream) {
		t.Errorf("second entry's offset %d is out of range of a %d-byte stream", offsets[1], len(stream))
	}
}

func TestBuildFunctionStartsEncodesDeltas(t *testing.T) {
	got := BuildFunctionStarts([]uint64{0x1000, 0x1010, 0x1020})
	// deltas: 0x1000, 0x10, 0x10, then a trailing zero terminator.
	want := []byte{0x80, 0x20, 0x10, 0x10, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("BuildFunctionStarts = % x, want % x", got, want)
	}
}
