// Package fat reads Mach-O universal ("fat") container headers and
// selects the slice matching the link target's CPU type; the CPU subtype
// is not compared (spec.md §4.1, SPEC_FULL.md §4 "Fat/universal container" expansion).
package fat

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/blacktop/ld64/types"
)

const (
	MagicFat   uint32 = 0xcafebabe
	MagicFat64 uint32 = 0xcafebabf
	maxArches         = 128
)

// ErrNotFat is returned when the leading magic is not a fat/universal
// signature; callers try the next parser (spec.md §4.1 "peek the leading
// magic").
var ErrNotFat = errors.New("fat: not a universal binary")

// Arch describes one slice of a universal binary.
type Arch struct {
	CPU        types.CPU
	SubType    uint32
	Offset     uint64
	Size       uint64
	Align      uint32
}

// Header is the parsed fat_header plus its fat_arch[_64] table.
type Header struct {
	Magic uint32
	Arch  []Arch
}

// Read parses a universal-binary header from the start of r. Returns
// ErrNotFat if the magic does not match.
func Read(r io.ReaderAt) (*Header, error) {
	var magicBuf [4]byte
	if _, err := r.ReadAt(magicBuf[:], 0); err != nil {
		return nil, errors.Wrap(err, "fat: reading magic")
	}
	magic := binary.BigEndian.Uint32(magicBuf[:])
	if magic != MagicFat && magic != MagicFat64 {
		return nil, ErrNotFat
	}

	var countBuf [4]byte
	if _, err := r.ReadAt(countBuf[:], 4); err != nil {
		return nil, errors.Wrap(err, "fat: reading nfat_arch")
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	if count == 0 || count > maxArches {
		return nil, fmt.Errorf("fat: implausible nfat_arch %d", count)
	}

	h := &Header{Magic: magic}
	off := int64(8)
	entrySize := int64(20)
	if magic == MagicFat64 {
		entrySize = 32
	}
	for i := uint32(0); i < count; i++ {
		buf := make([]byte, entrySize)
		if _, err := r.ReadAt(buf, off); err != nil {
			return nil, errors.Wrap(err, "fat: reading fat_arch entry")
		}
		a := Arch{
			CPU:     types.CPU(binary.BigEndian.Uint32(buf[0:4])),
			SubType: binary.BigEndian.Uint32(buf[4:8]),
		}
		if magic == MagicFat64 {
			a.Offset = binary.BigEndian.Uint64(buf[8:16])
			a.Size = binary.BigEndian.Uint64(buf[16:24])
			a.Align = binary.BigEndian.Uint32(buf[24:28])
		} else {
			a.Offset = uint64(binary.BigEndian.Uint32(buf[8:12]))
			a.Size = uint64(binary.BigEndian.Uint32(buf[12:16]))
			a.Align = binary.BigEndian.Uint32(buf[16:20])
		}
		h.Arch = append(h.Arch, a)
		off += entrySize
	}
	return h, nil
}

// Select returns the slice matching cpu, or an error identifying the
// mismatch (spec.md §7 MismatchedCpuArchitecture: a fat file containing
// only non-matching slices is a hard failure, not a silent first-slice
// pick).
func (h *Header) Select(cpu types.CPU) (Arch, error) {
	for _, a := range h.Arch {
		if a.CPU == cpu {
			return a, nil
		}
	}
	return Arch{}, fmt.Errorf("fat: no slice for cpu 0x%x (mismatched cpu architecture)", uint32(cpu))
}
