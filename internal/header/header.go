// Package header implements C11: assembling the Mach-O header and its
// load commands from the linker's segment/section layout and LINKEDIT
// byte streams, then invoking ad-hoc code signing over the finished
// image (spec.md §4.8).
package header

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	macho "github.com/blacktop/ld64"
	"github.com/blacktop/ld64/internal/atom"
	"github.com/blacktop/ld64/internal/linkedit"
	"github.com/blacktop/ld64/pkg/codesign"
	"github.com/blacktop/ld64/types"
)

// Options carries the header-assembly inputs that don't come from the
// segment/section layout itself.
type Options struct {
	CPU        types.CPU
	SubCPU     types.CPUSubtype
	FileType   types.HeaderFileType
	Flags      types.HeaderFlag
	Platform   types.Platform
	MinOS      string
	SDK        string
	EntryOff   uint64 // file offset of the entry point, for LC_MAIN
	StackSize  uint64
	Identifier string // signing identifier, per pkg/codesign.SignOptions
	AdHocSign  bool
}

// LinkeditLayout records where each LINKEDIT byte stream landed once
// C10's output was concatenated into the __LINKEDIT segment, so the load
// commands can point at absolute file offsets.
type LinkeditLayout struct {
	RebaseOff, RebaseSize         uint32
	BindOff, BindSize             uint32
	LazyBindOff, LazyBindSize     uint32
	ExportOff, ExportSize         uint32
	FuncStartsOff, FuncStartsSize uint32
	DataInCodeOff, DataInCodeSize uint32
	SymtabOff, NSyms              uint32
	StrtabOff, StrSize            uint32
	IndirectOff, NIndirect        uint32
	NLocal, NExtdef, NUndef       uint32

	// CodeSignOff/CodeSignSize reserve room for the ad-hoc signature's
	// SuperBlob, appended after every other LINKEDIT stream. The caller
	// first builds with a small placeholder size so the load command is
	// emitted, then rebuilds with the computed signature's size; the
	// signature covers everything preceding it, including this load command.
	CodeSignOff, CodeSignSize uint32
}

// Build assembles the full load-command stream and header, returning the
// bytes to prepend to the rest of the image (everything from offset 0 up
// to and including the last load command). These bytes occupy the
// headerPad that layout reserved at the start of __TEXT.
func Build(opts Options, segs []*atom.Segment, secs []*atom.Section, ll LinkeditLayout, order binary.ByteOrder) ([]byte, error) {
	var cmds bytes.Buffer
	ncmds := uint32(0)

	segCmds, err := buildSegmentCommands(segs, secs, order)
	if err != nil {
		return nil, err
	}
	cmds.Write(segCmds)
	ncmds += uint32(len(segs))

	writeDyldInfo(&cmds, ll)
	ncmds++
	writeSymtab(&cmds, ll)
	ncmds++
	writeDysymtab(&cmds, ll)
	ncmds++

	if ll.FuncStartsSize > 0 {
		writeLinkEditData(&cmds, types.LC_FUNCTION_STARTS, ll.FuncStartsOff, ll.FuncStartsSize)
		ncmds++
	}
	if ll.DataInCodeSize > 0 {
		writeLinkEditData(&cmds, types.LC_DATA_IN_CODE, ll.DataInCodeOff, ll.DataInCodeSize)
		ncmds++
	}

	writeUUID(&cmds, order)
	ncmds++

	if opts.Platform != 0 {
		if err := writeBuildVersion(&cmds, opts, order); err != nil {
			return nil, err
		}
		ncmds++
	}

	if opts.FileType == types.MH_EXECUTE {
		writeEntryPoint(&cmds, opts.EntryOff, opts.StackSize, order)
		ncmds++
	}

	if ll.CodeSignSize > 0 {
		writeLinkEditData(&cmds, types.LC_CODE_SIGNATURE, ll.CodeSignOff, ll.CodeSignSize)
		ncmds++
	}

	hdr := types.FileHeader{
		Magic:        types.Magic64,
		CPU:          opts.CPU,
		SubCPU:       opts.SubCPU,
		Type:         opts.FileType,
		NCommands:    ncmds,
		SizeCommands: uint32(cmds.Len()),
		Flags:        opts.Flags,
	}

	var out bytes.Buffer
	if err := binary.Write(&out, order, hdr); err != nil {
		return nil, errors.Wrap(err, "header: writing mach_header_64")
	}
	out.Write(cmds.Bytes())
	return out.Bytes(), nil
}

// buildSegmentCommands serializes every LC_SEGMENT_64 and its trailing
// section_64 structs by driving macho.FileTOC's own builder API
// (AddSegment/AddSection/Put) rather than hand-rolling binary.Write per
// field: this is the load-command traffic that API exists to produce.
func buildSegmentCommands(segs []*atom.Segment, secs []*atom.Section, order binary.ByteOrder) ([]byte, error) {
	t := &macho.FileTOC{
		FileHeader: types.FileHeader{Magic: types.Magic64},
		ByteOrder:  order,
	}
	for _, seg := range segs {
		t.AddSegment(&macho.Segment{
			SegmentHeader: macho.SegmentHeader{
				LoadCmd: types.LC_SEGMENT_64,
				Name:    seg.Name,
				Addr:    seg.VMAddr,
				Memsz:   seg.VMSize,
				Offset:  seg.FileOff,
				Filesz:  seg.FileSize,
				Maxprot: types.VmProtection(seg.MaxProt),
				Prot:    types.VmProtection(seg.InitProt),
			},
		})
		for _, si := range seg.Sections {
			s := secs[si]
			t.AddSection(&macho.Section{
				SectionHeader: macho.SectionHeader{
					Name:      s.Sectname,
					Seg:       s.Segname,
					Addr:      s.Addr,
					Size:      s.Size,
					Offset:    uint32(s.Off),
					Align:     uint32(s.Align),
					Reserved1: s.Reserved1,
					Reserved2: s.Reserved2,
					Flags:     types.SectionFlag(s.Flags),
				},
			})
		}
	}
	buf := make([]byte, t.HdrSize()+t.LoadSize())
	t.Put(buf)
	return buf[t.HdrSize():], nil
}

func writeDyldInfo(buf *bytes.Buffer, ll LinkeditLayout) {
	binary.Write(buf, binary.LittleEndian, types.DyldInfoCmd{
		LoadCmd: types.LC_DYLD_INFO_ONLY, Len: 48,
		RebaseOff: ll.RebaseOff, RebaseSize: ll.RebaseSize,
		BindOff: ll.BindOff, BindSize: ll.BindSize,
		LazyBindOff: ll.LazyBindOff, LazyBindSize: ll.LazyBindSize,
		ExportOff: ll.ExportOff, ExportSize: ll.ExportSize,
	})
}

func writeSymtab(buf *bytes.Buffer, ll LinkeditLayout) {
	binary.Write(buf, binary.LittleEndian, types.SymtabCmd{
		LoadCmd: types.LC_SYMTAB, Len: 24,
		Symoff: ll.SymtabOff, Nsyms: ll.NSyms,
		Stroff: ll.StrtabOff, Strsize: ll.StrSize,
	})
}

func writeDysymtab(buf *bytes.Buffer, ll LinkeditLayout) {
	binary.Write(buf, binary.LittleEndian, types.DysymtabCmd{
		LoadCmd: types.LC_DYSYMTAB, Len: 80,
		Ilocalsym: 0, Nlocalsym: ll.NLocal,
		Iextdefsym: ll.NLocal, Nextdefsym: ll.NExtdef,
		Iundefsym: ll.NLocal + ll.NExtdef, Nundefsym: ll.NUndef,
		Indirectsymoff: ll.IndirectOff, Nindirectsyms: ll.NIndirect,
	})
}

func writeLinkEditData(buf *bytes.Buffer, cmd types.LoadCmd, off, size uint32) {
	binary.Write(buf, binary.LittleEndian, types.LinkEditDataCmd{LoadCmd: cmd, Len: 16, Offset: off, Size: size})
}

func writeUUID(buf *bytes.Buffer, order binary.ByteOrder) {
	id := uuid.New()
	var u types.UUID
	copy(u[:], id[:])
	binary.Write(buf, order, types.UUIDCmd{LoadCmd: types.LC_UUID, Len: 24, UUID: u})
}

func writeBuildVersion(buf *bytes.Buffer, opts Options, order binary.ByteOrder) error {
	minos, err := parseVersion(opts.MinOS)
	if err != nil {
		return errors.Wrap(err, "header: parsing minos version")
	}
	sdk, err := parseVersion(opts.SDK)
	if err != nil {
		return errors.Wrap(err, "header: parsing sdk version")
	}
	return binary.Write(buf, order, types.BuildVersionCmd{
		LoadCmd: types.LC_BUILD_VERSION, Len: 24,
		Platform: opts.Platform, Minos: minos, Sdk: sdk, NumTools: 0,
	})
}

func writeEntryPoint(buf *bytes.Buffer, off, stackSize uint64, order binary.ByteOrder) {
	binary.Write(buf, order, types.EntryPointCmd{LoadCmd: types.LC_MAIN, Len: 24, Offset: off, StackSize: stackSize})
}

// parseVersion is the inverse of types.Version.String: "X.Y.Z" packed as
// nibbles xxxx.yy.zz.
func parseVersion(s string) (types.Version, error) {
	if s == "" {
		return 0, nil
	}
	parts := strings.SplitN(s, ".", 3)
	var nums [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return 0, err
		}
		nums[i] = n
	}
	return types.Version(nums[0]<<16 | nums[1]<<8 | nums[2]), nil
}

// ComputeSignature runs the ad-hoc code signature over the assembled
// image, which ends at ll.CodeSignOff (the signature's own bytes are not
// part of it), the final step of C11 (spec.md §4.8). The caller appends
// the returned SuperBlob at ll.CodeSignOff.
func ComputeSignature(image []byte, identifier string) ([]byte, error) {
	return codesign.Sign(image, codesign.SignOptions{Identifier: identifier})
}
