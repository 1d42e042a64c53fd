// Package archive parses BSD-style `ar` static archives (spec.md §4.1,
// SPEC_FULL.md §4 "ar archive symbol directory" expansion): the
// `__.SYMDEF`/`__.SYMDEF SORTED` table-of-contents member decoded into a
// name -> member-offset multimap, with members otherwise parsed lazily.
package archive

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotArchive is returned when the leading magic does not match BSD
// ar's "!<arch>\n" signature (spec.md §7 parser-rejection sentinel).
var ErrNotArchive = errors.New("archive: not a BSD ar archive")

const (
	globalMagic = "!<arch>\n"
	hdrSize     = 60
	hdrEnd      = "`\n"
)

// Member describes one archive member's framing.
type Member struct {
	Name   string
	Offset uint32 // offset of the member's data (past its header) within the archive
	Size   uint32
}

// Archive is the linker's in-memory view of an `ar` file (spec.md §3
// Archive): a lazily-parsed member table plus the symbol -> offsets
// multimap built from the SYMDEF table of contents.
type Archive struct {
	Path    string
	Data    []byte
	Members []Member
	// TOC maps symbol name to the archive-relative offsets of every
	// member that defines it (spec.md §3: "Table of contents mapping
	// symbol name -> offset list into member objects").
	TOC map[string][]uint32
}

// Parse reads an entire BSD ar archive already resident in data.
func Parse(path string, data []byte) (*Archive, error) {
	if len(data) < len(globalMagic) || string(data[:len(globalMagic)]) != globalMagic {
		return nil, ErrNotArchive
	}

	a := &Archive{Path: path, Data: data, TOC: make(map[string][]uint32)}
	off := len(globalMagic)

	var strtab []byte
	var haveSymdef bool

	for off+hdrSize <= len(data) {
		hdr := data[off : off+hdrSize]
		if string(hdr[58:60]) != hdrEnd {
			return nil, errors.Errorf("archive: %s: malformed member header at offset %d", path, off)
		}
		name := strings.TrimRight(string(hdr[0:16]), " ")
		sizeStr := strings.TrimSpace(string(hdr[48:58]))
		size, err := strconv.ParseUint(sizeStr, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "archive: %s: bad member size", path)
		}
		bodyOff := off + hdrSize
		if bodyOff+int(size) > len(data) {
			return nil, errors.Errorf("archive: %s: member %q overruns archive", path, name)
		}
		body := data[bodyOff : bodyOff+int(size)]

		// BSD ar's "#1/<len>" extended-name convention: the real name is
		// the first len bytes of the member body, and the reported size
		// includes it.
		if strings.HasPrefix(name, "#1/") {
			nlen, err := strconv.Atoi(strings.TrimPrefix(name, "#1/"))
			if err == nil && nlen <= len(body) {
				name = strings.TrimRight(string(body[:nlen]), "\x00")
				body = body[nlen:]
			}
		}

		switch name {
		case "__.SYMDEF", "__.SYMDEF SORTED", "__.SYMDEF_64", "__.SYMDEF_64 SORTED":
			haveSymdef = true
			if err := a.parseSymdef(body, &strtab); err != nil {
				return nil, errors.Wrapf(err, "archive: %s: parsing %s", path, name)
			}
		default:
			a.Members = append(a.Members, Member{Name: name, Offset: uint32(bodyOff), Size: uint32(size)})
		}

		off = bodyOff + int(size)
		if off%2 == 1 { // even-byte padding between members
			off++
		}
	}

	if !haveSymdef {
		// No symbol directory: the archive keeps an empty symbol index.
		// No member is scanned here, and the linker, which only records
		// parsed archives, does not scan them either.
	}

	return a, nil
}

// parseSymdef decodes the ranlib table-of-contents payload:
//
//	uint32 ranlibArrayByteSize
//	ranlibArrayByteSize/8 entries of { uint32 stroff; uint32 memberOffset }
//	uint32 stringTableByteSize
//	stringTableByteSize bytes of NUL-terminated names
func (a *Archive) parseSymdef(body []byte, strtab *[]byte) error {
	if len(body) < 4 {
		return errors.New("truncated ranlib table")
	}
	tocLen := binary.LittleEndian.Uint32(body[0:4])
	if 4+int(tocLen) > len(body) {
		return errors.New("ranlib table length overruns member")
	}
	entries := body[4 : 4+tocLen]
	rest := body[4+tocLen:]
	if len(rest) < 4 {
		return errors.New("truncated string table size")
	}
	strLen := binary.LittleEndian.Uint32(rest[0:4])
	if 4+int(strLen) > len(rest) {
		return errors.New("string table length overruns member")
	}
	*strtab = rest[4 : 4+strLen]

	for i := 0; i+8 <= len(entries); i += 8 {
		stroff := binary.LittleEndian.Uint32(entries[i : i+4])
		memberOff := binary.LittleEndian.Uint32(entries[i+4 : i+8])
		name := cstr(*strtab, stroff)
		a.TOC[name] = append(a.TOC[name], memberOff)
	}
	return nil
}

func cstr(b []byte, off uint32) string {
	if int(off) >= len(b) {
		return ""
	}
	end := off
	for int(end) < len(b) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}

// MemberAt returns the raw bytes of the member whose header begins at
// hdrOffset (the offset recorded in TOC is relative to the ranlib
// convention of pointing at the member's ar_hdr, not its body).
func (a *Archive) MemberAt(hdrOffset uint32) ([]byte, string, error) {
	if int(hdrOffset)+hdrSize > len(a.Data) {
		return nil, "", errors.Errorf("archive: %s: TOC offset %d out of range", a.Path, hdrOffset)
	}
	hdr := a.Data[hdrOffset : hdrOffset+hdrSize]
	name := strings.TrimRight(string(hdr[0:16]), " ")
	sizeStr := strings.TrimSpace(string(hdr[48:58]))
	size, err := strconv.ParseUint(sizeStr, 10, 32)
	if err != nil {
		return nil, "", errors.Wrap(err, "archive: bad member size")
	}
	bodyOff := int(hdrOffset) + hdrSize
	body := a.Data[bodyOff : bodyOff+int(size)]
	if strings.HasPrefix(name, "#1/") {
		nlen, err := strconv.Atoi(strings.TrimPrefix(name, "#1/"))
		if err == nil && nlen <= len(body) {
			name = strings.TrimRight(string(body[:nlen]), "\x00")
			body = body[nlen:]
		}
	}
	return body, name, nil
}
