package codesign

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/blacktop/ld64/pkg/codesign/types"
)

const defaultPageSize = 4096

// SignOptions configures an ad-hoc (unsigned, self-identifying) code
// signature: no certificate, no CMS blob, cdhash computed purely from
// the file's own bytes.
type SignOptions struct {
	Identifier      string // typically the install name or output file name
	PageSize        uint32 // must be a power of two; zero means 4096
	Entitlements    string // raw XML entitlements plist, optional
	EntitlementsDER bool   // also emit the DER form of Entitlements
	Runtime         bool   // set the hardened-runtime CodeDirectory flag
}

// Sign hashes data page by page and returns a SuperBlob (CodeDirectory +
// Requirements + optional Entitlements/EntitlementsDER, no signature) ready
// to be written into a LC_CODE_SIGNATURE segment.
func Sign(data []byte, opts SignOptions) ([]byte, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	if pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("codesign: page size %d is not a power of two", pageSize)
	}

	reqBlob, reqHash, err := emptyRequirements()
	if err != nil {
		return nil, err
	}

	special := map[uint32][]byte{2: reqHash} // slot 2 == CSSLOT_REQUIREMENTS
	nSpecial := uint32(2)

	var entBlob, entDERBlob *types.Blob
	if opts.Entitlements != "" {
		eb := types.NewBlob(types.MAGIC_EMBEDDED_ENTITLEMENTS, []byte(opts.Entitlements))
		entBlob = &eb
		h, err := eb.Sha256Hash()
		if err != nil {
			return nil, fmt.Errorf("failed to hash entitlements blob: %w", err)
		}
		special[5] = h // CSSLOT_ENTITLEMENTS
		nSpecial = 5

		if opts.EntitlementsDER {
			der, err := types.DerEncodeEntitlements(opts.Entitlements)
			if err != nil {
				return nil, fmt.Errorf("failed to DER-encode entitlements: %w", err)
			}
			edb := types.NewBlob(types.MAGIC_EMBEDDED_ENTITLEMENTS_DER, der)
			entDERBlob = &edb
			h, err := edb.Sha256Hash()
			if err != nil {
				return nil, fmt.Errorf("failed to hash DER entitlements blob: %w", err)
			}
			special[7] = h // CSSLOT_ENTITLEMENTS_DER
			nSpecial = 7
		}
	}

	nCodeSlots := (uint32(len(data)) + pageSize - 1) / pageSize
	codeHashes := make([][sha256.Size]byte, nCodeSlots)
	for i := uint32(0); i < nCodeSlots; i++ {
		start := i * pageSize
		end := start + pageSize
		if end > uint32(len(data)) {
			end = uint32(len(data))
		}
		codeHashes[i] = sha256.Sum256(data[start:end])
	}

	ident := append([]byte(opts.Identifier), 0)

	headerSize := uint32(binary.Size(types.CodeDirectoryType{}))
	identOffset := headerSize
	hashOffset := identOffset + uint32(len(ident)) + nSpecial*sha256.Size

	hdr := types.CodeDirectoryType{
		Magic:         types.MAGIC_CODEDIRECTORY,
		Version:       types.SUPPORTS_EXECSEG,
		Flags:         types.ADHOC,
		HashOffset:    hashOffset,
		IdentOffset:   identOffset,
		NSpecialSlots: nSpecial,
		NCodeSlots:    nCodeSlots,
		CodeLimit:     uint32(len(data)),
		HashSize:      sha256.Size,
		HashType:      types.HASHTYPE_SHA256,
		PageSize:      uint8(bits.TrailingZeros32(pageSize)),
	}
	if opts.Runtime {
		hdr.Flags |= types.RUNTIME
	}
	hdr.Length = hashOffset + nCodeSlots*sha256.Size

	var cd bytes.Buffer
	if err := binary.Write(&cd, binary.BigEndian, hdr); err != nil {
		return nil, fmt.Errorf("failed to write CodeDirectory header: %w", err)
	}
	cd.Write(ident)
	for slot := nSpecial; slot >= 1; slot-- {
		if h, ok := special[slot]; ok {
			cd.Write(h)
		} else {
			cd.Write(make([]byte, sha256.Size))
		}
	}
	for _, h := range codeHashes {
		cd.Write(h[:])
	}

	// CodeDirectoryType.Magic/Length already prefix cdBytes; wrap the
	// remainder as Blob.Data rather than double-writing the header.
	cdBytes := cd.Bytes()
	cdBlob := types.Blob{
		BlobHeader: types.BlobHeader{Magic: types.MAGIC_CODEDIRECTORY, Length: hdr.Length},
		Data:       cdBytes[8:],
	}

	sb := types.NewSuperBlob(types.MAGIC_EMBEDDED_SIGNATURE)
	sb.AddBlob(types.CSSLOT_CODEDIRECTORY, cdBlob)
	sb.AddBlob(types.CSSLOT_REQUIREMENTS, *reqBlob)
	if entBlob != nil {
		sb.AddBlob(types.CSSLOT_ENTITLEMENTS, *entBlob)
	}
	if entDERBlob != nil {
		sb.AddBlob(types.CSSLOT_ENTITLEMENTS_DER, *entDERBlob)
	}

	var out bytes.Buffer
	if err := sb.Write(&out, binary.BigEndian); err != nil {
		return nil, fmt.Errorf("failed to write signature SuperBlob: %w", err)
	}
	return out.Bytes(), nil
}

// emptyRequirements builds the canonical empty Requirements-vector blob
// (a Requirements set with zero entries) and returns its sha256 hash for
// the CodeDirectory's special slot 2.
func emptyRequirements() (*types.Blob, []byte, error) {
	var count uint32 // zero entries
	blob := types.NewBlob(types.MAGIC_REQUIREMENTS, count)
	h, err := blob.Sha256Hash()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash empty requirements blob: %w", err)
	}
	return &blob, h, nil
}
