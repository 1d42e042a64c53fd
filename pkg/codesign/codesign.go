package codesign

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/blacktop/ld64/pkg/codesign/types"
)

// ParseCodeSignature parses the LC_CODE_SIGNATURE data (a SuperBlob of
// CodeDirectory/Requirements/Entitlements/CMS blobs).
func ParseCodeSignature(cmddat []byte) (*types.CodeSignature, error) {
	r := bytes.NewReader(cmddat)

	cs := &types.CodeSignature{}

	var sb types.SbHeader
	if err := binary.Read(r, binary.BigEndian, &sb); err != nil {
		return nil, fmt.Errorf("failed to read SuperBlob header: %v", err)
	}

	index := make([]types.BlobIndex, sb.Count)
	if err := binary.Read(r, binary.BigEndian, &index); err != nil {
		return nil, fmt.Errorf("failed to read SuperBlob index: %v", err)
	}

	for _, idx := range index {
		if _, err := r.Seek(int64(idx.Offset), io.SeekStart); err != nil {
			return nil, err
		}

		switch idx.Type {
		case types.CSSLOT_CODEDIRECTORY,
			types.CSSLOT_ALTERNATE_CODEDIRECTORIES,
			types.CSSLOT_ALTERNATE_CODEDIRECTORIES1,
			types.CSSLOT_ALTERNATE_CODEDIRECTORIES2,
			types.CSSLOT_ALTERNATE_CODEDIRECTORIES3,
			types.CSSLOT_ALTERNATE_CODEDIRECTORIES4:
			cd, err := parseCodeDirectory(r, idx.Offset)
			if err != nil {
				return nil, err
			}
			cs.CodeDirectories = append(cs.CodeDirectories, *cd)
		case types.CSSLOT_REQUIREMENTS:
			req := types.Requirement{}
			if err := binary.Read(r, binary.BigEndian, &req.RequirementsBlob); err != nil {
				return nil, err
			}
			datLen := int(req.RequirementsBlob.Length) - binary.Size(types.RequirementsBlob{})
			if datLen > 0 {
				reqData := make([]byte, datLen)
				if err := binary.Read(r, binary.BigEndian, &reqData); err != nil {
					return nil, err
				}
				rqr := bytes.NewReader(reqData)
				if err := binary.Read(rqr, binary.BigEndian, &req.Requirements); err != nil {
					return nil, err
				}
				detail, err := types.ParseRequirements(rqr, req.Requirements)
				if err != nil {
					return nil, err
				}
				req.Detail = detail
			} else {
				req.Detail = "empty requirement set"
			}
			cs.Requirements = append(cs.Requirements, req)
		case types.CSSLOT_ENTITLEMENTS:
			data, err := readBlobPayload(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read entitlements blob: %v", err)
			}
			cs.Entitlements = string(data)
		case types.CSSLOT_ENTITLEMENTS_DER:
			data, err := readBlobPayload(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read DER entitlements blob: %v", err)
			}
			cs.EntitlementsDER = data
		case types.CSSLOT_CMS_SIGNATURE:
			data, err := readBlobPayload(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read CMS signature blob: %v", err)
			}
			// NOTE: openssl pkcs7 -inform DER -in <data> -print_certs -text -noout
			cs.CMSSignature = data
		case types.CSSLOT_INFOSLOT,
			types.CSSLOT_RESOURCEDIR,
			types.CSSLOT_APPLICATION,
			types.CSSLOT_IDENTIFICATIONSLOT,
			types.CSSLOT_TICKETSLOT:
			// not needed by a linker; ignored
		default:
			return nil, fmt.Errorf("found unsupported codesign slot %s", idx.Type)
		}
	}
	return cs, nil
}

func readBlobPayload(r *bytes.Reader) ([]byte, error) {
	var hdr types.BlobHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, err
	}
	data := make([]byte, int(hdr.Length)-binary.Size(hdr))
	if err := binary.Read(r, binary.BigEndian, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func parseCodeDirectory(r *bytes.Reader, base uint32) (*types.CodeDirectory, error) {
	cd := &types.CodeDirectory{}
	if err := binary.Read(r, binary.BigEndian, &cd.Header); err != nil {
		return nil, fmt.Errorf("failed to read CodeDirectory header: %v", err)
	}

	if cd.Header.Version >= types.SUPPORTS_SCATTER && cd.Header.ScatterOffset > 0 {
		if _, err := r.Seek(int64(base+cd.Header.ScatterOffset), io.SeekStart); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &cd.Scatter); err != nil {
			return nil, fmt.Errorf("failed to read scatter vector: %v", err)
		}
	}

	if cd.Header.Version >= types.SUPPORTS_TEAMID && cd.Header.TeamOffset > 0 {
		if _, err := r.Seek(int64(base+cd.Header.TeamOffset), io.SeekStart); err != nil {
			return nil, err
		}
		teamID, err := bufio.NewReader(r).ReadString('\x00')
		if err != nil {
			return nil, fmt.Errorf("failed to read team ID at %d: %v", base+cd.Header.TeamOffset, err)
		}
		cd.TeamID = strings.TrimRight(teamID, "\x00")
	}

	if _, err := r.Seek(int64(base+cd.Header.IdentOffset), io.SeekStart); err != nil {
		return nil, err
	}
	id, err := bufio.NewReader(r).ReadString('\x00')
	if err != nil {
		return nil, fmt.Errorf("failed to read CodeDirectory identifier at %d: %v", base+cd.Header.IdentOffset, err)
	}
	cd.ID = strings.TrimRight(id, "\x00")

	specialBase := base + cd.Header.HashOffset - cd.Header.NSpecialSlots*uint32(cd.Header.HashSize)
	if _, err := r.Seek(int64(specialBase), io.SeekStart); err != nil {
		return nil, err
	}
	for slot := cd.Header.NSpecialSlots; slot > 0; slot-- {
		hash := make([]byte, cd.Header.HashSize)
		if err := binary.Read(r, binary.BigEndian, &hash); err != nil {
			return nil, err
		}
		cd.SpecialSlots = append(cd.SpecialSlots, types.SpecialSlot{Index: slot, Hash: hash})
	}

	pageSize := uint32(math.Pow(2, float64(cd.Header.PageSize)))
	for slot := uint32(0); slot < cd.Header.NCodeSlots; slot++ {
		hash := make([]byte, cd.Header.HashSize)
		if err := binary.Read(r, binary.BigEndian, &hash); err != nil {
			return nil, err
		}
		desc := fmt.Sprintf("%x", hash)
		if bytes.Equal(hash, types.NULL_PAGE_SHA256_HASH) && cd.Header.HashType == types.HASHTYPE_SHA256 {
			desc = "NULL PAGE HASH"
		}
		cd.CodeSlots = append(cd.CodeSlots, types.CodeSlot{Index: slot, Page: slot * pageSize, Hash: hash, Desc: desc})
	}

	cd.CodeLimit = uint64(cd.Header.CodeLimit)
	if cd.Header.Version >= types.SUPPORTS_CODELIMIT64 && cd.Header.CodeLimit64 > 0 {
		cd.CodeLimit = cd.Header.CodeLimit64
	}
	return cd, nil
}
