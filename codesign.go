package macho

import (
	"github.com/blacktop/ld64/pkg/codesign"
)

// ParseCodeSignature parses the LC_CODE_SIGNATURE data into the
// CodeSignature embedded in the LC_CODE_SIGNATURE load command.
func ParseCodeSignature(cmddat []byte) (*CodeSignature, error) {
	cs, err := codesign.ParseCodeSignature(cmddat)
	if err != nil {
		return nil, err
	}
	return &CodeSignature{CodeSignature: *cs}, nil
}
