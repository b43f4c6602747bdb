package pki

import (
	"encoding/asn1"
	"fmt"
	"strings"
	"time"
)

// ICP-Brasil certificates bind the holder's civil identity into the subject
// alt-name as OtherName attributes. The personal-data attribute packs birth
// date and registry numbers into one fixed-width string.
var (
	// OIDPersonalData is the A1/A3 personal-data attribute: birth date,
	// CPF, social security number, and identity-card number concatenated.
	OIDPersonalData = asn1.ObjectIdentifier{2, 16, 76, 1, 3, 1}
)

// Fixed field widths of the personal-data attribute value.
const (
	personalBirthDateLen = 8  // ddmmyyyy
	personalCPFLen       = 11 // digits only
	personalNISLen       = 11 // zero-filled when absent
	personalIdentityLen  = 15 // zero-filled when absent
)

// PersonalOtherNames encodes the holder's CPF and birth date as the
// personal-data OtherName attribute. cpf must already be normalized to 11
// digits. Registry numbers we do not collect are zero-filled per the
// attribute layout.
func PersonalOtherNames(cpf string, birthDate time.Time) ([]OtherName, error) {
	if len(cpf) != personalCPFLen {
		return nil, fmt.Errorf("cpf must be %d digits, got %d", personalCPFLen, len(cpf))
	}
	for _, r := range cpf {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("cpf must contain only digits")
		}
	}
	if birthDate.IsZero() {
		return nil, fmt.Errorf("birth date is required")
	}

	var sb strings.Builder
	sb.WriteString(birthDate.Format("02012006"))
	sb.WriteString(cpf)
	sb.WriteString(strings.Repeat("0", personalNISLen))
	sb.WriteString(strings.Repeat("0", personalIdentityLen))

	return []OtherName{{OID: OIDPersonalData, Value: sb.String()}}, nil
}
