package clients

import (
	"errors"
	"strings"
)

// ErrInvalidCPF is returned when a CPF is not eleven digits after stripping
// formatting.
var ErrInvalidCPF = errors.New("invalid CPF")

// NormalizeCPF strips formatting from a CPF and returns the canonical
// 11-digit form. Punctuated input like "111.222.333-44" is accepted. Only
// the structure is validated, not the check digits.
func NormalizeCPF(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == ' ':
			// formatting, ignore
		default:
			return "", ErrInvalidCPF
		}
	}
	cpf := b.String()
	if len(cpf) != 11 {
		return "", ErrInvalidCPF
	}
	return cpf, nil
}
