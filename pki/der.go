package pki

import (
	"encoding/asn1"
	"fmt"
	"math/big"
)

// Minimal DER builder for the extension values the stdlib cannot express
// (OtherName subject-alt-names, authority key identifiers with issuer and
// serial, certificate policies with a CPS URI). Each helper returns a full
// TLV so values compose by concatenation.

const (
	derTagInteger         = 0x02
	derTagOctetString     = 0x04
	derTagPrintableString = 0x13
	derTagIA5String       = 0x16
	derTagSequence        = 0x30
)

// derValue encodes tag + definite length + content.
func derValue(tag byte, content []byte) []byte {
	out := make([]byte, 0, len(content)+4)
	out = append(out, tag)
	out = append(out, derLength(len(content))...)
	return append(out, content...)
}

func derLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var body []byte
	for v := n; v > 0; v >>= 8 {
		body = append([]byte{byte(v)}, body...)
	}
	return append([]byte{0x80 | byte(len(body))}, body...)
}

func derSequence(parts ...[]byte) []byte {
	var content []byte
	for _, p := range parts {
		content = append(content, p...)
	}
	return derValue(derTagSequence, content)
}

// derContext encodes a context-specific tag. Constructed encodings wrap
// nested TLVs (used for both IMPLICIT SEQUENCE-like values and EXPLICIT
// wrappers); primitive encodings replace a string tag in place.
func derContext(number byte, constructed bool, content []byte) []byte {
	tag := 0x80 | number
	if constructed {
		tag |= 0x20
	}
	return derValue(tag, content)
}

func derOID(oid asn1.ObjectIdentifier) ([]byte, error) {
	b, err := asn1.Marshal(oid)
	if err != nil {
		return nil, fmt.Errorf("encoding OID %v: %w", oid, err)
	}
	return b, nil
}

func derPrintableString(s string) ([]byte, error) {
	for _, r := range s {
		if !isPrintable(r) {
			return nil, fmt.Errorf("character %q not allowed in PrintableString", r)
		}
	}
	return derValue(derTagPrintableString, []byte(s)), nil
}

func derIA5String(s string) ([]byte, error) {
	if err := checkIA5(s); err != nil {
		return nil, err
	}
	return derValue(derTagIA5String, []byte(s)), nil
}

func checkIA5(s string) error {
	for _, r := range s {
		if r > 127 {
			return fmt.Errorf("character %q not allowed in IA5String", r)
		}
	}
	return nil
}

// derContent strips the tag and length header from a definite-length TLV.
func derContent(tlv []byte) []byte {
	if len(tlv) < 2 {
		return nil
	}
	if tlv[1] < 0x80 {
		return tlv[2:]
	}
	n := int(tlv[1] & 0x7f)
	return tlv[2+n:]
}

func derInteger(n *big.Int) []byte {
	b, _ := asn1.Marshal(n)
	return b
}

func derOctetString(b []byte) []byte {
	return derValue(derTagOctetString, b)
}

// isPrintable reports whether r is in the ASN.1 PrintableString alphabet.
func isPrintable(r rune) bool {
	switch {
	case 'a' <= r && r <= 'z',
		'A' <= r && r <= 'Z',
		'0' <= r && r <= '9':
		return true
	}
	switch r {
	case ' ', '\'', '(', ')', '+', ',', '-', '.', '/', ':', '=', '?':
		return true
	}
	return false
}
