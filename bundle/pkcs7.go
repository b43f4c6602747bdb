package bundle

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// Certs-only PKCS#7 SignedData (RFC 2315 degenerate case): no digests, no
// signer infos, just the certificate set. This is the conventional envelope
// for distributing a CA chain as a .p7b file.

var (
	oidPKCS7Data       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidPKCS7SignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo      contentInfo
	Certificates     asn1.RawValue   `asn1:"optional,tag:0"`
	CRLs             []asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// marshalPKCS7Certificates wraps the certificates in a degenerate SignedData
// structure and returns its DER encoding.
func marshalPKCS7Certificates(certs []*x509.Certificate) ([]byte, error) {
	var certBytes []byte
	for _, cert := range certs {
		certBytes = append(certBytes, cert.Raw...)
	}

	sd := signedData{
		Version:     1,
		ContentInfo: contentInfo{ContentType: oidPKCS7Data},
		Certificates: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      certBytes,
		},
	}
	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("encoding signed data: %w", err)
	}

	return asn1.Marshal(contentInfo{
		ContentType: oidPKCS7SignedData,
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      sdDER,
		},
	})
}

// ParsePKCS7Certificates extracts the certificate set from a certs-only
// SignedData DER encoding.
func ParsePKCS7Certificates(der []byte) ([]*x509.Certificate, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	if !ci.ContentType.Equal(oidPKCS7SignedData) {
		return nil, fmt.Errorf("%w: content type %v is not signed data", ErrPackaging, ci.ContentType)
	}

	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	certs, err := x509.ParseCertificates(sd.Certificates.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	return certs, nil
}
