// Package pki builds and parses the X.509 certificates issued by the
// certificate authority. Certificate templates are assembled from a CertSpec
// plus tagged extension variants and signed with SHA-256/RSA; subject
// alt-name OtherName attributes and issuer bindings are DER-encoded by hand
// where the standard library template cannot express them.
package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/veridoc/veridoc/internal/util"
)

var (
	// ErrCertificateBuild is returned when a certificate cannot be built
	// from its spec, whether from invalid fields or a signing failure.
	ErrCertificateBuild = errors.New("certificate build failed")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")
)

// serialPrefix is a fixed marker identifying serial numbers issued by this
// system; the remaining 14 bytes come from the CSPRNG.
var serialPrefix = []byte{0x56, 0x44}

// SubjectAttributes is the ordered distinguished-name attribute set for a
// certificate subject or issuer.
type SubjectAttributes struct {
	CommonName          string
	Country             string
	Province            string
	Locality            string
	Organization        string
	OrganizationalUnits []string
}

// Name converts the attributes to a pkix.Name.
func (s SubjectAttributes) Name() pkix.Name {
	name := pkix.Name{CommonName: s.CommonName}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.Province != "" {
		name.Province = []string{s.Province}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	name.OrganizationalUnit = s.OrganizationalUnits
	return name
}

func (s SubjectAttributes) validate() error {
	if s.CommonName == "" {
		return fmt.Errorf("common name is required")
	}
	if s.Country == "" {
		return fmt.Errorf("country is required")
	}
	if s.Organization == "" {
		return fmt.Errorf("organization is required")
	}
	return nil
}

// CertSpec describes a certificate to be built. The issuer is taken from the
// parent certificate; a nil parent produces a self-signed certificate.
type CertSpec struct {
	Subject      SubjectAttributes
	PublicKey    crypto.PublicKey
	NotBefore    time.Time
	NotAfter     time.Time
	SerialNumber *big.Int // NewSerialNumber() when nil
	Extensions   []Extension
}

// BuildResult is the outcome of a successful build.
type BuildResult struct {
	CertificatePEM string
	SerialNumber   string // lowercase hex
	DER            []byte
}

// NewSerialNumber returns a fresh certificate serial: a 2-byte fixed prefix
// followed by 14 random bytes. Randomness makes collisions negligible
// independent of clock resolution.
func NewSerialNumber() (*big.Int, error) {
	random, err := util.RandomBytes(14)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return new(big.Int).SetBytes(append(append([]byte(nil), serialPrefix...), random...)), nil
}

// Build assembles the TBS certificate from spec, signs it with signer, and
// returns the PEM encoding. parent is the issuing certificate, or nil to
// self-sign.
func Build(spec CertSpec, parent *x509.Certificate, signer crypto.Signer) (*BuildResult, error) {
	if err := spec.Subject.validate(); err != nil {
		return nil, fmt.Errorf("%w: subject: %v", ErrCertificateBuild, err)
	}
	if spec.PublicKey == nil {
		return nil, fmt.Errorf("%w: public key is required", ErrCertificateBuild)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: signing key is required", ErrCertificateBuild)
	}
	if !spec.NotAfter.After(spec.NotBefore) {
		return nil, fmt.Errorf("%w: validity window is empty", ErrCertificateBuild)
	}

	serial := spec.SerialNumber
	if serial == nil {
		var err error
		serial, err = NewSerialNumber()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertificateBuild, err)
		}
	}

	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            spec.Subject.Name(),
		NotBefore:          spec.NotBefore.UTC(),
		NotAfter:           spec.NotAfter.UTC(),
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	pubDER, err := x509.MarshalPKIXPublicKey(spec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding public key: %v", ErrCertificateBuild, err)
	}
	ski, err := subjectKeyID(pubDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateBuild, err)
	}

	b := &templateBuilder{cert: template, parent: parent, ski: ski}
	for _, ext := range spec.Extensions {
		if err := ext.apply(b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertificateBuild, err)
		}
	}

	issuer := parent
	if issuer == nil {
		issuer = template
	}

	der, err := x509.CreateCertificate(rand.Reader, template, issuer, spec.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: signing: %v", ErrCertificateBuild, err)
	}

	return &BuildResult{
		CertificatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		SerialNumber:   hex.EncodeToString(serial.Bytes()),
		DER:            der,
	}, nil
}

// ParseCertificatePEM decodes a single PEM certificate.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// SubjectString formats a pkix.Name as a readable DN string.
func SubjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}
