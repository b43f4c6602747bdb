package pki

import (
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// Extension is a tagged variant applied to a certificate template. Each kind
// carries only its relevant fields and validates them when applied.
type Extension interface {
	apply(b *templateBuilder) error
}

// templateBuilder carries the state extensions need while populating the
// x509 template.
type templateBuilder struct {
	cert   *x509.Certificate
	parent *x509.Certificate // nil for self-signed
	ski    []byte            // subject key identifier of the new certificate
}

var (
	oidExtSubjectAltName      = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidExtAuthorityKeyID      = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidExtCertificatePolicies = asn1.ObjectIdentifier{2, 5, 29, 32}
	oidQtCPS                  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 2, 1}
)

// BasicConstraints marks the certificate as a CA or a leaf.
type BasicConstraints struct {
	CA bool
}

func (e BasicConstraints) apply(b *templateBuilder) error {
	b.cert.BasicConstraintsValid = true
	b.cert.IsCA = e.CA
	return nil
}

// KeyUsage sets the key usage bits.
type KeyUsage struct {
	Usage x509.KeyUsage
}

func (e KeyUsage) apply(b *templateBuilder) error {
	if e.Usage == 0 {
		return fmt.Errorf("key usage must not be empty")
	}
	b.cert.KeyUsage = e.Usage
	return nil
}

// ExtKeyUsage sets the extended key usage OIDs.
type ExtKeyUsage struct {
	Usages []x509.ExtKeyUsage
}

func (e ExtKeyUsage) apply(b *templateBuilder) error {
	if len(e.Usages) == 0 {
		return fmt.Errorf("extended key usage must not be empty")
	}
	b.cert.ExtKeyUsage = e.Usages
	return nil
}

// OtherName is a subject-alt-name OtherName entry: an OID-typed attribute
// whose value is encoded as a DER PrintableString.
type OtherName struct {
	OID   asn1.ObjectIdentifier
	Value string
}

// SubjectAltName carries email addresses and OtherName attributes. It is
// encoded by hand because the stdlib template cannot express OtherName
// entries.
type SubjectAltName struct {
	Emails     []string
	OtherNames []OtherName
}

func (e SubjectAltName) apply(b *templateBuilder) error {
	if len(e.Emails) == 0 && len(e.OtherNames) == 0 {
		return fmt.Errorf("subject alt name must carry at least one entry")
	}
	var generalNames []byte
	for _, on := range e.OtherNames {
		oid, err := derOID(on.OID)
		if err != nil {
			return err
		}
		value, err := derPrintableString(on.Value)
		if err != nil {
			return fmt.Errorf("other name %v: %w", on.OID, err)
		}
		// OtherName ::= SEQUENCE { type-id OID, value [0] EXPLICIT ANY },
		// wrapped as GeneralName choice [0].
		inner := append(oid, derContext(0, true, value)...)
		generalNames = append(generalNames, derContext(0, true, inner)...)
	}
	for _, email := range e.Emails {
		if err := checkIA5(email); err != nil {
			return fmt.Errorf("email %q: %w", email, err)
		}
		// rfc822Name is GeneralName choice [1], primitive.
		generalNames = append(generalNames, derContext(1, false, []byte(email))...)
	}

	b.cert.ExtraExtensions = append(b.cert.ExtraExtensions, pkix.Extension{
		Id:    oidExtSubjectAltName,
		Value: derValue(derTagSequence, generalNames),
	})
	return nil
}

// SubjectKeyIdentifier derives the SKI from the certificate's public key
// (SHA-1 over the subjectPublicKey bits, the RFC 5280 method 1 form).
type SubjectKeyIdentifier struct{}

func (e SubjectKeyIdentifier) apply(b *templateBuilder) error {
	if b.ski == nil {
		return fmt.Errorf("subject key identifier requires a public key")
	}
	b.cert.SubjectKeyId = b.ski
	return nil
}

// AuthorityKeyIdentifier binds the certificate to its issuer by key ID,
// issuer name, and issuer serial number. Only valid on certificates that
// have a distinct issuer.
type AuthorityKeyIdentifier struct{}

func (e AuthorityKeyIdentifier) apply(b *templateBuilder) error {
	if b.parent == nil {
		return fmt.Errorf("authority key identifier requires an issuer certificate")
	}
	// AuthorityKeyIdentifier ::= SEQUENCE {
	//   keyIdentifier             [0] IMPLICIT OCTET STRING OPTIONAL,
	//   authorityCertIssuer       [1] IMPLICIT GeneralNames OPTIONAL,
	//   authorityCertSerialNumber [2] IMPLICIT INTEGER OPTIONAL }
	var content []byte
	if len(b.parent.SubjectKeyId) > 0 {
		content = append(content, derContext(0, false, b.parent.SubjectKeyId)...)
	}
	// authorityCertIssuer: GeneralNames holding the issuer's directoryName
	// (choice [4], EXPLICIT because Name is a CHOICE type itself).
	directoryName := derContext(4, true, b.parent.RawSubject)
	content = append(content, derContext(1, true, directoryName)...)
	content = append(content, derContext(2, false, derContent(derInteger(b.parent.SerialNumber)))...)

	b.cert.ExtraExtensions = append(b.cert.ExtraExtensions, pkix.Extension{
		Id:    oidExtAuthorityKeyID,
		Value: derValue(derTagSequence, content),
	})
	return nil
}

// CertificatePolicies declares the policy OID the certificate was issued
// under, with an optional CPS URI qualifier.
type CertificatePolicies struct {
	PolicyOID asn1.ObjectIdentifier
	CPSURI    string
}

func (e CertificatePolicies) apply(b *templateBuilder) error {
	if len(e.PolicyOID) == 0 {
		return fmt.Errorf("certificate policies require a policy OID")
	}
	oid, err := derOID(e.PolicyOID)
	if err != nil {
		return err
	}
	policyInfo := oid
	if e.CPSURI != "" {
		qtCPS, err := derOID(oidQtCPS)
		if err != nil {
			return err
		}
		uri, err := derIA5String(e.CPSURI)
		if err != nil {
			return fmt.Errorf("CPS URI: %w", err)
		}
		qualifier := derSequence(append(qtCPS, uri...))
		policyInfo = append(policyInfo, derSequence(qualifier)...)
	}

	b.cert.ExtraExtensions = append(b.cert.ExtraExtensions, pkix.Extension{
		Id:    oidExtCertificatePolicies,
		Value: derSequence(derSequence(policyInfo)),
	})
	return nil
}

// AuthorityInfoAccess points validators at the issuer's OCSP responder and
// certificate URL.
type AuthorityInfoAccess struct {
	OCSPServers []string
	IssuerURLs  []string
}

func (e AuthorityInfoAccess) apply(b *templateBuilder) error {
	if len(e.OCSPServers) == 0 && len(e.IssuerURLs) == 0 {
		return fmt.Errorf("authority info access must carry at least one URL")
	}
	b.cert.OCSPServer = e.OCSPServers
	b.cert.IssuingCertificateURL = e.IssuerURLs
	return nil
}

// subjectKeyID computes the RFC 5280 method 1 key identifier: SHA-1 over the
// DER subjectPublicKey BIT STRING contents.
func subjectKeyID(pubDER []byte) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(pubDER, &spki); err != nil {
		return nil, fmt.Errorf("parsing subject public key info: %w", err)
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}
