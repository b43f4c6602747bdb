package pki_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/pki"
)

var (
	testKeysOnce sync.Once
	testRootKey  *rsa.PrivateKey
	testLeafKey  *rsa.PrivateKey
)

// testKeys generates two RSA-2048 keys once; key generation dominates the
// package's test time otherwise.
func testKeys(t *testing.T) (root, leaf *rsa.PrivateKey) {
	t.Helper()
	testKeysOnce.Do(func() {
		var err error
		testRootKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testLeafKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return testRootKey, testLeafKey
}

func rootSpec(key *rsa.PrivateKey) pki.CertSpec {
	return pki.CertSpec{
		Subject: pki.SubjectAttributes{
			CommonName:   "Veridoc Root CA",
			Country:      "BR",
			Organization: "Veridoc",
		},
		PublicKey: &key.PublicKey,
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().AddDate(10, 0, 0),
		Extensions: []pki.Extension{
			pki.BasicConstraints{CA: true},
			pki.KeyUsage{Usage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature},
			pki.SubjectKeyIdentifier{},
		},
	}
}

func buildRoot(t *testing.T, key *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	res, err := pki.Build(rootSpec(key), nil, key)
	require.NoError(t, err)
	cert, err := pki.ParseCertificatePEM(res.CertificatePEM)
	require.NoError(t, err)
	return cert
}

func TestBuild_SelfSigned(t *testing.T) {
	rootKey, _ := testKeys(t)

	res, err := pki.Build(rootSpec(rootKey), nil, rootKey)
	require.NoError(t, err)

	cert, err := pki.ParseCertificatePEM(res.CertificatePEM)
	require.NoError(t, err)

	assert.True(t, cert.IsCA)
	assert.Equal(t, "Veridoc Root CA", cert.Subject.CommonName)
	assert.Equal(t, cert.Subject.String(), cert.Issuer.String())
	assert.NotEmpty(t, cert.SubjectKeyId)
	require.NoError(t, cert.CheckSignatureFrom(cert))

	assert.Equal(t, hex.EncodeToString(cert.SerialNumber.Bytes()), res.SerialNumber)
	assert.True(t, strings.HasPrefix(res.SerialNumber, "5644"))
}

func TestBuild_LeafChainsToRoot(t *testing.T) {
	rootKey, leafKey := testKeys(t)
	root := buildRoot(t, rootKey)

	otherNames, err := pki.PersonalOtherNames("11122233344", time.Date(1990, 3, 7, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	res, err := pki.Build(pki.CertSpec{
		Subject: pki.SubjectAttributes{
			CommonName:   "MARIA DA SILVA:11122233344",
			Country:      "BR",
			Organization: "Veridoc",
		},
		PublicKey: &leafKey.PublicKey,
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter:  time.Now().AddDate(0, 0, 365),
		Extensions: []pki.Extension{
			pki.BasicConstraints{CA: false},
			pki.KeyUsage{Usage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment},
			pki.ExtKeyUsage{Usages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageEmailProtection}},
			pki.SubjectAltName{Emails: []string{"maria@example.com"}, OtherNames: otherNames},
			pki.SubjectKeyIdentifier{},
			pki.AuthorityKeyIdentifier{},
		},
	}, root, rootKey)
	require.NoError(t, err)

	leaf, err := pki.ParseCertificatePEM(res.CertificatePEM)
	require.NoError(t, err)

	require.NoError(t, leaf.CheckSignatureFrom(root))
	assert.False(t, leaf.IsCA)
	assert.Equal(t, []string{"maria@example.com"}, leaf.EmailAddresses)
	assert.Equal(t, root.SubjectKeyId, leaf.AuthorityKeyId)
	assert.Contains(t, leaf.ExtKeyUsage, x509.ExtKeyUsageEmailProtection)

	// The personal-data OtherName rides in the raw SAN extension.
	var sanRaw []byte
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(asn1.ObjectIdentifier{2, 5, 29, 17}) {
			sanRaw = ext.Value
		}
	}
	require.NotEmpty(t, sanRaw)
	assert.Contains(t, string(sanRaw), "0703199011122233344")
}

func TestBuild_Validation(t *testing.T) {
	rootKey, _ := testKeys(t)

	cases := map[string]func(*pki.CertSpec){
		"missing common name":  func(s *pki.CertSpec) { s.Subject.CommonName = "" },
		"missing country":      func(s *pki.CertSpec) { s.Subject.Country = "" },
		"missing organization": func(s *pki.CertSpec) { s.Subject.Organization = "" },
		"missing public key":   func(s *pki.CertSpec) { s.PublicKey = nil },
		"empty validity":       func(s *pki.CertSpec) { s.NotAfter = s.NotBefore },
		"empty key usage": func(s *pki.CertSpec) {
			s.Extensions = []pki.Extension{pki.KeyUsage{}}
		},
		"empty subject alt name": func(s *pki.CertSpec) {
			s.Extensions = []pki.Extension{pki.SubjectAltName{}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			spec := rootSpec(rootKey)
			mutate(&spec)
			_, err := pki.Build(spec, nil, rootKey)
			assert.ErrorIs(t, err, pki.ErrCertificateBuild)
		})
	}
}

func TestBuild_AKIRequiresIssuer(t *testing.T) {
	rootKey, _ := testKeys(t)

	spec := rootSpec(rootKey)
	spec.Extensions = append(spec.Extensions, pki.AuthorityKeyIdentifier{})
	_, err := pki.Build(spec, nil, rootKey)
	assert.ErrorIs(t, err, pki.ErrCertificateBuild)
}

func TestBuild_CertificatePolicies(t *testing.T) {
	rootKey, _ := testKeys(t)

	spec := rootSpec(rootKey)
	spec.Extensions = append(spec.Extensions, pki.CertificatePolicies{
		PolicyOID: asn1.ObjectIdentifier{2, 16, 76, 1, 2, 1, 1},
		CPSURI:    "http://veridoc.example/cps",
	})
	res, err := pki.Build(spec, nil, rootKey)
	require.NoError(t, err)

	cert, err := pki.ParseCertificatePEM(res.CertificatePEM)
	require.NoError(t, err)
	require.Len(t, cert.PolicyIdentifiers, 1)
	assert.True(t, cert.PolicyIdentifiers[0].Equal(asn1.ObjectIdentifier{2, 16, 76, 1, 2, 1, 1}))
}

func TestNewSerialNumber(t *testing.T) {
	a, err := pki.NewSerialNumber()
	require.NoError(t, err)
	b, err := pki.NewSerialNumber()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, 16, len(a.Bytes()))
	assert.Equal(t, "5644", hex.EncodeToString(a.Bytes())[:4])
}

func TestParseCertificatePEM_Invalid(t *testing.T) {
	_, err := pki.ParseCertificatePEM("not a certificate")
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)

	_, err = pki.ParseCertificatePEM("-----BEGIN CERTIFICATE-----\nQUJD\n-----END CERTIFICATE-----\n")
	assert.ErrorIs(t, err, pki.ErrInvalidPEM)
}

func TestPersonalOtherNames(t *testing.T) {
	names, err := pki.PersonalOtherNames("11122233344", time.Date(1985, 12, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, names, 1)

	assert.True(t, names[0].OID.Equal(pki.OIDPersonalData))
	assert.Equal(t, "01121985"+"11122233344"+strings.Repeat("0", 26), names[0].Value)

	_, err = pki.PersonalOtherNames("123", time.Now())
	assert.Error(t, err)
	_, err = pki.PersonalOtherNames("1112223334a", time.Now())
	assert.Error(t, err)
	_, err = pki.PersonalOtherNames("11122233344", time.Time{})
	assert.Error(t, err)
}

func TestSubjectString(t *testing.T) {
	rootKey, _ := testKeys(t)
	root := buildRoot(t, rootKey)

	s := pki.SubjectString(root.Subject)
	assert.Equal(t, "CN=Veridoc Root CA, O=Veridoc, C=BR", s)
}
