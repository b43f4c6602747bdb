// Package ca implements the certificate authority: root lifecycle, client
// certificate issuance, the validity ledger, and chain verification. The
// certificate store is the single source of truth for the active root; the
// authority never caches it across calls, so concurrent processes converge on
// whichever root won the store's uniqueness check.
package ca

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veridoc/veridoc/internal/uuid"
	"github.com/veridoc/veridoc/keys"
	"github.com/veridoc/veridoc/pki"
	"github.com/veridoc/veridoc/storage"
)

var (
	// ErrClientNotFound is returned when issuance is requested for an
	// unknown legal ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrRootUnavailable is returned when no root certificate exists and
	// one could not be created.
	ErrRootUnavailable = errors.New("root certificate unavailable")
)

// Default validity windows and root naming.
const (
	rootValidityYears   = 10
	defaultLeafValidity = 365 * 24 * time.Hour

	rootCommonName = "Autoridade Certificadora Raiz Veridoc"
	organization   = "Veridoc"
	country        = "BR"
)

// documentSigningPolicyOID identifies the issuance policy asserted on client
// certificates.
var documentSigningPolicyOID = asn1.ObjectIdentifier{2, 16, 76, 1, 2, 1, 1}

// ClientSummary is the slice of client identity the authority needs to bind
// into a certificate.
type ClientSummary struct {
	ID        string
	LegalID   string // normalized CPF, digits only
	Email     string
	Name      string
	BirthDate time.Time
}

// ClientDirectory resolves clients by legal ID and records whether a client
// currently holds a valid certificate.
type ClientDirectory interface {
	FindByLegalID(ctx context.Context, legalID string) (*ClientSummary, error)
	SetCertificateStatus(ctx context.Context, clientID string, hasValid bool) error
}

// Authority issues certificates against a store-backed root.
type Authority struct {
	store     storage.CertificateStore
	directory ClientDirectory
	generator *keys.Generator

	now          func() time.Time
	leafValidity time.Duration
	cpsURI       string
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock overrides the time source. Tests use this to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithLeafValidity overrides the client certificate lifetime.
func WithLeafValidity(d time.Duration) Option {
	return func(a *Authority) { a.leafValidity = d }
}

// WithCPSURI sets the certification practice statement URL asserted in the
// policies extension of client certificates.
func WithCPSURI(uri string) Option {
	return func(a *Authority) { a.cpsURI = uri }
}

// IssueOption configures a single issuance.
type IssueOption func(*issueSettings)

type issueSettings struct {
	validity time.Duration
}

// WithValidity overrides the certificate lifetime for one issuance only.
func WithValidity(d time.Duration) IssueOption {
	return func(s *issueSettings) { s.validity = d }
}

// New returns an Authority backed by the given store and client directory.
func New(store storage.CertificateStore, directory ClientDirectory, generator *keys.Generator, opts ...Option) *Authority {
	a := &Authority{
		store:        store,
		directory:    directory,
		generator:    generator,
		now:          time.Now,
		leafValidity: defaultLeafValidity,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EnsureRoot returns the active root certificate, creating one when none
// exists or the existing one has expired. Safe under concurrent callers: the
// store admits exactly one active root, and losers of the creation race adopt
// the winner.
func (a *Authority) EnsureRoot(ctx context.Context) (*storage.Certificate, error) {
	now := a.now()

	root, err := a.store.ActiveRoot(ctx)
	switch {
	case err == nil:
		if !root.Expired(now) {
			return root, nil
		}
		// Retire the expired root before minting a successor. A CAS miss
		// means another process got there first; creation below adopts
		// whatever root wins.
		root.IsValid = false
		if err := a.store.Update(ctx, root); err != nil && !errors.Is(err, storage.ErrCASFailed) {
			return nil, fmt.Errorf("%w: retiring expired root: %v", ErrRootUnavailable, err)
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrRootUnavailable, err)
	}

	rec, err := a.buildRoot(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootUnavailable, err)
	}

	winner, err := a.store.CreateRoot(ctx, rec)
	if err != nil && !errors.Is(err, storage.ErrRootExists) {
		return nil, fmt.Errorf("%w: %v", ErrRootUnavailable, err)
	}
	return winner, nil
}

func (a *Authority) buildRoot(ctx context.Context, now time.Time) (*storage.Certificate, error) {
	pair, err := a.generator.Generate(ctx, keys.RootKeyBits)
	if err != nil {
		return nil, err
	}

	subject := pki.SubjectAttributes{
		CommonName:   rootCommonName,
		Country:      country,
		Organization: organization,
	}
	validUntil := now.AddDate(rootValidityYears, 0, 0)

	res, err := pki.Build(pki.CertSpec{
		Subject:   subject,
		PublicKey: &pair.Private.PublicKey,
		NotBefore: now,
		NotAfter:  validUntil,
		Extensions: []pki.Extension{
			pki.BasicConstraints{CA: true},
			pki.KeyUsage{Usage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature},
			pki.SubjectKeyIdentifier{},
		},
	}, nil, pair.Private)
	if err != nil {
		return nil, err
	}

	subjectDN := pki.SubjectString(subject.Name())
	return &storage.Certificate{
		ID:             uuid.New(),
		Subject:        subjectDN,
		SerialNumber:   res.SerialNumber,
		PublicKeyPEM:   pair.PublicKeyPEM,
		PrivateKeyPEM:  pair.PrivateKeyPEM,
		CertificatePEM: res.CertificatePEM,
		Issuer:         subjectDN,
		IsCA:           true,
		IsValid:        true,
		IssuedAt:       now,
		ValidUntil:     validUntil,
	}, nil
}

// IssueClientCertificate issues a certificate for the client identified by
// legalID. Any previously valid certificate for the client is invalidated in
// the same store operation, so the client holds at most one valid certificate
// at any instant.
func (a *Authority) IssueClientCertificate(ctx context.Context, legalID string, opts ...IssueOption) (*storage.Certificate, error) {
	settings := issueSettings{validity: a.leafValidity}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.validity <= 0 {
		settings.validity = defaultLeafValidity
	}

	client, err := a.directory.FindByLegalID(ctx, legalID)
	switch {
	case err == nil:
	case errors.Is(err, ErrClientNotFound), errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: legal ID %s", ErrClientNotFound, legalID)
	default:
		return nil, fmt.Errorf("resolving client %s: %w", legalID, err)
	}

	root, err := a.EnsureRoot(ctx)
	if err != nil {
		return nil, err
	}
	rootCert, err := pki.ParseCertificatePEM(root.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("parsing root certificate: %w", err)
	}
	rootKey, err := keys.ParsePrivateKeyPEM(root.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing root key: %w", err)
	}

	pair, err := a.generator.Generate(ctx, keys.ClientKeyBits)
	if err != nil {
		return nil, err
	}

	now := a.now()
	validUntil := now.Add(settings.validity)

	otherNames, err := pki.PersonalOtherNames(client.LegalID, client.BirthDate)
	if err != nil {
		return nil, fmt.Errorf("encoding holder identity: %w", err)
	}

	subject := pki.SubjectAttributes{
		CommonName:   clientCommonName(client),
		Country:      country,
		Organization: organization,
	}

	spec := pki.CertSpec{
		Subject:   subject,
		PublicKey: &pair.Private.PublicKey,
		NotBefore: now,
		NotAfter:  validUntil,
		Extensions: []pki.Extension{
			pki.BasicConstraints{CA: false},
			pki.KeyUsage{Usage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment},
			pki.ExtKeyUsage{Usages: []x509.ExtKeyUsage{
				x509.ExtKeyUsageClientAuth,
				x509.ExtKeyUsageEmailProtection,
				x509.ExtKeyUsageCodeSigning,
			}},
			pki.SubjectAltName{Emails: []string{client.Email}, OtherNames: otherNames},
			pki.SubjectKeyIdentifier{},
			pki.AuthorityKeyIdentifier{},
			pki.CertificatePolicies{PolicyOID: documentSigningPolicyOID, CPSURI: a.cpsURI},
		},
	}

	res, err := pki.Build(spec, rootCert, rootKey)
	if err != nil {
		return nil, err
	}

	rec := &storage.Certificate{
		ID:             uuid.New(),
		Subject:        pki.SubjectString(subject.Name()),
		SerialNumber:   res.SerialNumber,
		PublicKeyPEM:   pair.PublicKeyPEM,
		PrivateKeyPEM:  pair.PrivateKeyPEM,
		CertificatePEM: res.CertificatePEM,
		Issuer:         root.Subject,
		ClientID:       client.ID,
		IsValid:        true,
		IssuedAt:       now,
		ValidUntil:     validUntil,
	}

	if _, err := a.store.IssueReplacing(ctx, client.ID, rec); err != nil {
		return nil, fmt.Errorf("storing certificate: %w", err)
	}
	if err := a.directory.SetCertificateStatus(ctx, client.ID, true); err != nil {
		return nil, fmt.Errorf("updating client status: %w", err)
	}
	return rec, nil
}

// clientCommonName mirrors the CN convention of personal certificates:
// holder name, a colon, then the legal ID.
func clientCommonName(c *ClientSummary) string {
	return strings.ToUpper(c.Name) + ":" + c.LegalID
}
