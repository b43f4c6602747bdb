package ca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veridoc/veridoc/pki"
	"github.com/veridoc/veridoc/storage"
)

// Verification statuses. Ledger state and the clock decide first; the
// cryptographic chain is only checked for otherwise-valid certificates. A
// certificate past its validity window always reports expired, whether or
// not its stored flag has been flipped yet.
const (
	StatusValid            = "valid"
	StatusRevoked          = "revoked"
	StatusExpired          = "expired"
	StatusInvalidSignature = "invalid_signature"
)

// VerificationResult is the outcome of verifying a stored certificate.
type VerificationResult struct {
	IsValid      bool      `json:"is_valid"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	IssuedAt     time.Time `json:"issued_at"`
	ValidUntil   time.Time `json:"valid_until"`
}

// Verifier checks stored certificates against the ledger, the clock, and the
// active root's signature.
type Verifier struct {
	store  storage.CertificateStore
	ledger *Ledger
	now    func() time.Time
}

// NewVerifier returns a Verifier. The ledger is used to persist lazy expiry
// transitions discovered during verification.
func NewVerifier(store storage.CertificateStore, ledger *Ledger, opts ...VerifierOption) *Verifier {
	v := &Verifier{store: store, ledger: ledger, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the time source.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// Verify checks the certificate identified by certID. A certificate found to
// be past its validity window is invalidated in the store as a side effect,
// so a later ledger read agrees with the verdict.
func (v *Verifier) Verify(ctx context.Context, certID string) (*VerificationResult, error) {
	rec, err := v.store.Get(ctx, certID)
	if err != nil {
		return nil, err
	}

	result := &VerificationResult{
		Subject:      rec.Subject,
		Issuer:       rec.Issuer,
		SerialNumber: rec.SerialNumber,
		IssuedAt:     rec.IssuedAt,
		ValidUntil:   rec.ValidUntil,
	}

	if !rec.IsValid {
		// An invalidated certificate that is also past its window reports
		// expiry, so repeated verifications of a lazily-expired certificate
		// give the same answer.
		if rec.Expired(v.now()) {
			result.Status = StatusExpired
			result.Reason = "certificate validity window has passed"
		} else {
			result.Status = StatusRevoked
			result.Reason = "certificate has been invalidated"
		}
		return result, nil
	}

	if rec.Expired(v.now()) {
		if _, err := v.ledger.Invalidate(ctx, rec.ID); err != nil {
			return nil, fmt.Errorf("recording expiry: %w", err)
		}
		result.Status = StatusExpired
		result.Reason = "certificate validity window has passed"
		return result, nil
	}

	if err := v.checkChain(ctx, rec); err != nil {
		result.Status = StatusInvalidSignature
		result.Reason = err.Error()
		return result, nil
	}

	result.IsValid = true
	result.Status = StatusValid
	return result, nil
}

func (v *Verifier) checkChain(ctx context.Context, rec *storage.Certificate) error {
	cert, err := pki.ParseCertificatePEM(rec.CertificatePEM)
	if err != nil {
		return fmt.Errorf("certificate does not parse: %v", err)
	}

	if rec.IsCA {
		if err := cert.CheckSignatureFrom(cert); err != nil {
			return fmt.Errorf("root signature does not verify: %v", err)
		}
		return nil
	}

	root, err := v.store.ActiveRoot(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no active root to verify against")
		}
		return err
	}
	rootCert, err := pki.ParseCertificatePEM(root.CertificatePEM)
	if err != nil {
		return fmt.Errorf("root certificate does not parse: %v", err)
	}
	if err := cert.CheckSignatureFrom(rootCert); err != nil {
		return fmt.Errorf("signature does not chain to the active root: %v", err)
	}
	return nil
}
