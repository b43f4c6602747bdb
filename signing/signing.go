// Package signing produces and verifies document signatures. Two strengths
// are supported: advanced signatures hash the document bytes together with a
// signing timestamp, proving a recorded signing event; qualified signatures
// are RSA signatures made with a client certificate's private key and carry
// the full weight of the certificate chain.
package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/veridoc/veridoc/ca"
	"github.com/veridoc/veridoc/internal/uuid"
	"github.com/veridoc/veridoc/keys"
	"github.com/veridoc/veridoc/storage"
)

var (
	// ErrOwnershipMismatch is returned when a qualified signature is
	// requested with a certificate the signer does not own.
	ErrOwnershipMismatch = errors.New("certificate does not belong to signer")

	// ErrCertificateInvalid is returned when the signing certificate fails
	// verification.
	ErrCertificateInvalid = errors.New("certificate is not valid for signing")

	// ErrSigning is returned when the signature itself cannot be produced.
	ErrSigning = errors.New("signing failed")
)

// timestampLayout fixes the serialization of the signing timestamp that is
// hashed into advanced signatures. Changing it would break verification of
// existing signatures.
const timestampLayout = time.RFC3339

// DocumentSource supplies document bytes and records signing events on them.
// *documents.Store satisfies it.
type DocumentSource interface {
	ReadBytes(ctx context.Context, documentID string) ([]byte, error)
	MarkSigned(ctx context.Context, documentID string) error
}

// VerifyResult is the outcome of verifying a stored signature.
type VerifyResult struct {
	IsValid bool   `json:"is_valid"`
	Reason  string `json:"reason,omitempty"`
}

// Engine signs documents and verifies stored signatures.
type Engine struct {
	docs     DocumentSource
	certs    storage.CertificateStore
	sigs     storage.SignatureStore
	verifier *ca.Verifier
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns a signing Engine.
func NewEngine(docs DocumentSource, certs storage.CertificateStore, sigs storage.SignatureStore, verifier *ca.Verifier, opts ...EngineOption) *Engine {
	e := &Engine{
		docs:     docs,
		certs:    certs,
		sigs:     sigs,
		verifier: verifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SignAdvanced records an advanced signature: the hex SHA-256 of the document
// bytes concatenated with the signing timestamp. No key material is involved;
// the record attests that signerID signed these exact bytes at this instant.
func (e *Engine) SignAdvanced(ctx context.Context, documentID, signerID string) (*storage.Signature, error) {
	docBytes, err := e.docs.ReadBytes(ctx, documentID)
	if err != nil {
		return nil, err
	}

	signedAt := e.now().UTC().Truncate(time.Second)
	sig := &storage.Signature{
		ID:            uuid.New(),
		SignerID:      signerID,
		DocumentID:    documentID,
		Type:          storage.SignatureAdvanced,
		SignatureData: advancedDigest(docBytes, signedAt),
		SignedAt:      signedAt,
	}
	if err := e.sigs.Create(ctx, sig); err != nil {
		return nil, fmt.Errorf("storing signature: %w", err)
	}
	if err := e.docs.MarkSigned(ctx, documentID); err != nil {
		return nil, err
	}
	return sig, nil
}

// SignQualified signs the document digest with the private key of the
// signer's certificate. The certificate must belong to signerID and must
// verify as valid at signing time.
func (e *Engine) SignQualified(ctx context.Context, documentID, signerID, certificateID string) (*storage.Signature, error) {
	rec, err := e.certs.Get(ctx, certificateID)
	if err != nil {
		return nil, err
	}
	if rec.ClientID == "" || rec.ClientID != signerID {
		return nil, fmt.Errorf("%w: certificate %s", ErrOwnershipMismatch, certificateID)
	}

	verdict, err := e.verifier.Verify(ctx, certificateID)
	if err != nil {
		return nil, err
	}
	if !verdict.IsValid {
		return nil, fmt.Errorf("%w: %s", ErrCertificateInvalid, verdict.Status)
	}

	docBytes, err := e.docs.ReadBytes(ctx, documentID)
	if err != nil {
		return nil, err
	}

	key, err := keys.ParsePrivateKeyPEM(rec.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	digest := sha256.Sum256(docBytes)
	raw, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	sig := &storage.Signature{
		ID:            uuid.New(),
		SignerID:      signerID,
		DocumentID:    documentID,
		Type:          storage.SignatureQualified,
		CertificateID: certificateID,
		SignatureData: hex.EncodeToString(raw),
		SignedAt:      e.now().UTC(),
	}
	if err := e.sigs.Create(ctx, sig); err != nil {
		return nil, fmt.Errorf("storing signature: %w", err)
	}
	if err := e.docs.MarkSigned(ctx, documentID); err != nil {
		return nil, err
	}
	return sig, nil
}

// VerifySignature re-checks a stored signature against the document's current
// bytes. A verdict is returned even for failing signatures; an error means
// the check itself could not run.
func (e *Engine) VerifySignature(ctx context.Context, signatureID string) (*VerifyResult, error) {
	sig, err := e.sigs.Get(ctx, signatureID)
	if err != nil {
		return nil, err
	}
	docBytes, err := e.docs.ReadBytes(ctx, sig.DocumentID)
	if err != nil {
		return nil, err
	}

	switch sig.Type {
	case storage.SignatureAdvanced:
		return e.verifyAdvanced(sig, docBytes), nil
	case storage.SignatureQualified:
		return e.verifyQualified(ctx, sig, docBytes)
	default:
		return nil, fmt.Errorf("unknown signature type %q", sig.Type)
	}
}

func (e *Engine) verifyAdvanced(sig *storage.Signature, docBytes []byte) *VerifyResult {
	want := advancedDigest(docBytes, sig.SignedAt)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig.SignatureData)) != 1 {
		return &VerifyResult{Reason: "digest mismatch: document bytes differ from the signed content"}
	}
	return &VerifyResult{IsValid: true}
}

func (e *Engine) verifyQualified(ctx context.Context, sig *storage.Signature, docBytes []byte) (*VerifyResult, error) {
	rec, err := e.certs.Get(ctx, sig.CertificateID)
	if err != nil {
		return nil, err
	}

	verdict, err := e.verifier.Verify(ctx, sig.CertificateID)
	if err != nil {
		return nil, err
	}
	if !verdict.IsValid {
		return &VerifyResult{Reason: "certificate is " + verdict.Status}, nil
	}

	pub, err := keys.ParsePublicKeyPEM(rec.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate public key: %w", err)
	}
	raw, err := hex.DecodeString(sig.SignatureData)
	if err != nil {
		return &VerifyResult{Reason: "signature data is not valid hex"}, nil
	}
	digest := sha256.Sum256(docBytes)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], raw); err != nil {
		return &VerifyResult{Reason: "signature does not verify against the document"}, nil
	}
	return &VerifyResult{IsValid: true}, nil
}

// advancedDigest hashes the document bytes followed by the canonical
// timestamp serialization.
func advancedDigest(docBytes []byte, signedAt time.Time) string {
	h := sha256.New()
	h.Write(docBytes)
	h.Write([]byte(signedAt.UTC().Format(timestampLayout)))
	return hex.EncodeToString(h.Sum(nil))
}
