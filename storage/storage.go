// Package storage provides the persistence abstraction for certificate and
// signature records. Implementations must enforce the two issuance
// invariants at the store level: at most one active root CA row, and at most
// one valid certificate per client.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a create would violate a uniqueness
	// constraint (duplicate ID or serial number).
	ErrConflict = errors.New("record conflict")

	// ErrRootExists is returned by CreateRoot when an active, unexpired root
	// already exists. The winning root accompanies the error so the loser of
	// a bootstrap race can adopt it.
	ErrRootExists = errors.New("active root certificate already exists")

	// ErrCASFailed is returned when an Update version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Certificate is the persisted form of an issued certificate, root or leaf.
// Records are never deleted; revocation and replacement flip IsValid.
type Certificate struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	SerialNumber   string    `json:"serial_number"`
	PublicKeyPEM   string    `json:"public_key_pem"`
	PrivateKeyPEM  string    `json:"private_key_pem"`
	CertificatePEM string    `json:"certificate_pem"`
	Issuer         string    `json:"issuer"`
	ClientID       string    `json:"client_id,omitempty"` // empty for the root CA
	IsCA           bool      `json:"is_ca"`
	IsValid        bool      `json:"is_valid"`
	IssuedAt       time.Time `json:"issued_at"`
	ValidUntil     time.Time `json:"valid_until"`

	// Export audit trail. IsDownloaded records that a PKCS#12 export
	// happened; it does not gate further exports.
	IsDownloaded       bool      `json:"is_downloaded"`
	ExportedAt         time.Time `json:"exported_at,omitzero"`
	ExportPasswordHash []byte    `json:"export_password_hash,omitempty"`
	ExportPasswordSalt []byte    `json:"export_password_salt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic concurrency token. Update succeeds only when
	// the stored version matches and increments it.
	Version uint64 `json:"version"`
}

// Expired reports whether the certificate's validity window has passed at t.
func (c *Certificate) Expired(t time.Time) bool {
	return t.After(c.ValidUntil)
}

// SignatureType distinguishes the two signature strengths.
type SignatureType string

const (
	// SignatureAdvanced is a content+timestamp hash attestation. It proves
	// that a signing event over exact document bytes was recorded at a
	// point in time; it involves no private key.
	SignatureAdvanced SignatureType = "advanced"

	// SignatureQualified is an RSA signature over the document digest made
	// with a client certificate's private key.
	SignatureQualified SignatureType = "qualified"
)

// Signature records a signing event. Immutable after creation.
type Signature struct {
	ID            string        `json:"id"`
	SignerID      string        `json:"signer_id"`
	DocumentID    string        `json:"document_id"`
	Type          SignatureType `json:"type"`
	CertificateID string        `json:"certificate_id,omitempty"` // qualified only
	SignatureData string        `json:"signature_data"`           // hex
	SignedAt      time.Time     `json:"signed_at"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CertificateStore persists certificate records.
type CertificateStore interface {
	// Create inserts a new record. Returns ErrConflict when the ID or serial
	// number is already taken.
	Create(ctx context.Context, cert *Certificate) error

	// CreateRoot atomically installs cert as the active root: any previous
	// root rows are invalidated and cert is inserted, unless an active
	// unexpired root already exists, in which case that row is returned
	// together with ErrRootExists.
	CreateRoot(ctx context.Context, cert *Certificate) (*Certificate, error)

	// IssueReplacing atomically invalidates every valid certificate of
	// clientID and inserts cert as the client's new valid certificate.
	// It returns the records that were invalidated.
	IssueReplacing(ctx context.Context, clientID string, cert *Certificate) ([]*Certificate, error)

	// Get returns the record with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (*Certificate, error)

	// Update writes cert back if the stored Version matches cert.Version,
	// then increments the version. Returns ErrCASFailed on mismatch.
	Update(ctx context.Context, cert *Certificate) error

	// List returns all records, newest first.
	List(ctx context.Context) ([]*Certificate, error)

	// ListByClient returns all of a client's records, newest first.
	ListByClient(ctx context.Context, clientID string) ([]*Certificate, error)

	// ValidByClient returns the client's currently valid records. Under the
	// store invariant the result has at most one element, but the slice form
	// lets callers detect and repair violations.
	ValidByClient(ctx context.Context, clientID string) ([]*Certificate, error)

	// ActiveRoot returns the valid root CA record or ErrNotFound.
	ActiveRoot(ctx context.Context) (*Certificate, error)
}

// SignatureStore persists signature records.
type SignatureStore interface {
	Create(ctx context.Context, sig *Signature) error
	Get(ctx context.Context, id string) (*Signature, error)
	List(ctx context.Context) ([]*Signature, error)
	ListByDocument(ctx context.Context, documentID string) ([]*Signature, error)
}
