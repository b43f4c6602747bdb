// Package documents stores the documents that signatures are made over. The
// content hash recorded at ingest pins the exact bytes a signature covers;
// VerifyIntegrity detects any drift between stored bytes and that hash.
package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrEmptyDocument is returned when ingest receives no bytes.
	ErrEmptyDocument = errors.New("document is empty")

	// ErrIntegrity is returned when stored bytes no longer match the hash
	// recorded at ingest.
	ErrIntegrity = errors.New("document bytes do not match recorded hash")
)

// Document is the stored metadata of an ingested document.
type Document struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	ContentHash string    `json:"content_hash"` // hex SHA-256 of the bytes
	IsSigned    bool      `json:"is_signed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is the document persistence contract. Both implementations in this
// package satisfy it, and it covers the DocumentSource needs of the signing
// engine.
type Store interface {
	Ingest(ctx context.Context, name, contentType string, data []byte) (*Document, error)
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context) ([]*Document, error)
	ReadBytes(ctx context.Context, id string) ([]byte, error)
	MarkSigned(ctx context.Context, id string) error
	VerifyIntegrity(ctx context.Context, id string) error
}

// hashBytes returns the canonical content hash.
func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
