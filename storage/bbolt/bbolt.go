// Package bbolt provides BBolt-backed implementations of the storage
// interfaces. Invariant-sensitive operations run inside a single BBolt
// update transaction, which serialises writers.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/veridoc/veridoc/storage"
)

var (
	bucketCertificates = []byte("certificates")
	bucketSerials      = []byte("cert_serials")
	bucketSignatures   = []byte("signatures")
)

// Store implements storage.CertificateStore backed by a BBolt database.
// Signature records live in the same database behind Signatures().
type Store struct {
	db *bbolt.DB
}

var _ storage.CertificateStore = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCertificates, bucketSerials, bucketSignatures} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func putCert(tx *bbolt.Tx, cert *storage.Certificate) error {
	data, err := json.Marshal(cert)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketCertificates).Put([]byte(cert.ID), data)
}

func getCert(tx *bbolt.Tx, id string) (*storage.Certificate, error) {
	data := tx.Bucket(bucketCertificates).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("certificate/%s: %w", id, storage.ErrNotFound)
	}
	var cert storage.Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

func createCertInTx(tx *bbolt.Tx, cert *storage.Certificate) error {
	certs := tx.Bucket(bucketCertificates)
	serials := tx.Bucket(bucketSerials)
	if certs.Get([]byte(cert.ID)) != nil {
		return storage.ErrConflict
	}
	if serials.Get([]byte(cert.SerialNumber)) != nil {
		return storage.ErrConflict
	}
	now := time.Now().UTC()
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = now
	}
	cert.UpdatedAt = now
	cert.Version = 1
	if err := putCert(tx, cert); err != nil {
		return err
	}
	return serials.Put([]byte(cert.SerialNumber), []byte(cert.ID))
}

// forEachCert iterates all certificate records within tx.
func forEachCert(tx *bbolt.Tx, fn func(cert *storage.Certificate) error) error {
	return tx.Bucket(bucketCertificates).ForEach(func(_, v []byte) error {
		var cert storage.Certificate
		if err := json.Unmarshal(v, &cert); err != nil {
			return err
		}
		return fn(&cert)
	})
}

func (s *Store) Create(ctx context.Context, cert *storage.Certificate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return createCertInTx(tx, cert)
	})
}

func (s *Store) CreateRoot(ctx context.Context, cert *storage.Certificate) (*storage.Certificate, error) {
	var winner *storage.Certificate
	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := time.Now().UTC()
		var expiredRoots []*storage.Certificate
		err := forEachCert(tx, func(existing *storage.Certificate) error {
			if !existing.IsCA || !existing.IsValid {
				return nil
			}
			if !existing.Expired(now) {
				winner = existing
				return nil
			}
			expiredRoots = append(expiredRoots, existing)
			return nil
		})
		if err != nil {
			return err
		}
		if winner != nil {
			return storage.ErrRootExists
		}
		for _, old := range expiredRoots {
			old.IsValid = false
			old.UpdatedAt = now
			old.Version++
			if err := putCert(tx, old); err != nil {
				return err
			}
		}
		if err := createCertInTx(tx, cert); err != nil {
			return err
		}
		winner = cert
		return nil
	})
	if err != nil {
		return winner, err
	}
	return winner, nil
}

func (s *Store) IssueReplacing(ctx context.Context, clientID string, cert *storage.Certificate) ([]*storage.Certificate, error) {
	var invalidated []*storage.Certificate
	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := time.Now().UTC()
		var stale []*storage.Certificate
		err := forEachCert(tx, func(existing *storage.Certificate) error {
			if existing.ClientID == clientID && existing.IsValid && !existing.IsCA {
				stale = append(stale, existing)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, old := range stale {
			old.IsValid = false
			old.UpdatedAt = now
			old.Version++
			if err := putCert(tx, old); err != nil {
				return err
			}
			invalidated = append(invalidated, old)
		}
		return createCertInTx(tx, cert)
	})
	if err != nil {
		return nil, err
	}
	return invalidated, nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Certificate, error) {
	var cert *storage.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		cert, err = getCert(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func (s *Store) Update(ctx context.Context, cert *storage.Certificate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getCert(tx, cert.ID)
		if err != nil {
			return err
		}
		if existing.Version != cert.Version {
			return storage.ErrCASFailed
		}
		cert.Version++
		cert.UpdatedAt = time.Now().UTC()
		return putCert(tx, cert)
	})
}

func (s *Store) List(ctx context.Context) ([]*storage.Certificate, error) {
	return s.selectCerts(func(*storage.Certificate) bool { return true })
}

func (s *Store) ListByClient(ctx context.Context, clientID string) ([]*storage.Certificate, error) {
	return s.selectCerts(func(c *storage.Certificate) bool { return c.ClientID == clientID })
}

func (s *Store) ValidByClient(ctx context.Context, clientID string) ([]*storage.Certificate, error) {
	return s.selectCerts(func(c *storage.Certificate) bool {
		return c.ClientID == clientID && c.IsValid && !c.IsCA
	})
}

func (s *Store) ActiveRoot(ctx context.Context) (*storage.Certificate, error) {
	roots, err := s.selectCerts(func(c *storage.Certificate) bool { return c.IsCA && c.IsValid })
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, storage.ErrNotFound
	}
	return roots[0], nil
}

func (s *Store) selectCerts(match func(*storage.Certificate) bool) ([]*storage.Certificate, error) {
	var out []*storage.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachCert(tx, func(cert *storage.Certificate) error {
			if match(cert) {
				out = append(out, cert)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(certs []*storage.Certificate) {
	sort.Slice(certs, func(i, j int) bool {
		return certs[i].IssuedAt.After(certs[j].IssuedAt)
	})
}

// ---------------------------------------------------------------------------
// SignatureStore
// ---------------------------------------------------------------------------

// SignatureStore implements storage.SignatureStore over the same database.
type SignatureStore struct {
	db *bbolt.DB
}

var _ storage.SignatureStore = (*SignatureStore)(nil)

// Signatures returns the signature store view of this database.
func (s *Store) Signatures() *SignatureStore {
	return &SignatureStore{db: s.db}
}

func (s *SignatureStore) Create(ctx context.Context, sig *storage.Signature) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSignatures)
		if b.Get([]byte(sig.ID)) != nil {
			return storage.ErrConflict
		}
		now := time.Now().UTC()
		if sig.CreatedAt.IsZero() {
			sig.CreatedAt = now
		}
		sig.UpdatedAt = now
		data, err := json.Marshal(sig)
		if err != nil {
			return err
		}
		return b.Put([]byte(sig.ID), data)
	})
}

func (s *SignatureStore) Get(ctx context.Context, id string) (*storage.Signature, error) {
	var sig storage.Signature
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSignatures).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("signature/%s: %w", id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &sig)
	})
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

func (s *SignatureStore) List(ctx context.Context) ([]*storage.Signature, error) {
	return s.selectSignatures(func(*storage.Signature) bool { return true })
}

func (s *SignatureStore) ListByDocument(ctx context.Context, documentID string) ([]*storage.Signature, error) {
	return s.selectSignatures(func(sig *storage.Signature) bool { return sig.DocumentID == documentID })
}

func (s *SignatureStore) selectSignatures(match func(*storage.Signature) bool) ([]*storage.Signature, error) {
	var out []*storage.Signature
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSignatures).ForEach(func(_, v []byte) error {
			var sig storage.Signature
			if err := json.Unmarshal(v, &sig); err != nil {
				return err
			}
			if match(&sig) {
				out = append(out, &sig)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
