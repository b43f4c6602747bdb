// Package memory provides thread-safe in-memory implementations of the
// storage interfaces. Suitable for testing, demos, and single-process use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veridoc/veridoc/storage"
)

// CertificateStore is an in-memory storage.CertificateStore.
type CertificateStore struct {
	mu      sync.RWMutex
	certs   map[string]*storage.Certificate
	serials map[string]string // serial number -> certificate ID
}

var _ storage.CertificateStore = (*CertificateStore)(nil)

// NewCertificateStore returns an empty in-memory certificate store.
func NewCertificateStore() *CertificateStore {
	return &CertificateStore{
		certs:   make(map[string]*storage.Certificate),
		serials: make(map[string]string),
	}
}

func cloneCert(c *storage.Certificate) *storage.Certificate {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ExportPasswordHash = append([]byte(nil), c.ExportPasswordHash...)
	cp.ExportPasswordSalt = append([]byte(nil), c.ExportPasswordSalt...)
	return &cp
}

func (s *CertificateStore) createLocked(cert *storage.Certificate) error {
	if _, ok := s.certs[cert.ID]; ok {
		return storage.ErrConflict
	}
	if _, ok := s.serials[cert.SerialNumber]; ok {
		return storage.ErrConflict
	}
	now := time.Now().UTC()
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = now
	}
	cert.UpdatedAt = now
	cert.Version = 1
	s.certs[cert.ID] = cloneCert(cert)
	s.serials[cert.SerialNumber] = cert.ID
	return nil
}

func (s *CertificateStore) Create(ctx context.Context, cert *storage.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(cert)
}

func (s *CertificateStore) CreateRoot(ctx context.Context, cert *storage.Certificate) (*storage.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, existing := range s.certs {
		if !existing.IsCA || !existing.IsValid {
			continue
		}
		if !existing.Expired(now) {
			return cloneCert(existing), storage.ErrRootExists
		}
		existing.IsValid = false
		existing.UpdatedAt = now
		existing.Version++
	}

	if err := s.createLocked(cert); err != nil {
		return nil, err
	}
	return cloneCert(cert), nil
}

func (s *CertificateStore) IssueReplacing(ctx context.Context, clientID string, cert *storage.Certificate) ([]*storage.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var invalidated []*storage.Certificate
	for _, existing := range s.certs {
		if existing.ClientID != clientID || !existing.IsValid || existing.IsCA {
			continue
		}
		existing.IsValid = false
		existing.UpdatedAt = now
		existing.Version++
		invalidated = append(invalidated, cloneCert(existing))
	}

	if err := s.createLocked(cert); err != nil {
		return nil, err
	}
	return invalidated, nil
}

func (s *CertificateStore) Get(ctx context.Context, id string) (*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCert(cert), nil
}

func (s *CertificateStore) Update(ctx context.Context, cert *storage.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.certs[cert.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Version != cert.Version {
		return storage.ErrCASFailed
	}
	cert.Version++
	cert.UpdatedAt = time.Now().UTC()
	s.certs[cert.ID] = cloneCert(cert)
	return nil
}

func (s *CertificateStore) List(ctx context.Context) ([]*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Certificate, 0, len(s.certs))
	for _, c := range s.certs {
		out = append(out, cloneCert(c))
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *CertificateStore) ListByClient(ctx context.Context, clientID string) ([]*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Certificate
	for _, c := range s.certs {
		if c.ClientID == clientID {
			out = append(out, cloneCert(c))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *CertificateStore) ValidByClient(ctx context.Context, clientID string) ([]*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Certificate
	for _, c := range s.certs {
		if c.ClientID == clientID && c.IsValid && !c.IsCA {
			out = append(out, cloneCert(c))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *CertificateStore) ActiveRoot(ctx context.Context) (*storage.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.certs {
		if c.IsCA && c.IsValid {
			return cloneCert(c), nil
		}
	}
	return nil, storage.ErrNotFound
}

func sortNewestFirst(certs []*storage.Certificate) {
	sort.Slice(certs, func(i, j int) bool {
		if certs[i].IssuedAt.Equal(certs[j].IssuedAt) {
			return certs[i].ID < certs[j].ID
		}
		return certs[i].IssuedAt.After(certs[j].IssuedAt)
	})
}

// SignatureStore is an in-memory storage.SignatureStore.
type SignatureStore struct {
	mu   sync.RWMutex
	sigs map[string]*storage.Signature
}

var _ storage.SignatureStore = (*SignatureStore)(nil)

// NewSignatureStore returns an empty in-memory signature store.
func NewSignatureStore() *SignatureStore {
	return &SignatureStore{sigs: make(map[string]*storage.Signature)}
}

func cloneSig(s *storage.Signature) *storage.Signature {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func (s *SignatureStore) Create(ctx context.Context, sig *storage.Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sigs[sig.ID]; ok {
		return storage.ErrConflict
	}
	now := time.Now().UTC()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	sig.UpdatedAt = now
	s.sigs[sig.ID] = cloneSig(sig)
	return nil
}

func (s *SignatureStore) Get(ctx context.Context, id string) (*storage.Signature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.sigs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneSig(sig), nil
}

func (s *SignatureStore) List(ctx context.Context) ([]*storage.Signature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Signature, 0, len(s.sigs))
	for _, sig := range s.sigs {
		out = append(out, cloneSig(sig))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignedAt.After(out[j].SignedAt) })
	return out, nil
}

func (s *SignatureStore) ListByDocument(ctx context.Context, documentID string) ([]*storage.Signature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Signature
	for _, sig := range s.sigs {
		if sig.DocumentID == documentID {
			out = append(out, cloneSig(sig))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignedAt.After(out[j].SignedAt) })
	return out, nil
}
