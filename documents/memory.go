package documents

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veridoc/veridoc/internal/uuid"
)

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]*Document
	bytes map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]*Document),
		bytes: make(map[string][]byte),
	}
}

func cloneDoc(d *Document) *Document {
	cp := *d
	return &cp
}

func (s *MemoryStore) Ingest(_ context.Context, name, contentType string, data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDocument
	}

	now := time.Now().UTC()
	doc := &Document{
		ID:          uuid.New(),
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		ContentHash: hashBytes(data),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = cloneDoc(doc)
	s.bytes[doc.ID] = append([]byte(nil), data...)
	return doc, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, cloneDoc(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ReadBytes(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.bytes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) MarkSigned(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.IsSigned = true
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) VerifyIntegrity(ctx context.Context, id string) error {
	data, err := s.ReadBytes(ctx, id)
	if err != nil {
		return err
	}
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if hashBytes(data) != doc.ContentHash {
		return ErrIntegrity
	}
	return nil
}
