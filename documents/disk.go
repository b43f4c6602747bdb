package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veridoc/veridoc/internal/uuid"
)

// DiskStore persists each document as a bytes file plus a JSON metadata
// sidecar under one directory. A mutex serializes metadata writes; document
// bytes are immutable after ingest.
type DiskStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*DiskStore)(nil)

// NewDiskStore returns a DiskStore rooted at dir, creating it if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating document directory: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) bytesPath(id string) string {
	return filepath.Join(s.dir, id+".bin")
}

func (s *DiskStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *DiskStore) Ingest(_ context.Context, name, contentType string, data []byte) (*Document, error) {
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
	if err := os.WriteFile(s.bytesPath(doc.ID), data, 0o600); err != nil {
		return nil, fmt.Errorf("writing document bytes: %w", err)
	}
	if err := s.writeMeta(doc); err != nil {
		os.Remove(s.bytesPath(doc.ID))
		return nil, err
	}
	return doc, nil
}

// writeMeta writes the sidecar via rename so readers never see a torn file.
func (s *DiskStore) writeMeta(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding document metadata: %w", err)
	}
	tmp := s.metaPath(doc.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing document metadata: %w", err)
	}
	if err := os.Rename(tmp, s.metaPath(doc.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing document metadata: %w", err)
	}
	return nil
}

func (s *DiskStore) readMeta(id string) (*Document, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading document metadata: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document metadata: %w", err)
	}
	return &doc, nil
}

func (s *DiskStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMeta(id)
}

func (s *DiskStore) List(_ context.Context) ([]*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing document directory: %w", err)
	}
	var out []*Document
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		doc, err := s.readMeta(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *DiskStore) ReadBytes(_ context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(s.bytesPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading document bytes: %w", err)
	}
	return data, nil
}

func (s *DiskStore) MarkSigned(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readMeta(id)
	if err != nil {
		return err
	}
	doc.IsSigned = true
	doc.UpdatedAt = time.Now().UTC()
	return s.writeMeta(doc)
}

func (s *DiskStore) VerifyIntegrity(ctx context.Context, id string) error {
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
