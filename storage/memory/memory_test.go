package memory_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/storage"
	"github.com/veridoc/veridoc/storage/memory"
)

func newCert(id, clientID string, isCA bool) *storage.Certificate {
	return &storage.Certificate{
		ID:             id,
		Subject:        "CN=" + id,
		SerialNumber:   "serial-" + id,
		CertificatePEM: "pem-" + id,
		ClientID:       clientID,
		IsCA:           isCA,
		IsValid:        true,
		IssuedAt:       time.Now(),
		ValidUntil:     time.Now().AddDate(1, 0, 0),
	}
}

func TestCreateAndGet(t *testing.T) {
	store := memory.NewCertificateStore()

	cert := newCert("c1", "client-1", false)
	require.NoError(t, store.Create(t.Context(), cert))
	assert.EqualValues(t, 1, cert.Version)

	got, err := store.Get(t.Context(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "CN=c1", got.Subject)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = store.Get(t.Context(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreate_Conflicts(t *testing.T) {
	store := memory.NewCertificateStore()
	require.NoError(t, store.Create(t.Context(), newCert("c1", "client-1", false)))

	t.Run("duplicate ID", func(t *testing.T) {
		dup := newCert("c1", "client-2", false)
		dup.SerialNumber = "other"
		assert.ErrorIs(t, store.Create(t.Context(), dup), storage.ErrConflict)
	})

	t.Run("duplicate serial", func(t *testing.T) {
		dup := newCert("c2", "client-2", false)
		dup.SerialNumber = "serial-c1"
		assert.ErrorIs(t, store.Create(t.Context(), dup), storage.ErrConflict)
	})
}

func TestCreateRoot(t *testing.T) {
	store := memory.NewCertificateStore()

	winner, err := store.CreateRoot(t.Context(), newCert("root-1", "", true))
	require.NoError(t, err)
	assert.Equal(t, "root-1", winner.ID)

	// Second root loses and adopts the winner.
	got, err := store.CreateRoot(t.Context(), newCert("root-2", "", true))
	assert.ErrorIs(t, err, storage.ErrRootExists)
	assert.Equal(t, "root-1", got.ID)

	active, err := store.ActiveRoot(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "root-1", active.ID)
}

func TestCreateRoot_ReplacesExpired(t *testing.T) {
	store := memory.NewCertificateStore()

	expired := newCert("root-old", "", true)
	expired.ValidUntil = time.Now().Add(-time.Hour)
	_, err := store.CreateRoot(t.Context(), expired)
	require.NoError(t, err)

	winner, err := store.CreateRoot(t.Context(), newCert("root-new", "", true))
	require.NoError(t, err)
	assert.Equal(t, "root-new", winner.ID)

	old, err := store.Get(t.Context(), "root-old")
	require.NoError(t, err)
	assert.False(t, old.IsValid)
}

func TestCreateRoot_Concurrent(t *testing.T) {
	store := memory.NewCertificateStore()

	const workers = 8
	winners := make([]string, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			winner, err := store.CreateRoot(t.Context(), newCert(fmt.Sprintf("root-%d", i), "", true))
			if err != nil && !errors.Is(err, storage.ErrRootExists) {
				return
			}
			winners[i] = winner.ID
		}()
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, winners[0], winners[i])
	}
}

func TestIssueReplacing(t *testing.T) {
	store := memory.NewCertificateStore()

	first := newCert("c1", "client-1", false)
	invalidated, err := store.IssueReplacing(t.Context(), "client-1", first)
	require.NoError(t, err)
	assert.Empty(t, invalidated)

	second := newCert("c2", "client-1", false)
	invalidated, err = store.IssueReplacing(t.Context(), "client-1", second)
	require.NoError(t, err)
	require.Len(t, invalidated, 1)
	assert.Equal(t, "c1", invalidated[0].ID)
	assert.False(t, invalidated[0].IsValid)

	valid, err := store.ValidByClient(t.Context(), "client-1")
	require.NoError(t, err)
	require.Len(t, valid, 1)
	assert.Equal(t, "c2", valid[0].ID)
}

func TestUpdate_CAS(t *testing.T) {
	store := memory.NewCertificateStore()
	cert := newCert("c1", "client-1", false)
	require.NoError(t, store.Create(t.Context(), cert))

	fresh, err := store.Get(t.Context(), "c1")
	require.NoError(t, err)

	fresh.IsValid = false
	require.NoError(t, store.Update(t.Context(), fresh))
	assert.EqualValues(t, 2, fresh.Version)

	// A writer holding the old version loses.
	stale, err := store.Get(t.Context(), "c1")
	require.NoError(t, err)
	stale.Version = 1
	assert.ErrorIs(t, store.Update(t.Context(), stale), storage.ErrCASFailed)

	missing := newCert("ghost", "", false)
	assert.ErrorIs(t, store.Update(t.Context(), missing), storage.ErrNotFound)
}

func TestListOrdering(t *testing.T) {
	store := memory.NewCertificateStore()

	older := newCert("older", "client-1", false)
	older.IssuedAt = time.Now().Add(-time.Hour)
	newer := newCert("newer", "client-1", false)
	require.NoError(t, store.Create(t.Context(), older))
	require.NoError(t, store.Create(t.Context(), newer))

	list, err := store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].ID)

	byClient, err := store.ListByClient(t.Context(), "client-1")
	require.NoError(t, err)
	assert.Len(t, byClient, 2)
}

func TestActiveRoot_NotFound(t *testing.T) {
	store := memory.NewCertificateStore()
	_, err := store.ActiveRoot(t.Context())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSignatureStore(t *testing.T) {
	store := memory.NewSignatureStore()

	sig := &storage.Signature{
		ID:            "s1",
		SignerID:      "client-1",
		DocumentID:    "d1",
		Type:          storage.SignatureAdvanced,
		SignatureData: "abc123",
		SignedAt:      time.Now(),
	}
	require.NoError(t, store.Create(t.Context(), sig))
	assert.ErrorIs(t, store.Create(t.Context(), sig), storage.ErrConflict)

	got, err := store.Get(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.SignatureData)

	other := &storage.Signature{
		ID:         "s2",
		SignerID:   "client-1",
		DocumentID: "d2",
		Type:       storage.SignatureQualified,
		SignedAt:   time.Now(),
	}
	require.NoError(t, store.Create(t.Context(), other))

	all, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byDoc, err := store.ListByDocument(t.Context(), "d1")
	require.NoError(t, err)
	require.Len(t, byDoc, 1)
	assert.Equal(t, "s1", byDoc[0].ID)

	_, err = store.Get(t.Context(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
