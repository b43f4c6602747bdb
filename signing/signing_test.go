package signing_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/ca"
	"github.com/veridoc/veridoc/documents"
	"github.com/veridoc/veridoc/keys"
	"github.com/veridoc/veridoc/signing"
	"github.com/veridoc/veridoc/storage"
	"github.com/veridoc/veridoc/storage/memory"
)

type stubDirectory struct {
	mu      sync.Mutex
	clients map[string]*ca.ClientSummary
	status  map[string]bool
}

func (d *stubDirectory) FindByLegalID(_ context.Context, legalID string) (*ca.ClientSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[legalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (d *stubDirectory) SetCertificateStatus(_ context.Context, clientID string, hasValid bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status[clientID] = hasValid
	return nil
}

type fixture struct {
	docs      *documents.MemoryStore
	certs     *memory.CertificateStore
	sigs      *memory.SignatureStore
	authority *ca.Authority
	ledger    *ca.Ledger
	engine    *signing.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	certs := memory.NewCertificateStore()
	directory := &stubDirectory{
		clients: map[string]*ca.ClientSummary{
			"11122233344": {
				ID:        "client-1",
				LegalID:   "11122233344",
				Email:     "maria@example.com",
				Name:      "Maria da Silva",
				BirthDate: time.Date(1990, 3, 7, 0, 0, 0, 0, time.UTC),
			},
			"55566677788": {
				ID:        "client-2",
				LegalID:   "55566677788",
				Email:     "joao@example.com",
				Name:      "Joao Souza",
				BirthDate: time.Date(1985, 12, 1, 0, 0, 0, 0, time.UTC),
			},
		},
		status: make(map[string]bool),
	}

	authority := ca.New(certs, directory, keys.NewGenerator())
	ledger := ca.NewLedger(certs, directory)
	verifier := ca.NewVerifier(certs, ledger)
	docs := documents.NewMemoryStore()
	sigs := memory.NewSignatureStore()

	return &fixture{
		docs:      docs,
		certs:     certs,
		sigs:      sigs,
		authority: authority,
		ledger:    ledger,
		engine:    signing.NewEngine(docs, certs, sigs, verifier),
	}
}

func (f *fixture) ingest(t *testing.T, content string) *documents.Document {
	t.Helper()
	doc, err := f.docs.Ingest(t.Context(), "doc.txt", "text/plain", []byte(content))
	require.NoError(t, err)
	return doc
}

func TestSignAdvanced(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "the agreement text")

	sig, err := f.engine.SignAdvanced(t.Context(), doc.ID, "client-1")
	require.NoError(t, err)

	assert.Equal(t, storage.SignatureAdvanced, sig.Type)
	assert.Equal(t, "client-1", sig.SignerID)
	assert.Empty(t, sig.CertificateID)
	assert.Len(t, sig.SignatureData, 64)

	stored, err := f.sigs.Get(t.Context(), sig.ID)
	require.NoError(t, err)
	assert.Equal(t, sig.SignatureData, stored.SignatureData)

	marked, err := f.docs.Get(t.Context(), doc.ID)
	require.NoError(t, err)
	assert.True(t, marked.IsSigned)

	res, err := f.engine.VerifySignature(t.Context(), sig.ID)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
}

func TestSignAdvanced_UnknownDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SignAdvanced(t.Context(), "missing", "client-1")
	assert.ErrorIs(t, err, documents.ErrNotFound)
}

func TestSignAdvanced_TamperDetected(t *testing.T) {
	dir := t.TempDir()
	docs, err := documents.NewDiskStore(dir)
	require.NoError(t, err)

	f := newFixture(t)
	engine := signing.NewEngine(docs, f.certs, f.sigs, ca.NewVerifier(f.certs, f.ledger))

	doc, err := docs.Ingest(t.Context(), "doc.txt", "", []byte("original"))
	require.NoError(t, err)
	sig, err := engine.SignAdvanced(t.Context(), doc.ID, "client-1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, doc.ID+".bin"), []byte("altered"), 0o600))

	res, err := engine.VerifySignature(t.Context(), sig.ID)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "digest mismatch")
}

func TestSignQualified(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "the agreement text")

	cert, err := f.authority.IssueClientCertificate(t.Context(), "11122233344")
	require.NoError(t, err)

	sig, err := f.engine.SignQualified(t.Context(), doc.ID, "client-1", cert.ID)
	require.NoError(t, err)

	assert.Equal(t, storage.SignatureQualified, sig.Type)
	assert.Equal(t, cert.ID, sig.CertificateID)

	res, err := f.engine.VerifySignature(t.Context(), sig.ID)
	require.NoError(t, err)
	assert.True(t, res.IsValid)

	marked, err := f.docs.Get(t.Context(), doc.ID)
	require.NoError(t, err)
	assert.True(t, marked.IsSigned)
}

func TestSignQualified_OwnershipMismatch(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "text")

	cert, err := f.authority.IssueClientCertificate(t.Context(), "11122233344")
	require.NoError(t, err)

	_, err = f.engine.SignQualified(t.Context(), doc.ID, "client-2", cert.ID)
	assert.ErrorIs(t, err, signing.ErrOwnershipMismatch)
}

func TestSignQualified_RootNotUsable(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "text")

	_, err := f.authority.IssueClientCertificate(t.Context(), "11122233344")
	require.NoError(t, err)
	root, err := f.certs.ActiveRoot(t.Context())
	require.NoError(t, err)

	// The root has no owner; nobody may sign documents with it.
	_, err = f.engine.SignQualified(t.Context(), doc.ID, "client-1", root.ID)
	assert.ErrorIs(t, err, signing.ErrOwnershipMismatch)
}

func TestSignQualified_RevokedCertificate(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "text")

	cert, err := f.authority.IssueClientCertificate(t.Context(), "11122233344")
	require.NoError(t, err)
	_, err = f.ledger.Invalidate(t.Context(), cert.ID)
	require.NoError(t, err)

	_, err = f.engine.SignQualified(t.Context(), doc.ID, "client-1", cert.ID)
	assert.ErrorIs(t, err, signing.ErrCertificateInvalid)
}

func TestVerifySignature_QualifiedAfterRevocation(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "text")

	cert, err := f.authority.IssueClientCertificate(t.Context(), "11122233344")
	require.NoError(t, err)
	sig, err := f.engine.SignQualified(t.Context(), doc.ID, "client-1", cert.ID)
	require.NoError(t, err)

	_, err = f.ledger.Invalidate(t.Context(), cert.ID)
	require.NoError(t, err)

	res, err := f.engine.VerifySignature(t.Context(), sig.ID)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "revoked")
}

func TestVerifySignature_Unknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.VerifySignature(t.Context(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
