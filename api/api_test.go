package api_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/api"
	"github.com/veridoc/veridoc/bundle"
	"github.com/veridoc/veridoc/ca"
	"github.com/veridoc/veridoc/clients"
	"github.com/veridoc/veridoc/documents"
	"github.com/veridoc/veridoc/keys"
	"github.com/veridoc/veridoc/signing"
	"github.com/veridoc/veridoc/storage/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	registry := clients.NewRegistry()
	certs := memory.NewCertificateStore()
	sigs := memory.NewSignatureStore()
	docs := documents.NewMemoryStore()

	authority := ca.New(certs, registry, keys.NewGenerator())
	ledger := ca.NewLedger(certs, registry)
	verifier := ca.NewVerifier(certs, ledger)
	packager := bundle.NewPackager(certs)
	engine := signing.NewEngine(docs, certs, sigs, verifier)

	a := api.New(api.Config{
		Registry:     registry,
		Certificates: certs,
		Signatures:   sigs,
		Documents:    docs,
		Authority:    authority,
		Ledger:       ledger,
		Verifier:     verifier,
		Packager:     packager,
		Engine:       engine,
	})

	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func registerClient(t *testing.T, srv *httptest.Server) map[string]any {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/clients", api.RegisterClientRequest{
		Name:      "Maria da Silva",
		Email:     "maria@example.com",
		CPF:       "529.982.247-25",
		BirthDate: "1990-03-07",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[map[string]any](t, resp)
}

func issueCertificate(t *testing.T, srv *httptest.Server) api.CertificateView {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/certificates", api.IssueCertificateRequest{CPF: "52998224725"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[api.CertificateView](t, resp)
}

func ingestDocument(t *testing.T, srv *httptest.Server, content string) map[string]any {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/documents", api.IngestDocumentRequest{
		Name: "contract.txt",
		Data: base64.StdEncoding.EncodeToString([]byte(content)),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[map[string]any](t, resp)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterClient(t *testing.T) {
	srv := newTestServer(t)

	client := registerClient(t, srv)
	assert.Equal(t, "52998224725", client["cpf"])
	assert.Equal(t, "maria@example.com", client["email"])

	t.Run("duplicate CPF", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/clients", api.RegisterClientRequest{
			Name:      "Other Person",
			Email:     "other@example.com",
			CPF:       "52998224725",
			BirthDate: "1980-01-01",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("invalid CPF", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/clients", api.RegisterClientRequest{
			Name:      "Bad CPF",
			Email:     "bad@example.com",
			CPF:       "123",
			BirthDate: "1980-01-01",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad birth date", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/clients", api.RegisterClientRequest{
			Name:      "Bad Date",
			Email:     "date@example.com",
			CPF:       "111.444.777-35",
			BirthDate: "07/03/1990",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCARoutes(t *testing.T) {
	srv := newTestServer(t)

	t.Run("no root yet", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/ca", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	resp := doJSON(t, http.MethodPost, srv.URL+"/ca", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	root := decode[api.CertificateView](t, resp)
	assert.True(t, root.IsCA)
	assert.True(t, root.IsValid)

	t.Run("idempotent", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/ca", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		again := decode[api.CertificateView](t, resp)
		assert.Equal(t, root.ID, again.ID)
	})

	t.Run("pkcs7 download", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/ca/pkcs7", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/x-pkcs7-certificates", resp.Header.Get("Content-Type"))
		assert.Contains(t, resp.Header.Get("Content-Disposition"), "root-ca.p7b")

		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		certs, err := bundle.ParsePKCS7Certificates(data)
		require.NoError(t, err)
		assert.Len(t, certs, 1)
	})
}

func TestIssueCertificate(t *testing.T) {
	srv := newTestServer(t)
	registerClient(t, srv)

	cert := issueCertificate(t, srv)
	assert.False(t, cert.IsCA)
	assert.True(t, cert.IsValid)
	assert.NotEmpty(t, cert.CertificatePEM)

	t.Run("private key never serialized", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/certificates/"+cert.ID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "PRIVATE KEY")
	})

	t.Run("unknown client", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/certificates", api.IssueCertificateRequest{CPF: "111.444.777-35"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("list by client", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/certificates?client_id="+cert.ClientID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		list := decode[[]api.CertificateView](t, resp)
		require.Len(t, list, 1)
		assert.Equal(t, cert.ID, list[0].ID)
	})

	t.Run("custom validity", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/certificates", api.IssueCertificateRequest{
			CPF:          "52998224725",
			ValidityDays: 30,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		short := decode[api.CertificateView](t, resp)
		assert.WithinDuration(t, short.IssuedAt.Add(30*24*time.Hour), short.ValidUntil, time.Second)
	})

	t.Run("negative validity", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/certificates", api.IssueCertificateRequest{
			CPF:          "52998224725",
			ValidityDays: -1,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestVerifyAndRevoke(t *testing.T) {
	srv := newTestServer(t)
	registerClient(t, srv)
	cert := issueCertificate(t, srv)

	resp := doJSON(t, http.MethodGet, srv.URL+"/certificates/"+cert.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verdict := decode[ca.VerificationResult](t, resp)
	assert.True(t, verdict.IsValid)
	assert.Equal(t, ca.StatusValid, verdict.Status)

	resp = doJSON(t, http.MethodPost, srv.URL+"/certificates/"+cert.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/certificates/"+cert.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verdict = decode[ca.VerificationResult](t, resp)
	assert.False(t, verdict.IsValid)
	assert.Equal(t, ca.StatusRevoked, verdict.Status)
}

func TestDownloadPKCS12(t *testing.T) {
	srv := newTestServer(t)
	registerClient(t, srv)
	cert := issueCertificate(t, srv)

	resp := doJSON(t, http.MethodPost, srv.URL+"/certificates/"+cert.ID+"/pkcs12",
		api.DownloadPKCS12Request{Password: "export-password"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pkcs12", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	t.Run("empty password", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/certificates/"+cert.ID+"/pkcs12",
			api.DownloadPKCS12Request{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("revoked certificate", func(t *testing.T) {
		revoke := doJSON(t, http.MethodPost, srv.URL+"/certificates/"+cert.ID+"/revoke", nil)
		require.Equal(t, http.StatusOK, revoke.StatusCode)

		resp := doJSON(t, http.MethodPost, srv.URL+"/certificates/"+cert.ID+"/pkcs12",
			api.DownloadPKCS12Request{Password: "export-password"})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestDocumentsAndSignatures(t *testing.T) {
	srv := newTestServer(t)
	client := registerClient(t, srv)
	clientID := client["id"].(string)
	cert := issueCertificate(t, srv)
	doc := ingestDocument(t, srv, "the agreement text")
	docID := doc["id"].(string)

	t.Run("integrity", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/documents/"+docID+"/integrity", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		integrity := decode[api.IntegrityResponse](t, resp)
		assert.True(t, integrity.Intact)
	})

	t.Run("content download", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/documents/"+docID+"/content", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "the agreement text", string(data))
	})

	t.Run("advanced signature", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/signatures/advanced", api.SignAdvancedRequest{
			DocumentID: docID,
			SignerID:   clientID,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		sig := decode[map[string]any](t, resp)

		verify := doJSON(t, http.MethodGet, srv.URL+"/signatures/"+sig["id"].(string)+"/verify", nil)
		require.Equal(t, http.StatusOK, verify.StatusCode)
		result := decode[signing.VerifyResult](t, verify)
		assert.True(t, result.IsValid)
	})

	t.Run("qualified signature", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/signatures/qualified", api.SignQualifiedRequest{
			DocumentID:    docID,
			SignerID:      clientID,
			CertificateID: cert.ID,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("qualified ownership mismatch", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/signatures/qualified", api.SignQualifiedRequest{
			DocumentID:    docID,
			SignerID:      "someone-else",
			CertificateID: cert.ID,
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("list by document", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/signatures?document_id="+docID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		list := decode[[]map[string]any](t, resp)
		assert.Len(t, list, 2)
	})

	t.Run("empty document rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/documents", api.IngestDocumentRequest{
			Name: "empty.txt",
			Data: "",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad base64", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/documents", api.IngestDocumentRequest{
			Name: "bad.txt",
			Data: "not base64!!!",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestUnknownResources(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{
		"/certificates/missing",
		"/certificates/missing/verify",
		"/clients/missing",
		"/documents/missing",
		"/signatures/missing",
	} {
		resp := doJSON(t, http.MethodGet, srv.URL+path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestErrorBodyShape(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/clients/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[api.ErrorResponse](t, resp)
	assert.True(t, strings.Contains(body.Error, "not found"))
}
