package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veridoc/veridoc/ca"
	"github.com/veridoc/veridoc/clients"
	"github.com/veridoc/veridoc/documents"
	"github.com/veridoc/veridoc/storage"
)

// Health reports service liveness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// InitCA ensures the root certificate exists, creating it on first call.
func (a *API) InitCA(w http.ResponseWriter, r *http.Request) {
	root, err := a.authority.EnsureRoot(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCAInitialized, r, slog.String("certificate_id", root.ID))
	writeJSON(w, http.StatusOK, certificateView(root))
}

// GetCA returns the active root certificate.
func (a *API) GetCA(w http.ResponseWriter, r *http.Request) {
	root, err := a.certs.ActiveRoot(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateView(root))
}

// DownloadRootPKCS7 streams the root chain as a .p7b file.
func (a *API) DownloadRootPKCS7(w http.ResponseWriter, r *http.Request) {
	export, err := a.packager.ExportRootPKCS7(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditRootExported, r)
	writeAttachment(w, export.ContentType, export.Filename, export.Data)
}

// RegisterClient registers a new certificate holder.
func (a *API) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var req RegisterClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	birthDate, err := time.Parse("2006-01-02", req.BirthDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "birth_date must be YYYY-MM-DD")
		return
	}

	client, err := a.registry.Register(r.Context(), clients.RegisterInput{
		Name:      req.Name,
		Email:     req.Email,
		CPF:       req.CPF,
		BirthDate: birthDate,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditClientRegistered, r, slog.String("client_id", client.ID))
	writeJSON(w, http.StatusCreated, client)
}

// ListClients returns all registered clients.
func (a *API) ListClients(w http.ResponseWriter, r *http.Request) {
	list, err := a.registry.List(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetClient returns one client by ID.
func (a *API) GetClient(w http.ResponseWriter, r *http.Request) {
	client, err := a.registry.FindByID(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

// IssueCertificate issues a certificate for the client with the given CPF,
// replacing any still-valid previous certificate.
func (a *API) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	var req IssueCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CPF == "" {
		writeError(w, http.StatusBadRequest, "cpf is required")
		return
	}
	if req.ValidityDays < 0 {
		writeError(w, http.StatusBadRequest, "validity_days must be positive")
		return
	}
	var opts []ca.IssueOption
	if req.ValidityDays > 0 {
		opts = append(opts, ca.WithValidity(time.Duration(req.ValidityDays)*24*time.Hour))
	}

	cert, err := a.authority.IssueClientCertificate(r.Context(), req.CPF, opts...)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCertIssued, r,
		slog.String("certificate_id", cert.ID),
		slog.String("client_id", cert.ClientID),
		slog.String("serial_number", cert.SerialNumber))
	writeJSON(w, http.StatusCreated, certificateView(cert))
}

// ListCertificates returns certificate records, optionally filtered by
// client via ?client_id=.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	var (
		list []*storage.Certificate
		err  error
	)
	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		list, err = a.certs.ListByClient(r.Context(), clientID)
	} else {
		list, err = a.certs.List(r.Context())
	}
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateViews(list))
}

// GetCertificate returns one certificate record.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.certs.Get(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateView(cert))
}

// VerifyCertificate runs full verification on a stored certificate.
func (a *API) VerifyCertificate(w http.ResponseWriter, r *http.Request) {
	result, err := a.verifier.Verify(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RevokeCertificate invalidates a certificate.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	certID := chi.URLParam(r, "certID")
	cert, err := a.ledger.Invalidate(r.Context(), certID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCertRevoked, r, slog.String("certificate_id", certID))
	writeJSON(w, http.StatusOK, certificateView(cert))
}

// DownloadPKCS12 exports the certificate and key as a password-protected
// PKCS#12 archive.
func (a *API) DownloadPKCS12(w http.ResponseWriter, r *http.Request) {
	var req DownloadPKCS12Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	certID := chi.URLParam(r, "certID")
	export, err := a.packager.ExportPKCS12(r.Context(), certID, req.Password)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCertExported, r, slog.String("certificate_id", certID))
	writeAttachment(w, export.ContentType, export.Filename, export.Data)
}

// IngestDocument stores a document; the bytes arrive base64-encoded.
func (a *API) IngestDocument(w http.ResponseWriter, r *http.Request) {
	var req IngestDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "data must be base64")
		return
	}

	doc, err := a.docs.Ingest(r.Context(), req.Name, req.ContentType, data)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditDocumentIngested, r, slog.String("document_id", doc.ID))
	writeJSON(w, http.StatusCreated, doc)
}

// ListDocuments returns all stored documents.
func (a *API) ListDocuments(w http.ResponseWriter, r *http.Request) {
	list, err := a.docs.List(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetDocument returns one document's metadata.
func (a *API) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.docs.Get(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DownloadDocument streams the document bytes.
func (a *API) DownloadDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	doc, err := a.docs.Get(r.Context(), docID)
	if err != nil {
		mapError(w, err)
		return
	}
	data, err := a.docs.ReadBytes(r.Context(), docID)
	if err != nil {
		mapError(w, err)
		return
	}
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	writeAttachment(w, contentType, doc.Name, data)
}

// CheckDocumentIntegrity compares the stored bytes against the hash recorded
// at ingest.
func (a *API) CheckDocumentIntegrity(w http.ResponseWriter, r *http.Request) {
	err := a.docs.VerifyIntegrity(r.Context(), chi.URLParam(r, "docID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, IntegrityResponse{Intact: true})
	case errors.Is(err, documents.ErrIntegrity):
		writeJSON(w, http.StatusOK, IntegrityResponse{Intact: false, Reason: err.Error()})
	default:
		mapError(w, err)
	}
}

// SignAdvanced records an advanced signature over a document.
func (a *API) SignAdvanced(w http.ResponseWriter, r *http.Request) {
	var req SignAdvancedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DocumentID == "" || req.SignerID == "" {
		writeError(w, http.StatusBadRequest, "document_id and signer_id are required")
		return
	}

	sig, err := a.engine.SignAdvanced(r.Context(), req.DocumentID, req.SignerID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.auditSignature(r, sig)
	writeJSON(w, http.StatusCreated, sig)
}

// SignQualified produces a qualified signature with the signer's certificate.
func (a *API) SignQualified(w http.ResponseWriter, r *http.Request) {
	var req SignQualifiedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DocumentID == "" || req.SignerID == "" || req.CertificateID == "" {
		writeError(w, http.StatusBadRequest, "document_id, signer_id and certificate_id are required")
		return
	}

	sig, err := a.engine.SignQualified(r.Context(), req.DocumentID, req.SignerID, req.CertificateID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.auditSignature(r, sig)
	writeJSON(w, http.StatusCreated, sig)
}

// ListSignatures returns signature records, optionally filtered by document
// via ?document_id=.
func (a *API) ListSignatures(w http.ResponseWriter, r *http.Request) {
	var (
		list []*storage.Signature
		err  error
	)
	if docID := r.URL.Query().Get("document_id"); docID != "" {
		list, err = a.sigs.ListByDocument(r.Context(), docID)
	} else {
		list, err = a.sigs.List(r.Context())
	}
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetSignature returns one signature record.
func (a *API) GetSignature(w http.ResponseWriter, r *http.Request) {
	sig, err := a.sigs.Get(r.Context(), chi.URLParam(r, "sigID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// VerifySignature re-checks a stored signature against the document bytes.
func (a *API) VerifySignature(w http.ResponseWriter, r *http.Request) {
	result, err := a.engine.VerifySignature(r.Context(), chi.URLParam(r, "sigID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) auditSignature(r *http.Request, sig *storage.Signature) {
	a.audit.log(AuditDocumentSigned, r,
		slog.String("signature_id", sig.ID),
		slog.String("document_id", sig.DocumentID),
		slog.String("signer_id", sig.SignerID),
		slog.String("type", string(sig.Type)))
}

func writeAttachment(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(data)
}
