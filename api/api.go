// Package api exposes the certificate authority and document signing
// operations over REST. Handlers translate HTTP into calls on the domain
// packages and map their sentinel errors onto status codes; private key
// material never leaves through this surface except inside an explicitly
// requested PKCS#12 export.
package api

import (
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/veridoc/veridoc/bundle"
	"github.com/veridoc/veridoc/ca"
	"github.com/veridoc/veridoc/clients"
	"github.com/veridoc/veridoc/documents"
	"github.com/veridoc/veridoc/signing"
	"github.com/veridoc/veridoc/storage"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	registry  *clients.Registry
	certs     storage.CertificateStore
	sigs      storage.SignatureStore
	docs      documents.Store
	authority *ca.Authority
	ledger    *ca.Ledger
	verifier  *ca.Verifier
	packager  *bundle.Packager
	engine    *signing.Engine
	audit     *auditLogger
}

// Config carries the domain services the API serves.
type Config struct {
	Registry     *clients.Registry
	Certificates storage.CertificateStore
	Signatures   storage.SignatureStore
	Documents    documents.Store
	Authority    *ca.Authority
	Ledger       *ca.Ledger
	Verifier     *ca.Verifier
	Packager     *bundle.Packager
	Engine       *signing.Engine
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// New creates a new API instance.
func New(cfg Config, opts ...Option) *API {
	a := &API{
		registry:  cfg.Registry,
		certs:     cfg.Certificates,
		sigs:      cfg.Signatures,
		docs:      cfg.Documents,
		authority: cfg.Authority,
		ledger:    cfg.Ledger,
		verifier:  cfg.Verifier,
		packager:  cfg.Packager,
		engine:    cfg.Engine,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", a.Health)

	r.Post("/ca", a.InitCA)
	r.Get("/ca", a.GetCA)
	r.Get("/ca/pkcs7", a.DownloadRootPKCS7)

	r.Post("/clients", a.RegisterClient)
	r.Get("/clients", a.ListClients)
	r.Get("/clients/{clientID}", a.GetClient)

	r.Post("/certificates", a.IssueCertificate)
	r.Get("/certificates", a.ListCertificates)
	r.Get("/certificates/{certID}", a.GetCertificate)
	r.Get("/certificates/{certID}/verify", a.VerifyCertificate)
	r.Post("/certificates/{certID}/revoke", a.RevokeCertificate)
	r.Post("/certificates/{certID}/pkcs12", a.DownloadPKCS12)

	r.Post("/documents", a.IngestDocument)
	r.Get("/documents", a.ListDocuments)
	r.Get("/documents/{docID}", a.GetDocument)
	r.Get("/documents/{docID}/content", a.DownloadDocument)
	r.Get("/documents/{docID}/integrity", a.CheckDocumentIntegrity)

	r.Post("/signatures/advanced", a.SignAdvanced)
	r.Post("/signatures/qualified", a.SignQualified)
	r.Get("/signatures", a.ListSignatures)
	r.Get("/signatures/{sigID}", a.GetSignature)
	r.Get("/signatures/{sigID}/verify", a.VerifySignature)

	return r
}
