package api

import (
	"time"

	"github.com/veridoc/veridoc/storage"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RegisterClientRequest is the JSON body for POST /clients.
type RegisterClientRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	CPF       string `json:"cpf"`
	BirthDate string `json:"birth_date"` // YYYY-MM-DD
}

// IssueCertificateRequest is the JSON body for POST /certificates.
// ValidityDays overrides the server's default certificate lifetime when
// positive.
type IssueCertificateRequest struct {
	CPF          string `json:"cpf"`
	ValidityDays int    `json:"validity_days,omitempty"`
}

// DownloadPKCS12Request is the JSON body for POST /certificates/{certID}/pkcs12.
type DownloadPKCS12Request struct {
	Password string `json:"password"`
}

// IngestDocumentRequest is the JSON body for POST /documents. Data carries the
// document bytes base64-encoded.
type IngestDocumentRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        string `json:"data"`
}

// SignAdvancedRequest is the JSON body for POST /signatures/advanced.
type SignAdvancedRequest struct {
	DocumentID string `json:"document_id"`
	SignerID   string `json:"signer_id"`
}

// SignQualifiedRequest is the JSON body for POST /signatures/qualified.
type SignQualifiedRequest struct {
	DocumentID    string `json:"document_id"`
	SignerID      string `json:"signer_id"`
	CertificateID string `json:"certificate_id"`
}

// CertificateView is the externally visible shape of a certificate record.
// The private key is deliberately absent.
type CertificateView struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	SerialNumber   string    `json:"serial_number"`
	PublicKeyPEM   string    `json:"public_key_pem"`
	CertificatePEM string    `json:"certificate_pem"`
	Issuer         string    `json:"issuer"`
	ClientID       string    `json:"client_id,omitempty"`
	IsCA           bool      `json:"is_ca"`
	IsValid        bool      `json:"is_valid"`
	IssuedAt       time.Time `json:"issued_at"`
	ValidUntil     time.Time `json:"valid_until"`
	IsDownloaded   bool      `json:"is_downloaded"`
	ExportedAt     time.Time `json:"exported_at,omitzero"`
}

func certificateView(c *storage.Certificate) CertificateView {
	return CertificateView{
		ID:             c.ID,
		Subject:        c.Subject,
		SerialNumber:   c.SerialNumber,
		PublicKeyPEM:   c.PublicKeyPEM,
		CertificatePEM: c.CertificatePEM,
		Issuer:         c.Issuer,
		ClientID:       c.ClientID,
		IsCA:           c.IsCA,
		IsValid:        c.IsValid,
		IssuedAt:       c.IssuedAt,
		ValidUntil:     c.ValidUntil,
		IsDownloaded:   c.IsDownloaded,
		ExportedAt:     c.ExportedAt,
	}
}

func certificateViews(certs []*storage.Certificate) []CertificateView {
	out := make([]CertificateView, len(certs))
	for i, c := range certs {
		out[i] = certificateView(c)
	}
	return out
}

// IntegrityResponse is returned from GET /documents/{docID}/integrity.
type IntegrityResponse struct {
	Intact bool   `json:"intact"`
	Reason string `json:"reason,omitempty"`
}
