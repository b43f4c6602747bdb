// Package bundle packages stored certificates into interchange formats:
// PKCS#12 archives carrying a client's key pair and certificate, and
// certs-only PKCS#7 envelopes carrying the root chain. Exports are recorded
// on the certificate ledger for audit, and the export password is retained
// only as an argon2id hash.
package bundle

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/veridoc/veridoc/internal/util"
	"github.com/veridoc/veridoc/keys"
	"github.com/veridoc/veridoc/pki"
	"github.com/veridoc/veridoc/storage"
)

var (
	// ErrPackaging is returned when an archive cannot be encoded or decoded.
	ErrPackaging = errors.New("packaging failed")

	// ErrNotExportable is returned when the certificate is invalid or
	// expired and therefore must not leave the system.
	ErrNotExportable = errors.New("certificate is not exportable")

	// ErrPasswordRequired is returned for an empty export password.
	ErrPasswordRequired = errors.New("export password is required")
)

// pbeIterations is the KDF iteration count for PKCS#12 encryption keys.
const pbeIterations = 100_000

// Export is a packaged archive ready to hand to the caller.
type Export struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Packager builds PKCS#12 and PKCS#7 exports from the certificate store.
type Packager struct {
	store storage.CertificateStore
	now   func() time.Time
}

// PackagerOption configures a Packager.
type PackagerOption func(*Packager)

// WithPackagerClock overrides the time source.
func WithPackagerClock(now func() time.Time) PackagerOption {
	return func(p *Packager) { p.now = now }
}

// NewPackager returns a Packager over the given store.
func NewPackager(store storage.CertificateStore, opts ...PackagerOption) *Packager {
	p := &Packager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ExportPKCS12 packages the certificate and its private key as a
// password-protected PKCS#12 archive. Only valid, unexpired certificates may
// be exported; the export is recorded on the certificate record, but a
// certificate may be exported again.
func (p *Packager) ExportPKCS12(ctx context.Context, certID, password string) (*Export, error) {
	if password == "" {
		return nil, ErrPasswordRequired
	}

	rec, err := p.store.Get(ctx, certID)
	if err != nil {
		return nil, err
	}
	now := p.now()
	if !rec.IsValid || rec.Expired(now) {
		return nil, fmt.Errorf("%w: certificate %s", ErrNotExportable, certID)
	}

	cert, err := pki.ParseCertificatePEM(rec.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
	}
	key, err := keys.ParsePrivateKeyPEM(rec.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
	}

	data, err := pkcs12.Modern2023.WithIterations(pbeIterations).Encode(key, cert, nil, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
	}

	if err := p.recordExport(ctx, rec, password, now); err != nil {
		return nil, err
	}

	return &Export{
		Filename:    fmt.Sprintf("certificate-%s.p12", rec.SerialNumber),
		ContentType: "application/x-pkcs12",
		Data:        data,
	}, nil
}

// recordExport stamps the download flag, timestamp, and password hash onto
// the certificate record. Retries once on a concurrent update.
func (p *Packager) recordExport(ctx context.Context, rec *storage.Certificate, password string, now time.Time) error {
	hash, salt, err := util.HashPassword(password)
	if err != nil {
		return fmt.Errorf("%w: hashing export password: %v", ErrPackaging, err)
	}

	for attempt := 0; ; attempt++ {
		rec.IsDownloaded = true
		rec.ExportedAt = now
		rec.ExportPasswordHash = hash
		rec.ExportPasswordSalt = salt

		err := p.store.Update(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrCASFailed) || attempt >= 2 {
			return fmt.Errorf("recording export of %s: %w", rec.ID, err)
		}
		rec, err = p.store.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
	}
}

// ExportRootPKCS7 packages the active root chain as a certs-only PKCS#7
// envelope.
func (p *Packager) ExportRootPKCS7(ctx context.Context) (*Export, error) {
	root, err := p.store.ActiveRoot(ctx)
	if err != nil {
		return nil, err
	}
	cert, err := pki.ParseCertificatePEM(root.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
	}

	der, err := marshalPKCS7Certificates([]*x509.Certificate{cert})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackaging, err)
	}

	return &Export{
		Filename:    "root-ca.p7b",
		ContentType: "application/x-pkcs7-certificates",
		Data:        der,
	}, nil
}
