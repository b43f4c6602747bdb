package ca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veridoc/veridoc/storage"
)

// casRetries bounds the optimistic-concurrency retry loop on certificate
// updates. Contention on a single certificate row is rare; three attempts is
// plenty.
const casRetries = 3

// Ledger tracks certificate validity. Invalidation is idempotent and, for
// client certificates, keeps the client directory's has-valid flag in step.
type Ledger struct {
	store     storage.CertificateStore
	directory ClientDirectory
	now       func() time.Time
}

// NewLedger returns a Ledger over the given store and directory.
func NewLedger(store storage.CertificateStore, directory ClientDirectory, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store, directory: directory, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the time source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// Invalidate marks the certificate invalid. Calling it on an already-invalid
// certificate is a no-op returning the current record. When the change leaves
// a client with no valid certificate, the directory flag is cleared.
func (l *Ledger) Invalidate(ctx context.Context, certID string) (*storage.Certificate, error) {
	var cert *storage.Certificate
	for attempt := 0; ; attempt++ {
		var err error
		cert, err = l.store.Get(ctx, certID)
		if err != nil {
			return nil, err
		}
		if !cert.IsValid {
			return cert, nil
		}

		cert.IsValid = false
		err = l.store.Update(ctx, cert)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrCASFailed) || attempt+1 >= casRetries {
			return nil, fmt.Errorf("invalidating certificate %s: %w", certID, err)
		}
	}

	if cert.ClientID != "" {
		ok, err := l.HasOtherValid(ctx, cert.ClientID, cert.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := l.directory.SetCertificateStatus(ctx, cert.ClientID, false); err != nil {
				return nil, fmt.Errorf("updating client status: %w", err)
			}
		}
	}
	return cert, nil
}

// InvalidateAllForClient invalidates every valid certificate the client
// holds and clears the directory flag.
func (l *Ledger) InvalidateAllForClient(ctx context.Context, clientID string) (int, error) {
	certs, err := l.store.ValidByClient(ctx, clientID)
	if err != nil {
		return 0, err
	}
	for _, cert := range certs {
		if _, err := l.Invalidate(ctx, cert.ID); err != nil {
			return 0, err
		}
	}
	return len(certs), nil
}

// HasOtherValid reports whether the client holds a valid, unexpired
// certificate other than exceptID.
func (l *Ledger) HasOtherValid(ctx context.Context, clientID, exceptID string) (bool, error) {
	certs, err := l.store.ValidByClient(ctx, clientID)
	if err != nil {
		return false, err
	}
	now := l.now()
	for _, cert := range certs {
		if cert.ID != exceptID && !cert.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}
