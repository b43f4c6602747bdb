// Package postgres implements the storage interfaces backed by PostgreSQL.
//
// The issuance invariants are enforced twice: partial unique indexes make the
// database reject a second active root or a second valid certificate per
// client, and the invariant operations run inside a transaction that locks
// the affected rows (FOR UPDATE) so the loser of a race re-reads the winner
// instead of erroring.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veridoc/veridoc/storage"
)

// Store implements storage.CertificateStore backed by PostgreSQL.
// Signature records live in the same database behind Signatures().
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.CertificateStore = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const certColumns = `id, subject, serial_number, public_key_pem, private_key_pem,
	certificate_pem, issuer, COALESCE(client_id, ''), is_ca, is_valid, issued_at,
	valid_until, is_downloaded, COALESCE(exported_at, 'epoch'::timestamptz),
	export_password_hash, export_password_salt, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCert(row rowScanner) (*storage.Certificate, error) {
	var c storage.Certificate
	err := row.Scan(
		&c.ID, &c.Subject, &c.SerialNumber, &c.PublicKeyPEM, &c.PrivateKeyPEM,
		&c.CertificatePEM, &c.Issuer, &c.ClientID, &c.IsCA, &c.IsValid, &c.IssuedAt,
		&c.ValidUntil, &c.IsDownloaded, &c.ExportedAt,
		&c.ExportPasswordHash, &c.ExportPasswordSalt, &c.CreatedAt, &c.UpdatedAt, &c.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.ExportedAt.Unix() == 0 {
		c.ExportedAt = time.Time{}
	}
	return &c, nil
}

// nullable maps "" to NULL for the client_id column so the per-client partial
// unique index never groups root certificates together.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func insertCert(ctx context.Context, exec func(ctx context.Context, sql string, args ...any) error, cert *storage.Certificate) error {
	now := time.Now().UTC()
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = now
	}
	cert.UpdatedAt = now
	cert.Version = 1
	return exec(ctx,
		`INSERT INTO certificates (id, subject, serial_number, public_key_pem, private_key_pem,
			certificate_pem, issuer, client_id, is_ca, is_valid, issued_at, valid_until,
			is_downloaded, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		cert.ID, cert.Subject, cert.SerialNumber, cert.PublicKeyPEM, cert.PrivateKeyPEM,
		cert.CertificatePEM, cert.Issuer, nullable(cert.ClientID), cert.IsCA, cert.IsValid,
		cert.IssuedAt, cert.ValidUntil, cert.IsDownloaded, cert.CreatedAt, cert.UpdatedAt, cert.Version)
}

func (s *Store) Create(ctx context.Context, cert *storage.Certificate) error {
	err := insertCert(ctx, func(ctx context.Context, sql string, args ...any) error {
		_, err := s.pool.Exec(ctx, sql, args...)
		return err
	}, cert)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	return err
}

func (s *Store) CreateRoot(ctx context.Context, cert *storage.Certificate) (*storage.Certificate, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Lock current root rows so concurrent bootstraps serialise here.
	rows, err := tx.Query(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE is_ca AND is_valid FOR UPDATE`)
	if err != nil {
		return nil, err
	}
	roots, err := collectCerts(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, root := range roots {
		if !root.Expired(now) {
			// Another caller already installed a usable root.
			return root, storage.ErrRootExists
		}
		if _, err := tx.Exec(ctx,
			`UPDATE certificates SET is_valid = FALSE, updated_at = $2, version = version + 1 WHERE id = $1`,
			root.ID, now); err != nil {
			return nil, err
		}
	}

	err = insertCert(ctx, func(ctx context.Context, sql string, args ...any) error {
		_, err := tx.Exec(ctx, sql, args...)
		return err
	}, cert)
	if err != nil {
		if isUniqueViolation(err) {
			// On first bootstrap there are no root rows to lock, so two
			// callers can both reach the insert and the partial unique index
			// stops the loser. Adopt the winner's committed row.
			_ = tx.Rollback(ctx)
			winner, qerr := s.ActiveRoot(ctx)
			if qerr != nil {
				return nil, fmt.Errorf("re-reading winning root: %w", qerr)
			}
			return winner, storage.ErrRootExists
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return cert, nil
}

func (s *Store) IssueReplacing(ctx context.Context, clientID string, cert *storage.Certificate) ([]*storage.Certificate, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE client_id = $1 AND is_valid AND NOT is_ca FOR UPDATE`, clientID)
	if err != nil {
		return nil, err
	}
	stale, err := collectCerts(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, old := range stale {
		if _, err := tx.Exec(ctx,
			`UPDATE certificates SET is_valid = FALSE, updated_at = $2, version = version + 1 WHERE id = $1`,
			old.ID, now); err != nil {
			return nil, err
		}
		old.IsValid = false
		old.UpdatedAt = now
		old.Version++
	}

	err = insertCert(ctx, func(ctx context.Context, sql string, args ...any) error {
		_, err := tx.Exec(ctx, sql, args...)
		return err
	}, cert)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrConflict
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stale, nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Certificate, error) {
	return scanCert(s.pool.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE id = $1`, id))
}

func (s *Store) Update(ctx context.Context, cert *storage.Certificate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE certificates SET
			is_valid = $2, is_downloaded = $3, exported_at = $4,
			export_password_hash = $5, export_password_salt = $6,
			updated_at = $7, version = version + 1
		 WHERE id = $1 AND version = $8`,
		cert.ID, cert.IsValid, cert.IsDownloaded, nullableTime(cert.ExportedAt),
		cert.ExportPasswordHash, cert.ExportPasswordSalt,
		time.Now().UTC(), cert.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a version mismatch.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM certificates WHERE id = $1)`, cert.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrCASFailed
	}
	cert.Version++
	return nil
}

func (s *Store) List(ctx context.Context) ([]*storage.Certificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+certColumns+` FROM certificates ORDER BY issued_at DESC`)
	if err != nil {
		return nil, err
	}
	return collectCerts(rows)
}

func (s *Store) ListByClient(ctx context.Context, clientID string) ([]*storage.Certificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE client_id = $1 ORDER BY issued_at DESC`, clientID)
	if err != nil {
		return nil, err
	}
	return collectCerts(rows)
}

func (s *Store) ValidByClient(ctx context.Context, clientID string) ([]*storage.Certificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE client_id = $1 AND is_valid AND NOT is_ca ORDER BY issued_at DESC`, clientID)
	if err != nil {
		return nil, err
	}
	return collectCerts(rows)
}

func (s *Store) ActiveRoot(ctx context.Context) (*storage.Certificate, error) {
	return scanCert(s.pool.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE is_ca AND is_valid LIMIT 1`))
}

func collectCerts(rows pgx.Rows) ([]*storage.Certificate, error) {
	defer rows.Close()
	var out []*storage.Certificate
	for rows.Next() {
		cert, err := scanCert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation
// (SQLSTATE 23505) from one of the uniqueness constraints.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

// ---------------------------------------------------------------------------
// SignatureStore
// ---------------------------------------------------------------------------

// SignatureStore implements storage.SignatureStore over the same pool.
type SignatureStore struct {
	pool *pgxpool.Pool
}

var _ storage.SignatureStore = (*SignatureStore)(nil)

// Signatures returns the signature store view of this database.
func (s *Store) Signatures() *SignatureStore {
	return &SignatureStore{pool: s.pool}
}

const sigColumns = `id, signer_id, document_id, type, COALESCE(certificate_id, ''),
	signature_data, signed_at, created_at, updated_at`

func scanSig(row rowScanner) (*storage.Signature, error) {
	var sig storage.Signature
	err := row.Scan(&sig.ID, &sig.SignerID, &sig.DocumentID, &sig.Type,
		&sig.CertificateID, &sig.SignatureData, &sig.SignedAt, &sig.CreatedAt, &sig.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

func (s *SignatureStore) Create(ctx context.Context, sig *storage.Signature) error {
	now := time.Now().UTC()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	sig.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO signatures (id, signer_id, document_id, type, certificate_id,
			signature_data, signed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sig.ID, sig.SignerID, sig.DocumentID, sig.Type, nullable(sig.CertificateID),
		sig.SignatureData, sig.SignedAt, sig.CreatedAt, sig.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	return err
}

func (s *SignatureStore) Get(ctx context.Context, id string) (*storage.Signature, error) {
	return scanSig(s.pool.QueryRow(ctx,
		`SELECT `+sigColumns+` FROM signatures WHERE id = $1`, id))
}

func (s *SignatureStore) List(ctx context.Context) ([]*storage.Signature, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sigColumns+` FROM signatures ORDER BY signed_at DESC`)
	if err != nil {
		return nil, err
	}
	return collectSigs(rows)
}

func (s *SignatureStore) ListByDocument(ctx context.Context, documentID string) ([]*storage.Signature, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sigColumns+` FROM signatures WHERE document_id = $1 ORDER BY signed_at DESC`, documentID)
	if err != nil {
		return nil, err
	}
	return collectSigs(rows)
}

func collectSigs(rows pgx.Rows) ([]*storage.Signature, error) {
	defer rows.Close()
	var out []*storage.Signature
	for rows.Next() {
		sig, err := scanSig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}
