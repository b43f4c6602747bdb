// Package keys generates and parses the RSA key pairs used by the CA and its
// clients. Generation runs on its own goroutine so CPU-bound RSA work can be
// bounded by the caller's context; RSA-4096 generation alone can take
// hundreds of milliseconds.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/awnumar/memguard"
)

var (
	// ErrKeyGeneration is returned when the RNG or key algorithm fails.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrIssuanceTimeout is returned when key generation exceeds the
	// configured bound or the caller's context is cancelled.
	ErrIssuanceTimeout = errors.New("key generation timed out")

	// ErrUnsupportedBits is returned for key sizes other than 2048 or 4096.
	ErrUnsupportedBits = errors.New("unsupported key size")

	// ErrInvalidPEM is returned when PEM key data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM key data")
)

// Supported key sizes.
const (
	ClientKeyBits = 2048
	RootKeyBits   = 4096
)

// KeyPair holds a generated RSA key pair in both parsed and PEM form.
type KeyPair struct {
	Private       *rsa.PrivateKey
	PublicKeyPEM  string
	PrivateKeyPEM string
}

// Generator produces RSA key pairs from a CSPRNG.
type Generator struct {
	rand    io.Reader
	timeout time.Duration
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand overrides the entropy source. Tests use this to inject failures.
func WithRand(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// WithTimeout bounds a single key generation. Zero means no bound beyond the
// caller's context.
func WithTimeout(d time.Duration) Option {
	return func(g *Generator) { g.timeout = d }
}

// NewGenerator returns a Generator backed by crypto/rand.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{rand: rand.Reader}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate creates an RSA key pair of the given size (2048 or 4096 bits).
func (g *Generator) Generate(ctx context.Context, bits int) (*KeyPair, error) {
	if bits != ClientKeyBits && bits != RootKeyBits {
		return nil, fmt.Errorf("%w: %d bits", ErrUnsupportedBits, bits)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type result struct {
		key *rsa.PrivateKey
		err error
	}
	done := make(chan result, 1)
	go func() {
		key, err := rsa.GenerateKey(g.rand, bits)
		done <- result{key: key, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrIssuanceTimeout, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, res.err)
		}
		return newKeyPair(res.key)
	}
}

func newKeyPair(key *rsa.PrivateKey) (*KeyPair, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	privDER := x509.MarshalPKCS1PrivateKey(key)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privDER})
	memguard.WipeBytes(privDER)

	return &KeyPair{
		Private:       key,
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: string(privPEM),
	}, nil
}

// ParsePrivateKeyPEM decodes an RSA private key from PKCS#1 or PKCS#8 PEM.
// The intermediate DER buffer is wiped before returning.
func ParsePrivateKeyPEM(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	defer memguard.WipeBytes(block.Bytes)

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPEM)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
}

// ParsePublicKeyPEM decodes an RSA public key from PKIX PEM.
func ParsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPEM)
	}
	return rsaKey, nil
}
