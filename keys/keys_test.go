package keys_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/keys"
)

func TestGenerate(t *testing.T) {
	gen := keys.NewGenerator()

	pair, err := gen.Generate(t.Context(), keys.ClientKeyBits)
	require.NoError(t, err)

	assert.Equal(t, keys.ClientKeyBits, pair.Private.N.BitLen())
	assert.Contains(t, pair.PrivateKeyPEM, "BEGIN RSA PRIVATE KEY")
	assert.Contains(t, pair.PublicKeyPEM, "BEGIN PUBLIC KEY")
}

func TestGenerate_UnsupportedBits(t *testing.T) {
	gen := keys.NewGenerator()

	_, err := gen.Generate(t.Context(), 1024)
	assert.ErrorIs(t, err, keys.ErrUnsupportedBits)
}

func TestGenerate_Timeout(t *testing.T) {
	gen := keys.NewGenerator(keys.WithTimeout(time.Nanosecond))

	_, err := gen.Generate(t.Context(), keys.RootKeyBits)
	assert.ErrorIs(t, err, keys.ErrIssuanceTimeout)
}

func TestGenerate_ContextCancelled(t *testing.T) {
	gen := keys.NewGenerator()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := gen.Generate(ctx, keys.ClientKeyBits)
	assert.ErrorIs(t, err, keys.ErrIssuanceTimeout)
}

func TestGenerate_EntropyFailure(t *testing.T) {
	gen := keys.NewGenerator(keys.WithRand(failingReader{}))

	_, err := gen.Generate(t.Context(), keys.ClientKeyBits)
	assert.ErrorIs(t, err, keys.ErrKeyGeneration)
}

func TestParsePrivateKeyPEM_RoundTrip(t *testing.T) {
	gen := keys.NewGenerator()
	pair, err := gen.Generate(t.Context(), keys.ClientKeyBits)
	require.NoError(t, err)

	parsed, err := keys.ParsePrivateKeyPEM(pair.PrivateKeyPEM)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(pair.Private))

	pub, err := keys.ParsePublicKeyPEM(pair.PublicKeyPEM)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&pair.Private.PublicKey))
}

func TestParsePrivateKeyPEM_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"not pem":    "garbage",
		"wrong type": "-----BEGIN CERTIFICATE-----\nQUJD\n-----END CERTIFICATE-----\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := keys.ParsePrivateKeyPEM(data)
			assert.ErrorIs(t, err, keys.ErrInvalidPEM)
		})
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func TestPrivateKeyPEM_SingleBlock(t *testing.T) {
	gen := keys.NewGenerator()
	pair, err := gen.Generate(t.Context(), keys.ClientKeyBits)
	require.NoError(t, err)

	// One PEM block only; nothing trailing.
	rest := pair.PrivateKeyPEM[strings.Index(pair.PrivateKeyPEM, "-----END RSA PRIVATE KEY-----"):]
	assert.Equal(t, "-----END RSA PRIVATE KEY-----\n", rest)
}
