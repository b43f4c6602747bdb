package util

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams configures Argon2id key derivation.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

// DefaultArgon2idParams returns the interactive-profile parameters used for
// export password audit hashes.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// HashPassword derives an Argon2id hash of the password under a fresh random
// salt and returns (hash, salt). The plaintext is never stored.
func HashPassword(password string) ([]byte, []byte, error) {
	salt, err := RandomBytes(16)
	if err != nil {
		return nil, nil, fmt.Errorf("generating password salt: %w", err)
	}
	p := DefaultArgon2idParams()
	hash := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Parallelism, p.KeyLen)
	return hash, salt, nil
}

// VerifyPassword reports whether password matches the stored hash/salt pair
// in constant time.
func VerifyPassword(password string, hash, salt []byte) bool {
	p := DefaultArgon2idParams()
	derived := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Parallelism, p.KeyLen)
	return subtle.ConstantTimeCompare(derived, hash) == 1
}
