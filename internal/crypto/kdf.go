package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/argon2"
)

// SaltSize is the size in bytes of the random salt stored alongside a
// password-protected source.
const SaltSize = 16

// Argon2id "interactive" parameters, matching the interactive
// opslimit/memlimit profile the original key-derivation routine used:
// enough to deter offline brute force without making every session
// open noticeably slow.
const (
	argonTime    = 2
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// DeriveKey derives a 32-byte Quoco key from a password and salt using
// Argon2id. The same password and salt always yield the same key.
func DeriveKey(password string, salt []byte) (*Key, error) {
	if len(password) == 0 {
		return nil, ErrEmptyInput{}
	}
	raw := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)
	var key Key
	copy(key[:], raw)
	return &key, nil
}

// NewSalt returns a fresh random salt suitable for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if err := randRead(salt); err != nil {
		return nil, ErrKeyGeneration{Err: err}
	}
	return salt, nil
}

// ObjectHash is a SHA-256 digest of an object's plaintext contents.
type ObjectHash [sha256.Size]byte

// HashReader streams r in ChunkLength-sized reads and returns the
// SHA-256 digest of everything read. It is used to fingerprint an
// object's plaintext independent of however its ciphertext ends up
// chunked.
func HashReader(r io.Reader) (ObjectHash, error) {
	h := sha256.New()
	buf := make([]byte, ChunkLength)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return ObjectHash{}, err
	}
	var out ObjectHash
	copy(out[:], h.Sum(nil))
	return out, nil
}
