package crypto

import (
	"context"
	"fmt"
)

// KeyManager abstracts an external key management system that wraps
// and unwraps the 32-byte session data encryption key, for
// deployments that want key custody centralized instead of (or in
// addition to) a password-derived key.
//
// Implementations must never expose plaintext master keys; all
// wrapping operations happen inside the KMS. The wrapped-DEK envelope
// lives outside the store directory, so enabling key custody never
// changes the on-disk or on-bucket wire format.
//
// Current implementations:
//   - KMIP (github.com/ovh/kmip-go), for Cosmian and other KMIP 1.x
//     servers.
//
// AWS KMS and Vault Transit fit the same interface and are planned,
// not implemented.
type KeyManager interface {
	// Provider returns a short identifier (e.g. "kmip") used for
	// diagnostics and envelope metadata.
	Provider() string

	// WrapKey encrypts the plaintext DEK, returning an envelope the
	// caller persists wherever it keeps session credentials.
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext in envelope back into the
	// plaintext DEK.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)

	// ActiveKeyVersion returns the version identifier of the primary
	// wrapping key.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies the KMS is reachable without performing
	// any wrap or unwrap.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

// KeyEnvelope captures the information required to unwrap a DEK.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}

// MetaKeyVersion is the envelope-metadata key recording which wrapping
// key version protected a DEK.
const MetaKeyVersion = "quoco-key-version"

// WrapNewKey generates a fresh random session key and wraps it through
// km. The caller persists the returned envelope and uses the key to
// open sources.
func WrapNewKey(ctx context.Context, km KeyManager) (*Key, *KeyEnvelope, error) {
	var key Key
	if err := randRead(key[:]); err != nil {
		return nil, nil, ErrKeyGeneration{Err: err}
	}
	envelope, err := km.WrapKey(ctx, key[:], nil)
	if err != nil {
		return nil, nil, ErrKeyGeneration{Err: err}
	}
	return &key, envelope, nil
}

// UnwrapSessionKey recovers a session key from a previously persisted
// envelope.
func UnwrapSessionKey(ctx context.Context, km KeyManager, envelope *KeyEnvelope) (*Key, error) {
	raw, err := km.UnwrapKey(ctx, envelope, nil)
	if err != nil {
		return nil, ErrKeyGeneration{Err: err}
	}
	if len(raw) != KeySize {
		return nil, ErrKeyGeneration{Err: fmt.Errorf("unwrapped key is %d bytes, want %d", len(raw), KeySize)}
	}
	var key Key
	copy(key[:], raw)
	return &key, nil
}
