package crypto

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipclient"
)

// KMIPKeyReference names a wrapping key a Cosmian KMIP server holds,
// and the version Quoco should record for objects wrapped under it.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint string
	Keys     []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout  time.Duration

	// Provider is reported by Provider() and stamped onto every
	// KeyEnvelope this manager produces.
	Provider string

	// DualReadWindow is how many of the most recent key versions
	// UnwrapKey will try, newest first, when an envelope's
	// KeyID has been lost or predates key rotation bookkeeping.
	DualReadWindow int
}

// CosmianKMIPManager wraps and unwraps data encryption keys through a
// Cosmian KMIP server using github.com/ovh/kmip-go.
type CosmianKMIPManager struct {
	client   *kmipclient.Client
	provider string
	timeout  time.Duration

	mu      sync.RWMutex
	keys    []KMIPKeyReference
	dualRead int
}

// NewCosmianKMIPManager dials the configured KMIP endpoint and returns
// a manager ready to wrap and unwrap keys.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("kmip: at least one key reference is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	client, err := kmipclient.Dial(opts.Endpoint,
		kmipclient.WithTlsConfig(opts.TLSConfig),
	)
	if err != nil {
		return nil, fmt.Errorf("kmip: dialing %s: %w", opts.Endpoint, err)
	}

	return &CosmianKMIPManager{
		client:   client,
		provider: opts.Provider,
		timeout:  timeout,
		keys:     append([]KMIPKeyReference(nil), opts.Keys...),
		dualRead: opts.DualReadWindow,
	}, nil
}

// Provider implements KeyManager.
func (m *CosmianKMIPManager) Provider() string { return m.provider }

func (m *CosmianKMIPManager) activeKey() KMIPKeyReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[len(m.keys)-1]
}

func (m *CosmianKMIPManager) keyByID(id string) (KMIPKeyReference, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.keys {
		if k.ID == id {
			return k, true
		}
	}
	return KMIPKeyReference{}, false
}

// WrapKey implements KeyManager, encrypting plaintext under the
// currently active wrapping key.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	key := m.activeKey()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.Encrypt(key.ID).Data(plaintext).ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("kmip: wrapping key with %s: %w", key.ID, err)
	}

	return &KeyEnvelope{
		KeyID:      key.ID,
		KeyVersion: key.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey implements KeyManager. When envelope.KeyID is known it is
// used directly; otherwise the most recent DualReadWindow key
// versions are tried in turn, newest first, so keys rotated out from
// under an envelope that predates this manager's bookkeeping can still
// be recovered.
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if envelope.KeyID != "" {
		if _, ok := m.keyByID(envelope.KeyID); ok {
			return m.decryptWith(ctx, envelope.KeyID, envelope.Ciphertext)
		}
	}

	m.mu.RLock()
	candidates := append([]KMIPKeyReference(nil), m.keys...)
	m.mu.RUnlock()

	window := m.dualRead
	if window <= 0 || window > len(candidates) {
		window = len(candidates)
	}
	var lastErr error
	for i := len(candidates) - 1; i >= len(candidates)-window; i-- {
		plaintext, err := m.decryptWith(ctx, candidates[i].ID, envelope.Ciphertext)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("kmip: no configured key could unwrap envelope: %w", lastErr)
}

func (m *CosmianKMIPManager) decryptWith(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	resp, err := m.client.Decrypt(keyID).Data(ciphertext).ExecContext(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ActiveKeyVersion implements KeyManager.
func (m *CosmianKMIPManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	return m.activeKey().Version, nil
}

// HealthCheck implements KeyManager by fetching the active key's
// metadata, without performing any encryption.
func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	key := m.activeKey()
	resp, err := m.client.Get(key.ID).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("kmip: health check against %s: %w", key.ID, err)
	}
	if resp.ObjectType != kmip.ObjectTypeSymmetricKey {
		return fmt.Errorf("kmip: unexpected object type %v for wrapping key", resp.ObjectType)
	}
	return nil
}

// Close implements KeyManager.
func (m *CosmianKMIPManager) Close(ctx context.Context) error {
	return m.client.Close()
}
