package session

import (
	"context"
	"errors"
	"testing"

	"github.com/kenneth/quoco/internal/crypto"
)

func TestRegistryOpenGetClose(t *testing.T) {
	reg := NewRegistry()
	key := testKey(t)

	id, err := reg.Open(t.TempDir(), key, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}

	s, err := reg.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s == nil {
		t.Fatal("expected non-nil session")
	}

	if err := reg.Close(id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len() after close = %d, want 0", reg.Len())
	}
	if _, err := reg.Get(id); err == nil {
		t.Fatal("expected Get to fail after Close")
	}
}

func TestRegistryCloseUnknownID(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Close([16]byte{1, 2, 3}); err == nil {
		t.Fatal("expected Close of an unregistered id to fail")
	}
}

// xorKeyManager is an in-process stand-in for a KMIP server: it
// "wraps" by XORing with a fixed pad.
type xorKeyManager struct{}

func (xorKeyManager) Provider() string { return "test" }

func (xorKeyManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*crypto.KeyEnvelope, error) {
	return &crypto.KeyEnvelope{
		KeyID:      "pad-1",
		KeyVersion: 1,
		Provider:   "test",
		Ciphertext: xorPad(plaintext),
	}, nil
}

func (xorKeyManager) UnwrapKey(ctx context.Context, envelope *crypto.KeyEnvelope, metadata map[string]string) ([]byte, error) {
	if envelope.KeyID != "pad-1" {
		return nil, errors.New("unknown wrapping key")
	}
	return xorPad(envelope.Ciphertext), nil
}

func (xorKeyManager) ActiveKeyVersion(ctx context.Context) (int, error) { return 1, nil }
func (xorKeyManager) HealthCheck(ctx context.Context) error            { return nil }
func (xorKeyManager) Close(ctx context.Context) error                  { return nil }

func xorPad(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ 0xA7
	}
	return out
}

func TestRegistryOpenWithKeyManager(t *testing.T) {
	reg := NewRegistry()
	km := xorKeyManager{}

	key, envelope, err := crypto.WrapNewKey(context.Background(), km)
	if err != nil {
		t.Fatalf("WrapNewKey: %v", err)
	}

	dir := t.TempDir()
	id, err := reg.OpenWithKeyManager(context.Background(), dir, km, envelope, nil)
	if err != nil {
		t.Fatalf("OpenWithKeyManager: %v", err)
	}
	if err := reg.Close(id); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The unwrapped key must be the one that wrote the sidecars: a
	// plain Open with it succeeds where a different key would fail.
	if _, err := reg.Open(dir, key, nil); err != nil {
		t.Fatalf("reopen with unwrapped key: %v", err)
	}
	if err := reg.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
}

func TestRegistryOpenWithKeyManagerRejectsBadEnvelope(t *testing.T) {
	reg := NewRegistry()
	km := xorKeyManager{}

	_, err := reg.OpenWithKeyManager(context.Background(), t.TempDir(), km, &crypto.KeyEnvelope{
		KeyID:      "gone",
		Ciphertext: []byte("short"),
	}, nil)
	if err == nil {
		t.Fatal("expected an unknown wrapping key to fail the open")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry()
	key := testKey(t)

	if _, err := reg.Open(t.TempDir(), key, nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := reg.Open(t.TempDir(), key, nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}

	if err := reg.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len() after CloseAll = %d, want 0", reg.Len())
	}
}
