package crypto

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func testKey(t *testing.T) *Key {
	t.Helper()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	key, err := DeriveKey("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	return key
}

func TestWriterReaderRoundTrip(t *testing.T) {
	key := testKey(t)

	cases := [][]byte{
		nil,
		[]byte("hello"),
		bytes.Repeat([]byte("a"), ChunkLength),
		bytes.Repeat([]byte("b"), ChunkLength+1),
		bytes.Repeat([]byte("c"), ChunkLength*3+17),
	}

	for _, plaintext := range cases {
		var buf bytes.Buffer
		w, err := NewWriter(&buf, key)
		if err != nil {
			t.Fatalf("NewWriter: %v", err)
		}
		if _, err := w.Write(plaintext); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if _, err := w.Finish(); err != nil {
			t.Fatalf("Finish: %v", err)
		}

		r, err := NewReader(&buf, key)
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(plaintext))
		}
	}
}

func TestWriteAfterFinishFails(t *testing.T) {
	key := testKey(t)
	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := w.Write([]byte("x")); err != io.ErrClosedPipe {
		t.Fatalf("Write after Finish: got %v, want io.ErrClosedPipe", err)
	}
}

func TestTamperedCiphertextFailsAuthentication(t *testing.T) {
	key := testKey(t)
	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write([]byte("super secret")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	ciphertext := buf.Bytes()
	tampered := make([]byte, len(ciphertext))
	copy(tampered, ciphertext)
	tampered[len(tampered)-1] ^= 0xFF

	r, err := NewReader(bytes.NewReader(tampered), key)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := io.ReadAll(r); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext")
	}
}

func TestWrongKeyFailsAuthentication(t *testing.T) {
	key := testKey(t)
	wrongKey := testKey(t)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write([]byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r, err := NewReader(&buf, wrongKey)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := io.ReadAll(r); err == nil {
		t.Fatal("expected authentication failure with wrong key")
	}
}

func TestEmptyPlaintextStillProducesCiphertext(t *testing.T) {
	key := testKey(t)
	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// Header plus one empty final chunk.
	if buf.Len() != NonceSize+Overhead {
		t.Fatalf("ciphertext length = %d, want %d", buf.Len(), NonceSize+Overhead)
	}

	r, err := NewReader(&buf, key)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty plaintext, got %d bytes", len(got))
	}
}

func TestDoubleFinishFails(t *testing.T) {
	key := testKey(t)
	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := w.Finish(); err == nil {
		t.Fatal("expected second Finish to fail")
	}
}

func TestMissingFinalChunkFailsDecryption(t *testing.T) {
	key := testKey(t)
	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	// Two full chunks plus a final one.
	if _, err := w.Write(bytes.Repeat([]byte("z"), ChunkLength*2)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// Drop the final chunk entirely, cutting the stream at a chunk
	// boundary so every remaining chunk still authenticates.
	truncated := buf.Bytes()[:buf.Len()-Overhead]

	r, err := NewReader(bytes.NewReader(truncated), key)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	_, err = io.ReadAll(r)
	var decErr *DecryptionError
	if err == nil {
		t.Fatal("expected truncated stream to fail decryption")
	}
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecryptionError, got %T: %v", err, err)
	}
}

func TestWrongKeyReportsDecryptionError(t *testing.T) {
	key := testKey(t)
	wrongKey := testKey(t)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write([]byte("secret")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r, err := NewReader(&buf, wrongKey)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	_, err = io.ReadAll(r)
	var decErr *DecryptionError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecryptionError, got %T: %v", err, err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	k1, err := DeriveKey("swordfish", salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := DeriveKey("swordfish", salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if *k1 != *k2 {
		t.Fatal("expected identical keys for identical password and salt")
	}
}

func TestQuocoWriterReaderRoundTripWithCompression(t *testing.T) {
	key := testKey(t)
	plaintext := bytes.Repeat([]byte("quoco quoco quoco "), 1000)

	var buf bytes.Buffer
	w, err := NewQuocoWriter(&buf, key)
	if err != nil {
		t.Fatalf("NewQuocoWriter: %v", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r, err := NewQuocoReader(&buf, key)
	if err != nil {
		t.Fatalf("NewQuocoReader: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("compressed round trip mismatch")
	}
}

func TestHashReaderDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte("x"), ChunkLength*2+5)
	h1, err := HashReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	h2, err := HashReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected identical hashes for identical input")
	}
}

func TestDeriveKeyRequiresPassword(t *testing.T) {
	salt, _ := NewSalt()
	if _, err := DeriveKey("", salt); err == nil {
		t.Fatal("expected error for empty password")
	}
}
