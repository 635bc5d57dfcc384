package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadParsesRemoteBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quoco.yaml")
	writeFile(t, path, `
path: /var/lib/quoco/store
cache_size_mb: 512
remote:
  provider: minio
  bucket: quoco-replica
  region: us-east-1
  endpoint: https://minio.internal:9000
  access_key: AKIA...
  secret_key: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path != "/var/lib/quoco/store" {
		t.Fatalf("Path = %q", cfg.Path)
	}
	if cfg.CacheSizeMB != 512 {
		t.Fatalf("CacheSizeMB = %d", cfg.CacheSizeMB)
	}
	if cfg.Remote == nil || cfg.Remote.Bucket != "quoco-replica" {
		t.Fatalf("Remote = %+v", cfg.Remote)
	}
}

func TestLoadRequiresPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quoco.yaml")
	writeFile(t, path, "cache_size_mb: 128\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for config missing path")
	}
}

func TestLoadRejectsGoogleStorageRemote(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quoco.yaml")

	writeFile(t, path, `
path: /var/lib/quoco/store
remote:
  google_storage:
    bucket: quoco-replica
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for google_storage missing credentials_path")
	}

	writeFile(t, path, `
path: /var/lib/quoco/store
remote:
  google_storage:
    bucket: quoco-replica
    credentials_path: /etc/quoco/sa.json
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected google_storage remote to be rejected as unimplemented")
	}
}

func TestLoadValidatesKeyCustody(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quoco.yaml")

	writeFile(t, path, `
path: /var/lib/quoco/store
key_custody:
  endpoint: kmip.internal:5696
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for key_custody missing key_id and envelope_path")
	}

	writeFile(t, path, `
path: /var/lib/quoco/store
key_custody:
  endpoint: kmip.internal:5696
  key_id: wrapping-key-1
  key_version: 3
  envelope_path: /etc/quoco/envelope.json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.KeyCustody == nil || cfg.KeyCustody.KeyVersion != 3 {
		t.Fatalf("KeyCustody = %+v", cfg.KeyCustody)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestWatchCredentialsFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	writeFile(t, path, "initial")

	changes := make(chan []byte, 4)
	watcher, err := WatchCredentials(path, func(data []byte) { changes <- data })
	if err != nil {
		t.Fatalf("WatchCredentials: %v", err)
	}
	defer watcher.Close()

	writeFile(t, path, "rotated-secret")

	select {
	case data := <-changes:
		if string(data) != "rotated-secret" {
			t.Fatalf("got %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for credentials change notification")
	}
}
