// Package config loads the YAML configuration describing a Quoco
// store's local path and, optionally, its S3-compatible remote
// replica, and watches the remote credentials file for rotation.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/kenneth/quoco/internal/tracing"
)

// BackendConfig describes how to reach an S3-compatible remote
// replica bucket.
type BackendConfig struct {
	Provider  string `yaml:"provider"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	// GoogleStorage, when set, selects the deferred Google Cloud
	// Storage remote variant instead of S3. Load checks its fields
	// and rejects the config until a client exists: see DESIGN.md for
	// why this remains an open, unimplemented backend.
	GoogleStorage *GoogleStorageConfig `yaml:"google_storage,omitempty"`
}

// GoogleStorageConfig names the bucket and service-account credentials
// path a Google Cloud Storage remote would use, reserved for a future
// implementation.
type GoogleStorageConfig struct {
	Bucket          string `yaml:"bucket"`
	CredentialsPath string `yaml:"credentials_path"`
}

// Config is the top-level quoco.yaml document.
type Config struct {
	Path        string         `yaml:"path"`
	Remote      *BackendConfig `yaml:"remote,omitempty"`
	CacheSizeMB int            `yaml:"cache_size_mb"`

	// DiagAddr, when set, is the listen address of the diagnostics
	// server (/healthz, /readyz, /metrics) a long-running process
	// starts alongside its sessions.
	DiagAddr string `yaml:"diag_addr,omitempty"`

	// Tracing selects the span exporter; empty disables tracing.
	Tracing tracing.Config `yaml:"tracing,omitempty"`

	// KeyCustody, when set, replaces password-derived keys with a
	// session key wrapped through an external KMIP server. The wrapped
	// envelope is persisted at EnvelopePath; the store's wire format
	// is unaffected.
	KeyCustody *KeyCustodyConfig `yaml:"key_custody,omitempty"`
}

// KeyCustodyConfig names the KMIP server and wrapping key guarding
// the session key, and where the wrapped envelope lives on disk.
type KeyCustodyConfig struct {
	Endpoint     string `yaml:"endpoint"`
	KeyID        string `yaml:"key_id"`
	KeyVersion   int    `yaml:"key_version"`
	EnvelopePath string `yaml:"envelope_path"`
}

// Load reads and parses a Quoco config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("config %s: path is required", path)
	}
	if cfg.Remote != nil && cfg.Remote.GoogleStorage != nil {
		gs := cfg.Remote.GoogleStorage
		if gs.Bucket == "" || gs.CredentialsPath == "" {
			return nil, fmt.Errorf("config %s: google_storage requires bucket and credentials_path", path)
		}
		return nil, fmt.Errorf("config %s: the google_storage remote is not implemented; use an s3-compatible provider", path)
	}
	if kc := cfg.KeyCustody; kc != nil {
		if kc.Endpoint == "" || kc.KeyID == "" || kc.EnvelopePath == "" {
			return nil, fmt.Errorf("config %s: key_custody requires endpoint, key_id, and envelope_path", path)
		}
	}
	return &cfg, nil
}

// CredentialsWatcher watches a remote credentials file for rotation
// and invokes onChange with the file's fresh contents whenever it is
// written. This lets a long-lived process pick up a rotated
// service-account key or access key pair without restarting.
type CredentialsWatcher struct {
	watcher *fsnotify.Watcher
	log     *logrus.Entry

	mu   sync.Mutex
	done chan struct{}
}

// WatchCredentials starts watching path for changes, calling onChange
// with its contents after every write. The returned watcher must be
// closed when no longer needed.
func WatchCredentials(path string, onChange func([]byte)) (*CredentialsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating credentials watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	cw := &CredentialsWatcher{
		watcher: w,
		log:     logrus.WithField("component", "config_watcher").WithField("path", path),
		done:    make(chan struct{}),
	}

	go cw.run(path, onChange)
	return cw, nil
}

func (cw *CredentialsWatcher) run(path string, onChange func([]byte)) {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				cw.log.WithError(err).Warn("failed to read rotated credentials file")
				continue
			}
			onChange(data)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.WithError(err).Warn("credentials watcher error")
		case <-cw.done:
			return
		}
	}
}

// Close stops watching and releases the underlying inotify/kqueue
// handle.
func (cw *CredentialsWatcher) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	select {
	case <-cw.done:
	default:
		close(cw.done)
	}
	return cw.watcher.Close()
}
