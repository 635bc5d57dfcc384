// Command quoco-syncd holds a Quoco session open against a local
// store, periodically reconciles it with its configured remote
// replica, and serves the diagnostics endpoints while it runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/quoco/internal/config"
	"github.com/kenneth/quoco/internal/crypto"
	"github.com/kenneth/quoco/internal/debug"
	"github.com/kenneth/quoco/internal/diag"
	"github.com/kenneth/quoco/internal/metrics"
	"github.com/kenneth/quoco/internal/s3"
	"github.com/kenneth/quoco/internal/session"
	"github.com/kenneth/quoco/internal/store"
	"github.com/kenneth/quoco/internal/tracing"
)

const saltFileName = "quoco.salt"

func main() {
	var (
		configPath   = flag.String("config", "quoco.yaml", "Path to the quoco config file")
		syncInterval = flag.Duration("sync-interval", 5*time.Minute, "How often to push to the remote replica")
		logLevel     = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logger.WithError(err).Fatal("invalid log level")
	}
	logger.SetLevel(level)
	debug.InitFromLogLevel(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("loading config")
	}

	shutdownTracing, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("setting up tracing")
	}
	defer shutdownTracing(context.Background())

	var key *crypto.Key
	var envelope *crypto.KeyEnvelope
	var keyManager crypto.KeyManager
	if cfg.KeyCustody != nil {
		keyManager, err = crypto.NewCosmianKMIPManager(crypto.CosmianKMIPOptions{
			Endpoint: cfg.KeyCustody.Endpoint,
			Keys: []crypto.KMIPKeyReference{
				{ID: cfg.KeyCustody.KeyID, Version: cfg.KeyCustody.KeyVersion},
			},
			Provider: "kmip",
		})
		if err != nil {
			logger.WithError(err).Fatal("connecting to key custody server")
		}
		defer keyManager.Close(context.Background())

		key, envelope, err = custodyStoreKey(context.Background(), keyManager, cfg.KeyCustody.EnvelopePath)
		if err != nil {
			logger.WithError(err).Fatal("recovering store key from custody")
		}
	} else {
		password := os.Getenv("QUOCO_PASSWORD")
		if password == "" {
			logger.Fatal("QUOCO_PASSWORD must be set")
		}
		key, err = deriveStoreKey(cfg.Path, password)
		if err != nil {
			logger.WithError(err).Fatal("deriving store key")
		}
	}

	var remote store.ObjectSource
	if cfg.Remote != nil {
		client, err := s3.NewClient(cfg.Remote)
		if err != nil {
			logger.WithError(err).Fatal("building remote client")
		}
		remote, err = store.OpenRemoteSource(context.Background(), client, cfg.Remote.Bucket, key)
		if err != nil {
			logger.WithError(err).Fatal("opening remote source")
		}
	}

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()

	reg := session.NewRegistry()
	reg.Instrument(m)

	opts := []session.Option{}
	if cfg.CacheSizeMB > 0 {
		opts = append(opts, session.WithCacheBudget(int64(cfg.CacheSizeMB)*1024*1024))
	}
	var handle uuid.UUID
	if keyManager != nil {
		handle, err = reg.OpenWithKeyManager(context.Background(), cfg.Path, keyManager, envelope, remote, opts...)
	} else {
		handle, err = reg.Open(cfg.Path, key, remote, opts...)
	}
	if err != nil {
		logger.WithError(err).Fatal("opening session")
	}
	logger.WithField("session_id", handle.String()).Info("session open")

	if cfg.DiagAddr != "" {
		var custodyCheck func(context.Context) error
		if keyManager != nil {
			custodyCheck = keyManager.HealthCheck
		}
		server := diag.NewServer(cfg.DiagAddr, diag.RegistryStatus{Registry: reg}, m, custodyCheck)
		go func() {
			if err := server.ListenAndServe(); err != nil {
				logger.WithError(err).Error("diagnostics server stopped")
			}
		}()
		defer server.Shutdown(context.Background())
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if remote == nil {
				continue
			}
			s, err := reg.Get(handle)
			if err != nil {
				logger.WithError(err).Error("session lookup failed")
				continue
			}
			if err := s.PushRemote(); err != nil {
				logger.WithError(err).Error("push to remote failed")
			}
		case sig := <-stop:
			logger.WithField("signal", sig.String()).Info("shutting down")
			if err := reg.CloseAll(); err != nil {
				logger.WithError(err).Error("closing sessions")
				os.Exit(1)
			}
			return
		}
	}
}

// custodyStoreKey recovers the session key from the wrapped envelope
// at path. On first use it wraps a fresh key through km and persists
// the envelope; afterwards it unwraps the persisted one.
func custodyStoreKey(ctx context.Context, km crypto.KeyManager, path string) (*crypto.Key, *crypto.KeyEnvelope, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key, envelope, err := crypto.WrapNewKey(ctx, km)
		if err != nil {
			return nil, nil, err
		}
		out, err := json.MarshalIndent(envelope, "", "  ")
		if err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, nil, err
		}
		return key, envelope, nil
	} else if err != nil {
		return nil, nil, err
	}

	var envelope crypto.KeyEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, nil, fmt.Errorf("parsing key envelope %s: %w", path, err)
	}
	key, err := crypto.UnwrapSessionKey(ctx, km, &envelope)
	if err != nil {
		return nil, nil, err
	}
	return key, &envelope, nil
}

// deriveStoreKey derives the session key from the operator's password
// and the store's salt file, creating the salt on first use.
func deriveStoreKey(storePath, password string) (*crypto.Key, error) {
	saltPath := filepath.Join(storePath, saltFileName)
	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt, err = crypto.NewSalt()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(storePath, 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return crypto.DeriveKey(password, salt)
}
