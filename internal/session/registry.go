package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/kenneth/quoco/internal/crypto"
	"github.com/kenneth/quoco/internal/metrics"
	"github.com/kenneth/quoco/internal/store"
)

// Registry is a process-wide, mutex-guarded table of open sessions,
// letting external bindings address a session by an opaque handle
// rather than holding a Go reference across an FFI boundary.
//
// Registry access is the only point where sessions contend with each
// other; once a handle is looked up, the caller operates on that
// Session directly and its own mutex serializes concurrent use from
// multiple goroutines.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	metrics  *metrics.Metrics
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session)}
}

// Instrument attaches Prometheus instrumentation to the registry and
// every session it subsequently opens.
func (reg *Registry) Instrument(m *metrics.Metrics) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.metrics = m
}

func (reg *Registry) recordLenLocked() {
	if reg.metrics != nil {
		reg.metrics.SetOpenSessions(len(reg.sessions))
	}
}

// Open creates a filesystem source at path (optionally paired with a
// remote source), registers a new Session under a fresh handle, and
// returns that handle.
func (reg *Registry) Open(path string, key *crypto.Key, remote store.ObjectSource, opts ...Option) (uuid.UUID, error) {
	local, err := store.OpenFilesystemSource(path, key)
	if err != nil {
		return uuid.UUID{}, err
	}

	reg.mu.Lock()
	if reg.metrics != nil {
		opts = append(opts, WithMetrics(reg.metrics))
	}
	reg.mu.Unlock()

	s := New(local, remote, opts...)
	id := uuid.New()

	reg.mu.Lock()
	reg.sessions[id] = s
	reg.recordLenLocked()
	reg.mu.Unlock()

	return id, nil
}

// OpenWithKeyManager is Open for deployments that centralize key
// custody: instead of a password-derived key, the session key is
// unwrapped from a previously persisted envelope through km before
// the sources are opened. Everything past key recovery is identical
// to Open.
func (reg *Registry) OpenWithKeyManager(ctx context.Context, path string, km crypto.KeyManager, envelope *crypto.KeyEnvelope, remote store.ObjectSource, opts ...Option) (uuid.UUID, error) {
	key, err := crypto.UnwrapSessionKey(ctx, km, envelope)
	if err != nil {
		return uuid.UUID{}, err
	}
	return reg.Open(path, key, remote, opts...)
}

// Get returns the session registered under id.
func (reg *Registry) Get(id uuid.UUID) (*Session, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s, ok := reg.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound{ID: id.String()}
	}
	return s, nil
}

// Close closes and removes the session registered under id. It
// reports ErrSessionNotFound if no such session is open.
func (reg *Registry) Close(id uuid.UUID) error {
	reg.mu.Lock()
	s, ok := reg.sessions[id]
	if ok {
		delete(reg.sessions, id)
	}
	reg.recordLenLocked()
	reg.mu.Unlock()

	if !ok {
		return ErrSessionNotFound{ID: id.String()}
	}
	return s.Close()
}

// CloseAll closes and removes every registered session. Sessions
// release their locks as they close; failures are collected the same
// way ClearTempFiles aggregates per-file errors, and CloseAll still
// attempts every session even if an earlier one fails.
func (reg *Registry) CloseAll() error {
	reg.mu.Lock()
	sessions := reg.sessions
	reg.sessions = make(map[uuid.UUID]*Session)
	reg.recordLenLocked()
	reg.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of currently open sessions.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.sessions)
}

// Snapshot returns the currently open sessions keyed by handle. The
// map is a copy; sessions themselves are shared.
func (reg *Registry) Snapshot() map[uuid.UUID]*Session {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make(map[uuid.UUID]*Session, len(reg.sessions))
	for id, s := range reg.sessions {
		out[id] = s
	}
	return out
}
