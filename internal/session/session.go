// Package session binds a local primary object source to an optional
// remote replica, tracks checked-out temp files for external editors,
// and drives the push/pull reconciliation engine between the two.
package session

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kenneth/quoco/internal/audit"
	"github.com/kenneth/quoco/internal/crypto"
	"github.com/kenneth/quoco/internal/metrics"
	"github.com/kenneth/quoco/internal/store"
	"github.com/kenneth/quoco/internal/tracing"
)

// Session carries its own mutex, which every method takes, so calls
// on the same Session from multiple goroutines serialize; the Registry
// only guards handle lookup.
type Session struct {
	mu sync.Mutex

	local  *store.CachedSource
	remote *store.CachedSource

	tempFiles map[store.ObjectID]string
	closed    bool

	metrics *metrics.Metrics
	audit   audit.Logger
	budget  int64

	lastSync    time.Time
	lastSyncErr error
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithMetrics attaches Prometheus instrumentation to the session and
// both of its caches.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithAudit attaches an audit logger that records object accesses and
// sync runs.
func WithAudit(l audit.Logger) Option {
	return func(s *Session) { s.audit = l }
}

// WithCacheBudget overrides the default per-source cache size, for
// deployments that configure cache_size_mb.
func WithCacheBudget(bytes int64) Option {
	return func(s *Session) { s.budget = bytes }
}

// New wraps local (and, if non-nil, remote) in read-through caches and
// returns a fresh Session. local and remote must already be open
// (locked) sources; Close releases both.
func New(local store.ObjectSource, remote store.ObjectSource, opts ...Option) *Session {
	s := &Session{
		tempFiles: make(map[store.ObjectID]string),
		budget:    store.MaxCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.local = store.NewCachedSourceWithBudget(local, s.budget)
	if remote != nil {
		s.remote = store.NewCachedSourceWithBudget(remote, s.budget)
	}
	if s.metrics != nil {
		s.local.Instrument(s.metrics, "local")
		if s.remote != nil {
			s.remote.Instrument(s.metrics, "remote")
		}
	}
	return s
}

// Local returns the session's primary source.
func (s *Session) Local() *store.CachedSource { return s.local }

// Remote returns the session's replica source, or nil if none is
// configured.
func (s *Session) Remote() *store.CachedSource { return s.remote }

func (s *Session) checkOpen() error {
	if s.closed {
		return ErrSessionDisposed{}
	}
	return nil
}

// instrument starts a span for op and returns a completion callback
// that records the operation's duration and outcome. The span context
// ties Prometheus exemplars to the trace when tracing is enabled.
func (s *Session) instrument(op string) (context.Context, func(id store.ObjectID, err error)) {
	ctx, span := tracing.Tracer().Start(context.Background(), "quoco."+op)
	start := time.Now()
	return ctx, func(id store.ObjectID, err error) {
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordSourceOperation(ctx, op, "local", elapsed)
			if err != nil {
				s.metrics.RecordSourceError(op, "local", errorType(err))
			}
		}
		if s.audit != nil {
			objectID := ""
			if id != (store.ObjectID{}) {
				objectID = hex.EncodeToString(id[:])
			}
			s.audit.LogAccess(op, s.local.Location(), objectID, "", err == nil, err, elapsed)
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// Object returns a reader over id's plaintext through the local cache.
func (s *Session) Object(id store.ObjectID) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	_, done := s.instrument("object")
	r, err := s.local.Object(id)
	done(id, err)
	return r, err
}

// ObjectExists reports whether id names a stored object.
func (s *Session) ObjectExists(id store.ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.local.ObjectExists(id)
}

// CreateObject stores the plaintext read from r as a new local object
// and returns its id.
func (s *Session) CreateObject(r io.ReadSeeker) (store.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return store.ObjectID{}, err
	}
	_, done := s.instrument("create_object")
	id, err := s.local.CreateObject(r)
	done(id, err)
	return id, err
}

// ModifyObject overwrites id's contents with the plaintext read from
// r.
func (s *Session) ModifyObject(id store.ObjectID, r io.ReadSeeker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, done := s.instrument("modify_object")
	err := s.local.ModifyObject(id, r)
	done(id, err)
	return err
}

// DeleteObject removes id's blob along with its name and hash entries.
func (s *Session) DeleteObject(id store.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, done := s.instrument("delete_object")
	err := s.local.DeleteObject(id)
	done(id, err)
	return err
}

// ObjectHash returns the recorded plaintext hash for id, if any.
func (s *Session) ObjectHash(id store.ObjectID) (crypto.ObjectHash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.ObjectHash(id)
}

// ObjectName returns the name recorded for id, if any.
func (s *Session) ObjectName(id store.ObjectID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.ObjectName(id)
}

// ObjectIDWithName returns the id holding name, if any.
func (s *Session) ObjectIDWithName(name string) (store.ObjectID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.ObjectIDWithName(name)
}

// SetObjectName assigns name to id in the local names index.
func (s *Session) SetObjectName(id store.ObjectID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, done := s.instrument("set_object_name")
	err := s.local.SetObjectName(id, name)
	done(id, err)
	return err
}

// RemoveObjectName drops any name recorded for id.
func (s *Session) RemoveObjectName(id store.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, done := s.instrument("remove_object_name")
	err := s.local.RemoveObjectName(id)
	done(id, err)
	return err
}

// FindNames returns every local id whose name matches the glob
// pattern.
func (s *Session) FindNames(pattern string) []store.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return store.FindNames(s.local, pattern)
}

// Flush persists the local (and, if configured, remote) sidecar
// indexes.
func (s *Session) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.local.Flush(); err != nil {
		return err
	}
	if s.remote != nil {
		return s.remote.Flush()
	}
	return nil
}

// Status describes one open session for the diagnostics surface.
type Status struct {
	Source        string
	HasRemote     bool
	LastSync      time.Time
	LastSyncError string
}

// Status reports the session's source location and last sync outcome.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Source:    s.local.Location(),
		HasRemote: s.remote != nil,
		LastSync:  s.lastSync,
	}
	if s.lastSyncErr != nil {
		st.LastSyncError = s.lastSyncErr.Error()
	}
	return st
}

// ObjectTempFile returns a filesystem path containing id's decrypted
// plaintext, suitable for handing to an external editor. Repeated
// calls for the same id within a session return the same path without
// re-reading the object.
func (s *Session) ObjectTempFile(id store.ObjectID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if path, ok := s.tempFiles[id]; ok {
		return path, nil
	}

	f, err := os.CreateTemp("", "quoco-*.tmp")
	if err != nil {
		return "", err
	}
	defer f.Close()

	r, err := s.local.Object(id)
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}
	defer r.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(f.Name())
		return "", err
	}

	s.tempFiles[id] = f.Name()
	return f.Name(), nil
}

// ClearTempFiles writes every checked-out temp file's current
// contents back to its object via ModifyObject, then securely erases
// the temp file. Per-file failures are collected; a single failure
// does not prevent the others from being attempted.
func (s *Session) ClearTempFiles() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.clearTempFilesLocked()
}

func (s *Session) clearTempFilesLocked() error {
	var failures []ErrTempFileDeleteFailed
	for id, path := range s.tempFiles {
		if err := s.writeBackLocked(id, path); err != nil {
			failures = append(failures, ErrTempFileDeleteFailed{Path: path, Err: err})
			continue
		}
		if !eraseFile(path) {
			failures = append(failures, ErrTempFileDeleteFailed{Path: path, Err: os.ErrInvalid})
		}
		delete(s.tempFiles, id)
	}

	if len(failures) > 0 {
		return ErrTempFileDeletesFailed{Failures: failures}
	}
	return nil
}

func (s *Session) writeBackLocked(id store.ObjectID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.local.ModifyObject(id, f)
}

// Close clears any remaining temp files, flushes both sources, and
// marks the session disposed. Close must be called exactly once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionDisposed{}
	}

	var tempErr error
	if len(s.tempFiles) > 0 {
		tempErr = s.clearTempFilesLocked()
	}
	s.closed = true
	s.mu.Unlock()

	localErr := s.local.Close()
	var remoteErr error
	if s.remote != nil {
		remoteErr = s.remote.Close()
	}

	switch {
	case localErr != nil:
		return localErr
	case remoteErr != nil:
		return remoteErr
	default:
		return tempErr
	}
}

// errorType buckets an error for the error_type metric label, keeping
// label cardinality bounded no matter what the underlying layers
// return.
func errorType(err error) string {
	switch err.(type) {
	case store.ErrObjectDoesNotExist:
		return "not_found"
	case store.ErrNoObjectWithName:
		return "no_such_name"
	case store.ErrSourceLocked:
		return "locked"
	case store.ErrSourceClosed:
		return "closed"
	case ErrSessionDisposed:
		return "disposed"
	case ErrNoRemotes:
		return "no_remotes"
	default:
		return "other"
	}
}
