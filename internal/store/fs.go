package store

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/quoco/internal/crypto"
	"github.com/kenneth/quoco/internal/debug"
	"github.com/kenneth/quoco/internal/refs"
)

// LockFileName is the advisory lock file written into a filesystem
// source's directory while it is open.
const LockFileName = "quoco.lock"

// FilesystemSource is the primary, always-present object source: a
// directory holding one file per object blob (named by its hex id)
// plus the names and hashes sidecar files, all encrypted with the same
// key.
type FilesystemSource struct {
	path   string
	key    *crypto.Key
	names  *refs.Names
	hashes *refs.Hashes
	locked bool
	log    *logrus.Entry
}

// OpenFilesystemSource opens the Quoco directory at path, decrypting
// its sidecar files with key. The lock file is only written after both
// sidecars decrypt successfully, so a wrong key never leaves behind a
// lock an operator has to clean up by hand.
func OpenFilesystemSource(path string, key *crypto.Key) (*FilesystemSource, error) {
	if err := checkNoLock(path); err != nil {
		return nil, err
	}

	names := refs.NewNames()
	if err := loadReferenceFormat(names, path, key); err != nil {
		return nil, fmt.Errorf("loading names index: %w", err)
	}
	hashes := refs.NewHashes()
	if err := loadReferenceFormat(hashes, path, key); err != nil {
		return nil, fmt.Errorf("loading hashes index: %w", err)
	}

	if err := touchLock(path); err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}

	return &FilesystemSource{
		path:   path,
		key:    key,
		names:  names,
		hashes: hashes,
		locked: true,
		log:    logrus.WithField("component", "fs_source").WithField("path", path),
	}, nil
}

func checkNoLock(path string) error {
	if _, err := os.Stat(filepath.Join(path, LockFileName)); err == nil {
		return ErrSourceLocked{Path: path}
	}
	return nil
}

func touchLock(path string) error {
	f, err := os.OpenFile(filepath.Join(path, LockFileName), os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func blobPath(dir string, id ObjectID) string {
	return filepath.Join(dir, hex.EncodeToString(id[:]))
}

// checkObjectSize rejects plaintext larger than MaxDataLength and
// leaves r positioned at the start.
func checkObjectSize(r io.ReadSeeker) error {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if size > MaxDataLength {
		return crypto.ErrInputTooLong{}
	}
	return nil
}

type loadableFormat interface {
	Specification() refs.Specification
	Load(r io.Reader) error
}

func loadReferenceFormat(format loadableFormat, dir string, key *crypto.Key) error {
	path := filepath.Join(dir, format.Specification().Name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := crypto.NewQuocoReader(f, key)
	if err != nil {
		return err
	}
	return format.Load(reader)
}

type savableFormat interface {
	Specification() refs.Specification
	Save(w io.Writer) error
}

func (s *FilesystemSource) saveReferenceFormat(format savableFormat) error {
	path := filepath.Join(s.path, format.Specification().Name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	writer, err := crypto.NewQuocoWriter(f, s.key)
	if err != nil {
		return err
	}
	if err := format.Save(writer); err != nil {
		return err
	}
	_, err = writer.Finish()
	return err
}

func (s *FilesystemSource) checkLock() error {
	if !s.locked {
		return ErrSourceClosed{}
	}
	return nil
}

func (s *FilesystemSource) modifyObjectUnchecked(id ObjectID, r io.ReadSeeker) error {
	if err := checkObjectSize(r); err != nil {
		return err
	}
	hash, err := crypto.HashReader(r)
	if err != nil {
		return err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}

	f, err := os.OpenFile(blobPath(s.path, id), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	writer, err := crypto.NewQuocoWriter(f, s.key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, r); err != nil {
		return fmt.Errorf("writing object %x: %w", id, err)
	}
	if _, err := writer.Finish(); err != nil {
		return fmt.Errorf("finishing object %x: %w", id, err)
	}

	if debug.Enabled() {
		s.log.WithField("id", hex.EncodeToString(id[:])).Debug("wrote object blob")
	}
	s.hashes.Set(id, hash)
	return nil
}

// Object implements ObjectSource.
func (s *FilesystemSource) Object(id ObjectID) (io.ReadCloser, error) {
	if err := s.checkLock(); err != nil {
		return nil, err
	}
	f, err := os.Open(blobPath(s.path, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectDoesNotExist{ID: id}
		}
		return nil, err
	}
	reader, err := crypto.NewQuocoReader(f, s.key)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &readCloser{Reader: reader, closer: f}, nil
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (rc *readCloser) Close() error { return rc.closer.Close() }

// ObjectExists implements ObjectSource.
func (s *FilesystemSource) ObjectExists(id ObjectID) (bool, error) {
	if err := s.checkLock(); err != nil {
		return false, err
	}
	_, err := os.Stat(blobPath(s.path, id))
	return err == nil, nil
}

// DeleteObject implements ObjectSource.
func (s *FilesystemSource) DeleteObject(id ObjectID) error {
	if err := s.checkLock(); err != nil {
		return err
	}
	s.hashes.Remove(id)
	s.names.Remove(id)
	if err := os.Remove(blobPath(s.path, id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CreateObject implements ObjectSource.
func (s *FilesystemSource) CreateObject(r io.ReadSeeker) (ObjectID, error) {
	if err := s.checkLock(); err != nil {
		return ObjectID{}, err
	}
	id := ObjectID(uuid.New())
	if err := s.modifyObjectUnchecked(id, r); err != nil {
		return ObjectID{}, err
	}
	return id, nil
}

// ModifyObject implements ObjectSource.
func (s *FilesystemSource) ModifyObject(id ObjectID, r io.ReadSeeker) error {
	if err := s.checkLock(); err != nil {
		return err
	}
	return s.modifyObjectUnchecked(id, r)
}

// ObjectHash implements ObjectSource.
func (s *FilesystemSource) ObjectHash(id ObjectID) (crypto.ObjectHash, bool) {
	return s.hashes.Hash(id)
}

// ObjectName implements ObjectSource.
func (s *FilesystemSource) ObjectName(id ObjectID) (string, bool) {
	return s.names.Name(id)
}

// ObjectIDWithName implements ObjectSource.
func (s *FilesystemSource) ObjectIDWithName(name string) (ObjectID, bool) {
	return s.names.ID(name)
}

// SetObjectName implements ObjectSource.
func (s *FilesystemSource) SetObjectName(id ObjectID, name string) error {
	if err := s.checkLock(); err != nil {
		return err
	}
	if len(name) > MaxNameLength {
		return crypto.ErrNameTooLong{}
	}
	s.names.Set(id, name)
	return nil
}

// RemoveObjectName implements ObjectSource.
func (s *FilesystemSource) RemoveObjectName(id ObjectID) error {
	if err := s.checkLock(); err != nil {
		return err
	}
	s.names.Remove(id)
	return nil
}

// Location implements ObjectSource.
func (s *FilesystemSource) Location() string { return s.path }

// LastUpdated implements ObjectSource.
func (s *FilesystemSource) LastUpdated() time.Time {
	return s.hashes.LastUpdated()
}

// HashIDs implements ObjectSource.
func (s *FilesystemSource) HashIDs() []ObjectID { return s.hashes.IDs() }

// NameIDs implements ObjectSource.
func (s *FilesystemSource) NameIDs() []ObjectID { return s.names.IDs() }

// Flush implements ObjectSource.
func (s *FilesystemSource) Flush() error {
	if err := s.checkLock(); err != nil {
		return err
	}
	if err := s.saveReferenceFormat(s.hashes); err != nil {
		return err
	}
	return s.saveReferenceFormat(s.names)
}

// Close flushes the source and releases its lock file. A failure to
// release the lock is surfaced rather than swallowed: a stuck lock
// file silently left behind would make every future open of this
// directory fail until an operator notices and removes it by hand.
func (s *FilesystemSource) Close() error {
	if err := s.Flush(); err != nil {
		s.log.WithError(err).Error("failed to flush before close")
		return err
	}
	if err := os.Remove(filepath.Join(s.path, LockFileName)); err != nil {
		s.log.WithError(err).Error("failed to release lock")
		return err
	}
	s.locked = false
	return nil
}
