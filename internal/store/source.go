// Package store implements the object-source abstraction shared by the
// filesystem-backed primary store and the S3-compatible remote
// replica, plus the read-through cache layered over either one.
package store

import (
	"io"
	"time"

	"github.com/kenneth/quoco/internal/crypto"
	"github.com/kenneth/quoco/internal/refs"
)

// ObjectID identifies an object within a source.
type ObjectID = refs.ObjectID

// MaxDataLength bounds a single object's plaintext size.
const MaxDataLength = 4 << 30 // 4 GiB

// MaxNameLength bounds an object name's persisted size.
const MaxNameLength = 512

// ErrObjectDoesNotExist is returned when an operation references an
// id no object is stored under.
type ErrObjectDoesNotExist struct{ ID ObjectID }

func (e ErrObjectDoesNotExist) Error() string { return "object does not exist" }

// ErrNoObjectWithName is returned when a name lookup finds no id.
type ErrNoObjectWithName struct{ Name string }

func (e ErrNoObjectWithName) Error() string { return "no object with that name" }

// ErrSourceLocked is returned when opening a source whose lock is
// already held.
type ErrSourceLocked struct{ Path string }

func (e ErrSourceLocked) Error() string { return "source is locked: " + e.Path }

// ErrSourceClosed is returned by any operation on a source after it
// has been closed.
type ErrSourceClosed struct{}

func (ErrSourceClosed) Error() string { return "source has been closed" }

// ObjectSource is the contract both the filesystem source and the
// remote blob source implement, and that the read-through cache
// wraps transparently around either.
//
// Every mutating operation (CreateObject, ModifyObject, DeleteObject,
// SetObjectName, RemoveObjectName) updates the names/hashes indexes in
// memory; Flush persists them. A caller that mutates a source and
// never calls Flush loses those index updates, though the underlying
// blobs themselves are already durable.
type ObjectSource interface {
	// Object returns a reader over id's decrypted, decompressed
	// plaintext. The caller must close the returned reader.
	Object(id ObjectID) (io.ReadCloser, error)

	// ObjectExists reports whether id names a stored object.
	ObjectExists(id ObjectID) (bool, error)

	// DeleteObject removes id's blob and any name/hash recorded for
	// it.
	DeleteObject(id ObjectID) error

	// CreateObject stores the plaintext read from r as a new object
	// and returns its freshly generated id. r must be seekable
	// because the source hashes it, then rewinds to encrypt it.
	CreateObject(r io.ReadSeeker) (ObjectID, error)

	// ModifyObject overwrites id's contents with the plaintext read
	// from r.
	ModifyObject(id ObjectID, r io.ReadSeeker) error

	// ObjectHash returns the SHA-256 of id's plaintext, if recorded.
	ObjectHash(id ObjectID) (crypto.ObjectHash, bool)

	// ObjectName returns the display name recorded for id, if any.
	ObjectName(id ObjectID) (string, bool)

	// ObjectIDWithName returns the id a name was last given to.
	ObjectIDWithName(name string) (ObjectID, bool)

	// SetObjectName assigns name to id.
	SetObjectName(id ObjectID, name string) error

	// RemoveObjectName drops any name recorded for id.
	RemoveObjectName(id ObjectID) error

	// Location is a human-readable identifier for where this source
	// stores its blobs: a directory path or a bucket URL.
	Location() string

	// LastUpdated returns when the hashes index was last saved.
	LastUpdated() time.Time

	// HashIDs returns every id with a recorded hash.
	HashIDs() []ObjectID

	// NameIDs returns every id with a recorded name.
	NameIDs() []ObjectID

	// Flush persists the names and hashes indexes.
	Flush() error

	// Close flushes the source and releases its lock. Close must be
	// called exactly once.
	Close() error
}
