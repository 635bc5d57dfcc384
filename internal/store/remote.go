package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/quoco/internal/crypto"
	"github.com/kenneth/quoco/internal/refs"
	"github.com/kenneth/quoco/internal/s3"
)

const objectMIMEType = "application/octet-stream"

// RemoteSource is the optional replica backed by an S3-compatible
// object storage bucket. Its lock is a zero-byte blob named
// LockFileName, matching the filesystem source's own lock-file
// convention so both sources can share the session and sync code
// unaware of which transport they're actually talking to.
//
// Uploading a new or modified object buffers the whole encrypted
// object in memory before calling PutObject: the AWS SDK's object
// upload path wants a ReaderAt-compatible body for retries, the same
// limitation the store's original cloud-storage-backed implementation
// documented for its own provider.
type RemoteSource struct {
	client s3.Client
	bucket string
	key    *crypto.Key

	names  *refs.Names
	hashes *refs.Hashes
	locked bool
	log    *logrus.Entry
}

// OpenRemoteSource connects to bucket through client, decrypts its
// sidecar files with key, and acquires the remote lock.
func OpenRemoteSource(ctx context.Context, client s3.Client, bucket string, key *crypto.Key) (*RemoteSource, error) {
	locked, err := remoteExists(ctx, client, bucket, LockFileName)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrSourceLocked{Path: "s3://" + bucket}
	}

	names := refs.NewNames()
	if err := loadRemoteReferenceFormat(ctx, client, bucket, names, key); err != nil {
		return nil, fmt.Errorf("loading names index: %w", err)
	}
	hashes := refs.NewHashes()
	if err := loadRemoteReferenceFormat(ctx, client, bucket, hashes, key); err != nil {
		return nil, fmt.Errorf("loading hashes index: %w", err)
	}

	if err := client.PutObject(ctx, bucket, LockFileName, bytes.NewReader(nil), nil); err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}

	return &RemoteSource{
		client: client,
		bucket: bucket,
		key:    key,
		names:  names,
		hashes: hashes,
		locked: true,
		log:    logrus.WithField("component", "remote_source").WithField("bucket", bucket),
	}, nil
}

func remoteExists(ctx context.Context, client s3.Client, bucket, key string) (bool, error) {
	_, err := client.HeadObject(ctx, bucket, key)
	if err == nil {
		return true, nil
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, err
}

func loadRemoteReferenceFormat(ctx context.Context, client s3.Client, bucket string, format loadableFormat, key *crypto.Key) error {
	exists, err := remoteExists(ctx, client, bucket, format.Specification().Name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	body, _, err := client.GetObject(ctx, bucket, format.Specification().Name)
	if err != nil {
		return err
	}
	defer body.Close()

	reader, err := crypto.NewQuocoReader(body, key)
	if err != nil {
		return err
	}
	return format.Load(reader)
}

func (s *RemoteSource) checkLock() error {
	if !s.locked {
		return ErrSourceClosed{}
	}
	return nil
}

func (s *RemoteSource) putEncrypted(ctx context.Context, key string, r io.Reader) error {
	var buf bytes.Buffer
	writer, err := crypto.NewQuocoWriter(&buf, s.key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, r); err != nil {
		return err
	}
	if _, err := writer.Finish(); err != nil {
		return err
	}
	return s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(buf.Bytes()), map[string]string{"content-type": objectMIMEType})
}

func (s *RemoteSource) saveReferenceFormat(ctx context.Context, format savableFormat) error {
	var buf bytes.Buffer
	if err := format.Save(&buf); err != nil {
		return err
	}
	return s.putEncrypted(ctx, format.Specification().Name, &buf)
}

func (s *RemoteSource) modifyObjectUnchecked(ctx context.Context, id ObjectID, r io.ReadSeeker) error {
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
	if err := s.putEncrypted(ctx, hex.EncodeToString(id[:]), r); err != nil {
		return err
	}
	s.hashes.Set(id, hash)
	return nil
}

// Object implements ObjectSource.
func (s *RemoteSource) Object(id ObjectID) (io.ReadCloser, error) {
	if err := s.checkLock(); err != nil {
		return nil, err
	}
	ctx := context.Background()
	body, _, err := s.client.GetObject(ctx, s.bucket, hex.EncodeToString(id[:]))
	if err != nil {
		if exists, existsErr := remoteExists(ctx, s.client, s.bucket, hex.EncodeToString(id[:])); existsErr == nil && !exists {
			return nil, ErrObjectDoesNotExist{ID: id}
		}
		return nil, err
	}
	reader, err := crypto.NewQuocoReader(body, s.key)
	if err != nil {
		body.Close()
		return nil, err
	}
	return &readCloser{Reader: reader, closer: body}, nil
}

// ObjectExists implements ObjectSource.
func (s *RemoteSource) ObjectExists(id ObjectID) (bool, error) {
	if err := s.checkLock(); err != nil {
		return false, err
	}
	return remoteExists(context.Background(), s.client, s.bucket, hex.EncodeToString(id[:]))
}

// DeleteObject implements ObjectSource.
func (s *RemoteSource) DeleteObject(id ObjectID) error {
	if err := s.checkLock(); err != nil {
		return err
	}
	s.hashes.Remove(id)
	s.names.Remove(id)
	return s.client.DeleteObject(context.Background(), s.bucket, hex.EncodeToString(id[:]))
}

// CreateObject implements ObjectSource.
func (s *RemoteSource) CreateObject(r io.ReadSeeker) (ObjectID, error) {
	if err := s.checkLock(); err != nil {
		return ObjectID{}, err
	}
	id := ObjectID(uuid.New())
	if err := s.modifyObjectUnchecked(context.Background(), id, r); err != nil {
		return ObjectID{}, err
	}
	return id, nil
}

// ModifyObject implements ObjectSource.
func (s *RemoteSource) ModifyObject(id ObjectID, r io.ReadSeeker) error {
	if err := s.checkLock(); err != nil {
		return err
	}
	return s.modifyObjectUnchecked(context.Background(), id, r)
}

// ObjectHash implements ObjectSource.
func (s *RemoteSource) ObjectHash(id ObjectID) (crypto.ObjectHash, bool) {
	return s.hashes.Hash(id)
}

// ObjectName implements ObjectSource.
func (s *RemoteSource) ObjectName(id ObjectID) (string, bool) {
	return s.names.Name(id)
}

// ObjectIDWithName implements ObjectSource.
func (s *RemoteSource) ObjectIDWithName(name string) (ObjectID, bool) {
	return s.names.ID(name)
}

// SetObjectName implements ObjectSource.
func (s *RemoteSource) SetObjectName(id ObjectID, name string) error {
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
func (s *RemoteSource) RemoveObjectName(id ObjectID) error {
	if err := s.checkLock(); err != nil {
		return err
	}
	s.names.Remove(id)
	return nil
}

// Location implements ObjectSource.
func (s *RemoteSource) Location() string { return "s3://" + s.bucket }

// LastUpdated implements ObjectSource.
func (s *RemoteSource) LastUpdated() time.Time { return s.hashes.LastUpdated() }

// HashIDs implements ObjectSource.
func (s *RemoteSource) HashIDs() []ObjectID { return s.hashes.IDs() }

// NameIDs implements ObjectSource.
func (s *RemoteSource) NameIDs() []ObjectID { return s.names.IDs() }

// Flush implements ObjectSource.
func (s *RemoteSource) Flush() error {
	if err := s.checkLock(); err != nil {
		return err
	}
	ctx := context.Background()
	if err := s.saveReferenceFormat(ctx, s.hashes); err != nil {
		return err
	}
	return s.saveReferenceFormat(ctx, s.names)
}

// Close flushes the source and deletes the remote lock blob.
func (s *RemoteSource) Close() error {
	if err := s.Flush(); err != nil {
		s.log.WithError(err).Error("failed to flush before close")
		return err
	}
	if err := s.client.DeleteObject(context.Background(), s.bucket, LockFileName); err != nil {
		s.log.WithError(err).Error("failed to release lock")
		return err
	}
	s.locked = false
	return nil
}
