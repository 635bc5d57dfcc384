package session

import (
	"context"
	"fmt"
	"time"

	"github.com/kenneth/quoco/internal/crypto"
	"github.com/kenneth/quoco/internal/store"
	"github.com/kenneth/quoco/internal/tracing"
)

// reconcile implements the primary-replica reconciliation primitive:
// given the value recorded on each side for some key, it decides
// whether that key's effect needs to be (re)applied to the replica.
//
//   - replica has no value, or primary's value differs from replica's
//     -> modify(primary, add=true)
//   - both present and equal -> no-op
//   - replica has a value but primary does not -> modify(nil, add=false)
//
// The deletion branch is a conscious no-op in every caller below: the
// reconciliation loop only ever copies forward, it never deletes an
// object from the replica just because the primary has since removed
// it.
func reconcile[V comparable](primary, replica *V, modify func(value *V, add bool) error) error {
	switch {
	case replica == nil:
		return modify(primary, true)
	case primary == nil:
		return modify(nil, false)
	case *primary == *replica:
		return nil
	default:
		return modify(primary, true)
	}
}

func unionIDs(a, b []store.ObjectID) []store.ObjectID {
	seen := make(map[store.ObjectID]struct{}, len(a)+len(b))
	out := make([]store.ObjectID, 0, len(a)+len(b))
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func copyObject(primary, replica *store.CachedSource, id store.ObjectID) error {
	r, err := primary.ObjectReadSeeker(id)
	if err != nil {
		return fmt.Errorf("reading %x from primary: %w", id, err)
	}
	if err := replica.ModifyObject(id, r); err != nil {
		return fmt.Errorf("writing %x to replica: %w", id, err)
	}
	return nil
}

func syncHashes(primary, replica *store.CachedSource) (int, error) {
	copied := 0
	for _, id := range unionIDs(primary.HashIDs(), replica.HashIDs()) {
		ph, pok := primary.ObjectHash(id)
		rh, rok := replica.ObjectHash(id)

		var pv, rv *crypto.ObjectHash
		if pok {
			pv = &ph
		}
		if rok {
			rv = &rh
		}

		err := reconcile(pv, rv, func(value *crypto.ObjectHash, add bool) error {
			if !add {
				return nil
			}
			copied++
			return copyObject(primary, replica, id)
		})
		if err != nil {
			return copied, err
		}
	}
	return copied, nil
}

func syncNames(primary, replica *store.CachedSource) error {
	for _, id := range unionIDs(primary.NameIDs(), replica.NameIDs()) {
		pn, pok := primary.ObjectName(id)
		rn, rok := replica.ObjectName(id)

		var pv, rv *string
		if pok {
			pv = &pn
		}
		if rok {
			rv = &rn
		}

		err := reconcile(pv, rv, func(value *string, add bool) error {
			if !add {
				return nil
			}
			return replica.SetObjectName(id, *value)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func syncSources(primary, replica *store.CachedSource) (int, error) {
	copied, err := syncHashes(primary, replica)
	if err != nil {
		return copied, err
	}
	if err := syncNames(primary, replica); err != nil {
		return copied, err
	}
	if err := primary.Flush(); err != nil {
		return copied, err
	}
	return copied, replica.Flush()
}

// runSync executes a reconciliation in the given direction and records
// its outcome for metrics, audit, and the diagnostics surface.
func (s *Session) runSync(direction string, primary, replica *store.CachedSource) error {
	_, span := tracing.Tracer().Start(context.Background(), "quoco."+direction)
	defer span.End()

	start := time.Now()
	copied, err := syncSources(primary, replica)
	elapsed := time.Since(start)

	s.lastSync = time.Now()
	s.lastSyncErr = err
	if s.metrics != nil {
		s.metrics.RecordSync(direction, elapsed, copied, err)
	}
	if s.audit != nil {
		s.audit.LogSync(direction, copied, err == nil, err, elapsed)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// PushRemote treats the local source as primary and copies its
// objects and names onto the remote replica.
func (s *Session) PushRemote() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.remote == nil {
		return ErrNoRemotes{}
	}
	return s.runSync("push_remote", s.local, s.remote)
}

// PullRemote treats the remote source as primary and copies its
// objects and names onto the local source.
func (s *Session) PullRemote() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.remote == nil {
		return ErrNoRemotes{}
	}
	return s.runSync("pull_remote", s.remote, s.local)
}
