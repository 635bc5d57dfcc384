// Package refs implements the two binary sidecar reference formats
// every filesystem or remote object-source keeps alongside its blobs:
// the names index (object id to display name) and the hashes index
// (object id to plaintext SHA-256, plus the time the index was last
// saved).
package refs

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/kenneth/quoco/internal/crypto"
)

// ObjectID identifies an object uniquely within a source.
type ObjectID [16]byte

const uuidLength = 16

// Specification names a reference format's on-disk identity.
type Specification struct {
	Magic []byte
	Name  string
}

var (
	namesSpec  = Specification{Magic: []byte("pern"), Name: "names"}
	hashesSpec = Specification{Magic: []byte("perh"), Name: "hashes"}
)

func checkMagic(r io.Reader, spec Specification) error {
	got := make([]byte, len(spec.Magic))
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("reading %s magic bytes: %w", spec.Name, err)
	}
	if !bytes.Equal(got, spec.Magic) {
		return crypto.ErrInvalidMagicBytes{Format: spec.Name}
	}
	return nil
}

// Names maps object ids to the display name an object was last given.
// An id may have at most one name; a name may be held by at most one
// id.
type Names struct {
	data map[ObjectID]string
}

// NewNames returns an empty Names index.
func NewNames() *Names {
	return &Names{data: make(map[ObjectID]string)}
}

// Specification returns the on-disk identity of the names format.
func (n *Names) Specification() Specification { return namesSpec }

// Set associates id with name, replacing any prior name for id and
// removing name from any other id that held it.
func (n *Names) Set(id ObjectID, name string) {
	for other, candidate := range n.data {
		if other != id && candidate == name {
			delete(n.data, other)
		}
	}
	n.data[id] = name
}

// Remove drops any name associated with id.
func (n *Names) Remove(id ObjectID) {
	delete(n.data, id)
}

// Name returns the name associated with id, if any.
func (n *Names) Name(id ObjectID) (string, bool) {
	name, ok := n.data[id]
	return name, ok
}

// ID returns the id associated with name, if any. Lookup is linear in
// the number of names, matching the reference implementation this
// format was ported from.
func (n *Names) ID(name string) (ObjectID, bool) {
	for id, candidate := range n.data {
		if candidate == name {
			return id, true
		}
	}
	return ObjectID{}, false
}

// IDs returns every id with a name, in unspecified order.
func (n *Names) IDs() []ObjectID {
	ids := make([]ObjectID, 0, len(n.data))
	for id := range n.data {
		ids = append(ids, id)
	}
	return ids
}

// Load replaces n's contents with the names index encoded in r.
func (n *Names) Load(r io.Reader) error {
	if err := checkMagic(r, namesSpec); err != nil {
		return err
	}
	br := bufio.NewReader(r)
	data := make(map[ObjectID]string)
	for {
		var id ObjectID
		read, err := io.ReadFull(br, id[:])
		if read == 0 && err != nil {
			break
		}
		if err != nil {
			return fmt.Errorf("reading names id: %w", io.ErrUnexpectedEOF)
		}
		nameBytes, err := br.ReadBytes(0)
		if err != nil {
			return fmt.Errorf("reading name for id: %w", err)
		}
		data[id] = string(nameBytes[:len(nameBytes)-1])
	}
	n.data = data
	return nil
}

// Save encodes n's contents to w.
func (n *Names) Save(w io.Writer) error {
	if _, err := w.Write(namesSpec.Magic); err != nil {
		return err
	}
	for id, name := range n.data {
		if _, err := w.Write(id[:]); err != nil {
			return err
		}
		filtered := make([]byte, 0, len(name))
		for _, c := range name {
			if c == 0 || c > 127 {
				continue
			}
			filtered = append(filtered, byte(c))
		}
		if _, err := w.Write(filtered); err != nil {
			return err
		}
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
	}
	return nil
}

// Hashes maps object ids to the SHA-256 digest of their plaintext
// contents, along with the time the index was last saved.
type Hashes struct {
	lastUpdated time.Time
	data        map[ObjectID]crypto.ObjectHash
}

const hashEntryLength = uuidLength + 32

// NewHashes returns an empty Hashes index.
func NewHashes() *Hashes {
	return &Hashes{lastUpdated: time.Now(), data: make(map[ObjectID]crypto.ObjectHash)}
}

// Specification returns the on-disk identity of the hashes format.
func (h *Hashes) Specification() Specification { return hashesSpec }

// Set records hash as id's current plaintext digest.
func (h *Hashes) Set(id ObjectID, hash crypto.ObjectHash) {
	h.data[id] = hash
}

// Remove drops any hash recorded for id.
func (h *Hashes) Remove(id ObjectID) {
	delete(h.data, id)
}

// Hash returns the digest recorded for id, if any.
func (h *Hashes) Hash(id ObjectID) (crypto.ObjectHash, bool) {
	hash, ok := h.data[id]
	return hash, ok
}

// IDs returns every id with a recorded hash, in unspecified order.
func (h *Hashes) IDs() []ObjectID {
	ids := make([]ObjectID, 0, len(h.data))
	for id := range h.data {
		ids = append(ids, id)
	}
	return ids
}

// LastUpdated returns the time this index was last saved.
func (h *Hashes) LastUpdated() time.Time { return h.lastUpdated }

// Load replaces h's contents with the hashes index encoded in r.
func (h *Hashes) Load(r io.Reader) error {
	if err := checkMagic(r, hashesSpec); err != nil {
		return err
	}
	var millis uint64
	if err := binary.Read(r, binary.LittleEndian, &millis); err != nil {
		return fmt.Errorf("reading hashes timestamp: %w", err)
	}
	h.lastUpdated = time.UnixMilli(int64(millis))

	data := make(map[ObjectID]crypto.ObjectHash)
	entry := make([]byte, hashEntryLength)
	for {
		n, err := io.ReadFull(r, entry)
		if n == 0 && err != nil {
			break
		}
		if err != nil {
			return fmt.Errorf("reading hashes entry: %w", io.ErrUnexpectedEOF)
		}
		var id ObjectID
		var hash crypto.ObjectHash
		copy(id[:], entry[:uuidLength])
		copy(hash[:], entry[uuidLength:])
		data[id] = hash
	}
	h.data = data
	return nil
}

// Save encodes h's contents to w, stamping the current time as its
// new last-updated time.
func (h *Hashes) Save(w io.Writer) error {
	if _, err := w.Write(hashesSpec.Magic); err != nil {
		return err
	}
	h.lastUpdated = time.Now()
	if err := binary.Write(w, binary.LittleEndian, uint64(h.lastUpdated.UnixMilli())); err != nil {
		return err
	}
	for id, hash := range h.data {
		if _, err := w.Write(id[:]); err != nil {
			return err
		}
		if _, err := w.Write(hash[:]); err != nil {
			return err
		}
	}
	return nil
}
