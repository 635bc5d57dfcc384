package store

import (
	"bytes"
	"container/list"
	"io"
	"sync"
	"time"

	"github.com/kenneth/quoco/internal/crypto"
	"github.com/kenneth/quoco/internal/metrics"
)

// MaxCacheSize bounds the total number of plaintext bytes the
// read-through cache holds at once.
const MaxCacheSize = 2 * 1024 * 1024 * 1024 // 2 GiB

// CachedSource wraps an ObjectSource with an in-memory, insertion-
// order LRU cache of decrypted object bodies. Reads for a cached id
// never touch the inner source; writes always go through to the inner
// source and then refresh the cache entry so a subsequent read sees
// the new data immediately.
//
// The cache never evicts its last remaining entry, even if that entry
// alone exceeds MaxCacheSize: a single object larger than the cache
// budget is still usable, just uncached-in-practice beyond itself.
type CachedSource struct {
	inner ObjectSource

	metrics *metrics.Metrics
	label   string

	mu      sync.Mutex
	entries map[ObjectID]*list.Element
	order   *list.List // front = most recently inserted
	size    int64
	budget  int64
}

type cacheEntry struct {
	id   ObjectID
	data []byte
}

// NewCachedSource wraps inner with a read-through cache bounded by
// MaxCacheSize.
func NewCachedSource(inner ObjectSource) *CachedSource {
	return NewCachedSourceWithBudget(inner, MaxCacheSize)
}

// NewCachedSourceWithBudget is NewCachedSource with an explicit byte
// budget, for callers (and tests) that want a smaller cache.
func NewCachedSourceWithBudget(inner ObjectSource, budget int64) *CachedSource {
	return &CachedSource{
		inner:   inner,
		entries: make(map[ObjectID]*list.Element),
		order:   list.New(),
		budget:  budget,
	}
}

// Instrument attaches Prometheus metrics to the cache, labelled by
// source (conventionally "local" or "remote"). Must be called before
// the cache sees traffic; a nil m leaves the cache uninstrumented.
func (c *CachedSource) Instrument(m *metrics.Metrics, source string) {
	c.metrics = m
	c.label = source
}

func (c *CachedSource) recordSizeLocked() {
	if c.metrics != nil {
		c.metrics.SetCacheBytes(c.label, c.size)
	}
}

// recordEncrypt attributes a completed inner write to the encrypt
// counters; r has just been consumed by the inner source, so its
// current offset is the plaintext length.
func (c *CachedSource) recordEncrypt(start time.Time, r io.Seeker) {
	if c.metrics == nil {
		return
	}
	size, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		size = 0
	}
	c.metrics.RecordCryptoOperation(nil, "encrypt", time.Since(start), size)
}

func (c *CachedSource) removeLocked(id ObjectID) {
	el, ok := c.entries[id]
	if !ok {
		return
	}
	entry := el.Value.(*cacheEntry)
	c.size -= int64(len(entry.data))
	c.order.Remove(el)
	delete(c.entries, id)
}

func (c *CachedSource) insertLocked(id ObjectID, data []byte) {
	c.removeLocked(id)
	c.size += int64(len(data))
	el := c.order.PushFront(&cacheEntry{id: id, data: data})
	c.entries[id] = el
	c.cullLocked()
}

func (c *CachedSource) cullLocked() {
	for c.size > c.budget && c.order.Len() > 1 {
		back := c.order.Back()
		entry := back.Value.(*cacheEntry)
		c.size -= int64(len(entry.data))
		c.order.Remove(back)
		delete(c.entries, entry.id)
	}
}

func (c *CachedSource) loadIntoCache(id ObjectID) ([]byte, error) {
	start := time.Now()
	r, err := c.inner.Object(id)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordCryptoError("decrypt", "body")
		}
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordCryptoOperation(nil, "decrypt", time.Since(start), int64(len(data)))
	}

	c.mu.Lock()
	c.insertLocked(id, data)
	c.recordSizeLocked()
	c.mu.Unlock()
	return data, nil
}

// Object implements ObjectSource, serving from cache when possible.
func (c *CachedSource) Object(id ObjectID) (io.ReadCloser, error) {
	c.mu.Lock()
	if el, ok := c.entries[id]; ok {
		entry := el.Value.(*cacheEntry)
		data := entry.data
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordCacheHit(c.label)
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(c.label)
	}

	data, err := c.loadIntoCache(id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ObjectReadSeeker returns a seekable in-memory reader over id's
// plaintext, loading it through the cache on a miss. The sync engine
// uses it so one decrypted copy can be handed straight to the other
// side's ModifyObject, which needs to rewind.
func (c *CachedSource) ObjectReadSeeker(id ObjectID) (io.ReadSeeker, error) {
	c.mu.Lock()
	if el, ok := c.entries[id]; ok {
		data := el.Value.(*cacheEntry).data
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordCacheHit(c.label)
		}
		return bytes.NewReader(data), nil
	}
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(c.label)
	}

	data, err := c.loadIntoCache(id)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// ObjectCached reports whether id's decrypted contents are currently
// held in cache, without touching the inner source.
func (c *CachedSource) ObjectCached(id ObjectID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// ObjectExists implements ObjectSource.
func (c *CachedSource) ObjectExists(id ObjectID) (bool, error) {
	c.mu.Lock()
	_, cached := c.entries[id]
	c.mu.Unlock()
	if cached {
		return true, nil
	}
	return c.inner.ObjectExists(id)
}

// DeleteObject implements ObjectSource.
func (c *CachedSource) DeleteObject(id ObjectID) error {
	c.mu.Lock()
	c.removeLocked(id)
	c.recordSizeLocked()
	c.mu.Unlock()
	return c.inner.DeleteObject(id)
}

// CreateObject implements ObjectSource. r must still be readable from
// the start after the inner source consumes it, since the cache
// re-reads it to seed the new entry.
func (c *CachedSource) CreateObject(r io.ReadSeeker) (ObjectID, error) {
	start := time.Now()
	id, err := c.inner.CreateObject(r)
	if err != nil {
		return ObjectID{}, err
	}
	c.recordEncrypt(start, r)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return id, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return id, err
	}
	c.mu.Lock()
	c.insertLocked(id, data)
	c.recordSizeLocked()
	c.mu.Unlock()
	return id, nil
}

// ModifyObject implements ObjectSource.
func (c *CachedSource) ModifyObject(id ObjectID, r io.ReadSeeker) error {
	start := time.Now()
	if err := c.inner.ModifyObject(id, r); err != nil {
		return err
	}
	c.recordEncrypt(start, r)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.insertLocked(id, data)
	c.recordSizeLocked()
	c.mu.Unlock()
	return nil
}

// ObjectHash implements ObjectSource. The names/hashes indexes live on
// the inner source, which already acts as their own cache.
func (c *CachedSource) ObjectHash(id ObjectID) (crypto.ObjectHash, bool) {
	return c.inner.ObjectHash(id)
}

// ObjectName implements ObjectSource.
func (c *CachedSource) ObjectName(id ObjectID) (string, bool) { return c.inner.ObjectName(id) }

// ObjectIDWithName implements ObjectSource.
func (c *CachedSource) ObjectIDWithName(name string) (ObjectID, bool) {
	return c.inner.ObjectIDWithName(name)
}

// SetObjectName implements ObjectSource.
func (c *CachedSource) SetObjectName(id ObjectID, name string) error {
	return c.inner.SetObjectName(id, name)
}

// RemoveObjectName implements ObjectSource.
func (c *CachedSource) RemoveObjectName(id ObjectID) error { return c.inner.RemoveObjectName(id) }

// Location implements ObjectSource.
func (c *CachedSource) Location() string { return c.inner.Location() }

// LastUpdated implements ObjectSource.
func (c *CachedSource) LastUpdated() time.Time { return c.inner.LastUpdated() }

// HashIDs implements ObjectSource.
func (c *CachedSource) HashIDs() []ObjectID { return c.inner.HashIDs() }

// NameIDs implements ObjectSource.
func (c *CachedSource) NameIDs() []ObjectID { return c.inner.NameIDs() }

// Flush implements ObjectSource.
func (c *CachedSource) Flush() error { return c.inner.Flush() }

// Close flushes the inner source and drops the cache.
func (c *CachedSource) Close() error {
	c.mu.Lock()
	c.entries = make(map[ObjectID]*list.Element)
	c.order = list.New()
	c.size = 0
	c.mu.Unlock()
	return c.inner.Close()
}

// Invalidate drops every cached entry without affecting the inner
// source.
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[ObjectID]*list.Element)
	c.order = list.New()
	c.size = 0
}
