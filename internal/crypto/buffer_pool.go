package crypto

import (
	"sync"
	"sync/atomic"
)

// BufferPool pools the two buffer sizes the chunked stream codec
// allocates once per chunk: ChunkLength for plaintext and
// EncryptedChunkLength for ciphertext. Buffers are zeroized before
// being returned to the pool so that decrypted plaintext from one
// object never leaks into another object's buffer.
type BufferPool struct {
	plain  *sync.Pool
	cipher *sync.Pool

	hitsPlain, missesPlain   int64
	hitsCipher, missesCipher int64
}

var globalBufferPool = NewBufferPool()

// GetGlobalBufferPool returns the process-wide buffer pool shared by
// every Writer and Reader that does not bring its own.
func GetGlobalBufferPool() *BufferPool {
	return globalBufferPool
}

// NewBufferPool constructs an independent buffer pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		plain:  &sync.Pool{},
		cipher: &sync.Pool{},
	}
}

// GetPlain returns a ChunkLength-sized buffer.
func (p *BufferPool) GetPlain() []byte {
	if buf, ok := p.plain.Get().([]byte); ok {
		atomic.AddInt64(&p.hitsPlain, 1)
		return buf
	}
	atomic.AddInt64(&p.missesPlain, 1)
	return make([]byte, ChunkLength)
}

// PutPlain returns a ChunkLength-sized buffer to the pool.
func (p *BufferPool) PutPlain(buf []byte) {
	if cap(buf) != ChunkLength {
		return
	}
	buf = buf[:ChunkLength]
	zero(buf)
	p.plain.Put(buf)
}

// GetCipher returns an EncryptedChunkLength-sized buffer.
func (p *BufferPool) GetCipher() []byte {
	if buf, ok := p.cipher.Get().([]byte); ok {
		atomic.AddInt64(&p.hitsCipher, 1)
		return buf
	}
	atomic.AddInt64(&p.missesCipher, 1)
	return make([]byte, EncryptedChunkLength)
}

// PutCipher returns an EncryptedChunkLength-sized buffer to the pool.
func (p *BufferPool) PutCipher(buf []byte) {
	if cap(buf) != EncryptedChunkLength {
		return
	}
	buf = buf[:EncryptedChunkLength]
	zero(buf)
	p.cipher.Put(buf)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// BufferPoolMetrics reports pool hit rates, useful for sizing the
// pool under real workloads.
type BufferPoolMetrics struct {
	HitsPlain, MissesPlain   int64
	HitsCipher, MissesCipher int64
}

// Metrics returns a snapshot of the pool's hit/miss counters.
func (p *BufferPool) Metrics() BufferPoolMetrics {
	return BufferPoolMetrics{
		HitsPlain:    atomic.LoadInt64(&p.hitsPlain),
		MissesPlain:  atomic.LoadInt64(&p.missesPlain),
		HitsCipher:   atomic.LoadInt64(&p.hitsCipher),
		MissesCipher: atomic.LoadInt64(&p.missesCipher),
	}
}

// HitRatePlain returns the hit rate observed for plaintext buffers.
func (m BufferPoolMetrics) HitRatePlain() float64 {
	total := m.HitsPlain + m.MissesPlain
	if total == 0 {
		return 0
	}
	return float64(m.HitsPlain) / float64(total)
}

// HitRateCipher returns the hit rate observed for ciphertext buffers.
func (m BufferPoolMetrics) HitRateCipher() float64 {
	total := m.HitsCipher + m.MissesCipher
	if total == 0 {
		return 0
	}
	return float64(m.HitsCipher) / float64(total)
}
