// Package crypto implements the chunked authenticated-encryption stream
// codec used for every object, sidecar, and reference-format file Quoco
// writes, plus the key derivation and hashing primitives layered on top
// of it.
package crypto

import (
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// ChunkLength is the plaintext size of every chunk except possibly
	// the last.
	ChunkLength = 4096

	// NonceSize is the XChaCha20-Poly1305 nonce size, written once as
	// the stream header.
	NonceSize = chacha20poly1305.NonceSizeX

	// Overhead is the per-chunk AEAD authentication tag size.
	Overhead = chacha20poly1305.Overhead

	// EncryptedChunkLength is the on-wire size of a full chunk.
	EncryptedChunkLength = ChunkLength + Overhead

	// KeySize is the size in bytes of a derived Quoco key.
	KeySize = chacha20poly1305.KeySize
)

// tag values, folded into each chunk's AEAD associated data so that a
// truncated stream cannot be mistaken for one that ended cleanly.
const (
	tagMessage byte = 0x00
	tagFinal   byte = 0x01
)

// Key is a derived 32-byte Quoco data encryption key.
type Key [KeySize]byte

// Writer implements the chunked stream codec described by the object
// wire format: a random nonce header followed by a sequence of
// individually authenticated chunks, the last tagged final.
//
// Writes are buffered up to ChunkLength and only committed to the
// underlying writer once a full chunk is available or Finish is
// called. The header is written lazily, on the first committed chunk,
// so that an empty stream still produces exactly one (empty) final
// chunk plus the header.
type Writer struct {
	w             io.Writer
	aead          rawAEAD
	buf           []byte
	buffered      int
	chunkIndex    uint64
	headerWritten bool
	finished      bool
	baseNonce     []byte
	outBuf        []byte
	pool          *BufferPool
}

// rawAEAD is the subset of cipher.AEAD this package depends on; kept
// as its own interface so tests can swap in a fake.
type rawAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewWriter returns a Writer that encrypts everything written to it
// with key, writing ciphertext chunks to w.
func NewWriter(w io.Writer, key *Key) (*Writer, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, &EncryptionError{Stage: StageOther, Err: err}
	}
	pool := GetGlobalBufferPool()
	return &Writer{
		w:    w,
		aead: aead,
		buf:  pool.GetPlain()[:0],
		pool: pool,
	}, nil
}

func (wr *Writer) deriveNonce(index uint64) []byte {
	nonce := make([]byte, len(wr.baseNonce))
	copy(nonce, wr.baseNonce)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= idx[7-i]
	}
	return nonce
}

func (wr *Writer) ensureHeader() error {
	if wr.headerWritten {
		return nil
	}
	nonce := make([]byte, NonceSize)
	if err := randRead(nonce); err != nil {
		return &EncryptionError{Stage: StageHeader, Err: err}
	}
	wr.baseNonce = nonce
	if _, err := wr.w.Write(nonce); err != nil {
		return &EncryptionError{Stage: StageHeader, Err: err}
	}
	wr.headerWritten = true
	return nil
}

func (wr *Writer) writeChunk(tag byte) error {
	if err := wr.ensureHeader(); err != nil {
		return err
	}
	nonce := wr.deriveNonce(wr.chunkIndex)
	wr.chunkIndex++

	if wr.outBuf == nil && wr.pool != nil {
		wr.outBuf = wr.pool.GetCipher()
	}
	ciphertext := wr.aead.Seal(wr.outBuf[:0], nonce, wr.buf, []byte{tag})
	if _, err := wr.w.Write(ciphertext); err != nil {
		return &EncryptionError{Stage: StageBody, Err: err}
	}
	wr.buf = wr.buf[:0]
	return nil
}

// Write buffers p, flushing full chunks to the underlying writer as
// they fill. It returns io.ErrClosedPipe once Finish has been called.
func (wr *Writer) Write(p []byte) (int, error) {
	if wr.finished {
		return 0, io.ErrClosedPipe
	}
	total := 0
	for len(p) > 0 {
		room := ChunkLength - len(wr.buf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		wr.buf = append(wr.buf, p[:n]...)
		p = p[n:]
		total += n
		if len(wr.buf) == ChunkLength {
			if err := wr.writeChunk(tagMessage); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Flush passes through to the underlying writer if it supports
// flushing, but never emits the final chunk: only Finish does that.
func (wr *Writer) Flush() error {
	if f, ok := wr.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Finish writes the final, specially tagged chunk (even if empty),
// marks the stream closed, and returns the underlying writer. Finish
// must be called exactly once; Write after Finish returns
// io.ErrClosedPipe.
func (wr *Writer) Finish() (io.Writer, error) {
	if wr.finished {
		return wr.w, &EncryptionError{Stage: StageOther, Err: io.ErrClosedPipe}
	}
	if err := wr.writeChunk(tagFinal); err != nil {
		return wr.w, err
	}
	if err := wr.Flush(); err != nil {
		return wr.w, &EncryptionError{Stage: StageOther, Err: err}
	}
	wr.finished = true
	if wr.pool != nil {
		if wr.outBuf != nil {
			wr.pool.PutCipher(wr.outBuf[:cap(wr.outBuf)])
			wr.outBuf = nil
		}
		if wr.buf != nil {
			wr.pool.PutPlain(wr.buf[:cap(wr.buf)])
			wr.buf = nil
		}
	}
	return wr.w, nil
}

// Reader implements the chunked stream decoder matching Writer's wire
// format. Reader reads the header lazily, on the first call to Read,
// and authenticates every chunk before returning its plaintext.
type Reader struct {
	r          io.Reader
	aead       rawAEAD
	baseNonce  []byte
	chunkIndex uint64
	headerRead bool
	finalSeen  bool

	inBuf  []byte
	outBuf []byte
	pos    int
	cap    int
}

// NewReader returns a Reader that decrypts ciphertext chunks read from
// r with key.
func NewReader(r io.Reader, key *Key) (*Reader, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, &DecryptionError{Stage: StageOther, Err: err}
	}
	return &Reader{
		r:     r,
		aead:  aead,
		inBuf: make([]byte, EncryptedChunkLength),
	}, nil
}

func (rd *Reader) deriveNonce(index uint64) []byte {
	nonce := make([]byte, len(rd.baseNonce))
	copy(nonce, rd.baseNonce)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= idx[7-i]
	}
	return nonce
}

func (rd *Reader) ensureHeader() error {
	if rd.headerRead {
		return nil
	}
	header := make([]byte, NonceSize)
	if _, err := io.ReadFull(rd.r, header); err != nil {
		return &DecryptionError{Stage: StageHeader, Err: err}
	}
	rd.baseNonce = header
	rd.headerRead = true
	return nil
}

// readNextChunk reads, authenticates, and decrypts the next ciphertext
// chunk from the underlying reader, returning the number of plaintext
// bytes produced (0 at clean end of stream).
//
// A short read (fewer than EncryptedChunkLength bytes, without an
// error) can only be the final, undersized chunk. Chunk length alone
// cannot distinguish a full-size final chunk from a mid-stream one,
// so end-of-stream is decided by the authenticated tag carried in
// each chunk's associated data, never by a length comparison.
func (rd *Reader) readNextChunk() (int, error) {
	if err := rd.ensureHeader(); err != nil {
		return 0, err
	}

	n, err := io.ReadFull(rd.r, rd.inBuf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0, &DecryptionError{Stage: StageBody, Err: err}
	}
	if n == 0 {
		// End of input. A well-formed stream has already delivered its
		// final chunk by now; anything else was cut off at a chunk
		// boundary.
		if !rd.finalSeen {
			return 0, &DecryptionError{Stage: StageBody, Err: io.ErrUnexpectedEOF}
		}
		return 0, nil
	}

	if rd.finalSeen {
		return 0, &DecryptionError{Stage: StageOther, Err: errUnexpectedFinalTag}
	}

	nonce := rd.deriveNonce(rd.chunkIndex)
	rd.chunkIndex++

	// Try the final tag first, then the message tag: a chunk's tag is
	// authenticated as part of the ciphertext, so exactly one of the
	// two will verify.
	rd.outBuf = rd.outBuf[:0]
	plaintext, openErr := rd.aead.Open(rd.outBuf, nonce, rd.inBuf[:n], []byte{tagFinal})
	if openErr == nil {
		rd.finalSeen = true
		rd.outBuf = plaintext
		return len(plaintext), nil
	}
	plaintext, openErr = rd.aead.Open(rd.outBuf, nonce, rd.inBuf[:n], []byte{tagMessage})
	if openErr != nil {
		return 0, &DecryptionError{Stage: StageBody, Err: openErr}
	}
	rd.outBuf = plaintext
	return len(plaintext), nil
}

// Read implements io.Reader, filling p from the current decrypted
// chunk and pulling the next chunk once it is exhausted.
func (rd *Reader) Read(p []byte) (int, error) {
	if rd.pos >= rd.cap {
		n, err := rd.readNextChunk()
		if err != nil {
			return 0, err
		}
		rd.outBuf = rd.outBuf[:n]
		rd.pos = 0
		rd.cap = n
		if n == 0 {
			return 0, io.EOF
		}
	}
	n := copy(p, rd.outBuf[rd.pos:rd.cap])
	rd.pos += n
	return n, nil
}

var errUnexpectedFinalTag = errFinalTag{}

type errFinalTag struct{}

func (errFinalTag) Error() string { return "unexpected final tag during decryption" }
