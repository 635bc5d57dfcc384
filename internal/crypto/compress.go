package crypto

import (
	"io"

	"github.com/andybalholm/brotli"
)

// Brotli parameters for the compression layer wrapped around every
// object's plaintext before it reaches the chunked AEAD stream.
// Quality 8 with a 22-bit window balances ratio against throughput
// for object-sized payloads.
const (
	brotliQuality = 8
	brotliWindow  = 22
)

// QuocoWriter layers Brotli compression inside the chunked AEAD
// stream: callers write plaintext, which is compressed and then
// encrypted before it reaches the underlying writer. Compression
// happens inside encryption so that ciphertext never leaks
// compression-ratio side channels about the plaintext's structure
// beyond its total compressed size.
type QuocoWriter struct {
	compressor *brotli.Writer
	encrypter  *Writer
}

// NewQuocoWriter returns a QuocoWriter that writes to w, encrypting
// with key.
func NewQuocoWriter(w io.Writer, key *Key) (*QuocoWriter, error) {
	encrypter, err := NewWriter(w, key)
	if err != nil {
		return nil, err
	}
	compressor := brotli.NewWriterOptions(encrypter, brotli.WriterOptions{
		Quality: brotliQuality,
		LGWin:   brotliWindow,
	})
	return &QuocoWriter{compressor: compressor, encrypter: encrypter}, nil
}

func (qw *QuocoWriter) Write(p []byte) (int, error) {
	return qw.compressor.Write(p)
}

// Finish closes the compressor, writing out its remaining data and
// end-of-stream marker, and finalizes the underlying encrypted stream,
// returning the innermost writer.
func (qw *QuocoWriter) Finish() (io.Writer, error) {
	if err := qw.compressor.Close(); err != nil {
		return nil, &EncryptionError{Stage: StageOther, Err: err}
	}
	return qw.encrypter.Finish()
}

// QuocoReader is the inverse of QuocoWriter: it decrypts and then
// decompresses.
type QuocoReader struct {
	decompressor *brotli.Reader
}

// NewQuocoReader returns a QuocoReader that reads ciphertext from r
// and decrypts with key.
func NewQuocoReader(r io.Reader, key *Key) (*QuocoReader, error) {
	decrypter, err := NewReader(r, key)
	if err != nil {
		return nil, err
	}
	return &QuocoReader{decompressor: brotli.NewReader(decrypter)}, nil
}

func (qr *QuocoReader) Read(p []byte) (int, error) {
	return qr.decompressor.Read(p)
}
