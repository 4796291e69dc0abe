package vmess

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// MaxChunkSize is the largest plaintext payload a single AEAD chunk may
// carry: the 2-byte big-endian length prefix caps the encoded chunk
// (payload + AEAD tag) at 2^14-1 bytes, per spec.md §4.1.
const MaxChunkSize = (1 << 14) - 1 - 16

// ChunkWriter encrypts a byte stream into the length-prefixed AEAD chunks
// VMess uses for both request and response directions. The nonce for
// chunk N is count(2 bytes BE, starting at 0) || iv[2:12], matching
// pegasocks' pgs_vmess_write.
type ChunkWriter struct {
	w      io.Writer
	aead   cipher.AEAD
	ivTail []byte
	count  uint16
}

// NewChunkWriter builds a writer keyed by key/iv for the given security.
// iv must be 16 bytes; only iv[2:12] feeds the nonce, matching the
// reference implementation's truncation.
func NewChunkWriter(w io.Writer, sec Security, key, iv [16]byte) (*ChunkWriter, error) {
	aead, err := newAEAD(sec, key)
	if err != nil {
		return nil, err
	}
	return &ChunkWriter{w: w, aead: aead, ivTail: append([]byte{}, iv[2:12]...)}, nil
}

// WriteChunk encrypts and writes one chunk. Callers must split payloads
// larger than MaxChunkSize themselves; Write does that automatically.
func (c *ChunkWriter) WriteChunk(plaintext []byte) error {
	if len(plaintext) > MaxChunkSize {
		return fmt.Errorf("vmess: chunk payload %d exceeds max %d", len(plaintext), MaxChunkSize)
	}
	nonce := c.nonce()
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)

	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(sealed)))
	if _, err := c.w.Write(lenBuf); err != nil {
		return fmt.Errorf("write chunk length: %w", err)
	}
	if _, err := c.w.Write(sealed); err != nil {
		return fmt.Errorf("write chunk body: %w", err)
	}
	return nil
}

// Write implements io.Writer by splitting p into MaxChunkSize-sized chunks.
func (c *ChunkWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > MaxChunkSize {
			n = MaxChunkSize
		}
		if err := c.WriteChunk(p[:n]); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (c *ChunkWriter) nonce() []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint16(nonce[0:2], c.count)
	copy(nonce[2:], c.ivTail)
	c.count++
	return nonce
}

// ChunkReader decrypts a VMess AEAD chunk stream, mirroring ChunkWriter.
type ChunkReader struct {
	r      io.Reader
	aead   cipher.AEAD
	ivTail []byte
	count  uint16
}

// NewChunkReader builds a reader keyed by key/iv for the given security.
func NewChunkReader(r io.Reader, sec Security, key, iv [16]byte) (*ChunkReader, error) {
	aead, err := newAEAD(sec, key)
	if err != nil {
		return nil, err
	}
	return &ChunkReader{r: r, aead: aead, ivTail: append([]byte{}, iv[2:12]...)}, nil
}

// ReadChunk reads and decrypts exactly one chunk, returning its plaintext.
func (c *ChunkReader) ReadChunk() ([]byte, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(c.r, lenBuf); err != nil {
		return nil, err
	}
	chunkLen := binary.BigEndian.Uint16(lenBuf)
	if chunkLen == 0 {
		return nil, io.EOF
	}
	if int(chunkLen) > (1<<14)-1 {
		return nil, fmt.Errorf("vmess: chunk length %d exceeds wire maximum", chunkLen)
	}

	sealed := make([]byte, chunkLen)
	if _, err := io.ReadFull(c.r, sealed); err != nil {
		return nil, fmt.Errorf("read chunk body: %w", err)
	}

	nonce := c.nonce()
	plaintext, err := c.aead.Open(sealed[:0], nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt chunk: %w", err)
	}
	return plaintext, nil
}

func (c *ChunkReader) nonce() []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint16(nonce[0:2], c.count)
	copy(nonce[2:], c.ivTail)
	c.count++
	return nonce
}

func newAEAD(sec Security, key [16]byte) (cipher.AEAD, error) {
	switch sec {
	case SecurityAESGCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, fmt.Errorf("aes cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("aes-gcm: %w", err)
		}
		return aead, nil
	case SecurityChaCha20Poly1305:
		// chacha20poly1305.New requires a 32-byte key; VMess derives it by
		// repeating the 16-byte key, matching the reference client's
		// pgs_chacha20poly1305_key expansion.
		expanded := append(append([]byte{}, key[:]...), key[:]...)
		aead, err := chacha20poly1305.New(expanded)
		if err != nil {
			return nil, fmt.Errorf("chacha20poly1305: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("vmess: unsupported security 0x%02x", sec)
	}
}
