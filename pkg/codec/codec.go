// Package codec implements the data path's stateless encode/decode
// transformations over extent ciphertext: checksumming, compression, and
// authenticated encryption (spec §4.2).
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"hash/crc64"
	"io"
	"sync"

	"github.com/cuemby/bfscore/pkg/types"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)
	crc64Table  = crc64.MakeTable(crc64.ISO)

	lz4HashTables = sync.Pool{
		New: func() interface{} { return make([]int, 1<<16) },
	}
)

// Codec bundles the symmetric key used by the chacha-poly checksum and
// encryption kinds. A Codec with no key can still checksum/compress with
// crc32c, crc64, lz4, or gzip; calling an encryption-kind operation on it
// returns an error.
type Codec struct {
	key []byte // chacha20poly1305.KeySize bytes, or nil
}

// New creates a Codec. key may be nil if the caller never uses the
// chacha-poly checksum or encryption kinds.
func New(key []byte) (*Codec, error) {
	if key != nil && len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("codec: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Codec{key: key}, nil
}

// DeriveNonce computes the per-chunk nonce per spec §4.2:
// base_nonce(version) ⊕ crc.nonce ⊕ byte_offset. Splicing a range without
// carrying the same three inputs through risks nonce reuse against a
// different plaintext, which this module treats as a caller bug, not a
// recoverable error.
func DeriveNonce(version, crcNonce, byteOffset uint64) uint64 {
	return version ^ crcNonce ^ byteOffset
}

func nonceBytes(n uint64) [chacha20poly1305.NonceSize]byte {
	var b [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(b[:8], n)
	return b
}

func (c *Codec) aead() (chacha20poly1305aead, error) {
	if c.key == nil {
		return nil, fmt.Errorf("codec: chacha-poly operation requested but no key was configured")
	}
	a, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, fmt.Errorf("codec: build aead: %w", err)
	}
	return a, nil
}

// chacha20poly1305aead is the narrow subset of cipher.AEAD this package
// uses, named locally so call sites don't need to import crypto/cipher.
type chacha20poly1305aead interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// Checksum computes the checksum of data under kind, salted by nonce.
// For ChecksumChaChaPoly the "checksum" is the Poly1305 tag produced by
// sealing an empty plaintext with data as associated data — a standard
// AEAD-as-MAC construction that lets the same key double as an integrity
// check over unencrypted associated data.
func (c *Codec) Checksum(kind types.ChecksumType, nonce uint64, data []byte) ([32]byte, error) {
	var out [32]byte
	switch kind {
	case types.ChecksumNone:
		return out, nil
	case types.ChecksumCRC32C:
		h := crc32.New(crc32cTable)
		nb := nonceBytes(nonce)
		_, _ = h.Write(nb[:])
		_, _ = h.Write(data)
		binary.LittleEndian.PutUint32(out[:4], h.Sum32())
		return out, nil
	case types.ChecksumCRC64:
		h := crc64.New(crc64Table)
		nb := nonceBytes(nonce)
		_, _ = h.Write(nb[:])
		_, _ = h.Write(data)
		binary.LittleEndian.PutUint64(out[:8], h.Sum64())
		return out, nil
	case types.ChecksumChaChaPoly:
		aead, err := c.aead()
		if err != nil {
			return out, err
		}
		nb := nonceBytes(nonce)
		tag := aead.Seal(nil, nb[:], nil, data)
		copy(out[:], tag)
		return out, nil
	default:
		return out, fmt.Errorf("codec: unknown checksum kind %q", kind)
	}
}

// VerifyChecksum recomputes the checksum over data and compares it against
// want, returning ErrChecksumMismatch on mismatch.
func (c *Codec) VerifyChecksum(kind types.ChecksumType, nonce uint64, data []byte, want [32]byte) error {
	got, err := c.Checksum(kind, nonce, data)
	if err != nil {
		return err
	}
	if !bytes.Equal(got[:], want[:]) {
		return types.ErrChecksumMismatch
	}
	return nil
}

// Compress writes a compressed copy of src into dst, returning how much of
// src was consumed, how much of dst was produced, and the compression kind
// actually used (which may be CompressionNone when the requested kind
// would have expanded the data or dst is too small to hold it).
func (c *Codec) Compress(dst, src []byte, kind types.CompressionType) (srcConsumed, dstProduced int, kindActual types.CompressionType, err error) {
	switch kind {
	case types.CompressionNone:
		n := copy(dst, src)
		return n, n, types.CompressionNone, nil

	case types.CompressionLZ4:
		table := lz4HashTables.Get().([]int)
		defer lz4HashTables.Put(table)

		n, cerr := lz4.CompressBlock(src, dst, table)
		if cerr != nil || n == 0 || n >= len(src) {
			m := copy(dst, src)
			return m, m, types.CompressionNone, nil
		}
		return len(src), n, types.CompressionLZ4, nil

	case types.CompressionGzip:
		var buf bytes.Buffer
		w, werr := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		if werr != nil {
			return 0, 0, types.CompressionNone, fmt.Errorf("codec: gzip writer: %w", werr)
		}
		if _, werr := w.Write(src); werr != nil {
			return 0, 0, types.CompressionNone, fmt.Errorf("codec: gzip write: %w", werr)
		}
		if werr := w.Close(); werr != nil {
			return 0, 0, types.CompressionNone, fmt.Errorf("codec: gzip close: %w", werr)
		}
		if buf.Len() >= len(src) || buf.Len() > len(dst) {
			m := copy(dst, src)
			return m, m, types.CompressionNone, nil
		}
		n := copy(dst, buf.Bytes())
		return len(src), n, types.CompressionGzip, nil

	default:
		return 0, 0, types.CompressionNone, fmt.Errorf("codec: unknown compression kind %q", kind)
	}
}

// Decompress writes the decompressed contents of src into dst according to
// crc's recorded compression kind and sizes.
func (c *Codec) Decompress(dst, src []byte, crc types.CRCDescriptor) (int, error) {
	switch crc.CompressionType {
	case types.CompressionNone:
		n := copy(dst, src)
		return n, nil

	case types.CompressionLZ4:
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return 0, fmt.Errorf("codec: lz4 decompress: %w: %w", err, types.ErrDecompressFailed)
		}
		return n, nil

	case types.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return 0, fmt.Errorf("codec: gzip reader: %w: %w", err, types.ErrDecompressFailed)
		}
		defer r.Close()
		n, err := io.ReadFull(r, dst[:crc.UncompressedSize])
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return 0, fmt.Errorf("codec: gzip decompress: %w: %w", err, types.ErrDecompressFailed)
		}
		return n, nil

	default:
		return 0, fmt.Errorf("codec: unknown compression kind %q: %w", crc.CompressionType, types.ErrDecompressFailed)
	}
}

// DecompressInPlace decompresses buf's compressed prefix into the front of
// buf itself; callers must ensure buf has capacity for the uncompressed
// size.
func (c *Codec) DecompressInPlace(buf []byte, crc types.CRCDescriptor) (int, error) {
	src := make([]byte, crc.CompressedSize)
	copy(src, buf[:crc.CompressedSize])
	return c.Decompress(buf[:cap(buf)], src, crc)
}

// Encrypt seals buf with chacha20poly1305, appending the authentication
// tag. It is the only encryption kind this codec supports; see spec §4.2
// for the nonce-derivation contract callers must follow.
func (c *Codec) Encrypt(nonce uint64, buf []byte) ([]byte, error) {
	aead, err := c.aead()
	if err != nil {
		return nil, err
	}
	nb := nonceBytes(nonce)
	return aead.Seal(buf[:0], nb[:], buf, nil), nil
}

// Decrypt opens ciphertext sealed by Encrypt with the same nonce.
func (c *Codec) Decrypt(nonce uint64, ciphertext []byte) ([]byte, error) {
	aead, err := c.aead()
	if err != nil {
		return nil, err
	}
	nb := nonceBytes(nonce)
	plain, err := aead.Open(ciphertext[:0], nb[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("codec: decrypt: %w: %w", err, types.ErrChecksumMismatch)
	}
	return plain, nil
}

// Rechecksum recomputes a checksum over a live subset of src without
// touching the ciphertext, per spec §4.2. It returns an error for
// ChecksumChaChaPoly: an AEAD tag authenticates the whole sealed message
// and cannot be narrowed to a sub-range without re-sealing, so narrowing
// a chacha-poly extent is not supported.
func (c *Codec) Rechecksum(src []byte, oldCRC, newCRC types.CRCDescriptor, offset, live uint64, newKind types.ChecksumType) (types.CRCDescriptor, error) {
	if newKind == types.ChecksumChaChaPoly {
		return types.CRCDescriptor{}, fmt.Errorf("codec: cannot narrow a chacha-poly checksum without re-encrypting")
	}
	if offset+live > uint64(len(src)) {
		return types.CRCDescriptor{}, fmt.Errorf("codec: rechecksum range [%d,%d) exceeds source length %d", offset, offset+live, len(src))
	}
	oldStart := uint64(oldCRC.OffsetIntoUncompressed)
	oldEnd := oldStart + uint64(oldCRC.LiveSize)
	if offset < oldStart || offset+live > oldEnd {
		return types.CRCDescriptor{}, fmt.Errorf("codec: narrowed range [%d,%d) is not a subset of the old live range [%d,%d)", offset, offset+live, oldStart, oldEnd)
	}

	out := newCRC
	out.ChecksumType = newKind
	out.OffsetIntoUncompressed = uint32(offset)
	out.LiveSize = uint32(live)

	sum, err := c.Checksum(newKind, out.Nonce, src[offset:offset+live])
	if err != nil {
		return types.CRCDescriptor{}, err
	}
	out.ChecksumValue = sum
	return out, nil
}
