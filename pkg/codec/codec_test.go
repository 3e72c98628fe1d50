package codec

import (
	"bytes"
	"testing"

	"github.com/cuemby/bfscore/pkg/types"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestChecksumCRC32CRoundTrip(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	data := []byte("the quick brown fox jumps over the lazy dog")
	sum, err := c.Checksum(types.ChecksumCRC32C, 42, data)
	require.NoError(t, err)

	require.NoError(t, c.VerifyChecksum(types.ChecksumCRC32C, 42, data, sum))
	require.Error(t, c.VerifyChecksum(types.ChecksumCRC32C, 43, data, sum))
}

func TestChecksumCRC64RoundTrip(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	data := []byte("another payload")
	sum, err := c.Checksum(types.ChecksumCRC64, 7, data)
	require.NoError(t, err)
	require.NoError(t, c.VerifyChecksum(types.ChecksumCRC64, 7, data, sum))
}

func TestChecksumChaChaPolyRequiresKey(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	_, err = c.Checksum(types.ChecksumChaChaPoly, 1, []byte("data"))
	require.Error(t, err)
}

func TestChecksumChaChaPolyWithKey(t *testing.T) {
	c, err := New(testKey())
	require.NoError(t, err)

	data := []byte("authenticated but not encrypted associated data")
	sum, err := c.Checksum(types.ChecksumChaChaPoly, 99, data)
	require.NoError(t, err)
	require.NoError(t, c.VerifyChecksum(types.ChecksumChaChaPoly, 99, data, sum))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New(testKey())
	require.NoError(t, err)

	plaintext := []byte("sensitive extent bytes")
	buf := make([]byte, len(plaintext), len(plaintext)+chacha20poly1305.Overhead)
	copy(buf, plaintext)

	nonce := DeriveNonce(7, 1234, 0)
	ciphertext, err := c.Encrypt(nonce, buf)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext[:len(plaintext)])

	decrypted, err := c.Decrypt(nonce, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestEncryptWithoutKeyFails(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	_, err = c.Encrypt(1, []byte("data"))
	require.Error(t, err)
}

func TestCompressLZ4RoundTrip(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	src := bytes.Repeat([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 64)
	dst := make([]byte, len(src))

	consumed, produced, kind, err := c.Compress(dst, src, types.CompressionLZ4)
	require.NoError(t, err)
	require.Equal(t, len(src), consumed)
	require.Equal(t, types.CompressionLZ4, kind)
	require.Less(t, produced, len(src))

	out := make([]byte, len(src))
	crc := types.CRCDescriptor{
		CompressedSize:   uint32(produced),
		UncompressedSize: uint32(len(src)),
		CompressionType:  types.CompressionLZ4,
	}
	n, err := c.Decompress(out, dst[:produced], crc)
	require.NoError(t, err)
	require.Equal(t, src, out[:n])
}

func TestCompressIncompressibleFallsBackToNone(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	src := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	dst := make([]byte, len(src))

	_, _, kind, err := c.Compress(dst, src, types.CompressionLZ4)
	require.NoError(t, err)
	require.Equal(t, types.CompressionNone, kind)
}

func TestCompressGzipRoundTrip(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	src := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 32)
	dst := make([]byte, len(src))

	consumed, produced, kind, err := c.Compress(dst, src, types.CompressionGzip)
	require.NoError(t, err)
	require.Equal(t, len(src), consumed)
	require.Equal(t, types.CompressionGzip, kind)

	out := make([]byte, len(src))
	crc := types.CRCDescriptor{
		CompressedSize:   uint32(produced),
		UncompressedSize: uint32(len(src)),
		CompressionType:  types.CompressionGzip,
	}
	n, err := c.Decompress(out, dst[:produced], crc)
	require.NoError(t, err)
	require.Equal(t, src, out[:n])
}

func TestRechecksumNarrowsCRC32C(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	src := []byte("0123456789abcdef")
	oldCRC := types.CRCDescriptor{
		ChecksumType:     types.ChecksumCRC32C,
		UncompressedSize: uint32(len(src)),
		LiveSize:         uint32(len(src)),
	}

	narrowed, err := c.Rechecksum(src, oldCRC, oldCRC, 4, 8, types.ChecksumCRC32C)
	require.NoError(t, err)
	require.Equal(t, uint32(4), narrowed.OffsetIntoUncompressed)
	require.Equal(t, uint32(8), narrowed.LiveSize)

	require.NoError(t, c.VerifyChecksum(types.ChecksumCRC32C, narrowed.Nonce, src[4:12], narrowed.ChecksumValue))
}

func TestRechecksumRejectsChaChaPoly(t *testing.T) {
	c, err := New(testKey())
	require.NoError(t, err)

	src := []byte("0123456789abcdef")
	crc := types.CRCDescriptor{ChecksumType: types.ChecksumChaChaPoly}

	_, err = c.Rechecksum(src, crc, crc, 0, 8, types.ChecksumChaChaPoly)
	require.Error(t, err)
}
