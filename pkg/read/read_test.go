package read_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/cuemby/bfscore/pkg/alloc"
	"github.com/cuemby/bfscore/pkg/bounce"
	"github.com/cuemby/bfscore/pkg/codec"
	"github.com/cuemby/bfscore/pkg/device"
	"github.com/cuemby/bfscore/pkg/index"
	"github.com/cuemby/bfscore/pkg/journal"
	"github.com/cuemby/bfscore/pkg/read"
	"github.com/cuemby/bfscore/pkg/types"
	"github.com/cuemby/bfscore/pkg/write"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	data []byte
	fail bool
}

func (f *fakeBackend) ReadAt(p []byte, off int64) (int, error) {
	if f.fail {
		return 0, errors.New("simulated read failure")
	}
	return copy(p, f.data[off:]), nil
}

func (f *fakeBackend) WriteAt(p []byte, off int64) (int, error) {
	if f.fail {
		return 0, errors.New("simulated write failure")
	}
	if need := int(off) + len(p); need > len(f.data) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	return copy(f.data[off:], p), nil
}

func (f *fakeBackend) Sync() error  { return nil }
func (f *fakeBackend) Close() error { return nil }

type harness struct {
	registry  *device.Registry
	writePipe *write.Pipeline
	readPipe  *read.Pipeline
	backends  map[int]*fakeBackend
}

func newHarness(t *testing.T, nDevices int, key []byte) *harness {
	t.Helper()

	registry := device.NewRegistry()
	backends := make(map[int]*fakeBackend, nDevices)
	for i := 0; i < nDevices; i++ {
		b := &fakeBackend{data: make([]byte, 0)}
		backends[i] = b
		registry.Add(device.New(i, types.TierFast, b, 1))
	}

	a := alloc.New(registry, 0)

	idxPath := filepath.Join(t.TempDir(), "extents.db")
	idx, err := index.Open(idxPath, 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	journalPath := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(journalPath, 0)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	pool := bounce.New(4096, 2, 4)

	c, err := codec.New(key)
	require.NoError(t, err)

	wp, err := write.New(write.Config{
		Registry:   registry,
		Alloc:      a,
		Index:      idx,
		Journal:    j,
		Bounce:     pool,
		Codec:      c,
		ChunkBytes: 2048,
	})
	require.NoError(t, err)

	rp, err := read.New(read.Config{
		Registry: registry,
		Index:    idx,
		Bounce:   pool,
		Codec:    c,
		Write:    wp,
	})
	require.NoError(t, err)

	return &harness{registry: registry, writePipe: wp, readPipe: rp, backends: backends}
}

func (h *harness) write(t *testing.T, inode uint64, payload []byte, opts types.IOOptions) {
	t.Helper()
	op := &types.WriteOp{
		Inode:   inode,
		Opts:    opts,
		Flags:   types.WriteFlags{PagesOwned: true, PagesStable: true},
		Payload: payload,
	}
	_, err := h.writePipe.Write(op, write.DefaultIndexUpdate)
	require.NoError(t, err)
}

func TestReadReturnsWrittenBytes(t *testing.T) {
	h := newHarness(t, 2, nil)
	payload := []byte("hello bfscore world")
	h.write(t, 1, payload, types.IOOptions{Checksum: types.ChecksumCRC32C, Compression: types.CompressionNone, Replicas: 2})

	dst := make([]byte, len(payload))
	op := &types.ReadOp{Inode: 1, Offset: 0, Length: uint64(len(payload))}
	n, err := h.readPipe.Read(op, dst)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, dst)
	require.Equal(t, types.RetryOK, op.Disposition)
}

func TestReadZeroFillsUnindexedGap(t *testing.T) {
	h := newHarness(t, 1, nil)

	dst := []byte{0xff, 0xff, 0xff, 0xff}
	op := &types.ReadOp{Inode: 42, Offset: 0, Length: 4}
	n, err := h.readPipe.Read(op, dst)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte{0, 0, 0, 0}, dst)
}

func TestReadZeroFillsTrailingGapAfterExtent(t *testing.T) {
	h := newHarness(t, 1, nil)
	payload := []byte("abcd")
	h.write(t, 7, payload, types.IOOptions{Checksum: types.ChecksumCRC32C, Compression: types.CompressionNone, Replicas: 1})

	dst := make([]byte, 8)
	op := &types.ReadOp{Inode: 7, Offset: 0, Length: 8}
	n, err := h.readPipe.Read(op, dst)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, []byte("abcd\x00\x00\x00\x00"), dst)
}

func TestReadPartialRangeIntoMiddleOfExtent(t *testing.T) {
	h := newHarness(t, 1, nil)
	payload := []byte("0123456789")
	h.write(t, 3, payload, types.IOOptions{Checksum: types.ChecksumCRC32C, Compression: types.CompressionNone, Replicas: 1})

	dst := make([]byte, 4)
	op := &types.ReadOp{Inode: 3, Offset: 3, Length: 4}
	n, err := h.readPipe.Read(op, dst)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte("3456"), dst)
}

func TestReadWithEncryptionRoundTrips(t *testing.T) {
	key := make([]byte, 32)
	h := newHarness(t, 1, key)
	payload := []byte("top secret bytes")
	h.write(t, 1, payload, types.IOOptions{
		Checksum:    types.ChecksumChaChaPoly,
		Compression: types.CompressionNone,
		Encrypted:   true,
		Replicas:    1,
	})

	dst := make([]byte, len(payload))
	op := &types.ReadOp{Inode: 1, Offset: 0, Length: uint64(len(payload))}
	n, err := h.readPipe.Read(op, dst)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, dst)
}

func TestReadWithCompressionRoundTrips(t *testing.T) {
	h := newHarness(t, 1, nil)
	payload := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaabbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	h.write(t, 1, payload, types.IOOptions{
		Checksum:    types.ChecksumCRC32C,
		Compression: types.CompressionLZ4,
		Replicas:    1,
	})

	dst := make([]byte, len(payload))
	op := &types.ReadOp{Inode: 1, Offset: 0, Length: uint64(len(payload))}
	n, err := h.readPipe.Read(op, dst)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, dst)
}

func TestReadFallsBackToSurvivingReplicaOnDeviceFailure(t *testing.T) {
	h := newHarness(t, 2, nil)
	payload := []byte("replica failover test")
	h.write(t, 1, payload, types.IOOptions{Checksum: types.ChecksumCRC32C, Compression: types.CompressionNone, Replicas: 2})

	// Break device 0's reads. The pick tie-breaks on lowest device ID, so
	// the first attempt lands on device 0 and must take a retry-avoid
	// transition onto device 1.
	h.backends[0].fail = true

	dst := make([]byte, len(payload))
	op := &types.ReadOp{Inode: 1, Offset: 0, Length: uint64(len(payload))}
	n, err := h.readPipe.Read(op, dst)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, dst)
}

func TestReadAllReplicasFailingReturnsRetryExhausted(t *testing.T) {
	h := newHarness(t, 2, nil)
	payload := []byte("doomed read")
	h.write(t, 1, payload, types.IOOptions{Checksum: types.ChecksumCRC32C, Compression: types.CompressionNone, Replicas: 2})

	h.backends[0].fail = true
	h.backends[1].fail = true

	dst := make([]byte, len(payload))
	op := &types.ReadOp{Inode: 1, Offset: 0, Length: uint64(len(payload))}
	_, err := h.readPipe.Read(op, dst)
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrRetryExhausted)
	require.Equal(t, types.RetryError, op.Disposition)
}

func TestReadTriggeredPromotionWritesToFastTier(t *testing.T) {
	h := newHarness(t, 2, nil)
	// Retarget device 0 to a slow tier before writing, so the allocator's
	// only replica (lowest-load device 0) lands on a promotion-eligible
	// device and device 1 remains available as the promotion target.
	h.registry.Add(device.New(0, types.TierSlow, h.backends[0], 1))

	payload := []byte("promote me please")
	h.write(t, 1, payload, types.IOOptions{
		Checksum:    types.ChecksumCRC32C,
		Compression: types.CompressionNone,
		Replicas:    1,
	})

	dst := make([]byte, len(payload))
	op := &types.ReadOp{Inode: 1, Offset: 0, Length: uint64(len(payload)), Flags: types.ReadFlags{MayPromote: true}}
	n, err := h.readPipe.Read(op, dst)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	// Device 1 (fast tier) received no bytes before the read; the promote
	// write is what lands data on it.
	require.NotEmpty(t, h.backends[1].data)
}

func TestReadChecksumMismatchIsFatalWithoutSurvivingReplica(t *testing.T) {
	h := newHarness(t, 1, nil)
	payload := []byte("corrupt me")
	h.write(t, 1, payload, types.IOOptions{Checksum: types.ChecksumCRC32C, Compression: types.CompressionNone, Replicas: 1})

	// Corrupt the single on-disk replica directly.
	h.backends[0].data[0] ^= 0xff

	dst := make([]byte, len(payload))
	op := &types.ReadOp{Inode: 1, Offset: 0, Length: uint64(len(payload))}
	_, err := h.readPipe.Read(op, dst)
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrRetryExhausted)
}
