package write_test

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
	registry *device.Registry
	pipeline *write.Pipeline
	backends map[int]*fakeBackend
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

	p, err := write.New(write.Config{
		Registry:   registry,
		Alloc:      a,
		Index:      idx,
		Journal:    j,
		Bounce:     pool,
		Codec:      c,
		ChunkBytes: 2048,
	})
	require.NoError(t, err)

	return &harness{registry: registry, pipeline: p, backends: backends}
}

func TestWriteCommitsExtentWithReplicas(t *testing.T) {
	h := newHarness(t, 2, nil)

	op := &types.WriteOp{
		Inode:    1,
		Position: 0,
		Opts: types.IOOptions{
			Checksum:    types.ChecksumCRC32C,
			Compression: types.CompressionNone,
			Replicas:    2,
		},
		Payload: []byte("hello bfscore world"),
	}

	keys, err := h.pipeline.Write(op, write.DefaultIndexUpdate)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Len(t, keys[0].Pointers, 2)
	require.False(t, keys[0].Degraded)
}

func TestWriteChunksAcrossMultipleExtents(t *testing.T) {
	h := newHarness(t, 1, nil)

	op := &types.WriteOp{
		Inode:    1,
		Position: 0,
		Opts: types.IOOptions{
			Checksum:    types.ChecksumCRC32C,
			Compression: types.CompressionNone,
			Replicas:    1,
		},
		Payload: make([]byte, 5000),
	}

	keys, err := h.pipeline.Write(op, write.DefaultIndexUpdate)
	require.NoError(t, err)
	require.Len(t, keys, 3) // 2048 + 2048 + 904
}

func TestWriteDataEncodedShortcutSkipsEncoding(t *testing.T) {
	h := newHarness(t, 1, nil)

	payload := []byte("already-encoded-bytes")
	op := &types.WriteOp{
		Inode:    1,
		Position: 0,
		Opts:     types.IOOptions{Replicas: 1},
		Flags:    types.WriteFlags{DataEncoded: true},
		Payload:  payload,
		PrecomputedCRC: &types.CRCDescriptor{
			UncompressedSize: uint32(len(payload)),
			LiveSize:         uint32(len(payload)),
			ChecksumType:     types.ChecksumNone,
			CompressionType:  types.CompressionNone,
		},
	}

	keys, err := h.pipeline.Write(op, write.DefaultIndexUpdate)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, uint64(len(payload)), keys[0].EndOffset)
}

func TestWriteDropsFailedDeviceButCommitsSurvivor(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.backends[1].fail = true

	op := &types.WriteOp{
		Inode:    1,
		Position: 0,
		Opts: types.IOOptions{
			Checksum:    types.ChecksumCRC32C,
			Compression: types.CompressionNone,
			Replicas:    2,
		},
		Payload: []byte("degraded write"),
	}

	keys, err := h.pipeline.Write(op, write.DefaultIndexUpdate)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Len(t, keys[0].Pointers, 1)
	require.True(t, keys[0].Degraded)
	require.Contains(t, op.FailedDevices, 1)
}

func TestWriteAllReplicasFailingReturnsNoSurvivingReplica(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.backends[0].fail = true
	h.backends[1].fail = true

	op := &types.WriteOp{
		Inode:    1,
		Position: 0,
		Opts: types.IOOptions{
			Checksum:    types.ChecksumCRC32C,
			Compression: types.CompressionNone,
			Replicas:    2,
		},
		Payload: []byte("totally failed write"),
	}

	keys, err := h.pipeline.Write(op, write.DefaultIndexUpdate)
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrNoSurvivingReplica)
	require.Empty(t, keys)
}

func TestWriteWithEncryptionSkipsRedundantChaChaPolyChecksum(t *testing.T) {
	key := make([]byte, 32)
	h := newHarness(t, 1, key)

	op := &types.WriteOp{
		Inode:    1,
		Position: 0,
		Opts: types.IOOptions{
			Checksum:    types.ChecksumChaChaPoly,
			Compression: types.CompressionNone,
			Encrypted:   true,
			Replicas:    1,
		},
		Payload: []byte("secret bytes"),
	}

	keys, err := h.pipeline.Write(op, write.DefaultIndexUpdate)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, [32]byte{}, keys[0].CRC.ChecksumValue)
}

func TestWriteFlushWaitsForJournalDurability(t *testing.T) {
	h := newHarness(t, 1, nil)

	op := &types.WriteOp{
		Inode:    1,
		Position: 0,
		Opts: types.IOOptions{
			Checksum:    types.ChecksumCRC32C,
			Compression: types.CompressionNone,
			Replicas:    1,
		},
		Flags:   types.WriteFlags{Flush: true},
		Payload: []byte("flush me"),
	}

	keys, err := h.pipeline.Write(op, write.DefaultIndexUpdate)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}
