package write

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/bfscore/pkg/alloc"
	"github.com/cuemby/bfscore/pkg/bounce"
	"github.com/cuemby/bfscore/pkg/codec"
	"github.com/cuemby/bfscore/pkg/device"
	"github.com/cuemby/bfscore/pkg/index"
	"github.com/cuemby/bfscore/pkg/journal"
	"github.com/cuemby/bfscore/pkg/log"
	"github.com/cuemby/bfscore/pkg/metrics"
	"github.com/cuemby/bfscore/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// Config bundles every collaborator the write pipeline drives. All fields
// are required except RecordReplicaSet.
type Config struct {
	Registry *device.Registry
	Alloc    *alloc.Allocator
	Index    *index.Index
	Journal  *journal.Journal
	Bounce   *bounce.Pool
	Codec    *codec.Codec

	// ChunkBytes bounds how much plaintext one encode-loop iteration
	// handles at a time, matching the current open bucket's chunk size.
	// It must leave room in Bounce's declared MaxBytes for encryption
	// growth (chacha20poly1305.Overhead bytes).
	ChunkBytes int

	// RecordReplicaSet is called once per committed key unless the op's
	// NoMarkReplicas flag is set, standing in for the superblock replica
	// table the core treats as an external collaborator. Nil means no-op.
	RecordReplicaSet func(types.Extent) error
}

// Pipeline is the write pipeline over one Config. It is safe for
// concurrent use by multiple callers.
type Pipeline struct {
	cfg Config

	nextVersion atomic.Uint64
}

// New validates cfg and creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Registry == nil:
		return nil, fmt.Errorf("write: Registry is required")
	case cfg.Alloc == nil:
		return nil, fmt.Errorf("write: Alloc is required")
	case cfg.Index == nil:
		return nil, fmt.Errorf("write: Index is required")
	case cfg.Journal == nil:
		return nil, fmt.Errorf("write: Journal is required")
	case cfg.Bounce == nil:
		return nil, fmt.Errorf("write: Bounce is required")
	case cfg.Codec == nil:
		return nil, fmt.Errorf("write: Codec is required")
	}
	if cfg.ChunkBytes <= 0 || cfg.ChunkBytes+chacha20poly1305.Overhead > cfg.Bounce.MaxBytes() {
		cfg.ChunkBytes = cfg.Bounce.MaxBytes() - chacha20poly1305.Overhead
	}
	return &Pipeline{cfg: cfg}, nil
}

// NextVersion mints a fresh, never-reused extent version.
func (p *Pipeline) NextVersion() uint64 {
	return p.nextVersion.Add(1)
}

// IndexUpdateFunc commits keys into the extent index under journalSeq.
// DefaultIndexUpdate is used for ordinary foreground writes; the move
// engine supplies a compare-and-swap-based callback for migrate.
type IndexUpdateFunc func(p *Pipeline, journalSeq uint64, keys []types.Extent, op *types.WriteOp) ([]types.Extent, error)

// DefaultIndexUpdate inserts the full key list into the extent index,
// dropping from each key any pointer whose device is in op.FailedDevices.
// A key left with no surviving pointer is reported as an error but does
// not prevent the remaining keys from being inserted (spec §4.3 "on
// failure, inserts as much as was successfully written").
func DefaultIndexUpdate(p *Pipeline, journalSeq uint64, keys []types.Extent, op *types.WriteOp) ([]types.Extent, error) {
	var committed []types.Extent
	var errs []error

	for _, key := range keys {
		if len(op.FailedDevices) > 0 {
			var surviving []types.Pointer
			for _, ptr := range key.Pointers {
				if _, failed := op.FailedDevices[ptr.DeviceID]; !failed {
					surviving = append(surviving, ptr)
				}
			}
			key.Pointers = surviving
			key.Degraded = len(key.DirtyPointers()) < op.Opts.Replicas
		}

		if len(key.DirtyPointers()) == 0 {
			errs = append(errs, fmt.Errorf("write: inode %d offset %d: %w", key.Inode, key.StartOffset, types.ErrNoSurvivingReplica))
			continue
		}

		flags := index.InsertFlags(0)
		if op.Flags.AllocNoWait {
			flags |= index.FlagNoWait
		}

		if err := p.cfg.Index.InsertAt(key, journalSeq, flags); err != nil {
			errs = append(errs, fmt.Errorf("write: insert inode %d offset %d: %w", key.Inode, key.StartOffset, err))
			continue
		}

		if !op.Flags.NoMarkReplicas && p.cfg.RecordReplicaSet != nil {
			if err := p.cfg.RecordReplicaSet(key); err != nil {
				log.WithComponent("write").Warn().Err(err).Uint64("inode", key.Inode).Msg("replica-set bookkeeping failed")
			}
		}

		committed = append(committed, key)
	}

	return committed, errors.Join(errs...)
}

// Write runs op through the encode loop and commits the result via
// update, returning whatever keys were actually committed.
func (p *Pipeline) Write(op *types.WriteOp, update IndexUpdateFunc) ([]types.Extent, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WriteLatency)

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.FailedDevices == nil {
		op.FailedDevices = make(map[int]struct{})
	}
	if op.Opts.Replicas < 1 {
		op.Opts.Replicas = 1
	}
	resv, verr := p.cfg.Alloc.Reserve(uint64(len(op.Payload)) * uint64(op.Opts.Replicas))
	if verr != nil {
		return nil, fmt.Errorf("write: reserve: %w", verr)
	}
	defer p.cfg.Alloc.ReleaseReservation(resv)
	version := op.Version
	if version == 0 {
		version = p.NextVersion()
	}

	keys, err := p.encodeAndSubmit(op, version)
	if err != nil && len(keys) == 0 {
		return nil, err
	}

	res, rerr := p.cfg.Journal.ResGet()
	if rerr != nil {
		return nil, fmt.Errorf("write: journal reservation: %w", rerr)
	}

	rawKeys := make([][]byte, len(keys))
	for i, k := range keys {
		rawKeys[i] = []byte(fmt.Sprintf("%d:%d:%d", k.Inode, k.StartOffset, k.Version))
	}
	if aerr := p.cfg.Journal.AddKeys(res, rawKeys); aerr != nil {
		p.cfg.Journal.ResPut(res)
		return nil, fmt.Errorf("write: journal append: %w", aerr)
	}

	committed, uerr := update(p, res.Seq, keys, op)
	p.cfg.Journal.ResPut(res)

	if op.Flags.Flush {
		if ferr := <-p.cfg.Journal.FlushSeqAsync(res.Seq); ferr != nil {
			return committed, errors.Join(err, uerr, ferr)
		}
	}

	return committed, errors.Join(err, uerr)
}

// encodeAndSubmit runs the chunked encode loop: compress, encrypt,
// checksum, allocate replica write points, and submit device writes in
// parallel, producing one Extent per chunk.
func (p *Pipeline) encodeAndSubmit(op *types.WriteOp, version uint64) ([]types.Extent, error) {
	if op.Flags.DataEncoded {
		return p.submitPreEncoded(op, version)
	}

	bucket, err := p.cfg.Alloc.AllocSectorsStart(op, op.Opts.Replicas)
	if err != nil {
		return nil, fmt.Errorf("write: alloc sectors: %w", err)
	}
	defer p.cfg.Alloc.AllocSectorsDone(bucket)

	needBounce := !(op.Flags.PagesOwned && op.Flags.PagesStable)

	var keys []types.Extent
	var errs []error

	remaining := op.Payload
	logicalOffset := uint64(0)

	for len(remaining) > 0 {
		n := len(remaining)
		if n > p.cfg.ChunkBytes {
			n = p.cfg.ChunkBytes
		}
		chunk := remaining[:n]
		remaining = remaining[n:]

		key, err := p.encodeChunk(op, bucket, version, chunk, logicalOffset, needBounce)
		logicalOffset += uint64(n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		keys = append(keys, key)
	}

	return keys, errors.Join(errs...)
}

// submitPreEncoded handles the Flags.DataEncoded shortcut: op.Payload is
// already compressed/checksummed ciphertext with a ready-made descriptor,
// so the pipeline only allocates replica space and submits device writes.
func (p *Pipeline) submitPreEncoded(op *types.WriteOp, version uint64) ([]types.Extent, error) {
	if op.PrecomputedCRC == nil {
		return nil, fmt.Errorf("write: DataEncoded set but PrecomputedCRC is nil")
	}

	bucket, err := p.cfg.Alloc.AllocSectorsStart(op, op.Opts.Replicas)
	if err != nil {
		return nil, fmt.Errorf("write: alloc sectors: %w", err)
	}
	defer p.cfg.Alloc.AllocSectorsDone(bucket)

	ptrs := p.cfg.Alloc.AllocSectorsAppendPtrs(bucket, uint64(len(op.Payload)))
	ptrs = p.submitReplicas(op, ptrs, op.Payload)

	key := types.Extent{
		Inode:       op.Inode,
		StartOffset: op.Position,
		EndOffset:   op.Position + uint64(op.PrecomputedCRC.LiveSize),
		Version:     version,
		CRC:         *op.PrecomputedCRC,
		Pointers:    ptrs,
		Degraded:    len(ptrs) < op.Opts.Replicas,
	}
	return []types.Extent{key}, nil
}

// encodeChunk compresses, encrypts, and checksums one chunk of plaintext,
// allocates its replica pointers, submits the device writes, and returns
// the resulting Extent.
func (p *Pipeline) encodeChunk(op *types.WriteOp, bucket *alloc.Bucket, version uint64, chunk []byte, logicalOffset uint64, needBounce bool) (types.Extent, error) {
	plainSrc := chunk
	if needBounce {
		plainBuf, err := p.acquireBuffer(op, len(chunk))
		if err != nil {
			return types.Extent{}, fmt.Errorf("write: acquire plaintext bounce buffer: %w", err)
		}
		defer p.cfg.Bounce.Release(plainBuf)
		copy(plainBuf.Bytes, chunk)
		plainSrc = plainBuf.Bytes
	}

	encodedBuf, err := p.acquireBuffer(op, len(chunk))
	if err != nil {
		return types.Extent{}, fmt.Errorf("write: acquire encode bounce buffer: %w", err)
	}
	defer p.cfg.Bounce.Release(encodedBuf)

	srcConsumed, dstProduced, kindActual, err := p.cfg.Codec.Compress(encodedBuf.Bytes, plainSrc, op.Opts.Compression)
	if err != nil {
		return types.Extent{}, fmt.Errorf("write: compress: %w", err)
	}
	final := encodedBuf.Bytes[:dstProduced]

	crcNonce := randomNonce()
	nonce := codec.DeriveNonce(version, crcNonce, 0)

	if op.Opts.Encrypted {
		final, err = p.cfg.Codec.Encrypt(nonce, final)
		if err != nil {
			return types.Extent{}, fmt.Errorf("write: encrypt: %w", err)
		}
	}

	var checksum [32]byte
	if !(op.Opts.Encrypted && op.Opts.Checksum == types.ChecksumChaChaPoly) {
		checksum, err = p.cfg.Codec.Checksum(op.Opts.Checksum, nonce, final)
		if err != nil {
			return types.Extent{}, fmt.Errorf("write: checksum: %w", err)
		}
	}

	ptrs := p.cfg.Alloc.AllocSectorsAppendPtrs(bucket, uint64(len(final)))
	ptrs = p.submitReplicas(op, ptrs, final)

	crc := types.CRCDescriptor{
		CompressedSize:         uint32(len(final)),
		UncompressedSize:       uint32(srcConsumed),
		LiveSize:               uint32(srcConsumed),
		OffsetIntoUncompressed: 0,
		ChecksumType:           op.Opts.Checksum,
		ChecksumValue:          checksum,
		CompressionType:        kindActual,
		Encrypted:              op.Opts.Encrypted,
		Nonce:                  crcNonce,
	}

	metrics.BytesTotal.WithLabelValues("write", "plaintext").Add(float64(len(chunk)))
	metrics.BytesTotal.WithLabelValues("write", "encoded").Add(float64(len(final)))

	return types.Extent{
		Inode:       op.Inode,
		StartOffset: op.Position + logicalOffset,
		EndOffset:   op.Position + logicalOffset + uint64(srcConsumed),
		Version:     version,
		CRC:         crc,
		Pointers:    ptrs,
		Degraded:    len(ptrs) < op.Opts.Replicas,
	}, nil
}

// acquireBuffer picks Acquire or TryAcquire based on op.Flags.AllocNoWait.
func (p *Pipeline) acquireBuffer(op *types.WriteOp, n int) (*bounce.Buffer, error) {
	if op.Flags.AllocNoWait {
		return p.cfg.Bounce.TryAcquire(n)
	}
	return p.cfg.Bounce.Acquire(n)
}

// submitReplicas writes data to every pointer's device in parallel,
// fanning one Bio out across replicas without copying bytes, and removes
// any pointer whose device failed from the returned slice.
func (p *Pipeline) submitReplicas(op *types.WriteOp, ptrs []types.Pointer, data []byte) []types.Pointer {
	if len(ptrs) == 0 {
		return ptrs
	}

	base := device.NewBio(data)
	var wg sync.WaitGroup
	var mu sync.Mutex
	survivors := make([]types.Pointer, 0, len(ptrs))

	for _, ptr := range ptrs {
		ptr := ptr
		dev, ok := p.cfg.Registry.Get(ptr.DeviceID)
		if !ok {
			continue
		}

		wg.Add(1)
		bio := base.Clone()
		go func() {
			defer wg.Done()
			defer bio.Release()

			err := dev.SubmitBio(bio, int64(ptr.DeviceOffset), true)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.WithDevice(ptr.DeviceID).Error().Err(err).Uint64("inode", op.Inode).Str("write_id", op.ID).Msg("replica write failed")
				op.FailedDevices[ptr.DeviceID] = struct{}{}
				return
			}
			survivors = append(survivors, ptr)
		}()
	}
	base.Release()
	wg.Wait()

	return survivors
}

func randomNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
