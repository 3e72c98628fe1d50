package read

import (
	"fmt"

	"github.com/cuemby/bfscore/pkg/bounce"
	"github.com/cuemby/bfscore/pkg/codec"
	"github.com/cuemby/bfscore/pkg/device"
	"github.com/cuemby/bfscore/pkg/index"
	"github.com/cuemby/bfscore/pkg/log"
	"github.com/cuemby/bfscore/pkg/metrics"
	"github.com/cuemby/bfscore/pkg/types"
	"github.com/cuemby/bfscore/pkg/write"
)

// Config bundles every collaborator the read pipeline drives. Write is
// only needed when a caller sets ReadFlags.MayPromote; it may be nil
// otherwise.
type Config struct {
	Registry *device.Registry
	Index    *index.Index
	Bounce   *bounce.Pool
	Codec    *codec.Codec
	Write    *write.Pipeline

	// MaxRetries bounds the checksum-mismatch / device-I/O retry loop
	// before the read gives up with ErrRetryExhausted.
	MaxRetries int
}

// Pipeline is the read pipeline over one Config.
type Pipeline struct {
	cfg Config
}

// New validates cfg and creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Registry == nil:
		return nil, fmt.Errorf("read: Registry is required")
	case cfg.Index == nil:
		return nil, fmt.Errorf("read: Index is required")
	case cfg.Bounce == nil:
		return nil, fmt.Errorf("read: Bounce is required")
	case cfg.Codec == nil:
		return nil, fmt.Errorf("read: Codec is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Pipeline{cfg: cfg}, nil
}

// Read fills dst (which must have length op.Length) with the plaintext
// covering [op.Offset, op.Offset+op.Length) for op.Inode, iterating the
// extent index and zero-filling any byte range no extent covers.
func (p *Pipeline) Read(op *types.ReadOp, dst []byte) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReadLatency)

	if uint64(len(dst)) != op.Length {
		return 0, fmt.Errorf("read: dst length %d does not match op.Length %d", len(dst), op.Length)
	}
	if op.AvoidDevices == nil {
		op.AvoidDevices = make(map[int]struct{})
	}

	end := op.Offset + op.Length
	it := p.cfg.Index.Open(op.Inode, op.Offset, end)
	defer it.Unlock()

	cursor := op.Offset
	for e, ok := it.PeekSlot(); ok; e, ok = it.Next() {
		if e.StartOffset > cursor {
			gapEnd := min64(e.StartOffset, end)
			zero(dst, op.Offset, cursor, gapEnd)
			cursor = gapEnd
		}
		if cursor >= end {
			break
		}

		segStart := max64(cursor, e.StartOffset)
		segEnd := min64(end, e.EndOffset)
		if segStart >= segEnd {
			continue
		}

		extent := e
		if err := p.readExtent(op, extent, dst[segStart-op.Offset:segEnd-op.Offset], segStart, segEnd); err != nil {
			return int(cursor - op.Offset), err
		}
		cursor = segEnd
	}

	if cursor < end {
		zero(dst, op.Offset, cursor, end)
	}

	metrics.BytesTotal.WithLabelValues("read", "plaintext").Add(float64(op.Length))
	return int(op.Length), nil
}

func zero(dst []byte, base, from, to uint64) {
	for i := from; i < to; i++ {
		dst[i-base] = 0
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// pickReplica chooses a replica pointer per spec §4.4 "Pick": prefer a
// live, non-stale device not in avoid; fall back to one in avoid if
// nothing else survives; tie-break on lowest device ID.
func pickReplica(e *types.Extent, avoid map[int]struct{}, registry *device.Registry) (types.Pointer, bool) {
	best, ok := pickReplicaPass(e, avoid, registry, true)
	if ok {
		return best, true
	}
	return pickReplicaPass(e, avoid, registry, false)
}

func pickReplicaPass(e *types.Extent, avoid map[int]struct{}, registry *device.Registry, honorAvoid bool) (types.Pointer, bool) {
	var best *types.Pointer
	for i := range e.Pointers {
		ptr := e.Pointers[i]
		dev, ok := registry.Get(ptr.DeviceID)
		if !ok || dev.Dying() {
			continue
		}
		if dev.Generation() != ptr.DeviceGeneration {
			continue // stale cached pointer
		}
		if honorAvoid {
			if _, avoided := avoid[ptr.DeviceID]; avoided {
				continue
			}
		}
		if best == nil || ptr.DeviceID < best.DeviceID {
			best = &ptr
		}
	}
	if best == nil {
		return types.Pointer{}, false
	}
	return *best, true
}

// ReadRaw performs a "nodecode" read of e (spec §4.5 step 3): it picks a
// replica, submits the device I/O, and verifies the checksum, but returns
// the still-encoded bytes without decrypting or decompressing them. The
// move engine uses this to relocate an extent's bytes without touching
// its plaintext. avoid is mutated in place as devices are ruled out.
func (p *Pipeline) ReadRaw(e *types.Extent, avoid map[int]struct{}) ([]byte, types.Pointer, error) {
	if avoid == nil {
		avoid = make(map[int]struct{})
	}

	for attempt := 0; ; attempt++ {
		ptr, ok := pickReplica(e, avoid, p.cfg.Registry)
		if !ok {
			return nil, types.Pointer{}, fmt.Errorf("read: nodecode inode %d offset %d: %w", e.Inode, e.StartOffset, types.ErrNoSurvivingReplica)
		}
		dev, _ := p.cfg.Registry.Get(ptr.DeviceID)

		buf, err := p.cfg.Bounce.Acquire(int(e.CRC.CompressedSize))
		if err != nil {
			return nil, types.Pointer{}, fmt.Errorf("acquire bounce buffer: %w", err)
		}

		if err := dev.SubmitBio(device.NewBio(buf.Bytes), int64(ptr.DeviceOffset), false); err != nil {
			p.cfg.Bounce.Release(buf)
			avoid[ptr.DeviceID] = struct{}{}
			if attempt >= p.cfg.MaxRetries {
				return nil, types.Pointer{}, fmt.Errorf("read: nodecode inode %d offset %d: %w: %w", e.Inode, e.StartOffset, err, types.ErrRetryExhausted)
			}
			continue
		}

		if e.CRC.ChecksumType != types.ChecksumNone {
			nonce := codec.DeriveNonce(e.Version, e.CRC.Nonce, 0)
			if verr := p.cfg.Codec.VerifyChecksum(e.CRC.ChecksumType, nonce, buf.Bytes, e.CRC.ChecksumValue); verr != nil {
				p.cfg.Bounce.Release(buf)
				avoid[ptr.DeviceID] = struct{}{}
				if attempt >= p.cfg.MaxRetries {
					return nil, types.Pointer{}, fmt.Errorf("read: nodecode inode %d offset %d: %w: %w", e.Inode, e.StartOffset, verr, types.ErrRetryExhausted)
				}
				continue
			}
		}

		out := make([]byte, len(buf.Bytes))
		copy(out, buf.Bytes)
		p.cfg.Bounce.Release(buf)
		return out, ptr, nil
	}
}

// readExtent runs the pick/submit/verify/decode retry loop for one
// extent, writing the requested [segStart, segEnd) sub-range into out.
func (p *Pipeline) readExtent(op *types.ReadOp, e *types.Extent, out []byte, segStart, segEnd uint64) error {
	for attempt := 0; ; attempt++ {
		ptr, ok := pickReplica(e, op.AvoidDevices, p.cfg.Registry)
		if !ok {
			op.Disposition = types.RetryError
			return fmt.Errorf("read: inode %d offset %d: %w", e.Inode, e.StartOffset, types.ErrNoSurvivingReplica)
		}
		dev, _ := p.cfg.Registry.Get(ptr.DeviceID)

		retry, err := p.readOnce(op, e, ptr, dev, out, segStart, segEnd)
		if err == nil {
			op.Disposition = types.RetryOK
			return nil
		}
		if !retry || attempt >= p.cfg.MaxRetries {
			op.Disposition = types.RetryError
			return fmt.Errorf("read: inode %d offset %d: %w: %w", e.Inode, e.StartOffset, err, types.ErrRetryExhausted)
		}
		op.Disposition = types.RetryRetryAvoid
		op.Retries++
	}
}

// readOnce submits one device read for the extent's full encoded range,
// verifies its checksum, and decodes it into out. It returns retry=true
// for conditions the retry state machine treats as retry_avoid (checksum
// mismatch, device I/O error) and retry=false for conditions treated as
// a terminal error (decompression failure, out-of-range copy).
func (p *Pipeline) readOnce(op *types.ReadOp, e *types.Extent, ptr types.Pointer, dev *device.Device, out []byte, segStart, segEnd uint64) (retry bool, err error) {
	buf, err := p.cfg.Bounce.Acquire(int(e.CRC.CompressedSize))
	if err != nil {
		return false, fmt.Errorf("acquire bounce buffer: %w", err)
	}
	defer p.cfg.Bounce.Release(buf)

	bio := device.NewBio(buf.Bytes)
	if err := dev.SubmitBio(bio, int64(ptr.DeviceOffset), false); err != nil {
		op.AvoidDevices[ptr.DeviceID] = struct{}{}
		metrics.ReadRetries.WithLabelValues("retry_avoid").Inc()
		return true, err
	}

	nonce := codec.DeriveNonce(e.Version, e.CRC.Nonce, 0)
	skipChecksum := e.CRC.Encrypted && e.CRC.ChecksumType == types.ChecksumChaChaPoly
	if !skipChecksum {
		if verr := p.cfg.Codec.VerifyChecksum(e.CRC.ChecksumType, nonce, buf.Bytes, e.CRC.ChecksumValue); verr != nil {
			op.AvoidDevices[ptr.DeviceID] = struct{}{}
			metrics.ReadRetries.WithLabelValues("retry_avoid").Inc()
			return true, verr
		}
	}

	if !op.Flags.NoDecode && e.CRC.CompressionType == types.CompressionNone && (segStart > e.StartOffset || segEnd < e.EndOffset) {
		p.tryNarrowCRCs(e, ptr, segStart, segEnd, buf.Bytes)
	}

	plain := buf.Bytes
	if e.CRC.Encrypted {
		plain, err = p.cfg.Codec.Decrypt(nonce, buf.Bytes)
		if err != nil {
			op.AvoidDevices[ptr.DeviceID] = struct{}{}
			metrics.ReadRetries.WithLabelValues("retry_avoid").Inc()
			return true, err
		}
	}

	if e.CRC.CompressionType != types.CompressionNone {
		decompressed, derr := p.cfg.Bounce.Acquire(int(e.CRC.UncompressedSize))
		if derr != nil {
			return false, fmt.Errorf("acquire decompress buffer: %w", derr)
		}
		n, derr := p.cfg.Codec.Decompress(decompressed.Bytes, plain, e.CRC)
		if derr != nil {
			p.cfg.Bounce.Release(decompressed)
			return false, fmt.Errorf("decompress: %w", derr)
		}
		plain = decompressed.Bytes[:n]
		defer p.cfg.Bounce.Release(decompressed)
	}

	rangeStart := segStart - e.StartOffset + uint64(e.CRC.OffsetIntoUncompressed)
	rangeEnd := rangeStart + (segEnd - segStart)
	if rangeEnd > uint64(len(plain)) {
		return false, fmt.Errorf("decoded range [%d,%d) exceeds decoded length %d", rangeStart, rangeEnd, len(plain))
	}
	copy(out, plain[rangeStart:rangeEnd])

	if op.Flags.MayPromote && p.cfg.Write != nil && dev.Tier != types.TierFast {
		p.promote(e, ptr, plain)
	}

	return false, nil
}

// tryNarrowCRCs opportunistically rewrites e's index entry with a tighter
// CRC covering just [segStart, segEnd) so future reads of this range
// don't re-read the whole extent. A mismatch against the index's current
// snapshot (a concurrent writer already raced this region) aborts the
// optimization silently, per spec §4.4.
func (p *Pipeline) tryNarrowCRCs(e *types.Extent, ptr types.Pointer, segStart, segEnd uint64, ciphertext []byte) {
	offset := segStart - e.StartOffset
	live := segEnd - segStart

	newCRC, err := p.cfg.Codec.Rechecksum(ciphertext, e.CRC, e.CRC, offset, live, e.CRC.ChecksumType)
	if err != nil {
		log.WithComponent("read").Debug().Err(err).Msg("narrow-crcs rechecksum skipped")
		return
	}

	narrowed := *e
	narrowed.CRC = newCRC

	if err := p.cfg.Index.CompareAndSwap(*e, narrowed); err != nil {
		metrics.ReadReallocRaces.Inc()
		log.WithComponent("read").Debug().Err(err).Msg("narrow-crcs raced a concurrent index change")
	}
}

// promote re-encrypts plain back into a bounce buffer and writes it to
// the fastest tier as a cached, non-blocking replica, per spec §4.4 step
// 4. Failures are logged and otherwise ignored: promotion is an
// optimization, never a read-path failure.
func (p *Pipeline) promote(e *types.Extent, src types.Pointer, plain []byte) {
	op := &types.WriteOp{
		Inode:    e.Inode,
		Position: e.StartOffset,
		Version:  e.Version,
		Opts: types.IOOptions{
			Checksum:    e.CRC.ChecksumType,
			Compression: types.CompressionNone,
			Encrypted:   e.CRC.Encrypted,
			Replicas:    1,
			Tier:        types.TierFast,
		},
		Flags: types.WriteFlags{
			AllocNoWait: true,
			Cached:      true,
			PagesOwned:  true,
			PagesStable: true,
		},
		ExcludeDevices: []int{src.DeviceID},
		Payload:        plain,
	}

	if _, err := p.cfg.Write.Write(op, write.DefaultIndexUpdate); err != nil {
		log.WithComponent("read").Debug().Err(err).Uint64("inode", e.Inode).Msg("promote write failed")
		return
	}
	metrics.PromoteWritesTotal.Inc()
}
