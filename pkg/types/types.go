// Package types holds the core data model shared across the data path:
// extents, pointers, CRC descriptors, the transient write/read/move
// operation objects, and I/O options.
package types

import "time"

// ChecksumType names a checksum algorithm an extent's pointers are verified
// against.
type ChecksumType string

const (
	ChecksumNone       ChecksumType = "none"
	ChecksumCRC32C     ChecksumType = "crc32c"
	ChecksumCRC64      ChecksumType = "crc64"
	ChecksumChaChaPoly ChecksumType = "chacha-poly"
)

// CompressionType names a compression algorithm applied to an extent's
// ciphertext/plaintext before it reaches a device.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionLZ4  CompressionType = "lz4"
	CompressionGzip CompressionType = "gzip"
)

// Tier names a storage tier a device belongs to, used for promotion.
type Tier string

const (
	TierFast Tier = "fast"
	TierSlow Tier = "slow"
)

// CRCDescriptor describes the on-disk encoding of one extent's ciphertext,
// and the checksum that verifies it. See spec §3.
type CRCDescriptor struct {
	CompressedSize      uint32
	UncompressedSize    uint32
	LiveSize            uint32 // LiveSize <= UncompressedSize
	OffsetIntoUncompressed uint32 // OffsetIntoUncompressed + LiveSize <= UncompressedSize
	ChecksumType        ChecksumType
	ChecksumValue       [32]byte
	CompressionType     CompressionType
	Encrypted           bool
	Nonce               uint64
}

// Valid checks the CRCDescriptor's internal size invariants.
func (c CRCDescriptor) Valid() bool {
	if c.LiveSize > c.UncompressedSize {
		return false
	}
	if uint64(c.OffsetIntoUncompressed)+uint64(c.LiveSize) > uint64(c.UncompressedSize) {
		return false
	}
	return true
}

// Pointer names one device-resident replica of an extent.
type Pointer struct {
	DeviceID         int
	DeviceOffset     uint64 // byte offset into the device
	Cached           bool   // best-effort, freely evictable; not counted against replication quota
	DeviceGeneration uint64 // device generation at write time, for stale-cache detection
}

// Extent is a contiguous logical byte range of an inode, mapped to one or
// more device-resident replicas. See spec §3.
type Extent struct {
	Inode       uint64
	StartOffset uint64
	EndOffset   uint64

	Version uint64 // monotonically increasing, per-filesystem, never reused

	CRC CRCDescriptor

	Pointers []Pointer

	// Degraded marks an extent whose dirty-pointer count has fallen below
	// the configured replication factor (e.g. after a device failure) but
	// which has not yet been rereplicated.
	Degraded bool
}

// DirtyPointers returns the subset of an extent's pointers that count
// against its replication quota (i.e. not cached).
func (e *Extent) DirtyPointers() []Pointer {
	var out []Pointer
	for _, p := range e.Pointers {
		if !p.Cached {
			out = append(out, p)
		}
	}
	return out
}

// Overlaps reports whether the extent covers any part of [start, end) for
// the given inode.
func (e *Extent) Overlaps(inode, start, end uint64) bool {
	if e.Inode != inode {
		return false
	}
	return e.StartOffset < end && start < e.EndOffset
}

// IOOptions controls checksum, compression, encryption, tier, and
// replication behavior for a write, and how a read is permitted to react.
type IOOptions struct {
	Checksum     ChecksumType
	Compression  CompressionType
	Encrypted    bool
	Replicas     int
	Tier         Tier
	Promote      bool // allow read-triggered promotion to a faster tier
}

// WriteFlags are the behavioral flags carried on a WriteOp. See spec §3.
type WriteFlags struct {
	DataEncoded      bool // payload is already compressed/checksummed
	PagesStable      bool // caller's pages won't mutate during I/O
	PagesOwned       bool // caller's pages may be mutated/encrypted in place
	Cached           bool // pointers produced are cached, not dirty
	AllocNoWait      bool // allocation must not block
	Flush            bool // caller wants durability before completion
	OnlySpecifiedDevs bool // restrict replica placement to ExcludeDevices' complement
	NoMarkReplicas   bool // skip superblock replica-set bookkeeping
}

// WriteOp is the transient object describing one write request end to end.
// See spec §3 "Write operation".
type WriteOp struct {
	ID string // uuid, for log correlation only — never used for extent ordering

	Inode    uint64
	Position uint64
	Version  uint64 // caller-supplied version, or 0 to mint a fresh one

	Opts  IOOptions
	Flags WriteFlags

	// ExcludeDevices restricts replica placement away from these devices
	// (used by the move engine when evacuating a device).
	ExcludeDevices []int

	Payload []byte // plaintext (or pre-encoded ciphertext if DataEncoded)

	// PrecomputedCRC carries the already-computed descriptor for Payload
	// when Flags.DataEncoded is set, so the write pipeline can skip
	// compress/encrypt/checksum and write the bytes as-is.
	PrecomputedCRC *CRCDescriptor

	// FailedDevices accumulates devices whose I/O failed during this op.
	FailedDevices map[int]struct{}
}

// ReadFlags are the behavioral flags carried on a ReadOp. See spec §3.
type ReadFlags struct {
	MayPromote   bool
	UserMapped   bool
	MustClone    bool
	MustBounce   bool
	NoDecode     bool // verify checksum only; do not decrypt/decompress (used by move engine)
	RetryIfStale bool
	InRetry      bool
}

// RetryDisposition is the read pipeline's retry state machine state.
type RetryDisposition int

const (
	RetryOK RetryDisposition = iota
	RetryRetry
	RetryRetryAvoid
	RetryError
)

// ReadOp is the transient object describing one read request end to end.
// See spec §3 "Read operation".
type ReadOp struct {
	Inode  uint64
	Offset uint64
	Length uint64

	Flags ReadFlags

	AvoidDevices map[int]struct{}

	Disposition RetryDisposition
	Retries     int
}

// MoveJobKind names the reason a move pass was started.
type MoveJobKind string

const (
	MoveJobRereplicate MoveJobKind = "rereplicate"
	MoveJobMigrate     MoveJobKind = "migrate"
	MoveJobTier        MoveJobKind = "tier"
)

// MoveStats accumulates the outcome of one move pass. See spec §3
// "Move context" and §8 property 3.
type MoveStats struct {
	KeysMoved    uint64
	SectorsMoved uint64
	SectorsSeen  uint64
	SectorsRaced uint64
}

// JobStats is the externally-reported summary of a completed data_job.
type JobStats struct {
	Kind     MoveJobKind
	MoveStats
	Duration time.Duration
}
