package move

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/bfscore/pkg/index"
	"github.com/cuemby/bfscore/pkg/log"
	"github.com/cuemby/bfscore/pkg/metrics"
	"github.com/cuemby/bfscore/pkg/ratelimit"
	"github.com/cuemby/bfscore/pkg/read"
	"github.com/cuemby/bfscore/pkg/types"
	"github.com/cuemby/bfscore/pkg/write"
)

// Config bundles every collaborator a move pass drives. RateLimiter may be
// nil, in which case the pass runs unrate-limited.
type Config struct {
	Index       *index.Index
	Read        *read.Pipeline
	Write       *write.Pipeline
	RateLimiter *ratelimit.Limiter

	// MaxSpliceRetries bounds how many times the migrate index-update
	// retries a splice against a region whose compare-and-swap saw a
	// stale snapshot before giving up.
	MaxSpliceRetries int
}

// Pipeline is the move engine over one Config.
type Pipeline struct {
	cfg Config
}

// New validates cfg and creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Index == nil:
		return nil, fmt.Errorf("move: Index is required")
	case cfg.Read == nil:
		return nil, fmt.Errorf("move: Read is required")
	case cfg.Write == nil:
		return nil, fmt.Errorf("move: Write is required")
	}
	if cfg.MaxSpliceRetries <= 0 {
		cfg.MaxSpliceRetries = 8
	}
	return &Pipeline{cfg: cfg}, nil
}

// PassParams describes one pass over a key range, mirroring spec §4.5's
// "pass over a range" parameter list.
type PassParams struct {
	Inode              uint64
	StartPos, EndPos   uint64
	Predicate          func(*types.Extent) bool
	MoveDevice         int // >= 0 excludes this device from the rewritten copy's destination set and drops it from spliced pointers; -1 means no specific source device (rereplicate, tiering)
	Replicas           int // wanted replica count for the rewritten copy
	InFlightByteBudget uint64
}

// movingIO is one extent's read-then-write unit, queued on the pass's
// pending list in the same order reads were started so writes commit in
// ascending key order regardless of which reads finish first.
type movingIO struct {
	extent     types.Extent
	weight     uint64
	ciphertext []byte
	ptr        types.Pointer
	readErr    error
	done       chan struct{}
}

// Pass iterates the extent index over [params.StartPos, params.EndPos)
// for params.Inode, applies params.Predicate to each extent, and rewrites
// the ones selected. See spec §4.5. Every candidate extent ends up counted
// in exactly one of extent_migrate_done or extent_migrate_raced: a read
// or write that fails outright is accounted as raced, same as a splice
// that loses to a concurrent writer, so the two counters' sum equals the
// number of candidates a pass observed.
func (p *Pipeline) Pass(ctx context.Context, params PassParams) (types.MoveStats, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MovePassDuration)

	if params.Predicate == nil {
		params.Predicate = func(*types.Extent) bool { return true }
	}
	if params.Replicas < 1 {
		params.Replicas = 1
	}

	it := p.cfg.Index.Open(params.Inode, params.StartPos, params.EndPos)
	var candidates []types.Extent
	for e, ok := it.PeekSlot(); ok; e, ok = it.Next() {
		if params.Predicate(e) {
			candidates = append(candidates, *e)
		}
	}

	var stats types.MoveStats
	for _, c := range candidates {
		stats.SectorsSeen += c.EndOffset - c.StartOffset
	}

	budget := newByteBudget(params.InFlightByteBudget)
	pending := make([]*movingIO, len(candidates))
	for i := range candidates {
		pending[i] = &movingIO{extent: candidates[i], done: make(chan struct{})}
	}

	avoid := make(map[int]struct{}) // shared across reads in this pass; move never has a per-extent avoid set to honor

	var wg sync.WaitGroup
	for _, mio := range pending {
		wg.Add(1)
		go func(mio *movingIO) {
			defer wg.Done()
			p.runRead(ctx, avoid, mio, budget)
		}(mio)
	}
	go wg.Wait()

	for _, mio := range pending {
		<-mio.done
		if mio.readErr != nil {
			log.WithComponent("move").Warn().Err(mio.readErr).Uint64("inode", mio.extent.Inode).Uint64("offset", mio.extent.StartOffset).Msg("moving-I/O read failed, skipping extent")
			stats.SectorsRaced += mio.extent.EndOffset - mio.extent.StartOffset
			metrics.ExtentMigrateRaced.Inc()
			budget.release(mio.weight)
			continue
		}

		movedBefore, racedBefore := stats.KeysMoved, stats.SectorsRaced
		if err := p.runWrite(params, mio, &stats); err != nil {
			log.WithComponent("move").Error().Err(err).Uint64("inode", mio.extent.Inode).Uint64("offset", mio.extent.StartOffset).Msg("moving-I/O write failed")
			if stats.KeysMoved == movedBefore && stats.SectorsRaced == racedBefore {
				stats.SectorsRaced += mio.extent.EndOffset - mio.extent.StartOffset
				metrics.ExtentMigrateRaced.Inc()
			}
		}
		budget.release(mio.weight)
	}

	return stats, nil
}

// runRead acquires the byte budget, waits on the rate limiter, and issues
// the nodecode read for one candidate extent.
func (p *Pipeline) runRead(ctx context.Context, avoid map[int]struct{}, mio *movingIO, budget *byteBudget) {
	defer close(mio.done)

	mio.weight = uint64(mio.extent.CRC.CompressedSize)
	budget.acquire(mio.weight)

	if p.cfg.RateLimiter != nil {
		if err := p.cfg.RateLimiter.WaitFreezableStoppable(ctx, int(mio.extent.CRC.CompressedSize)); err != nil {
			mio.readErr = err
			return
		}
	}

	ciphertext, ptr, err := p.cfg.Read.ReadRaw(&mio.extent, avoid)
	if err != nil {
		mio.readErr = err
		return
	}
	mio.ciphertext = ciphertext
	mio.ptr = ptr
}

// runWrite submits the relocated copy through the write pipeline's
// data_encoded shortcut, using the migrate index-update callback to
// splice the result into the index.
func (p *Pipeline) runWrite(params PassParams, mio *movingIO, stats *types.MoveStats) error {
	orig := mio.extent

	var exclude []int
	if params.MoveDevice >= 0 {
		exclude = []int{params.MoveDevice}
	}

	op := &types.WriteOp{
		Inode:    orig.Inode,
		Position: orig.StartOffset,
		Version:  orig.Version,
		Opts: types.IOOptions{
			Checksum:    orig.CRC.ChecksumType,
			Compression: orig.CRC.CompressionType,
			Encrypted:   orig.CRC.Encrypted,
			Replicas:    params.Replicas,
		},
		Flags: types.WriteFlags{
			DataEncoded:       true,
			PagesStable:       true,
			PagesOwned:        true,
			NoMarkReplicas:    true,
			OnlySpecifiedDevs: true,
		},
		ExcludeDevices: exclude,
		Payload:        mio.ciphertext,
		PrecomputedCRC: &orig.CRC,
	}

	_, err := p.cfg.Write.Write(op, p.migrateIndexUpdate(orig, params.MoveDevice, stats))
	return err
}

// migrateIndexUpdate returns an IndexUpdateFunc implementing spec §4.5's
// migrate index-update protocol: for each newly written key it splices
// the fresh pointer(s) into every stored extent the key overlaps, rather
// than simply replacing what's there, so a concurrent foreground write
// is never lost.
func (p *Pipeline) migrateIndexUpdate(orig types.Extent, moveDevice int, stats *types.MoveStats) write.IndexUpdateFunc {
	return func(_ *write.Pipeline, _ uint64, keys []types.Extent, _ *types.WriteOp) ([]types.Extent, error) {
		var committed []types.Extent
		var errs []error

		for _, newKey := range keys {
			c, err := p.spliceIntoIndex(orig, newKey, moveDevice, stats)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			committed = append(committed, c...)
		}

		return committed, errors.Join(errs...)
	}
}

// spliceIntoIndex walks every stored extent newKey overlaps and splices
// the new pointer(s) into each one individually, since a single new key
// can straddle several pre-existing stored extents.
func (p *Pipeline) spliceIntoIndex(orig, newKey types.Extent, moveDevice int, stats *types.MoveStats) ([]types.Extent, error) {
	it := p.cfg.Index.Open(newKey.Inode, newKey.StartOffset, newKey.EndOffset)
	var regions []types.Extent
	for e, ok := it.PeekSlot(); ok; e, ok = it.Next() {
		regions = append(regions, *e)
	}

	var committed []types.Extent
	for _, region := range regions {
		if max64(region.StartOffset, newKey.StartOffset) >= min64(region.EndOffset, newKey.EndOffset) {
			continue
		}
		spliced, err := p.spliceRegion(orig, newKey, region.StartOffset, orig.Version, moveDevice, stats)
		if err != nil {
			return committed, err
		}
		if spliced != nil {
			committed = append(committed, *spliced)
		}
	}
	return committed, nil
}

// spliceRegion performs step 1-4 of the migrate index-update protocol
// against the single stored extent keyed by (newKey.Inode, startOffset,
// version), retrying the splice if a concurrent writer's compare-and-swap
// raced it (spec §4.5 step 4).
func (p *Pipeline) spliceRegion(orig, newKey types.Extent, startOffset, version uint64, moveDevice int, stats *types.MoveStats) (*types.Extent, error) {
	for attempt := 0; attempt < p.cfg.MaxSpliceRetries; attempt++ {
		stored, ok := p.lookupExact(newKey.Inode, startOffset, version)
		if !ok {
			p.race(orig, newKey, startOffset, stats)
			return nil, nil
		}

		if !hasSourcePointer(stored, orig, moveDevice) {
			p.race(orig, newKey, startOffset, stats)
			return nil, nil
		}

		spliced := stored
		spliced.Pointers = append([]types.Pointer(nil), stored.Pointers...)
		if moveDevice >= 0 {
			spliced.Pointers = dropDevice(spliced.Pointers, moveDevice)
		}

		added := false
		for _, np := range newKey.Pointers {
			if !hasDevice(spliced.Pointers, np.DeviceID) {
				spliced.Pointers = append(spliced.Pointers, np)
				added = true
			}
		}
		if !added {
			p.race(orig, newKey, startOffset, stats)
			return nil, nil
		}
		spliced.Degraded = len(spliced.DirtyPointers()) == 0

		if err := p.cfg.Index.CompareAndSwap(stored, spliced); err != nil {
			if errors.Is(err, types.ErrLockChanged) {
				continue // stale snapshot: retry the splice on this region
			}
			return nil, fmt.Errorf("move: splice inode %d offset %d: %w", newKey.Inode, startOffset, err)
		}

		overlapStart := max64(stored.StartOffset, newKey.StartOffset)
		overlapEnd := min64(stored.EndOffset, newKey.EndOffset)
		stats.SectorsMoved += overlapEnd - overlapStart
		stats.KeysMoved++
		metrics.ExtentMigrateDone.Inc()
		metrics.MoveSectorsMoved.Add(float64(overlapEnd - overlapStart))

		return &spliced, nil
	}

	return nil, fmt.Errorf("move: splice inode %d offset %d: %w", newKey.Inode, startOffset, types.ErrLockChanged)
}

// race accounts one raced region: a concurrent writer's change meant the
// stored extent no longer matched what the move engine expected, so this
// region's rewrite is discarded rather than failed.
func (p *Pipeline) race(orig, newKey types.Extent, startOffset uint64, stats *types.MoveStats) {
	width := newKey.EndOffset - newKey.StartOffset
	if startOffset > newKey.StartOffset {
		width = newKey.EndOffset - startOffset
	}
	stats.SectorsRaced += width
	metrics.ExtentMigrateRaced.Inc()
}

// lookupExact returns the extent keyed by (inode, startOffset, version),
// if still present.
func (p *Pipeline) lookupExact(inode, startOffset, version uint64) (types.Extent, bool) {
	it := p.cfg.Index.Open(inode, startOffset, startOffset+1)
	for e, ok := it.PeekSlot(); ok; e, ok = it.Next() {
		if e.StartOffset == startOffset && e.Version == version {
			return *e, true
		}
	}
	return types.Extent{}, false
}

// hasSourcePointer reports whether stored still contains orig's pointer
// to moveDevice at the same device offset — the check spec §4.5 step 1
// calls "no longer contains the source pointer at the expected offset".
// moveDevice < 0 means this pass has no specific source device (it is
// rereplicating or tiering rather than migrating), so there is nothing to
// verify.
func hasSourcePointer(stored, orig types.Extent, moveDevice int) bool {
	if moveDevice < 0 {
		return true
	}
	var want *types.Pointer
	for i := range orig.Pointers {
		if orig.Pointers[i].DeviceID == moveDevice {
			want = &orig.Pointers[i]
			break
		}
	}
	if want == nil {
		return true // the source device wasn't even a replica of this extent
	}
	for _, p := range stored.Pointers {
		if p.DeviceID == moveDevice && p.DeviceOffset == want.DeviceOffset {
			return true
		}
	}
	return false
}

func hasDevice(ptrs []types.Pointer, deviceID int) bool {
	for _, p := range ptrs {
		if p.DeviceID == deviceID {
			return true
		}
	}
	return false
}

func dropDevice(ptrs []types.Pointer, deviceID int) []types.Pointer {
	out := ptrs[:0]
	for _, p := range ptrs {
		if p.DeviceID != deviceID {
			out = append(out, p)
		}
	}
	return out
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// byteBudget gates admission into the read phase of a pass by an
// in-flight byte count, matching spec §4.5's "running in-flight byte
// count" admission control.
type byteBudget struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity uint64
	used     uint64
}

func newByteBudget(capacity uint64) *byteBudget {
	if capacity == 0 {
		capacity = 1 << 31 // effectively unbounded
	}
	b := &byteBudget{capacity: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *byteBudget) acquire(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.used > 0 && b.used+n > b.capacity {
		b.cond.Wait()
	}
	b.used += n
}

func (b *byteBudget) release(n uint64) {
	b.mu.Lock()
	b.used -= n
	b.mu.Unlock()
	b.cond.Broadcast()
}
