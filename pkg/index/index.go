package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/cuemby/bfscore/pkg/types"
	"github.com/google/btree"
	bolt "go.etcd.io/bbolt"
)

var bucketExtents = []byte("extents")

// InsertFlags mirror the external extent-index contract's insert_at flags.
type InsertFlags uint8

const (
	// FlagAtomic is accepted for API compatibility, but InsertAt does not
	// check it and never returns ErrLockChanged. A commit that must fail on
	// a stale snapshot goes through CompareAndSwap instead.
	FlagAtomic InsertFlags = 1 << iota
	// FlagNoFail means the commit must never surface out-of-space; the
	// index package has no space accounting of its own, so this flag is
	// accepted for API compatibility but has no additional effect here.
	FlagNoFail
	// FlagNoWait means the insert must not block on a lock; shards use a
	// plain sync.RWMutex, so this is honored via TryLock rather than
	// Lock.
	FlagNoWait
	// FlagUseReserve marks the insert as allowed to dip into reserve
	// capacity; accepted for API compatibility, has no effect here.
	FlagUseReserve
)

// TierLookup resolves the storage tier a device belongs to, used only by
// CountExtentsByTier to bucket extents for the metrics collector. The
// index itself has no notion of devices.
type TierLookup func(deviceID int) (types.Tier, bool)

// extentItem is the btree element: ordered by (Inode, StartOffset,
// Version) so every version of an overlapping range sorts together.
type extentItem struct {
	types.Extent
}

func extentLess(a, b extentItem) bool {
	if a.Inode != b.Inode {
		return a.Inode < b.Inode
	}
	if a.StartOffset != b.StartOffset {
		return a.StartOffset < b.StartOffset
	}
	return a.Version < b.Version
}

type shard struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[extentItem]
	version uint64 // bumped on every mutation; no method reads it
}

// Index is the sharded, BoltDB-backed extent index.
type Index struct {
	db       *bolt.DB
	shards   []*shard
	tierOf   TierLookup
}

// Open opens (creating if necessary) a BoltDB-backed extent index at path,
// replaying any persisted extents into nShards in-memory shards.
func Open(path string, nShards int, tierOf TierLookup) (*Index, error) {
	if nShards < 1 {
		nShards = 1
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}

	idx := &Index{db: db, tierOf: tierOf}
	idx.shards = make([]*shard, nShards)
	for i := range idx.shards {
		idx.shards[i] = &shard{tree: btree.NewG(32, extentLess)}
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketExtents)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create bucket: %w", err)
	}

	if err := idx.replay(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) replay() error {
	return idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExtents)
		return b.ForEach(func(k, v []byte) error {
			var e types.Extent
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("index: replay %x: %w", k, err)
			}
			s := idx.shardFor(e.Inode)
			s.tree.ReplaceOrInsert(extentItem{e})
			return nil
		})
	})
}

// Close releases the underlying BoltDB handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func (idx *Index) shardFor(inode uint64) *shard {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], inode)
	h.Write(buf[:])
	return idx.shards[h.Sum64()%uint64(len(idx.shards))]
}

func boltKey(inode, start, version uint64) []byte {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], inode)
	binary.BigEndian.PutUint64(buf[8:16], start)
	binary.BigEndian.PutUint64(buf[16:24], version)
	return buf[:]
}

// Iterator is a read snapshot over extents overlapping an inode range,
// taken under the shard's read lock and released before the caller issues
// any I/O, matching the data path's "hold a read snapshot while
// iterating, drop it before I/O" discipline.
type Iterator struct {
	items []types.Extent
	pos   int
}

// Open returns an Iterator snapshotting every extent overlapping
// [start, end) for inode, across every version currently indexed.
func (idx *Index) Open(inode, start, end uint64) *Iterator {
	s := idx.shardFor(inode)

	s.mu.RLock()
	var items []types.Extent
	lo := extentItem{types.Extent{Inode: inode}}
	hi := extentItem{types.Extent{Inode: inode + 1}}
	s.tree.AscendRange(lo, hi, func(item extentItem) bool {
		if item.Overlaps(inode, start, end) {
			items = append(items, item.Extent)
		}
		return true
	})
	s.mu.RUnlock()

	return &Iterator{items: items}
}

// PeekSlot returns the current extent without advancing the iterator.
func (it *Iterator) PeekSlot() (*types.Extent, bool) {
	if it.pos >= len(it.items) {
		return nil, false
	}
	return &it.items[it.pos], true
}

// Peek is an alias for PeekSlot, matching the external contract's naming
// of both as distinct calls over the same current position.
func (it *Iterator) Peek() (*types.Extent, bool) {
	return it.PeekSlot()
}

// Next advances the iterator and returns the new current extent.
func (it *Iterator) Next() (*types.Extent, bool) {
	it.pos++
	return it.PeekSlot()
}

// Unlock marks the iterator's snapshot as released. The read lock backing
// the snapshot is already dropped by the time Open returns, so this is a
// formality that keeps call sites matching the external contract's
// iter_open/.../unlock shape.
func (it *Iterator) Unlock() {}

// InsertAt commits e into the index, replacing any existing entry with
// the same (Inode, StartOffset, Version). journalSeq is accepted but not
// stored — the index does not itself talk to the journal.
func (idx *Index) InsertAt(e types.Extent, journalSeq uint64, flags InsertFlags) error {
	s := idx.shardFor(e.Inode)

	if flags&FlagNoWait != 0 {
		if !s.mu.TryLock() {
			return fmt.Errorf("index: insert inode %d: %w", e.Inode, types.ErrWouldBlock)
		}
	} else {
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	if err := idx.persist(e); err != nil {
		return err
	}
	s.tree.ReplaceOrInsert(extentItem{e})
	s.version++
	return nil
}

func (idx *Index) persist(e types.Extent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("index: marshal extent: %w", err)
	}
	key := boltKey(e.Inode, e.StartOffset, e.Version)
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExtents).Put(key, data)
	})
}

// DeleteAt removes the extent keyed by (inode, start, version), if present.
func (idx *Index) DeleteAt(inode, start, version uint64) error {
	s := idx.shardFor(inode)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree.Delete(extentItem{types.Extent{Inode: inode, StartOffset: start, Version: version}})
	s.version++

	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExtents).Delete(boltKey(inode, start, version))
	})
}

// DeleteRange removes every version of every extent overlapping
// [start, end) for inode.
func (idx *Index) DeleteRange(inode, start, end uint64) error {
	s := idx.shardFor(inode)
	s.mu.Lock()
	defer s.mu.Unlock()

	var toDelete []extentItem
	lo := extentItem{types.Extent{Inode: inode}}
	hi := extentItem{types.Extent{Inode: inode + 1}}
	s.tree.AscendRange(lo, hi, func(item extentItem) bool {
		if item.Overlaps(inode, start, end) {
			toDelete = append(toDelete, item)
		}
		return true
	})

	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExtents)
		for _, item := range toDelete {
			s.tree.Delete(item)
			if err := b.Delete(boltKey(item.Inode, item.StartOffset, item.Version)); err != nil {
				return err
			}
		}
		s.version++
		return nil
	})
}

// CompareAndSwap atomically replaces the extent keyed by
// (old.Inode, old.StartOffset, old.Version) with newExt, failing with
// ErrLockChanged if that exact version is no longer present — meaning a
// concurrent writer already raced this region. This is the primitive the
// read pipeline's narrow-crcs rewrite and the move engine's
// migrate-index-update both build on.
func (idx *Index) CompareAndSwap(old, newExt types.Extent) error {
	s := idx.shardFor(old.Inode)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tree.Get(extentItem{types.Extent{Inode: old.Inode, StartOffset: old.StartOffset, Version: old.Version}})
	if !ok || current.EndOffset != old.EndOffset {
		return fmt.Errorf("index: compare-and-swap inode %d offset %d version %d: %w", old.Inode, old.StartOffset, old.Version, types.ErrLockChanged)
	}

	s.tree.Delete(current)
	s.tree.ReplaceOrInsert(extentItem{newExt})
	s.version++

	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExtents)
		if err := b.Delete(boltKey(old.Inode, old.StartOffset, old.Version)); err != nil {
			return err
		}
		data, err := json.Marshal(newExt)
		if err != nil {
			return fmt.Errorf("index: marshal extent: %w", err)
		}
		return b.Put(boltKey(newExt.Inode, newExt.StartOffset, newExt.Version), data)
	})
}

// CountExtentsByTier implements metrics.TierCounts: it buckets every
// indexed extent by the tier of its first dirty pointer's device, then by
// whether the extent is compressed.
func (idx *Index) CountExtentsByTier() map[string]map[string]int {
	out := make(map[string]map[string]int)

	for _, s := range idx.shards {
		s.mu.RLock()
		s.tree.Ascend(func(item extentItem) bool {
			tier := "unknown"
			if idx.tierOf != nil {
				for _, p := range item.DirtyPointers() {
					if t, ok := idx.tierOf(p.DeviceID); ok {
						tier = string(t)
						break
					}
				}
			}

			bucket, ok := out[tier]
			if !ok {
				bucket = map[string]int{"compressed": 0, "uncompressed": 0}
				out[tier] = bucket
			}
			if item.CRC.CompressionType != types.CompressionNone {
				bucket["compressed"]++
			} else {
				bucket["uncompressed"]++
			}
			return true
		})
		s.mu.RUnlock()
	}
	return out
}
