package journal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/bfscore/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Reservation is a caller's claim on the next journal sequence number,
// checked out from ResGet and consumed by exactly one AddKeys + ResPut
// pair. Holding a Reservation without completing it blocks the sequence
// from ever becoming contiguous, so callers must always pair ResGet with
// ResPut, typically via defer.
type Reservation struct {
	Seq uint64
}

// Journal is an append-only, sequence-numbered log of pending index
// mutations. It wraps a raft.LogStore purely as a durable append-only
// store — entries are indexed by an internally assigned sequence number,
// never replicated, and there is no leader election or FSM apply loop
// involved; raft-boltdb is used here only for its BoltDB-backed,
// crash-safe LogStore implementation.
type Journal struct {
	store raft.LogStore

	mu             sync.Mutex
	nextSeq        uint64
	appliedSeq     uint64
	outstanding    map[uint64]struct{}
	completedSet   map[uint64]struct{}
	waiters        map[uint64][]chan struct{}
	maxOutstanding uint64
}

// Open opens (creating if necessary) a BoltDB-backed journal at path.
func Open(path string, maxOutstanding uint64) (*Journal, error) {
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return newJournal(store, maxOutstanding)
}

// newJournal wires a Journal over any raft.LogStore, letting tests supply
// an in-memory fake instead of a real BoltDB file.
func newJournal(store raft.LogStore, maxOutstanding uint64) (*Journal, error) {
	j := &Journal{
		store:          store,
		outstanding:    make(map[uint64]struct{}),
		waiters:        make(map[uint64][]chan struct{}),
		maxOutstanding: maxOutstanding,
	}

	last, err := store.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("journal: read last index: %w", err)
	}
	j.nextSeq = last + 1
	j.appliedSeq = last
	return j, nil
}

// Close releases the underlying log store, if it supports closing.
func (j *Journal) Close() error {
	if c, ok := j.store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// AppliedSeq returns the highest sequence number that is durable and
// contiguous with everything before it.
func (j *Journal) AppliedSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appliedSeq
}

// ResGet checks out the next sequence number for a pending journal entry.
// It fails with ErrJournalFull when too many reservations are open at
// once, so a stuck writer can't grow the journal's outstanding window
// without bound; the caller should retry after some in-flight writes
// complete.
func (j *Journal) ResGet() (*Reservation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.maxOutstanding > 0 && uint64(len(j.outstanding)) >= j.maxOutstanding {
		return nil, fmt.Errorf("journal: %d reservations outstanding: %w", len(j.outstanding), types.ErrJournalFull)
	}

	seq := j.nextSeq
	j.nextSeq++
	j.outstanding[seq] = struct{}{}
	return &Reservation{Seq: seq}, nil
}

// AddKeys appends keys as one journal entry at res's sequence number. It
// does not itself advance AppliedSeq — ResPut does, once the reservation
// completes — so a caller that appends but crashes before calling ResPut
// leaves the sequence gap visible to FlushSeqAsync waiters rather than
// silently advancing past lost data.
func (j *Journal) AddKeys(res *Reservation, keys [][]byte) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("journal: marshal keys for seq %d: %w", res.Seq, err)
	}

	entry := &raft.Log{Index: res.Seq, Data: data}
	if err := j.store.StoreLog(entry); err != nil {
		return fmt.Errorf("journal: store seq %d: %w: %w", res.Seq, err, types.ErrJournalFatal)
	}
	return nil
}

// ResPut marks res's sequence number complete, advancing AppliedSeq past
// every contiguous completed sequence and waking any FlushSeqAsync waiter
// whose target has now been reached.
func (j *Journal) ResPut(res *Reservation) {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.outstanding, res.Seq)
	j.done(res.Seq)

	for {
		if _, ok := j.outstanding[j.appliedSeq+1]; ok {
			break
		}
		next := j.appliedSeq + 1
		if !j.completed(next) {
			break
		}
		j.appliedSeq = next
		j.clearCompleted(next)
	}

	j.wakeWaiters()
}

// completedSet tracks sequence numbers that finished out of order relative
// to appliedSeq, so ResPut can advance past a run of them once the gap
// closes.
func (j *Journal) done(seq uint64) {
	if j.completedSet == nil {
		j.completedSet = make(map[uint64]struct{})
	}
	j.completedSet[seq] = struct{}{}
}

func (j *Journal) completed(seq uint64) bool {
	_, ok := j.completedSet[seq]
	return ok
}

func (j *Journal) clearCompleted(seq uint64) {
	delete(j.completedSet, seq)
}

func (j *Journal) wakeWaiters() {
	for seq, chans := range j.waiters {
		if seq > j.appliedSeq {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(j.waiters, seq)
	}
}

// FlushSeqAsync returns a channel that is sent a single nil once seq is
// durable and contiguously applied. It never blocks the caller.
func (j *Journal) FlushSeqAsync(seq uint64) <-chan error {
	result := make(chan error, 1)

	j.mu.Lock()
	if j.appliedSeq >= seq {
		j.mu.Unlock()
		result <- nil
		return result
	}
	wake := make(chan struct{})
	j.waiters[seq] = append(j.waiters[seq], wake)
	j.mu.Unlock()

	go func() {
		<-wake
		result <- nil
	}()
	return result
}

// FlushDevice blocks until every reservation issued so far has applied.
// The journal has no per-device partitioning of entries, so this is a
// conservative full barrier rather than a narrow per-device one. Nothing
// in the module calls it; the move engine does not flush the journal.
func (j *Journal) FlushDevice(deviceID int) error {
	j.mu.Lock()
	target := j.nextSeq - 1
	j.mu.Unlock()

	if target == 0 {
		return nil
	}
	return <-j.FlushSeqAsync(target)
}
