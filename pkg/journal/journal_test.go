package journal

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/bfscore/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

// memLogStore is an in-memory raft.LogStore for tests, standing in for
// BoltDB the way the teacher's in-memory Store stands in for a real
// database in its own package tests.
type memLogStore struct {
	mu   sync.Mutex
	logs map[uint64]*raft.Log
}

func newMemLogStore() *memLogStore {
	return &memLogStore{logs: make(map[uint64]*raft.Log)}
}

func (m *memLogStore) FirstIndex() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first uint64
	for idx := range m.logs {
		if first == 0 || idx < first {
			first = idx
		}
	}
	return first, nil
}

func (m *memLogStore) LastIndex() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last uint64
	for idx := range m.logs {
		if idx > last {
			last = idx
		}
	}
	return last, nil
}

func (m *memLogStore) GetLog(index uint64, log *raft.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.logs[index]
	if !ok {
		return raft.ErrLogNotFound
	}
	*log = *entry
	return nil
}

func (m *memLogStore) StoreLog(log *raft.Log) error {
	return m.StoreLogs([]*raft.Log{log})
}

func (m *memLogStore) StoreLogs(logs []*raft.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range logs {
		cp := *l
		m.logs[l.Index] = &cp
	}
	return nil
}

func (m *memLogStore) DeleteRange(min, max uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx := range m.logs {
		if idx >= min && idx <= max {
			delete(m.logs, idx)
		}
	}
	return nil
}

func newTestJournal(t *testing.T, maxOutstanding uint64) *Journal {
	t.Helper()
	j, err := newJournal(newMemLogStore(), maxOutstanding)
	require.NoError(t, err)
	return j
}

func TestResGetAssignsIncreasingSequence(t *testing.T) {
	j := newTestJournal(t, 0)

	r1, err := j.ResGet()
	require.NoError(t, err)
	r2, err := j.ResGet()
	require.NoError(t, err)

	require.Equal(t, uint64(1), r1.Seq)
	require.Equal(t, uint64(2), r2.Seq)
}

func TestResGetFailsWhenOutstandingLimitReached(t *testing.T) {
	j := newTestJournal(t, 1)

	_, err := j.ResGet()
	require.NoError(t, err)

	_, err = j.ResGet()
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrJournalFull)
}

func TestAddKeysThenResPutAdvancesAppliedSeq(t *testing.T) {
	j := newTestJournal(t, 0)

	r, err := j.ResGet()
	require.NoError(t, err)
	require.NoError(t, j.AddKeys(r, [][]byte{[]byte("k1")}))
	require.Equal(t, uint64(0), j.AppliedSeq())

	j.ResPut(r)
	require.Equal(t, uint64(1), j.AppliedSeq())
}

func TestAppliedSeqOnlyAdvancesContiguously(t *testing.T) {
	j := newTestJournal(t, 0)

	r1, err := j.ResGet()
	require.NoError(t, err)
	r2, err := j.ResGet()
	require.NoError(t, err)

	require.NoError(t, j.AddKeys(r2, [][]byte{[]byte("k2")}))
	j.ResPut(r2)
	require.Equal(t, uint64(0), j.AppliedSeq(), "seq 2 completing before seq 1 must not advance appliedSeq")

	require.NoError(t, j.AddKeys(r1, [][]byte{[]byte("k1")}))
	j.ResPut(r1)
	require.Equal(t, uint64(2), j.AppliedSeq(), "completing seq 1 should fast-forward past the already-done seq 2")
}

func TestFlushSeqAsyncFiresImmediatelyWhenAlreadyApplied(t *testing.T) {
	j := newTestJournal(t, 0)

	select {
	case err := <-j.FlushSeqAsync(0):
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("FlushSeqAsync did not fire for an already-applied sequence")
	}
}

func TestFlushSeqAsyncWaitsUntilApplied(t *testing.T) {
	j := newTestJournal(t, 0)

	r, err := j.ResGet()
	require.NoError(t, err)
	require.NoError(t, j.AddKeys(r, [][]byte{[]byte("k1")}))

	done := j.FlushSeqAsync(r.Seq)

	select {
	case <-done:
		t.Fatal("FlushSeqAsync fired before the reservation was put")
	case <-time.After(20 * time.Millisecond):
	}

	j.ResPut(r)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("FlushSeqAsync did not fire after ResPut")
	}
}

func TestFlushDeviceWaitsForAllIssuedReservations(t *testing.T) {
	j := newTestJournal(t, 0)

	r, err := j.ResGet()
	require.NoError(t, err)
	require.NoError(t, j.AddKeys(r, [][]byte{[]byte("k1")}))

	flushed := make(chan error, 1)
	go func() { flushed <- j.FlushDevice(1) }()

	select {
	case <-flushed:
		t.Fatal("FlushDevice returned before the outstanding reservation completed")
	case <-time.After(20 * time.Millisecond):
	}

	j.ResPut(r)

	select {
	case err := <-flushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("FlushDevice did not return after the reservation completed")
	}
}

func TestFlushDeviceNoopWhenJournalEmpty(t *testing.T) {
	j := newTestJournal(t, 0)
	require.NoError(t, j.FlushDevice(1))
}
