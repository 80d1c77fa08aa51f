package txn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBeginAllocatesMonotonicIDs(t *testing.T) {
	m := NewManager(nil, nil)
	t1 := m.Begin(RepeatableRead)
	t2 := m.Begin(ReadCommitted)
	require.Less(t, t1.ID(), t2.ID())
	require.Equal(t, Growing, t1.State())
	require.Equal(t, RepeatableRead, t1.IsolationLevel())

	got, ok := m.Lookup(t1.ID())
	require.True(t, ok)
	require.Same(t, t1, got)
}

func TestCommitAndAbortAreTerminal(t *testing.T) {
	m := NewManager(nil, nil)

	t1 := m.Begin(ReadCommitted)
	require.NoError(t, m.Commit(t1))
	require.Equal(t, Committed, t1.State())
	_, ok := m.Lookup(t1.ID())
	require.False(t, ok)

	t2 := m.Begin(ReadCommitted)
	m.Abort(t2)
	require.Equal(t, Aborted, t2.State())
}

func TestMarkShrinkingOnlyFromGrowing(t *testing.T) {
	m := NewManager(nil, nil)
	t1 := m.Begin(RepeatableRead)

	t1.MarkShrinking()
	require.Equal(t, Shrinking, t1.State())

	t1.SetState(Aborted)
	t1.MarkShrinking()
	require.Equal(t, Aborted, t1.State(), "a terminal state must stay terminal")
}

func TestTableLockBags(t *testing.T) {
	m := NewManager(nil, nil)
	t1 := m.Begin(RepeatableRead)

	require.False(t, t1.HoldsTableLock(Shared, 1))
	t1.AddTableLock(Shared, 1)
	require.True(t, t1.HoldsTableLock(Shared, 1))

	mode, ok := t1.TableLockMode(1)
	require.True(t, ok)
	require.Equal(t, Shared, mode)
	require.True(t, t1.HasAnyTableLock(1))

	require.True(t, t1.RemoveTableLock(Shared, 1))
	require.False(t, t1.RemoveTableLock(Shared, 1))
	require.False(t, t1.HasAnyTableLock(1))
}

func TestRowLockBags(t *testing.T) {
	m := NewManager(nil, nil)
	t1 := m.Begin(RepeatableRead)

	t1.AddRowLock(Shared, 1, 10)
	t1.AddRowLock(Exclusive, 1, 11)
	t1.AddRowLock(Shared, 2, 10)

	require.Equal(t, 2, t1.RowLockCountOnTable(1))
	require.Equal(t, 1, t1.RowLockCountOnTable(2))
	require.True(t, t1.HoldsRowLock(Exclusive, 1, 11))
	require.False(t, t1.HoldsRowLock(Exclusive, 1, 10))

	require.True(t, t1.RemoveRowLock(Shared, 1, 10))
	require.Equal(t, 1, t1.RowLockCountOnTable(1))
}

// releaserSpy stands in for the real lock manager behind the LockReleaser:
// it hands Commit/Abort fixed lists of locked tables and rows, removes the
// matching bag entries on unlock, and, like the lock manager, refuses to
// release a table while the transaction still holds row locks on it.
type releaserSpy struct {
	tables []TableID
	rows   []RowKey
	failOn TableID
}

func (r *releaserSpy) UnlockTable(t *Transaction, oid TableID) error {
	if oid == r.failOn && r.failOn != 0 {
		return errors.New("boom")
	}
	if t.RowLockCountOnTable(oid) > 0 {
		return errors.New("table unlocked before its rows")
	}
	t.RemoveTableLock(mustTableMode(t, oid), oid)
	return nil
}

func (r *releaserSpy) UnlockRow(t *Transaction, oid TableID, row int64) error {
	for _, m := range []LockMode{Shared, Exclusive} {
		if t.HoldsRowLock(m, oid, row) {
			t.RemoveRowLock(m, oid, row)
		}
	}
	return nil
}

func (r *releaserSpy) TableIDsLocked(t *Transaction) []TableID { return r.tables }
func (r *releaserSpy) RowKeysLocked(t *Transaction) []RowKey   { return r.rows }

func mustTableMode(t *Transaction, oid TableID) LockMode {
	m, _ := t.TableLockMode(oid)
	return m
}

func TestCommitReleasesRowsThenTables(t *testing.T) {
	spy := &releaserSpy{tables: []TableID{1}, rows: []RowKey{{Table: 1, Row: 5}}}
	m := NewManager(spy, nil)
	t1 := m.Begin(RepeatableRead)
	t1.AddTableLock(IntentionExclusive, 1)
	t1.AddRowLock(Exclusive, 1, 5)

	require.NoError(t, m.Commit(t1))
	require.Equal(t, Committed, t1.State())
	require.Equal(t, 0, t1.RowLockCountOnTable(1))
	require.False(t, t1.HasAnyTableLock(1))
}

func TestAbortReachesTerminalStateEvenIfReleaseFails(t *testing.T) {
	spy := &releaserSpy{tables: []TableID{3}, failOn: 3}
	m := NewManager(spy, nil)
	t1 := m.Begin(ReadCommitted)
	t1.AddTableLock(Exclusive, 3)

	m.Abort(t1)
	require.Equal(t, Aborted, t1.State())
}
