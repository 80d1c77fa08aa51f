package lockmgr

import (
	"errors"
	"sync"
	"time"

	"github.com/ahchan99/bustub/core/txn"
	"github.com/ahchan99/bustub/pkg/metrics"
	"go.uber.org/zap"
)

// ErrTransactionAborted is returned by a blocked LockTable/LockRow call
// that wakes to find its own transaction already ABORTED by an external
// source; distinct from the typed *txn.AbortError this manager itself
// raises, since the manager did not decide the abort here.
var ErrTransactionAborted = errors.New("lockmgr: transaction already aborted")

// Manager implements strict two-phase locking with hierarchical intention
// locks over table and row granularity objects. A mutex guards the map of
// queues; each queue then serializes its own waiters independently, so
// callers on unrelated objects never contend.
type Manager struct {
	mu         sync.Mutex
	tableQueue map[txn.TableID]*queue
	rowQueue   map[txn.RowKey]*queue

	log *zap.Logger
	m   *metrics.LockManager
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMetrics attaches a metrics.LockManager instrument set.
func WithMetrics(m *metrics.LockManager) Option { return func(mgr *Manager) { mgr.m = m } }

// New constructs an empty Manager.
func New(log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		tableQueue: make(map[txn.TableID]*queue),
		rowQueue:   make(map[txn.RowKey]*queue),
		log:        log.Named("lockmgr"),
		m:          metrics.NopLockManager(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) tableQueueFor(oid txn.TableID) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.tableQueue[oid]
	if !ok {
		q = newQueue()
		m.tableQueue[oid] = q
	}
	return q
}

func (m *Manager) rowQueueFor(rk txn.RowKey) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.rowQueue[rk]
	if !ok {
		q = newQueue()
		m.rowQueue[rk] = q
	}
	return q
}

func (m *Manager) abort(t *txn.Transaction, reason txn.AbortReason) error {
	t.SetState(txn.Aborted)
	m.m.Aborts.Add(1)
	m.log.Warn("abort", zap.Uint64("txn_id", t.ID()), zap.String("reason", reason.String()))
	return &txn.AbortError{TxnID: t.ID(), Reason: reason}
}

// checkIsolationForAcquire enforces the isolation-level acquisition rules
// before the request ever reaches a queue: READ UNCOMMITTED never takes
// shared-flavored locks, and a SHRINKING transaction may acquire nothing
// beyond what its level tolerates.
func (m *Manager) checkIsolationForAcquire(t *txn.Transaction, mode txn.LockMode) error {
	level := t.IsolationLevel()
	state := t.State()

	if level == txn.ReadUncommitted {
		if mode == txn.Shared || mode == txn.IntentionShared || mode == txn.SharedIntentionExclusive {
			return m.abort(t, txn.LockSharedOnReadUncommitted)
		}
		if state == txn.Shrinking {
			return m.abort(t, txn.LockOnShrinking)
		}
		return nil
	}

	if state != txn.Shrinking {
		return nil
	}
	switch level {
	case txn.ReadCommitted:
		if mode == txn.Shared || mode == txn.IntentionShared {
			return nil
		}
		return m.abort(t, txn.LockOnShrinking)
	case txn.RepeatableRead:
		return m.abort(t, txn.LockOnShrinking)
	}
	return nil
}

// LockTable acquires mode on oid for t, blocking until granted or the
// transaction is aborted.
func (m *Manager) LockTable(t *txn.Transaction, mode txn.LockMode, oid txn.TableID) error {
	if err := m.checkIsolationForAcquire(t, mode); err != nil {
		return err
	}

	if held, ok := t.TableLockMode(oid); ok && held == mode {
		return nil
	}

	q := m.tableQueueFor(oid)
	q.mu.Lock()

	if held, ok := t.TableLockMode(oid); ok {
		if err := m.beginUpgrade(t, q, held, mode); err != nil {
			q.mu.Unlock()
			return err
		}
		t.RemoveTableLock(held, oid)
	} else {
		q.requests = append(q.requests, &request{txnID: t.ID(), mode: mode})
	}

	if err := m.waitForGrant(t, q); err != nil {
		q.mu.Unlock()
		return err
	}
	if q.upgradingTxnID == t.ID() {
		q.upgradingTxnID = 0
	}
	t.AddTableLock(mode, oid)
	q.mu.Unlock()
	return nil
}

// beginUpgrade validates and stages an upgrade: remove the old request,
// splice the new one in front of the ungranted portion, and claim the
// queue's single upgrade slot. q.mu must be held. The caller removes the
// old lock-set bag entry once this returns and adds the new one once the
// upgrade is granted.
func (m *Manager) beginUpgrade(t *txn.Transaction, q *queue, from, to txn.LockMode) error {
	if from == to {
		return nil
	}
	if q.upgradingTxnID != 0 && q.upgradingTxnID != t.ID() {
		return m.abort(t, txn.UpgradeConflict)
	}
	if !isUpgradeAllowed(from, to) {
		return m.abort(t, txn.IncompatibleUpgrade)
	}
	q.removeRequest(t.ID())
	r := &request{txnID: t.ID(), mode: to}
	q.spliceBeforeFirstUngranted(r)
	q.upgradingTxnID = t.ID()
	return nil
}

// waitForGrant blocks on q's condition variable until the grant rule
// admits t's request or t is aborted. q.mu must be held on entry and is
// held on every return.
func (m *Manager) waitForGrant(t *txn.Transaction, q *queue) error {
	runGrantLoop(q)
	start := time.Now()
	waited := false
	for {
		var mine *request
		for _, r := range q.requests {
			if r.txnID == t.ID() {
				mine = r
				break
			}
		}
		if mine == nil {
			// Shouldn't happen: our own request vanished without us removing it.
			return ErrTransactionAborted
		}
		if mine.granted {
			if waited {
				m.m.WaitDuration.Record(time.Since(start).Milliseconds())
			}
			return nil
		}
		if t.State() == txn.Aborted {
			if waited {
				m.m.WaitDuration.Record(time.Since(start).Milliseconds())
			}
			q.removeRequest(t.ID())
			if q.upgradingTxnID == t.ID() {
				q.upgradingTxnID = 0
			}
			runGrantLoop(q)
			q.cond.Broadcast()
			return ErrTransactionAborted
		}
		if !waited {
			waited = true
			m.m.Waits.Add(1)
		}
		q.cond.Wait()
		runGrantLoop(q)
	}
}

// UnlockTable releases t's lock on oid. Row locks under oid must be
// released first.
func (m *Manager) UnlockTable(t *txn.Transaction, oid txn.TableID) error {
	mode, ok := t.TableLockMode(oid)
	if !ok {
		return m.abort(t, txn.AttemptedUnlockButNoLockHeld)
	}
	if t.RowLockCountOnTable(oid) > 0 {
		return m.abort(t, txn.TableUnlockedBeforeUnlockingRows)
	}

	q := m.tableQueueFor(oid)
	q.mu.Lock()
	q.removeRequest(t.ID())
	t.RemoveTableLock(mode, oid)
	m.transitionOnUnlock(t, mode)
	runGrantLoop(q)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// transitionOnUnlock moves the transaction GROWING -> SHRINKING when the
// released mode is subject to two-phase locking at its isolation level:
// releasing X always shrinks; releasing S shrinks only under REPEATABLE
// READ. A terminal or already-shrinking transaction is left alone.
func (m *Manager) transitionOnUnlock(t *txn.Transaction, released txn.LockMode) {
	switch released {
	case txn.Shared:
		if t.IsolationLevel() == txn.RepeatableRead {
			t.MarkShrinking()
		}
	case txn.Exclusive:
		t.MarkShrinking()
	}
}

// LockRow acquires mode (S or X only) on (oid, row) for t. The caller
// must already hold an appropriate table lock on oid.
func (m *Manager) LockRow(t *txn.Transaction, mode txn.LockMode, oid txn.TableID, row int64) error {
	if mode == txn.IntentionShared || mode == txn.IntentionExclusive || mode == txn.SharedIntentionExclusive {
		return m.abort(t, txn.AttemptedIntentionLockOnRow)
	}
	if mode == txn.Exclusive {
		tm, ok := t.TableLockMode(oid)
		if !ok || (tm != txn.Exclusive && tm != txn.IntentionExclusive && tm != txn.SharedIntentionExclusive) {
			return m.abort(t, txn.TableLockNotPresent)
		}
	} else if !t.HasAnyTableLock(oid) {
		return m.abort(t, txn.TableLockNotPresent)
	}
	if err := m.checkIsolationForAcquire(t, mode); err != nil {
		return err
	}

	rk := txn.RowKey{Table: oid, Row: row}
	if t.HoldsRowLock(mode, oid, row) {
		return nil
	}

	q := m.rowQueueFor(rk)
	q.mu.Lock()
	if held, ok := rowHeldMode(t, oid, row); ok {
		if err := m.beginUpgrade(t, q, held, mode); err != nil {
			q.mu.Unlock()
			return err
		}
		t.RemoveRowLock(held, oid, row)
	} else {
		q.requests = append(q.requests, &request{txnID: t.ID(), mode: mode})
	}

	if err := m.waitForGrant(t, q); err != nil {
		q.mu.Unlock()
		return err
	}
	if q.upgradingTxnID == t.ID() {
		q.upgradingTxnID = 0
	}
	t.AddRowLock(mode, oid, row)
	q.mu.Unlock()
	return nil
}

func rowHeldMode(t *txn.Transaction, oid txn.TableID, row int64) (txn.LockMode, bool) {
	if t.HoldsRowLock(txn.Shared, oid, row) {
		return txn.Shared, true
	}
	if t.HoldsRowLock(txn.Exclusive, oid, row) {
		return txn.Exclusive, true
	}
	return 0, false
}

// UnlockRow releases t's lock on (oid, row).
func (m *Manager) UnlockRow(t *txn.Transaction, oid txn.TableID, row int64) error {
	mode, ok := rowHeldMode(t, oid, row)
	if !ok {
		return m.abort(t, txn.AttemptedUnlockButNoLockHeld)
	}

	rk := txn.RowKey{Table: oid, Row: row}
	q := m.rowQueueFor(rk)
	q.mu.Lock()
	q.removeRequest(t.ID())
	t.RemoveRowLock(mode, oid, row)
	m.transitionOnUnlock(t, mode)
	runGrantLoop(q)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// AbortTransaction sets the transaction ABORTED and broadcasts on every
// queue it might be waiting in, so a blocked waiter wakes up, observes the
// state, and unwinds. This is the hook a deadlock detector would call on
// its chosen victim; victim-selection policy lives outside this package.
func (m *Manager) AbortTransaction(t *txn.Transaction) {
	t.SetState(txn.Aborted)
	m.mu.Lock()
	queues := make([]*queue, 0, len(m.tableQueue)+len(m.rowQueue))
	for _, q := range m.tableQueue {
		queues = append(queues, q)
	}
	for _, q := range m.rowQueue {
		queues = append(queues, q)
	}
	m.mu.Unlock()
	for _, q := range queues {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// TableIDsLocked and RowKeysLocked implement txn.LockReleaser for
// core/txn's Manager to unwind a finishing transaction.
func (m *Manager) TableIDsLocked(t *txn.Transaction) []txn.TableID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []txn.TableID
	for oid := range m.tableQueue {
		if _, ok := t.TableLockMode(oid); ok {
			out = append(out, oid)
		}
	}
	return out
}

func (m *Manager) RowKeysLocked(t *txn.Transaction) []txn.RowKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []txn.RowKey
	for rk := range m.rowQueue {
		if _, ok := rowHeldMode(t, rk.Table, rk.Row); ok {
			out = append(out, rk)
		}
	}
	return out
}
