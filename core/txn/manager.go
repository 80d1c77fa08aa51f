package txn

import (
	"sync"

	"go.uber.org/zap"
)

// LockReleaser is the subset of the lock manager's surface the Manager
// needs to unwind a finishing transaction's locks. Defined here, at the
// point of use, so this package never imports core/lockmgr: core/lockmgr
// imports core/txn, not the other way around.
type LockReleaser interface {
	UnlockTable(t *Transaction, oid TableID) error
	UnlockRow(t *Transaction, oid TableID, row int64) error
	TableIDsLocked(t *Transaction) []TableID
	RowKeysLocked(t *Transaction) []RowKey
}

// Manager owns transaction identity: monotonic id allocation and a
// registry of live transactions.
type Manager struct {
	mu     sync.Mutex
	nextID uint64
	live   map[uint64]*Transaction
	locks  LockReleaser
	log    *zap.Logger
}

// NewManager constructs a Manager that releases locks through locks on
// Commit/Abort.
func NewManager(locks LockReleaser, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		nextID: 1,
		live:   make(map[uint64]*Transaction),
		locks:  locks,
		log:    log.Named("txn"),
	}
}

// Begin allocates a new GROWING transaction at the given isolation level.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	t := newTransaction(id, isolation)
	m.live[id] = t
	m.log.Debug("begin", zap.Uint64("txn_id", id), zap.Int("isolation", int(isolation)))
	return t
}

// Lookup returns the live transaction for id, if any.
func (m *Manager) Lookup(id uint64) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.live[id]
	return t, ok
}

// Commit releases every lock the transaction still holds (row locks, then
// the table locks over them) and sets the terminal COMMITTED state.
func (m *Manager) Commit(t *Transaction) error {
	if err := m.releaseAll(t); err != nil {
		return err
	}
	t.SetState(Committed)
	m.forget(t.ID())
	m.log.Debug("commit", zap.Uint64("txn_id", t.ID()))
	return nil
}

// Abort releases every lock the transaction still holds and sets ABORTED.
// Unlike Commit, failures to release are logged but do not prevent the
// transaction from reaching the terminal state: an aborting transaction
// must not be left holding locks no one will ever release.
func (m *Manager) Abort(t *Transaction) {
	t.SetState(Aborted)
	if err := m.releaseAll(t); err != nil {
		m.log.Warn("abort: releasing locks", zap.Uint64("txn_id", t.ID()), zap.Error(err))
	}
	m.forget(t.ID())
	m.log.Debug("abort", zap.Uint64("txn_id", t.ID()))
}

func (m *Manager) releaseAll(t *Transaction) error {
	if m.locks == nil {
		return nil
	}
	for _, rk := range m.locks.RowKeysLocked(t) {
		if err := m.locks.UnlockRow(t, rk.Table, rk.Row); err != nil {
			return err
		}
	}
	for _, oid := range m.locks.TableIDsLocked(t) {
		if err := m.locks.UnlockTable(t, oid); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) forget(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, id)
}
