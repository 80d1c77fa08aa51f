// Package lockmgr implements hierarchical two-phase locking over table
// and row granularity objects, with an upgrade protocol and per-isolation-
// level enforcement at acquisition and release.
package lockmgr

import (
	"sync"

	"github.com/ahchan99/bustub/core/txn"
)

// request is one entry in a lock-request queue: (txn_id, lock_mode,
// granted). Entries live only in the queue; what a transaction holds is
// recorded separately in its own lock-set bags.
type request struct {
	txnID   uint64
	mode    txn.LockMode
	granted bool
}

// queue is the per-locked-object state: a mutex, a condition variable,
// the arrival-ordered request list, and at most one in-flight upgrade.
type queue struct {
	mu             sync.Mutex
	cond           *sync.Cond
	requests       []*request
	upgradingTxnID uint64 // 0 means "no upgrade in flight"; txn ids are allocated starting at 1
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// compatMatrix is the symmetric mode-compatibility table, indexed by
// txn.LockMode's declaration order (IS, IX, S, SIX, X).
var compatMatrix = [5][5]bool{
	{true, true, true, true, false},     // IS
	{true, true, false, false, false},   // IX
	{true, false, true, false, false},   // S
	{true, false, false, false, false},  // SIX
	{false, false, false, false, false}, // X
}

func compatible(a, b txn.LockMode) bool { return compatMatrix[a][b] }

// allowedUpgrades lists the permitted lock upgrade transitions.
var allowedUpgrades = map[txn.LockMode]map[txn.LockMode]bool{
	txn.IntentionShared:          {txn.Shared: true, txn.Exclusive: true, txn.IntentionExclusive: true, txn.SharedIntentionExclusive: true},
	txn.Shared:                   {txn.Exclusive: true, txn.SharedIntentionExclusive: true},
	txn.IntentionExclusive:       {txn.Exclusive: true, txn.SharedIntentionExclusive: true},
	txn.SharedIntentionExclusive: {txn.Exclusive: true},
}

func isUpgradeAllowed(from, to txn.LockMode) bool {
	return allowedUpgrades[from][to]
}

// runGrantLoop applies the grant rule: scanning requests in order, a
// request is granted iff it is compatible with every currently granted
// request and every request before it in the queue has already been
// granted. The loop therefore stops at the first incompatible ungranted
// request, preserving FIFO fairness.
func runGrantLoop(q *queue) {
	held := make([]txn.LockMode, 0, len(q.requests))
	for _, r := range q.requests {
		if r.granted {
			held = append(held, r.mode)
			continue
		}
		ok := true
		for _, h := range held {
			if !compatible(r.mode, h) {
				ok = false
				break
			}
		}
		if !ok {
			return
		}
		r.granted = true
		held = append(held, r.mode)
	}
}

// removeRequest deletes the queue entry for txnID, reporting whether one
// was found.
func (q *queue) removeRequest(txnID uint64) (*request, bool) {
	for i, r := range q.requests {
		if r.txnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return r, true
		}
	}
	return nil, false
}

// spliceBeforeFirstUngranted inserts r immediately before the first
// ungranted request, which is how an upgrade jumps ahead of ordinary
// waiters without cutting in front of already-granted holders.
func (q *queue) spliceBeforeFirstUngranted(r *request) {
	for i, existing := range q.requests {
		if !existing.granted {
			q.requests = append(q.requests[:i], append([]*request{r}, q.requests[i:]...)...)
			return
		}
	}
	q.requests = append(q.requests, r)
}
