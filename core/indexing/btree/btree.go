package btree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ahchan99/bustub/core/storage/buffer"
	"github.com/ahchan99/bustub/core/storage/header"
	"github.com/ahchan99/bustub/core/storage/page"
	"go.uber.org/zap"
)

// mode parameterizes the shared descent routine: the three read modes use
// hand-over-hand read-latch crabbing, the two write modes hold the whole
// ancestor chain until the child is proven safe.
type mode int

const (
	modeSearch mode = iota
	modeSearchLeftmost
	modeSearchRightmost
	modeInsert
	modeDelete
)

// ErrEmptyTree is returned internally by descent helpers when the tree has
// no root; callers translate it into the appropriate public no-op/false.
var ErrEmptyTree = errors.New("btree: empty tree")

// BTree is a disk-resident B+Tree bound to one named index. It holds the
// root page id behind its own reader/writer latch and reaches every other
// page through the shared buffer pool.
type BTree struct {
	name string
	pool *buffer.Manager
	hdr  *header.Service

	rootLatch sync.RWMutex
	rootID    page.ID

	leafMax     int
	internalMax int

	log *zap.Logger
}

// New binds a BTree named name to pool, recovering its root id from hdr if
// the name was already registered, or starting empty otherwise.
func New(name string, pool *buffer.Manager, hdr *header.Service, log *zap.Logger) *BTree {
	if log == nil {
		log = zap.NewNop()
	}
	t := &BTree{
		name:        name,
		pool:        pool,
		hdr:         hdr,
		rootID:      page.InvalidID,
		leafMax:     maxEntriesFor(pool.PageSize(), typeLeaf),
		internalMax: maxEntriesFor(pool.PageSize(), typeInternal),
		log:         log.Named("btree").With(zap.String("index", name)),
	}
	if id, ok := hdr.Lookup(name); ok {
		t.rootID = id
	}
	return t
}

// GetRootPageID returns the current root page id, or page.InvalidID for an
// empty tree.
func (t *BTree) GetRootPageID() page.ID {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.rootID
}

// setRoot records a root change in memory and writes it through to the
// header page inline, so the persisted record never observably diverges
// from the live root id. Caller holds rootLatch for writing.
func (t *BTree) setRoot(id page.ID) error {
	t.rootID = id
	if _, ok := t.hdr.Lookup(t.name); ok {
		return t.hdr.UpdateRoot(t.name, id)
	}
	return t.hdr.CreateIndex(t.name, id)
}

// fetchRead pins page id, read-latches it, and decodes it. The latch is
// held on success; the caller releases via releaseRead.
func (t *BTree) fetchRead(id page.ID) (*page.Page, *node, error) {
	p, err := t.pool.FetchPage(id)
	if err != nil {
		return nil, nil, fmt.Errorf("btree: fetching page %d: %w", id, err)
	}
	p.RLatch()
	n, err := decodeNode(p)
	if err != nil {
		p.RUnlatch()
		t.pool.Unpin(id, false)
		return nil, nil, err
	}
	return p, n, nil
}

// fetchWrite is fetchRead with a write latch, released via releaseWrite.
func (t *BTree) fetchWrite(id page.ID) (*page.Page, *node, error) {
	p, err := t.pool.FetchPage(id)
	if err != nil {
		return nil, nil, fmt.Errorf("btree: fetching page %d: %w", id, err)
	}
	p.WLatch()
	n, err := decodeNode(p)
	if err != nil {
		p.WUnlatch()
		t.pool.Unpin(id, false)
		return nil, nil, err
	}
	return p, n, nil
}

// safe reports whether n can absorb one more insert or remove without the
// change propagating to its parent, which is the condition for releasing
// every ancestor latch above it during a write descent.
func safe(n *node, isRoot bool, m mode) bool {
	switch m {
	case modeInsert:
		if n.isLeaf() {
			return n.size < n.maxSize-1
		}
		return n.size <= n.maxSize-1
	case modeDelete:
		if isRoot {
			if n.isLeaf() {
				return n.size >= (n.maxSize+1)/2+1
			}
			return n.size >= (n.maxSize+2)/2+1
		}
		return n.size >= n.minSize()+1
	default:
		return true
	}
}

// heldPage is one latched, pinned page on a descent's held chain. rootHeld
// is set on chain[0] when releasing it must also release the root-id latch
// (the chain never reached a safe node that allowed an early release).
type heldPage struct {
	p        *page.Page
	n        *node
	rootHeld bool
}

func (t *BTree) releaseRead(h heldPage) {
	h.p.RUnlatch()
	t.pool.Unpin(h.p.ID(), false)
}

func (t *BTree) releaseWrite(h heldPage, dirty bool) {
	h.p.WUnlatch()
	t.pool.Unpin(h.p.ID(), dirty)
}

// descendRead walks from the root to the leaf that would hold key k, using
// hand-over-hand read-latch crabbing: the parent's latch is dropped as soon
// as the child's is held. The caller must release the returned leaf.
func (t *BTree) descendRead(k int64, m mode) (heldPage, error) {
	t.rootLatch.RLock()
	if t.rootID == page.InvalidID {
		t.rootLatch.RUnlock()
		return heldPage{}, ErrEmptyTree
	}
	p, n, err := t.fetchRead(t.rootID)
	t.rootLatch.RUnlock()
	if err != nil {
		return heldPage{}, err
	}

	cur := heldPage{p: p, n: n}
	for !cur.n.isLeaf() {
		idx := t.childIndexForMode(cur.n, k, m)
		childID := cur.n.children[idx]
		cp, cn, err := t.fetchRead(childID)
		if err != nil {
			t.releaseRead(cur)
			return heldPage{}, err
		}
		t.releaseRead(cur)
		cur = heldPage{p: cp, n: cn}
	}
	return cur, nil
}

func (t *BTree) childIndexForMode(n *node, k int64, m mode) int {
	switch m {
	case modeSearchLeftmost:
		return 0
	case modeSearchRightmost:
		return len(n.children) - 1
	default:
		return n.childIndexFor(k)
	}
}

// descendWrite walks from the root to the leaf that would hold key k,
// holding write latches on the root-id latch and every ancestor until the
// child being descended into is proven safe. It returns the full held
// chain (root-most first) so the caller can mutate and then release from
// the bottom up or propagate structural changes upward.
func (t *BTree) descendWrite(k int64, m mode) ([]heldPage, error) {
	t.rootLatch.Lock()
	if t.rootID == page.InvalidID {
		t.rootLatch.Unlock()
		return nil, ErrEmptyTree
	}
	p, n, err := t.fetchWrite(t.rootID)
	if err != nil {
		t.rootLatch.Unlock()
		return nil, err
	}

	chain := []heldPage{{p: p, n: n}}
	rootUnlocked := false
	releaseAncestorsIfSafe := func(cur *node, isRoot bool) {
		if !safe(cur, isRoot, m) {
			return
		}
		if !rootUnlocked {
			t.rootLatch.Unlock()
			rootUnlocked = true
		}
		// Release every ancestor above the current (now-safe) node;
		// keep the current node itself latched for the caller.
		for len(chain) > 1 {
			t.releaseWrite(chain[0], false)
			chain = chain[1:]
		}
	}
	releaseAncestorsIfSafe(n, true)

	for !chain[len(chain)-1].n.isLeaf() {
		cur := chain[len(chain)-1]
		idx := t.childIndexForMode(cur.n, k, m)
		childID := cur.n.children[idx]
		cp, cn, err := t.fetchWrite(childID)
		if err != nil {
			if !rootUnlocked {
				t.rootLatch.Unlock()
			}
			for _, h := range chain {
				t.releaseWrite(h, false)
			}
			return nil, err
		}
		chain = append(chain, heldPage{p: cp, n: cn})
		releaseAncestorsIfSafe(cn, false)
	}
	if !rootUnlocked {
		chain[0].rootHeld = true
	}
	return chain, nil
}

// unlatchChain releases a descent chain from the bottom up, including the
// root-id latch if the chain's first entry still held it.
func (t *BTree) unlatchChain(chain []heldPage, dirty bool) {
	for i := len(chain) - 1; i >= 0; i-- {
		t.releaseWrite(chain[i], dirty)
	}
	if chain[0].rootHeld {
		t.rootLatch.Unlock()
	}
}

// GetValue performs a unique-key point lookup.
func (t *BTree) GetValue(k int64) (RID, bool) {
	leaf, err := t.descendRead(k, modeSearch)
	if err != nil {
		return RID{}, false
	}
	defer t.releaseRead(leaf)
	i, hit := leaf.n.findKeyIndex(k)
	if !hit {
		return RID{}, false
	}
	return leaf.n.values[i], true
}

// Insert inserts (k, v), returning false without mutating the tree on a
// duplicate key.
func (t *BTree) Insert(k int64, v RID) (bool, error) {
	t.rootLatch.Lock()
	if t.rootID == page.InvalidID {
		p, err := t.pool.NewPage()
		if err != nil {
			t.rootLatch.Unlock()
			return false, fmt.Errorf("btree: allocating root leaf: %w", err)
		}
		leaf := newLeaf(p.ID(), page.InvalidID, t.leafMax)
		leaf.insertLeaf(k, v)
		if err := encodeNode(leaf, p); err != nil {
			t.pool.Unpin(p.ID(), false)
			t.rootLatch.Unlock()
			return false, err
		}
		t.pool.Unpin(p.ID(), true)
		if err := t.setRoot(p.ID()); err != nil {
			t.rootLatch.Unlock()
			return false, err
		}
		t.rootLatch.Unlock()
		return true, nil
	}
	t.rootLatch.Unlock()

	chain, err := t.descendWrite(k, modeInsert)
	if errors.Is(err, ErrEmptyTree) {
		return t.Insert(k, v) // root was concurrently emptied; retry as fresh insert
	}
	if err != nil {
		return false, err
	}
	leaf := chain[len(chain)-1]
	if err := leaf.n.insertLeaf(k, v); err != nil {
		t.unlatchChain(chain, false)
		return false, nil
	}

	if leaf.n.size < leaf.n.maxSize {
		encodeNode(leaf.n, leaf.p)
		t.unlatchChain(chain, true)
		return true, nil
	}

	// Split: move the upper half to a new right sibling, thread
	// next_page_id through it, and push the risen separator key upward.
	rp, err := t.pool.NewPage()
	if err != nil {
		t.unlatchChain(chain, false)
		return false, fmt.Errorf("btree: allocating leaf split sibling: %w", err)
	}
	right := newLeaf(rp.ID(), leaf.n.parentID, t.leafMax)
	leaf.n.moveHalfToLeaf(right)
	risen := right.keys[0]
	encodeNode(leaf.n, leaf.p)
	encodeNode(right, rp)
	t.pool.Unpin(rp.ID(), true)

	if err := t.insertIntoParent(chain, risen, rp.ID()); err != nil {
		return false, err
	}
	return true, nil
}

// insertIntoParent attaches (risenKey, newChildID) above the now-split node
// at the top of chain, allocating a new root if the split node had none,
// else recursing upward through the held chain.
func (t *BTree) insertIntoParent(chain []heldPage, risenKey int64, newChildID page.ID) error {
	child := chain[len(chain)-1]
	if len(chain) == 1 {
		// child was the root: allocate a new internal root over the two halves.
		np, err := t.pool.NewPage()
		if err != nil {
			t.unlatchChain(chain, true)
			return fmt.Errorf("btree: allocating new root: %w", err)
		}
		root := newInternal(np.ID(), page.InvalidID, t.internalMax)
		root.keys = append(root.keys, 0, risenKey)
		root.children = append(root.children, child.n.pageID, newChildID)
		root.size = 2
		encodeNode(root, np)
		t.pool.Unpin(np.ID(), true)

		child.n.parentID = np.ID()
		encodeNode(child.n, child.p)
		t.reparent(newChildID, np.ID())

		if err := t.setRoot(np.ID()); err != nil {
			t.unlatchChain(chain, true)
			return err
		}
		t.unlatchChain(chain, true)
		return nil
	}

	parent := chain[len(chain)-2]
	parent.n.insertInternal(risenKey, newChildID)

	if parent.n.size <= parent.n.maxSize {
		encodeNode(parent.n, parent.p)
		encodeNode(child.n, child.p)
		t.unlatchChain(chain, true)
		return nil
	}

	// Parent overflowed: split it too and recurse with the shortened chain.
	rp, err := t.pool.NewPage()
	if err != nil {
		t.unlatchChain(chain, true)
		return fmt.Errorf("btree: allocating internal split sibling: %w", err)
	}
	right := newInternal(rp.ID(), parent.n.parentID, t.internalMax)
	parentRisen := parent.n.moveHalfToInternal(right)
	for _, cid := range right.children {
		// The just-split child at the top of the chain is still
		// write-latched by us; update it directly instead of refetching.
		if cid == child.n.pageID {
			child.n.parentID = rp.ID()
			continue
		}
		t.reparent(cid, rp.ID())
	}
	encodeNode(parent.n, parent.p)
	encodeNode(right, rp)
	t.pool.Unpin(rp.ID(), true)

	encodeNode(child.n, child.p)
	t.releaseWrite(child, true)
	return t.insertIntoParent(chain[:len(chain)-1], parentRisen, rp.ID())
}

// reparent updates childID's stored parentID, used after a structural
// change moves children under a different internal page. The child must
// not be latched by the calling descent.
func (t *BTree) reparent(childID, newParentID page.ID) {
	p, err := t.pool.FetchPage(childID)
	if err != nil {
		return
	}
	p.WLatch()
	n, err := decodeNode(p)
	if err == nil {
		n.parentID = newParentID
		encodeNode(n, p)
	}
	p.WUnlatch()
	t.pool.Unpin(childID, err == nil)
}

// Remove deletes k if present; a missing key is a silent no-op.
func (t *BTree) Remove(k int64) error {
	chain, err := t.descendWrite(k, modeDelete)
	if errors.Is(err, ErrEmptyTree) {
		return nil
	}
	if err != nil {
		return err
	}
	leaf := chain[len(chain)-1]
	if !leaf.n.removeLeaf(k) {
		t.unlatchChain(chain, false)
		return nil
	}
	return t.coalesceOrRedistribute(chain)
}

// coalesceOrRedistribute restores the size invariant for the node at the
// top of chain after a removal: root shrink rules first, then borrowing
// from a sibling when it can spare an entry, else merging into the left
// of the pair and recursing into the parent.
func (t *BTree) coalesceOrRedistribute(chain []heldPage) error {
	cur := chain[len(chain)-1]

	if len(chain) == 1 {
		// cur is the root.
		if cur.n.isLeaf() {
			if cur.n.size == 0 {
				if err := t.setRoot(page.InvalidID); err != nil {
					t.unlatchChain(chain, true)
					return err
				}
				t.unlatchChain(chain, true)
				return nil
			}
			encodeNode(cur.n, cur.p)
			t.unlatchChain(chain, true)
			return nil
		}
		if cur.n.size == 1 {
			newRootID := cur.n.children[0]
			if err := t.setRoot(newRootID); err != nil {
				t.unlatchChain(chain, true)
				return err
			}
			t.reparent(newRootID, page.InvalidID)
			oldRootID := cur.n.pageID
			t.unlatchChain(chain, true)
			t.pool.DeletePage(oldRootID)
			return nil
		}
		encodeNode(cur.n, cur.p)
		t.unlatchChain(chain, true)
		return nil
	}

	if cur.n.size >= cur.n.minSize() {
		encodeNode(cur.n, cur.p)
		t.unlatchChain(chain, true)
		return nil
	}

	parent := chain[len(chain)-2]
	myIdx := indexOfChild(parent.n, cur.n.pageID)
	var siblingIdx int
	if myIdx == 0 {
		siblingIdx = 1
	} else {
		siblingIdx = myIdx - 1
	}
	siblingID := parent.n.children[siblingIdx]
	sp, sibling, err := t.fetchWrite(siblingID)
	if err != nil {
		t.unlatchChain(chain, true)
		return fmt.Errorf("btree: fetching sibling %d: %w", siblingID, err)
	}

	var left, right *node
	var leftIdx int
	if siblingIdx < myIdx {
		left, right, leftIdx = sibling, cur.n, siblingIdx
	} else {
		left, right, leftIdx = cur.n, sibling, myIdx
	}
	sep := parent.n.keys[leftIdx+1]

	if sibling.size > sibling.minSize() {
		// Redistribute: borrow one entry across and fix the parent's separator.
		var newSep int64
		if siblingIdx < myIdx {
			newSep = cur.n.borrowLastFromLeft(sibling, sep)
		} else {
			newSep = cur.n.borrowFirstFromRight(sibling, sep)
		}
		parent.n.keys[leftIdx+1] = newSep
		encodeNode(cur.n, cur.p)
		encodeNode(sibling, sp)
		encodeNode(parent.n, parent.p)
		t.releaseWrite(heldPage{p: sp, n: sibling}, true)
		t.unlatchChain(chain, true)
		return nil
	}

	// Coalesce: merge into the left of the pair, drop the parent's
	// separator entry, and recurse into the parent.
	if left.isLeaf() {
		mergeLeafInto(left, right)
	} else {
		mergeInternalInto(left, right, sep)
		for _, cid := range right.children {
			t.reparent(cid, left.pageID)
		}
	}
	parent.n.removeInternalAt(leftIdx + 1)

	if left.pageID == cur.n.pageID {
		encodeNode(cur.n, cur.p)
	} else {
		encodeNode(sibling, sp)
	}
	removedID := right.pageID
	t.releaseWrite(heldPage{p: sp, n: sibling}, true)
	t.releaseWrite(cur, true)
	t.pool.DeletePage(removedID)

	return t.coalesceOrRedistribute(chain[:len(chain)-1])
}

func indexOfChild(parent *node, childID page.ID) int {
	for i, c := range parent.children {
		if c == childID {
			return i
		}
	}
	return -1
}
