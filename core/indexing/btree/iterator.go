package btree

import "github.com/ahchan99/bustub/core/storage/page"

// Iterator walks leaves in ascending key order. It is forward-only: while
// it is positioned on a leaf it holds that leaf's read latch and a pin;
// advancing past the leaf's last slot fetches the next leaf via
// next_page_id, latches it, then releases and unpins the previous one.
type Iterator struct {
	tree *BTree
	leaf *node
	page *page.Page
	idx  int
	done bool
}

// Begin returns an iterator positioned at the smallest key in the tree.
func (t *BTree) Begin() *Iterator {
	h, err := t.descendRead(0, modeSearchLeftmost)
	if err != nil {
		return &Iterator{done: true}
	}
	it := &Iterator{tree: t, leaf: h.n, page: h.p, idx: 0}
	it.skipToValid()
	return it
}

// BeginAt returns an iterator positioned at the first key >= k.
func (t *BTree) BeginAt(k int64) *Iterator {
	h, err := t.descendRead(k, modeSearch)
	if err != nil {
		return &Iterator{done: true}
	}
	i, _ := h.n.findKeyIndex(k)
	it := &Iterator{tree: t, leaf: h.n, page: h.p, idx: i}
	it.skipToValid()
	return it
}

// End returns an exhausted iterator, the "one past the last entry" sentinel.
func (t *BTree) End() *Iterator { return &Iterator{done: true} }

// Valid reports whether the iterator is positioned on a real entry.
func (it *Iterator) Valid() bool { return !it.done }

// Key/Value return the current entry. Calling them when !Valid() is a
// programmer error and panics.
func (it *Iterator) Key() int64 {
	if it.done {
		panic("btree: Key called on exhausted iterator")
	}
	return it.leaf.keys[it.idx]
}

func (it *Iterator) Value() RID {
	if it.done {
		panic("btree: Value called on exhausted iterator")
	}
	return it.leaf.values[it.idx]
}

// Next advances to the next entry, crossing into the next leaf via
// next_page_id as needed.
func (it *Iterator) Next() {
	if it.done {
		return
	}
	it.idx++
	it.skipToValid()
}

func (it *Iterator) skipToValid() {
	for !it.done && it.idx >= it.leaf.size {
		next := it.leaf.nextPageID
		prev := heldPage{p: it.page, n: it.leaf}
		if next == page.InvalidID {
			it.tree.releaseRead(prev)
			it.done = true
			return
		}
		p, n, err := it.tree.fetchRead(next)
		it.tree.releaseRead(prev)
		if err != nil {
			it.done = true
			return
		}
		it.page, it.leaf, it.idx = p, n, 0
	}
}

// Close releases the iterator's held leaf latch/pin without exhausting the
// underlying data; callers that stop iterating early must call this.
func (it *Iterator) Close() {
	if it.done || it.page == nil {
		return
	}
	it.tree.releaseRead(heldPage{p: it.page, n: it.leaf})
	it.done = true
}
