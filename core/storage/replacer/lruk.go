// Package replacer implements the LRU-K frame replacement policy used by
// the buffer pool to pick an eviction victim.
package replacer

import (
	"container/list"
	"errors"
	"sync"

	"github.com/ahchan99/bustub/core/storage/page"
)

// ErrNotEvictable is returned by Remove when the frame is pinned.
var ErrNotEvictable = errors.New("replacer: frame is not evictable")

type entry struct {
	frame     page.FrameID
	accesses  int
	evictable bool
	elem      *list.Element // position in whichever list currently owns it
}

// LRUK tracks frames in two ordered classes ("under-K", FIFO; "at-least-K",
// LRU) plus an implicit non-evictable set. Victims come from the under-K
// class first, oldest first, then from the at-least-K class in LRU order.
type LRUK struct {
	mu sync.Mutex
	k  int

	underK  *list.List // front = oldest first access
	atLeast *list.List // front = most recently used
	frames  map[page.FrameID]*entry

	evictableCount int
}

// New constructs a replacer that promotes a frame out of the under-K class
// once it has accumulated k accesses.
func New(k int) *LRUK {
	if k < 1 {
		k = 1
	}
	return &LRUK{
		k:       k,
		underK:  list.New(),
		atLeast: list.New(),
		frames:  make(map[page.FrameID]*entry),
	}
}

// RecordAccess registers a new access to frame, creating tracking state on
// first touch and promoting it to the at-least-K class once it reaches k
// accesses.
func (r *LRUK) RecordAccess(f page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.frames[f]
	if !ok {
		e = &entry{frame: f}
		e.elem = r.underK.PushBack(e)
		r.frames[f] = e
	}
	e.accesses++

	switch {
	case e.accesses == r.k:
		r.underK.Remove(e.elem)
		e.elem = r.atLeast.PushFront(e)
	case e.accesses > r.k:
		r.atLeast.MoveToFront(e.elem)
	}
}

// SetEvictable toggles whether a tracked frame may be chosen as an
// eviction victim; callers call this with false while the frame is pinned
// and true once its pin count drops to zero.
func (r *LRUK) SetEvictable(f page.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.frames[f]
	if !ok {
		return
	}
	if e.evictable == evictable {
		return
	}
	e.evictable = evictable
	if evictable {
		r.evictableCount++
	} else {
		r.evictableCount--
	}
}

// Remove drops all tracking for an evictable frame. It is an error to
// remove a frame that is currently non-evictable.
func (r *LRUK) Remove(f page.FrameID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(f)
}

func (r *LRUK) removeLocked(f page.FrameID) error {
	e, ok := r.frames[f]
	if !ok {
		return nil
	}
	if !e.evictable {
		return ErrNotEvictable
	}
	if e.accesses < r.k {
		r.underK.Remove(e.elem)
	} else {
		r.atLeast.Remove(e.elem)
	}
	delete(r.frames, f)
	r.evictableCount--
	return nil
}

// Evict selects a victim (oldest under-K first, then LRU within
// at-least-K), removes all tracking for it, and returns it. ok is false
// if no frame is currently evictable.
func (r *LRUK) Evict() (f page.FrameID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for el := r.underK.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry); e.evictable {
			_ = r.removeLocked(e.frame)
			return e.frame, true
		}
	}
	for el := r.atLeast.Back(); el != nil; el = el.Prev() {
		if e := el.Value.(*entry); e.evictable {
			_ = r.removeLocked(e.frame)
			return e.frame, true
		}
	}
	return 0, false
}

// Size reports the number of currently evictable frames tracked.
func (r *LRUK) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictableCount
}
