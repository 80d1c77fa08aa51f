// Package btree implements a disk-resident B+Tree index over the buffer
// pool: node-local page operations plus a tree core that latch-crabs
// through them. Keys are int64; values are RID, the (page, slot) pair a
// storage engine uses to locate a heap tuple. This package stops at
// "return the RID"; it never interprets heap pages itself.
package btree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/ahchan99/bustub/core/storage/page"
)

// RID is a row identifier: the (page, slot) location of a tuple, the value
// type this index maps keys to.
type RID struct {
	PageID  page.ID
	SlotNum uint32
}

const ridSize = 8 + 4 // page.ID (int64) + SlotNum (uint32)

func encodeRID(r RID, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.PageID))
	binary.LittleEndian.PutUint32(buf[8:12], r.SlotNum)
}

func decodeRID(buf []byte) RID {
	return RID{
		PageID:  page.ID(binary.LittleEndian.Uint64(buf[0:8])),
		SlotNum: binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// pageType distinguishes internal and leaf B+Tree pages, which share a
// common on-disk header.
type pageType uint8

const (
	typeInvalid  pageType = 0
	typeInternal pageType = 1
	typeLeaf     pageType = 2
)

// header fields common to internal and leaf pages.
//
//	byte    pageType
//	int32   size
//	int32   maxSize
//	int64   parentID
//	int64   pageID
//	int64   nextPageID   (leaf only; present but unused on internal pages)
const (
	offType       = 0
	offSize       = offType + 1
	offMaxSize    = offSize + 4
	offParentID   = offMaxSize + 4
	offPageID     = offParentID + 8
	offNextPageID = offPageID + 8
	headerSize    = offNextPageID + 8
)

const checksumSize = 4

var (
	// ErrChecksumMismatch is returned by decode when the trailing CRC32
	// over the page payload does not match.
	ErrChecksumMismatch = errors.New("btree: page checksum mismatch")
	// ErrKeyExists is returned by node-local insert on a duplicate key.
	ErrKeyExists = errors.New("btree: duplicate key")
)

// entrySize returns the per-slot width for a page of this type: key (8
// bytes) plus either a child page id (internal) or an RID (leaf).
func (t pageType) entrySize() int {
	if t == typeInternal {
		return 8 + 8
	}
	return 8 + ridSize
}

// node is the decoded, in-memory form of a B+Tree page: common header plus
// either (key, childID) pairs (internal) or (key, RID) pairs (leaf, plus
// nextPageID). BTree methods decode a fetched *page.Page into a node,
// mutate it, then re-encode before unpinning dirty.
type node struct {
	kind     pageType
	size     int
	maxSize  int
	parentID page.ID
	pageID   page.ID

	keys     []int64
	children []page.ID // internal only, len == size
	values   []RID     // leaf only, len == size

	nextPageID page.ID // leaf only
}

func newInternal(id, parentID page.ID, maxSize int) *node {
	return &node{kind: typeInternal, maxSize: maxSize, parentID: parentID, pageID: id,
		keys: make([]int64, 0, maxSize), children: make([]page.ID, 0, maxSize)}
}

func newLeaf(id, parentID page.ID, maxSize int) *node {
	return &node{kind: typeLeaf, maxSize: maxSize, parentID: parentID, pageID: id,
		keys: make([]int64, 0, maxSize), values: make([]RID, 0, maxSize), nextPageID: page.InvalidID}
}

func (n *node) isLeaf() bool { return n.kind == typeLeaf }

// minSize is the occupancy floor for non-root nodes, half of maxSize
// rounded up; shared by internal and leaf pages.
func (n *node) minSize() int { return (n.maxSize + 1) / 2 }

// findKeyIndex returns the index of the first slot whose key is >= k (the
// standard "lower bound" binary search), and whether that slot's key
// exactly equals k. For internal pages, slot 0 is the sentinel and is
// never compared; callers that need "the child subtree for k" use
// childIndexFor instead.
func (n *node) findKeyIndex(k int64) (int, bool) {
	lo := 0
	if n.kind == typeInternal {
		lo = 1
	}
	i := sort.Search(len(n.keys)-lo, func(i int) bool { return n.keys[lo+i] >= k }) + lo
	if i < len(n.keys) && n.keys[i] == k {
		return i, true
	}
	return i, false
}

// childIndexFor returns the index of the child subtree to descend into for
// key k: the last slot whose key is <= k, or slot 0 if k is less than
// every real key.
func (n *node) childIndexFor(k int64) int {
	i, hit := n.findKeyIndex(k)
	if hit {
		return i
	}
	return i - 1
}

// insertLeaf inserts (k, v) in sorted order, failing on a duplicate key.
func (n *node) insertLeaf(k int64, v RID) error {
	i, hit := n.findKeyIndex(k)
	if hit {
		return ErrKeyExists
	}
	n.keys = append(n.keys, 0)
	n.values = append(n.values, RID{})
	copy(n.keys[i+1:], n.keys[i:])
	copy(n.values[i+1:], n.values[i:])
	n.keys[i] = k
	n.values[i] = v
	n.size++
	return nil
}

// removeLeaf removes k, reporting whether it was present.
func (n *node) removeLeaf(k int64) bool {
	i, hit := n.findKeyIndex(k)
	if !hit {
		return false
	}
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.values = append(n.values[:i], n.values[i+1:]...)
	n.size--
	return true
}

// insertInternal inserts (sepKey, childID) keeping slots 1..size-1 ascending.
func (n *node) insertInternal(sepKey int64, childID page.ID) {
	i, _ := n.findKeyIndex(sepKey)
	n.keys = append(n.keys, 0)
	n.children = append(n.children, page.InvalidID)
	copy(n.keys[i+1:], n.keys[i:])
	copy(n.children[i+1:], n.children[i:])
	n.keys[i] = sepKey
	n.children[i] = childID
	n.size++
}

// removeInternalAt removes the slot at index i (its key and child together).
func (n *node) removeInternalAt(i int) {
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	n.children = append(n.children[:i], n.children[i+1:]...)
	n.size--
}

// moveHalfToLeaf splits a full leaf at the midpoint (rounded up), moving
// the upper half into right and threading next_page_id old -> new -> old.next.
func (n *node) moveHalfToLeaf(right *node) {
	mid := n.minSize()
	right.keys = append(right.keys, n.keys[mid:]...)
	right.values = append(right.values, n.values[mid:]...)
	right.size = len(right.keys)
	n.keys = n.keys[:mid]
	n.values = n.values[:mid]
	n.size = mid

	right.nextPageID = n.nextPageID
	n.nextPageID = right.pageID
}

// moveHalfToInternal splits a full internal node at the midpoint, returning
// the risen separator key delivered to the parent. The risen key is removed
// from the right node's slot 0, which becomes the new sentinel.
func (n *node) moveHalfToInternal(right *node) int64 {
	mid := n.minSize()
	risen := n.keys[mid]

	right.keys = append(right.keys, 0) // sentinel
	right.children = append(right.children, n.children[mid:]...)
	right.keys = append(right.keys, n.keys[mid+1:]...)
	right.size = len(right.children)

	n.keys = n.keys[:mid]
	n.children = n.children[:mid]
	n.size = mid
	return risen
}

// mergeLeafInto merges n's entries into left (which must be n's immediate
// left sibling), threading next_page_id around the removed node.
func mergeLeafInto(left, n *node) {
	left.keys = append(left.keys, n.keys...)
	left.values = append(left.values, n.values...)
	left.size = len(left.keys)
	left.nextPageID = n.nextPageID
}

// mergeInternalInto merges n into left, re-attaching sepKey (the separator
// that used to sit between them in the parent) as the key for n's first child.
func mergeInternalInto(left, n *node, sepKey int64) {
	left.keys = append(left.keys, sepKey)
	left.children = append(left.children, n.children...)
	left.keys = append(left.keys, n.keys[1:]...)
	left.size = len(left.children)
}

// borrowFirstFromRight moves right's first entry into n's tail and returns
// the new separator key the parent must record between n and right. For
// internal nodes the old separator sep comes down as the moved child's
// slot key and right's first real key rises to replace it.
func (n *node) borrowFirstFromRight(right *node, sep int64) int64 {
	if n.kind == typeLeaf {
		n.keys = append(n.keys, right.keys[0])
		n.values = append(n.values, right.values[0])
		n.size++
		right.keys = right.keys[1:]
		right.values = right.values[1:]
		right.size--
		return right.keys[0]
	}
	newSep := right.keys[1]
	n.keys = append(n.keys, sep)
	n.children = append(n.children, right.children[0])
	n.size++
	right.children = right.children[1:]
	right.keys = append([]int64{0}, right.keys[2:]...)
	right.size--
	return newSep
}

// borrowLastFromLeft moves left's last entry into n's head and returns the
// new separator key the parent must record between left and n. For
// internal nodes the old separator sep becomes the key over n's previous
// sentinel child and left's last key rises to replace it.
func (n *node) borrowLastFromLeft(left *node, sep int64) int64 {
	if n.kind == typeLeaf {
		lastK, lastV := left.keys[len(left.keys)-1], left.values[len(left.values)-1]
		left.keys = left.keys[:len(left.keys)-1]
		left.values = left.values[:len(left.values)-1]
		left.size--
		n.keys = append([]int64{lastK}, n.keys...)
		n.values = append([]RID{lastV}, n.values...)
		n.size++
		return n.keys[0]
	}
	lastChild := left.children[len(left.children)-1]
	newSep := left.keys[len(left.keys)-1]
	left.children = left.children[:len(left.children)-1]
	left.keys = left.keys[:len(left.keys)-1]
	left.size--
	n.children = append([]page.ID{lastChild}, n.children...)
	n.keys = append([]int64{0, sep}, n.keys[1:]...)
	n.size++
	return newSep
}

// decodeNode reads a node out of a fetched page's bytes.
func decodeNode(p *page.Page) (*node, error) {
	buf := p.Data()
	if len(buf) < headerSize+checksumSize {
		return nil, fmt.Errorf("btree: page %d too small to hold a B+Tree node", p.ID())
	}
	stored := binary.LittleEndian.Uint32(buf[len(buf)-checksumSize:])
	calc := crc32.ChecksumIEEE(buf[:len(buf)-checksumSize])
	if stored != calc {
		return nil, fmt.Errorf("%w: page %d stored=0x%x calc=0x%x", ErrChecksumMismatch, p.ID(), stored, calc)
	}

	n := &node{
		kind:     pageType(buf[offType]),
		size:     int(int32(binary.LittleEndian.Uint32(buf[offSize:]))),
		maxSize:  int(int32(binary.LittleEndian.Uint32(buf[offMaxSize:]))),
		parentID: page.ID(binary.LittleEndian.Uint64(buf[offParentID:])),
		pageID:   page.ID(binary.LittleEndian.Uint64(buf[offPageID:])),
	}
	off := headerSize
	entry := n.kind.entrySize()
	if n.kind == typeLeaf {
		n.nextPageID = page.ID(binary.LittleEndian.Uint64(buf[offNextPageID:]))
		n.keys = make([]int64, n.size)
		n.values = make([]RID, n.size)
		for i := 0; i < n.size; i++ {
			s := off + i*entry
			n.keys[i] = int64(binary.LittleEndian.Uint64(buf[s:]))
			n.values[i] = decodeRID(buf[s+8:])
		}
	} else {
		n.keys = make([]int64, n.size)
		n.children = make([]page.ID, n.size)
		for i := 0; i < n.size; i++ {
			s := off + i*entry
			n.keys[i] = int64(binary.LittleEndian.Uint64(buf[s:]))
			n.children[i] = page.ID(binary.LittleEndian.Uint64(buf[s+8:]))
		}
	}
	return n, nil
}

// encodeNode writes n's current contents into p's bytes, sized to fit
// exactly one page, and stamps a trailing CRC32 over the payload.
func encodeNode(n *node, p *page.Page) error {
	buf := p.Data()
	entry := n.kind.entrySize()
	need := headerSize + n.size*entry + checksumSize
	if need > len(buf) {
		return fmt.Errorf("btree: node for page %d (%d entries) exceeds page size %d", n.pageID, n.size, len(buf))
	}
	for i := range buf {
		buf[i] = 0
	}
	buf[offType] = byte(n.kind)
	binary.LittleEndian.PutUint32(buf[offSize:], uint32(int32(n.size)))
	binary.LittleEndian.PutUint32(buf[offMaxSize:], uint32(int32(n.maxSize)))
	binary.LittleEndian.PutUint64(buf[offParentID:], uint64(n.parentID))
	binary.LittleEndian.PutUint64(buf[offPageID:], uint64(n.pageID))

	off := headerSize
	if n.kind == typeLeaf {
		binary.LittleEndian.PutUint64(buf[offNextPageID:], uint64(n.nextPageID))
		for i := 0; i < n.size; i++ {
			s := off + i*entry
			binary.LittleEndian.PutUint64(buf[s:], uint64(n.keys[i]))
			encodeRID(n.values[i], buf[s+8:])
		}
	} else {
		for i := 0; i < n.size; i++ {
			s := off + i*entry
			binary.LittleEndian.PutUint64(buf[s:], uint64(n.keys[i]))
			binary.LittleEndian.PutUint64(buf[s+8:], uint64(n.children[i]))
		}
	}
	checksum := crc32.ChecksumIEEE(buf[:len(buf)-checksumSize])
	binary.LittleEndian.PutUint32(buf[len(buf)-checksumSize:], checksum)
	p.SetDirty(true)
	return nil
}

// maxEntriesFor computes the max_size that fits pageSize bytes for a page
// of the given type, leaving room for the header and checksum.
func maxEntriesFor(pageSize int, kind pageType) int {
	avail := pageSize - headerSize - checksumSize
	n := avail / kind.entrySize()
	if n < 3 {
		n = 3 // a degenerate but functional minimum fanout
	}
	return n
}
