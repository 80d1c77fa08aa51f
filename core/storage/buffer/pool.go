// Package buffer implements the buffer pool manager: a fixed-capacity
// page cache with pin/unpin/fetch/new/delete/flush semantics, an
// extendible-hash directory, and an LRU-K eviction policy.
package buffer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ahchan99/bustub/core/storage/disk"
	"github.com/ahchan99/bustub/core/storage/hashdir"
	"github.com/ahchan99/bustub/core/storage/page"
	"github.com/ahchan99/bustub/core/storage/replacer"
	"github.com/ahchan99/bustub/pkg/metrics"
	"go.uber.org/zap"
)

var (
	// ErrPoolFull is returned by NewPage/FetchPage when no frame is free
	// and nothing is evictable.
	ErrPoolFull = errors.New("buffer pool: no free or evictable frame")
	// ErrPageNotCached is returned by operations addressing a page id the
	// pool does not currently hold.
	ErrPageNotCached = errors.New("buffer pool: page not cached")
	// ErrPagePinned is returned by DeletePage for a page still pinned.
	ErrPagePinned = errors.New("buffer pool: page is pinned")
	// ErrNotUnpinnable is returned by Unpin on a page with pin count already zero.
	ErrNotUnpinnable = errors.New("buffer pool: pin count already zero")
)

const defaultHashBucketSize = 4

// Manager owns the frames, a free list, an LRU-K replacer, and the
// page-id-to-frame-id directory. A single mutex guards all of this
// metadata; page bytes themselves are protected independently by each
// page's own reader/writer latch.
type Manager struct {
	mu sync.Mutex

	disk     *disk.Manager
	replacer *replacer.LRUK
	dir      *hashdir.Table[page.ID, page.FrameID]

	frames   []*page.Page
	freeList []page.FrameID

	log *zap.Logger
	m   *metrics.BufferPool
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMetrics attaches a metrics.BufferPool instrument set.
func WithMetrics(m *metrics.BufferPool) Option { return func(mgr *Manager) { mgr.m = m } }

// New constructs a buffer pool of poolSize frames over dm, using k as the
// LRU-K parameter.
func New(poolSize int, k int, dm *disk.Manager, log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		disk:     dm,
		replacer: replacer.New(k),
		dir:      hashdir.New[page.ID, page.FrameID](defaultHashBucketSize),
		frames:   make([]*page.Page, poolSize),
		freeList: make([]page.FrameID, poolSize),
		log:      log.Named("buffer"),
		m:        metrics.NopBufferPool(),
	}
	for i := 0; i < poolSize; i++ {
		m.frames[i] = page.New(dm.PageSize())
		m.freeList[i] = page.FrameID(poolSize - 1 - i)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquireFrame returns a frame to populate with a page, preferring the
// free list and falling back to the replacer; a dirty victim is written
// through to disk first.
func (m *Manager) acquireFrame() (page.FrameID, error) {
	if n := len(m.freeList); n > 0 {
		f := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return f, nil
	}

	f, ok := m.replacer.Evict()
	if !ok {
		return 0, ErrPoolFull
	}
	m.m.Evictions.Add(1)
	victim := m.frames[f]
	if victim.IsDirty() && victim.ID() != page.InvalidID {
		if err := m.disk.WritePage(victim.ID(), victim.Data()); err != nil {
			return 0, fmt.Errorf("buffer pool: flushing eviction victim page %d: %w", victim.ID(), err)
		}
	}
	if victim.ID() != page.InvalidID {
		m.dir.Remove(victim.ID())
	}
	victim.Reset()
	return f, nil
}

func (m *Manager) track(f page.FrameID, id page.ID) {
	m.dir.Insert(id, f)
	m.replacer.RecordAccess(f)
	m.replacer.SetEvictable(f, false)
}

// NewPage allocates a fresh page id and a frame for it, returning the
// pinned, zeroed page.
func (m *Manager) NewPage() (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.acquireFrame()
	if err != nil {
		m.log.Warn("new page: pool exhausted")
		return nil, err
	}
	id, err := m.disk.AllocatePage()
	if err != nil {
		m.freeList = append(m.freeList, f)
		return nil, fmt.Errorf("buffer pool: allocating page on disk: %w", err)
	}

	p := m.frames[f]
	p.SetID(id)
	p.Pin()
	m.track(f, id)
	m.m.NewPages.Add(1)
	m.m.Pinned.Add(1)
	m.log.Debug("new page", zap.Int64("page_id", int64(id)), zap.Int32("frame_id", int32(f)))
	return p, nil
}

// FetchPage returns the page for id, pinning it: from cache if present,
// else by evicting a frame and reading the bytes from disk.
func (m *Manager) FetchPage(id page.ID) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.dir.Find(id); ok {
		p := m.frames[f]
		p.Pin()
		m.replacer.RecordAccess(f)
		m.replacer.SetEvictable(f, false)
		m.m.Hits.Add(1)
		m.m.Pinned.Add(1)
		return p, nil
	}
	m.m.Misses.Add(1)

	f, err := m.acquireFrame()
	if err != nil {
		m.log.Warn("fetch page: pool exhausted", zap.Int64("page_id", int64(id)))
		return nil, err
	}
	p := m.frames[f]
	if err := m.disk.ReadPage(id, p.Data()); err != nil {
		m.freeList = append(m.freeList, f)
		return nil, fmt.Errorf("buffer pool: reading page %d from disk: %w", id, err)
	}
	p.SetID(id)
	p.Pin()
	m.track(f, id)
	m.m.Pinned.Add(1)
	m.log.Debug("fetched page", zap.Int64("page_id", int64(id)), zap.Int32("frame_id", int32(f)))
	return p, nil
}

// Unpin decrements id's pin count, ORing in dirty, and marks the frame
// evictable once the count reaches zero.
func (m *Manager) Unpin(id page.ID, dirty bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.dir.Find(id)
	if !ok {
		return ErrPageNotCached
	}
	p := m.frames[f]
	if p.PinCount() == 0 {
		return ErrNotUnpinnable
	}
	p.SetDirty(dirty)
	m.m.Pinned.Add(-1)
	if p.Unpin() {
		m.replacer.SetEvictable(f, true)
	}
	return nil
}

// FlushPage writes id's current bytes to disk and clears its dirty flag,
// without changing its pin count.
func (m *Manager) FlushPage(id page.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(id)
}

func (m *Manager) flushLocked(id page.ID) error {
	f, ok := m.dir.Find(id)
	if !ok {
		return ErrPageNotCached
	}
	p := m.frames[f]
	if err := m.disk.WritePage(id, p.Data()); err != nil {
		return fmt.Errorf("buffer pool: flushing page %d: %w", id, err)
	}
	p.ClearDirty()
	return nil
}

// FlushAll flushes every cached page, dirty or not, then syncs the
// backing file.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.frames {
		if p.ID() == page.InvalidID {
			continue
		}
		if err := m.flushLocked(p.ID()); err != nil {
			return err
		}
	}
	return m.disk.Sync()
}

// DeletePage removes id from the pool. It reports success (true) if id
// was not cached, and fails if id is cached with a nonzero pin count.
func (m *Manager) DeletePage(id page.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.dir.Find(id)
	if !ok {
		return true, nil
	}
	p := m.frames[f]
	if p.PinCount() > 0 {
		return false, ErrPagePinned
	}
	if err := m.replacer.Remove(f); err != nil && !errors.Is(err, replacer.ErrNotEvictable) {
		return false, err
	}
	m.dir.Remove(id)
	p.Reset()
	m.freeList = append(m.freeList, f)
	_ = m.disk.DeallocatePage(id) // best-effort; disk manager has no free-space manager yet
	return true, nil
}

// PageSize reports the fixed page size backing this pool.
func (m *Manager) PageSize() int { return m.disk.PageSize() }
