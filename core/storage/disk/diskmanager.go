// Package disk implements the L0 Disk Manager: fixed-size page read/write
// by page id over a single backing file, with monotonic page allocation.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ahchan99/bustub/core/storage/page"
)

var (
	// ErrFileNotOpen is returned when an operation is attempted before Open.
	ErrFileNotOpen = errors.New("disk manager: file not open")
	// ErrBadPageSize is returned when a caller passes a buffer of the wrong size.
	ErrBadPageSize = errors.New("disk manager: page buffer size mismatch")
	// ErrDeallocateUnsupported marks the free-space manager this core does
	// not implement, mirroring the source's own unimplemented DeallocatePage.
	ErrDeallocateUnsupported = errors.New("disk manager: deallocate_page requires a free-space manager, not implemented")
)

// Manager owns one backing file and hands out fixed-size pages by id.
// Page 0 is always reserved for the header page (page.HeaderID) and is
// allocated implicitly when the file is created.
type Manager struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	pageSize int
	numPages int64
}

// New creates a Manager bound to path, without touching the filesystem yet.
func New(path string, pageSize int) *Manager {
	if pageSize <= 0 {
		pageSize = page.DefaultSize
	}
	return &Manager{path: path, pageSize: pageSize}
}

// Open opens an existing database file or creates a fresh one. A fresh
// file is pre-extended with the header page so that page ids are
// allocated starting at 1.
func (m *Manager) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, statErr := os.Stat(m.path)
	if os.IsNotExist(statErr) {
		f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
		if err != nil {
			return fmt.Errorf("disk manager: create %s: %w", m.path, err)
		}
		m.file = f
		if _, err := m.file.WriteAt(make([]byte, m.pageSize), 0); err != nil {
			return fmt.Errorf("disk manager: initializing header page: %w", err)
		}
		m.numPages = 1
		return nil
	}
	if statErr != nil {
		return fmt.Errorf("disk manager: stat %s: %w", m.path, statErr)
	}

	f, err := os.OpenFile(m.path, os.O_RDWR, 0o666)
	if err != nil {
		return fmt.Errorf("disk manager: open %s: %w", m.path, err)
	}
	m.file = f
	fi, err := f.Stat()
	if err != nil {
		m.file.Close()
		return fmt.Errorf("disk manager: stat open file: %w", err)
	}
	m.numPages = fi.Size() / int64(m.pageSize)
	if m.numPages == 0 {
		m.numPages = 1
	}
	return nil
}

// PageSize reports the fixed page size this manager was opened with.
func (m *Manager) PageSize() int { return m.pageSize }

// NumPages reports the highest allocated page id plus one.
func (m *Manager) NumPages() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numPages
}

// ReadPage reads page id's bytes into buf, which must be exactly PageSize long.
func (m *Manager) ReadPage(id page.ID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrFileNotOpen
	}
	if len(buf) != m.pageSize {
		return ErrBadPageSize
	}
	offset := int64(id) * int64(m.pageSize)
	n, err := m.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("disk manager: read page %d: %w", id, err)
	}
	if n != m.pageSize {
		return fmt.Errorf("disk manager: short read for page %d: got %d of %d bytes", id, n, m.pageSize)
	}
	return nil
}

// WritePage writes buf to page id's on-disk slot. buf must be exactly PageSize long.
func (m *Manager) WritePage(id page.ID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrFileNotOpen
	}
	if len(buf) != m.pageSize {
		return ErrBadPageSize
	}
	offset := int64(id) * int64(m.pageSize)
	if _, err := m.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("disk manager: write page %d: %w", id, err)
	}
	return nil
}

// AllocatePage extends the file by one page and returns its monotonically
// assigned id.
func (m *Manager) AllocatePage() (page.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return page.InvalidID, ErrFileNotOpen
	}
	id := page.ID(m.numPages)
	offset := int64(id) * int64(m.pageSize)
	if _, err := m.file.WriteAt(make([]byte, m.pageSize), offset); err != nil {
		return page.InvalidID, fmt.Errorf("disk manager: allocate page %d: %w", id, err)
	}
	m.numPages++
	return id, nil
}

// DeallocatePage is a placeholder: a real free-space manager would recycle
// the slot. Without one, freed page ids are leaked on disk but never
// reused, which callers tolerate as a no-op today.
func (m *Manager) DeallocatePage(page.ID) error {
	return ErrDeallocateUnsupported
}

// Sync flushes the backing file to stable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return ErrFileNotOpen
	}
	return m.file.Sync()
}

// Close syncs and closes the backing file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	syncErr := m.file.Sync()
	closeErr := m.file.Close()
	m.file = nil
	if closeErr != nil {
		return closeErr
	}
	return syncErr
}
