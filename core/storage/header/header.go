// Package header implements the small service wrapping the header page
// (page 0): an append-only directory of (index_name, root_page_id)
// records, persisted through the buffer pool like any other page.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ahchan99/bustub/core/storage/buffer"
	"github.com/ahchan99/bustub/core/storage/page"
)

// ErrIndexExists is returned by CreateIndex when the name is already registered.
var ErrIndexExists = errors.New("header: index already registered")

// ErrIndexNotFound is returned by UpdateRoot when the name has no record.
var ErrIndexNotFound = errors.New("header: index not registered")

// Service guards page 0 with its own mutex, in addition to the page's own
// latch, since the header is small, global, and mutated rarely enough
// that call-level serialization is simpler than fine-grained locking.
type Service struct {
	mu   sync.Mutex
	pool *buffer.Manager
}

// New binds a header Service to the pool that owns page 0.
func New(pool *buffer.Manager) *Service {
	return &Service{pool: pool}
}

// CreateIndex registers a new (name, rootID) record.
func (s *Service) CreateIndex(name string, rootID page.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, p, err := s.load()
	if err != nil {
		return err
	}
	defer s.pool.Unpin(page.HeaderID, true)

	for _, r := range recs {
		if r.name == name {
			return fmt.Errorf("%w: %s", ErrIndexExists, name)
		}
	}
	recs = append(recs, record{name: name, rootID: rootID})
	return encode(recs, p.Data())
}

// UpdateRoot overwrites the root id for an already-registered index.
func (s *Service) UpdateRoot(name string, rootID page.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, p, err := s.load()
	if err != nil {
		return err
	}
	defer s.pool.Unpin(page.HeaderID, true)

	for i, r := range recs {
		if r.name == name {
			recs[i].rootID = rootID
			return encode(recs, p.Data())
		}
	}
	return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
}

// Lookup returns the current root id for name, if registered.
func (s *Service) Lookup(name string) (page.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, _, err := s.load()
	if err != nil {
		return page.InvalidID, false
	}
	defer s.pool.Unpin(page.HeaderID, false)

	for _, r := range recs {
		if r.name == name {
			return r.rootID, true
		}
	}
	return page.InvalidID, false
}

type record struct {
	name   string
	rootID page.ID
}

func (s *Service) load() ([]record, *page.Page, error) {
	p, err := s.pool.FetchPage(page.HeaderID)
	if err != nil {
		return nil, nil, fmt.Errorf("header: fetching page 0: %w", err)
	}
	p.RLatch()
	recs, err := decode(p.Data())
	p.RUnlatch()
	if err != nil {
		s.pool.Unpin(page.HeaderID, false)
		return nil, nil, err
	}
	return recs, p, nil
}

// decode/encode implement a minimal fixed layout:
//
//	uint32 count
//	count * { uint16 name_len, name_len bytes, int64 root_id }
//
// Mutators call encode while holding the page's write latch implicitly
// via the service mutex (no concurrent header mutator can interleave).
func decode(buf []byte) ([]record, error) {
	if len(buf) < 4 {
		return nil, errors.New("header: page too small")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	offset := 4
	recs := make([]record, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+2 > len(buf) {
			return nil, errors.New("header: truncated record (name length)")
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[offset : offset+2]))
		offset += 2
		if offset+nameLen+8 > len(buf) {
			return nil, errors.New("header: truncated record")
		}
		name := string(buf[offset : offset+nameLen])
		offset += nameLen
		rootID := page.ID(binary.LittleEndian.Uint64(buf[offset : offset+8]))
		offset += 8
		recs = append(recs, record{name: name, rootID: rootID})
	}
	return recs, nil
}

func encode(recs []record, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(recs)))
	offset := 4
	for _, r := range recs {
		need := 2 + len(r.name) + 8
		if offset+need > len(buf) {
			return errors.New("header: page full, cannot persist more index records")
		}
		binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(len(r.name)))
		offset += 2
		copy(buf[offset:offset+len(r.name)], r.name)
		offset += len(r.name)
		binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(r.rootID))
		offset += 8
	}
	return nil
}
