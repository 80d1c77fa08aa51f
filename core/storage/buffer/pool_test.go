package buffer

import (
	"path/filepath"
	"testing"

	"github.com/ahchan99/bustub/core/storage/disk"
	"github.com/ahchan99/bustub/core/storage/page"
	"github.com/stretchr/testify/require"
)

func setupPool(t *testing.T, poolSize, k int) (*Manager, *disk.Manager) {
	t.Helper()
	dm := disk.New(filepath.Join(t.TempDir(), "pool.db"), 256)
	require.NoError(t, dm.Open())
	t.Cleanup(func() { dm.Close() })
	return New(poolSize, k, dm, nil), dm
}

func TestNewPageAllocatesMonotonically(t *testing.T) {
	pool, _ := setupPool(t, 4, 2)

	p1, err := pool.NewPage()
	require.NoError(t, err)
	p2, err := pool.NewPage()
	require.NoError(t, err)
	require.Greater(t, p2.ID(), p1.ID())
	require.EqualValues(t, 1, p1.PinCount())
}

func TestPoolFullWhenEverythingPinned(t *testing.T) {
	pool, _ := setupPool(t, 3, 2)

	for i := 0; i < 3; i++ {
		_, err := pool.NewPage()
		require.NoError(t, err)
	}
	_, err := pool.NewPage()
	require.ErrorIs(t, err, ErrPoolFull)
}

func TestEvictionVictimIsColdestSingleAccessPage(t *testing.T) {
	pool, dm := setupPool(t, 3, 2)

	// Pin pages once each, write a marker into page 3, unpin all dirty.
	var ids []page.ID
	for i := 0; i < 3; i++ {
		p, err := pool.NewPage()
		require.NoError(t, err)
		ids = append(ids, p.ID())
		p.Data()[0] = byte(0xA0 + i)
		require.NoError(t, pool.Unpin(p.ID(), true))
	}

	// Touch pages 1 and 2 a second time so only page 3 stays under-K.
	for _, id := range ids[:2] {
		_, err := pool.FetchPage(id)
		require.NoError(t, err)
		require.NoError(t, pool.Unpin(id, false))
	}

	// A new page needs a frame: the victim must be ids[2], and its dirty
	// bytes must have been written through before the frame was reused.
	_, err := pool.NewPage()
	require.NoError(t, err)

	buf := make([]byte, 256)
	require.NoError(t, dm.ReadPage(ids[2], buf))
	require.Equal(t, byte(0xA2), buf[0])

	// ids[0] and ids[1] are still cached.
	for _, id := range ids[:2] {
		p, err := pool.FetchPage(id)
		require.NoError(t, err)
		require.Equal(t, id, p.ID())
		require.NoError(t, pool.Unpin(id, false))
	}
}

func TestUnpinErrors(t *testing.T) {
	pool, _ := setupPool(t, 2, 2)

	require.ErrorIs(t, pool.Unpin(99, false), ErrPageNotCached)

	p, err := pool.NewPage()
	require.NoError(t, err)
	require.NoError(t, pool.Unpin(p.ID(), false))
	require.ErrorIs(t, pool.Unpin(p.ID(), false), ErrNotUnpinnable)
}

func TestDirtyFlagSticksAcrossUnpins(t *testing.T) {
	pool, dm := setupPool(t, 2, 2)

	p, err := pool.NewPage()
	require.NoError(t, err)
	id := p.ID()
	p.Data()[10] = 0x7F
	require.NoError(t, pool.Unpin(id, true))

	// A later clean unpin must not clear the dirty flag.
	_, err = pool.FetchPage(id)
	require.NoError(t, err)
	require.NoError(t, pool.Unpin(id, false))

	require.NoError(t, pool.FlushPage(id))
	buf := make([]byte, 256)
	require.NoError(t, dm.ReadPage(id, buf))
	require.Equal(t, byte(0x7F), buf[10])
}

func TestFlushPageWritesThrough(t *testing.T) {
	pool, dm := setupPool(t, 2, 2)

	p, err := pool.NewPage()
	require.NoError(t, err)
	p.Data()[0] = 0x42
	require.NoError(t, pool.FlushPage(p.ID()))

	buf := make([]byte, 256)
	require.NoError(t, dm.ReadPage(p.ID(), buf))
	require.Equal(t, byte(0x42), buf[0])

	require.ErrorIs(t, pool.FlushPage(777), ErrPageNotCached)
}

func TestDeletePage(t *testing.T) {
	pool, _ := setupPool(t, 2, 2)

	// Deleting an uncached page succeeds trivially.
	ok, err := pool.DeletePage(123)
	require.NoError(t, err)
	require.True(t, ok)

	p, err := pool.NewPage()
	require.NoError(t, err)
	id := p.ID()

	ok, err = pool.DeletePage(id)
	require.ErrorIs(t, err, ErrPagePinned)
	require.False(t, ok)

	require.NoError(t, pool.Unpin(id, false))
	ok, err = pool.DeletePage(id)
	require.NoError(t, err)
	require.True(t, ok)

	// The frame went back to the free list: two new pages fit again.
	_, err = pool.NewPage()
	require.NoError(t, err)
	_, err = pool.NewPage()
	require.NoError(t, err)
}

func TestFetchRoundTripsThroughDisk(t *testing.T) {
	pool, _ := setupPool(t, 2, 2)

	p, err := pool.NewPage()
	require.NoError(t, err)
	id := p.ID()
	copy(p.Data(), []byte("hello frames"))
	require.NoError(t, pool.Unpin(id, true))

	// Force the page out of the pool.
	fill := make([]page.ID, 0, 2)
	for i := 0; i < 2; i++ {
		np, err := pool.NewPage()
		require.NoError(t, err)
		fill = append(fill, np.ID())
	}
	for _, f := range fill {
		require.NoError(t, pool.Unpin(f, false))
	}

	p2, err := pool.FetchPage(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello frames"), p2.Data()[:12])
	require.NoError(t, pool.Unpin(id, false))
}
