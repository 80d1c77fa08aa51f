package replacer

import (
	"testing"

	"github.com/ahchan99/bustub/core/storage/page"
	"github.com/stretchr/testify/require"
)

func TestEvictPrefersUnderKOldestFirst(t *testing.T) {
	r := New(2)

	// Frames 1, 2, 3 each touched once: all under-K, FIFO by first access.
	for _, f := range []page.FrameID{1, 2, 3} {
		r.RecordAccess(f)
		r.SetEvictable(f, true)
	}
	// Frames 1 and 2 reach K accesses and promote out of the FIFO class.
	r.RecordAccess(1)
	r.RecordAccess(2)

	f, ok := r.Evict()
	require.True(t, ok)
	require.EqualValues(t, 3, f, "only one-access frame, oldest by FIFO")

	// With the under-K class empty, eviction falls back to LRU: frame 1
	// was promoted before frame 2, so it is the least recently used.
	f, ok = r.Evict()
	require.True(t, ok)
	require.EqualValues(t, 1, f)

	f, ok = r.Evict()
	require.True(t, ok)
	require.EqualValues(t, 2, f)

	_, ok = r.Evict()
	require.False(t, ok)
}

func TestNonEvictableFramesAreSkipped(t *testing.T) {
	r := New(2)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(2, true)

	f, ok := r.Evict()
	require.True(t, ok)
	require.EqualValues(t, 2, f, "frame 1 was never marked evictable")

	_, ok = r.Evict()
	require.False(t, ok)
}

func TestSizeCountsOnlyEvictable(t *testing.T) {
	r := New(2)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.RecordAccess(3)
	require.Equal(t, 0, r.Size())

	r.SetEvictable(1, true)
	r.SetEvictable(2, true)
	require.Equal(t, 2, r.Size())

	r.SetEvictable(1, false)
	require.Equal(t, 1, r.Size())
}

func TestRemoveRefusesNonEvictable(t *testing.T) {
	r := New(2)
	r.RecordAccess(1)
	require.ErrorIs(t, r.Remove(1), ErrNotEvictable)

	r.SetEvictable(1, true)
	require.NoError(t, r.Remove(1))
	require.Equal(t, 0, r.Size())

	// Removing an untracked frame is a no-op.
	require.NoError(t, r.Remove(42))
}

func TestAccessAfterPromotionMovesToMRU(t *testing.T) {
	r := New(2)
	for _, f := range []page.FrameID{1, 2} {
		r.RecordAccess(f)
		r.RecordAccess(f) // both promoted, 1 first
		r.SetEvictable(f, true)
	}
	r.RecordAccess(1) // 1 becomes most recently used

	f, ok := r.Evict()
	require.True(t, ok)
	require.EqualValues(t, 2, f)
}
