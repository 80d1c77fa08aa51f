package disk

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ahchan99/bustub/core/storage/page"
	"github.com/stretchr/testify/require"
)

func setupDisk(t *testing.T) *Manager {
	t.Helper()
	m := New(filepath.Join(t.TempDir(), "test.db"), 128)
	require.NoError(t, m.Open())
	t.Cleanup(func() { m.Close() })
	return m
}

func TestFreshFileReservesHeaderPage(t *testing.T) {
	m := setupDisk(t)
	require.EqualValues(t, 1, m.NumPages())

	id, err := m.AllocatePage()
	require.NoError(t, err)
	require.EqualValues(t, 1, id, "page 0 belongs to the header")
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := setupDisk(t)
	id, err := m.AllocatePage()
	require.NoError(t, err)

	out := bytes.Repeat([]byte{0xAB}, 128)
	require.NoError(t, m.WritePage(id, out))

	in := make([]byte, 128)
	require.NoError(t, m.ReadPage(id, in))
	require.Equal(t, out, in)
}

func TestBufferSizeIsEnforced(t *testing.T) {
	m := setupDisk(t)
	require.ErrorIs(t, m.WritePage(0, make([]byte, 64)), ErrBadPageSize)
	require.ErrorIs(t, m.ReadPage(0, make([]byte, 256)), ErrBadPageSize)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "closed.db"), 128)
	require.NoError(t, m.Open())
	require.NoError(t, m.Close())
	require.ErrorIs(t, m.ReadPage(0, make([]byte, 128)), ErrFileNotOpen)
	_, err := m.AllocatePage()
	require.ErrorIs(t, err, ErrFileNotOpen)
}

func TestReopenSeesAllocatedPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	m := New(path, 128)
	require.NoError(t, m.Open())
	for i := 0; i < 5; i++ {
		_, err := m.AllocatePage()
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	m2 := New(path, 128)
	require.NoError(t, m2.Open())
	defer m2.Close()
	require.EqualValues(t, 6, m2.NumPages())

	id, err := m2.AllocatePage()
	require.NoError(t, err)
	require.EqualValues(t, 6, id)
}

func TestDeallocateIsUnsupported(t *testing.T) {
	m := setupDisk(t)
	require.ErrorIs(t, m.DeallocatePage(page.ID(1)), ErrDeallocateUnsupported)
}
