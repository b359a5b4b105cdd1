package flushmanager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap/zaptest"
)

const testPageSize = 128

func setupDiskManager(t *testing.T, path string) *DiskManager {
	t.Helper()
	dm, err := NewDiskManager(path, testPageSize, zaptest.NewLogger(t))
	require.NoError(t, err)
	return dm
}

func TestDiskManager_CreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	dm := setupDiskManager(t, path)

	created, err := dm.Open(true)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint64(1), dm.NumPages(), "a new file holds only the header page")

	id, err := dm.AllocatePages(2)
	require.NoError(t, err)
	assert.Equal(t, pagemanager.PageID(1), id)

	page := make([]byte, testPageSize)
	copy(page, "hello")
	require.NoError(t, dm.WritePage(2, page))
	require.NoError(t, dm.WriteDurable([]byte{7, 7}, 3))
	require.NoError(t, dm.Close())

	dm = setupDiskManager(t, path)
	created, err = dm.Open(false)
	require.NoError(t, err)
	assert.False(t, created)
	defer dm.Close()
	assert.Equal(t, uint64(3), dm.NumPages())

	got := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(2, got))
	assert.Equal(t, page, got)

	raw := make([]byte, 2)
	require.NoError(t, dm.ReadAt(raw, 3))
	assert.Equal(t, []byte{7, 7}, raw)

	assert.ErrorIs(t, dm.ReadPage(3, got), ErrIO)
}

func TestDiskManager_OpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := setupDiskManager(t, filepath.Join(dir, "missing.db")).Open(false)
	assert.ErrorIs(t, err, ErrDBFileNotFound)

	empty := filepath.Join(dir, "empty.db")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = setupDiskManager(t, empty).Open(false)
	assert.ErrorIs(t, err, ErrInvalidPageData)

	dm := setupDiskManager(t, filepath.Join(dir, "closed.db"))
	assert.ErrorIs(t, dm.ReadAt(make([]byte, 1), 0), ErrFileNotOpen)

	_, err = NewDiskManager("x", 0, nil)
	assert.Error(t, err)
}
