package bufferpool

import (
	"path/filepath"
	"testing"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPageSize = 256

// setupBufferPool creates a pool over a fresh file in a temporary directory.
func setupBufferPool(t *testing.T, poolSize int) (*BufferPoolManager, *flushmanager.DiskManager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dm, err := flushmanager.NewDiskManager(filepath.Join(t.TempDir(), "pool.db"), testPageSize, logger)
	require.NoError(t, err)
	created, err := dm.Open(true)
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() { _ = dm.Close() })

	bpm, err := NewBufferPoolManager(poolSize, dm, logger)
	require.NoError(t, err)
	return bpm, dm
}

func TestBufferPool_NewPageAndFetch(t *testing.T) {
	bpm, dm := setupBufferPool(t, 4)

	page, err := bpm.NewPage(pagemanager.FixUpdate)
	require.NoError(t, err)
	id := page.GetPageID()
	require.Equal(t, pagemanager.PageID(1), id, "page 0 is the header page")
	copy(page.GetData(), []byte("hello"))
	require.NoError(t, bpm.UnpinPage(page, pagemanager.FixUpdate, true))

	require.NoError(t, bpm.FlushAllPages())

	onDisk := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(id, onDisk))
	require.Equal(t, []byte("hello"), onDisk[:5])

	again, err := bpm.FetchPage(id, pagemanager.FixRead)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), again.GetData()[:5])
	require.NoError(t, bpm.UnpinPage(again, pagemanager.FixRead, false))
}

func TestBufferPool_EvictionWritesDirtyVictim(t *testing.T) {
	bpm, dm := setupBufferPool(t, 2)

	var ids []pagemanager.PageID
	for i := 0; i < 3; i++ {
		page, err := bpm.NewPage(pagemanager.FixUpdate)
		require.NoError(t, err)
		page.GetData()[0] = byte(i + 1)
		ids = append(ids, page.GetPageID())
		require.NoError(t, bpm.UnpinPage(page, pagemanager.FixUpdate, true))
	}

	// The first page was evicted to make room for the third one.
	onDisk := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(ids[0], onDisk))
	require.Equal(t, byte(1), onDisk[0])

	page, err := bpm.FetchPage(ids[0], pagemanager.FixRead)
	require.NoError(t, err)
	require.Equal(t, byte(1), page.GetData()[0])
	require.NoError(t, bpm.UnpinPage(page, pagemanager.FixRead, false))
}

func TestBufferPool_FullWhenAllPinned(t *testing.T) {
	bpm, _ := setupBufferPool(t, 1)

	page, err := bpm.NewPage(pagemanager.FixUpdate)
	require.NoError(t, err)

	_, err = bpm.NewPage(pagemanager.FixUpdate)
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)

	require.NoError(t, bpm.UnpinPage(page, pagemanager.FixUpdate, true))
	other, err := bpm.NewPage(pagemanager.FixUpdate)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(other, pagemanager.FixUpdate, true))
}

func TestBufferPool_DiscardPageRevertsUnflushedChanges(t *testing.T) {
	bpm, _ := setupBufferPool(t, 4)

	page, err := bpm.NewPage(pagemanager.FixUpdate)
	require.NoError(t, err)
	id := page.GetPageID()
	page.GetData()[0] = 'a'
	require.NoError(t, bpm.UnpinPage(page, pagemanager.FixUpdate, true))
	require.NoError(t, bpm.FlushPage(id))

	page, err = bpm.FetchPage(id, pagemanager.FixUpdate)
	require.NoError(t, err)
	page.GetData()[0] = 'b'

	require.ErrorIs(t, bpm.DiscardPage(id), flushmanager.ErrPagePinned)
	require.NoError(t, bpm.UnpinPage(page, pagemanager.FixUpdate, true))
	require.NoError(t, bpm.DiscardPage(id))

	page, err = bpm.FetchPage(id, pagemanager.FixRead)
	require.NoError(t, err)
	require.Equal(t, byte('a'), page.GetData()[0])
	require.NoError(t, bpm.UnpinPage(page, pagemanager.FixRead, false))
}

func TestBufferPool_SharedReadLatches(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)

	page, err := bpm.NewPage(pagemanager.FixUpdate)
	require.NoError(t, err)
	id := page.GetPageID()
	require.NoError(t, bpm.UnpinPage(page, pagemanager.FixUpdate, true))

	a, err := bpm.FetchPage(id, pagemanager.FixRead)
	require.NoError(t, err)
	b, err := bpm.FetchPage(id, pagemanager.FixRead)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, uint32(2), a.GetPinCount())
	require.NoError(t, bpm.UnpinPage(a, pagemanager.FixRead, false))
	require.NoError(t, bpm.UnpinPage(b, pagemanager.FixRead, false))
}

func TestBufferPool_RejectsHeaderPage(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	_, err := bpm.FetchPage(pagemanager.InvalidPageID, pagemanager.FixRead)
	require.ErrorIs(t, err, flushmanager.ErrInvalidPageData)
}
