package bufferpool

import (
	"container/list" // For LRU
	"errors"
	"fmt"
	"sync"
	"time"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	commonutils "github.com/sushant-115/gojostore/internal/common_utils"
	"go.uber.org/zap"
)

// BufferPoolManager manages in-memory pages (frames) and interacts with the DiskManager.
// It implements a simple LRU (Least Recently Used) eviction policy. Pages are
// handed out attached: pinned, and latched according to the caller's fix mode.
type BufferPoolManager struct {
	diskManager *flushmanager.DiskManager
	poolSize    int
	pages       []*pagemanager.Page        // Page frames
	pageTable   map[pagemanager.PageID]int // PageID to frame index
	lruList     *list.List                 // Doubly linked list for LRU tracking (stores frame indices)
	mu          sync.Mutex
	pageSize    int
	logger      *zap.Logger
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(poolSize int, diskManager *flushmanager.DiskManager, logger *zap.Logger) (*BufferPoolManager, error) {
	if diskManager == nil {
		return nil, errors.New("NewBufferPoolManager: diskManager cannot be nil")
	}
	if poolSize <= 0 {
		return nil, fmt.Errorf("NewBufferPoolManager: pool size must be positive, got %d", poolSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		poolSize:    poolSize,
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable:   make(map[pagemanager.PageID]int),
		lruList:     list.New(),
		pageSize:    diskManager.GetPageSize(),
		logger:      logger.Named("buffer_pool"),
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, bpm.pageSize)
	}
	bpm.logger.Info("BufferPoolManager initialized", zap.Int("pool_size", poolSize), zap.Int("page_size", bpm.pageSize))
	return bpm, nil
}

// FetchPage attaches a page: it is pinned, moved to the front of the LRU list
// and latched according to mode. The latch wait happens outside the pool mutex.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID, mode pagemanager.FixMode) (*pagemanager.Page, error) {
	if pageID == pagemanager.InvalidPageID {
		return nil, fmt.Errorf("%w: page %d cannot be attached", flushmanager.ErrInvalidPageData, pageID)
	}
	page, err := bpm.pinPage(pageID)
	if err != nil {
		return nil, err
	}
	page.Latch(mode)
	if ce := bpm.logger.Check(zap.DebugLevel, "Attached page"); ce != nil {
		ce.Write(zap.Uint64("page_id", uint64(pageID)), zap.Stringer("mode", mode),
			zap.String("caller", commonutils.CallerName(2)), zap.Int64("goroutine", commonutils.GoID()))
	}
	return page, nil
}

func (bpm *BufferPoolManager) pinPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Check if page is already in the buffer pool
	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameIdx]
		page.Pin()
		if page.GetLruElement() != nil {
			bpm.lruList.MoveToFront(page.GetLruElement())
		}
		return page, nil
	}

	// 2. Page not in pool, find a victim frame to replace
	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		return nil, err
	}
	victimPage := bpm.pages[frameIdx]

	// 3. If victim page is dirty, flush it to disk; 4. untrack it
	if err := bpm.evictInternal(frameIdx); err != nil {
		return nil, err
	}

	// 5. Reset victim page for new content and load it from disk
	victimPage.Reset()
	if err := bpm.diskManager.ReadPage(pageID, victimPage.GetData()); err != nil {
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}

	// 6. Update new page metadata and track in buffer pool
	victimPage.SetPageID(pageID)
	victimPage.SetPinCount(1)
	victimPage.SetDirty(false)
	bpm.pageTable[pageID] = frameIdx
	victimPage.SetLruElement(bpm.lruList.PushFront(frameIdx))
	return victimPage, nil
}

// evictInternal flushes a dirty frame and removes it from the page table.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) evictInternal(frameIdx int) error {
	victimPage := bpm.pages[frameIdx]
	if victimPage.GetPageID() == pagemanager.InvalidPageID {
		return nil
	}
	if victimPage.IsDirty() {
		bpm.logger.Debug("Flushing dirty victim page", zap.Uint64("page_id", uint64(victimPage.GetPageID())), zap.Int("frame", frameIdx))
		if err := bpm.diskManager.WritePage(victimPage.GetPageID(), victimPage.GetData()); err != nil {
			return fmt.Errorf("failed to flush dirty victim page %d: %w", victimPage.GetPageID(), err)
		}
		victimPage.SetDirty(false)
	}
	delete(bpm.pageTable, victimPage.GetPageID())
	if victimPage.GetLruElement() != nil {
		bpm.lruList.Remove(victimPage.GetLruElement())
	}
	return nil
}

// getVictimFrameInternal finds an unpinned page to evict.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) getVictimFrameInternal() (int, error) {
	// Completely free frames first (never used, or reset)
	for i := 0; i < bpm.poolSize; i++ {
		if bpm.pages[i].GetPageID() == pagemanager.InvalidPageID {
			return i, nil
		}
	}
	// Then the least recently used unpinned page
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		frameIdx := e.Value.(int)
		if bpm.pages[frameIdx].GetPinCount() == 0 {
			return frameIdx, nil
		}
	}
	bpm.logger.Error("Buffer pool is full, and all pages are pinned")
	return -1, flushmanager.ErrBufferPoolFull
}

// UnpinPage detaches a page taken with FetchPage or NewPage. If isDirty is
// true the frame is marked dirty and written back on flush or eviction.
func (bpm *BufferPoolManager) UnpinPage(page *pagemanager.Page, mode pagemanager.FixMode, isDirty bool) error {
	pageID := page.GetPageID()
	page.Unlatch(mode)

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok || bpm.pages[frameIdx] != page {
		return fmt.Errorf("%w: page %d not found to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	if page.GetPinCount() == 0 {
		return fmt.Errorf("cannot unpin page %d with pin count 0", pageID)
	}
	page.Unpin()
	if isDirty {
		page.SetDirty(true)
		page.UpdatedAt(time.Now())
	}
	return nil
}

// NewPage allocates a new page on disk and attaches it with mode.
func (bpm *BufferPoolManager) NewPage(mode pagemanager.FixMode) (*pagemanager.Page, error) {
	bpm.mu.Lock()

	// Find a frame before touching the disk so a full pool does not orphan a page.
	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		bpm.mu.Unlock()
		return nil, err
	}
	if err := bpm.evictInternal(frameIdx); err != nil {
		bpm.mu.Unlock()
		return nil, err
	}
	newPageID, err := bpm.diskManager.AllocatePage()
	if err != nil {
		bpm.mu.Unlock()
		return nil, err
	}

	page := bpm.pages[frameIdx]
	page.Reset()
	page.SetPageID(newPageID)
	page.SetPinCount(1)
	page.SetDirty(true)
	page.UpdatedAt(time.Now())
	bpm.pageTable[newPageID] = frameIdx
	page.SetLruElement(bpm.lruList.PushFront(frameIdx))
	bpm.mu.Unlock()

	page.Latch(mode)
	bpm.logger.Debug("Allocated new page", zap.Uint64("page_id", uint64(newPageID)), zap.Int("frame", frameIdx))
	return page, nil
}

// FlushPage flushes a specific page to disk if it's dirty.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		// Already evicted, which wrote it back.
		return nil
	}
	page := bpm.pages[frameIdx]
	if !page.IsDirty() {
		return nil
	}
	if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
		bpm.logger.Error("Failed to flush page", zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
		return err
	}
	page.SetDirty(false)
	return nil
}

// FlushAllPages flushes all dirty pages in the buffer pool to disk and syncs the file.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var firstErr error
	for _, page := range bpm.pages {
		if page.GetPageID() == pagemanager.InvalidPageID || !page.IsDirty() {
			continue
		}
		if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			bpm.logger.Error("Error flushing page", zap.Uint64("page_id", uint64(page.GetPageID())), zap.Error(err))
			continue
		}
		page.SetDirty(false)
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Sync forces previously flushed pages to stable storage.
func (bpm *BufferPoolManager) Sync() error {
	return bpm.diskManager.Sync()
}

// DiscardPage drops the in-memory changes of an unpinned page by re-reading
// it from disk. Pages that were already written back (evicted or flushed)
// keep their on-disk content.
func (bpm *BufferPoolManager) DiscardPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return nil
	}
	page := bpm.pages[frameIdx]
	if page.GetPinCount() > 0 {
		return fmt.Errorf("%w: page %d", flushmanager.ErrPagePinned, pageID)
	}
	if !page.IsDirty() {
		return nil
	}
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		return fmt.Errorf("failed to reload page %d: %w", pageID, err)
	}
	page.SetDirty(false)
	bpm.logger.Debug("Discarded in-memory page changes", zap.Uint64("page_id", uint64(pageID)))
	return nil
}

func (bpm *BufferPoolManager) GetPageSize() int {
	return bpm.pageSize
}

// GetNumPages returns the number of pages in the underlying file.
func (bpm *BufferPoolManager) GetNumPages() uint64 {
	return bpm.diskManager.NumPages()
}
