package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// MaxFilenameLength bounds the path accepted by NewDiskManager.
const MaxFilenameLength = 4096

// DiskManager owns one paged file. Page 0 is reserved for whatever header the
// owner of the file keeps there; it is created zeroed and never handed out by
// AllocatePage.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	numPages uint64 // Tracks total number of pages in the file (file size / page size)
	mu       sync.Mutex
	logger   *zap.Logger
}

func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) (*DiskManager, error) {
	if len(filePath) > MaxFilenameLength {
		return nil, fmt.Errorf("file path too long: %s", filePath)
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskManager{
		filePath: filePath,
		pageSize: pageSize,
		logger:   logger.Named("disk_manager"),
	}, nil
}

// Open opens the backing file, creating it with a zeroed header page when it
// does not exist and create is true. It reports whether the file was created.
func (dm *DiskManager) Open(create bool) (bool, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	_, statErr := os.Stat(dm.filePath)
	switch {
	case errors.Is(statErr, os.ErrNotExist):
		if !create {
			return false, fmt.Errorf("%w: %s", ErrDBFileNotFound, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return false, fmt.Errorf("%w: creating file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		if _, err := dm.file.WriteAt(make([]byte, dm.pageSize), 0); err != nil {
			_ = dm.file.Close()
			_ = os.Remove(dm.filePath)
			return false, fmt.Errorf("%w: writing header page: %v", ErrIO, err)
		}
		if err := dm.file.Sync(); err != nil {
			return false, fmt.Errorf("%w: syncing new file: %v", ErrIO, err)
		}
		dm.numPages = 1
		dm.logger.Info("Created paged file", zap.String("path", dm.filePath), zap.Int("page_size", dm.pageSize))
		return true, nil
	case statErr != nil:
		return false, fmt.Errorf("%w: stating file %s: %v", ErrIO, dm.filePath, statErr)
	}

	file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0666)
	if err != nil {
		return false, fmt.Errorf("%w: opening file %s: %v", ErrIO, dm.filePath, err)
	}
	dm.file = file
	fi, err := dm.file.Stat()
	if err != nil {
		_ = dm.file.Close()
		dm.file = nil
		return false, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}
	if fi.Size()%int64(dm.pageSize) != 0 {
		dm.logger.Warn("File size is not a multiple of the page size; trailing bytes ignored",
			zap.String("path", dm.filePath), zap.Int64("size", fi.Size()))
	}
	dm.numPages = uint64(fi.Size()) / uint64(dm.pageSize)
	if dm.numPages == 0 {
		_ = dm.file.Close()
		dm.file = nil
		return false, fmt.Errorf("%w: %s has no header page", ErrInvalidPageData, dm.filePath)
	}
	dm.logger.Info("Opened paged file", zap.String("path", dm.filePath), zap.Uint64("pages", dm.numPages))
	return false, nil
}

// ReadPage reads a page's data from disk into the provided pageData buffer.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	if uint64(pageID) >= dm.numPages {
		return fmt.Errorf("%w: page %d out of bounds (%d pages)", ErrIO, pageID, dm.numPages)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.ReadAt(pageData, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: EOF reading page %d at offset %d", ErrIO, pageID, offset)
		}
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// WritePage writes pageData to disk at the specified pageID's location.
// Durability is deferred to Sync.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// ReadAt reads len(buf) raw bytes at off.
func (dm *DiskManager) ReadAt(buf []byte, off int64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if _, err := dm.file.ReadAt(buf, off); err != nil {
		return fmt.Errorf("%w: reading %d bytes at offset %d: %v", ErrIO, len(buf), off, err)
	}
	return nil
}

// WriteAt writes raw bytes at off without forcing them to disk.
func (dm *DiskManager) WriteAt(buf []byte, off int64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if _, err := dm.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("%w: writing %d bytes at offset %d: %v", ErrIO, len(buf), off, err)
	}
	return nil
}

// WriteDurable writes raw bytes at off and returns only once they are synced.
func (dm *DiskManager) WriteDurable(buf []byte, off int64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if _, err := dm.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("%w: writing %d bytes at offset %d: %v", ErrIO, len(buf), off, err)
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing after write at offset %d: %v", ErrIO, off, err)
	}
	return nil
}

// allocatePagesInternal extends the file by n zeroed pages.
func (dm *DiskManager) allocatePagesInternal(n int) (pagemanager.PageID, error) {
	if dm.file == nil {
		return pagemanager.InvalidPageID, ErrFileNotOpen
	}
	first := pagemanager.PageID(dm.numPages)
	offset := int64(first) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(make([]byte, n*dm.pageSize), offset); err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: extending file for %d pages at %d: %v", ErrOutOfSpace, n, first, err)
	}
	dm.numPages += uint64(n)
	return first, nil
}

// AllocatePage allocates a new page on disk and returns its ID.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	return dm.AllocatePages(1)
}

// AllocatePages extends the file by n contiguous pages and returns the first one.
func (dm *DiskManager) AllocatePages(n int) (pagemanager.PageID, error) {
	if n <= 0 {
		return pagemanager.InvalidPageID, fmt.Errorf("page count must be positive, got %d", n)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.allocatePagesInternal(n)
}

// NumPages returns the number of pages in the file, header page included.
func (dm *DiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

func (dm *DiskManager) GetPageSize() int { return dm.pageSize }

func (dm *DiskManager) Path() string { return dm.filePath }

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		return dm.file.Sync()
	}
	return nil
}

// Close closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("Error syncing file on close", zap.String("path", dm.filePath), zap.Error(err))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	return closeErr
}
