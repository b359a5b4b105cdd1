package flushmanager

import "errors"

var (
	ErrPageNotFound     = errors.New("page not found in buffer pool")
	ErrBufferPoolFull   = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned       = errors.New("page is pinned and cannot be evicted")
	ErrIO               = errors.New("i/o error")
	ErrChecksumMismatch = errors.New("checksum mismatch, data corruption suspected")
	ErrInvalidPageData  = errors.New("invalid page data")
	ErrDBFileNotFound   = errors.New("paged file not found")
	ErrFileNotOpen      = errors.New("file not open")
	ErrOutOfSpace       = errors.New("storage space exhausted")
)
