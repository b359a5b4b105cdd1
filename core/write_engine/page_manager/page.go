package pagemanager

import (
	"container/list" // For LRU
	"fmt"
	"strings"
	"sync"
	"time"
)

// --- Page Management ---

const (
	InvalidPageID PageID = 0 // Page 0 is the file header and never lives in the buffer pool
)

// PageID represents a unique identifier for a page on disk.
type PageID uint64

// FixMode tells the buffer pool how a page is attached.
type FixMode uint8

const (
	FixRead   FixMode = iota // Shared latch, released when the operation ends
	FixUpdate                // Exclusive latch, released when the operation ends
	FixBatch                 // Exclusive latch, release deferred across operations until commit
)

// Exclusive reports whether the mode takes the write latch.
func (m FixMode) Exclusive() bool { return m != FixRead }

func (m FixMode) String() string {
	switch m {
	case FixRead:
		return "read"
	case FixUpdate:
		return "update"
	case FixBatch:
		return "batch"
	default:
		return fmt.Sprintf("FixMode(%d)", uint8(m))
	}
}

// MarshalText lets fix modes appear as plain words in config files.
func (m FixMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText parses "read", "update" or "batch".
func (m *FixMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "read":
		*m = FixRead
	case "update":
		*m = FixUpdate
	case "batch":
		*m = FixBatch
	default:
		return fmt.Errorf("unknown fix mode %q", string(text))
	}
	return nil
}

// Page represents an in-memory copy of a disk page.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool
	// For LRU
	lruElement *list.Element // Pointer to the element in LRU list

	// latch protects the in-memory contents of this specific page. It is the
	// only synchronization boundary between handles sharing one pool.
	latch     sync.RWMutex
	updatedAt time.Time
}

// NewPage creates a new Page instance.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lruElement = nil
	for i := range p.data {
		p.data[i] = 0
	}
}
func (p *Page) GetLruElement() *list.Element     { return p.lruElement }
func (p *Page) SetLruElement(elem *list.Element) { p.lruElement = elem }
func (p *Page) GetData() []byte                  { return p.data }
func (p *Page) SetData(newData []byte) bool      { copy(p.data, newData); return true }
func (p *Page) GetPageID() PageID                { return p.id }
func (p *Page) SetPageID(id PageID)              { p.id = id }
func (p *Page) IsDirty() bool                    { return p.isDirty }
func (p *Page) Pin()                             { p.pinCount++ }
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}
func (p *Page) GetPinCount() uint32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32) { p.pinCount = pinCount }
func (p *Page) SetDirty(dirty bool)         { p.isDirty = dirty }
func (p *Page) UpdatedAt(t time.Time)       { p.updatedAt = t }
func (p *Page) GetUpdatedAt() time.Time     { return p.updatedAt }

// Latch acquires the page latch matching mode.
func (p *Page) Latch(mode FixMode) {
	if mode.Exclusive() {
		p.latch.Lock()
		return
	}
	p.latch.RLock()
}

// Unlatch releases a latch taken with Latch(mode).
func (p *Page) Unlatch(mode FixMode) {
	if mode.Exclusive() {
		p.latch.Unlock()
		return
	}
	p.latch.RUnlock()
}
