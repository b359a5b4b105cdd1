// Package slotstore is the fixed slot allocator. It hands out fixed-size
// slots in the pages of a slot file, threads deleted and free slots through
// their link words, keeps pre-update images for transactional undo and
// protects its metadata with a double-buffered header on page 0.
package slotstore

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	"github.com/sushant-115/gojostore/core/write_engine/bufferpool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Owner is called back when a slot payload that references other storage is
// about to disappear.
type Owner interface {
	// Reclaim releases everything payload references.
	Reclaim(payload []byte) error
	// Restore is called before backup is copied over current. It releases
	// what current references.
	Restore(current, backup []byte) error
	// Blank turns a zeroed payload into one whose every field is null. It
	// is used when a slot compaction already freed comes back to life.
	Blank(payload []byte) error
}

// TxnOracle answers whether a transaction can still commit or abort.
type TxnOracle interface {
	IsActive(txn uint64) bool
	// Observe reports an owner id recorded in the file by an earlier run.
	// The oracle must not hand that id out again.
	Observe(txn uint64)
}

// FixModes picks the page fix mode per kind of operation.
type FixModes struct {
	Read    pagemanager.FixMode `yaml:"read"`
	Scan    pagemanager.FixMode `yaml:"scan"`
	Modify  pagemanager.FixMode `yaml:"modify"`
	Compact pagemanager.FixMode `yaml:"compact"`
	Verify  pagemanager.FixMode `yaml:"verify"`
}

func DefaultFixModes() FixModes {
	return FixModes{
		Read:    pagemanager.FixRead,
		Scan:    pagemanager.FixRead,
		Modify:  pagemanager.FixUpdate,
		Compact: pagemanager.FixUpdate,
		Verify:  pagemanager.FixRead,
	}
}

type Config struct {
	// PayloadSize is the number of payload bytes per slot.
	PayloadSize int
	Modes       FixModes
}

// SlotSize is the on-page size of a slot with the given payload.
func SlotSize(payloadSize int) int {
	return (slotHeaderSize + payloadSize + 7) &^ 7
}

type attachedPage struct {
	page *pagemanager.Page
	mode pagemanager.FixMode
}

// Store is one handle on a slot file. A handle is not safe for concurrent
// use; handles sharing a buffer pool synchronize through page latches.
type Store struct {
	pool   *bufferpool.BufferPoolManager
	io     headerIO
	cfg    Config
	owner  Owner
	txns   TxnOracle
	logger *zap.Logger

	slotSize     int
	slotsPerPage int

	header    Header // current, including uncommitted changes
	committed Header // as of the last Commit
	onDisk    Header // as last written to page 0

	attached map[pagemanager.PageID]*attachedPage
	pending  map[pagemanager.PageID]struct{} // dirtied since the last Commit

	cursor objectid.ObjectID
	closed bool
}

// Open opens a handle over pool, whose disk manager is disk. A new file gets
// its header written immediately; an interrupted header write is repaired.
func Open(pool *bufferpool.BufferPoolManager, disk headerIO, cfg Config, owner Owner, txns TxnOracle, logger *zap.Logger) (*Store, error) {
	if pool == nil || disk == nil || owner == nil || txns == nil {
		return nil, fmt.Errorf("%w: pool, disk, owner and transaction oracle are required", ErrInvalidArgument)
	}
	if cfg.PayloadSize < objectid.Size {
		return nil, fmt.Errorf("%w: payload size %d below %d", ErrInvalidArgument, cfg.PayloadSize, objectid.Size)
	}
	if !cfg.Modes.Modify.Exclusive() || !cfg.Modes.Compact.Exclusive() {
		return nil, fmt.Errorf("%w: modify and compact fix modes must be exclusive", ErrInvalidArgument)
	}
	pageSize := pool.GetPageSize()
	if pageSize < HeaderPageMinSize {
		return nil, fmt.Errorf("%w: page size %d cannot hold the header (%d)", ErrInvalidArgument, pageSize, HeaderPageMinSize)
	}
	slotSize := SlotSize(cfg.PayloadSize)
	perPage := pageSize / slotSize
	if perPage == 0 || perPage > 1<<16 {
		return nil, fmt.Errorf("%w: %d slots of %d bytes per %d byte page", ErrInvalidArgument, perPage, slotSize, pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		pool:         pool,
		io:           disk,
		cfg:          cfg,
		owner:        owner,
		txns:         txns,
		logger:       logger.Named("slotstore").With(zap.String("handle", uuid.NewString())),
		slotSize:     slotSize,
		slotsPerPage: perPage,
		attached:     make(map[pagemanager.PageID]*attachedPage),
		pending:      make(map[pagemanager.PageID]struct{}),
	}
	if err := s.Recover(); err != nil {
		return nil, err
	}
	if err := s.Sync(); err != nil {
		return nil, err
	}
	if err := s.observeOwners(); err != nil {
		return nil, err
	}
	s.logger.Info("Opened slot store",
		zap.Int("slot_size", slotSize), zap.Int("slots_per_page", perPage),
		zap.Uint64("inserted", s.header.InsertedCount), zap.Stringer("last", s.header.Last))
	return s, nil
}

// observeOwners hands the largest owner id on the expunge list to the oracle.
// Every expunged or backup slot is on that list; a broken list falls back to
// reading every slot.
func (s *Store) observeOwners() (err error) {
	defer func() { err = multierr.Append(err, s.Release()) }()

	mode := s.cfg.Modes.Read
	var maxOwner TxnID
	note := func(st Status) {
		if st.onExpungeList() && st.Owner.IsReal() && st.Owner > maxOwner {
			maxOwner = st.Owner
		}
	}
	walkErr := func() error {
		limit := s.maxSlots()
		cur := s.header.FirstExpunged
		for steps := uint64(0); cur.IsValid(); steps++ {
			if steps > limit {
				return corrupt("open", cur, Status{}, "cycle in expunge list")
			}
			if err := s.releaseExcept(); err != nil {
				return err
			}
			_, st, err := s.loadSlot("open", cur, mode)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return corrupt("open", cur, st, "expunge list leaves the file")
				}
				return err
			}
			if !st.onExpungeList() {
				return corrupt("open", cur, st, "slot on the expunge list has the wrong status")
			}
			note(st)
			cur = st.Next
		}
		return nil
	}()
	if walkErr != nil {
		if !errors.Is(walkErr, ErrCorrupted) {
			return walkErr
		}
		s.logger.Warn("Expunge list is broken; reading every slot for owner ids", zap.Error(walkErr))
		for cur := s.nextLocator(objectid.InvalidObjectID); s.inRange(cur); cur = s.nextLocator(cur) {
			if cur.Index() == 0 {
				if err := s.releaseExcept(); err != nil {
					return err
				}
			}
			sl, err := s.slotAt(cur, mode)
			if err != nil {
				return err
			}
			if st, derr := decodeStatus(readSlotHeader(sl.bytes)); derr == nil {
				note(st)
			}
		}
	}
	if maxOwner.IsReal() {
		s.txns.Observe(uint64(maxOwner))
	}
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) PayloadSize() int  { return s.cfg.PayloadSize }
func (s *Store) SlotsPerPage() int { return s.slotsPerPage }

// Header returns the current metadata, uncommitted changes included.
func (s *Store) Header() Header { return s.header }

// --- attached pages ---

func (s *Store) attach(id pagemanager.PageID, mode pagemanager.FixMode) (*pagemanager.Page, error) {
	if ap, ok := s.attached[id]; ok {
		if !mode.Exclusive() || ap.mode.Exclusive() {
			return ap.page, nil
		}
		delete(s.attached, id)
		if err := s.pool.UnpinPage(ap.page, ap.mode, false); err != nil {
			return nil, err
		}
	}
	page, err := s.pool.FetchPage(id, mode)
	if err != nil {
		return nil, err
	}
	s.attached[id] = &attachedPage{page: page, mode: mode}
	return page, nil
}

func (s *Store) newPage(mode pagemanager.FixMode) (*pagemanager.Page, error) {
	page, err := s.pool.NewPage(mode)
	if err != nil {
		return nil, err
	}
	s.attached[page.GetPageID()] = &attachedPage{page: page, mode: mode}
	s.pending[page.GetPageID()] = struct{}{}
	return page, nil
}

// Release detaches every page attached by this handle. Modified pages stay
// dirty in the pool until Commit or Discard.
func (s *Store) Release() error { return s.releaseExcept() }

// releaseExcept detaches every attached page but keep. List walks call it at
// each step so they pin a bounded number of frames, batch mode included.
func (s *Store) releaseExcept(keep ...pagemanager.PageID) error {
	var err error
	for id, ap := range s.attached {
		if slices.Contains(keep, id) {
			continue
		}
		_, dirty := s.pending[id]
		err = multierr.Append(err, s.pool.UnpinPage(ap.page, ap.mode, dirty))
		delete(s.attached, id)
	}
	return err
}

// endOp releases pages at the end of an operation unless mode defers the
// release, and turns a corruption error into a discard of the whole batch.
func (s *Store) endOp(op string, mode pagemanager.FixMode, errp *error) {
	if *errp != nil && errors.Is(*errp, ErrCorrupted) {
		s.logger.Error("Slot corruption detected; discarding attached pages", zap.String("op", op), zap.Error(*errp))
		*errp = multierr.Append(*errp, s.Discard())
		return
	}
	if mode != pagemanager.FixBatch {
		*errp = multierr.Append(*errp, s.Release())
	}
}

// Commit writes back every page dirtied since the last Commit, then durably
// writes the header.
func (s *Store) Commit() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.Release()
	for id := range s.pending {
		err = multierr.Append(err, s.pool.FlushPage(id))
	}
	err = multierr.Append(err, s.pool.Sync())
	if err != nil {
		return err
	}
	if err := s.Sync(); err != nil {
		return err
	}
	clear(s.pending)
	s.committed = s.header
	return nil
}

// Discard drops every change since the last Commit: dirty pages are re-read
// from disk and the header reverts. Pages the pool already wrote back while
// evicting keep their new content.
func (s *Store) Discard() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.Release()
	for id := range s.pending {
		err = multierr.Append(err, s.pool.DiscardPage(id))
	}
	clear(s.pending)
	s.header = s.committed
	if !s.onDisk.equalContent(s.committed) {
		err = multierr.Append(err, s.syncHeaderInternal())
	}
	s.logger.Debug("Discarded uncommitted slot changes")
	return err
}

// Close commits nothing: callers Commit or Discard first. It releases pages
// and writes the header if it is stale.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	err := multierr.Append(s.Release(), s.Sync())
	s.closed = true
	s.logger.Info("Closed slot store")
	return err
}

// --- slot access ---

func (s *Store) maxSlots() uint64 {
	return uint64(s.header.Last.Page()+1) * uint64(s.slotsPerPage)
}

// inRange reports whether loc addresses a slot handed out so far.
func (s *Store) inRange(loc objectid.ObjectID) bool {
	if loc.Page() == 0 || int(loc.Index()) >= s.slotsPerPage || !s.header.Last.IsValid() {
		return false
	}
	last := s.header.Last
	return loc.Page() < last.Page() || (loc.Page() == last.Page() && loc.Index() <= last.Index())
}

// slot is an attached slot: its bytes stay valid until the page is released.
// bytes covers the header and the configured payload, not the padding.
type slot struct {
	loc   objectid.ObjectID
	bytes []byte
	page  pagemanager.PageID
}

func (sl slot) payload() []byte { return sl.bytes[slotHeaderSize:] }

func (s *Store) slotAt(loc objectid.ObjectID, mode pagemanager.FixMode) (slot, error) {
	if !s.inRange(loc) {
		return slot{}, fmt.Errorf("%w: %v", ErrNotFound, loc)
	}
	id := pagemanager.PageID(loc.Page())
	page, err := s.attach(id, mode)
	if err != nil {
		return slot{}, err
	}
	off := int(loc.Index()) * s.slotSize
	return slot{loc: loc, bytes: page.GetData()[off : off+slotHeaderSize+s.cfg.PayloadSize], page: id}, nil
}

func (s *Store) statusOf(op string, sl slot) (Status, error) {
	st, err := decodeStatus(readSlotHeader(sl.bytes))
	if err != nil {
		return st, corrupt(op, sl.loc, st, "%v", err)
	}
	return st, nil
}

// loadSlot attaches a slot and decodes its status.
func (s *Store) loadSlot(op string, loc objectid.ObjectID, mode pagemanager.FixMode) (slot, Status, error) {
	sl, err := s.slotAt(loc, mode)
	if err != nil {
		return sl, Status{}, err
	}
	st, err := s.statusOf(op, sl)
	return sl, st, err
}

func (s *Store) setStatus(sl slot, st Status) {
	st.encode().put(sl.bytes)
	s.pending[sl.page] = struct{}{}
}

func (s *Store) setPayload(sl slot, payload []byte) {
	p := sl.payload()
	n := copy(p, payload)
	clear(p[n:])
	s.pending[sl.page] = struct{}{}
}

// allocate returns a fresh slot, taking the head of the free list before
// extending the file.
func (s *Store) allocate(op string, mode pagemanager.FixMode) (slot, error) {
	if head := s.header.FirstFree; head.IsValid() {
		sl, st, err := s.loadSlot(op, head, mode)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return sl, corrupt(op, head, st, "free list head outside the file")
			}
			return sl, err
		}
		if st.Kind != StatusFree {
			return sl, corrupt(op, head, st, "free list head is not free")
		}
		s.header.FirstFree = st.Next
		return sl, nil
	}

	last := s.header.Last
	var loc objectid.ObjectID
	switch {
	case last.IsValid() && int(last.Index())+1 < s.slotsPerPage:
		loc = objectid.New(last.Page(), last.Index()+1)
		if _, err := s.attach(pagemanager.PageID(loc.Page()), mode); err != nil {
			return slot{}, err
		}
	default:
		next := uint64(1)
		if last.IsValid() {
			next = last.Page() + 1
		}
		if next > objectid.MaxPage {
			return slot{}, fmt.Errorf("%w: slot file is full", ErrInvalidArgument)
		}
		// A page left behind by a discarded batch is reused before growing.
		if next < s.pool.GetNumPages() {
			if _, err := s.attach(pagemanager.PageID(next), mode); err != nil {
				return slot{}, err
			}
		} else {
			page, err := s.newPage(mode)
			if err != nil {
				return slot{}, err
			}
			if uint64(page.GetPageID()) != next {
				return slot{}, fmt.Errorf("%w: pool allocated page %d, expected %d", ErrCorrupted, page.GetPageID(), next)
			}
		}
		loc = objectid.New(next, 0)
	}
	s.header.Last = loc
	return s.slotAt(loc, mode)
}

// Allocate returns a new slot with an empty payload.
func (s *Store) Allocate() (objectid.ObjectID, error) {
	return s.Insert(nil)
}

// Insert allocates a slot holding payload.
func (s *Store) Insert(payload []byte) (loc objectid.ObjectID, err error) {
	if err := s.checkOpen(); err != nil {
		return objectid.InvalidObjectID, err
	}
	if len(payload) > s.cfg.PayloadSize {
		return objectid.InvalidObjectID, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidArgument, len(payload), s.cfg.PayloadSize)
	}
	mode := s.cfg.Modes.Modify
	defer s.endOp("insert", mode, &err)

	sl, err := s.allocate("insert", mode)
	if err != nil {
		return objectid.InvalidObjectID, err
	}
	s.setStatus(sl, Inserted())
	s.setPayload(sl, payload)
	s.header.InsertedCount++
	return sl.loc, nil
}

// Seek returns a copy of the payload of a live slot.
func (s *Store) Seek(loc objectid.ObjectID) (payload []byte, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	mode := s.cfg.Modes.Read
	defer s.endOp("seek", mode, &err)

	sl, st, err := s.loadSlot("seek", loc, mode)
	if err != nil {
		return nil, err
	}
	if err := liveOrErr(loc, st); err != nil {
		return nil, err
	}
	return append([]byte(nil), sl.payload()...), nil
}

// Status returns the decoded status of a slot.
func (s *Store) Status(loc objectid.ObjectID) (st Status, err error) {
	if err := s.checkOpen(); err != nil {
		return Status{}, err
	}
	mode := s.cfg.Modes.Read
	defer s.endOp("status", mode, &err)
	_, st, err = s.loadSlot("status", loc, mode)
	return st, err
}

func liveOrErr(loc objectid.ObjectID, st Status) error {
	switch {
	case st.IsLive():
		return nil
	case st.onExpungeList():
		return fmt.Errorf("%w: %v", ErrExpunged, loc)
	}
	return fmt.Errorf("%w: %v is %v", ErrNotFound, loc, st.Kind)
}

// Write replaces the payload of a live slot without keeping a backup.
func (s *Store) Write(loc objectid.ObjectID, payload []byte) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(payload) > s.cfg.PayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidArgument, len(payload), s.cfg.PayloadSize)
	}
	mode := s.cfg.Modes.Modify
	defer s.endOp("write", mode, &err)

	sl, st, err := s.loadSlot("write", loc, mode)
	if err != nil {
		return err
	}
	if err := liveOrErr(loc, st); err != nil {
		return err
	}
	s.setPayload(sl, payload)
	return nil
}

// --- scanning ---

func (s *Store) nextLocator(loc objectid.ObjectID) objectid.ObjectID {
	if !loc.IsValid() {
		return objectid.New(1, 0)
	}
	if int(loc.Index())+1 < s.slotsPerPage {
		return objectid.New(loc.Page(), loc.Index()+1)
	}
	return objectid.New(loc.Page()+1, 0)
}

// Next advances the scan cursor to the next live slot and returns it with a
// copy of its payload. ErrEndOfScan marks the end.
func (s *Store) Next() (loc objectid.ObjectID, payload []byte, err error) {
	if err := s.checkOpen(); err != nil {
		return objectid.InvalidObjectID, nil, err
	}
	mode := s.cfg.Modes.Scan
	defer s.endOp("next", mode, &err)

	for cur := s.nextLocator(s.cursor); s.inRange(cur); cur = s.nextLocator(cur) {
		if cur.Index() == 0 {
			if err := s.releaseExcept(); err != nil {
				return objectid.InvalidObjectID, nil, err
			}
		}
		sl, st, err := s.loadSlot("next", cur, mode)
		if err != nil {
			return objectid.InvalidObjectID, nil, err
		}
		s.cursor = cur
		if st.IsLive() {
			return cur, append([]byte(nil), sl.payload()...), nil
		}
	}
	return objectid.InvalidObjectID, nil, ErrEndOfScan
}

// Mark returns a bookmark of the scan cursor.
func (s *Store) Mark() objectid.ObjectID { return s.cursor }

// Rewind moves the scan cursor back to a bookmark. The zero locator restarts
// the scan.
func (s *Store) Rewind(mark objectid.ObjectID) { s.cursor = mark }
