package slotstore

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

func checkTxn(txn TxnID) error {
	if !txn.IsReal() {
		return fmt.Errorf("%w: transaction id %d is reserved", ErrInvalidArgument, uint64(txn))
	}
	return nil
}

// pushExpunged threads sl onto the head of the expunge list as st.
func (s *Store) pushExpunged(sl slot, st Status) {
	s.setStatus(sl, st.withNext(s.header.FirstExpunged))
	s.header.FirstExpunged = sl.loc
}

// pushFree threads sl onto the head of the free list and clears its payload.
func (s *Store) pushFree(sl slot) {
	s.setStatus(sl, Free(s.header.FirstFree))
	s.setPayload(sl, nil)
	s.header.FirstFree = sl.loc
}

// unlinkList removes target from the list starting at head. member says
// which statuses may appear on the list; setHead replaces the list head.
// Pages in keep hold slots of the caller and stay attached during the walk.
func (s *Store) unlinkList(op, list string, head, target objectid.ObjectID, mode pagemanager.FixMode,
	member func(Status) bool, setHead func(objectid.ObjectID), keep []pagemanager.PageID) error {
	var prev slot
	var prevSt Status
	hasPrev := false
	limit := s.maxSlots()
	for cur, steps := head, uint64(0); cur.IsValid(); steps++ {
		if steps > limit {
			return corrupt(op, cur, Status{}, "cycle in %s list", list)
		}
		pinned := keep
		if hasPrev {
			pinned = append(slices.Clip(keep), prev.page)
		}
		if err := s.releaseExcept(pinned...); err != nil {
			return err
		}
		sl, st, err := s.loadSlot(op, cur, mode)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return corrupt(op, cur, st, "%s list leaves the file", list)
			}
			return err
		}
		if !member(st) {
			return corrupt(op, cur, st, "slot on the %s list has the wrong status", list)
		}
		if cur == target {
			if hasPrev {
				s.setStatus(prev, prevSt.withNext(st.Next))
			} else {
				setHead(st.Next)
			}
			return nil
		}
		prev, prevSt, hasPrev = sl, st, true
		cur = st.Next
	}
	return corrupt(op, target, Status{}, "slot is not on the %s list", list)
}

func (s *Store) unlinkExpunged(op string, target objectid.ObjectID, mode pagemanager.FixMode, keep ...pagemanager.PageID) error {
	return s.unlinkList(op, "expunge", s.header.FirstExpunged, target, mode,
		Status.onExpungeList, func(next objectid.ObjectID) { s.header.FirstExpunged = next }, keep)
}

func (s *Store) unlinkFree(op string, target objectid.ObjectID, mode pagemanager.FixMode, keep ...pagemanager.PageID) error {
	return s.unlinkList(op, "free", s.header.FirstFree, target, mode,
		func(st Status) bool { return st.Kind == StatusFree },
		func(next objectid.ObjectID) { s.header.FirstFree = next }, keep)
}

// backupOf loads the backup slot of a slot in InsertedWithBackup state and
// checks that the two point at each other.
func (s *Store) backupOf(op string, live slot, st Status, mode pagemanager.FixMode) (slot, Status, error) {
	bsl, bst, err := s.loadSlot(op, st.Backup, mode)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return bsl, bst, corrupt(op, live.loc, st, "backup slot outside the file")
		}
		return bsl, bst, err
	}
	if bst.Kind != StatusBackup || bst.Origin != live.loc {
		return bsl, bst, corrupt(op, st.Backup, bst, "is not the backup of %v", live.loc)
	}
	return bsl, bst, nil
}

// dropBackup discards the backup of a finished transaction: its payload is
// reclaimed, the slot is freed and live goes back to plain Inserted.
func (s *Store) dropBackup(op string, live, bsl slot, mode pagemanager.FixMode) error {
	if err := s.owner.Reclaim(bsl.payload()); err != nil {
		return err
	}
	if err := s.unlinkExpunged(op, bsl.loc, mode, live.page, bsl.page); err != nil {
		return err
	}
	s.pushFree(bsl)
	s.setStatus(live, Inserted())
	return nil
}

// restoreBackup copies the backup image over live, frees the backup slot and
// returns live to plain Inserted.
func (s *Store) restoreBackup(op string, live, bsl slot, mode pagemanager.FixMode) error {
	if err := s.owner.Restore(live.payload(), bsl.payload()); err != nil {
		return err
	}
	s.setPayload(live, bsl.payload())
	if err := s.unlinkExpunged(op, bsl.loc, mode, live.page, bsl.page); err != nil {
		return err
	}
	s.pushFree(bsl)
	s.setStatus(live, Inserted())
	return nil
}

// settleBackup resolves an existing backup left by another transaction
// before txn may change the slot. It reports whether txn already owns it.
func (s *Store) settleBackup(op string, sl slot, st Status, txn TxnID, mode pagemanager.FixMode) (slot, bool, error) {
	bsl, bst, err := s.backupOf(op, sl, st, mode)
	if err != nil {
		return bsl, false, err
	}
	if bst.Owner == txn {
		return bsl, true, nil
	}
	if s.txns.IsActive(uint64(bst.Owner)) {
		return bsl, false, fmt.Errorf("%w: %v was updated by transaction %d", ErrRecordBusy, sl.loc, uint64(bst.Owner))
	}
	return bsl, false, s.dropBackup(op, sl, bsl, mode)
}

// Update replaces the payload of a live slot on behalf of txn. The first
// update by a transaction copies the old payload into a backup slot on the
// expunge list so UndoUpdate can restore it; later updates by the same
// transaction reclaim the intermediate payload instead. The locator does not
// change.
func (s *Store) Update(loc objectid.ObjectID, txn TxnID, payload []byte) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := checkTxn(txn); err != nil {
		return err
	}
	if len(payload) > s.cfg.PayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidArgument, len(payload), s.cfg.PayloadSize)
	}
	mode := s.cfg.Modes.Modify
	defer s.endOp("update", mode, &err)

	sl, st, err := s.loadSlot("update", loc, mode)
	if err != nil {
		return err
	}
	switch st.Kind {
	case StatusInserted:
	case StatusInsertedWithBackup:
		_, own, err := s.settleBackup("update", sl, st, txn, mode)
		if err != nil {
			return err
		}
		if own {
			if err := s.owner.Reclaim(sl.payload()); err != nil {
				return err
			}
			s.setPayload(sl, payload)
			return nil
		}
	default:
		return liveOrErr(loc, st)
	}

	bsl, err := s.allocate("update", mode)
	if err != nil {
		return err
	}
	s.setPayload(bsl, sl.payload())
	s.pushExpunged(bsl, Backup(objectid.InvalidObjectID, txn, loc))
	s.setStatus(sl, InsertedWithBackup(bsl.loc))
	s.setPayload(sl, payload)
	return nil
}

// UndoUpdate restores the payload a transaction's first Update replaced. A
// slot without a backup has nothing to undo, which happens when the same
// transaction expunged the record and the expunge was undone already.
func (s *Store) UndoUpdate(loc objectid.ObjectID, txn TxnID) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := checkTxn(txn); err != nil {
		return err
	}
	mode := s.cfg.Modes.Modify
	defer s.endOp("undo_update", mode, &err)

	sl, st, err := s.loadSlot("undo_update", loc, mode)
	if err != nil {
		return err
	}
	switch st.Kind {
	case StatusInserted:
		s.logger.Debug("No backup to restore", zap.Stringer("locator", loc))
		return nil
	case StatusInsertedWithBackup:
	default:
		return liveOrErr(loc, st)
	}
	bsl, bst, err := s.backupOf("undo_update", sl, st, mode)
	if err != nil {
		return err
	}
	if bst.Owner != txn {
		return fmt.Errorf("%w: backup of %v belongs to transaction %d", ErrRecordBusy, loc, uint64(bst.Owner))
	}
	return s.restoreBackup("undo_update", sl, bsl, mode)
}

// Expunge deletes a live slot on behalf of txn by threading it onto the
// expunge list. If txn updated the slot earlier, the pre-update image is put
// back first so the slot carries a single undo record.
func (s *Store) Expunge(loc objectid.ObjectID, txn TxnID) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := checkTxn(txn); err != nil {
		return err
	}
	mode := s.cfg.Modes.Modify
	defer s.endOp("expunge", mode, &err)

	sl, st, err := s.loadSlot("expunge", loc, mode)
	if err != nil {
		return err
	}
	switch st.Kind {
	case StatusInserted:
	case StatusInsertedWithBackup:
		bsl, own, err := s.settleBackup("expunge", sl, st, txn, mode)
		if err != nil {
			return err
		}
		if own {
			if err := s.restoreBackup("expunge", sl, bsl, mode); err != nil {
				return err
			}
		}
	default:
		return liveOrErr(loc, st)
	}
	s.pushExpunged(sl, Expunged(objectid.InvalidObjectID, txn))
	s.header.InsertedCount--
	return nil
}

// UndoExpunge makes an expunged slot live again. A slot that compaction
// already moved to the free list is taken off it; its payload is gone and
// comes back as the owner's all-null image.
func (s *Store) UndoExpunge(loc objectid.ObjectID, txn TxnID) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := checkTxn(txn); err != nil {
		return err
	}
	mode := s.cfg.Modes.Modify
	defer s.endOp("undo_expunge", mode, &err)

	sl, st, err := s.loadSlot("undo_expunge", loc, mode)
	if err != nil {
		return err
	}
	switch st.Kind {
	case StatusExpunged:
		if st.Owner != txn {
			return fmt.Errorf("%w: %v was expunged by transaction %d", ErrRecordBusy, loc, uint64(st.Owner))
		}
		if err := s.unlinkExpunged("undo_expunge", loc, mode, sl.page); err != nil {
			return err
		}
	case StatusFree:
		if err := s.unlinkFree("undo_expunge", loc, mode, sl.page); err != nil {
			return err
		}
		if err := s.owner.Blank(sl.payload()); err != nil {
			return err
		}
	case StatusBackup:
		return fmt.Errorf("%w: %v is the backup of %v", ErrInvalidArgument, loc, st.Origin)
	case StatusUninitialized:
		return fmt.Errorf("%w: %v", ErrNotFound, loc)
	default:
		return fmt.Errorf("%w: %v is not expunged", ErrInvalidArgument, loc)
	}
	s.setStatus(sl, Inserted())
	s.header.InsertedCount++
	return nil
}
