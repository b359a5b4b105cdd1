package slotstore

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Compact walks the expunge list and moves entries to the free list. With a
// valid target only that entry is reclaimed, whoever owns it; otherwise every
// entry whose owning transaction is no longer active is reclaimed. Reclaiming
// a backup also returns its origin slot to plain Inserted. It returns the
// number of slots freed. The walk keeps only the previous list entry and the
// slots in hand attached, so lists longer than the pool compact too.
func (s *Store) Compact(target objectid.ObjectID) (n int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	mode := s.cfg.Modes.Compact
	defer s.endOp("compact", mode, &err)

	active := make(map[TxnID]bool)
	isActive := func(t TxnID) bool {
		v, ok := active[t]
		if !ok {
			v = s.txns.IsActive(uint64(t))
			active[t] = v
		}
		return v
	}

	var prev slot
	var prevSt Status
	hasPrev := false
	limit := s.maxSlots()
	cur := s.header.FirstExpunged
	for steps := uint64(0); cur.IsValid(); steps++ {
		if steps > limit {
			return n, corrupt("compact", cur, Status{}, "cycle in expunge list")
		}
		var keep []pagemanager.PageID
		if hasPrev {
			keep = append(keep, prev.page)
		}
		if err := s.releaseExcept(keep...); err != nil {
			return n, err
		}
		sl, st, err := s.loadSlot("compact", cur, mode)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return n, corrupt("compact", cur, st, "expunge list leaves the file")
			}
			return n, err
		}
		if !st.onExpungeList() {
			return n, corrupt("compact", cur, st, "slot on the expunge list has the wrong status")
		}
		next := st.Next

		eligible := !isActive(st.Owner)
		if target.IsValid() {
			eligible = cur == target
		}
		if !eligible {
			prev, prevSt, hasPrev = sl, st, true
			cur = next
			continue
		}

		if hasPrev {
			prevSt = prevSt.withNext(next)
			s.setStatus(prev, prevSt)
		} else {
			s.header.FirstExpunged = next
		}
		if st.Kind == StatusBackup {
			osl, ost, err := s.loadSlot("compact", st.Origin, mode)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return n, corrupt("compact", cur, st, "origin outside the file")
				}
				return n, err
			}
			if ost.Kind != StatusInsertedWithBackup || ost.Backup != cur {
				return n, corrupt("compact", st.Origin, ost, "does not point back at backup %v", cur)
			}
			s.setStatus(osl, Inserted())
		}
		if err := s.owner.Reclaim(sl.payload()); err != nil {
			return n, err
		}
		s.pushFree(sl)
		n++
		if target.IsValid() {
			break
		}
		cur = next
	}
	if target.IsValid() && n == 0 {
		return 0, fmt.Errorf("%w: %v is not on the expunge list", ErrNotFound, target)
	}
	if n > 0 {
		s.logger.Debug("Compacted expunged slots", zap.Int("freed", n))
	}
	return n, nil
}
