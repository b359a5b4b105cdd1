package slotstore

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const component = "slotstore"

type VerifyOptions struct {
	// Correct rewrites redundant header state that disagrees with the slots.
	Correct bool
	// PagesPerSecond throttles the page walk; zero means unthrottled.
	PagesPerSecond int
	// Visit is called with a copy of the payload of every slot that still
	// holds one: live slots and the expunged and backup slots awaiting
	// compaction.
	Visit func(loc objectid.ObjectID, payload []byte) error
}

type verifiedSlot struct {
	loc objectid.ObjectID
	st  Status
}

// Verify walks every slot handed out so far and checks the slot states, the
// backup links and both lists against each other and against the header.
// Findings go to sink; Verify itself only fails on I/O, cancellation or a
// sink asking it to stop.
func (s *Store) Verify(ctx context.Context, sink common.VerifySink, opts VerifyOptions) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	mode := s.cfg.Modes.Verify
	defer func() {
		err = multierr.Append(err, s.Release())
	}()

	report := func(sev common.Severity, loc objectid.ObjectID, format string, args ...any) error {
		return sink.Report(common.Mismatch{
			Severity:  sev,
			Component: component,
			Object:    loc,
			Message:   fmt.Sprintf(format, args...),
		})
	}

	throttle := common.NewThrottle(opts.PagesPerSecond)
	var (
		slots                     []verifiedSlot
		byLoc                     = make(map[objectid.ObjectID]Status)
		live, free, onExpungeList uint64
	)
	lastPage := uint64(0)
	if s.header.Last.IsValid() {
		lastPage = s.header.Last.Page()
	}
	for page := uint64(1); page <= lastPage; page++ {
		if err := throttle.Wait(ctx, 1); err != nil {
			return err
		}
		for idx := 0; idx < s.slotsPerPage; idx++ {
			loc := objectid.New(page, uint16(idx))
			if !s.inRange(loc) {
				break
			}
			sl, err := s.slotAt(loc, mode)
			if err != nil {
				return err
			}
			st, derr := decodeStatus(readSlotHeader(sl.bytes))
			if derr != nil {
				if err := report(common.SeverityFatal, loc, "undecodable slot header: %v", derr); err != nil {
					return err
				}
				continue
			}
			slots = append(slots, verifiedSlot{loc: loc, st: st})
			byLoc[loc] = st
			if opts.Visit != nil && (st.IsLive() || st.onExpungeList()) {
				if err := opts.Visit(loc, append([]byte(nil), sl.payload()...)); err != nil {
					return err
				}
			}
			switch {
			case st.IsLive():
				live++
			case st.Kind == StatusFree:
				free++
			case st.onExpungeList():
				onExpungeList++
			default:
				if err := report(common.SeverityFatal, loc, "%v slot below the last allocated one", st.Kind); err != nil {
					return err
				}
			}
		}
		if err := s.Release(); err != nil {
			return err
		}
		sink.Progress("slots", page, lastPage)
	}

	for _, vs := range slots {
		switch vs.st.Kind {
		case StatusInsertedWithBackup:
			b, ok := byLoc[vs.st.Backup]
			if !ok || b.Kind != StatusBackup || b.Origin != vs.loc {
				if err := report(common.SeverityFatal, vs.loc, "backup %v does not point back", vs.st.Backup); err != nil {
					return err
				}
			}
		case StatusBackup:
			o, ok := byLoc[vs.st.Origin]
			if !ok || o.Kind != StatusInsertedWithBackup || o.Backup != vs.loc {
				if err := report(common.SeverityFatal, vs.loc, "origin %v does not point at this backup", vs.st.Origin); err != nil {
					return err
				}
			}
		}
	}

	walk := func(name string, head objectid.ObjectID, member func(Status) bool) (uint64, error) {
		seen := make(map[objectid.ObjectID]struct{})
		var n uint64
		for cur := head; cur.IsValid(); {
			if _, dup := seen[cur]; dup {
				return n, report(common.SeverityFatal, cur, "cycle in %s list", name)
			}
			st, ok := byLoc[cur]
			if !ok {
				return n, report(common.SeverityFatal, cur, "%s list points at a slot that was not handed out", name)
			}
			if !member(st) {
				return n, report(common.SeverityFatal, cur, "%v slot on the %s list", st, name)
			}
			seen[cur] = struct{}{}
			n++
			cur = st.Next
		}
		return n, nil
	}
	freeLen, err := walk("free", s.header.FirstFree, func(st Status) bool { return st.Kind == StatusFree })
	if err != nil {
		return err
	}
	if freeLen != free {
		if err := report(common.SeverityFatal, s.header.FirstFree, "free list holds %d of %d free slots", freeLen, free); err != nil {
			return err
		}
	}
	expLen, err := walk("expunge", s.header.FirstExpunged, Status.onExpungeList)
	if err != nil {
		return err
	}
	if expLen != onExpungeList {
		if err := report(common.SeverityFatal, s.header.FirstExpunged, "expunge list holds %d of %d expunged slots", expLen, onExpungeList); err != nil {
			return err
		}
	}

	if live != s.header.InsertedCount {
		if err := report(common.SeverityInconsistent, objectid.InvalidObjectID,
			"header counts %d inserted slots, found %d", s.header.InsertedCount, live); err != nil {
			return err
		}
		if opts.Correct {
			s.logger.Warn("Correcting inserted count",
				zap.Uint64("header", s.header.InsertedCount), zap.Uint64("found", live))
			delta := live - s.header.InsertedCount
			s.header.InsertedCount = live
			s.committed.InsertedCount += delta
			if err := s.Sync(); err != nil {
				return err
			}
		}
	}
	s.logger.Info("Verified slot file",
		zap.Uint64("live", live), zap.Uint64("free", free), zap.Uint64("expunged", onExpungeList))
	return nil
}
