package record

import (
	"context"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	"github.com/sushant-115/gojostore/core/storage_engine/slotstore"
	"go.uber.org/zap"
)

type VerifyOptions struct {
	// Correct repairs the stored record count.
	Correct bool
	// PagesPerSecond throttles the slot walk; zero is unthrottled.
	PagesPerSecond int
}

// Verify checks the slot file and every chain a slot still references (live
// records and the deleted or pre-update images awaiting compaction), reporting
// findings to sink.
func (s *Store) Verify(ctx context.Context, sink common.VerifySink, opts VerifyOptions) (err error) {
	ctx, done := s.begin(ctx, "verify")
	defer done(&err)
	defer s.release(&err)

	chains := 0
	visit := func(id objectid.ObjectID, payload []byte) error {
		loc := s.varLoc(payload)
		if !loc.IsValid() {
			return nil
		}
		chains++
		err := s.vars.Verify(loc, sink)
		if rerr := s.chains.Release(); err == nil {
			err = rerr
		}
		return err
	}
	err = s.slots.Verify(ctx, sink, slotstore.VerifyOptions{
		Correct:        opts.Correct,
		PagesPerSecond: opts.PagesPerSecond,
		Visit:          visit,
	})
	if err != nil {
		return err
	}
	s.logger.Info("Verified record store", zap.Uint64("records", s.Count()), zap.Int("chains", chains))
	return nil
}
