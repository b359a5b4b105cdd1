package record

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sushant-115/gojostore/config"
	"github.com/sushant-115/gojostore/core/storage_engine/area"
	"github.com/sushant-115/gojostore/core/storage_engine/chain"
	"github.com/sushant-115/gojostore/core/storage_engine/codec"
	"github.com/sushant-115/gojostore/core/storage_engine/slotstore"
	"github.com/sushant-115/gojostore/core/write_engine/bufferpool"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	SlotFileName = "slots.db"
	AreaFileName = "areas.db"
)

// OpenDir opens (creating when missing) the slot and area files of a record
// store in dir. The returned store owns both files and closes them.
func OpenDir(dir string, schema *codec.Schema, cfg config.StorageConfig, txns slotstore.TxnOracle,
	logger *zap.Logger, tel *telemetry.Telemetry) (st *Store, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dir, err)
	}
	modes := slotstore.DefaultFixModes()
	if cfg.FixModes != nil {
		modes = *cfg.FixModes
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				err = multierr.Append(err, closers[i]())
			}
		}
	}()

	dm, err := flushmanager.NewDiskManager(filepath.Join(dir, SlotFileName), cfg.PageSize, logger)
	if err != nil {
		return nil, err
	}
	if _, err := dm.Open(true); err != nil {
		return nil, err
	}
	closers = append(closers, dm.Close)
	pool, err := bufferpool.NewBufferPoolManager(cfg.PoolSize, dm, logger)
	if err != nil {
		return nil, err
	}

	var chains *chain.Allocator
	if schema.HasVariable() {
		areas, err := area.Open(filepath.Join(dir, AreaFileName), cfg.AreaUnit, logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, areas.Close)
		chains, err = chain.NewAllocator(areas, chain.Config{MaxBlockSize: cfg.MaxBlockSize, Alignment: cfg.Alignment}, logger)
		if err != nil {
			return nil, err
		}
	}

	st, err = Open(Options{
		Schema:    schema,
		Pool:      pool,
		Disk:      dm,
		Chains:    chains,
		Modes:     modes,
		Txns:      txns,
		Logger:    logger,
		Telemetry: tel,
	})
	if err != nil {
		return nil, err
	}
	st.closers = closers
	return st, nil
}
