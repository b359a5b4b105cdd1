// Package record binds the fixed slot of a record to the chain holding its
// variable columns. Variable data is always written before the slot that
// embeds its locator, so a slot never points at a chain that was not
// written.
package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojostore/core/storage_engine/chain"
	"github.com/sushant-115/gojostore/core/storage_engine/codec"
	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	"github.com/sushant-115/gojostore/core/storage_engine/slotstore"
	"github.com/sushant-115/gojostore/core/storage_engine/varstore"
	"github.com/sushant-115/gojostore/core/transaction"
	"github.com/sushant-115/gojostore/core/write_engine/bufferpool"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrInvalidObjectID = errors.New("record: invalid object id")
	ErrSchemaMismatch  = errors.New("record: value does not match the schema")
	ErrNoTransaction   = errors.New("record: operation needs a transaction")
)

type Options struct {
	Schema *codec.Schema
	Pool   *bufferpool.BufferPoolManager
	Disk   *flushmanager.DiskManager
	// Chains stores the variable columns; required when the schema has any.
	Chains *chain.Allocator
	Modes  slotstore.FixModes
	Txns   slotstore.TxnOracle
	Logger *zap.Logger
	// Telemetry may be nil.
	Telemetry *telemetry.Telemetry
}

// Store is one handle on a record file. Like the slot store under it, a
// handle is used by one goroutine at a time.
type Store struct {
	schema    *codec.Schema
	slots     *slotstore.Store
	vars      *varstore.Store
	chains    *chain.Allocator
	varOffset int

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.StoreMetrics

	closers []func() error
}

// PayloadSize is the slot payload a schema needs: the fixed layout plus the
// locator of the variable chain.
func PayloadSize(schema *codec.Schema) int {
	n := schema.FixedSize()
	if schema.HasVariable() {
		n += objectid.Size
	}
	return max(n, objectid.Size)
}

func Open(opts Options) (*Store, error) {
	if opts.Schema == nil {
		return nil, fmt.Errorf("%w: schema is required", ErrSchemaMismatch)
	}
	if opts.Schema.HasVariable() && opts.Chains == nil {
		return nil, fmt.Errorf("%w: schema has variable columns but no chain allocator", ErrSchemaMismatch)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := internaltelemetry.NewStoreMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create store metrics: %w", err)
	}

	s := &Store{
		schema:    opts.Schema,
		varOffset: opts.Schema.FixedSize(),
		logger:    logger.Named("record").With(zap.String("handle", uuid.NewString())),
		tracer:    tel.Tracer,
		metrics:   metrics,
	}
	if opts.Schema.HasVariable() {
		s.chains = opts.Chains
		if s.vars, err = varstore.New(opts.Chains, opts.Schema, logger); err != nil {
			return nil, err
		}
	}
	s.slots, err = slotstore.Open(opts.Pool, opts.Disk,
		slotstore.Config{PayloadSize: PayloadSize(opts.Schema), Modes: opts.Modes},
		slotOwner{s}, opts.Txns, logger)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Opened record store",
		zap.Int("columns", opts.Schema.NumColumns()), zap.Int("payload_size", s.slots.PayloadSize()))
	return s, nil
}

func (s *Store) Schema() *codec.Schema { return s.schema }

// Header returns the slot file metadata, uncommitted changes included.
func (s *Store) Header() slotstore.Header { return s.slots.Header() }

// Count is the number of live records.
func (s *Store) Count() uint64 { return s.slots.Header().InsertedCount }

// slotOwner frees the chain a slot payload references when the payload goes
// away.
type slotOwner struct{ s *Store }

func (o slotOwner) Reclaim(payload []byte) error {
	if loc := o.s.varLoc(payload); loc.IsValid() {
		return o.s.vars.Erase(loc)
	}
	return nil
}

func (o slotOwner) Restore(current, backup []byte) error {
	if cur := o.s.varLoc(current); cur.IsValid() && cur != o.s.varLoc(backup) {
		return o.s.vars.Erase(cur)
	}
	return nil
}

// Blank writes an all-null record; the variable locator stays "none".
func (o slotOwner) Blank(payload []byte) error {
	return o.s.schema.EncodeFixed(payload, make([]any, o.s.schema.NumColumns()))
}

func (s *Store) varLoc(payload []byte) objectid.ObjectID {
	if s.vars == nil {
		return objectid.InvalidObjectID
	}
	return objectid.FromBytes(payload[s.varOffset : s.varOffset+objectid.Size])
}

// begin opens the span of a public operation; the returned func records the
// outcome.
func (s *Store) begin(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := s.tracer.Start(ctx, "record."+op, trace.WithAttributes(attribute.String("gojostore.op", op)))
	start := time.Now()
	return ctx, func(errp *error) {
		attrs := metric.WithAttributes(attribute.String("op", op))
		s.metrics.OpLatency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), attrs)
		if err := *errp; err != nil && !errors.Is(err, slotstore.ErrEndOfScan) {
			s.metrics.OpErrors.Add(ctx, 1, attrs)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// release detaches the blocks an operation attached. After a slot
// corruption the chain changes of the batch are dropped as well.
func (s *Store) release(errp *error) {
	if s.chains == nil {
		return
	}
	if *errp != nil && errors.Is(*errp, slotstore.ErrCorrupted) {
		*errp = multierr.Append(*errp, s.chains.Discard())
		return
	}
	*errp = multierr.Append(*errp, s.chains.Release())
}

func schemaErr(err error) error {
	return fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
}

func checkID(id objectid.ObjectID) error {
	if !id.IsValid() {
		return ErrInvalidObjectID
	}
	return nil
}

func checkTxn(txn *transaction.Transaction) error {
	if txn == nil {
		return ErrNoTransaction
	}
	return nil
}

// Insert stores row, one value per column with nil for null. With a non-nil
// txn the insert is logged so that aborting txn deletes the record again.
func (s *Store) Insert(ctx context.Context, txn *transaction.Transaction, row []any) (id objectid.ObjectID, err error) {
	ctx, done := s.begin(ctx, "insert")
	defer done(&err)
	defer s.release(&err)

	if len(row) != s.schema.NumColumns() {
		return objectid.InvalidObjectID, fmt.Errorf("%w: %d values for %d columns", ErrSchemaMismatch, len(row), s.schema.NumColumns())
	}
	payload := make([]byte, s.slots.PayloadSize())
	if err := s.schema.EncodeFixed(payload, row); err != nil {
		return objectid.InvalidObjectID, schemaErr(err)
	}
	varLoc := objectid.InvalidObjectID
	if s.vars != nil {
		values := make([]any, 0, s.vars.NumFields())
		for _, col := range s.schema.VariableColumns() {
			values = append(values, row[col])
		}
		if varLoc, err = s.vars.Insert(values); err != nil {
			if errors.Is(err, codec.ErrTypeMismatch) || errors.Is(err, codec.ErrMalformedField) {
				return objectid.InvalidObjectID, schemaErr(err)
			}
			return objectid.InvalidObjectID, err
		}
		varLoc.Put(payload[s.varOffset:])
	}

	id, err = s.slots.Insert(payload)
	if err != nil {
		if varLoc.IsValid() {
			err = multierr.Append(err, s.vars.Erase(varLoc))
		}
		return objectid.InvalidObjectID, err
	}
	if txn != nil {
		txn.Record(transaction.OpInsert, id)
	}
	s.metrics.RecordsInserted.Add(ctx, 1)
	s.logger.Debug("Inserted record", zap.Stringer("id", id), zap.Stringer("var", varLoc))
	return id, nil
}

// Read returns the requested columns of a live record in the order given;
// no columns means all of them.
func (s *Store) Read(ctx context.Context, id objectid.ObjectID, cols ...int) (values []any, err error) {
	_, done := s.begin(ctx, "read")
	defer done(&err)
	defer s.release(&err)

	if err := checkID(id); err != nil {
		return nil, err
	}
	payload, err := s.slots.Seek(id)
	if err != nil {
		return nil, err
	}
	return s.decode(id, payload, cols)
}

func (s *Store) decode(id objectid.ObjectID, payload []byte, cols []int) ([]any, error) {
	if len(cols) == 0 {
		cols = make([]int, s.schema.NumColumns())
		for i := range cols {
			cols[i] = i
		}
	}
	values := make([]any, len(cols))
	var fields, at []int
	for i, col := range cols {
		if col < 0 || col >= s.schema.NumColumns() {
			return nil, fmt.Errorf("%w: column %d out of range", ErrSchemaMismatch, col)
		}
		if vi, ok := s.schema.VariableIndex(col); ok {
			fields = append(fields, vi)
			at = append(at, i)
			continue
		}
		v, err := s.schema.DecodeFixed(payload, col)
		if err != nil {
			return nil, fmt.Errorf("column %d of %v: %w", col, id, err)
		}
		values[i] = v
	}
	if len(fields) == 0 {
		return values, nil
	}
	loc := s.varLoc(payload)
	if !loc.IsValid() {
		return values, nil
	}
	vars, err := s.vars.Read(loc, fields)
	if err != nil {
		return nil, fmt.Errorf("variable columns of %v: %w", id, err)
	}
	for j, i := range at {
		values[i] = vars[j]
	}
	return values, nil
}

// Update applies changes (column index to new value, nil for null) to a
// live record on behalf of txn. The variable columns always move to a new
// chain; unchanged ones are copied byte for byte. The first update by txn
// keeps the old image until txn ends, for UndoUpdate.
func (s *Store) Update(ctx context.Context, txn *transaction.Transaction, id objectid.ObjectID, changes map[int]any) (err error) {
	ctx, done := s.begin(ctx, "update")
	defer done(&err)
	defer s.release(&err)

	if err := checkTxn(txn); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	payload, err := s.slots.Seek(id)
	if err != nil {
		return err
	}
	next := append([]byte(nil), payload...)
	varChanges := make(map[int]any)
	for col, v := range changes {
		if col < 0 || col >= s.schema.NumColumns() {
			return fmt.Errorf("%w: column %d out of range", ErrSchemaMismatch, col)
		}
		if vi, ok := s.schema.VariableIndex(col); ok {
			varChanges[vi] = v
			continue
		}
		if err := s.schema.SetFixed(next, col, v); err != nil {
			return schemaErr(err)
		}
	}

	newLoc := objectid.InvalidObjectID
	if s.vars != nil {
		if old := s.varLoc(payload); old.IsValid() {
			newLoc, err = s.vars.Update(old, varChanges)
		} else {
			values := make([]any, s.vars.NumFields())
			for vi, v := range varChanges {
				values[vi] = v
			}
			newLoc, err = s.vars.Insert(values)
		}
		if err != nil {
			if errors.Is(err, codec.ErrTypeMismatch) || errors.Is(err, codec.ErrMalformedField) {
				return schemaErr(err)
			}
			return err
		}
		newLoc.Put(next[s.varOffset:])
	}

	if err := s.slots.Update(id, slotstore.TxnID(txn.ID), next); err != nil {
		if newLoc.IsValid() {
			err = multierr.Append(err, s.vars.Erase(newLoc))
		}
		return err
	}
	txn.Record(transaction.OpUpdate, id)
	s.metrics.RecordsUpdated.Add(ctx, 1)
	return nil
}

// Delete expunges a record on behalf of txn. It stays reclaimable by
// UndoDelete until compaction runs after txn ends.
func (s *Store) Delete(ctx context.Context, txn *transaction.Transaction, id objectid.ObjectID) (err error) {
	ctx, done := s.begin(ctx, "delete")
	defer done(&err)
	defer s.release(&err)

	if err := checkTxn(txn); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	if err := s.slots.Expunge(id, slotstore.TxnID(txn.ID)); err != nil {
		return err
	}
	txn.Record(transaction.OpDelete, id)
	s.metrics.RecordsExpunged.Add(ctx, 1)
	return nil
}

func (s *Store) UndoDelete(ctx context.Context, txn *transaction.Transaction, id objectid.ObjectID) (err error) {
	_, done := s.begin(ctx, "undo_delete")
	defer done(&err)
	defer s.release(&err)

	if err := checkTxn(txn); err != nil {
		return err
	}
	return s.slots.UndoExpunge(id, slotstore.TxnID(txn.ID))
}

func (s *Store) UndoUpdate(ctx context.Context, txn *transaction.Transaction, id objectid.ObjectID) (err error) {
	_, done := s.begin(ctx, "undo_update")
	defer done(&err)
	defer s.release(&err)

	if err := checkTxn(txn); err != nil {
		return err
	}
	return s.slots.UndoUpdate(id, slotstore.TxnID(txn.ID))
}

// Undo reverts one logged operation; it lets a transaction manager abort
// through the store.
func (s *Store) Undo(ctx context.Context, txn uint64, op transaction.TransactionOperation) (err error) {
	_, done := s.begin(ctx, "undo")
	defer done(&err)
	defer s.release(&err)

	switch op.Kind {
	case transaction.OpInsert:
		return s.slots.Expunge(op.Object, slotstore.TxnID(txn))
	case transaction.OpUpdate:
		return s.slots.UndoUpdate(op.Object, slotstore.TxnID(txn))
	case transaction.OpDelete:
		return s.slots.UndoExpunge(op.Object, slotstore.TxnID(txn))
	}
	return fmt.Errorf("unknown operation %v", op.Kind)
}

// Compact reclaims expunged records and stale pre-update images, freeing
// their chains at the next Commit. See slotstore.Store.Compact for target.
func (s *Store) Compact(ctx context.Context, target objectid.ObjectID) (n int, err error) {
	ctx, done := s.begin(ctx, "compact")
	defer done(&err)
	defer s.release(&err)

	n, err = s.slots.Compact(target)
	if n > 0 {
		s.metrics.RecordsCompacted.Add(ctx, int64(n))
	}
	return n, err
}

// Next returns the next live record of the scan with all its columns.
func (s *Store) Next(ctx context.Context) (id objectid.ObjectID, values []any, err error) {
	_, done := s.begin(ctx, "next")
	defer done(&err)
	defer s.release(&err)

	id, payload, err := s.slots.Next()
	if err != nil {
		return objectid.InvalidObjectID, nil, err
	}
	values, err = s.decode(id, payload, nil)
	return id, values, err
}

func (s *Store) Mark() objectid.ObjectID { return s.slots.Mark() }
func (s *Store) Rewind(mark objectid.ObjectID) { s.slots.Rewind(mark) }

func (s *Store) Reload() error  { return s.slots.Reload() }
func (s *Store) Sync() error    { return s.slots.Sync() }
func (s *Store) Recover() error { return s.slots.Recover() }

// Commit makes every change since the last Commit durable: new chain blocks
// first, then the slots and header, then the deferred chain frees.
func (s *Store) Commit() error {
	if s.chains != nil {
		if err := s.chains.Sync(); err != nil {
			return err
		}
	}
	if err := s.slots.Commit(); err != nil {
		return err
	}
	if s.chains != nil {
		return s.chains.Commit()
	}
	return nil
}

// Discard drops every change since the last Commit.
func (s *Store) Discard() error {
	err := s.slots.Discard()
	if s.chains != nil {
		err = multierr.Append(err, s.chains.Discard())
	}
	return err
}

// Close releases the handle and the files it owns. Uncommitted changes are
// neither committed nor discarded.
func (s *Store) Close() error {
	var err error
	if s.chains != nil {
		err = s.chains.Release()
	}
	err = multierr.Append(err, s.slots.Close())
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	s.closers = nil
	s.logger.Info("Closed record store")
	return err
}
