// Package transaction keeps the in-memory table of running transactions. The
// storage layer asks it whether a transaction is still active before
// reclaiming what that transaction deleted or overwrote, and Abort replays a
// transaction's undo log through an Undoer.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrTxnNotFound   = errors.New("transaction not found")
	ErrTxnNotRunning = errors.New("transaction is not running")
)

// TransactionState represents the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, operations are being applied
	TxnStateCommitted                         // Commit was requested and the transaction left the table
	TxnStateAborted                           // Abort undid the operations and the transaction left the table
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// TransactionOperation is one entry of a transaction's undo log.
type TransactionOperation struct {
	Kind   OpKind
	Object objectid.ObjectID
}

// Transaction represents an in-memory record of a running transaction.
type Transaction struct {
	ID uint64

	mu         sync.Mutex
	state      TransactionState
	operations []TransactionOperation
}

func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Record appends an operation to the undo log.
func (t *Transaction) Record(kind OpKind, obj objectid.ObjectID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operations = append(t.operations, TransactionOperation{Kind: kind, Object: obj})
}

func (t *Transaction) Operations() []TransactionOperation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TransactionOperation(nil), t.operations...)
}

// Undoer reverts one logged operation of txn.
type Undoer interface {
	Undo(ctx context.Context, txn uint64, op TransactionOperation) error
}

// Manager hands out transaction ids and tracks which are still running. Ids
// start at 1 and never reach the reserved owner words of a slot header.
type Manager struct {
	mu     sync.RWMutex
	nextID uint64
	active map[uint64]*Transaction
	logger *zap.Logger
}

// maxID keeps ids clear of the two reserved words at the top of the range.
const maxID = math.MaxUint64 - 2

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		nextID: 1,
		active: make(map[uint64]*Transaction),
		logger: logger.Named("txn_manager"),
	}
}

// Begin starts a new transaction.
func (m *Manager) Begin() (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextID > maxID {
		return nil, errors.New("transaction ids exhausted")
	}
	t := &Transaction{ID: m.nextID, state: TxnStateRunning}
	m.nextID++
	m.active[t.ID] = t
	m.logger.Debug("Transaction started", zap.Uint64("txn_id", t.ID))
	return t, nil
}

// Observe records that id was used before this manager existed, for example
// by a previous run whose owner ids are still stored in a slot file. Begin
// only hands out larger ids afterwards.
func (m *Manager) Observe(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id >= m.nextID && id <= maxID {
		m.nextID = id + 1
		m.logger.Debug("Transaction ids advanced past stored owner", zap.Uint64("txn_id", id))
	}
}

func (m *Manager) Get(id uint64) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.active[id]
	return t, ok
}

// IsActive reports whether id names a running transaction.
func (m *Manager) IsActive(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[id]
	return ok
}

// Active lists the running transaction ids in ascending order.
func (m *Manager) Active() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) finish(id uint64, state TransactionState) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTxnNotFound, id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxnStateRunning {
		return nil, fmt.Errorf("%w: %d is %v", ErrTxnNotRunning, id, t.state)
	}
	t.state = state
	delete(m.active, id)
	return t, nil
}

// Commit ends a transaction. What it deleted or overwrote becomes eligible
// for compaction.
func (m *Manager) Commit(id uint64) error {
	t, err := m.finish(id, TxnStateCommitted)
	if err != nil {
		return err
	}
	m.logger.Debug("Transaction committed", zap.Uint64("txn_id", id), zap.Int("operations", len(t.Operations())))
	return nil
}

// Abort undoes the logged operations of a transaction, newest first, and
// ends it. Undo failures are collected; the transaction ends regardless.
func (m *Manager) Abort(ctx context.Context, id uint64, u Undoer) error {
	t, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrTxnNotFound, id)
	}
	var err error
	ops := t.Operations()
	if u != nil {
		for i := len(ops) - 1; i >= 0; i-- {
			if uerr := u.Undo(ctx, id, ops[i]); uerr != nil {
				err = multierr.Append(err, fmt.Errorf("undo %v of %v: %w", ops[i].Kind, ops[i].Object, uerr))
			}
		}
	}
	if _, ferr := m.finish(id, TxnStateAborted); ferr != nil {
		return multierr.Append(err, ferr)
	}
	if err != nil {
		m.logger.Error("Transaction aborted with undo failures", zap.Uint64("txn_id", id), zap.Error(err))
		return err
	}
	m.logger.Debug("Transaction aborted", zap.Uint64("txn_id", id), zap.Int("undone", len(ops)))
	return nil
}
