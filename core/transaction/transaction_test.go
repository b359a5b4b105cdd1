package transaction

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	"go.uber.org/zap/zaptest"
)

type undoLog struct {
	undone []TransactionOperation
	failOn OpKind
	fail   bool
}

func (u *undoLog) Undo(_ context.Context, _ uint64, op TransactionOperation) error {
	u.undone = append(u.undone, op)
	if u.fail && op.Kind == u.failOn {
		return errors.New("undo failed")
	}
	return nil
}

func TestManager_BeginCommit(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	t1, err := m.Begin()
	require.NoError(t, err)
	t2, err := m.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), t1.ID)
	assert.Equal(t, uint64(2), t2.ID)
	assert.Equal(t, []uint64{1, 2}, m.Active())
	assert.True(t, m.IsActive(1))

	require.NoError(t, m.Commit(1))
	assert.False(t, m.IsActive(1))
	assert.Equal(t, TxnStateCommitted, t1.State())
	_, ok := m.Get(1)
	assert.False(t, ok)

	assert.ErrorIs(t, m.Commit(1), ErrTxnNotFound)
	assert.False(t, m.IsActive(0))
}

func TestManager_AbortUndoesNewestFirst(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	txn, err := m.Begin()
	require.NoError(t, err)

	a, b := objectid.New(1, 0), objectid.New(1, 1)
	txn.Record(OpInsert, a)
	txn.Record(OpUpdate, b)
	txn.Record(OpDelete, b)

	u := &undoLog{}
	require.NoError(t, m.Abort(context.Background(), txn.ID, u))
	assert.Equal(t, []TransactionOperation{
		{Kind: OpDelete, Object: b},
		{Kind: OpUpdate, Object: b},
		{Kind: OpInsert, Object: a},
	}, u.undone)
	assert.Equal(t, TxnStateAborted, txn.State())
	assert.False(t, m.IsActive(txn.ID))
}

func TestManager_AbortCollectsUndoFailures(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	txn, err := m.Begin()
	require.NoError(t, err)
	txn.Record(OpInsert, objectid.New(1, 0))
	txn.Record(OpUpdate, objectid.New(1, 1))

	u := &undoLog{fail: true, failOn: OpUpdate}
	err = m.Abort(context.Background(), txn.ID, u)
	require.Error(t, err)
	assert.Len(t, u.undone, 2, "later undos still run")
	assert.False(t, m.IsActive(txn.ID))

	assert.ErrorIs(t, m.Abort(context.Background(), txn.ID, u), ErrTxnNotFound)
}

func TestManager_ObserveSkipsStoredIDs(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	m.Observe(41)
	txn, err := m.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), txn.ID)

	m.Observe(7)
	m.Observe(math.MaxUint64)
	txn, err = m.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(43), txn.ID, "smaller and reserved ids do not move the counter")
}
