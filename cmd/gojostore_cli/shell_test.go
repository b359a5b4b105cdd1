package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/config"
	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	"github.com/sushant-115/gojostore/core/storage_engine/record"
	"github.com/sushant-115/gojostore/core/storage_engine/slotstore"
	"github.com/sushant-115/gojostore/core/transaction"
	"go.uber.org/zap/zaptest"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	logger := zaptest.NewLogger(t)
	txns := transaction.NewManager(logger)
	store, err := record.OpenDir(t.TempDir(), demoSchema, cfg.Storage, txns, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	out := &bytes.Buffer{}
	return newShell(store, txns, out, logger, 0), out
}

func mustRun(t *testing.T, sh *shell, out *bytes.Buffer, args ...string) string {
	t.Helper()
	out.Reset()
	quit, err := sh.execute(context.Background(), args)
	require.NoError(t, err, "%v", args)
	assert.False(t, quit)
	return out.String()
}

func TestShell_RecordLifecycle(t *testing.T) {
	sh, out := newTestShell(t)

	assert.Equal(t, "inserted 1:0\n", mustRun(t, sh, out, "insert", "1", "alice", "a,b"))
	assert.Equal(t, "1:0 id=1 name=\"alice\" tags=[\"a\",\"b\"]\n", mustRun(t, sh, out, "get", "1:0"))

	mustRun(t, sh, out, "update", "1:0", "name=bob", "tags=-")
	assert.Equal(t, "1:0 id=1 name=\"bob\" tags=-\n", mustRun(t, sh, out, "get", "1:0"))

	assert.Contains(t, mustRun(t, sh, out, "begin"), "began transaction")
	mustRun(t, sh, out, "delete", "1:0")
	_, err := sh.execute(context.Background(), []string{"get", "1:0"})
	assert.ErrorIs(t, err, slotstore.ErrExpunged)
	assert.Contains(t, mustRun(t, sh, out, "abort"), "aborted transaction")
	assert.Equal(t, "1:0 id=1 name=\"bob\" tags=-\n", mustRun(t, sh, out, "get", "1:0"))

	mustRun(t, sh, out, "insert", "2")
	assert.Contains(t, mustRun(t, sh, out, "scan"), "2 records\n")

	mustRun(t, sh, out, "delete", "1:0")
	assert.Contains(t, mustRun(t, sh, out, "compact"), "reclaimed")
	assert.Contains(t, mustRun(t, sh, out, "scan"), "1 records\n")
	assert.Equal(t, "0 fatal, 0 inconsistent\n", mustRun(t, sh, out, "verify"))
	assert.Contains(t, mustRun(t, sh, out, "header"), "records=1 ")
}

func TestShell_OpenTransactionRollsBackOnExit(t *testing.T) {
	sh, out := newTestShell(t)

	mustRun(t, sh, out, "begin")
	mustRun(t, sh, out, "insert", "9", "temp")
	sh.abortOpen(context.Background())

	_, err := sh.execute(context.Background(), []string{"get", "1:0"})
	assert.ErrorIs(t, err, slotstore.ErrExpunged)
	assert.Zero(t, sh.store.Count())
}

func TestShell_Errors(t *testing.T) {
	sh, _ := newTestShell(t)
	ctx := context.Background()

	for _, args := range [][]string{
		{"get"},
		{"get", "12"},
		{"insert", "one"},
		{"update", "1:0", "color=red"},
		{"frobnicate"},
	} {
		_, err := sh.execute(ctx, args)
		assert.ErrorIs(t, err, errUsage, "%v", args)
	}

	_, err := sh.execute(ctx, []string{"commit"})
	assert.Error(t, err)
	_, err = sh.execute(ctx, []string{"get", "1:0"})
	assert.ErrorIs(t, err, slotstore.ErrNotFound)

	quit, err := sh.execute(ctx, []string{"quit"})
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestParseID(t *testing.T) {
	id, err := parseID("3:17")
	require.NoError(t, err)
	assert.Equal(t, objectid.New(3, 17), id)
	assert.Equal(t, "3:17", formatID(id))
	assert.Equal(t, "-", formatID(objectid.InvalidObjectID))

	for _, bad := range []string{"3", "x:1", "1:70000", ":"} {
		_, err := parseID(bad)
		assert.ErrorIs(t, err, errUsage, bad)
	}
}

func TestParseValue(t *testing.T) {
	v, err := parseValue(colTags, "a,-,c")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", nil, "c"}, v)
	assert.Equal(t, `["a",-,"c"]`, formatValue(v))

	v, err = parseValue(colID, "-")
	require.NoError(t, err)
	assert.Nil(t, v)
}
