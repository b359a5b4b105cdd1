package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojostore/core/storage_engine/codec"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/storage_engine/objectid"
	"github.com/sushant-115/gojostore/core/storage_engine/record"
	"github.com/sushant-115/gojostore/core/storage_engine/slotstore"
	"github.com/sushant-115/gojostore/core/transaction"
	"go.uber.org/zap"
)

const (
	colID = iota
	colName
	colTags
)

var demoSchema = codec.MustSchema(
	codec.Column{Name: "id", Type: codec.TypeInt64},
	codec.Column{Name: "name", Type: codec.TypeString},
	codec.Column{Name: "tags", Type: codec.TypeString, Shape: codec.ShapeVarArray},
)

// null is how a missing value is typed at the prompt.
const null = "-"

var completer = readline.NewPrefixCompleter(
	readline.PcItem("insert"),
	readline.PcItem("get"),
	readline.PcItem("update"),
	readline.PcItem("delete"),
	readline.PcItem("undo-delete"),
	readline.PcItem("undo-update"),
	readline.PcItem("scan"),
	readline.PcItem("compact"),
	readline.PcItem("verify", readline.PcItem("fix")),
	readline.PcItem("header"),
	readline.PcItem("begin"),
	readline.PcItem("commit"),
	readline.PcItem("abort"),
	readline.PcItem("help"),
	readline.PcItem("quit"),
)

var errUsage = errors.New("usage")

type shell struct {
	store          *record.Store
	txns           *transaction.Manager
	out            io.Writer
	logger         *zap.Logger
	pagesPerSecond int

	// current is the transaction opened by "begin", if any.
	current *transaction.Transaction
}

func newShell(store *record.Store, txns *transaction.Manager, out io.Writer, logger *zap.Logger, pagesPerSecond int) *shell {
	return &shell{store: store, txns: txns, out: out, logger: logger, pagesPerSecond: pagesPerSecond}
}

// execute runs one command. Successful commands are committed to disk; a
// failed one discards whatever it left in the buffer pool.
func (sh *shell) execute(ctx context.Context, args []string) (quit bool, err error) {
	cmd := strings.ToLower(args[0])
	args = args[1:]
	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		sh.help()
		return false, nil
	case "header":
		h := sh.store.Header()
		fmt.Fprintf(sh.out, "version=%d slot_size=%d records=%d last=%s first_free=%s first_expunged=%s modified=%s\n",
			h.Version, h.SlotSize, h.InsertedCount, formatID(h.Last), formatID(h.FirstFree), formatID(h.FirstExpunged),
			h.LastModified.Format("2006-01-02T15:04:05.000Z07:00"))
		return false, nil
	}

	if err := sh.dispatch(ctx, cmd, args); err != nil {
		if derr := sh.store.Discard(); derr != nil {
			sh.logger.Error("Discarding failed command", zap.String("command", cmd), zap.Error(derr))
		}
		if errors.Is(err, errUsage) {
			return false, fmt.Errorf("%w; type 'help'", err)
		}
		return false, err
	}
	return false, sh.store.Commit()
}

func (sh *shell) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "insert":
		if len(args) < 1 || len(args) > 3 {
			return fmt.Errorf("%w: insert <id> [name] [tag,tag,...]", errUsage)
		}
		row := []any{nil, nil, nil}
		for i, a := range args {
			v, err := parseValue(i, a)
			if err != nil {
				return err
			}
			row[i] = v
		}
		id, err := sh.store.Insert(ctx, sh.current, row)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "inserted %s\n", formatID(id))
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("%w: get <page:index>", errUsage)
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		row, err := sh.store.Read(ctx, id)
		if err != nil {
			return err
		}
		sh.printRow(id, row)
	case "update":
		if len(args) < 2 {
			return fmt.Errorf("%w: update <page:index> <column>=<value> ...", errUsage)
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		changes := make(map[int]any, len(args)-1)
		for _, a := range args[1:] {
			name, raw, ok := strings.Cut(a, "=")
			col, found := demoSchema.ColumnIndex(name)
			if !ok || !found {
				return fmt.Errorf("%w: bad assignment %q", errUsage, a)
			}
			if changes[col], err = parseValue(col, raw); err != nil {
				return err
			}
		}
		return sh.inTxn(ctx, func(txn *transaction.Transaction) error {
			return sh.store.Update(ctx, txn, id, changes)
		})
	case "delete", "undo-delete", "undo-update":
		if len(args) != 1 {
			return fmt.Errorf("%w: %s <page:index>", errUsage, cmd)
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		op := sh.store.Delete
		switch cmd {
		case "undo-delete":
			op = sh.store.UndoDelete
		case "undo-update":
			op = sh.store.UndoUpdate
		}
		return sh.inTxn(ctx, func(txn *transaction.Transaction) error { return op(ctx, txn, id) })
	case "scan":
		return sh.scan(ctx)
	case "compact":
		target := objectid.InvalidObjectID
		if len(args) == 1 {
			var err error
			if target, err = parseID(args[0]); err != nil {
				return err
			}
		}
		n, err := sh.store.Compact(ctx, target)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "reclaimed %d slots\n", n)
	case "verify":
		return sh.verify(ctx, len(args) == 1 && args[0] == "fix")
	case "begin":
		if sh.current != nil {
			return fmt.Errorf("transaction %d is still open", sh.current.ID)
		}
		txn, err := sh.txns.Begin()
		if err != nil {
			return err
		}
		sh.current = txn
		fmt.Fprintf(sh.out, "began transaction %d\n", txn.ID)
	case "commit":
		if sh.current == nil {
			return errors.New("no open transaction")
		}
		if err := sh.txns.Commit(sh.current.ID); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "committed transaction %d\n", sh.current.ID)
		sh.current = nil
	case "abort":
		if sh.current == nil {
			return errors.New("no open transaction")
		}
		id := sh.current.ID
		sh.current = nil
		if err := sh.txns.Abort(ctx, id, sh.store); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "aborted transaction %d\n", id)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return nil
}

// inTxn runs fn in the open transaction, or in one that commits right away.
func (sh *shell) inTxn(ctx context.Context, fn func(*transaction.Transaction) error) error {
	if sh.current != nil {
		return fn(sh.current)
	}
	txn, err := sh.txns.Begin()
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		if aerr := sh.txns.Abort(ctx, txn.ID, sh.store); aerr != nil {
			sh.logger.Warn("Aborting implicit transaction failed", zap.Uint64("txn", txn.ID), zap.Error(aerr))
		}
		return err
	}
	return sh.txns.Commit(txn.ID)
}

// abortOpen rolls back a transaction left open when the shell exits.
func (sh *shell) abortOpen(ctx context.Context) {
	if sh.current == nil {
		return
	}
	id := sh.current.ID
	sh.current = nil
	if err := sh.txns.Abort(ctx, id, sh.store); err != nil {
		sh.logger.Error("Aborting open transaction failed", zap.Uint64("txn", id), zap.Error(err))
		return
	}
	if err := sh.store.Commit(); err != nil {
		sh.logger.Error("Committing rollback failed", zap.Error(err))
	}
}

func (sh *shell) scan(ctx context.Context) error {
	mark := sh.store.Mark()
	defer sh.store.Rewind(mark)
	sh.store.Rewind(objectid.InvalidObjectID)

	n := 0
	for {
		id, row, err := sh.store.Next(ctx)
		if errors.Is(err, slotstore.ErrEndOfScan) {
			break
		}
		if err != nil {
			return err
		}
		sh.printRow(id, row)
		n++
	}
	fmt.Fprintf(sh.out, "%d records\n", n)
	return nil
}

func (sh *shell) verify(ctx context.Context, fix bool) error {
	sink := &common.CollectingSink{BestEffort: true}
	err := sh.store.Verify(ctx, sink, record.VerifyOptions{Correct: fix, PagesPerSecond: sh.pagesPerSecond})
	for _, m := range sink.Mismatches() {
		fmt.Fprintln(sh.out, m.String())
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%d fatal, %d inconsistent\n",
		sink.Count(common.SeverityFatal), sink.Count(common.SeverityInconsistent))
	return nil
}

func (sh *shell) printRow(id objectid.ObjectID, row []any) {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = demoSchema.Column(i).Name + "=" + formatValue(v)
	}
	fmt.Fprintf(sh.out, "%s %s\n", formatID(id), strings.Join(parts, " "))
}

func (sh *shell) help() {
	fmt.Fprintln(sh.out, `Commands:
  insert <id> [name] [tag,tag,...]     values may be "-" for null
  get <page:index>
  update <page:index> <column>=<value> ...
  delete <page:index>
  undo-delete <page:index>
  undo-update <page:index>
  scan
  compact [page:index]
  verify [fix]
  header
  begin | commit | abort
  help
  quit`)
}

func parseID(s string) (objectid.ObjectID, error) {
	page, index, ok := strings.Cut(s, ":")
	if !ok {
		return objectid.InvalidObjectID, fmt.Errorf("%w: object id %q is not page:index", errUsage, s)
	}
	p, err := strconv.ParseUint(page, 10, 64)
	if err != nil || p > objectid.MaxPage {
		return objectid.InvalidObjectID, fmt.Errorf("%w: bad page in %q", errUsage, s)
	}
	i, err := strconv.ParseUint(index, 10, 16)
	if err != nil {
		return objectid.InvalidObjectID, fmt.Errorf("%w: bad index in %q", errUsage, s)
	}
	return objectid.New(p, uint16(i)), nil
}

func formatID(id objectid.ObjectID) string {
	if !id.IsValid() {
		return null
	}
	return fmt.Sprintf("%d:%d", id.Page(), id.Index())
}

func parseValue(col int, raw string) (any, error) {
	if raw == null {
		return nil, nil
	}
	switch col {
	case colID:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: id %q is not an integer", errUsage, raw)
		}
		return v, nil
	case colName:
		return raw, nil
	case colTags:
		if raw == "" {
			return []any{}, nil
		}
		var tags []any
		for _, t := range strings.Split(raw, ",") {
			if t == null {
				tags = append(tags, nil)
				continue
			}
			tags = append(tags, t)
		}
		return tags, nil
	}
	return nil, fmt.Errorf("%w: no column %d", errUsage, col)
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return null
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = formatValue(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case string:
		return strconv.Quote(v)
	}
	return fmt.Sprint(v)
}
