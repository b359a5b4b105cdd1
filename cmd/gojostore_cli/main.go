package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojostore/config"
	"github.com/sushant-115/gojostore/core/storage_engine/record"
	"github.com/sushant-115/gojostore/core/transaction"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	dataDir := flag.String("data", "", "data directory (overrides storage.data_dir)")
	flag.Parse()

	if err := run(*configPath, *dataDir, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "gojostore: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir string, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = zlog.Sync() }()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			zlog.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	txns := transaction.NewManager(zlog)
	store, err := record.OpenDir(cfg.Storage.DataDir, demoSchema, cfg.Storage, txns, zlog, tel)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			zlog.Error("Closing store failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sh := newShell(store, txns, os.Stdout, zlog, cfg.Storage.VerifyPagesPerSecond)
	defer sh.abortOpen(context.Background())

	if len(args) > 0 {
		_, err := sh.execute(ctx, args)
		return err
	}
	return sh.interactive(ctx, filepath.Join(cfg.Storage.DataDir, ".gojostore_history"))
}

func (sh *shell) interactive(ctx context.Context, history string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojostore> ",
		HistoryFile:     history,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintln(sh.out, "GojoStore shell. Type 'help' for commands, 'quit' to leave.")
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		quit, err := sh.execute(ctx, args)
		if err != nil {
			fmt.Fprintf(sh.out, "Error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return nil
}
