// bustubsh is an interactive shell over the storage core: it drives the
// B+Tree, buffer pool, lock manager, and transaction manager directly on
// one open database file, with no network or query planner in between.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/ahchan99/bustub/core/indexing/btree"
	"github.com/ahchan99/bustub/core/lockmgr"
	"github.com/ahchan99/bustub/core/storage/buffer"
	"github.com/ahchan99/bustub/core/storage/disk"
	"github.com/ahchan99/bustub/core/storage/header"
	"github.com/ahchan99/bustub/core/txn"
	"github.com/ahchan99/bustub/pkg/config"
	"github.com/ahchan99/bustub/pkg/logger"
	"github.com/ahchan99/bustub/pkg/metrics"
	"github.com/ahchan99/bustub/pkg/telemetry"
)

const indexName = "default"

type shell struct {
	cfg  config.Config
	log  *zap.Logger
	dm   *disk.Manager
	pool *buffer.Manager
	tree *btree.BTree
	lm   *lockmgr.Manager
	txns *txn.Manager

	current *txn.Transaction
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults apply if empty)")
	dataFile := flag.String("data", "", "override the database file path")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dataFile != "" {
		cfg.Storage.DataFile = *dataFile
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	tel, shutdownTel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlog.Fatal("telemetry setup failed", zap.Error(err))
	}
	defer shutdownTel(context.Background())

	poolMetrics, err := metrics.NewBufferPool(tel.Meter)
	if err != nil {
		zlog.Fatal("registering buffer pool metrics", zap.Error(err))
	}
	lockMetrics, err := metrics.NewLockManager(tel.Meter)
	if err != nil {
		zlog.Fatal("registering lock manager metrics", zap.Error(err))
	}

	dm := disk.New(cfg.Storage.DataFile, cfg.Storage.PageSize)
	if err := dm.Open(); err != nil {
		zlog.Fatal("opening database file", zap.Error(err))
	}
	defer dm.Close()

	pool := buffer.New(cfg.Storage.PoolSize, cfg.Storage.LRUK, dm, zlog, buffer.WithMetrics(poolMetrics))
	hdr := header.New(pool)
	tree := btree.New(indexName, pool, hdr, zlog)
	lm := lockmgr.New(zlog, lockmgr.WithMetrics(lockMetrics))
	txns := txn.NewManager(lm, zlog)

	sh := &shell{cfg: cfg, log: zlog, dm: dm, pool: pool, tree: tree, lm: lm, txns: txns}
	if err := sh.run(); err != nil {
		zlog.Fatal("shell terminated", zap.Error(err))
	}

	if err := pool.FlushAll(); err != nil {
		zlog.Error("final flush failed", zap.Error(err))
	}
}

func (s *shell) run() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "bustub> ",
		HistoryFile:     os.ExpandEnv("$HOME/.bustubsh_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("put"),
			readline.PcItem("get"),
			readline.PcItem("del"),
			readline.PcItem("scan"),
			readline.PcItem("begin",
				readline.PcItem("read_uncommitted"),
				readline.PcItem("read_committed"),
				readline.PcItem("repeatable_read"),
			),
			readline.PcItem("commit"),
			readline.PcItem("abort"),
			readline.PcItem("locktable"),
			readline.PcItem("unlocktable"),
			readline.PcItem("lockrow"),
			readline.PcItem("unlockrow"),
			readline.PcItem("stats"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			return nil
		}
		if err := s.dispatch(fields); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func (s *shell) dispatch(fields []string) error {
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "put":
		return s.cmdPut(args)
	case "get":
		return s.cmdGet(args)
	case "del":
		return s.cmdDel(args)
	case "scan":
		return s.cmdScan(args)
	case "begin":
		return s.cmdBegin(args)
	case "commit":
		return s.cmdCommit()
	case "abort":
		return s.cmdAbort()
	case "locktable":
		return s.cmdLockTable(args)
	case "unlocktable":
		return s.cmdUnlockTable(args)
	case "lockrow":
		return s.cmdLockRow(args)
	case "unlockrow":
		return s.cmdUnlockRow(args)
	case "stats":
		return s.cmdStats()
	case "help":
		s.printHelp()
		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func (s *shell) printHelp() {
	fmt.Print(`commands:
  put <key> <value>          insert a key (fails on duplicate)
  get <key>                  point lookup
  del <key>                  delete a key (no-op if absent)
  scan [from]                iterate keys in order, optionally from a key
  begin [isolation]          start a transaction (read_uncommitted | read_committed | repeatable_read)
  commit                     commit the current transaction
  abort                      abort the current transaction
  locktable <mode> <oid>     acquire a table lock (is | ix | s | six | x)
  unlocktable <oid>          release a table lock
  lockrow <mode> <oid> <row> acquire a row lock (s | x)
  unlockrow <oid> <row>      release a row lock
  stats                      show storage counters
  exit                       flush and leave
`)
}

func (s *shell) cmdPut(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: put <key> <value>")
	}
	k, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad key: %w", err)
	}
	v, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("bad value: %w", err)
	}
	ok, err := s.tree.Insert(k, btree.RID{SlotNum: uint32(v)})
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("duplicate key")
		return nil
	}
	fmt.Println("ok")
	return nil
}

func (s *shell) cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}
	k, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad key: %w", err)
	}
	v, ok := s.tree.GetValue(k)
	if !ok {
		fmt.Println("not found")
		return nil
	}
	fmt.Println(v.SlotNum)
	return nil
}

func (s *shell) cmdDel(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: del <key>")
	}
	k, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad key: %w", err)
	}
	if err := s.tree.Remove(k); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func (s *shell) cmdScan(args []string) error {
	var it *btree.Iterator
	if len(args) > 0 {
		from, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad key: %w", err)
		}
		it = s.tree.BeginAt(from)
	} else {
		it = s.tree.Begin()
	}
	defer it.Close()

	n := 0
	for it.Valid() {
		fmt.Printf("%d -> %d\n", it.Key(), it.Value().SlotNum)
		n++
		it.Next()
	}
	fmt.Printf("(%d entries)\n", n)
	return nil
}

func (s *shell) cmdBegin(args []string) error {
	if s.current != nil {
		return fmt.Errorf("txn %d already open; commit or abort it first", s.current.ID())
	}
	level := txn.RepeatableRead
	if len(args) > 0 {
		var err error
		level, err = parseIsolation(args[0])
		if err != nil {
			return err
		}
	}
	s.current = s.txns.Begin(level)
	fmt.Printf("txn %d started\n", s.current.ID())
	return nil
}

func (s *shell) cmdCommit() error {
	if s.current == nil {
		return errors.New("no open transaction")
	}
	if err := s.txns.Commit(s.current); err != nil {
		return err
	}
	fmt.Printf("txn %d committed\n", s.current.ID())
	s.current = nil
	return nil
}

func (s *shell) cmdAbort() error {
	if s.current == nil {
		return errors.New("no open transaction")
	}
	s.txns.Abort(s.current)
	fmt.Printf("txn %d aborted\n", s.current.ID())
	s.current = nil
	return nil
}

func (s *shell) cmdLockTable(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: locktable <mode> <oid>")
	}
	mode, err := parseMode(args[0])
	if err != nil {
		return err
	}
	oid, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad oid: %w", err)
	}
	t, err := s.requireTxn()
	if err != nil {
		return err
	}
	if err := s.lockErr(s.lm.LockTable(t, mode, txn.TableID(oid))); err != nil {
		return err
	}
	fmt.Println("granted")
	return nil
}

func (s *shell) cmdUnlockTable(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: unlocktable <oid>")
	}
	oid, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad oid: %w", err)
	}
	t, err := s.requireTxn()
	if err != nil {
		return err
	}
	if err := s.lockErr(s.lm.UnlockTable(t, txn.TableID(oid))); err != nil {
		return err
	}
	fmt.Println("released")
	return nil
}

func (s *shell) cmdLockRow(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: lockrow <mode> <oid> <row>")
	}
	mode, err := parseMode(args[0])
	if err != nil {
		return err
	}
	oid, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad oid: %w", err)
	}
	row, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("bad row: %w", err)
	}
	t, err := s.requireTxn()
	if err != nil {
		return err
	}
	if err := s.lockErr(s.lm.LockRow(t, mode, txn.TableID(oid), row)); err != nil {
		return err
	}
	fmt.Println("granted")
	return nil
}

func (s *shell) cmdUnlockRow(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: unlockrow <oid> <row>")
	}
	oid, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad oid: %w", err)
	}
	row, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad row: %w", err)
	}
	t, err := s.requireTxn()
	if err != nil {
		return err
	}
	if err := s.lockErr(s.lm.UnlockRow(t, txn.TableID(oid), row)); err != nil {
		return err
	}
	fmt.Println("released")
	return nil
}

func (s *shell) cmdStats() error {
	fmt.Printf("data file:     %s\n", s.cfg.Storage.DataFile)
	fmt.Printf("page size:     %d\n", s.dm.PageSize())
	fmt.Printf("pages on disk: %d\n", s.dm.NumPages())
	fmt.Printf("root page id:  %d\n", s.tree.GetRootPageID())
	if s.current != nil {
		fmt.Printf("open txn:      %d (%s)\n", s.current.ID(), s.current.State())
	} else {
		fmt.Println("open txn:      none")
	}
	return nil
}

// requireTxn returns the open transaction, or an error telling the user to
// begin one.
func (s *shell) requireTxn() (*txn.Transaction, error) {
	if s.current == nil {
		return nil, errors.New("no open transaction (use begin)")
	}
	return s.current, nil
}

// lockErr drops the shell's open transaction when a lock call aborted it,
// so the next command does not operate on a dead transaction.
func (s *shell) lockErr(err error) error {
	var abortErr *txn.AbortError
	if errors.As(err, &abortErr) {
		s.txns.Abort(s.current)
		s.current = nil
		return fmt.Errorf("transaction aborted: %s", abortErr.Reason)
	}
	return err
}

func parseIsolation(s string) (txn.IsolationLevel, error) {
	switch strings.ToLower(s) {
	case "read_uncommitted", "ru":
		return txn.ReadUncommitted, nil
	case "read_committed", "rc":
		return txn.ReadCommitted, nil
	case "repeatable_read", "rr":
		return txn.RepeatableRead, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
}

func parseMode(s string) (txn.LockMode, error) {
	switch strings.ToLower(s) {
	case "is":
		return txn.IntentionShared, nil
	case "ix":
		return txn.IntentionExclusive, nil
	case "s":
		return txn.Shared, nil
	case "six":
		return txn.SharedIntentionExclusive, nil
	case "x":
		return txn.Exclusive, nil
	default:
		return 0, fmt.Errorf("unknown lock mode %q", s)
	}
}
