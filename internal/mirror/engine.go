// Package mirror reconciles local directory trees with a remote store.
//
// A run fingerprints every configured pair, classifies each key against
// the ledger, resolves conflicts, plans one action per key and, unless it
// is a dry run, executes the plan on a worker pool. The ledger is only
// written after a confirmed transfer, so re-running after a crash or a
// partial failure simply picks up what is still different.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/transport"
	"github.com/openmined/syftmirror/internal/utils"
)

type Option func(*Engine)

// WithStrategy sets the conflict strategy, overriding the configured policy.
func WithStrategy(s Strategy) Option {
	return func(e *Engine) {
		e.strategy = s
	}
}

// WithFreeSpace replaces the disk free space probe used before downloads.
func WithFreeSpace(fn FreeSpaceFunc) Option {
	return func(e *Engine) {
		e.freeSpace = fn
	}
}

// RunOptions override the configured policies for one run. Zero values
// fall back to the config.
type RunOptions struct {
	Direction    config.Direction
	ScanMode     config.ScanMode
	DeletePolicy config.DeletePolicy
	DryRun       bool
	// Strategy overrides the engine's conflict strategy for this run.
	Strategy Strategy
}

type Engine struct {
	cfg       *config.Config
	tr        transport.Transport
	ledger    *Ledger
	strategy  Strategy
	lock      *flock.Flock
	executor  *executor
	freeSpace FreeSpaceFunc
}

// New builds an engine for a validated config.
func New(cfg *config.Config, tr transport.Transport, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		tr:     tr,
		ledger: NewLedger(cfg.LedgerPath),
		lock:   flock.New(cfg.LockPath()),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.strategy == nil {
		strategy, err := StrategyFor(cfg.ConflictPolicy)
		if err != nil {
			return nil, err
		}
		e.strategy = strategy
	}

	e.executor = newExecutor(cfg, tr, e.ledger, e.freeSpace)
	return e, nil
}

// Open opens the ledger. It must be called before any other method.
func (e *Engine) Open() error {
	if err := e.ledger.Open(); err != nil {
		return fmt.Errorf("ledger %s: %w", e.ledger.Path(), err)
	}
	return nil
}

func (e *Engine) Close() error {
	return e.ledger.Close()
}

func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Run performs one reconciliation pass. Item failures and unresolved
// conflicts are part of the report; an error means the run itself failed.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	opts = e.withDefaults(opts)
	report := newReport(opts)
	defer func() {
		report.FinishedAt = time.Now()
	}()

	if e.ledger.db == nil {
		return nil, fmt.Errorf("ledger not open")
	}

	if !opts.DryRun {
		unlock, err := e.acquire()
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	tStart := time.Now()
	records, err := e.detect(ctx, opts.ScanMode)
	if err != nil {
		return nil, err
	}
	hashConflicts(ctx, e.tr, records)
	tDetect := time.Since(tStart)

	for _, rec := range records {
		if rec.Class.IsOneSidedDelete() {
			report.Removals = append(report.Removals, rec)
		}
	}

	p := &planner{
		direction:    opts.Direction,
		deletePolicy: opts.DeletePolicy,
		scanMode:     opts.ScanMode,
		resolver:     newResolver(opts.Strategy, records),
	}
	report.Plan = p.plan(ctx, records)

	for _, item := range report.Plan.Conflicts() {
		slog.Warn("mirror", "op", ActionConflict, "key", item.Key, "status", "unresolved", "reason", item.Reason)
	}

	pending := report.Plan.Pending()
	slog.Info("mirror plan",
		"runId", report.RunID,
		"dryRun", opts.DryRun,
		"direction", opts.Direction,
		"scan", opts.ScanMode,
		"keys", len(records),
		"pending", len(pending),
		"uploads", report.Plan.Count(ActionUpload),
		"downloads", report.Plan.Count(ActionDownload),
		"deletesLocal", report.Plan.Count(ActionDeleteLocal),
		"deletesRemote", report.Plan.Count(ActionDeleteRemote),
		"conflicts", report.Plan.Count(ActionConflict),
		"removals", len(report.Removals),
		"tsDetect", tDetect,
	)

	if opts.DryRun || len(pending) == 0 {
		return report, nil
	}

	results, err := e.executor.execute(ctx, report.Plan)
	report.Results = results
	if err != nil {
		return report, fmt.Errorf("execute: %w", err)
	}

	slog.Info("mirror run",
		"runId", report.RunID,
		"ok", len(results)-len(report.Failed()),
		"failed", len(report.Failed()),
		"unresolved", len(report.Unresolved()),
		"tsTotal", time.Since(tStart),
	)
	return report, nil
}

func (e *Engine) withDefaults(opts RunOptions) RunOptions {
	if opts.Direction == "" {
		opts.Direction = e.cfg.Direction
	}
	if opts.ScanMode == "" {
		opts.ScanMode = e.cfg.ScanMode
	}
	if opts.DeletePolicy == "" {
		opts.DeletePolicy = e.cfg.DeletePolicy
	}
	if opts.Strategy == nil {
		opts.Strategy = e.strategy
	}
	return opts
}

// acquire takes the run lock and returns its release func.
func (e *Engine) acquire() (func(), error) {
	if err := utils.EnsureDir(e.cfg.StateDir); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	locked, err := e.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		return nil, ErrRunLocked
	}
	slog.Debug("run lock acquired", "path", e.lock.Path())

	return func() {
		if err := e.lock.Unlock(); err != nil {
			slog.Warn("run lock release", "error", err)
		}
	}, nil
}

func (e *Engine) snapshot(ctx context.Context, mode config.ScanMode) ([]*snapshot, *Blacklist, error) {
	blacklist, err := LoadBlacklist(e.cfg)
	if err != nil {
		return nil, nil, err
	}

	sc := &scanner{tr: e.tr, ledger: e.ledger, blacklist: blacklist, mode: mode}
	snaps, err := sc.scanAll(ctx, e.cfg.Pairs)
	if err != nil {
		return nil, nil, err
	}
	return snaps, blacklist, nil
}

func (e *Engine) detect(ctx context.Context, mode config.ScanMode) ([]*ChangeRecord, error) {
	snaps, blacklist, err := e.snapshot(ctx, mode)
	if err != nil {
		return nil, err
	}
	return detect(snaps, blacklist, mode), nil
}

// LedgerStats describes the ledger contents.
type LedgerStats struct {
	Path    string         `json:"path"`
	Entries int            `json:"entries"`
	PerDir  map[string]int `json:"perDir"`
}

func (e *Engine) Stats() (*LedgerStats, error) {
	entries, err := e.ledger.Scan("")
	if err != nil {
		return nil, err
	}

	stats := &LedgerStats{Path: e.ledger.Path(), Entries: len(entries), PerDir: make(map[string]int)}
	for _, entry := range entries {
		stats.PerDir[entry.Key.Dir]++
	}
	return stats, nil
}

// Prune drops ledger entries that can no longer produce an action: keys of
// pairs that were removed from the config, blacklisted keys and keys gone
// from both sides.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	unlock, err := e.acquire()
	if err != nil {
		return 0, err
	}
	defer unlock()

	snaps, blacklist, err := e.snapshot(ctx, config.ScanFast)
	if err != nil {
		return 0, err
	}
	byDir := make(map[string]*snapshot, len(snaps))
	for _, snap := range snaps {
		byDir[snap.pair.Remote] = snap
	}

	pruned, err := e.ledger.Prune(func(entry *LedgerEntry) bool {
		snap, ok := byDir[entry.Key.Dir]
		if !ok || blacklist.Match(entry.Key) {
			return false
		}
		_, local := snap.local[entry.Key.Path]
		_, remote := snap.remote[entry.Key.Path]
		return local || remote
	})
	if err != nil {
		return pruned, err
	}
	slog.Info("ledger prune", "removed", pruned)
	return pruned, nil
}

// IsRunLevel reports whether err aborted a whole run rather than an item.
func IsRunLevel(err error) bool {
	return err != nil && (errors.Is(err, ErrLedgerCorruption) || errors.Is(err, ErrRunLocked) || errors.Is(err, context.Canceled))
}
