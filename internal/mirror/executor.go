package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/queue"
	"github.com/openmined/syftmirror/internal/transport"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/shirou/gopsutil/v4/disk"
	"golang.org/x/sync/errgroup"
)

const folderCacheSize = 4096

// FreeSpaceFunc reports the free bytes of the volume holding path.
type FreeSpaceFunc func(path string) (uint64, error)

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// executor applies plan items through the transport and records every
// confirmed outcome in the ledger.
type executor struct {
	tr        transport.Transport
	ledger    *Ledger
	roots     map[string]string
	workers   int
	retry     config.Retry
	folders   *lru.Cache[string, string]
	freeSpace FreeSpaceFunc
	// onLocalWrite is told about every local path the executor changes.
	onLocalWrite func(path string)
	quota        atomic.Bool
}

func newExecutor(cfg *config.Config, tr transport.Transport, ledger *Ledger, freeSpace FreeSpaceFunc) *executor {
	folders, _ := lru.New[string, string](folderCacheSize)
	roots := make(map[string]string, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		roots[p.Remote] = p.Local
	}
	if freeSpace == nil {
		freeSpace = diskFree
	}
	return &executor{
		tr:        tr,
		ledger:    ledger,
		roots:     roots,
		workers:   max(cfg.Workers, 1),
		retry:     cfg.Retry,
		folders:   folders,
		freeSpace: freeSpace,
	}
}

// execute runs every executable item of plan on a bounded worker pool.
// Per-item failures end up in the results; only a corrupted ledger (or
// ctx) stops the run, returned as the error.
func (x *executor) execute(ctx context.Context, plan *Plan) ([]*ItemResult, error) {
	x.quota.Store(false)

	items := plan.Pending()
	blocked := x.preflight(items)

	pq := queue.NewPriorityQueue[*ActionPlanItem]()
	for _, item := range items {
		pq.Enqueue(item, priority(item))
	}
	ordered := pq.DequeueAll()
	results := make([]*ItemResult, len(ordered))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.workers)
	for i, item := range ordered {
		if err := blocked[item]; err != nil {
			results[i] = x.finish(item, time.Now(), err)
			continue
		}
		g.Go(func() error {
			results[i] = x.run(gctx, item)
			if errors.Is(results[i].Err, ErrLedgerCorruption) {
				return results[i].Err
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return results, err
}

// priority orders ledger bookkeeping first, then transfers smallest
// first, and deletions last.
func priority(item *ActionPlanItem) int {
	switch item.Action {
	case ActionSkip:
		return -1
	case ActionDeleteLocal, ActionDeleteRemote:
		return math.MaxInt
	default:
		return int(min(itemSize(item), math.MaxInt-1))
	}
}

func itemSize(item *ActionPlanItem) int64 {
	rec := item.Change
	switch {
	case item.Action == ActionUpload && rec.Local != nil:
		return rec.Local.Size
	case rec.Remote != nil:
		return rec.Remote.Size
	case rec.Local != nil:
		return rec.Local.Size
	}
	return 0
}

// preflight checks that planned downloads fit on the local volumes and
// returns an error for every download that does not.
func (x *executor) preflight(items []*ActionPlanItem) map[*ActionPlanItem]error {
	need := make(map[string]uint64)
	for _, item := range items {
		if item.Action == ActionDownload {
			need[item.Key.Dir] += uint64(itemSize(item))
		}
	}

	blocked := make(map[*ActionPlanItem]error)
	for dir, bytes := range need {
		root := x.roots[dir]
		free, err := x.freeSpace(existingAncestor(root))
		if err != nil {
			slog.Warn("free space check failed", "dir", root, "error", err)
			continue
		}
		if bytes <= free {
			continue
		}

		err = fmt.Errorf("%w: downloads need %s, %s free on %s", ErrInsufficientSpace, humanize.Bytes(bytes), humanize.Bytes(free), root)
		slog.Error("mirror preflight", "dir", dir, "error", err)
		for _, item := range items {
			if item.Action == ActionDownload && item.Key.Dir == dir {
				blocked[item] = err
			}
		}
	}
	return blocked
}

func existingAncestor(p string) string {
	for {
		if utils.DirExists(p) {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func (x *executor) run(ctx context.Context, item *ActionPlanItem) *ItemResult {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return x.finish(item, start, err)
	}

	var err error
	switch {
	case item.Action == ActionSkip:
		err = x.applyLedgerOp(item)
	case item.KeepBothAs != nil:
		err = x.keepBoth(ctx, item)
	case item.Action == ActionUpload:
		err = x.upload(ctx, item.Key, item.Change.LocalPath)
	case item.Action == ActionDownload:
		err = x.download(ctx, item.Change)
	case item.Action == ActionDeleteLocal:
		err = x.deleteLocal(item.Change)
	case item.Action == ActionDeleteRemote:
		err = x.deleteRemote(ctx, item.Change)
	default:
		err = fmt.Errorf("cannot execute action %s", item.Action)
	}
	return x.finish(item, start, err)
}

func (x *executor) finish(item *ActionPlanItem, start time.Time, err error) *ItemResult {
	res := &ItemResult{
		Key:      item.Key,
		Action:   item.Action,
		LedgerOp: item.LedgerOp,
		Status:   StatusOK,
		Size:     itemSize(item),
		Duration: time.Since(start),
	}
	op := string(item.Action)
	if item.Action == ActionSkip {
		op = string(item.LedgerOp)
	}

	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		res.Reason = err.Error()
		slog.Error("mirror", "op", op, "key", item.Key, "status", res.Status, "reason", res.Reason)
		return res
	}

	res.Reason = item.Reason
	slog.Info("mirror", "op", op, "key", item.Key, "status", res.Status, "size", humanize.Bytes(uint64(res.Size)), "took", res.Duration)
	return res
}

func (x *executor) upload(ctx context.Context, key SyncKey, localPath string) error {
	if x.quota.Load() {
		return ErrQuotaLatched
	}

	fp, err := LocalFingerprint(localPath, true)
	if err != nil {
		return err
	}

	dirID, err := x.ensureFolders(ctx, key)
	if err != nil {
		return err
	}

	var entry *transport.RemoteEntry
	err = x.withRetry(ctx, "upload", key, func() error {
		var err error
		entry, err = x.tr.Upload(ctx, localPath, dirID, path.Base(key.Path))
		return err
	})
	if err != nil {
		if transport.KindOf(err) == transport.KindQuotaExceeded && !x.quota.Swap(true) {
			slog.Error("remote quota exceeded, skipping remaining uploads", "key", key, "error", err)
		}
		return err
	}

	return x.ledger.Upsert(&LedgerEntry{
		Key:      key,
		RemoteID: entry.ID,
		Local:    fp,
		Remote:   RemoteFingerprint(entry),
		SyncedAt: time.Now(),
	})
}

// ensureFolders creates the remote folder chain of key and returns the id
// of its direct parent.
func (x *executor) ensureFolders(ctx context.Context, key SyncKey) (string, error) {
	dir := key.Dir
	if d := path.Dir(key.Path); d != "." {
		dir = path.Join(dir, d)
	}

	parentID, current := "", ""
	for _, name := range splitPath(dir) {
		current = path.Join(current, name)
		if id, ok := x.folders.Get(current); ok {
			parentID = id
			continue
		}

		var id string
		err := x.withRetry(ctx, "mkdir", key, func() error {
			var err error
			id, err = x.tr.CreateFolder(ctx, parentID, name)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("create folder %s: %w", current, err)
		}
		x.folders.Add(current, id)
		parentID = id
	}
	return parentID, nil
}

func (x *executor) download(ctx context.Context, rec *ChangeRecord) error {
	if err := x.checkUnchanged(rec); err != nil {
		return err
	}

	err := x.withRetry(ctx, "download", rec.Key, func() error {
		return x.tr.Download(ctx, rec.RemoteID, rec.LocalPath)
	})
	if err != nil {
		return err
	}
	x.notifyLocalWrite(rec.LocalPath)

	fp, err := LocalFingerprint(rec.LocalPath, true)
	if err != nil {
		return err
	}
	return x.ledger.Upsert(&LedgerEntry{
		Key:      rec.Key,
		RemoteID: rec.RemoteID,
		Local:    fp,
		Remote:   *rec.Remote,
		SyncedAt: time.Now(),
	})
}

// keepBoth copies the local version to the conflict name, uploads it as a
// new key and then replaces the original with the remote version.
func (x *executor) keepBoth(ctx context.Context, item *ActionPlanItem) error {
	rec := item.Change
	copyKey := *item.KeepBothAs
	copyPath := conflictCopyPath(rec, copyKey)

	if utils.FileExists(copyPath) {
		return fmt.Errorf("%w: %s already exists", ErrConflictUnresolved, copyPath)
	}
	if err := x.checkUnchanged(rec); err != nil {
		return err
	}

	src, err := os.Open(rec.LocalPath)
	if err != nil {
		return err
	}
	_, err = utils.WriteFileAtomic(copyPath, src, rec.Local.Hash)
	src.Close()
	if err != nil {
		return fmt.Errorf("copy local version: %w", err)
	}
	x.notifyLocalWrite(copyPath)

	if err := x.upload(ctx, copyKey, copyPath); err != nil {
		if rmErr := os.Remove(copyPath); rmErr != nil {
			slog.Warn("keep-both rollback", "path", copyPath, "error", rmErr)
		}
		return fmt.Errorf("upload conflict copy %s: %w", copyKey, err)
	}
	slog.Warn("mirror", "op", "keep-both", "key", rec.Key, "movedTo", copyKey)

	return x.download(ctx, rec)
}

func (x *executor) deleteLocal(rec *ChangeRecord) error {
	if err := x.checkUnchanged(rec); err != nil {
		return err
	}
	if err := os.Remove(rec.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	x.notifyLocalWrite(rec.LocalPath)

	if root, ok := x.roots[rec.Key.Dir]; ok {
		if err := utils.RemoveEmptyParents(filepath.Dir(rec.LocalPath), root); err != nil {
			slog.Warn("remove empty dirs", "path", rec.LocalPath, "error", err)
		}
	}
	return x.ledger.Remove(rec.Key)
}

func (x *executor) deleteRemote(ctx context.Context, rec *ChangeRecord) error {
	err := x.withRetry(ctx, "delete", rec.Key, func() error {
		return x.tr.Delete(ctx, rec.RemoteID)
	})
	if err != nil && !errors.Is(err, transport.ErrNotFound) {
		return err
	}
	return x.ledger.Remove(rec.Key)
}

func (x *executor) applyLedgerOp(item *ActionPlanItem) error {
	rec := item.Change
	switch item.LedgerOp {
	case LedgerForget:
		return x.ledger.Remove(rec.Key)
	case LedgerRefresh:
		local := *rec.Local
		if local.Hash == "" {
			fp, err := LocalFingerprint(rec.LocalPath, true)
			if err != nil {
				return err
			}
			if fp.Size != local.Size || !fp.ModTime.Equal(local.ModTime) {
				return fmt.Errorf("%w: %s", ErrChangedDuringRun, rec.LocalPath)
			}
			local = fp
		}
		return x.ledger.Upsert(&LedgerEntry{
			Key:      rec.Key,
			RemoteID: rec.RemoteID,
			Local:    local,
			Remote:   *rec.Remote,
			SyncedAt: time.Now(),
		})
	default:
		return fmt.Errorf("unknown ledger op %q", item.LedgerOp)
	}
}

// checkUnchanged refuses to overwrite or delete a local file that changed
// after the scan.
func (x *executor) checkUnchanged(rec *ChangeRecord) error {
	current, err := statLocal(rec.LocalPath)
	if err != nil {
		return err
	}
	switch {
	case rec.Local == nil && current == nil:
		return nil
	case rec.Local == nil || current == nil || !current.Equal(*rec.Local, config.ScanFast):
		return fmt.Errorf("%w: %s", ErrChangedDuringRun, rec.LocalPath)
	}
	return nil
}

func (x *executor) notifyLocalWrite(p string) {
	if x.onLocalWrite != nil {
		x.onLocalWrite(p)
	}
}

// withRetry retries transient transport failures with exponential backoff
// and jitter, up to the configured number of attempts.
func (x *executor) withRetry(ctx context.Context, op string, key SyncKey, fn func() error) error {
	delay := x.retry.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !transport.IsRetryable(err) || attempt >= x.retry.Attempts {
			return err
		}

		jitterFactor := 0.75 + (rand.Float64() * 0.5)
		wait := time.Duration(float64(delay) * jitterFactor)
		slog.Warn("mirror retry", "op", op, "key", key, "attempt", attempt, "delay", wait, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(wait):
		}

		delay *= 2
		if x.retry.MaxDelay > 0 {
			delay = min(delay, x.retry.MaxDelay)
		}
	}
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" && part != "." {
			parts = append(parts, part)
		}
	}
	return parts
}
