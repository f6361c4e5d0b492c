package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/transport"
	"github.com/openmined/syftmirror/internal/utils"
	"golang.org/x/sync/errgroup"
)

// snapshot is the state of one pair as seen at the start of a run.
type snapshot struct {
	pair   config.Pair
	local  map[string]*Fingerprint
	remote map[string]*transport.RemoteEntry
	ledger map[string]*LedgerEntry
}

// scanner builds snapshots for every pair in parallel.
type scanner struct {
	tr        transport.Transport
	ledger    *Ledger
	blacklist *Blacklist
	mode      config.ScanMode
}

func (s *scanner) scanAll(ctx context.Context, pairs []config.Pair) ([]*snapshot, error) {
	snaps := make([]*snapshot, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	for i, pair := range pairs {
		g.Go(func() error {
			snap, err := s.scanPair(gctx, pair)
			if err != nil {
				return fmt.Errorf("scan %s: %w", pair.Remote, err)
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (s *scanner) scanPair(ctx context.Context, pair config.Pair) (*snapshot, error) {
	tStart := time.Now()
	snap := &snapshot{pair: pair}

	entries, err := s.ledger.Scan(pair.Remote)
	if err != nil {
		return nil, err
	}
	snap.ledger = make(map[string]*LedgerEntry, len(entries))
	for _, entry := range entries {
		if entry.Key.Dir == pair.Remote {
			snap.ledger[entry.Key.Path] = entry
		}
	}

	if !utils.DirExists(pair.Local) {
		// an unmounted drive must not look like every file was deleted
		if len(snap.ledger) > 0 {
			return nil, fmt.Errorf("local root %s is missing but %d files are tracked", pair.Local, len(snap.ledger))
		}
		if err := utils.EnsureDir(pair.Local); err != nil {
			return nil, fmt.Errorf("create local root: %w", err)
		}
	}

	var wg sync.WaitGroup
	var localErr, remoteErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		snap.local, localErr = s.scanLocal(ctx, pair)
	}()
	go func() {
		defer wg.Done()
		snap.remote, remoteErr = s.scanRemote(ctx, pair)
	}()
	wg.Wait()

	if localErr != nil {
		return nil, fmt.Errorf("local: %w", localErr)
	}
	if remoteErr != nil {
		return nil, fmt.Errorf("remote: %w", remoteErr)
	}

	slog.Debug("scan", "dir", pair.Remote, "local", len(snap.local), "remote", len(snap.remote), "ledger", len(snap.ledger), "mode", s.mode, "took", time.Since(tStart))
	return snap, nil
}

func (s *scanner) scanLocal(ctx context.Context, pair config.Pair) (map[string]*Fingerprint, error) {
	type found struct {
		rel  string
		path string
		fp   *Fingerprint
	}
	var files []*found

	err := filepath.WalkDir(pair.Local, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == pair.Local {
			return nil
		}

		rel, err := filepath.Rel(pair.Local, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if s.blacklist.Match(SyncKey{Dir: pair.Remote, Path: rel}) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || utils.IsTempFile(d.Name()) {
			return nil
		}
		if s.blacklist.Match(SyncKey{Dir: pair.Remote, Path: rel}) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		files = append(files, &found{
			rel:  rel,
			path: p,
			fp:   &Fingerprint{Size: info.Size(), ModTime: info.ModTime()},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.mode == config.ScanFull {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.NumCPU())
		for _, f := range files {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				fp, err := LocalFingerprint(f.path, true)
				if errors.Is(err, ErrNotFound) {
					f.fp = nil
					return nil
				}
				if err != nil {
					return err
				}
				f.fp = &fp
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	local := make(map[string]*Fingerprint, len(files))
	for _, f := range files {
		if f.fp != nil {
			local[f.rel] = f.fp
		}
	}
	return local, nil
}

func (s *scanner) scanRemote(ctx context.Context, pair config.Pair) (map[string]*transport.RemoteEntry, error) {
	entries, err := s.tr.List(ctx, pair.Remote)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return map[string]*transport.RemoteEntry{}, nil
		}
		return nil, err
	}

	remote := make(map[string]*transport.RemoteEntry, len(entries))
	for _, entry := range entries {
		if utils.IsTempFile(filepath.Base(entry.Path)) {
			continue
		}
		if s.blacklist.Match(SyncKey{Dir: pair.Remote, Path: entry.Path}) {
			continue
		}
		remote[entry.Path] = entry
	}

	if s.mode == config.ScanFull {
		if hasher, ok := s.tr.(transport.Hasher); ok {
			for p, entry := range remote {
				if entry.Hash != "" {
					continue
				}
				hash, err := hasher.Hash(ctx, entry.ID)
				if errors.Is(err, transport.ErrNotFound) {
					delete(remote, p)
					continue
				}
				if err != nil {
					return nil, err
				}
				entry.Hash = hash
			}
		}
	}
	return remote, nil
}

// hashConflicts fills in missing remote hashes of conflict candidates so
// that identical content can be linked without a transfer. Failures only
// cost the shortcut.
func hashConflicts(ctx context.Context, tr transport.Transport, records []*ChangeRecord) {
	hasher, ok := tr.(transport.Hasher)
	if !ok {
		return
	}
	for _, rec := range records {
		if !rec.Class.IsConflict() || rec.Remote == nil || rec.Remote.Hash != "" {
			continue
		}
		hash, err := hasher.Hash(ctx, rec.RemoteID)
		if err != nil {
			slog.Debug("conflict remote hash", "key", rec.Key, "error", err)
			continue
		}
		rec.Remote.Hash = hash
	}
}

// localPath maps a key to its file below the pair root.
func localPath(root string, key SyncKey) string {
	return filepath.Join(root, filepath.FromSlash(key.Path))
}

func statLocal(path string) (*Fingerprint, error) {
	fp, err := LocalFingerprint(path, false)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &fp, nil
}
