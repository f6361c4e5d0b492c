package mirror

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmined/syftmirror/internal/config"
)

// Removals lists keys deleted on exactly one side since their last sync.
// It changes nothing and takes no lock.
func (e *Engine) Removals(ctx context.Context, mode config.ScanMode) ([]*ChangeRecord, error) {
	if mode == "" {
		mode = e.cfg.ScanMode
	}
	records, err := e.detect(ctx, mode)
	if err != nil {
		return nil, err
	}

	var removals []*ChangeRecord
	for _, rec := range records {
		if rec.Class.IsOneSidedDelete() {
			removals = append(removals, rec)
		}
	}
	return removals, nil
}

// Blacklist stops tracking key, or every key below it when key names a
// directory. The key is persisted in the blacklist before its ledger
// entries are removed; files on both sides are left alone.
func (e *Engine) Blacklist(ctx context.Context, key SyncKey) error {
	if _, ok := e.cfg.PairFor(key.Dir); !ok {
		return fmt.Errorf("%s does not belong to a configured pair", key)
	}

	unlock, err := e.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	blacklist, err := LoadBlacklist(e.cfg)
	if err != nil {
		return err
	}
	if err := blacklist.Add(key); err != nil {
		return fmt.Errorf("blacklist %s: %w", key, err)
	}

	entries, err := e.ledger.Scan(key.Dir)
	if err != nil {
		return err
	}
	removed := 0
	for _, entry := range entries {
		if entry.Key.Dir != key.Dir || !underPrefix(entry.Key.Path, key.Path) {
			continue
		}
		if err := e.ledger.Remove(entry.Key); err != nil {
			return err
		}
		removed++
	}

	slog.Info("mirror", "op", "blacklist", "key", key, "untracked", removed)
	return nil
}
