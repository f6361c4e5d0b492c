package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/utils"
)

// Resolution is the choice made for one conflicting key.
type Resolution string

const (
	ResolveNone       Resolution = ""
	ResolveKeepLocal  Resolution = "keep-local"
	ResolveKeepRemote Resolution = "keep-remote"
	ResolveKeepBoth   Resolution = "keep-both"
	ResolveSkip       Resolution = "skip"
)

// Conflict is what a strategy gets to look at.
type Conflict struct {
	Key       SyncKey
	Class     Class
	Local     *Fingerprint
	Remote    *Fingerprint
	LocalPath string
}

// Strategy decides conflicts. Implementations may block, e.g. to ask a user.
type Strategy interface {
	Decide(ctx context.Context, c *Conflict) (Resolution, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, c *Conflict) (Resolution, error)

func (f StrategyFunc) Decide(ctx context.Context, c *Conflict) (Resolution, error) {
	return f(ctx, c)
}

// PolicyStrategy answers every conflict with the same resolution.
type PolicyStrategy struct {
	Default Resolution
}

func (p PolicyStrategy) Decide(context.Context, *Conflict) (Resolution, error) {
	return p.Default, nil
}

// NewestStrategy keeps the side with the later modification time. Equal
// times cannot be decided and are skipped.
type NewestStrategy struct{}

func (NewestStrategy) Decide(_ context.Context, c *Conflict) (Resolution, error) {
	switch {
	case c.Local.ModTime.After(c.Remote.ModTime):
		return ResolveKeepLocal, nil
	case c.Remote.ModTime.After(c.Local.ModTime):
		return ResolveKeepRemote, nil
	default:
		return ResolveSkip, nil
	}
}

// StrategyFor maps a non-interactive conflict policy to its strategy.
func StrategyFor(policy config.ConflictPolicy) (Strategy, error) {
	switch policy {
	case config.ConflictKeepLocal:
		return PolicyStrategy{Default: ResolveKeepLocal}, nil
	case config.ConflictKeepRemote:
		return PolicyStrategy{Default: ResolveKeepRemote}, nil
	case config.ConflictKeepBoth:
		return PolicyStrategy{Default: ResolveKeepBoth}, nil
	case config.ConflictSkip:
		return PolicyStrategy{Default: ResolveSkip}, nil
	case config.ConflictNewest:
		return NewestStrategy{}, nil
	case config.ConflictInteractive:
		return nil, fmt.Errorf("conflict policy %q needs a prompt strategy", policy)
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", policy)
	}
}

type conflictState string

const (
	stateDetected       conflictState = "detected"
	stateAwaitingChoice conflictState = "awaiting-choice"
	stateResolved       conflictState = "resolved"
	stateFailed         conflictState = "failed"
)

// conflictTracker walks one key through its resolution states.
type conflictTracker struct {
	key   SyncKey
	state conflictState
}

func (t *conflictTracker) to(next conflictState, args ...any) {
	slog.Debug("conflict", append([]any{"key", t.key, "from", t.state, "to", next}, args...)...)
	t.state = next
}

// resolver turns conflict records into plan items.
type resolver struct {
	strategy Strategy
	// taken holds every key present on either side or in the ledger, so
	// that keep-both never overwrites an existing file.
	taken mapset.Set[string]
}

func newResolver(strategy Strategy, records []*ChangeRecord) *resolver {
	taken := mapset.NewThreadUnsafeSetWithSize[string](len(records))
	for _, rec := range records {
		taken.Add(rec.Key.String())
	}
	return &resolver{strategy: strategy, taken: taken}
}

func (r *resolver) resolve(ctx context.Context, rec *ChangeRecord) *ActionPlanItem {
	item := &ActionPlanItem{Key: rec.Key, Change: rec}
	tracker := &conflictTracker{key: rec.Key, state: stateDetected}
	slog.Debug("conflict", "key", rec.Key, "state", tracker.state, "class", rec.Class)

	if identical(rec) {
		tracker.to(stateResolved, "reason", "identical content")
		item.Action = ActionSkip
		item.LedgerOp = LedgerRefresh
		item.Reason = "identical content on both sides"
		return item
	}

	fail := func(err error) *ActionPlanItem {
		tracker.to(stateFailed, "error", err)
		item.Action = ActionConflict
		item.Err = fmt.Errorf("%w: %w", ErrConflictUnresolved, err)
		item.Reason = item.Err.Error()
		return item
	}

	tracker.to(stateAwaitingChoice)
	resolution, err := r.strategy.Decide(ctx, &Conflict{
		Key:       rec.Key,
		Class:     rec.Class,
		Local:     rec.Local,
		Remote:    rec.Remote,
		LocalPath: rec.LocalPath,
	})
	if err != nil {
		return fail(err)
	}
	item.Resolution = resolution

	switch resolution {
	case ResolveKeepLocal:
		item.Action = ActionUpload
		item.Reason = fmt.Sprintf("%s: keep local", rec.Class)
	case ResolveKeepRemote:
		item.Action = ActionDownload
		item.Reason = fmt.Sprintf("%s: keep remote", rec.Class)
	case ResolveKeepBoth:
		copyKey, ok := r.freeCopy(rec)
		if !ok {
			return fail(fmt.Errorf("no free keep-both name for %s after %d tries", rec.Key, maxConflictCopies))
		}
		r.taken.Add(copyKey.String())
		item.Action = ActionDownload
		item.KeepBothAs = &copyKey
		item.Reason = fmt.Sprintf("%s: keep both, local copy moves to %s", rec.Class, copyKey.Path)
	case ResolveSkip:
		tracker.to(stateResolved, "resolution", resolution)
		item.Action = ActionConflict
		item.Err = fmt.Errorf("%w: skipped", ErrConflictUnresolved)
		item.Reason = fmt.Sprintf("%s: skipped, will be detected again", rec.Class)
		return item
	default:
		return fail(fmt.Errorf("strategy returned unknown resolution %q", resolution))
	}

	tracker.to(stateResolved, "resolution", resolution)
	return item
}

// freeCopy returns the first conflict copy name of rec that is neither
// tracked, listed on either side nor present on disk.
func (r *resolver) freeCopy(rec *ChangeRecord) (SyncKey, bool) {
	for n := range maxConflictCopies {
		copyKey := conflictCopy(rec.Key, n)
		if r.taken.Contains(copyKey.String()) || utils.FileExists(conflictCopyPath(rec, copyKey)) {
			continue
		}
		return copyKey, true
	}
	return SyncKey{}, false
}

// identical reports whether both sides already hold the same bytes. The
// local hash is computed on demand when only the remote one is known.
func identical(rec *ChangeRecord) bool {
	if rec.Local == nil || rec.Remote == nil || rec.Remote.Hash == "" {
		return false
	}
	if rec.Local.Hash == "" {
		fp, err := LocalFingerprint(rec.LocalPath, true)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				slog.Warn("conflict hash", "key", rec.Key, "error", err)
			}
			return false
		}
		if fp.Size != rec.Local.Size || !fp.ModTime.Equal(rec.Local.ModTime) {
			return false // changed since the scan
		}
		rec.Local.Hash = fp.Hash
	}
	return rec.Local.Hash == rec.Remote.Hash
}

// conflictCopyPath is the on-disk location of the keep-both copy of rec.
func conflictCopyPath(rec *ChangeRecord, copyKey SyncKey) string {
	return filepath.Join(filepath.Dir(rec.LocalPath), path.Base(copyKey.Path))
}
