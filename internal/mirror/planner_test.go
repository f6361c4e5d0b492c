package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(p string, class Class) *ChangeRecord {
	rec := &ChangeRecord{
		Key:       SyncKey{Dir: "docs", Path: p},
		Class:     class,
		LocalPath: filepath.Join("/nonexistent", p),
	}
	switch class {
	case ClassLocalNew, ClassLocalOnlyChange, ClassRemoteDeleted, ClassUnchanged:
		rec.Local = fp(5, 0, "")
	}
	switch class {
	case ClassRemoteNew, ClassRemoteOnlyChange, ClassLocalDeleted, ClassUnchanged:
		rec.Remote = fp(5, 0, "h1")
		rec.RemoteID = "docs/" + p
	}
	if class.IsConflict() {
		rec.Local = fp(5, 10, "")
		rec.Remote = fp(7, 20, "h2")
		rec.RemoteID = "docs/" + p
	}
	switch class {
	case ClassLocalNew, ClassRemoteNew, ClassBothNewUnlinked:
	default:
		rec.Entry = ledgerOf(fp(5, 0, "h1"), fp(5, 0, "h1"))
	}
	return rec
}

func newTestPlanner(direction config.Direction, deletes config.DeletePolicy, strategy Strategy, records []*ChangeRecord) *planner {
	if strategy == nil {
		strategy = PolicyStrategy{Default: ResolveKeepLocal}
	}
	return &planner{direction: direction, deletePolicy: deletes, resolver: newResolver(strategy, records)}
}

func planOne(t *testing.T, p *planner, rec *ChangeRecord) *ActionPlanItem {
	t.Helper()
	plan := p.plan(context.Background(), []*ChangeRecord{rec})
	require.Len(t, plan.Items, 1)
	return plan.Items[0]
}

func TestPlanner_ActionTable(t *testing.T) {
	cases := []struct {
		class    Class
		deletes  config.DeletePolicy
		action   Action
		ledgerOp LedgerOp
	}{
		{ClassLocalNew, config.DeleteReport, ActionUpload, LedgerNone},
		{ClassLocalOnlyChange, config.DeleteReport, ActionUpload, LedgerNone},
		{ClassRemoteNew, config.DeleteReport, ActionDownload, LedgerNone},
		{ClassRemoteOnlyChange, config.DeleteReport, ActionDownload, LedgerNone},
		{ClassUnchanged, config.DeleteReport, ActionSkip, LedgerNone},
		{ClassBothDeleted, config.DeleteReport, ActionSkip, LedgerForget},
		{ClassLocalDeleted, config.DeleteReport, ActionSkip, LedgerNone},
		{ClassRemoteDeleted, config.DeleteReport, ActionSkip, LedgerNone},
		{ClassLocalDeleted, config.DeletePropagate, ActionDeleteRemote, LedgerNone},
		{ClassRemoteDeleted, config.DeletePropagate, ActionDeleteLocal, LedgerNone},
		{ClassLocalDeleted, config.DeleteRestore, ActionDownload, LedgerNone},
		{ClassRemoteDeleted, config.DeleteRestore, ActionUpload, LedgerNone},
	}

	for _, tc := range cases {
		t.Run(string(tc.class)+"/"+string(tc.deletes), func(t *testing.T) {
			p := newTestPlanner(config.DirectionMirror, tc.deletes, nil, nil)
			item := planOne(t, p, record("a.txt", tc.class))
			assert.Equal(t, tc.action, item.Action)
			assert.Equal(t, tc.ledgerOp, item.LedgerOp)
			assert.NotEmpty(t, item.Reason)
		})
	}
}

func TestPlanner_PropagateKeepsChangedSurvivor(t *testing.T) {
	p := newTestPlanner(config.DirectionMirror, config.DeletePropagate, nil, nil)
	p.scanMode = config.ScanFast

	edited := record("a.txt", ClassRemoteDeleted)
	edited.Local = fp(9, 30, "")
	item := planOne(t, p, edited)
	assert.Equal(t, ActionSkip, item.Action)
	assert.Contains(t, item.Reason, "changed since last sync")

	replaced := record("b.txt", ClassLocalDeleted)
	replaced.Remote = fp(9, 30, "h9")
	item = planOne(t, p, replaced)
	assert.Equal(t, ActionSkip, item.Action)
	assert.Contains(t, item.Reason, "changed since last sync")

	item = planOne(t, p, record("c.txt", ClassRemoteDeleted))
	assert.Equal(t, ActionDeleteLocal, item.Action)
}

func TestPlanner_ReportedDeletesAreNotPending(t *testing.T) {
	p := newTestPlanner(config.DirectionMirror, config.DeleteReport, nil, nil)
	plan := p.plan(context.Background(), []*ChangeRecord{
		record("a.txt", ClassLocalDeleted),
		record("b.txt", ClassRemoteDeleted),
		record("c.txt", ClassUnchanged),
	})

	assert.Len(t, plan.Items, 3)
	assert.Empty(t, plan.Pending())
	assert.Contains(t, plan.Items[0].Reason, "removals")
}

func TestPlanner_Direction(t *testing.T) {
	t.Run("upload-only skips downloads", func(t *testing.T) {
		p := newTestPlanner(config.DirectionUploadOnly, config.DeletePropagate, nil, nil)

		item := planOne(t, p, record("a.txt", ClassRemoteNew))
		assert.Equal(t, ActionSkip, item.Action)
		assert.Contains(t, item.Reason, "not allowed")

		item = planOne(t, p, record("b.txt", ClassRemoteDeleted))
		assert.Equal(t, ActionSkip, item.Action)

		item = planOne(t, p, record("c.txt", ClassLocalNew))
		assert.Equal(t, ActionUpload, item.Action)
	})

	t.Run("download-only skips uploads", func(t *testing.T) {
		p := newTestPlanner(config.DirectionDownloadOnly, config.DeletePropagate, nil, nil)

		item := planOne(t, p, record("a.txt", ClassLocalOnlyChange))
		assert.Equal(t, ActionSkip, item.Action)

		item = planOne(t, p, record("b.txt", ClassLocalDeleted))
		assert.Equal(t, ActionSkip, item.Action)

		item = planOne(t, p, record("c.txt", ClassRemoteOnlyChange))
		assert.Equal(t, ActionDownload, item.Action)
	})

	t.Run("forbidden resolution stays a conflict", func(t *testing.T) {
		p := newTestPlanner(config.DirectionDownloadOnly, config.DeleteReport, PolicyStrategy{Default: ResolveKeepLocal}, nil)

		item := planOne(t, p, record("a.txt", ClassBothChanged))
		assert.Equal(t, ActionConflict, item.Action)
		assert.ErrorIs(t, item.Err, ErrConflictUnresolved)
	})

	t.Run("keep-both needs both directions", func(t *testing.T) {
		p := newTestPlanner(config.DirectionDownloadOnly, config.DeleteReport, PolicyStrategy{Default: ResolveKeepBoth}, nil)

		item := planOne(t, p, record("a.txt", ClassBothChanged))
		assert.Equal(t, ActionConflict, item.Action)
		assert.Nil(t, item.KeepBothAs)
	})

	t.Run("ledger ops are always allowed", func(t *testing.T) {
		p := newTestPlanner(config.DirectionUploadOnly, config.DeleteReport, nil, nil)

		item := planOne(t, p, record("a.txt", ClassBothDeleted))
		assert.Equal(t, ActionSkip, item.Action)
		assert.Equal(t, LedgerForget, item.LedgerOp)
	})
}

func TestPlanner_RefreshesStaleMetadata(t *testing.T) {
	rec := record("a.txt", ClassUnchanged)
	rec.Local = fp(5, 60, "h1")

	p := newTestPlanner(config.DirectionMirror, config.DeleteReport, nil, nil)
	item := planOne(t, p, rec)
	assert.Equal(t, ActionSkip, item.Action)
	assert.Equal(t, LedgerRefresh, item.LedgerOp)
	assert.True(t, item.Executable())
}

func TestPlan_Queries(t *testing.T) {
	p := newTestPlanner(config.DirectionMirror, config.DeleteReport, PolicyStrategy{Default: ResolveSkip}, nil)
	plan := p.plan(context.Background(), []*ChangeRecord{
		record("a.txt", ClassLocalNew),
		record("b.txt", ClassRemoteNew),
		record("c.txt", ClassBothChanged),
		record("d.txt", ClassUnchanged),
	})

	assert.Equal(t, 1, plan.Count(ActionUpload))
	assert.Equal(t, 1, plan.Count(ActionDownload))
	assert.Len(t, plan.Conflicts(), 1)
	assert.Len(t, plan.Pending(), 2)
	assert.NotNil(t, plan.Find(SyncKey{Dir: "docs", Path: "c.txt"}))
	assert.Nil(t, plan.Find(SyncKey{Dir: "docs", Path: "zzz"}))
}

func TestResolver_Policies(t *testing.T) {
	cases := []struct {
		resolution Resolution
		action     Action
	}{
		{ResolveKeepLocal, ActionUpload},
		{ResolveKeepRemote, ActionDownload},
		{ResolveKeepBoth, ActionDownload},
		{ResolveSkip, ActionConflict},
	}

	for _, tc := range cases {
		t.Run(string(tc.resolution), func(t *testing.T) {
			rec := record("a.txt", ClassBothChanged)
			r := newResolver(PolicyStrategy{Default: tc.resolution}, []*ChangeRecord{rec})

			item := r.resolve(context.Background(), rec)
			assert.Equal(t, tc.action, item.Action)
			assert.Equal(t, tc.resolution, item.Resolution)
			if tc.resolution == ResolveKeepBoth {
				require.NotNil(t, item.KeepBothAs)
				assert.Equal(t, "a.conflict.txt", item.KeepBothAs.Path)
			}
			if tc.resolution == ResolveSkip {
				assert.ErrorIs(t, item.Err, ErrConflictUnresolved)
			}
		})
	}
}

func TestResolver_KeepBothCollision(t *testing.T) {
	rec := record("a.txt", ClassBothChanged)
	existing := record("a.conflict.txt", ClassUnchanged)
	r := newResolver(PolicyStrategy{Default: ResolveKeepBoth}, []*ChangeRecord{rec, existing})

	item := r.resolve(context.Background(), rec)
	assert.Equal(t, ActionDownload, item.Action)
	require.NotNil(t, item.KeepBothAs)
	assert.Equal(t, "a.conflict.1.txt", item.KeepBothAs.Path)
}

func TestResolver_KeepBothNamesAreNotReused(t *testing.T) {
	a := record("a.txt", ClassBothChanged)
	b := record("a.conflict.txt", ClassBothChanged)
	r := newResolver(PolicyStrategy{Default: ResolveKeepBoth}, []*ChangeRecord{a, b})

	first := r.resolve(context.Background(), a)
	second := r.resolve(context.Background(), b)
	require.NotNil(t, first.KeepBothAs)
	require.NotNil(t, second.KeepBothAs)
	assert.Equal(t, "a.conflict.1.txt", first.KeepBothAs.Path)
	assert.Equal(t, "a.conflict.conflict.txt", second.KeepBothAs.Path)
}

func TestResolver_KeepBothRunsOutOfNames(t *testing.T) {
	rec := record("a.txt", ClassBothChanged)
	records := []*ChangeRecord{rec}
	for n := range maxConflictCopies {
		records = append(records, record(conflictCopy(rec.Key, n).Path, ClassUnchanged))
	}
	r := newResolver(PolicyStrategy{Default: ResolveKeepBoth}, records)

	item := r.resolve(context.Background(), rec)
	assert.Equal(t, ActionConflict, item.Action)
	assert.ErrorIs(t, item.Err, ErrConflictUnresolved)
	assert.Nil(t, item.KeepBothAs)
}

func TestResolver_KeepBothCopyOnDisk(t *testing.T) {
	dir := t.TempDir()
	rec := record("a.txt", ClassBothChanged)
	rec.LocalPath = filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.conflict.txt"), []byte("x"), 0o644))

	r := newResolver(PolicyStrategy{Default: ResolveKeepBoth}, []*ChangeRecord{rec})
	item := r.resolve(context.Background(), rec)
	require.NotNil(t, item.KeepBothAs)
	assert.Equal(t, "a.conflict.1.txt", item.KeepBothAs.Path)
}

func TestResolver_StrategyError(t *testing.T) {
	rec := record("a.txt", ClassBothNewUnlinked)
	boom := errors.New("prompt closed")
	r := newResolver(StrategyFunc(func(context.Context, *Conflict) (Resolution, error) {
		return ResolveNone, boom
	}), nil)

	item := r.resolve(context.Background(), rec)
	assert.Equal(t, ActionConflict, item.Action)
	assert.ErrorIs(t, item.Err, ErrConflictUnresolved)
	assert.ErrorIs(t, item.Err, boom)
}

func TestResolver_UnknownResolution(t *testing.T) {
	rec := record("a.txt", ClassBothChanged)
	r := newResolver(PolicyStrategy{Default: "flip-a-coin"}, nil)

	item := r.resolve(context.Background(), rec)
	assert.Equal(t, ActionConflict, item.Action)
}

func TestResolver_IdenticalContentIsLinked(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(localPath, []byte("hello"), 0o644))
	local, err := LocalFingerprint(localPath, false)
	require.NoError(t, err)

	rec := &ChangeRecord{
		Key:       SyncKey{Dir: "docs", Path: "a.txt"},
		Class:     ClassBothNewUnlinked,
		Local:     &local,
		Remote:    &Fingerprint{Size: 5, ModTime: t0, Hash: "5d41402abc4b2a76b9719d911017c592"},
		RemoteID:  "docs/a.txt",
		LocalPath: localPath,
	}
	called := false
	r := newResolver(StrategyFunc(func(context.Context, *Conflict) (Resolution, error) {
		called = true
		return ResolveKeepLocal, nil
	}), nil)

	item := r.resolve(context.Background(), rec)
	assert.False(t, called, "identical content must not reach the strategy")
	assert.Equal(t, ActionSkip, item.Action)
	assert.Equal(t, LedgerRefresh, item.LedgerOp)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", rec.Local.Hash)
}

func TestNewestStrategy(t *testing.T) {
	s := NewestStrategy{}
	ctx := context.Background()

	res, err := s.Decide(ctx, &Conflict{Local: fp(1, 20, ""), Remote: fp(1, 10, "")})
	require.NoError(t, err)
	assert.Equal(t, ResolveKeepLocal, res)

	res, err = s.Decide(ctx, &Conflict{Local: fp(1, 10, ""), Remote: fp(1, 20, "")})
	require.NoError(t, err)
	assert.Equal(t, ResolveKeepRemote, res)

	res, err = s.Decide(ctx, &Conflict{Local: fp(1, 10, ""), Remote: fp(2, 10, "")})
	require.NoError(t, err)
	assert.Equal(t, ResolveSkip, res)
}

func TestStrategyFor(t *testing.T) {
	for _, policy := range []config.ConflictPolicy{
		config.ConflictKeepLocal, config.ConflictKeepRemote, config.ConflictKeepBoth,
		config.ConflictSkip, config.ConflictNewest,
	} {
		s, err := StrategyFor(policy)
		require.NoError(t, err, policy)
		assert.NotNil(t, s)
	}

	_, err := StrategyFor(config.ConflictInteractive)
	assert.Error(t, err)
	_, err = StrategyFor("coin-toss")
	assert.Error(t, err)
}
