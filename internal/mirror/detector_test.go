package mirror

import (
	"testing"
	"time"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func fp(size int64, sec int, hash string) *Fingerprint {
	return &Fingerprint{Size: size, ModTime: t0.Add(time.Duration(sec) * time.Second), Hash: hash}
}

func ledgerOf(local, remote *Fingerprint) *LedgerEntry {
	return &LedgerEntry{Local: *local, Remote: *remote}
}

func TestClassify(t *testing.T) {
	base := fp(5, 0, "h1")
	changed := fp(6, 10, "h2")

	cases := []struct {
		name   string
		local  *Fingerprint
		remote *Fingerprint
		entry  *LedgerEntry
		mode   config.ScanMode
		want   Class
	}{
		{"gone everywhere", nil, nil, ledgerOf(base, base), config.ScanFast, ClassBothDeleted},
		{"local only untracked", base, nil, nil, config.ScanFast, ClassLocalNew},
		{"remote only untracked", nil, base, nil, config.ScanFast, ClassRemoteNew},
		{"both untracked", base, base, nil, config.ScanFast, ClassBothNewUnlinked},
		{"tracked missing remotely", base, nil, ledgerOf(base, base), config.ScanFast, ClassRemoteDeleted},
		{"tracked missing locally", nil, base, ledgerOf(base, base), config.ScanFast, ClassLocalDeleted},
		{"local edited", changed, base, ledgerOf(base, base), config.ScanFast, ClassLocalOnlyChange},
		{"remote edited", base, changed, ledgerOf(base, base), config.ScanFast, ClassRemoteOnlyChange},
		{"both edited", changed, changed, ledgerOf(base, base), config.ScanFast, ClassBothChanged},
		{"nothing changed", base, base, ledgerOf(base, base), config.ScanFast, ClassUnchanged},
		{"touched but same content in full mode", fp(5, 99, "h1"), base, ledgerOf(base, base), config.ScanFull, ClassUnchanged},
		{"same size and mtime but new content in full mode", fp(5, 0, "h9"), base, ledgerOf(base, base), config.ScanFull, ClassLocalOnlyChange},
		{"same size and mtime but new content in fast mode", fp(5, 0, "h9"), base, ledgerOf(base, base), config.ScanFast, ClassUnchanged},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.local, tc.remote, tc.entry, tc.mode))
		})
	}
}

func TestClassPredicates(t *testing.T) {
	assert.True(t, ClassBothChanged.IsConflict())
	assert.True(t, ClassBothNewUnlinked.IsConflict())
	assert.False(t, ClassLocalOnlyChange.IsConflict())

	assert.True(t, ClassLocalDeleted.IsOneSidedDelete())
	assert.True(t, ClassRemoteDeleted.IsOneSidedDelete())
	assert.False(t, ClassBothDeleted.IsOneSidedDelete())
}

func TestDetect_SortsAndSkipsBlacklisted(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Pairs = []config.Pair{{Local: t.TempDir(), Remote: "docs"}}
	cfg.Blacklist.Patterns = []string{"**/*.tmp"}
	blacklist, err := LoadBlacklist(cfg)
	require.NoError(t, err)

	snap := &snapshot{
		pair: cfg.Pairs[0],
		local: map[string]*Fingerprint{
			"b.txt":     fp(1, 0, ""),
			"build.tmp": fp(1, 0, ""),
		},
		remote: map[string]*transport.RemoteEntry{
			"a.txt": {ID: "docs/a.txt", Path: "a.txt", Size: 2, ModTime: t0},
		},
		ledger: map[string]*LedgerEntry{
			"c.txt": {Key: SyncKey{Dir: "docs", Path: "c.txt"}, RemoteID: "docs/c.txt", Local: *fp(3, 0, ""), Remote: *fp(3, 0, "")},
		},
	}

	records := detect([]*snapshot{snap}, blacklist, config.ScanFast)
	require.Len(t, records, 3)

	assert.Equal(t, "a.txt", records[0].Key.Path)
	assert.Equal(t, ClassRemoteNew, records[0].Class)
	assert.Equal(t, "docs/a.txt", records[0].RemoteID)

	assert.Equal(t, "b.txt", records[1].Key.Path)
	assert.Equal(t, ClassLocalNew, records[1].Class)

	// remote id falls back to the ledger when the object is gone
	assert.Equal(t, ClassBothDeleted, records[2].Class)
	assert.Equal(t, "docs/c.txt", records[2].RemoteID)
}

func TestStaleMetadata(t *testing.T) {
	entry := ledgerOf(fp(5, 0, "h1"), fp(5, 0, "h1"))

	fresh := &ChangeRecord{Class: ClassUnchanged, Local: fp(5, 0, "h1"), Remote: fp(5, 0, "h1"), Entry: entry}
	assert.False(t, fresh.staleMetadata())

	touched := &ChangeRecord{Class: ClassUnchanged, Local: fp(5, 30, "h1"), Remote: fp(5, 0, "h1"), Entry: entry}
	assert.True(t, touched.staleMetadata())

	changed := &ChangeRecord{Class: ClassLocalOnlyChange, Local: fp(6, 30, "h2"), Remote: fp(5, 0, "h1"), Entry: entry}
	assert.False(t, changed.staleMetadata())
}

func TestParseKey(t *testing.T) {
	dirs := []string{"backup", "backup/photos", "docs"}

	key, ok := ParseKey("backup/photos/2024/a.jpg", dirs)
	require.True(t, ok)
	assert.Equal(t, SyncKey{Dir: "backup/photos", Path: "2024/a.jpg"}, key)

	key, ok = ParseKey("/docs/readme.md/", dirs)
	require.True(t, ok)
	assert.Equal(t, SyncKey{Dir: "docs", Path: "readme.md"}, key)

	_, ok = ParseKey("other/readme.md", dirs)
	assert.False(t, ok)

	_, ok = ParseKey("docs", dirs)
	assert.False(t, ok)
}

func TestConflictCopy(t *testing.T) {
	assert.Equal(t, "notes/a.conflict.txt", conflictCopy(SyncKey{Dir: "d", Path: "notes/a.txt"}, 0).Path)
	assert.Equal(t, "notes/a.conflict.2.txt", conflictCopy(SyncKey{Dir: "d", Path: "notes/a.txt"}, 2).Path)
	assert.Equal(t, "Makefile.conflict", conflictCopy(SyncKey{Dir: "d", Path: "Makefile"}, 0).Path)
	assert.Equal(t, "Makefile.conflict.1", conflictCopy(SyncKey{Dir: "d", Path: "Makefile"}, 1).Path)
	assert.Equal(t, "archive.tar.conflict.gz", conflictCopy(SyncKey{Dir: "d", Path: "archive.tar.gz"}, 0).Path)
}
