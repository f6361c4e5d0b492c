package mirror

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger(filepath.Join(t.TempDir(), "state", "ledger.db"))
	require.NoError(t, l.Open())
	t.Cleanup(func() { l.Close() })
	return l
}

func testEntry(dir, p string) *LedgerEntry {
	mtime := time.Date(2024, 5, 1, 12, 30, 45, 123456789, time.UTC)
	return &LedgerEntry{
		Key:      SyncKey{Dir: dir, Path: p},
		RemoteID: dir + "/" + p,
		Local:    Fingerprint{Size: 11, ModTime: mtime, Hash: "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		Remote:   Fingerprint{Size: 11, ModTime: mtime.Add(time.Second), Hash: "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		SyncedAt: mtime.Add(2 * time.Second),
	}
}

func TestLedger_GetMissing(t *testing.T) {
	l := openTestLedger(t)

	entry, err := l.Get(SyncKey{Dir: "docs", Path: "a.txt"})
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestLedger_UpsertAndGet(t *testing.T) {
	l := openTestLedger(t)
	want := testEntry("docs", "notes/a.txt")

	require.NoError(t, l.Upsert(want))

	got, err := l.Get(want.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Key, got.Key)
	assert.Equal(t, want.RemoteID, got.RemoteID)
	assert.Equal(t, want.Local.Size, got.Local.Size)
	assert.True(t, want.Local.ModTime.Equal(got.Local.ModTime), "nanosecond mtime must survive")
	assert.True(t, want.Remote.ModTime.Equal(got.Remote.ModTime))
	assert.Equal(t, want.Remote.Hash, got.Remote.Hash)

	// replace
	want.Local.Size = 42
	require.NoError(t, l.Upsert(want))
	got, err = l.Get(want.Key)
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.Local.Size)

	count, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLedger_UpsertNil(t *testing.T) {
	l := openTestLedger(t)
	assert.Error(t, l.Upsert(nil))
}

func TestLedger_Remove(t *testing.T) {
	l := openTestLedger(t)
	entry := testEntry("docs", "a.txt")
	require.NoError(t, l.Upsert(entry))

	require.NoError(t, l.Remove(entry.Key))
	got, err := l.Get(entry.Key)
	require.NoError(t, err)
	assert.Nil(t, got)

	// removing an untracked key is not an error
	assert.NoError(t, l.Remove(entry.Key))
}

func TestLedger_ScanPrefix(t *testing.T) {
	l := openTestLedger(t)
	for _, e := range []*LedgerEntry{
		testEntry("a", "1.txt"),
		testEntry("a/b", "2.txt"),
		testEntry("ab", "3.txt"),
		testEntry("z", "4.txt"),
	} {
		require.NoError(t, l.Upsert(e))
	}

	entries, err := l.Scan("a")
	require.NoError(t, err)
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key.String())
	}
	assert.Equal(t, []string{"a/1.txt", "a/b/2.txt"}, keys)

	all, err := l.Scan("")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestLedger_Prune(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.Upsert(testEntry("docs", "keep.txt")))
	require.NoError(t, l.Upsert(testEntry("docs", "drop.txt")))

	pruned, err := l.Prune(func(e *LedgerEntry) bool {
		return e.Key.Path == "keep.txt"
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	count, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLedger_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	entry := testEntry("docs", "a.txt")

	l := NewLedger(path)
	require.NoError(t, l.Open())
	require.NoError(t, l.Upsert(entry))
	require.NoError(t, l.Close())

	l = NewLedger(path)
	require.NoError(t, l.Open())
	defer l.Close()

	got, err := l.Get(entry.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.RemoteID, got.RemoteID)
}

func TestLedger_OpenTwice(t *testing.T) {
	l := openTestLedger(t)
	assert.Error(t, l.Open())
}

func TestLedger_GarbageFileIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a database at all, just some text"), 0o644))

	l := NewLedger(path)
	err := l.Open()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerCorruption)

	// the file is left for the user to inspect
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "not a database")
}

func TestLedger_EmptyFileIsInitialized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	l := NewLedger(path)
	require.NoError(t, l.Open())
	defer l.Close()

	count, err := l.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLedger_UnknownSchemaVersionIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l := NewLedger(path)
	require.NoError(t, l.Open())
	_, err := l.db.Exec("UPDATE meta SET value = '99' WHERE key = 'schema_version'")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	err = NewLedger(path).Open()
	assert.ErrorIs(t, err, ErrLedgerCorruption)
}

func TestLedger_BadTimestampIsCorruption(t *testing.T) {
	l := openTestLedger(t)
	entry := testEntry("docs", "a.txt")
	require.NoError(t, l.Upsert(entry))

	_, err := l.db.Exec("UPDATE ledger SET local_mtime = 'yesterday'")
	require.NoError(t, err)

	_, err = l.Get(entry.Key)
	assert.ErrorIs(t, err, ErrLedgerCorruption)

	_, err = l.Scan("")
	assert.ErrorIs(t, err, ErrLedgerCorruption)
}
