package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFSEngine builds an engine over the directory backend.
func newFSEngine(t *testing.T) (*Engine, string, string) {
	t.Helper()

	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Pairs = []config.Pair{{Local: t.TempDir(), Remote: testDir}}
	cfg.Remote = config.Remote{Backend: config.BackendFS, Root: t.TempDir()}
	require.NoError(t, cfg.Validate())

	tr, err := transport.NewFS(cfg.Remote.Root)
	require.NoError(t, err)
	e, err := New(cfg, tr)
	require.NoError(t, err)
	require.NoError(t, e.Open())
	t.Cleanup(func() { e.Close() })

	return e, cfg.Pairs[0].Local, filepath.Join(cfg.Remote.Root, filepath.FromSlash(testDir))
}

func writeAt(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestScan_RemoteHashesOnlyInFullMode(t *testing.T) {
	e, _, remoteRoot := newFSEngine(t)
	writeAt(t, filepath.Join(remoteRoot, "a.txt"), "hello", time.Now())

	snaps, _, err := e.snapshot(context.Background(), config.ScanFast)
	require.NoError(t, err)
	require.Contains(t, snaps[0].remote, "a.txt")
	assert.Empty(t, snaps[0].remote["a.txt"].Hash)

	snaps, _, err = e.snapshot(context.Background(), config.ScanFull)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", snaps[0].remote["a.txt"].Hash)
}

func TestRun_FastScanLinksIdenticalFilesOnHashlessRemote(t *testing.T) {
	e, local, remoteRoot := newFSEngine(t)
	writeAt(t, filepath.Join(local, "a.txt"), "hello", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	writeAt(t, filepath.Join(remoteRoot, "a.txt"), "hello", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	report, err := e.Run(context.Background(), RunOptions{ScanMode: config.ScanFast})
	require.NoError(t, err)

	item := report.Plan.Find(SyncKey{Dir: testDir, Path: "a.txt"})
	require.NotNil(t, item)
	assert.Equal(t, ActionSkip, item.Action)
	assert.Equal(t, LedgerRefresh, item.LedgerOp)
	assert.Equal(t, 0, report.ExitCode())
}
