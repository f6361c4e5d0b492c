package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{name: "empty path", input: "", wantError: true},
		{name: "relative path", input: "./test", wantError: false},
		{name: "absolute path", input: "/tmp/test", wantError: false},
		{name: "home path", input: "~/mirror", wantError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(result))
		})
	}
}

func TestIsSubPath(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "data", "docs")

	assert.True(t, IsSubPath(root, root))
	assert.True(t, IsSubPath(root, filepath.Join(root, "a", "b.txt")))
	assert.False(t, IsSubPath(root, filepath.Join(string(filepath.Separator), "data", "docs2")))
	assert.False(t, IsSubPath(root, filepath.Dir(root)))
}

func TestRemoveEmptyParents(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "keep.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(deep, ".DS_Store"), []byte("x"), 0o644))

	require.NoError(t, RemoveEmptyParents(deep, root))

	assert.NoDirExists(t, filepath.Join(root, "a", "b"))
	assert.DirExists(t, filepath.Join(root, "a"))
	assert.DirExists(t, root)
}

func TestEnsureParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x", "y", "z.db")
	require.NoError(t, EnsureParent(path))
	assert.True(t, DirExists(filepath.Dir(path)))
	assert.False(t, FileExists(path))
}
