package mirror

import (
	"path"
	"strconv"
	"strings"
)

// SyncKey identifies one tracked file: the remote directory of its pair
// plus the slash-separated path below the pair root.
type SyncKey struct {
	Dir  string `json:"dir"`
	Path string `json:"path"`
}

func (k SyncKey) String() string {
	if k.Dir == "" {
		return k.Path
	}
	return k.Dir + "/" + k.Path
}

// ParseKey splits "dir/path" using the configured pair directories. The
// longest matching directory wins.
func ParseKey(s string, dirs []string) (SyncKey, bool) {
	s = strings.Trim(path.Clean("/"+s), "/")
	var best string
	for _, dir := range dirs {
		if strings.HasPrefix(s, dir+"/") && len(dir) > len(best) {
			best = dir
		}
	}
	if best == "" {
		return SyncKey{}, false
	}
	return SyncKey{Dir: best, Path: strings.TrimPrefix(s, best+"/")}, true
}

// conflictCopy returns the n-th candidate key the local side of a
// keep-both resolution is moved to: notes/a.txt -> notes/a.conflict.txt,
// then notes/a.conflict.1.txt, notes/a.conflict.2.txt and so on.
func conflictCopy(k SyncKey, n int) SyncKey {
	ext := path.Ext(k.Path)
	base := strings.TrimSuffix(k.Path, ext)
	marker := conflictMarker
	if n > 0 {
		marker += "." + strconv.Itoa(n)
	}
	return SyncKey{Dir: k.Dir, Path: base + marker + ext}
}

const (
	conflictMarker = ".conflict"
	// maxConflictCopies bounds the search for a free keep-both name.
	maxConflictCopies = 1000
)
