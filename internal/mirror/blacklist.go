package mirror

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is the per-root file holding gitignore-style rules.
const IgnoreFileName = ".mirrorignore"

var defaultIgnoreLines = []string{
	IgnoreFileName,
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// Blacklist decides which keys never take part in reconciliation. Rules
// come from the config file, from ignore files in each local root and from
// keys added through the removals flow.
type Blacklist struct {
	path     string
	prefixes []string
	patterns []string
	ignores  map[string]*gitignore.GitIgnore
	mu       sync.RWMutex
	keys     []string
}

// LoadBlacklist compiles all rule sources for cfg.
func LoadBlacklist(cfg *config.Config) (*Blacklist, error) {
	b := &Blacklist{
		path:     cfg.BlacklistPath(),
		patterns: cfg.Blacklist.Patterns,
		ignores:  make(map[string]*gitignore.GitIgnore, len(cfg.Pairs)),
	}

	for _, p := range cfg.Blacklist.Paths {
		if p = config.NormRemote(p); p != "" {
			b.prefixes = append(b.prefixes, p)
		}
	}

	for _, pair := range cfg.Pairs {
		b.ignores[pair.Remote] = loadIgnoreFile(filepath.Join(pair.Local, IgnoreFileName))
	}

	keys, err := readKeys(b.path)
	if err != nil {
		return nil, fmt.Errorf("read blacklist %s: %w", b.path, err)
	}
	b.keys = keys

	slog.Debug("blacklist loaded", "paths", len(b.prefixes), "patterns", len(b.patterns), "keys", len(b.keys))
	return b, nil
}

func loadIgnoreFile(ignorePath string) *gitignore.GitIgnore {
	lines := slices.Clone(defaultIgnoreLines)

	if utils.FileExists(ignorePath) {
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
			return gitignore.CompileIgnoreLines(lines...)
		}
		defer file.Close()

		rules := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				lines = append(lines, line)
				rules++
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
		} else {
			slog.Info("loaded ignore file", "path", ignorePath, "rules", rules)
		}
	}

	return gitignore.CompileIgnoreLines(lines...)
}

func readKeys(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var keys []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, config.NormRemote(line))
	}
	return keys, scanner.Err()
}

// Match reports whether key is excluded.
func (b *Blacklist) Match(key SyncKey) bool {
	full := key.String()

	for _, prefix := range b.prefixes {
		if underPrefix(full, prefix) {
			return true
		}
	}

	b.mu.RLock()
	for _, k := range b.keys {
		if underPrefix(full, k) {
			b.mu.RUnlock()
			return true
		}
	}
	b.mu.RUnlock()

	for _, pattern := range b.patterns {
		if ok, _ := doublestar.Match(pattern, full); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, key.Path); ok {
			return true
		}
	}

	if ignore, ok := b.ignores[key.Dir]; ok {
		return ignore.MatchesPath(key.Path)
	}
	return false
}

// Add persists key so that it is excluded from every later run.
func (b *Blacklist) Add(key SyncKey) error {
	full := key.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	if slices.Contains(b.keys, full) {
		return nil
	}
	if err := utils.EnsureParent(b.path); err != nil {
		return err
	}

	file, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open blacklist: %w", err)
	}
	if _, err := fmt.Fprintln(file, full); err != nil {
		file.Close()
		return fmt.Errorf("write blacklist: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync blacklist: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close blacklist: %w", err)
	}

	b.keys = append(b.keys, full)
	slog.Info("blacklist add", "key", full)
	return nil
}

// Keys returns the keys added through Add, including earlier runs.
func (b *Blacklist) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.keys)
}

func underPrefix(key, prefix string) bool {
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}
