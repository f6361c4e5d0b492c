package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/syftmirror/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	BackendS3 = "s3"
	BackendFS = "fs"

	ledgerFile    = "ledger.db"
	lockFile      = "syftmirror.lock"
	blacklistFile = "blacklist"
	logFile       = "syftmirror.log"
)

var (
	home, _           = os.UserHomeDir()
	DefaultStateDir   = filepath.Join(home, ".syftmirror")
	DefaultConfigPath = filepath.Join(DefaultStateDir, "config.yaml")
	DefaultLogPath    = filepath.Join(DefaultStateDir, "logs", logFile)
)

var (
	ErrNoPairs       = errors.New("no directory pairs configured")
	ErrOverlap       = errors.New("directory pairs overlap")
	ErrRemoteMissing = errors.New("remote is not configured")
)

// Pair links one local directory tree to one remote directory.
type Pair struct {
	Local  string `yaml:"local" mapstructure:"local" json:"local"`
	Remote string `yaml:"remote" mapstructure:"remote" json:"remote"`
}

type Remote struct {
	Backend       string `yaml:"backend"`
	Bucket        string `yaml:"bucket,omitempty"`
	Region        string `yaml:"region,omitempty"`
	AccessKey     string `yaml:"access_key,omitempty"`
	SecretKey     string `yaml:"secret_key,omitempty"`
	Endpoint      string `yaml:"endpoint,omitempty"`
	UseAccelerate bool   `yaml:"use_accelerate,omitempty"`
	// Root is the directory that stands in for the bucket with the fs backend.
	Root string `yaml:"root,omitempty"`
}

// Blacklist rules that come from the config file. Keys added at runtime
// by the removals flow live in the state dir instead.
type Blacklist struct {
	Paths    []string `yaml:"paths,omitempty"`
	Patterns []string `yaml:"patterns,omitempty"`
}

type Retry struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

type Config struct {
	Path           string         `yaml:"-"`
	StateDir       string         `yaml:"state_dir"`
	LedgerPath     string         `yaml:"ledger_path,omitempty"`
	Pairs          []Pair         `yaml:"pairs"`
	Remote         Remote         `yaml:"remote"`
	Blacklist      Blacklist      `yaml:"blacklist,omitempty"`
	ScanMode       ScanMode       `yaml:"scan_mode"`
	Direction      Direction      `yaml:"direction"`
	ConflictPolicy ConflictPolicy `yaml:"conflict_policy"`
	DeletePolicy   DeletePolicy   `yaml:"delete_policy"`
	Workers        int            `yaml:"workers"`
	Retry          Retry          `yaml:"retry"`
}

// Default returns a config with every policy set to its safe default.
func Default() *Config {
	return &Config{
		StateDir:       DefaultStateDir,
		Remote:         Remote{Backend: BackendS3, Region: "us-east-1"},
		ScanMode:       ScanFast,
		Direction:      DirectionMirror,
		ConflictPolicy: ConflictKeepBoth,
		DeletePolicy:   DeleteReport,
		Workers:        4,
		Retry: Retry{
			Attempts:  4,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  15 * time.Second,
		},
	}
}

func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, lockFile)
}

func (c *Config) BlacklistPath() string {
	return filepath.Join(c.StateDir, blacklistFile)
}

func (c *Config) LogPath() string {
	return filepath.Join(c.StateDir, "logs", logFile)
}

// Validate normalises paths in place and rejects unusable settings.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	stateDir, err := utils.ResolvePath(c.StateDir)
	if err != nil {
		return fmt.Errorf("state_dir: %w", err)
	}
	c.StateDir = stateDir

	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.StateDir, ledgerFile)
	} else if c.LedgerPath, err = utils.ResolvePath(c.LedgerPath); err != nil {
		return fmt.Errorf("ledger_path: %w", err)
	}

	if len(c.Pairs) == 0 {
		return ErrNoPairs
	}
	for i := range c.Pairs {
		p := &c.Pairs[i]
		if p.Local, err = utils.ResolvePath(p.Local); err != nil {
			return fmt.Errorf("pairs[%d].local: %w", i, err)
		}
		p.Remote = NormRemote(p.Remote)
		if p.Remote == "" {
			return fmt.Errorf("pairs[%d].remote: must not be empty", i)
		}
	}
	if err := checkOverlap(c.Pairs); err != nil {
		return err
	}

	switch c.Remote.Backend {
	case BackendS3:
		if c.Remote.Bucket == "" {
			return fmt.Errorf("%w: remote.bucket is required for the s3 backend", ErrRemoteMissing)
		}
	case BackendFS:
		if c.Remote.Root == "" {
			return fmt.Errorf("%w: remote.root is required for the fs backend", ErrRemoteMissing)
		}
		if c.Remote.Root, err = utils.ResolvePath(c.Remote.Root); err != nil {
			return fmt.Errorf("remote.root: %w", err)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrRemoteMissing, c.Remote.Backend)
	}

	if !c.ScanMode.Supported() {
		return fmt.Errorf("unknown scan mode: %q", c.ScanMode)
	}
	if !c.Direction.Supported() {
		return fmt.Errorf("unknown sync direction: %q", c.Direction)
	}
	if !c.ConflictPolicy.Supported() {
		return fmt.Errorf("unknown conflict policy: %q", c.ConflictPolicy)
	}
	if !c.DeletePolicy.Supported() {
		return fmt.Errorf("unknown delete policy: %q", c.DeletePolicy)
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Retry.Attempts < 1 {
		c.Retry.Attempts = 1
	}
	for _, pattern := range c.Blacklist.Patterns {
		if !validPattern(pattern) {
			return fmt.Errorf("blacklist pattern %q is malformed", pattern)
		}
	}
	return nil
}

// PairFor returns the pair whose remote directory is dir.
func (c *Config) PairFor(dir string) (Pair, bool) {
	dir = NormRemote(dir)
	for _, p := range c.Pairs {
		if p.Remote == dir {
			return p, true
		}
	}
	return Pair{}, false
}

// Save writes the config as YAML
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// NormRemote turns a user supplied remote directory into the canonical
// slash form without leading or trailing separators.
func NormRemote(dir string) string {
	dir = strings.ReplaceAll(dir, "\\", "/")
	dir = path.Clean("/" + dir)
	return strings.Trim(dir, "/")
}

func checkOverlap(pairs []Pair) error {
	for i := range pairs {
		for j := i + 1; j < len(pairs); j++ {
			a, b := pairs[i], pairs[j]
			if utils.IsSubPath(a.Local, b.Local) || utils.IsSubPath(b.Local, a.Local) {
				return fmt.Errorf("%w: local %s and %s", ErrOverlap, a.Local, b.Local)
			}
			if remoteNested(a.Remote, b.Remote) || remoteNested(b.Remote, a.Remote) {
				return fmt.Errorf("%w: remote %s and %s", ErrOverlap, a.Remote, b.Remote)
			}
		}
	}
	return nil
}

func remoteNested(parent, child string) bool {
	return parent == child || strings.HasPrefix(child, parent+"/")
}
