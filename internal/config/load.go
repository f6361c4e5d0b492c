package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override, e.g. SYFTMIRROR_SCAN_MODE.
const EnvPrefix = "SYFTMIRROR"

// SetDefaults registers the default values on v so that env-only setups work.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("remote.backend", d.Remote.Backend)
	v.SetDefault("remote.region", d.Remote.Region)
	v.SetDefault("scan_mode", string(d.ScanMode))
	v.SetDefault("direction", string(d.Direction))
	v.SetDefault("conflict_policy", string(d.ConflictPolicy))
	v.SetDefault("delete_policy", string(d.DeletePolicy))
	v.SetDefault("workers", d.Workers)
	v.SetDefault("retry.attempts", d.Retry.Attempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
}

// LoadDotEnv loads a .env file sitting next to the config file, if any.
// Variables already present in the environment win.
func LoadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", envPath, err)
	}
	slog.Debug("config", "dotenv", envPath)
	return nil
}

// Load builds a Config from an already populated viper instance and
// validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Path:       v.ConfigFileUsed(),
		StateDir:   v.GetString("state_dir"),
		LedgerPath: v.GetString("ledger_path"),
		Remote: Remote{
			Backend:       v.GetString("remote.backend"),
			Bucket:        v.GetString("remote.bucket"),
			Region:        v.GetString("remote.region"),
			AccessKey:     v.GetString("remote.access_key"),
			SecretKey:     v.GetString("remote.secret_key"),
			Endpoint:      v.GetString("remote.endpoint"),
			UseAccelerate: v.GetBool("remote.use_accelerate"),
			Root:          v.GetString("remote.root"),
		},
		Blacklist: Blacklist{
			Paths:    v.GetStringSlice("blacklist.paths"),
			Patterns: v.GetStringSlice("blacklist.patterns"),
		},
		ScanMode:       ScanMode(v.GetString("scan_mode")),
		Direction:      Direction(v.GetString("direction")),
		ConflictPolicy: ConflictPolicy(v.GetString("conflict_policy")),
		DeletePolicy:   DeletePolicy(v.GetString("delete_policy")),
		Workers:        v.GetInt("workers"),
		Retry: Retry{
			Attempts:  v.GetInt("retry.attempts"),
			BaseDelay: v.GetDuration("retry.base_delay"),
			MaxDelay:  v.GetDuration("retry.max_delay"),
		},
	}

	if err := v.UnmarshalKey("pairs", &cfg.Pairs); err != nil {
		return nil, fmt.Errorf("config pairs: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile reads a config file into v, tolerating a missing file.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultStateDir)
		v.AddConfigPath(filepath.Join(home, ".config", "syftmirror"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}
	return nil
}

func validPattern(pattern string) bool {
	return doublestar.ValidatePattern(pattern)
}
