package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/openmined/syftmirror/internal/transport"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// resolveConfigPath determines which config file path to use, honoring (in order):
// 1) An explicitly set --config flag
// 2) SYFTMIRROR_CONFIG_PATH environment variable
// 3) Existing config files in common locations
// 4) The default path
func resolveConfigPath(cmd *cobra.Command) string {
	if cfgFlag := cmd.Flag("config"); cfgFlag != nil && cfgFlag.Changed {
		return cfgFlag.Value.String()
	}

	if envPath := os.Getenv(config.EnvPrefix + "_CONFIG_PATH"); envPath != "" {
		return envPath
	}

	candidates := []string{
		config.DefaultConfigPath,
		filepath.Join(home, ".config", "syftmirror", "config.yaml"),
	}
	for _, candidate := range candidates {
		if utils.FileExists(candidate) {
			return candidate
		}
	}

	return config.DefaultConfigPath
}

// loadConfig reads the config file, a .env next to it and SYFTMIRROR_*
// overrides, in increasing precedence.
func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadDotEnv(path); err != nil {
		return nil, err
	}

	v := viper.New()
	config.SetDefaults(v)
	if err := config.ReadFile(v, path); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := config.Load(v)
	if err != nil {
		if path != "" && !utils.FileExists(path) {
			return nil, fmt.Errorf("%w (no config at %s, run `syftmirror config init`)", err, path)
		}
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = path
	}
	return cfg, nil
}

func newTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Remote.Backend {
	case config.BackendS3:
		return transport.NewS3(ctx, &transport.S3Config{
			Bucket:        cfg.Remote.Bucket,
			Region:        cfg.Remote.Region,
			AccessKey:     cfg.Remote.AccessKey,
			SecretKey:     cfg.Remote.SecretKey,
			Endpoint:      cfg.Remote.Endpoint,
			UseAccelerate: cfg.Remote.UseAccelerate,
		})
	case config.BackendFS:
		return transport.NewFS(cfg.Remote.Root)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Remote.Backend)
	}
}

// openEngine loads the config and returns an engine with an open ledger.
// Every failure here is run-level. Commands that never resolve conflicts
// get a skip strategy when the configured policy is interactive.
func openEngine(cmd *cobra.Command, opts ...mirror.Option) (*mirror.Engine, error) {
	cfg, err := loadConfig(resolveConfigPath(cmd))
	if err != nil {
		return nil, runLevel(err)
	}
	attachLogFile(cfg)
	slog.Debug("config", "path", cfg.Path, "backend", cfg.Remote.Backend, "bucket", cfg.Remote.Bucket,
		"accessKey", utils.MaskSecret(cfg.Remote.AccessKey), "pairs", len(cfg.Pairs), "stateDir", cfg.StateDir)

	tr, err := newTransport(cmd.Context(), cfg)
	if err != nil {
		return nil, runLevel(err)
	}

	if cfg.ConflictPolicy == config.ConflictInteractive {
		opts = append([]mirror.Option{mirror.WithStrategy(mirror.PolicyStrategy{Default: mirror.ResolveSkip})}, opts...)
	}

	eng, err := mirror.New(cfg, tr, opts...)
	if err != nil {
		return nil, runLevel(err)
	}
	if err := eng.Open(); err != nil {
		return nil, runLevel(err)
	}
	return eng, nil
}
