package main

import (
	"fmt"
	"strings"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigPathCmd())
	rootCmd.AddCommand(cmd)
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath(cmd))
			return err
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var (
		pairs []string
		force bool
	)
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a new config file",
		Example: `  syftmirror config init --pair ~/Documents=backup/docs --bucket my-bucket
  syftmirror config init --pair ./data=data --backend fs --root /mnt/share`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(cmd)
			if utils.FileExists(path) && !force {
				return runLevel(fmt.Errorf("config already exists at %s, use --force to overwrite", path))
			}

			for _, raw := range pairs {
				local, remote, ok := strings.Cut(raw, "=")
				if !ok || local == "" || remote == "" {
					return runLevel(fmt.Errorf("invalid pair %q, expected LOCAL=REMOTE", raw))
				}
				cfg.Pairs = append(cfg.Pairs, config.Pair{Local: local, Remote: remote})
			}

			if err := cfg.Validate(); err != nil {
				return runLevel(err)
			}
			if err := cfg.Save(path); err != nil {
				return runLevel(fmt.Errorf("save config: %w", err))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("CONFIG"), path)
			for _, p := range cfg.Pairs {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %s %s\n", p.Local, faint("<->"), cyan(p.Remote))
			}
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringArrayVarP(&pairs, "pair", "p", nil, "directory pair as LOCAL=REMOTE, repeatable")
	cmd.Flags().StringVar(&cfg.Remote.Backend, "backend", cfg.Remote.Backend, "remote backend: s3 or fs")
	cmd.Flags().StringVar(&cfg.Remote.Bucket, "bucket", "", "s3 bucket")
	cmd.Flags().StringVar(&cfg.Remote.Region, "region", cfg.Remote.Region, "s3 region")
	cmd.Flags().StringVar(&cfg.Remote.Endpoint, "endpoint", "", "s3 compatible endpoint, e.g. http://localhost:9000")
	cmd.Flags().StringVar(&cfg.Remote.Root, "root", "", "remote root directory for the fs backend")
	cmd.Flags().StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for the ledger, lock and logs")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	_ = cmd.MarkFlagRequired("pair")

	return cmd
}
