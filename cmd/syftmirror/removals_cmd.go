package main

import (
	"fmt"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/mirror"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newRemovalsCmd())
}

func newRemovalsCmd() *cobra.Command {
	var (
		scan   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "removals",
		Short: "List files deleted on one side since they were last synced",
		Long: `List files deleted on one side since they were last synced.

Nothing is changed. Use "removals blacklist" to stop tracking a key
instead of restoring or propagating its deletion.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := config.ScanMode(scan)
			if scan != "" && !mode.Supported() {
				return runLevel(fmt.Errorf("unknown scan mode %q", scan))
			}

			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			removals, err := eng.Removals(cmd.Context(), mode)
			if err != nil {
				return runLevel(err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if removals == nil {
					removals = []*mirror.ChangeRecord{}
				}
				return printJSON(out, removals)
			}
			if len(removals) == 0 {
				fmt.Fprintln(out, "no removals")
				return nil
			}
			printRemovals(out, removals)
			return nil
		},
	}

	cmd.Flags().StringVar(&scan, "scan", "", "change detection: fast or full")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	cmd.AddCommand(newBlacklistCmd())
	return cmd
}

func newBlacklistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blacklist KEY...",
		Short: "Stop tracking keys, e.g. backup/docs/old/report.pdf",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			var dirs []string
			for _, p := range eng.Config().Pairs {
				dirs = append(dirs, p.Remote)
			}

			for _, arg := range args {
				key, ok := mirror.ParseKey(arg, dirs)
				if !ok {
					return runLevel(fmt.Errorf("%s does not belong to a configured pair", arg))
				}
				if err := eng.Blacklist(cmd.Context(), key); err != nil {
					return runLevel(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", yellow("BLACKLISTED"), key)
			}
			return nil
		},
	}
}
