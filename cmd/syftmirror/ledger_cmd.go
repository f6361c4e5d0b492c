package main

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the sync ledger",
	}
	cmd.AddCommand(newLedgerStatsCmd())
	cmd.AddCommand(newLedgerPruneCmd())
	rootCmd.AddCommand(cmd)
}

func newLedgerStatsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print how many keys the ledger tracks per pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			stats, err := eng.Stats()
			if err != nil {
				return runLevel(err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, stats)
			}

			dirs := make([]string, 0, len(stats.PerDir))
			for dir := range stats.PerDir {
				dirs = append(dirs, dir)
			}
			sort.Strings(dirs)

			fmt.Fprintf(out, "%s %s\n", cyan("LEDGER"), stats.Path)
			for _, dir := range dirs {
				fmt.Fprintf(out, "  %-32s %d\n", dir, stats.PerDir[dir])
			}
			fmt.Fprintln(out, english.Plural(stats.Entries, "entry", "entries"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newLedgerPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop entries of removed pairs, blacklisted keys and keys gone from both sides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			pruned, err := eng.Prune(cmd.Context())
			if err != nil {
				return runLevel(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("PRUNED"), english.Plural(pruned, "entry", "entries"))
			return nil
		},
	}
}
