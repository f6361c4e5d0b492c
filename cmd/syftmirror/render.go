package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/goccy/go-json"
	"github.com/openmined/syftmirror/internal/mirror"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printReport writes the human readable summary of a run, or the full
// report as JSON.
func printReport(w io.Writer, report *mirror.Report, asJSON bool) error {
	if asJSON {
		return printJSON(w, report)
	}

	if report.DryRun {
		fmt.Fprintf(w, "%s %s\n", yellow("DRY RUN"), faint("nothing was changed"))
		for _, item := range report.Plan.Pending() {
			fmt.Fprintf(w, "  %-14s %s %s\n", actionLabel(item.Action, item.LedgerOp), item.Key, faint(item.Reason))
		}
	} else {
		for _, res := range report.Results {
			if res.Status == mirror.StatusFailed {
				fmt.Fprintf(w, "  %s %-14s %s %s\n", red("✗"), actionLabel(res.Action, res.LedgerOp), res.Key, red(res.Reason))
				continue
			}
			if res.Action == mirror.ActionSkip {
				continue
			}
			fmt.Fprintf(w, "  %s %-14s %s %s\n", green("✓"), actionLabel(res.Action, res.LedgerOp), res.Key, faint(humanize.Bytes(uint64(res.Size))))
		}
	}

	for _, item := range report.Unresolved() {
		fmt.Fprintf(w, "  %s %-14s %s %s\n", yellow("!"), "conflict", item.Key, faint(item.Reason))
	}
	printRemovals(w, report.Removals)

	fmt.Fprintln(w, summaryLine(report))
	return nil
}

func printRemovals(w io.Writer, removals []*mirror.ChangeRecord) {
	if len(removals) == 0 {
		return
	}
	fmt.Fprintf(w, "%s\n", cyan("Removals"))
	for _, rec := range removals {
		side := "remote"
		if rec.Class == mirror.ClassLocalDeleted {
			side = "local"
		}
		fmt.Fprintf(w, "  %-14s %s\n", "deleted "+side, rec.Key)
	}
}

func actionLabel(action mirror.Action, op mirror.LedgerOp) string {
	if action == mirror.ActionSkip && op != mirror.LedgerNone {
		return "ledger " + string(op)
	}
	return string(action)
}

// summaryLine renders e.g. "3 upload, 1 download · 1 failed · 2 conflicts · 120ms".
func summaryLine(report *mirror.Report) string {
	var counts map[mirror.Action]int
	if report.DryRun {
		counts = make(map[mirror.Action]int)
		for _, item := range report.Plan.Pending() {
			counts[item.Action]++
		}
	} else {
		counts = report.Succeeded()
	}
	delete(counts, mirror.ActionSkip)

	actions := make([]string, 0, len(counts))
	for action, n := range counts {
		actions = append(actions, fmt.Sprintf("%d %s", n, action))
	}
	sort.Strings(actions)

	parts := []string{}
	if len(actions) == 0 {
		parts = append(parts, "up to date")
	} else {
		parts = append(parts, strings.Join(actions, ", "))
	}
	if n := len(report.Failed()); n > 0 {
		parts = append(parts, red(fmt.Sprintf("%d failed", n)))
	}
	if n := len(report.Unresolved()); n > 0 {
		parts = append(parts, yellow(english.Plural(n, "conflict", "")))
	}
	if n := len(report.Removals); n > 0 {
		parts = append(parts, cyan(english.Plural(n, "removal", "")))
	}
	if !report.FinishedAt.IsZero() {
		parts = append(parts, faint(report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond).String()))
	}
	return strings.Join(parts, " · ")
}
