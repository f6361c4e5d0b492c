package mirror

import (
	"time"

	"github.com/google/uuid"
	"github.com/openmined/syftmirror/internal/config"
)

type ItemStatus string

const (
	StatusOK     ItemStatus = "ok"
	StatusFailed ItemStatus = "failed"
)

// ItemResult is the outcome of executing one plan item.
type ItemResult struct {
	Key      SyncKey       `json:"key"`
	Action   Action        `json:"action"`
	LedgerOp LedgerOp      `json:"ledgerOp,omitempty"`
	Status   ItemStatus    `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Report summarises one run. A dry run has a plan but no results.
type Report struct {
	RunID      string           `json:"runId"`
	DryRun     bool             `json:"dryRun"`
	Direction  config.Direction `json:"direction"`
	ScanMode   config.ScanMode  `json:"scanMode"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
	Plan       *Plan            `json:"plan"`
	Results    []*ItemResult    `json:"results,omitempty"`
	// Removals lists one-sided deletions, whatever the delete policy did with them.
	Removals []*ChangeRecord `json:"removals,omitempty"`
}

func newReport(opts RunOptions) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		DryRun:    opts.DryRun,
		Direction: opts.Direction,
		ScanMode:  opts.ScanMode,
		StartedAt: time.Now(),
		Plan:      &Plan{},
	}
}

// Failed returns the items whose execution failed.
func (r *Report) Failed() []*ItemResult {
	var failed []*ItemResult
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			failed = append(failed, res)
		}
	}
	return failed
}

// Succeeded counts completed items per action.
func (r *Report) Succeeded() map[Action]int {
	counts := make(map[Action]int)
	for _, res := range r.Results {
		if res.Status == StatusOK {
			counts[res.Action]++
		}
	}
	return counts
}

// Unresolved returns conflicts nobody decided.
func (r *Report) Unresolved() []*ActionPlanItem {
	return r.Plan.Conflicts()
}

// ExitCode is 0 for a clean run and 1 when any item failed or any conflict
// was left unresolved.
func (r *Report) ExitCode() int {
	if len(r.Failed()) > 0 || len(r.Unresolved()) > 0 {
		return 1
	}
	return 0
}
