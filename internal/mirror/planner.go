package mirror

import (
	"context"
	"fmt"

	"github.com/openmined/syftmirror/internal/config"
)

type Action string

const (
	ActionUpload       Action = "upload"
	ActionDownload     Action = "download"
	ActionDeleteLocal  Action = "delete-local"
	ActionDeleteRemote Action = "delete-remote"
	ActionSkip         Action = "skip"
	ActionConflict     Action = "conflict"
)

// LedgerOp is bookkeeping that needs no transfer.
type LedgerOp string

const (
	LedgerNone LedgerOp = ""
	// LedgerRefresh records the current fingerprints of both sides.
	LedgerRefresh LedgerOp = "refresh"
	// LedgerForget drops the entry of a key gone from both sides.
	LedgerForget LedgerOp = "forget"
)

// ActionPlanItem is the single decision taken for one key in a run.
type ActionPlanItem struct {
	Key        SyncKey       `json:"key"`
	Action     Action        `json:"action"`
	Reason     string        `json:"reason"`
	Resolution Resolution    `json:"resolution,omitempty"`
	KeepBothAs *SyncKey      `json:"keepBothAs,omitempty"`
	LedgerOp   LedgerOp      `json:"ledgerOp,omitempty"`
	Change     *ChangeRecord `json:"change"`
	Err        error         `json:"-"`
}

// Executable reports whether the executor has anything to do for the item.
func (i *ActionPlanItem) Executable() bool {
	switch i.Action {
	case ActionSkip:
		return i.LedgerOp != LedgerNone
	case ActionConflict:
		return false
	default:
		return true
	}
}

// Plan is the ordered list of items of one run, sorted by key.
type Plan struct {
	Items []*ActionPlanItem `json:"items"`
}

// Pending returns the items that would change a file or the ledger.
func (p *Plan) Pending() []*ActionPlanItem {
	var pending []*ActionPlanItem
	for _, item := range p.Items {
		if item.Executable() {
			pending = append(pending, item)
		}
	}
	return pending
}

// Conflicts returns items left unresolved.
func (p *Plan) Conflicts() []*ActionPlanItem {
	var conflicts []*ActionPlanItem
	for _, item := range p.Items {
		if item.Action == ActionConflict {
			conflicts = append(conflicts, item)
		}
	}
	return conflicts
}

// Count returns how many items carry action.
func (p *Plan) Count(action Action) int {
	n := 0
	for _, item := range p.Items {
		if item.Action == action {
			n++
		}
	}
	return n
}

// Find returns the item for key, or nil.
func (p *Plan) Find(key SyncKey) *ActionPlanItem {
	for _, item := range p.Items {
		if item.Key == key {
			return item
		}
	}
	return nil
}

type planner struct {
	direction    config.Direction
	deletePolicy config.DeletePolicy
	scanMode     config.ScanMode
	resolver     *resolver
}

// plan turns every record into exactly one item. Conflicts go through the
// resolver before the direction policy is applied.
func (p *planner) plan(ctx context.Context, records []*ChangeRecord) *Plan {
	plan := &Plan{Items: make([]*ActionPlanItem, 0, len(records))}
	for _, rec := range records {
		var item *ActionPlanItem
		if rec.Class.IsConflict() {
			item = p.resolver.resolve(ctx, rec)
		} else {
			item = p.planRecord(rec)
		}
		p.constrain(item)
		plan.Items = append(plan.Items, item)
	}
	return plan
}

func (p *planner) planRecord(rec *ChangeRecord) *ActionPlanItem {
	item := &ActionPlanItem{Key: rec.Key, Change: rec, Reason: string(rec.Class)}

	switch rec.Class {
	case ClassLocalNew, ClassLocalOnlyChange:
		item.Action = ActionUpload
	case ClassRemoteNew, ClassRemoteOnlyChange:
		item.Action = ActionDownload
	case ClassLocalDeleted:
		switch p.deletePolicy {
		case config.DeletePropagate:
			if rec.Entry != nil && !rec.Remote.Equal(rec.Entry.Remote, p.scanMode) {
				item.Action = ActionSkip
				item.Reason = "local-deleted: remote changed since last sync, not propagated"
				break
			}
			item.Action = ActionDeleteRemote
		case config.DeleteRestore:
			item.Action = ActionDownload
			item.Reason = "local-deleted: restore from remote"
		default:
			item.Action = ActionSkip
			item.Reason = "local-deleted: reported, see removals"
		}
	case ClassRemoteDeleted:
		switch p.deletePolicy {
		case config.DeletePropagate:
			if rec.Entry != nil && !rec.Local.Equal(rec.Entry.Local, p.scanMode) {
				item.Action = ActionSkip
				item.Reason = "remote-deleted: local copy changed since last sync, not propagated"
				break
			}
			item.Action = ActionDeleteLocal
		case config.DeleteRestore:
			item.Action = ActionUpload
			item.Reason = "remote-deleted: restore from local"
		default:
			item.Action = ActionSkip
			item.Reason = "remote-deleted: reported, see removals"
		}
	case ClassBothDeleted:
		item.Action = ActionSkip
		item.LedgerOp = LedgerForget
	case ClassUnchanged:
		item.Action = ActionSkip
		if rec.staleMetadata() {
			item.LedgerOp = LedgerRefresh
			item.Reason = "unchanged: refresh metadata"
		}
	default:
		item.Action = ActionConflict
		item.Err = fmt.Errorf("%w: unexpected class %s", ErrConflictUnresolved, rec.Class)
		item.Reason = item.Err.Error()
	}
	return item
}

// constrain applies the direction policy. Ledger bookkeeping is always
// allowed; a resolved conflict the direction forbids stays unresolved.
func (p *planner) constrain(item *ActionPlanItem) {
	allowed := true
	switch item.Action {
	case ActionUpload, ActionDeleteRemote:
		allowed = p.direction.AllowsUpload()
	case ActionDownload, ActionDeleteLocal:
		allowed = p.direction.AllowsDownload()
	}
	if item.KeepBothAs != nil && !(p.direction.AllowsUpload() && p.direction.AllowsDownload()) {
		allowed = false
	}
	if allowed {
		return
	}

	reason := fmt.Sprintf("%s not allowed in %s mode", item.Action, p.direction)
	if item.Resolution != ResolveNone {
		item.Action = ActionConflict
		item.KeepBothAs = nil
		item.Err = fmt.Errorf("%w: %s", ErrConflictUnresolved, reason)
		item.Reason = item.Err.Error()
		return
	}
	item.Action = ActionSkip
	item.Reason = fmt.Sprintf("%s: %s", item.Reason, reason)
}
