package mirror

import (
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/syftmirror/internal/config"
)

// Class is the outcome of comparing a key's local, remote and ledger state.
type Class string

const (
	ClassBothDeleted      Class = "both-deleted"
	ClassLocalNew         Class = "local-new"
	ClassRemoteNew        Class = "remote-new"
	ClassBothNewUnlinked  Class = "both-new-unlinked"
	ClassRemoteDeleted    Class = "remote-deleted"
	ClassLocalDeleted     Class = "local-deleted"
	ClassLocalOnlyChange  Class = "local-only-change"
	ClassRemoteOnlyChange Class = "remote-only-change"
	ClassBothChanged      Class = "both-changed"
	ClassUnchanged        Class = "unchanged"
)

// IsConflict reports whether the class needs the conflict resolver.
func (c Class) IsConflict() bool {
	return c == ClassBothNewUnlinked || c == ClassBothChanged
}

// IsOneSidedDelete reports whether the class is reported by removal tracking.
func (c Class) IsOneSidedDelete() bool {
	return c == ClassLocalDeleted || c == ClassRemoteDeleted
}

// ChangeRecord is the classification of one key in the current run.
type ChangeRecord struct {
	Key      SyncKey      `json:"key"`
	Class    Class        `json:"class"`
	Local    *Fingerprint `json:"local,omitempty"`
	Remote   *Fingerprint `json:"remote,omitempty"`
	RemoteID string       `json:"remoteId,omitempty"`
	Entry    *LedgerEntry `json:"ledger,omitempty"`
	// LocalPath is where the key lives on disk, set even when absent.
	LocalPath string `json:"localPath"`
}

// detect classifies every key seen locally, remotely or in the ledger.
// Blacklisted keys never produce a record. The result is sorted by key.
func detect(snaps []*snapshot, blacklist *Blacklist, mode config.ScanMode) []*ChangeRecord {
	var records []*ChangeRecord

	for _, snap := range snaps {
		paths := mapset.NewThreadUnsafeSetWithSize[string](len(snap.local) + len(snap.remote))
		for p := range snap.local {
			paths.Add(p)
		}
		for p := range snap.remote {
			paths.Add(p)
		}
		for p := range snap.ledger {
			paths.Add(p)
		}

		for p := range paths.Iter() {
			key := SyncKey{Dir: snap.pair.Remote, Path: p}
			if blacklist.Match(key) {
				continue
			}

			rec := &ChangeRecord{
				Key:       key,
				Local:     snap.local[p],
				Entry:     snap.ledger[p],
				LocalPath: localPath(snap.pair.Local, key),
			}
			if entry, ok := snap.remote[p]; ok {
				fp := RemoteFingerprint(entry)
				rec.Remote = &fp
				rec.RemoteID = entry.ID
			} else if rec.Entry != nil {
				rec.RemoteID = rec.Entry.RemoteID
			}
			rec.Class = classify(rec.Local, rec.Remote, rec.Entry, mode)
			records = append(records, rec)
		}
	}

	slices.SortFunc(records, func(a, b *ChangeRecord) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})
	return records
}

func classify(local, remote *Fingerprint, entry *LedgerEntry, mode config.ScanMode) Class {
	inLocal, inRemote, tracked := local != nil, remote != nil, entry != nil

	switch {
	case !inLocal && !inRemote:
		return ClassBothDeleted
	case !tracked && inLocal && !inRemote:
		return ClassLocalNew
	case !tracked && !inLocal && inRemote:
		return ClassRemoteNew
	case !tracked:
		return ClassBothNewUnlinked
	case !inRemote:
		return ClassRemoteDeleted
	case !inLocal:
		return ClassLocalDeleted
	}

	localChanged := !local.Equal(entry.Local, mode)
	remoteChanged := !remote.Equal(entry.Remote, mode)
	switch {
	case localChanged && remoteChanged:
		return ClassBothChanged
	case localChanged:
		return ClassLocalOnlyChange
	case remoteChanged:
		return ClassRemoteOnlyChange
	default:
		return ClassUnchanged
	}
}

// staleMetadata reports whether an unchanged record's ledger entry no
// longer matches the current size and modification times, e.g. after a
// full scan of a touched file. Refreshing it keeps fast scans accurate.
func (r *ChangeRecord) staleMetadata() bool {
	if r.Class != ClassUnchanged || r.Entry == nil {
		return false
	}
	return !r.Local.Equal(r.Entry.Local, config.ScanFast) || !r.Remote.Equal(r.Entry.Remote, config.ScanFast)
}
