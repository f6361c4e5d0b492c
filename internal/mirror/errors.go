package mirror

import "errors"

var (
	// ErrNotFound means a file or object vanished between listing and use.
	// The item is reclassified on the next run.
	ErrNotFound = errors.New("not found")
	// ErrConflictUnresolved fails a single conflicting item.
	ErrConflictUnresolved = errors.New("conflict unresolved")
	// ErrLedgerCorruption is fatal for a run.
	ErrLedgerCorruption = errors.New("ledger corrupted")
	// ErrRunLocked is returned when another run holds the state dir lock.
	ErrRunLocked = errors.New("another sync run is in progress")
	// ErrInsufficientSpace fails downloads that would not fit on disk.
	ErrInsufficientSpace = errors.New("insufficient disk space")
	// ErrQuotaLatched fails uploads queued after the remote reported a full quota.
	ErrQuotaLatched = errors.New("remote quota exceeded earlier in this run")
	// ErrChangedDuringRun fails a download whose local target changed after the scan.
	ErrChangedDuringRun = errors.New("local file changed during run")
)
