package mirror

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/denisbrodbeck/machineid"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftmirror/internal/db"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/openmined/syftmirror/internal/version"
)

const ledgerSchemaVersion = "1"

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger (
    dir TEXT NOT NULL,
    path TEXT NOT NULL,
    remote_id TEXT NOT NULL,
    local_size INTEGER NOT NULL,
    local_mtime TEXT NOT NULL, -- RFC3339Nano
    local_hash TEXT NOT NULL DEFAULT '',
    remote_size INTEGER NOT NULL,
    remote_mtime TEXT NOT NULL,
    remote_hash TEXT NOT NULL DEFAULT '',
    synced_at TEXT NOT NULL,
    PRIMARY KEY (dir, path)
);

CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const ledgerColumns = `dir, path, remote_id, local_size, local_mtime, local_hash,
	remote_size, remote_mtime, remote_hash, synced_at`

var sqliteHeader = []byte("SQLite format 3\x00")

// LedgerEntry is the last confirmed synchronized state of one key.
type LedgerEntry struct {
	Key      SyncKey     `json:"key"`
	RemoteID string      `json:"remoteId"`
	Local    Fingerprint `json:"local"`
	Remote   Fingerprint `json:"remote"`
	SyncedAt time.Time   `json:"syncedAt"`
}

type dbLedgerEntry struct {
	Dir         string `db:"dir"`
	Path        string `db:"path"`
	RemoteID    string `db:"remote_id"`
	LocalSize   int64  `db:"local_size"`
	LocalMtime  string `db:"local_mtime"`
	LocalHash   string `db:"local_hash"`
	RemoteSize  int64  `db:"remote_size"`
	RemoteMtime string `db:"remote_mtime"`
	RemoteHash  string `db:"remote_hash"`
	SyncedAt    string `db:"synced_at"`
}

func toDBEntry(e *LedgerEntry) dbLedgerEntry {
	return dbLedgerEntry{
		Dir:         e.Key.Dir,
		Path:        e.Key.Path,
		RemoteID:    e.RemoteID,
		LocalSize:   e.Local.Size,
		LocalMtime:  e.Local.ModTime.UTC().Format(time.RFC3339Nano),
		LocalHash:   e.Local.Hash,
		RemoteSize:  e.Remote.Size,
		RemoteMtime: e.Remote.ModTime.UTC().Format(time.RFC3339Nano),
		RemoteHash:  e.Remote.Hash,
		SyncedAt:    e.SyncedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (d *dbLedgerEntry) entry() (*LedgerEntry, error) {
	parse := func(column, value string) (time.Time, error) {
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s/%s: bad %s %q", ErrLedgerCorruption, d.Dir, d.Path, column, value)
		}
		return t, nil
	}

	localMtime, err := parse("local_mtime", d.LocalMtime)
	if err != nil {
		return nil, err
	}
	remoteMtime, err := parse("remote_mtime", d.RemoteMtime)
	if err != nil {
		return nil, err
	}
	syncedAt, err := parse("synced_at", d.SyncedAt)
	if err != nil {
		return nil, err
	}

	return &LedgerEntry{
		Key:      SyncKey{Dir: d.Dir, Path: d.Path},
		RemoteID: d.RemoteID,
		Local:    Fingerprint{Size: d.LocalSize, ModTime: localMtime, Hash: d.LocalHash},
		Remote:   Fingerprint{Size: d.RemoteSize, ModTime: remoteMtime, Hash: d.RemoteHash},
		SyncedAt: syncedAt,
	}, nil
}

// Ledger persists the last confirmed state per key in SQLite. Every write
// is committed with synchronous=FULL before it returns.
type Ledger struct {
	db     *sqlx.DB
	dbPath string
}

func NewLedger(dbPath string) *Ledger {
	return &Ledger{dbPath: dbPath}
}

func (l *Ledger) Path() string {
	return l.dbPath
}

// Open creates or opens the ledger database and verifies it can be trusted.
func (l *Ledger) Open() error {
	if l.db != nil {
		return fmt.Errorf("ledger already open")
	}

	if err := utils.EnsureDir(filepath.Dir(l.dbPath)); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	if err := checkHeader(l.dbPath); err != nil {
		return err
	}

	conn, err := db.NewSqliteDb(db.WithPath(l.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	problem, err := db.QuickCheck(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %w", ErrLedgerCorruption, err)
	}
	if problem != "" {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrLedgerCorruption, problem)
	}

	if _, err := conn.Exec(ledgerSchema); err != nil {
		conn.Close()
		return fmt.Errorf("init ledger schema: %w", err)
	}

	if err := checkMeta(conn); err != nil {
		conn.Close()
		return err
	}

	l.db = conn
	return nil
}

func (l *Ledger) Close() error {
	if l.db == nil {
		return fmt.Errorf("ledger not open")
	}
	err := l.db.Close()
	l.db = nil
	if err != nil {
		slog.Error("ledger close", "error", err)
		return err
	}
	slog.Debug("ledger closed", "path", l.dbPath)
	return nil
}

// Get returns the entry for key, or nil when the key is not tracked.
func (l *Ledger) Get(key SyncKey) (*LedgerEntry, error) {
	var row dbLedgerEntry
	err := l.db.Get(&row, "SELECT "+ledgerColumns+" FROM ledger WHERE dir = ? AND path = ?", key.Dir, key.Path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query %s: %w", key, err)
	}
	return row.entry()
}

func (l *Ledger) Upsert(entry *LedgerEntry) error {
	if entry == nil {
		return fmt.Errorf("cannot upsert nil entry")
	}

	query := `INSERT OR REPLACE INTO ledger (` + ledgerColumns + `)
	          VALUES (:dir, :path, :remote_id, :local_size, :local_mtime, :local_hash,
	                  :remote_size, :remote_mtime, :remote_hash, :synced_at)`
	if _, err := l.db.NamedExec(query, toDBEntry(entry)); err != nil {
		return fmt.Errorf("upsert %s: %w", entry.Key, writeErr(err))
	}
	slog.Debug("ledger upsert", "key", entry.Key, "remoteId", entry.RemoteID)
	return nil
}

func (l *Ledger) Remove(key SyncKey) error {
	if _, err := l.db.Exec("DELETE FROM ledger WHERE dir = ? AND path = ?", key.Dir, key.Path); err != nil {
		return fmt.Errorf("remove %s: %w", key, writeErr(err))
	}
	slog.Debug("ledger remove", "key", key)
	return nil
}

// Scan returns every entry whose dir equals prefix or is nested below it.
// An empty prefix returns the whole ledger.
func (l *Ledger) Scan(prefix string) ([]*LedgerEntry, error) {
	var rows []dbLedgerEntry
	var err error
	if prefix == "" {
		err = l.db.Select(&rows, "SELECT "+ledgerColumns+" FROM ledger ORDER BY dir, path")
	} else {
		nested := prefix + "/"
		err = l.db.Select(&rows,
			"SELECT "+ledgerColumns+" FROM ledger WHERE dir = ? OR substr(dir, 1, ?) = ? ORDER BY dir, path",
			prefix, utf8.RuneCountInString(nested), nested)
	}
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}

	entries := make([]*LedgerEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (l *Ledger) Count() (int, error) {
	var count int
	if err := l.db.Get(&count, "SELECT COUNT(*) FROM ledger"); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

// Prune removes every entry for which keep returns false and reports how
// many were dropped.
func (l *Ledger) Prune(keep func(*LedgerEntry) bool) (int, error) {
	entries, err := l.Scan("")
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, entry := range entries {
		if keep(entry) {
			continue
		}
		if err := l.Remove(entry.Key); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// writeErr marks sqlite errors that mean the file itself is damaged.
func writeErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") {
		return fmt.Errorf("%w: %w", ErrLedgerCorruption, err)
	}
	return err
}

// checkHeader rejects an existing file that is not an SQLite database.
func checkHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteHeader))
	n, err := io.ReadFull(f, header)
	if n == 0 && (err == io.EOF || err == nil) {
		return nil // empty file, sqlite initializes it
	}
	if err != nil || !bytes.Equal(header, sqliteHeader) {
		return fmt.Errorf("%w: %s is not an sqlite database", ErrLedgerCorruption, path)
	}
	return nil
}

// checkMeta stamps a fresh ledger with the schema version and host id, and
// validates both on an existing one.
func checkMeta(conn *sqlx.DB) error {
	var schemaVersion string
	err := conn.Get(&schemaVersion, "SELECT value FROM meta WHERE key = 'schema_version'")
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := conn.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", ledgerSchemaVersion); err != nil {
			return fmt.Errorf("write ledger meta: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read ledger meta: %w", err)
	case schemaVersion != ledgerSchemaVersion:
		return fmt.Errorf("%w: unknown schema version %q", ErrLedgerCorruption, schemaVersion)
	}

	hostID, err := machineid.ProtectedID(version.AppName)
	if err != nil {
		slog.Debug("ledger host id unavailable", "error", err)
		return nil
	}

	var stored string
	err = conn.Get(&stored, "SELECT value FROM meta WHERE key = 'host_id'")
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := conn.Exec("INSERT INTO meta (key, value) VALUES ('host_id', ?)", hostID); err != nil {
			return fmt.Errorf("write ledger meta: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read ledger meta: %w", err)
	case stored != hostID:
		slog.Warn("ledger was created on another host, local timestamps may not compare")
	}
	return nil
}
