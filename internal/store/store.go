// Package store implements the Job/Event/Approval Store (C4): the single
// writer of record for job lifecycle state, the append-only per-job event
// log, and human-approval records with TTL expiry.
//
// Grounded on the teacher's internal/store/local_core.go NewLocalStore: one
// *sql.DB opened with SetMaxOpenConns(1) and the busy_timeout/WAL/synchronous
// pragma trio, guarded additionally by an in-process sync.RWMutex so retries
// and multi-statement transactions never interleave within this process.
//
// Deviates from the teacher's migrations.go forward ALTER TABLE pattern:
// this store has no migration path. A schema version change deletes and
// recreates the database file (see ensureSchema). See DESIGN.md for why.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"casparian/internal/clock"
	"casparian/internal/errs"
	"casparian/internal/logging"
)

// schemaVersion bumps whenever the table layout below changes shape. A
// mismatch between this constant and the value on disk triggers a full
// delete-and-recreate rather than an in-place migration.
const schemaVersion = 1

// Store is the single writer of job, event, and approval state.
type Store struct {
	db    *sql.DB
	mu    sync.RWMutex
	path  string
	clock clock.Clock
	log   *zap.Logger
}

// Open opens (creating if absent) the sqlite-backed store at path. path may
// be ":memory:" for tests. c supplies the clock used for approval TTL
// expiry and timestamping; pass clock.NewReal() outside of tests.
func Open(path string, c clock.Clock) (*Store, error) {
	log := logging.Get(logging.CategoryStore)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, path: path, clock: c, log: log}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ensureSchema reads the on-disk schema_version (if any), and either
// proceeds (version matches), creates fresh tables (no prior version row),
// or — on a version mismatch — closes, deletes the file, reopens, and
// recreates from nothing. An on-disk schema built by an older binary is
// never trusted to be read by in-place ALTERs; see DESIGN.md.
func (s *Store) ensureSchema() error {
	var onDisk int
	row := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`)
	err := row.Scan(&onDisk)
	switch {
	case err == sql.ErrNoRows:
		return s.createSchema()
	case err != nil:
		// meta table itself doesn't exist yet: fresh database.
		return s.createSchema()
	case onDisk != schemaVersion:
		s.log.Warn("schema version mismatch, recreating store",
			zap.Int("on_disk", onDisk), zap.Int("want", schemaVersion))
		return s.recreate()
	default:
		return nil
	}
}

func (s *Store) recreate() error {
	if s.path == ":memory:" {
		// An in-memory database has no file to delete; dropping and
		// recreating the tables has the same effect. Landing tables are
		// dynamically named (out_<output>_<hash>), so they're swept
		// separately rather than listed in dropAllDDL.
		if err := s.dropLandingTables(); err != nil {
			return err
		}
		if _, err := s.db.Exec(dropAllDDL); err != nil {
			return fmt.Errorf("store: drop tables for recreate: %w", err)
		}
		return s.createSchema()
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close before recreate: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove stale store file: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(s.path + suffix)
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("store: reopen after recreate: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			s.log.Warn("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}
	s.db = db
	return s.createSchema()
}

const dropAllDDL = `
DROP TABLE IF EXISTS approvals;
DROP TABLE IF EXISTS events;
DROP TABLE IF EXISTS realized_inputs;
DROP TABLE IF EXISTS jobs;
DROP TABLE IF EXISTS meta;
`

const schemaDDL = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id           TEXT PRIMARY KEY,
	plugin_name      TEXT NOT NULL,
	plugin_version   TEXT NOT NULL,
	runtime_kind     TEXT NOT NULL,
	status           TEXT NOT NULL,
	input_handle     TEXT NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 0,
	items_processed  INTEGER NOT NULL DEFAULT 0,
	items_total      INTEGER NOT NULL DEFAULT 0,
	progress_pct     INTEGER NOT NULL DEFAULT 0,
	result_json      TEXT,
	failure_kind     TEXT,
	failure_detail   TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	deadline_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS events (
	job_id     TEXT NOT NULL,
	event_id   INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	detail_json TEXT,
	created_at TEXT NOT NULL,
	PRIMARY KEY (job_id, event_id),
	FOREIGN KEY (job_id) REFERENCES jobs(job_id)
);

CREATE TABLE IF NOT EXISTS realized_inputs (
	plugin_name    TEXT NOT NULL,
	plugin_version TEXT NOT NULL,
	input_handle   TEXT NOT NULL,
	receipt_json   TEXT NOT NULL,
	realized_at    TEXT NOT NULL,
	PRIMARY KEY (plugin_name, plugin_version, input_handle)
);

CREATE TABLE IF NOT EXISTS approvals (
	approval_id TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	reason      TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL,
	decided_at  TEXT,
	decided_by  TEXT,
	FOREIGN KEY (job_id) REFERENCES jobs(job_id)
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
CREATE INDEX IF NOT EXISTS idx_approvals_job ON approvals(job_id);
`

func (s *Store) createSchema() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	_, err := s.db.Exec(
		`INSERT INTO meta(key, value) VALUES('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", schemaVersion),
	)
	if err != nil {
		return fmt.Errorf("store: write schema_version: %w", err)
	}
	return nil
}

// withRetry runs fn once; on errs.ErrTransientConflict it retries exactly
// once more before escalating to errs.ErrStoreCorrupt. A single-writer
// store guarded by our own mutex should never see SQLITE_BUSY from another
// writer in this process, but WAL checkpointing or a concurrent external
// reader can still transiently conflict.
func (s *Store) withRetry(fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !isTransient(err) {
		return err
	}
	s.log.Debug("transient store conflict, retrying once", zap.Error(err))
	err = fn()
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return errs.WithDetail(errs.ErrStoreCorrupt, "transient conflict persisted after retry: %v", err)
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
