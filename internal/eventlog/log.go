package eventlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - runs and records tables
const currentSchemaVersion = 1

// Log is a SQLite-backed trace store.
// Uses WAL mode so a trace can be read while a simulation writes it.
type Log struct {
	db *sql.DB
}

// Open creates or opens a log at path. Pragmas and schema are applied on
// every open; doing so twice is harmless.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open event log")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect to event log")
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// Close closes the database.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// DB exposes the underlying database for ad hoc queries.
func (l *Log) DB() *sql.DB { return l.db }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return errors.Wrapf(err, "execute %q", p)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "get user_version")
	}
	if version > currentSchemaVersion {
		return errors.Newf("event log schema version %d is newer than supported version %d",
			version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return errors.Wrap(err, "set user_version")
	}
	return nil
}

// Run describes one recorded execution.
type Run struct {
	ID        string
	Scenario  string
	Protocol  string
	Seed      int64
	StartedAt time.Time
}

// StartRun registers a run and returns its id. ID and StartedAt are
// filled in when empty; simulated runs pass the simulation epoch as
// StartedAt.
func (l *Log) StartRun(ctx context.Context, r Run) (string, error) {
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", errors.Wrap(err, "generate run id")
		}
		r.ID = id.String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, scenario, protocol, seed, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Scenario, r.Protocol, r.Seed, r.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", errors.Wrapf(err, "start run %s", r.ID)
	}
	return r.ID, nil
}

// Runs lists every run, oldest id first. UUIDv7 ids sort by creation
// time.
func (l *Log) Runs(ctx context.Context) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, scenario, protocol, seed, started_at
		FROM runs
		ORDER BY id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var started string
		if err := rows.Scan(&r.ID, &r.Scenario, &r.Protocol, &r.Seed, &started); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, errors.Wrapf(err, "run %s: started_at", r.ID)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate runs")
	}
	return runs, nil
}

// LatestRun returns the most recently started run, or false when the log
// is empty.
func (l *Log) LatestRun(ctx context.Context) (Run, bool, error) {
	runs, err := l.Runs(ctx)
	if err != nil || len(runs) == 0 {
		return Run{}, false, err
	}
	return runs[len(runs)-1], true, nil
}
