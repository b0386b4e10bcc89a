// Package cyclelog keeps an append-only SQLite audit log with one row per
// cycle.
package cyclelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chr1sbest/marathon/internal/state"
)

// Entry is what one cycle produced.
type Entry struct {
	RunID          string
	Cycle          int
	Timestamp      time.Time
	Duration       time.Duration
	Improvements   []state.Improvement
	FalsePositives []state.LedgerEntry
	Errors         []state.ErrorRecord
}

// Log wraps the SQLite connection.
type Log struct {
	conn *sql.DB
	path string
}

// Open opens or creates the log at path and applies the schema.
func Open(path string) (*Log, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cycle log: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping cycle log: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	l := &Log{conn: conn, path: path}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error {
	return l.conn.Close()
}

func (l *Log) Path() string { return l.path }

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cycle_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id          TEXT NOT NULL,
    cycle           INTEGER NOT NULL,
    timestamp       TEXT NOT NULL,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    improvements    TEXT NOT NULL DEFAULT '[]',
    false_positives TEXT NOT NULL DEFAULT '[]',
    errors          TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_cycle_log_cycle ON cycle_log(run_id, cycle DESC);
`

func (l *Log) migrate() error {
	var count int
	err := l.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := l.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Append writes one entry. Rows are never updated or deleted.
func (l *Log) Append(ctx context.Context, e Entry) error {
	imps, err := jsonText(e.Improvements)
	if err != nil {
		return err
	}
	fps, err := jsonText(e.FalsePositives)
	if err != nil {
		return err
	}
	errs, err := jsonText(e.Errors)
	if err != nil {
		return err
	}
	_, err = l.conn.ExecContext(ctx,
		`INSERT INTO cycle_log (run_id, cycle, timestamp, duration_ms, improvements, false_positives, errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Cycle, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Duration.Milliseconds(), imps, fps, errs,
	)
	if err != nil {
		return fmt.Errorf("append cycle %d: %w", e.Cycle, err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT run_id, cycle, timestamp, duration_ms, improvements, false_positives, errors
		 FROM cycle_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent cycles: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			ts                string
			ms                int64
			imps, fps, errTxt string
		)
		if err := rows.Scan(&e.RunID, &e.Cycle, &ts, &ms, &imps, &fps, &errTxt); err != nil {
			return nil, fmt.Errorf("scan cycle row: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Duration = time.Duration(ms) * time.Millisecond
		if err := json.Unmarshal([]byte(imps), &e.Improvements); err != nil {
			return nil, fmt.Errorf("decode improvements of cycle %d: %w", e.Cycle, err)
		}
		if err := json.Unmarshal([]byte(fps), &e.FalsePositives); err != nil {
			return nil, fmt.Errorf("decode false positives of cycle %d: %w", e.Cycle, err)
		}
		if err := json.Unmarshal([]byte(errTxt), &e.Errors); err != nil {
			return nil, fmt.Errorf("decode errors of cycle %d: %w", e.Cycle, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of logged cycles.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	err := l.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM cycle_log").Scan(&n)
	return n, err
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}
