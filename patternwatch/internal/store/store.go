// CLAUDE:SUMMARY SQLite run history and page list: reports saved per run, recent runs per page, watched pages with change polling.
// Package store keeps patternwatch state in SQLite: the report of every run
// and, optionally, the list of watched pages.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/phl/dbopen"
	"github.com/hazyhaar/phl/patternwatch/results"
)

// Schema creates the store tables. Pass it to dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	page_id       TEXT NOT NULL,
	page_url      TEXT NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL,
	duration_ns   INTEGER NOT NULL,
	count         INTEGER NOT NULL,
	count_visible INTEGER NOT NULL,
	matches       INTEGER NOT NULL,
	faults        INTEGER NOT NULL DEFAULT 0,
	results       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_page_started ON runs(page_id, started_at);

CREATE TABLE IF NOT EXISTS run_elements (
	run_id     TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	pattern    TEXT NOT NULL,
	element_id INTEGER NOT NULL,
	visible    INTEGER NOT NULL,
	PRIMARY KEY (run_id, pattern, element_id)
);

CREATE TABLE IF NOT EXISTS watch_pages (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL DEFAULT '',
	file       TEXT NOT NULL DEFAULT '',
	stealth    TEXT NOT NULL DEFAULT '',
	enabled    INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL
);
`

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("store: not found")

// Store reads and writes the tables of Schema.
type Store struct {
	db *sql.DB
}

// New wraps an open database. The caller applied Schema.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Open opens (or creates) the database file at path with Schema applied.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Run is the summary row of one stored report.
type Run struct {
	RunID        string        `json:"run_id"`
	PageID       string        `json:"page_id"`
	PageURL      string        `json:"page_url,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
	Count        int           `json:"count"`
	CountVisible int           `json:"count_visible"`
	Matches      int           `json:"matches"`
	Faults       int           `json:"faults,omitempty"`
}

// Save stores one report and its tagged elements.
func (s *Store) Save(ctx context.Context, rep results.Report) error {
	blob, err := json.Marshal(rep.Results)
	if err != nil {
		return fmt.Errorf("store: marshal results: %w", err)
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, page_id, page_url, started_at, duration_ns,
			                  count, count_visible, matches, faults, results)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			rep.RunID, rep.PageID, rep.PageURL, rep.StartedAt.UnixNano(), int64(rep.Duration),
			rep.Results.Count, rep.Results.CountVisible, rep.Matches, rep.Faults, string(blob)); err != nil {
			return fmt.Errorf("store: insert run: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO run_elements (run_id, pattern, element_id, visible) VALUES (?,?,?,?)`)
		if err != nil {
			return fmt.Errorf("store: prepare elements: %w", err)
		}
		defer stmt.Close()
		for _, p := range rep.Results.Patterns {
			for _, id := range p.ElementsVisible {
				if _, err := stmt.ExecContext(ctx, rep.RunID, p.Name, uint64(id), 1); err != nil {
					return fmt.Errorf("store: insert element: %w", err)
				}
			}
			for _, id := range p.ElementsHidden {
				if _, err := stmt.ExecContext(ctx, rep.RunID, p.Name, uint64(id), 0); err != nil {
					return fmt.Errorf("store: insert element: %w", err)
				}
			}
		}
		return nil
	})
}

// Recent returns up to limit runs of pageID, newest first.
func (s *Store) Recent(ctx context.Context, pageID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, page_id, page_url, started_at, duration_ns,
		       count, count_visible, matches, faults
		FROM runs WHERE page_id = ?
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?`, pageID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, dur int64
		if err := rows.Scan(&r.RunID, &r.PageID, &r.PageURL, &started, &dur,
			&r.Count, &r.CountVisible, &r.Matches, &r.Faults); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		r.Duration = time.Duration(dur)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Report loads the full report of runID.
func (s *Store) Report(ctx context.Context, runID string) (results.Report, error) {
	var rep results.Report
	var started, dur int64
	var blob string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, page_id, page_url, started_at, duration_ns, matches, faults, results
		FROM runs WHERE run_id = ?`, runID).
		Scan(&rep.RunID, &rep.PageID, &rep.PageURL, &started, &dur, &rep.Matches, &rep.Faults, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return rep, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return rep, fmt.Errorf("store: report: %w", err)
	}
	if err := json.Unmarshal([]byte(blob), &rep.Results); err != nil {
		return rep, fmt.Errorf("store: decode results: %w", err)
	}
	rep.StartedAt = time.Unix(0, started)
	rep.Duration = time.Duration(dur)
	return rep, nil
}

// Totals returns, per pattern, how many elements pageID had tagged across
// all stored runs.
func (s *Store) Totals(ctx context.Context, pageID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.pattern, COUNT(*)
		FROM run_elements e JOIN runs r ON r.run_id = e.run_id
		WHERE r.page_id = ?
		GROUP BY e.pattern`, pageID)
	if err != nil {
		return nil, fmt.Errorf("store: totals: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("store: scan totals: %w", err)
		}
		out[name] = n
	}
	return out, rows.Err()
}

// Trim keeps the newest keep runs of every page and deletes the rest.
func (s *Store) Trim(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM (
				SELECT run_id, ROW_NUMBER() OVER (
					PARTITION BY page_id ORDER BY started_at DESC, run_id DESC) AS rn
				FROM runs)
			WHERE rn > ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("store: trim: %w", err)
	}
	return res.RowsAffected()
}
