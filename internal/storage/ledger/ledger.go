// Package ledger archives merged experiments in a local SQLite database so
// operators can look back at what ran after it left the queue.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/expctl/pkg/types"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

const createMerged = `
CREATE TABLE IF NOT EXISTS merged_experiments (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id    TEXT NOT NULL,
  label       TEXT NOT NULL,
  description TEXT,
  kind        TEXT NOT NULL,
  options     TEXT,
  job_count   INTEGER NOT NULL,
  relaunches  INTEGER NOT NULL DEFAULT 0,
  merged_at   TEXT NOT NULL
);`

// Entry is one archived experiment.
type Entry struct {
	ID          int64
	BatchID     string
	Label       string
	Description string
	Kind        types.ExperimentKind
	Options     map[string]bool
	JobCount    int
	Relaunches  int
	MergedAt    time.Time
}

// Ledger wraps the SQLite handle.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file and schema if needed.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createMerged); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Record archives an experiment whose merge just succeeded.
func (l *Ledger) Record(ctx context.Context, e *types.Experiment) error {
	opts, err := json.Marshal(e.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO merged_experiments (batch_id, label, description, kind, options, job_count, relaunches, merged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Label, e.Description, string(e.Kind), string(opts), len(e.Jobs), e.Relaunches,
		l.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert merged experiment %q: %w", e.Label, err)
	}
	return nil
}

// List returns the most recent entries first. limit <= 0 returns all.
func (l *Ledger) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, batch_id, label, description, kind, options, job_count, relaunches, merged_at
	          FROM merged_experiments ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry       Entry
			kind        string
			description sql.NullString
			opts        sql.NullString
			mergedAt    string
		)
		if err := rows.Scan(&entry.ID, &entry.BatchID, &entry.Label, &description, &kind, &opts,
			&entry.JobCount, &entry.Relaunches, &mergedAt); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		entry.Kind = types.ExperimentKind(kind)
		entry.Description = description.String
		entry.Options = map[string]bool{}
		if opts.Valid && opts.String != "" {
			if err := json.Unmarshal([]byte(opts.String), &entry.Options); err != nil {
				return nil, fmt.Errorf("decode options of %q: %w", entry.Label, err)
			}
		}
		if t, err := time.Parse(time.RFC3339, mergedAt); err == nil {
			entry.MergedAt = t
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
