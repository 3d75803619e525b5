package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kiln/internal/fingerprint"
)

// Index is the SQLite metadata index and run ledger kept next to the blobs.
// It records provenance (which unit and run produced each artifact) and
// per-run, per-unit outcomes for `kiln log` and GC pinning.
type Index struct {
	db *sql.DB
}

// RunRecord summarizes one pipeline run in the ledger.
type RunRecord struct {
	RunID      string
	Pipeline   string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
}

// UnitRecord is the ledger entry for one unit within a run.
type UnitRecord struct {
	RunID       string
	UnitID      string
	Status      string
	Fingerprint fingerprint.Fingerprint
	CacheHit    bool
	Error       string
	Duration    time.Duration
}

// OpenIndex opens (creating if needed) the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening index: %v", ErrStorage, err)
	}
	// Single writer; WAL keeps concurrent readers cheap.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrStorage, pragma, err)
		}
	}

	idx := &Index{db: db}
	if err := idx.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			fingerprint TEXT PRIMARY KEY,
			unit_id     TEXT NOT NULL,
			run_id      TEXT NOT NULL,
			size        INTEGER NOT NULL,
			created_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			pipeline    TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS run_units (
			run_id      TEXT NOT NULL,
			unit_id     TEXT NOT NULL,
			status      TEXT NOT NULL,
			fingerprint TEXT NOT NULL DEFAULT '',
			cache_hit   INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, unit_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := x.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: initializing schema: %v", ErrStorage, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (x *Index) Close() error { return x.db.Close() }

func (x *Index) recordArtifact(ctx context.Context, m Meta) error {
	_, err := x.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (fingerprint, unit_id, run_id, size, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		string(m.Fingerprint), m.UnitID, m.RunID, m.Size, m.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: indexing artifact: %v", ErrStorage, err)
	}
	return nil
}

func (x *Index) deleteArtifact(ctx context.Context, fp fingerprint.Fingerprint) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM artifacts WHERE fingerprint = ?`, string(fp)); err != nil {
		return fmt.Errorf("%w: unindexing artifact: %v", ErrStorage, err)
	}
	return nil
}

func (x *Index) clearArtifacts(ctx context.Context) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM artifacts`); err != nil {
		return fmt.Errorf("%w: clearing artifact index: %v", ErrStorage, err)
	}
	return nil
}

func (x *Index) listArtifacts(ctx context.Context) ([]Meta, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT fingerprint, unit_id, run_id, size, created_at
		 FROM artifacts ORDER BY created_at DESC, fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing artifacts: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var m Meta
		var fp, created string
		if err := rows.Scan(&fp, &m.UnitID, &m.RunID, &m.Size, &created); err != nil {
			return nil, fmt.Errorf("%w: scanning artifact row: %v", ErrStorage, err)
		}
		m.Fingerprint = fingerprint.Fingerprint(fp)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing artifacts: %v", ErrStorage, err)
	}
	return out, nil
}

// gcCandidates returns fingerprints not touched by the most recent keepRuns
// runs and older than maxAge (zero maxAge means any age).
func (x *Index) gcCandidates(ctx context.Context, keepRuns int, maxAge time.Duration) ([]fingerprint.Fingerprint, error) {
	cutoff := ""
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	}
	rows, err := x.db.QueryContext(ctx,
		`SELECT fingerprint FROM artifacts
		 WHERE (? = '' OR created_at < ?)
		   AND fingerprint NOT IN (
			SELECT fingerprint FROM run_units WHERE run_id IN (
				SELECT run_id FROM runs ORDER BY started_at DESC LIMIT ?))`,
		cutoff, cutoff, keepRuns)
	if err != nil {
		return nil, fmt.Errorf("%w: selecting GC candidates: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []fingerprint.Fingerprint
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("%w: scanning GC candidate: %v", ErrStorage, err)
		}
		out = append(out, fingerprint.Fingerprint(fp))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: selecting GC candidates: %v", ErrStorage, err)
	}
	return out, nil
}

// BeginRun opens a ledger entry for a new run.
func (x *Index) BeginRun(ctx context.Context, runID, pipeline string, startedAt time.Time) error {
	_, err := x.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, pipeline, started_at) VALUES (?, ?, ?)`,
		runID, pipeline, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: recording run start: %v", ErrStorage, err)
	}
	return nil
}

// FinishRun closes the ledger entry for a run.
func (x *Index) FinishRun(ctx context.Context, runID, outcome string, finishedAt time.Time) error {
	_, err := x.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, outcome = ? WHERE run_id = ?`,
		finishedAt.UTC().Format(time.RFC3339Nano), outcome, runID)
	if err != nil {
		return fmt.Errorf("%w: recording run finish: %v", ErrStorage, err)
	}
	return nil
}

// RecordUnit stores the terminal outcome of one unit within a run.
func (x *Index) RecordUnit(ctx context.Context, rec UnitRecord) error {
	_, err := x.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_units
		 (run_id, unit_id, status, fingerprint, cache_hit, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.UnitID, rec.Status, string(rec.Fingerprint),
		rec.CacheHit, rec.Error, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("%w: recording unit outcome: %v", ErrStorage, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (x *Index) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT run_id, pipeline, started_at, finished_at, outcome
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing runs: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		if err := rows.Scan(&r.RunID, &r.Pipeline, &started, &finished, &r.Outcome); err != nil {
			return nil, fmt.Errorf("%w: scanning run row: %v", ErrStorage, err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing runs: %v", ErrStorage, err)
	}
	return out, nil
}

// RunUnits returns the per-unit ledger entries for a run, by unit ID.
func (x *Index) RunUnits(ctx context.Context, runID string) ([]UnitRecord, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT run_id, unit_id, status, fingerprint, cache_hit, error, duration_ms
		 FROM run_units WHERE run_id = ? ORDER BY unit_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing run units: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []UnitRecord
	for rows.Next() {
		var rec UnitRecord
		var fp string
		var ms int64
		if err := rows.Scan(&rec.RunID, &rec.UnitID, &rec.Status, &fp, &rec.CacheHit, &rec.Error, &ms); err != nil {
			return nil, fmt.Errorf("%w: scanning run unit row: %v", ErrStorage, err)
		}
		rec.Fingerprint = fingerprint.Fingerprint(fp)
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing run units: %v", ErrStorage, err)
	}
	return out, nil
}
