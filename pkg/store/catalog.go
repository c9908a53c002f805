package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"slidesampler/internal/models"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	slide       TEXT NOT NULL,
	level       INTEGER NOT NULL,
	downsample  REAL NOT NULL,
	size        INTEGER NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS patches (
	run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq     INTEGER NOT NULL,
	w       INTEGER NOT NULL,
	h       INTEGER NOT NULL,
	class   INTEGER,
	parent  TEXT NOT NULL,
	level   INTEGER NOT NULL,
	size    INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_runs_slide ON runs(slide);
`

// Run describes one sampling run recorded in the catalog
type Run struct {
	ID         string
	Slide      string
	Level      int
	Downsample float64
	Size       int
	CreatedAt  time.Time
	Patches    int
}

// Catalog indexes the patch tables of many sampling runs in SQLite
type Catalog struct {
	db *sql.DB

	// mu serialises writers; SQLite allows a single writer at a time.
	mu sync.Mutex
}

// OpenCatalog opens or creates the catalog database at path. The path
// ":memory:" opens a private in-memory catalog.
func OpenCatalog(path string) (*Catalog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("catalog: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	if path == ":memory:" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: exec schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// AddRun records a patch table drawn at binding and returns the new run's
// UUIDv7 identifier. The run and its patches are written in one transaction.
func (c *Catalog) AddRun(ctx context.Context, slide string, binding models.LevelBinding, size int, table *models.PatchTable) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("catalog: run id: %w", err)
	}
	runID := id.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("catalog: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, slide, level, downsample, size, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, slide, binding.Level, binding.Downsample, size, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("catalog: insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO patches (run_id, seq, w, h, class, parent, level, size) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("catalog: prepare: %w", err)
	}
	defer stmt.Close()

	for seq, r := range table.Rows {
		var class sql.NullInt64
		if label, ok := r.Class.Label(); ok {
			class = sql.NullInt64{Int64: int64(label), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, runID, seq, r.W, r.H, class, r.Parent, r.Level, r.Size); err != nil {
			return "", fmt.Errorf("catalog: insert patch %d: %w", seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("catalog: commit: %w", err)
	}
	return runID, nil
}

// Runs lists recorded runs, oldest first, optionally restricted to a slide.
func (c *Catalog) Runs(ctx context.Context, slide string) ([]Run, error) {
	query := `SELECT r.id, r.slide, r.level, r.downsample, r.size, r.created_at, COUNT(p.seq)
		FROM runs r LEFT JOIN patches p ON p.run_id = r.id`
	var args []any
	if slide != "" {
		query += ` WHERE r.slide = ?`
		args = append(args, slide)
	}
	query += ` GROUP BY r.id ORDER BY r.id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var created string
		if err := rows.Scan(&r.ID, &r.Slide, &r.Level, &r.Downsample, &r.Size, &created, &r.Patches); err != nil {
			return nil, fmt.Errorf("catalog: scan run: %w", err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("catalog: run %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Patches returns the patch table of a run in draw order.
func (c *Catalog) Patches(ctx context.Context, runID string) (*models.PatchTable, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT w, h, class, parent, level, size FROM patches WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("catalog: query patches: %w", err)
	}
	defer rows.Close()

	table := &models.PatchTable{}
	for rows.Next() {
		var r models.PatchRecord
		var class sql.NullInt64
		if err := rows.Scan(&r.W, &r.H, &class, &r.Parent, &r.Level, &r.Size); err != nil {
			return nil, fmt.Errorf("catalog: scan patch: %w", err)
		}
		if class.Valid {
			if r.Class, err = models.ClassFromLabel(int(class.Int64)); err != nil {
				return nil, fmt.Errorf("catalog: run %s: %w", runID, err)
			}
		}
		table.Append(r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: read patches: %w", err)
	}
	return table, nil
}
