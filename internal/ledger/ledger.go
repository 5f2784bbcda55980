// Package ledger keeps a DuckDB history of backup and prune runs. It is
// observational: retention decisions always come from the live remote
// listing, never from here.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/drivebackup/internal/backup"
	"github.com/tinytelemetry/drivebackup/internal/backuperr"
	"github.com/tinytelemetry/drivebackup/internal/ledger/migrate"
)

// DefaultLimit caps Recent when no limit is given.
const DefaultLimit = 50

// Run is one recorded outcome.
type Run struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Stage      string    `json:"stage"`
	OK         bool      `json:"ok"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	FolderID   string    `json:"folder_id,omitempty"`
	FolderName string    `json:"folder_name,omitempty"`
	FileID     string    `json:"file_id,omitempty"`
	FileName   string    `json:"file_name,omitempty"`
	SizeBytes  int64     `json:"size_bytes"`
	Pruned     int       `json:"pruned"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time of the run.
func (r Run) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Store manages the DuckDB connection.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

var _ backup.Recorder = (*Store)(nil)

// Open opens or creates the ledger at dbPath and applies pending
// migrations. An empty dbPath uses an in-memory database.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, backuperr.New(backuperr.LocalIO, "create ledger dir", err)
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, backuperr.New(backuperr.LocalIO, "open ledger", err)
	}
	if err := migrate.NewRunner(db).Run(ctx); err != nil {
		db.Close()
		return nil, backuperr.New(backuperr.LocalIO, "migrate ledger", err)
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path. Empty means in-memory.
func (s *Store) Path() string {
	return s.dbPath
}

// FromReport converts a finished report into a ledger row.
func FromReport(r backup.Report) Run {
	run := Run{
		ID:         r.RunID,
		Kind:       string(r.Kind),
		Stage:      string(r.Stage),
		OK:         r.Err == nil,
		FolderID:   r.Folder.ID,
		FolderName: r.Folder.Name,
		FileID:     r.Uploaded.ID,
		FileName:   r.Artifact.Name(),
		SizeBytes:  r.Artifact.Size,
		Pruned:     r.Pruned,
		StartedAt:  r.Started.UTC(),
		FinishedAt: r.Finished.UTC(),
	}
	if r.Artifact.Path == "" {
		run.FileName = ""
	}
	if r.Err != nil {
		run.ErrorKind = backuperr.KindOf(r.Err).String()
		run.Error = r.Err.Error()
	}
	return run
}

// Record implements backup.Recorder.
func (s *Store) Record(ctx context.Context, r backup.Report) error {
	return s.Insert(ctx, FromReport(r))
}

// Insert stores run. Inserting an existing id fails.
func (s *Store) Insert(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, kind, stage, ok, error_kind, error,
			folder_id, folder_name, file_id, file_name,
			size_bytes, pruned, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.Stage, run.OK, run.ErrorKind, run.Error,
		run.FolderID, run.FolderName, run.FileID, run.FileName,
		run.SizeBytes, run.Pruned, run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, kind, stage, ok, error_kind, error,
	folder_id, folder_name, file_id, file_name,
	size_bytes, pruned, started_at, finished_at`

// Recent returns up to limit runs, newest first. An empty kind matches all.
func (s *Store) Recent(ctx context.Context, kind string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	return scanRuns(rows)
}

// Latest returns the newest run of each kind, ordered by kind.
func (s *Store) Latest(ctx context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		QUALIFY row_number() OVER (PARTITION BY kind ORDER BY started_at DESC, id DESC) = 1
		ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("query latest runs: %w", err)
	}
	return scanRuns(rows)
}

// Trim deletes runs that started before cutoff and returns how many went.
func (s *Store) Trim(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("trim runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(
			&r.ID, &r.Kind, &r.Stage, &r.OK, &r.ErrorKind, &r.Error,
			&r.FolderID, &r.FolderName, &r.FileID, &r.FileName,
			&r.SizeBytes, &r.Pruned, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = r.StartedAt.UTC()
		r.FinishedAt = r.FinishedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
