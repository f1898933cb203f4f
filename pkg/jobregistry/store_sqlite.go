package jobregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriver        = "sqlite"
	sqliteSchemaVersion = 1

	// maxCASAttempts bounds Update retries when another writer keeps winning.
	maxCASAttempts = 8
)

// SQLiteStore persists JobRecords in a single SQLite database.
//
// The record itself is stored as JSON; state and revision are mirrored into
// columns so List can filter and Update can compare-and-set.
type SQLiteStore struct {
	db   *sql.DB
	path string

	// mu serializes Update within this process; revision CAS covers other processes.
	mu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and creates if needed) a SQLite job registry at path.
//
// Local databases use WAL and busy_timeout with a single connection so that
// several gosqueeze processes can share the file.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("job registry path is required")
	}

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(filepath.Clean(path))
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job registry: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job registry: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if dsn != ":memory:" {
		if err := configureSQLite(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func configureSQLite(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL"); err != nil {
		return fmt.Errorf("set synchronous: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS registry_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO registry_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			revision INTEGER NOT NULL,
			record TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, sqliteSchemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Path returns the database path the store was opened with.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, record *JobRecord) error {
	if err := validateNew(record); err != nil {
		return err
	}
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, state, revision, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING
	`, record.JobID, string(record.State), record.Revision, string(b), record.CreatedAt.UTC().Format(time.RFC3339Nano), now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, record.JobID)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM jobs WHERE job_id = ?`, jobID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return decodeRecord(raw)
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]JobRecord, error) {
	query := `SELECT record FROM jobs`
	args := make([]any, 0, len(filter.States))
	if len(filter.States) > 0 {
		placeholders := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			placeholders = append(placeholders, "?")
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		r, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	sortNewestFirst(out)
	return out, nil
}

func (s *SQLiteStore) Update(ctx context.Context, jobID string, fn func(*JobRecord) error) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		prev, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		next, err := applyUpdate(prev, fn)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal job record: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET state = ?, revision = ?, record = ?, updated_at = ?
			WHERE job_id = ? AND revision = ?
		`, string(next.State), next.Revision, string(b), time.Now().UTC().Format(time.RFC3339Nano), jobID, prev.Revision)
		if err != nil {
			return nil, fmt.Errorf("update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("update job: %w", err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, jobID)
}

func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

func decodeRecord(raw string) (*JobRecord, error) {
	var record JobRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("parse job record: %w", err)
	}
	return &record, nil
}
