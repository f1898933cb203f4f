package jobregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// FileStore persists JobRecords in an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/job.lock
//
// job.json is replaced atomically (temp file, fsync, rename, dir fsync).
// job.lock serializes read-modify-write cycles across processes.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

func (s *FileStore) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FileStore) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *FileStore) lockPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.lock")
}

func (s *FileStore) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Create(ctx context.Context, record *JobRecord) error {
	if err := validateNew(record); err != nil {
		return err
	}
	if err := checkJobID(record.JobID); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(record.JobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	unlock, err := lockFile(ctx, s.lockPath(record.JobID))
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(s.JobPath(record.JobID)); err == nil {
		return fmt.Errorf("%w: %s", ErrJobExists, record.JobID)
	}
	return s.write(record)
}

func (s *FileStore) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	_ = ctx
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}
	return s.read(jobID)
}

func (s *FileStore) List(ctx context.Context, filter ListFilter) ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		r, err := s.read(entry.Name())
		if err != nil {
			// Half-created job dirs have no job.json yet.
			continue
		}
		if !filter.matches(r) {
			continue
		}
		out = append(out, *r)
	}

	sortNewestFirst(out)
	return out, nil
}

func (s *FileStore) Update(ctx context.Context, jobID string, fn func(*JobRecord) error) (*JobRecord, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.JobDir(jobID)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}

	unlock, err := lockFile(ctx, s.lockPath(jobID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	prev, err := s.read(jobID)
	if err != nil {
		return nil, err
	}
	next, err := applyUpdate(prev, fn)
	if err != nil {
		return nil, err
	}
	if err := s.write(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *FileStore) Delete(ctx context.Context, jobID string) error {
	_ = ctx
	if err := checkJobID(jobID); err != nil {
		return err
	}
	dir := s.JobDir(jobID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

func (s *FileStore) read(jobID string) (*JobRecord, error) {
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

func (s *FileStore) write(record *JobRecord) error {
	jobDir := s.JobDir(record.JobID)

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(record.JobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return syncDir(jobDir)
}

func checkJobID(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("invalid job_id %q", jobID)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return fmt.Errorf("sync job dir: %w", err)
	}
	return nil
}
