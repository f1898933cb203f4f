package jobregistry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"
)

// Store persists JobRecords.
//
// Update is the only way to change an existing record. It applies fn to a
// copy of the current record and commits the result only if no other writer
// committed in between (compare-and-set on Revision). Backends reject
// transitions out of terminal states and transitions CanTransition refuses.
type Store interface {
	Create(ctx context.Context, record *JobRecord) error
	Get(ctx context.Context, jobID string) (*JobRecord, error)
	List(ctx context.Context, filter ListFilter) ([]JobRecord, error)
	Update(ctx context.Context, jobID string, fn func(*JobRecord) error) (*JobRecord, error)
	Delete(ctx context.Context, jobID string) error
	Close() error
}

// checkUpdate validates a candidate record produced by an Update callback.
func checkUpdate(prev, next *JobRecord) error {
	if prev.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, prev.JobID, prev.State)
	}
	if next.JobID != prev.JobID {
		return fmt.Errorf("job_id cannot change (%s -> %s)", prev.JobID, next.JobID)
	}
	if !next.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, next.State)
	}
	if next.State != prev.State && !CanTransition(prev.State, next.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.State, next.State)
	}
	return nil
}

// applyUpdate runs fn against a copy of prev and returns the validated result
// with its revision advanced.
func applyUpdate(prev *JobRecord, fn func(*JobRecord) error) (*JobRecord, error) {
	if prev.State.IsTerminal() {
		return nil, checkUpdate(prev, prev)
	}
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := checkUpdate(prev, next); err != nil {
		return nil, err
	}
	next.Revision = prev.Revision + 1
	return next, nil
}

func validateNew(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if !record.State.Valid() {
		return fmt.Errorf("invalid state %q", record.State)
	}
	return nil
}

func sortNewestFirst(records []JobRecord) {
	sort.Slice(records, func(i, j int) bool {
		return jobSortTime(records[i]).After(jobSortTime(records[j]))
	})
}

func jobSortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// ProcessAlive reports whether pid refers to a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
