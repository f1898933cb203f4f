package jobregistry

import (
	"errors"
	"time"
)

// JobState is the lifecycle state of a compression job.
//
// NOTE: These values are persisted in job.json and the sqlite jobs table and
// are part of the stable on-disk contract.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// Rank orders states for observers: pending < running < terminal.
func (s JobState) Rank() int {
	switch s {
	case JobStatePending:
		return 1
	case JobStateRunning:
		return 2
	case JobStateSucceeded, JobStateFailed:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	return s.Rank() > 0
}

// FailureKind classifies a failed job.
type FailureKind string

const (
	// FailureInput covers absent, unreadable and undecodable sources.
	FailureInput FailureKind = "input"
	// FailureWrite means the output could not be persisted. No output is claimed.
	FailureWrite FailureKind = "write"
	// FailureCancelled means the job was cancelled before it produced output.
	FailureCancelled FailureKind = "cancelled"
	// FailureInternal covers unexpected engine errors.
	FailureInternal FailureKind = "internal"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrTerminal          = errors.New("job is terminal")
)

// CanTransition reports whether from -> to is allowed.
//
// running -> running is accepted so a redelivered job can be claimed again.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStatePending:
		return to == JobStateRunning || to == JobStateFailed
	case JobStateRunning:
		return to == JobStateRunning || to == JobStateSucceeded || to == JobStateFailed
	default:
		return false
	}
}

// Request is what a caller submits: a source reference and a size ceiling.
type Request struct {
	Source       string `json:"source"`
	CeilingBytes int64  `json:"ceiling_bytes"`
}

// JobRecord is the persistent record of one compression job.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID   string   `json:"job_id"`
	Name    string   `json:"name,omitempty"`
	State   JobState `json:"state"`
	Request Request  `json:"request"`

	OutputLocation string      `json:"output_location,omitempty"`
	FailureKind    FailureKind `json:"failure_kind,omitempty"`
	FailureReason  string      `json:"failure_reason,omitempty"`

	FinalQuality   int    `json:"final_quality,omitempty"`
	SourceBytes    int64  `json:"source_bytes,omitempty"`
	OutputBytes    int64  `json:"output_bytes,omitempty"`
	BestEffort     bool   `json:"best_effort,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	OutputChecksum string `json:"output_checksum,omitempty"`

	CancelRequested    bool   `json:"cancel_requested,omitempty"`
	DeliveryCount      int    `json:"delivery_count"`
	DeferralCount      int    `json:"deferral_count"`
	LastDeferralReason string `json:"last_deferral_reason,omitempty"`

	// PID is the process that last claimed the job for execution.
	PID int `json:"pid,omitempty"`

	Revision int64 `json:"revision"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// Clone returns a deep copy of r.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.StartedAt = cloneTime(r.StartedAt)
	c.EndedAt = cloneTime(r.EndedAt)
	c.LastHeartbeat = cloneTime(r.LastHeartbeat)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Status is the observer-facing projection of a JobRecord.
type Status struct {
	JobID          string      `json:"job_id"`
	State          JobState    `json:"state"`
	OutputLocation string      `json:"output_location,omitempty"`
	FailureKind    FailureKind `json:"failure_kind,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	BestEffort     bool        `json:"best_effort,omitempty"`
	FinalQuality   int         `json:"final_quality,omitempty"`
}

func (r *JobRecord) Status() Status {
	return Status{
		JobID:          r.JobID,
		State:          r.State,
		OutputLocation: r.OutputLocation,
		FailureKind:    r.FailureKind,
		Reason:         r.FailureReason,
		BestEffort:     r.BestEffort,
		FinalQuality:   r.FinalQuality,
	}
}

// ListFilter narrows List results. The zero value matches every record.
type ListFilter struct {
	States []JobState
}

func (f ListFilter) matches(r *JobRecord) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if r.State == s {
			return true
		}
	}
	return false
}
