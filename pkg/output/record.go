// Package output provides JSONL output for job submissions and status.
//
// Output is structured as typed record envelopes containing statuses,
// submissions, errors and summaries. Each line is a self-contained JSON
// object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/gosqueeze/pkg/jobregistry"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gosqueeze.<type>.v<version>
const (
	// TypeStatus identifies observer-facing status records.
	TypeStatus = "gosqueeze.status.v1"

	// TypeSubmitted identifies records emitted when a job is accepted.
	TypeSubmitted = "gosqueeze.submitted.v1"

	// TypeJob identifies full job record dumps.
	TypeJob = "gosqueeze.job.v1"

	// TypeError identifies error records.
	TypeError = "gosqueeze.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gosqueeze.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gosqueeze.status.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the job the record is about. Empty for batch-level records.
	JobID string `json:"job_id,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// StatusRecord is the data payload for status updates.
type StatusRecord = jobregistry.Status

// SubmittedRecord is the data payload for an accepted submission.
type SubmittedRecord struct {
	JobID        string `json:"job_id"`
	Name         string `json:"name,omitempty"`
	Source       string `json:"source"`
	CeilingBytes int64  `json:"ceiling_bytes"`
	Output       string `json:"output_location"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing a whole batch,
// allowing partial results when some submissions fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Source is the source reference related to this error, if applicable.
	Source string `json:"source,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInternal        = "INTERNAL"
)

// SummaryRecord is the data payload for batch summaries.
type SummaryRecord struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded,omitempty"`
	Failed    int64 `json:"failed,omitempty"`
	Errors    int64 `json:"errors"`

	// Duration is the total batch duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
