package jobregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobState
		want     bool
	}{
		{JobStatePending, JobStateRunning, true},
		{JobStatePending, JobStateFailed, true},
		{JobStatePending, JobStateSucceeded, false},
		{JobStateRunning, JobStateRunning, true},
		{JobStateRunning, JobStateSucceeded, true},
		{JobStateRunning, JobStateFailed, true},
		{JobStateRunning, JobStatePending, false},
		{JobStateSucceeded, JobStateFailed, false},
		{JobStateFailed, JobStateRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestJobState_Rank(t *testing.T) {
	assert.Less(t, JobStatePending.Rank(), JobStateRunning.Rank())
	assert.Less(t, JobStateRunning.Rank(), JobStateSucceeded.Rank())
	assert.Equal(t, JobStateSucceeded.Rank(), JobStateFailed.Rank())
	assert.False(t, JobState("queued").Valid())
}

func TestJobRecord_CloneIsDeep(t *testing.T) {
	r := newPending("job-1", fixedTime())
	started := fixedTime()
	r.StartedAt = &started

	c := r.Clone()
	*c.StartedAt = c.StartedAt.AddDate(1, 0, 0)
	assert.Equal(t, started, *r.StartedAt)
}

func fixedTime() time.Time {
	return time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
}

func TestJobRecord_Status(t *testing.T) {
	r := newPending("job-1", fixedTime())
	r.State = JobStateFailed
	r.FailureKind = FailureInput
	r.FailureReason = "source not found"

	st := r.Status()
	assert.Equal(t, "job-1", st.JobID)
	assert.Equal(t, JobStateFailed, st.State)
	assert.Equal(t, FailureInput, st.FailureKind)
	assert.Equal(t, "source not found", st.Reason)
	assert.Empty(t, st.OutputLocation)
}
