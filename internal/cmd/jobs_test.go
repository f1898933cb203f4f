package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/sink"
)

func seedJobs(t *testing.T, ids ...string) jobregistry.Store {
	t.Helper()
	store := jobregistry.NewFileStore(filepath.Join(t.TempDir(), "jobs"))
	for _, id := range ids {
		require.NoError(t, store.Create(context.Background(), &jobregistry.JobRecord{
			JobID:     id,
			State:     jobregistry.JobStatePending,
			Request:   jobregistry.Request{Source: "/tmp/" + id + ".png", CeilingBytes: 1024},
			CreatedAt: time.Now().UTC(),
		}))
	}
	return store
}

func TestResolveJobID(t *testing.T) {
	ctx := context.Background()
	store := seedJobs(t,
		"4f1c2a9e-0000-4000-8000-000000000001",
		"4f1c2a9e-0000-4000-8000-000000000002",
		"9b77d0c1-0000-4000-8000-000000000003",
	)

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{name: "full id", input: "9b77d0c1-0000-4000-8000-000000000003", want: "9b77d0c1-0000-4000-8000-000000000003"},
		{name: "unique prefix", input: "9b77", want: "9b77d0c1-0000-4000-8000-000000000003"},
		{name: "prefix with whitespace", input: "  9b77d0c1 ", want: "9b77d0c1-0000-4000-8000-000000000003"},
		{name: "ambiguous prefix", input: "4f1c2a9e", wantErr: "ambiguous"},
		{name: "no match", input: "ffff", wantErr: "not found"},
		{name: "empty", input: " ", wantErr: "job_id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveJobID(ctx, store, tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListFormatting(t *testing.T) {
	assert.Equal(t, "4f1c2a9e-000", shortJobID("4f1c2a9e-0000-4000-8000-000000000001"))
	assert.Equal(t, "short", shortJobID("short"))

	assert.Equal(t, "-", formatOptionalTime(nil))
	ended := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-01T12:00:00Z", formatOptionalTime(&ended))

	assert.Equal(t, "-", dash("  "))
	assert.Equal(t, "hero", dash("hero"))

	done := jobregistry.JobRecord{OutputLocation: "/out/a.jpg", OutputBytes: 2048, FinalQuality: 81}
	assert.Equal(t, "2.0 KiB", outputSize(done))
	assert.Equal(t, "81", quality(done))

	pending := jobregistry.JobRecord{}
	assert.Equal(t, "-", outputSize(pending))
	assert.Equal(t, "-", quality(pending))
}

func TestGCJobs_RemovesOnlyOutputsAtCurrentDestination(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := jobregistry.NewFileStore(filepath.Join(dir, "jobs"))
	current, err := sink.NewLocal(filepath.Join(dir, "current"))
	require.NoError(t, err)
	previous, err := sink.NewLocal(filepath.Join(dir, "previous"))
	require.NoError(t, err)

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	seed := func(id string, out *sink.ProviderSink, ended time.Time) string {
		w, err := out.Put(ctx, id, []byte("jpeg"))
		require.NoError(t, err)
		require.NoError(t, store.Create(ctx, &jobregistry.JobRecord{
			JobID:          id,
			State:          jobregistry.JobStateSucceeded,
			Request:        jobregistry.Request{Source: "/tmp/" + id + ".png", CeilingBytes: 1024},
			OutputLocation: w.Location,
			CreatedAt:      ended,
			EndedAt:        &ended,
		}))
		return w.Location
	}
	here := seed("job-current", current, old)
	moved := seed("job-previous", previous, old)
	fresh := seed("job-fresh", current, now)

	jobs, err := store.List(ctx, jobregistry.ListFilter{})
	require.NoError(t, err)

	var res jobsGCResult
	require.NoError(t, gcJobs(ctx, store, current, jobs, gcOptions{maxAge: 24 * time.Hour, now: now}, &res))

	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, 1, res.OutputsRemoved)
	assert.Equal(t, 1, res.OutputsSkipped)

	assert.NoFileExists(t, here)
	assert.FileExists(t, moved)
	assert.FileExists(t, fresh)

	_, err = store.Get(ctx, "job-previous")
	assert.ErrorIs(t, err, jobregistry.ErrJobNotFound)
	_, err = store.Get(ctx, "job-fresh")
	assert.NoError(t, err)
}

func TestGCJobs_DryRunAndKeepOutputs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := jobregistry.NewFileStore(filepath.Join(dir, "jobs"))
	out, err := sink.NewLocal(filepath.Join(dir, "out"))
	require.NoError(t, err)

	ended := time.Now().UTC().Add(-48 * time.Hour)
	w, err := out.Put(ctx, "job-1", []byte("jpeg"))
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, &jobregistry.JobRecord{
		JobID:          "job-1",
		State:          jobregistry.JobStateSucceeded,
		Request:        jobregistry.Request{Source: "/tmp/a.png", CeilingBytes: 1024},
		OutputLocation: w.Location,
		CreatedAt:      ended,
		EndedAt:        &ended,
	}))
	jobs, err := store.List(ctx, jobregistry.ListFilter{})
	require.NoError(t, err)
	opts := gcOptions{maxAge: time.Hour, now: time.Now().UTC()}

	var dry jobsGCResult
	opts.dryRun = true
	require.NoError(t, gcJobs(ctx, store, out, jobs, opts, &dry))
	assert.Equal(t, 1, dry.WouldDelete)
	assert.Zero(t, dry.Deleted)

	var kept jobsGCResult
	opts.dryRun = false
	opts.keepOutputs = true
	require.NoError(t, gcJobs(ctx, store, out, jobs, opts, &kept))
	assert.Equal(t, 1, kept.Deleted)
	assert.Zero(t, kept.OutputsRemoved)
	assert.FileExists(t, w.Location)
}
