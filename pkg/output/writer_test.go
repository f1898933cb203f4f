package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gosqueeze/pkg/jobregistry"
)

func decodeLine(t *testing.T, line []byte) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(line, &record))
	return record
}

func TestJSONLWriter_WriteStatus(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	st := &StatusRecord{
		JobID:          "job-123",
		State:          jobregistry.JobStateSucceeded,
		OutputLocation: "/data/outputs/job-123.jpg",
		FinalQuality:   53,
	}
	require.NoError(t, w.WriteStatus(context.Background(), st))

	record := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeStatus, record.Type)
	assert.Equal(t, "job-123", record.JobID)
	assert.False(t, record.TS.IsZero())

	var data jobregistry.Status
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, *st, data)
}

func TestJSONLWriter_WriteSubmitted(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	require.NoError(t, w.WriteSubmitted(context.Background(), &SubmittedRecord{
		JobID:        "job-1",
		Source:       "s3://media/cat.png",
		CeilingBytes: 20480,
		Output:       "s3://media/out/job-1.jpg",
	}))

	record := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeSubmitted, record.Type)
	assert.Equal(t, "job-1", record.JobID)

	var data SubmittedRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, int64(20480), data.CeilingBytes)
	assert.Equal(t, "s3://media/out/job-1.jpg", data.Output)
}

func TestJSONLWriter_WriteJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	rec := &jobregistry.JobRecord{
		JobID:         "job-7",
		State:         jobregistry.JobStatePending,
		Request:       jobregistry.Request{Source: "/tmp/a.png", CeilingBytes: 100},
		DeferralCount: 2,
		CreatedAt:     time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, w.WriteJob(context.Background(), rec))

	record := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeJob, record.Type)

	var data jobregistry.JobRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, 2, data.DeferralCount)
	assert.Equal(t, rec.Request, data.Request)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	require.NoError(t, w.WriteError(context.Background(), "", &ErrorRecord{
		Code:    ErrCodeInvalidArgument,
		Message: "ceiling must be >= 0",
		Source:  "cat.png",
	}))

	record := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeError, record.Type)
	assert.Empty(t, record.JobID)

	var data ErrorRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, ErrCodeInvalidArgument, data.Code)
	assert.Equal(t, "cat.png", data.Source)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{
		Submitted:     3,
		Errors:        1,
		Duration:      2 * time.Second,
		DurationHuman: "2s",
	}))

	record := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeSummary, record.Type)
	assert.NotContains(t, buf.String(), `"job_id"`)

	var data SummaryRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, int64(3), data.Submitted)
	assert.Equal(t, 2*time.Second, data.Duration)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	require.NoError(t, w.WriteStatus(context.Background(), &StatusRecord{JobID: "a", State: jobregistry.JobStatePending}))
	require.NoError(t, w.WriteStatus(context.Background(), &StatusRecord{JobID: "a", State: jobregistry.JobStateRunning}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record))
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	require.NoError(t, w.Close())

	err := w.WriteStatus(context.Background(), &StatusRecord{JobID: "a"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteStatus(context.Background(), &StatusRecord{
					JobID:        "job",
					State:        jobregistry.JobStateRunning,
					FinalQuality: writerID*writesPerWriter + j,
				})
			}
		}(i)
	}

	wg.Wait()

	// Verify all lines are complete JSON objects (no interleaving)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteStatus(ctx, &StatusRecord{JobID: "a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")})

	err := w.WriteStatus(context.Background(), &StatusRecord{JobID: "a"})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter)

	err := w.WriteStatus(context.Background(), &StatusRecord{
		JobID:          "job-123",
		State:          jobregistry.JobStateSucceeded,
		OutputLocation: "/data/outputs/job-123.jpg",
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeStatus, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{})

	err := w.WriteStatus(context.Background(), &StatusRecord{JobID: "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call, returning nil error.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(ErrorRecord{Code: ErrCodeInternal, Message: "Something went wrong"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "source")
	assert.NotContains(t, string(data), "details")
}

func BenchmarkJSONLWriter_WriteStatus(b *testing.B) {
	w := NewJSONLWriter(io.Discard)
	st := &StatusRecord{
		JobID:          "0b8e4e1c-6f0e-4d0a-9d55-3f1c1c8b2a10",
		State:          jobregistry.JobStateSucceeded,
		OutputLocation: "/data/outputs/0b8e4e1c-6f0e-4d0a-9d55-3f1c1c8b2a10.jpg",
		FinalQuality:   53,
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteStatus(ctx, st)
	}
}
