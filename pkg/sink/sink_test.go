package sink

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/3leaps/gosqueeze/pkg/provider"
	"github.com/3leaps/gosqueeze/pkg/provider/s3"
)

type recordingStore struct {
	puts    map[string][]byte
	putErr  error
	deleted []string
}

func (r *recordingStore) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	if r.putErr != nil {
		return r.putErr
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if r.puts == nil {
		r.puts = map[string][]byte{}
	}
	r.puts[key] = b
	return nil
}

func (r *recordingStore) DeleteObject(_ context.Context, key string) error {
	r.deleted = append(r.deleted, key)
	return nil
}

func TestLocal_PutWritesDeterministicLocation(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocal(dir)
	require.NoError(t, err)

	data := []byte("compressed")
	w, err := s.Put(context.Background(), "job-1", data)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "job-1.jpg"), w.Location)
	assert.Equal(t, s.Location("job-1"), w.Location)
	assert.Equal(t, int64(len(data)), w.Size)

	got, err := os.ReadFile(w.Location)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocal_PutOverwritesOnRedelivery(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "job-1", []byte("first"))
	require.NoError(t, err)
	w, err := s.Put(context.Background(), "job-1", []byte("second"))
	require.NoError(t, err)

	got, err := os.ReadFile(w.Location)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestLocal_RemoveMissingIsNoop(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, s.Remove(context.Background(), "never-written"))
}

func TestProviderSink_S3Location(t *testing.T) {
	store := &recordingStore{}
	s := NewProviderSink(store, "compressed/", "s3://media/compressed/")

	w, err := s.Put(context.Background(), "job-9", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "s3://media/compressed/job-9.jpg", w.Location)
	assert.Contains(t, store.puts, "compressed/job-9.jpg")

	require.NoError(t, s.Remove(context.Background(), "job-9"))
	assert.Equal(t, []string{"compressed/job-9.jpg"}, store.deleted)
}

func TestProviderSink_PutError(t *testing.T) {
	store := &recordingStore{putErr: &provider.ProviderError{Op: "PutObject", Provider: provider.ProviderS3, Err: provider.ErrNoSpace}}
	s := NewProviderSink(store, "", "s3://media/")

	_, err := s.Put(context.Background(), "job-1", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrNoSpace))
}

func TestProviderSink_RejectsPathLikeIDs(t *testing.T) {
	s := NewProviderSink(&recordingStore{}, "", "s3://media/")
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := s.Put(context.Background(), id, []byte("x"))
		assert.Error(t, err, "id=%q", id)
	}
}

func TestChecksum(t *testing.T) {
	data := []byte("hello")
	sum := blake3.Sum256(data)
	assert.Len(t, Checksum(data), 64)
	assert.Equal(t, Checksum(data), Checksum([]byte("hello")))
	assert.NotEqual(t, Checksum(data), Checksum([]byte("hello!")))
	assert.Equal(t, hex.EncodeToString(sum[:]), Checksum(data))
}

func TestOpen_LocalDir(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, s3.Config{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "job.jpg"), s.Location("job"))
}
