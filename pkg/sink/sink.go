// Package sink stores compressed outputs at locations derived from the job
// identity, so a redelivered job overwrites its own output instead of
// producing a second one.
package sink

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/3leaps/gosqueeze/pkg/provider"
	"github.com/3leaps/gosqueeze/pkg/provider/file"
	"github.com/3leaps/gosqueeze/pkg/provider/s3"
)

// Extension is appended to the job identity to form the output name.
const Extension = ".jpg"

// Sink persists job outputs.
type Sink interface {
	// Location returns where the output of jobID is (or will be) stored.
	Location(jobID string) string

	// Put writes data for jobID. A nil error means the write is durable.
	Put(ctx context.Context, jobID string, data []byte) (*Written, error)

	// Remove deletes the output of jobID. Removing a missing output is not an error.
	Remove(ctx context.Context, jobID string) error
}

// Written describes a completed durable write.
type Written struct {
	Location string
	Size     int64
	Checksum string
}

// Store is the object capability set a Sink writes through.
type Store interface {
	provider.ObjectPutter
	provider.ObjectDeleter
}

// ProviderSink writes outputs as <prefix><job_id>.jpg through a provider.
type ProviderSink struct {
	store  Store
	prefix string
	base   string
}

var _ Sink = (*ProviderSink)(nil)

// NewProviderSink returns a sink writing under prefix in store. base is the
// display form of the destination root used in Location.
func NewProviderSink(store Store, prefix, base string) *ProviderSink {
	return &ProviderSink{store: store, prefix: prefix, base: base}
}

// NewLocal returns a sink writing into dir.
func NewLocal(dir string) (*ProviderSink, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	p, err := file.New(file.Config{BaseDir: abs})
	if err != nil {
		return nil, err
	}
	return NewProviderSink(p, "", abs), nil
}

// Open parses uri (a directory path, file:// URI or s3://bucket/prefix/) and
// returns the matching sink.
func Open(ctx context.Context, uri string, opts s3.Config) (*ProviderSink, error) {
	parsed, err := provider.ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("parse output uri: %w", err)
	}
	switch parsed.Provider {
	case provider.ProviderFile:
		return NewLocal(parsed.Path)
	case provider.ProviderS3:
		opts.Bucket = parsed.Bucket
		p, err := s3.New(ctx, opts)
		if err != nil {
			return nil, err
		}
		prefix := parsed.Key
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		return NewProviderSink(p, prefix, "s3://"+parsed.Bucket+"/"+prefix), nil
	default:
		return nil, fmt.Errorf("unsupported output provider %s", parsed.Provider)
	}
}

func (s *ProviderSink) key(jobID string) string {
	return s.prefix + jobID + Extension
}

func (s *ProviderSink) Location(jobID string) string {
	if strings.HasPrefix(s.base, "s3://") {
		return s.base + jobID + Extension
	}
	return filepath.Join(s.base, jobID+Extension)
}

func (s *ProviderSink) Put(ctx context.Context, jobID string, data []byte) (*Written, error) {
	if err := checkJobID(jobID); err != nil {
		return nil, err
	}
	if err := s.store.PutObject(ctx, s.key(jobID), bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	return &Written{
		Location: s.Location(jobID),
		Size:     int64(len(data)),
		Checksum: Checksum(data),
	}, nil
}

func (s *ProviderSink) Remove(ctx context.Context, jobID string) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}
	if err := s.store.DeleteObject(ctx, s.key(jobID)); err != nil {
		return fmt.Errorf("remove output: %w", err)
	}
	return nil
}

// Close releases the underlying provider.
func (s *ProviderSink) Close() error {
	if c, ok := s.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Checksum returns the hex BLAKE3-256 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func checkJobID(jobID string) error {
	if jobID == "" || jobID != path.Base(jobID) || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return nil
}
