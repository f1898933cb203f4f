// Package source turns a source reference (local path, file:// URI or
// s3://bucket/key) into the raw bytes of the image to compress.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/3leaps/gosqueeze/pkg/provider"
	"github.com/3leaps/gosqueeze/pkg/provider/file"
	"github.com/3leaps/gosqueeze/pkg/provider/s3"
)

// DefaultMaxBytes caps how much of a source is read into memory.
const DefaultMaxBytes int64 = 64 << 20

// ErrUnreadable is returned when the source is absent, not permitted, too
// large, or otherwise cannot be read.
var ErrUnreadable = errors.New("source unreadable")

// Resolver reads a source reference into memory.
type Resolver interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

// BucketOpener returns a reader for an S3 bucket.
type BucketOpener func(ctx context.Context, bucket string) (provider.ObjectGetter, error)

// S3Options are applied to every bucket the default opener creates.
type S3Options struct {
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// Config configures a ProviderResolver.
type Config struct {
	// MaxBytes is the largest accepted source. Zero means DefaultMaxBytes.
	MaxBytes int64

	S3 S3Options

	// OpenBucket overrides how S3 buckets are opened.
	OpenBucket BucketOpener
}

// ProviderResolver resolves references through the storage providers.
// Buckets are opened lazily and cached for the lifetime of the resolver.
type ProviderResolver struct {
	maxBytes   int64
	local      *file.Provider
	openBucket BucketOpener

	mu      sync.Mutex
	buckets map[string]provider.ObjectGetter
}

var _ Resolver = (*ProviderResolver)(nil)

func New(cfg Config) *ProviderResolver {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	open := cfg.OpenBucket
	if open == nil {
		open = defaultOpener(cfg.S3)
	}
	// Root base dir: ParseURI already made every local path absolute.
	local, _ := file.New(file.Config{BaseDir: "/"})
	return &ProviderResolver{
		maxBytes:   maxBytes,
		local:      local,
		openBucket: open,
		buckets:    map[string]provider.ObjectGetter{},
	}
}

func (r *ProviderResolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	uri, err := provider.ParseURI(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if uri.IsPrefix() {
		return nil, fmt.Errorf("%w: %s names a directory or prefix, not an object", ErrUnreadable, ref)
	}

	var (
		getter provider.ObjectGetter
		key    string
	)
	switch uri.Provider {
	case provider.ProviderFile:
		getter, key = r.local, uri.Path
	case provider.ProviderS3:
		getter, err = r.bucket(ctx, uri.Bucket)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		key = uri.Key
	default:
		return nil, fmt.Errorf("%w: unsupported provider %s", ErrUnreadable, uri.Provider)
	}

	body, size, err := getter.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	defer func() { _ = body.Close() }()

	if size > r.maxBytes {
		return nil, fmt.Errorf("%w: %s is %s, limit is %s", ErrUnreadable, ref,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(r.maxBytes)))
	}

	raw, err := io.ReadAll(io.LimitReader(body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnreadable, ref, err)
	}
	if int64(len(raw)) > r.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrUnreadable, ref, humanize.IBytes(uint64(r.maxBytes)))
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrUnreadable, ref)
	}
	return raw, nil
}

// Close releases cached bucket clients.
func (r *ProviderResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, b := range r.buckets {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close bucket %s: %w", name, err))
			}
		}
	}
	r.buckets = map[string]provider.ObjectGetter{}
	return errors.Join(errs...)
}

func (r *ProviderResolver) bucket(ctx context.Context, name string) (provider.ObjectGetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[name]; ok {
		return b, nil
	}
	b, err := r.openBucket(ctx, name)
	if err != nil {
		return nil, err
	}
	r.buckets[name] = b
	return b, nil
}

func defaultOpener(opts S3Options) BucketOpener {
	return func(ctx context.Context, bucket string) (provider.ObjectGetter, error) {
		return s3.New(ctx, s3.Config{
			Bucket:         bucket,
			Region:         opts.Region,
			Endpoint:       opts.Endpoint,
			Profile:        opts.Profile,
			ForcePathStyle: opts.ForcePathStyle,
		})
	}
}
