package provider

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// URI parsing errors
var (
	// ErrInvalidURI indicates the URI could not be parsed.
	ErrInvalidURI = errors.New("invalid URI")

	// ErrUnsupportedProvider indicates the URI scheme is not supported.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrMissingBucket indicates the URI is missing a bucket name.
	ErrMissingBucket = errors.New("missing bucket name")
)

// ObjectURI is a parsed source or output reference.
//
// Example references:
//   - s3://bucket/photos/cat.png
//   - s3://bucket/compressed/
//   - file:///var/lib/images/cat.png
//   - ./cat.png
type ObjectURI struct {
	// Provider is ProviderS3 or ProviderFile.
	Provider ProviderType

	// Bucket is the bucket name (s3 only).
	Bucket string

	// Key is the object key or prefix (s3 only). May be empty for bucket root.
	Key string

	// Path is the absolute local path (file only).
	Path string
}

// String returns the reference in canonical form.
func (u *ObjectURI) String() string {
	if u.Provider == ProviderFile {
		return "file://" + filepath.ToSlash(u.Path)
	}
	if u.Key != "" {
		return fmt.Sprintf("%s://%s/%s", u.Provider, u.Bucket, u.Key)
	}
	return fmt.Sprintf("%s://%s/", u.Provider, u.Bucket)
}

// IsPrefix returns true if the URI names a prefix (ends with /) rather than an object.
func (u *ObjectURI) IsPrefix() bool {
	if u.Provider == ProviderFile {
		return strings.HasSuffix(u.Path, string(filepath.Separator))
	}
	return strings.HasSuffix(u.Key, "/") || u.Key == ""
}

// ParseURI parses a storage reference.
//
// Supported formats:
//   - s3://bucket, s3://bucket/, s3://bucket/key, s3://bucket/prefix/
//   - file:///absolute/path
//   - a plain filesystem path (relative paths are made absolute)
func ParseURI(uri string) (*ObjectURI, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}

	schemeEnd := strings.Index(uri, "://")
	if schemeEnd == -1 {
		return parseLocalPath(uri)
	}

	scheme := strings.ToLower(uri[:schemeEnd])
	remainder := uri[schemeEnd+3:]
	switch scheme {
	case "file":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
		}
		if u.Host != "" && u.Host != "localhost" {
			return nil, fmt.Errorf("%w: file URI host must be empty or localhost, got %q", ErrInvalidURI, u.Host)
		}
		if u.Path == "" {
			return nil, fmt.Errorf("%w: file URI has no path", ErrInvalidURI)
		}
		return parseLocalPath(filepath.FromSlash(u.Path))
	case "s3":
		return parseS3(uri, remainder)
	default:
		return nil, fmt.Errorf("%w: %s (supported: s3, file)", ErrUnsupportedProvider, scheme)
	}
}

func parseS3(uri, remainder string) (*ObjectURI, error) {
	if remainder == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}

	var bucket, key string
	slashIdx := strings.Index(remainder, "/")
	if slashIdx == -1 {
		bucket = remainder
	} else {
		bucket = remainder[:slashIdx]
		key = remainder[slashIdx+1:]
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}

	// Basic validation - S3 bucket names can't contain most special chars.
	if _, err := url.Parse("s3://" + bucket + "/"); err != nil || strings.ContainsAny(bucket, " ?#") {
		return nil, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidURI, bucket)
	}

	return &ObjectURI{Provider: ProviderS3, Bucket: bucket, Key: key}, nil
}

func parseLocalPath(p string) (*ObjectURI, error) {
	trailing := strings.HasSuffix(p, "/") || strings.HasSuffix(p, string(filepath.Separator))
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if trailing && abs != string(filepath.Separator) {
		abs += string(filepath.Separator)
	}
	return &ObjectURI{Provider: ProviderFile, Path: abs}, nil
}
