package jobregistry

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the Store for backend rooted at path.
func Open(ctx context.Context, backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		s := NewFileStore(path)
		if err := s.ensureRoot(); err != nil {
			return nil, fmt.Errorf("open file registry: %w", err)
		}
		return s, nil
	case BackendSQLite:
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("unknown registry backend %q (expected %s or %s)", backend, BackendFile, BackendSQLite)
	}
}
