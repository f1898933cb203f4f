//go:build !unix

package jobregistry

import (
	"context"
	"sync"
)

var (
	lockMu    sync.Mutex
	lockTable = map[string]*sync.Mutex{}
)

// lockFile serializes writers within this process only.
func lockFile(ctx context.Context, path string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lockMu.Lock()
	mu, ok := lockTable[path]
	if !ok {
		mu = &sync.Mutex{}
		lockTable[path] = mu
	}
	lockMu.Unlock()

	mu.Lock()
	return mu.Unlock, nil
}
