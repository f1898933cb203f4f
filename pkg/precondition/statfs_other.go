//go:build !unix

package precondition

import "math"

// FreeBytes is not implemented on this platform and reports unlimited space.
func FreeBytes(dir string) (uint64, error) {
	_ = dir
	return math.MaxUint64, nil
}
