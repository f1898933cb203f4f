package precondition

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
)

// DefaultMinFreeBytes is the default headroom required on the output volume.
const DefaultMinFreeBytes uint64 = 256 << 20

// StorageHeadroom requires at least minFree bytes available to unprivileged
// users on the filesystem holding dir.
type StorageHeadroom struct {
	Dir     string
	MinFree uint64

	// statfs is replaced in tests.
	statfs func(dir string) (uint64, error)
}

var _ Check = (*StorageHeadroom)(nil)

func NewStorageHeadroom(dir string, minFree uint64) *StorageHeadroom {
	return &StorageHeadroom{Dir: dir, MinFree: minFree, statfs: FreeBytes}
}

func (s *StorageHeadroom) Name() string { return "storage_headroom" }

func (s *StorageHeadroom) Check(ctx context.Context) error {
	_ = ctx
	if s.MinFree == 0 {
		return nil
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", s.Dir, err)
	}
	statfs := s.statfs
	if statfs == nil {
		statfs = FreeBytes
	}
	free, err := statfs(s.Dir)
	if err != nil {
		return fmt.Errorf("statfs %s: %w", s.Dir, err)
	}
	if free < s.MinFree {
		return Unmet(s.Name(), "%s free on %s, need %s",
			humanize.IBytes(free), s.Dir, humanize.IBytes(s.MinFree))
	}
	return nil
}
