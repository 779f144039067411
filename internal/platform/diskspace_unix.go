//go:build !windows

package platform

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// CheckDiskSpace returns disk space information for path, falling back to
// its parent when path does not exist yet.
func CheckDiskSpace(path string) (*DiskSpaceInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		if err := unix.Statfs(filepath.Dir(path), &stat); err != nil {
			return nil, fmt.Errorf("platform: failed to get disk stats: %w", err)
		}
	}

	bsize := uint64(stat.Bsize) //nolint:gosec // block size is never negative
	return newDiskSpaceInfo(stat.Blocks*bsize, stat.Bfree*bsize, stat.Bavail*bsize), nil
}
