//go:build windows

package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// CheckDiskSpace returns disk space information for path, falling back to
// its parent when path does not exist yet.
func CheckDiskSpace(path string) (*DiskSpaceInfo, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Dir(path)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("platform: failed to convert path: %w", err)
	}
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return nil, fmt.Errorf("platform: failed to get disk stats: %w", err)
	}
	return newDiskSpaceInfo(totalBytes, totalFreeBytes, freeBytesAvailable), nil
}
