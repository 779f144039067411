// Package platform holds the host-level protections the CLI applies around
// a vault directory: restrictive permissions, free space checks and core
// dump suppression.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	FileMode = 0600 // Owner read/write only
	DirMode  = 0700 // Owner read/write/execute only

	MinDiskSpaceBytes  = 10 * 1024 * 1024 // 10 MB minimum free space
	DiskWarningPercent = 90
)

// ErrInsufficientDisk is returned when a write would run the disk dry.
var ErrInsufficientDisk = errors.New("platform: insufficient disk space")

// DiskSpaceInfo contains disk usage information
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`     // Total disk space in bytes
	Free      uint64 `json:"free"`      // Free disk space in bytes
	Available uint64 `json:"available"` // Available to non-root users
	UsedPct   int    `json:"used_pct"`  // Percentage of disk used
}

func newDiskSpaceInfo(total, free, available uint64) *DiskSpaceInfo {
	usedPct := 0
	if total > 0 {
		usedPct = int(100 * (total - free) / total)
	}
	return &DiskSpaceInfo{
		Total:     total,
		Free:      free,
		Available: available,
		UsedPct:   usedPct,
	}
}

// EnsureDiskSpace verifies that at least MinDiskSpaceBytes, or twice
// dataSize if larger, is available under path. A failed stat is reported
// to the caller as a nil error so a broken statfs never blocks a write.
func EnsureDiskSpace(path string, dataSize int) (*DiskSpaceInfo, error) {
	info, err := CheckDiskSpace(path)
	if err != nil {
		return nil, nil
	}

	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}
	if info.Available < required {
		return info, fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk,
			info.Available/(1024*1024),
			required/(1024*1024))
	}
	return info, nil
}

// IsLow reports whether disk usage is above the warning threshold.
func (d *DiskSpaceInfo) IsLow() bool {
	return d.UsedPct >= DiskWarningPercent
}

// EnsureDir creates dir with DirMode if it does not exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("platform: create %s: %w", dir, err)
	}
	return nil
}

// PermissionWarning describes a path readable by group or others.
type PermissionWarning struct {
	Path     string
	Mode     os.FileMode
	Expected os.FileMode
}

func (w PermissionWarning) String() string {
	return fmt.Sprintf("%s has insecure permissions %04o (expected %04o)", w.Path, w.Mode, w.Expected)
}

// CheckPermissions inspects dir and the named files inside it. Missing
// files are skipped. The check is advisory and never fails.
func CheckPermissions(dir string, files ...string) []PermissionWarning {
	var warnings []PermissionWarning
	if info, err := os.Stat(dir); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			warnings = append(warnings, PermissionWarning{Path: dir, Mode: perm, Expected: DirMode})
		}
	}
	for _, name := range files {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil {
			if perm := info.Mode().Perm(); perm&0077 != 0 {
				warnings = append(warnings, PermissionWarning{Path: path, Mode: perm, Expected: FileMode})
			}
		}
	}
	return warnings
}
