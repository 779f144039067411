//go:build !windows

package config

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// openConfigFile opens the config file with O_NOFOLLOW to reject symlinks.
func openConfigFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		if errors.Is(err, unix.ELOOP) {
			return nil, ErrSymlink
		}
		return nil, fmt.Errorf("config: failed to open file: %w", err)
	}
	return f, nil
}

// checkFileOwnership verifies the file is owned by the current user.
func checkFileOwnership(info os.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if ok && stat.Uid != uint32(os.Getuid()) { //nolint:gosec // uid fits
		return ErrNotOwnedByUser
	}
	return nil
}
