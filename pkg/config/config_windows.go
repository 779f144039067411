//go:build windows

package config

import (
	"fmt"
	"os"
)

// openConfigFile opens the config file. Windows has no O_NOFOLLOW and
// creating symlinks there needs extra privileges.
func openConfigFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("config: failed to open file: %w", err)
	}
	return f, nil
}

// checkFileOwnership is a no-op; Windows ownership is expressed through ACLs.
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
