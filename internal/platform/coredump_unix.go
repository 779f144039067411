//go:build !windows

package platform

import "golang.org/x/sys/unix"

// DisableCoreDumps sets RLIMIT_CORE to 0 so a crash cannot write key
// material to disk.
func DisableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}

// coreLimit returns the current soft core limit.
func coreLimit() (uint64, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &lim); err != nil {
		return 0, err
	}
	return lim.Cur, nil
}
