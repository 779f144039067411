//go:build windows

package platform

// DisableCoreDumps is a no-op on Windows, where crash dumps go through
// Windows Error Reporting rather than RLIMIT_CORE.
func DisableCoreDumps() error {
	return nil
}

func coreLimit() (uint64, error) {
	return 0, nil
}
