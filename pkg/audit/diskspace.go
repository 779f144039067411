package audit

import (
	"fmt"
	"os"

	"github.com/forest6511/zkvault/internal/platform"
)

// checkDiskSpace verifies sufficient disk space for audit log writes.
// A failed stat only warns.
func (l *Logger) checkDiskSpace() error {
	info, err := platform.CheckDiskSpace(l.path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to check disk space for audit: %v\n", err)
		return nil
	}
	if info.Available < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			info.Available, MinAuditDiskSpace)
	}
	return nil
}
