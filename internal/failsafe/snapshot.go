package failsafe

import (
	"fmt"
	"os"

	"github.com/google/renameio/v2"
)

// WritePIDFile records the supervisor's own PID at path, atomically --
// a crash mid-write must never leave a half-written PID file for
// external tooling (or a re-exec'd successor) to trip over.
func WritePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	return renameio.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

// WriteStateSnapshot writes the given snapshot lines (one per service
// and fd, as cmd/svinit renders them) to path, atomically. This is a
// daemontools-family convenience for crash forensics and external
// tooling that would rather stat a file than open a control
// connection; it carries no protocol semantics of its own.
func WriteStateSnapshot(path string, lines []string) error {
	if path == "" {
		return nil
	}
	var content []byte
	for _, l := range lines {
		content = append(content, l...)
		content = append(content, '\n')
	}
	return renameio.WriteFile(path, content, 0644)
}

// RemovePIDFile removes the PID file on clean shutdown, ignoring a
// not-exist error since a supervisor that never wrote one (path
// unconfigured, or crashed before writing) still needs a no-op exit.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
