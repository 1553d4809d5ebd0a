package failsafe

import (
	"os"
	"syscall"
)

func osExit(code int) { os.Exit(code) }

// unixExec replaces the current process image via execve, the Go
// equivalent of service.c's exec-on-exit path: control never returns to
// this process on success. Grounded on bureau-foundation-bureau's
// cmd/bureau/observe.go use of syscall.Exec for the same "become this
// other program" pattern.
func unixExec(argv []string) error {
	return syscall.Exec(argv[0], argv, os.Environ())
}
