package service

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Spawner forks and execs argv with the given positional file
// descriptors (index i becomes fd i in the child) and returns the
// child's pid. Implementations must never block the caller beyond the
// fork/exec syscalls themselves, since spawn runs on the single main
// loop thread.
type Spawner interface {
	Spawn(argv []string, fds []int) (pid int, err error)
}

// realSpawner forks and execs via syscall.ForkExec. Go cannot safely
// hand-roll fork()+dup2()+execve() across goroutines the way service.c's
// svc_do_fork/svc_do_exec does directly: the runtime's scheduler and
// garbage collector assume multiple OS threads, so a bare fork() leaves
// the child with a frozen, possibly-inconsistent heap. syscall.ForkExec
// (built on the same forkAndExecInChild the runtime uses for os/exec)
// performs the fork and positional dup2 async-signal-safely: it dup2's
// ProcAttr.Files[i] to fd i in the child, dup'ing to a higher fd first
// to avoid collision, and closes slot i for a -1 entry. It does not
// close other descriptors; those stay out of the child only if they
// were opened close-on-exec.
type realSpawner struct{}

func (realSpawner) Spawn(argv []string, fds []int) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("service: empty argv")
	}
	files := make([]uintptr, len(fds))
	for i, fd := range fds {
		files[i] = uintptr(fd)
	}
	attr := &syscall.ProcAttr{
		Env:   nil,
		Files: files,
	}
	pid, err := syscall.ForkExec(argv[0], argv, attr)
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// ErrControlFD is returned when a service's fd list names a
// control.socket/control.cmd/control.event slot but the table has no
// ControlSocketHook registered to consume the parent end.
var ErrControlFD = fmt.Errorf("service: no controller hook for control fd")

// controlNames are the three reserved fd names that trigger socketpair
// allocation instead of ordinary named-fd lookup.
var controlNames = map[string]bool{
	"control.socket": true,
	"control.cmd":    true,
	"control.event":  true,
}

// resolveFDs turns a service's positional fd-name list into concrete
// descriptor numbers, handling the three control.* reserved names by
// allocating a fresh socketpair and handing the parent end to
// ControlSocketHook. "-" resolves to a closed slot, encoded as -1 so the
// spawner's fd table simply omits that position (the child then gets a
// hole rather than an inherited descriptor -- closer to /dev/null
// semantics would require naming "null" explicitly, as the default
// fd.null wiring does).
func (t *Table) resolveFDs(svc *Service, names []string) ([]int, []func(), error) {
	out := make([]int, 0, len(names))
	var cleanups []func()
	ok := false
	defer func() {
		if !ok {
			for _, c := range cleanups {
				c()
			}
		}
	}()

	for _, name := range names {
		if name == "-" {
			out = append(out, -1)
			continue
		}
		if controlNames[name] {
			if t.ControlSocketHook == nil {
				return nil, nil, ErrControlFD
			}
			pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
			if err != nil {
				return nil, nil, err
			}
			parentEnd, childEnd := pair[0], pair[1]
			t.ControlSocketHook(svc.Name, name, parentEnd)
			cleanups = append(cleanups, func() { unix.Close(childEnd) })
			out = append(out, childEnd)
			continue
		}
		entry, found := t.fds.Get(name)
		if !found {
			return nil, nil, fmt.Errorf("service: unknown fd name %q", name)
		}
		out = append(out, entry.FD)
	}
	ok = true
	return out, cleanups, nil
}

// defaultFDNames is the fallback fd list ("null null null") used when a
// service has no explicit service.fds setting, per spec.md §4.F's
// description of service.fds's empty-means-default form.
var defaultFDNames = []string{"null", "null", "null"}
