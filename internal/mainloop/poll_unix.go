//go:build unix

package mainloop

import (
	"golang.org/x/sys/unix"
)

// UnixReaper drains every reapable child via a non-blocking wait4 loop,
// the same EINTR/ECHILD handling as the teacher pack's reaper goroutine
// (other_examples/vrischmann-sketch reaper_linux.go), adapted from a
// background goroutine into a poll-step callback since spec.md's single
// main loop owns all blocking points.
func UnixReaper() Reaper {
	return func() []Reaped {
		var out []Reaped
		for {
			var status unix.WaitStatus
			pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
			switch {
			case err == unix.EINTR:
				continue
			case pid > 0:
				out = append(out, Reaped{PID: pid, Status: status.ExitStatus()})
			default:
				return out
			}
		}
	}
}

// unixIO is the production IOPump: non-blocking read/write on raw fds.
type unixIO struct{}

// UnixIO returns the production IOPump.
func UnixIO() IOPump { return unixIO{} }

func (unixIO) Read(fd int, max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

func (unixIO) Write(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// Poll blocks until one of fds is readable or timeout elapses -- the
// one call spec.md §5 invariant 5 permits to block -- and returns the
// readable fds. unix.Poll only understands file descriptors, so a
// signal wake has to arrive as one: cmd/svinit puts in fds the read end
// of a small pipe that a goroutine writes to for every
// sigcapture.Queue.WakeCh() wake, matching spec.md's self-pipe-trick
// note.
func Poll(fds []int, timeoutMillis int) ([]int, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	for {
		_, err := unix.Poll(pfds, timeoutMillis)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	var ready []int
	for i, pfd := range pfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, fds[i])
		}
	}
	return ready, nil
}
