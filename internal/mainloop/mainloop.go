// Package mainloop implements spec.md module G: the single cooperative
// iteration that drains reaped children, drained signals, ticks every
// active service, drains and dispatches every controller endpoint's
// input, flushes pending output, and computes the residual deadline for
// the next poll call -- the only place in the process allowed to block
// (spec.md §5 invariant 5).
package mainloop

import (
	"time"

	"github.com/svinit/svinit/internal/control"
	"github.com/svinit/svinit/internal/events"
	"github.com/svinit/svinit/internal/failsafe"
	"github.com/svinit/svinit/internal/fdtable"
	"github.com/svinit/svinit/internal/fixedtime"
	"github.com/svinit/svinit/internal/service"
	"github.com/svinit/svinit/internal/sigcapture"
)

// Clock is the subset of fixedtime.Clock/FakeClock the loop needs.
type Clock interface {
	Now() fixedtime.T
}

// Reaped is one wait4 result, produced by a Reaper.
type Reaped struct {
	PID    int
	Status int
}

// Reaper drains every exited child currently reapable without
// blocking, the Go equivalent of service.c's "waitpid in a loop until
// ECHILD/EAGAIN". The production implementation wraps
// golang.org/x/sys/unix.Wait4(-1, ..., WNOHANG, ...); tests supply a
// fake that returns a scripted queue.
type Reaper func() []Reaped

// IOPump reads available bytes from an endpoint's fd and writes pending
// output to it, both non-blocking. The production implementation wraps
// unix.Read/unix.Write; tests supply an in-memory fake.
type IOPump interface {
	Read(fd int, max int) ([]byte, error)
	Write(fd int, p []byte) (int, error)
}

// Loop wires together every module this package depends on. One Step
// call is one full main-loop iteration short of the blocking poll
// itself, which the caller (cmd/svinit) drives with the returned
// deadline.
type Loop struct {
	Services   *service.Table
	FDs        *fdtable.Table
	Signals    *sigcapture.Queue
	Dispatcher *control.Dispatcher
	Hub        *control.Hub
	Failsafe   *failsafe.Controller
	Bus        *events.Bus
	Clock      Clock
	Reap       Reaper
	IO         IOPump

	// ExitFunc is called once Failsafe.Tick reports the shutdown
	// sequence is done; production wires this to os.Exit, tests observe
	// it instead.
	ExitFunc func(code int)
}

// Step runs steps 1-5 of spec.md §4.G and returns the poll timeout for
// step 6.
func (l *Loop) Step() time.Duration {
	l.FDs.HealSpecials()
	now := l.Clock.Now()

	for _, r := range l.Reap() {
		l.Services.Reap(r.PID, r.Status, now)
	}

	sigEvents := l.Signals.Drain()
	for _, e := range sigEvents {
		if l.Bus != nil {
			l.Bus.Publish(events.Event{
				Type:   events.Signal,
				Fields: []string{e.Signal.String(), itoa(int(e.Pending)), itoa64(e.Seen.Seconds())},
			})
		}
	}
	l.Services.CheckSigwake(sigEvents)

	l.Services.Tick(now)

	for _, ep := range l.Hub.Endpoints() {
		l.drainEndpoint(ep)
		l.Dispatcher.AdvanceDump(ep)
		l.flushEndpoint(ep)
	}

	if code, done := l.Failsafe.Tick(now); done && l.ExitFunc != nil {
		l.ExitFunc(code)
	}

	return l.nextDeadline(now)
}

func (l *Loop) drainEndpoint(ep *control.Endpoint) {
	if ep.FD < 0 || ep.Closed() {
		return
	}
	data, err := l.IO.Read(ep.FD, control.DefaultBufferSize)
	if err != nil {
		return
	}
	if len(data) == 0 {
		return
	}
	lines, feedErr := ep.Feed(data)
	if feedErr != nil {
		ep.QueueLine("error\tinvalid\t" + feedErr.Error())
	}
	for _, line := range lines {
		l.Dispatcher.Dispatch(ep, line)
	}
}

func (l *Loop) flushEndpoint(ep *control.Endpoint) {
	if ep.FD < 0 || ep.Closed() {
		return
	}
	pending := ep.PendingWrite(control.DefaultBufferSize)
	if len(pending) == 0 {
		return
	}
	n, err := l.IO.Write(ep.FD, pending)
	if n > 0 {
		ep.Confirm(n)
	}
	_ = err // a write error tears the endpoint down at the poll layer, not here
}

// nextDeadline computes the residual time until the next armed event:
// the earliest service wake timer, or a one-second ceiling so the loop
// still revisits healing/statedump-pump work regularly when nothing
// else is armed.
func (l *Loop) nextDeadline(now fixedtime.T) time.Duration {
	const ceiling = time.Second
	wake, ok := l.Services.NextWake()
	if !ok {
		if l.Dispatcher.DumpsPending() {
			return 0
		}
		return ceiling
	}
	if wake.Before(now) || wake == now {
		return 0
	}
	d := wake.Sub(now).Duration()
	if d > ceiling {
		return ceiling
	}
	if d < 0 {
		return 0
	}
	return d
}

func itoa(n int) string   { return itoa64(int64(n)) }
func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
