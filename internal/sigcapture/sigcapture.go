// Package sigcapture accumulates OS signals the way spec.md module C
// requires: a (signum, first-seen timestamp, pending count) bucket per
// trapped signal, drained by the main loop rather than acted on inside
// a signal handler.
//
// Go's os/signal.Notify already performs the async-signal-safe part of
// this job -- the runtime's own signal handler does only
// async-signal-safe work and hands the signal to a buffered channel,
// which is the functional equivalent of spec.md's self-pipe design
// note ("wake main loop, lose no distinct signal"). Queue builds the
// bucket/timestamp/count semantics the protocol needs on top of that
// channel: a drain goroutine does only counter bookkeeping under the
// queue's mutex, and
// the main loop (module G) pulls the accumulated buckets out with
// Drain, never blocking.
package sigcapture

import (
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/svinit/svinit/internal/fixedtime"
)

// Clock is the subset of fixedtime.Clock (or FakeClock) the queue needs.
type Clock interface {
	Now() fixedtime.T
}

// TrappedSignals is the fixed set of signals spec.md §4.C traps.
var TrappedSignals = []os.Signal{
	syscall.SIGTERM,
	syscall.SIGINT,
	syscall.SIGHUP,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
	syscall.SIGCHLD,
	syscall.SIGPIPE,
	syscall.SIGALRM,
}

// bucket holds per-signal accumulated state.
type bucket struct {
	firstSeen fixedtime.T
	pending   uint32
}

// Event is one drained signal bucket.
type Event struct {
	Signal  syscall.Signal
	Seen    fixedtime.T
	Pending uint32
}

// Queue accumulates signal counts and timestamps for later draining.
// All exported methods are safe for concurrent use; the internal drain
// goroutine and the main loop's Drain/NewEventsSince calls synchronize
// through a single mutex guarding the small bucket map.
type Queue struct {
	mu      sync.Mutex
	buckets map[syscall.Signal]*bucket
	clock   Clock
	ch      chan os.Signal
	wake    chan struct{} // signalled once per delivered signal, for poll
	stopped chan struct{}
}

// New creates a Queue and begins trapping TrappedSignals. Call Stop to
// deregister and release resources.
func New(clock Clock) *Queue {
	ch := make(chan os.Signal, 64)
	signal.Notify(ch, TrappedSignals...)

	q := &Queue{
		buckets: make(map[syscall.Signal]*bucket),
		clock:   clock,
		ch:      ch,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.drain()
	return q
}

// WakeCh returns a channel that receives a value each time at least one
// signal has been accumulated since it was last drained -- this is what
// the main loop's poll set watches in place of a self-pipe read fd.
func (q *Queue) WakeCh() <-chan struct{} { return q.wake }

// drain is the only goroutine that reads the OS signal channel. It does
// nothing but bump counters, matching the "only async-signal-safe work"
// constraint of spec.md §4.C as closely as a user-space goroutine can.
func (q *Queue) drain() {
	for sig := range q.ch {
		s, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		q.mu.Lock()
		b, exists := q.buckets[s]
		if !exists {
			b = &bucket{}
			q.buckets[s] = b
		}
		if b.firstSeen.IsZero() {
			b.firstSeen = q.clock.Now()
		}
		b.pending++
		q.mu.Unlock()

		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	close(q.stopped)
}

// Stop deregisters signal notification and waits for the drain
// goroutine to exit.
func (q *Queue) Stop() {
	signal.Stop(q.ch)
	close(q.ch)
	<-q.stopped
}

// Drain returns one Event per signal with a nonzero pending count,
// ordered by signal number, and does not reset the counts -- clearing
// happens only via Clear, per spec.md's "signal.clear subtracts, it
// does not zero" rule.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	sigs := make([]syscall.Signal, 0, len(q.buckets))
	for s, b := range q.buckets {
		if b.pending > 0 {
			sigs = append(sigs, s)
		}
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i] < sigs[j] })

	out := make([]Event, 0, len(sigs))
	for _, s := range sigs {
		b := q.buckets[s]
		out = append(out, Event{Signal: s, Seen: b.firstSeen, Pending: b.pending})
	}
	return out
}

// Clear subtracts n from the named signal's pending count, in a single
// read-modify-write window, so a signal arriving concurrently with the
// clear is not lost. The result is clamped at 0 -- it mirrors
// max(0, k-n) from spec.md §8 invariant 6.
func (q *Queue) Clear(s syscall.Signal, n uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.buckets[s]
	if !ok {
		return
	}
	if n >= b.pending {
		b.pending = 0
	} else {
		b.pending -= n
	}
}

// NewEventsSince iterates signals whose first-seen timestamp strictly
// exceeds since, in ascending timestamp order -- the only interface
// module E uses to test sigwake triggers (spec.md's
// sig_get_new_events).
func (q *Queue) NewEventsSince(since fixedtime.T) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Event
	for s, b := range q.buckets {
		if b.pending > 0 && b.firstSeen > since {
			out = append(out, Event{Signal: s, Seen: b.firstSeen, Pending: b.pending})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seen < out[j].Seen })
	return out
}
