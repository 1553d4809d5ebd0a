// Package control implements the controller endpoint of spec.md module
// F: a line-oriented, tab-field, non-escaping protocol multiplexed over
// any number of attached controllers (stdin/stdout, accepted Unix-socket
// connections, or a service's own control.socket fd), fanning out state
// events from modules D/E/H/I to every attached endpoint.
package control

import (
	"fmt"

	"github.com/svinit/svinit/internal/byterange"
	"github.com/svinit/svinit/internal/sigcapture"
)

// DefaultBufferSize is the default input/output ring capacity per
// endpoint (spec.md §6: "Max line length is the buffer size (default
// 2048)"), overridable per endpoint via module H's controller-pool
// option.
const DefaultBufferSize = 2048

// dumpState is the statedump cursor's position.
type dumpState int

const (
	dumpIdle dumpState = iota
	dumpFDs
	dumpServices
	dumpSignals
	dumpDone
)

// Endpoint is one attached controller: a pair of non-blocking
// descriptors (or one bidirectional fd) with bounded input/output
// buffers, an overflow flag, and a statedump cursor so a dump can be
// resumed one entry per main-loop turn (spec.md §4.F).
type Endpoint struct {
	ID   uint64
	Name string // "stdin", "config", "ctlN" for socket connections, or the owning service's name
	FD   int    // underlying descriptor, for Poll registration

	in         []byte // partial-line assembly buffer, bounded by Cap
	discarding bool   // an over-cap line is being skipped up to its '\n'
	out        *ring

	unresponsive bool
	overflowSent bool

	dump        dumpState
	dumpAfter   string             // last-emitted fd/service name, for "nearest greater" resumption
	dumpSignals []sigcapture.Event // snapshot taken once, when entering dumpSignals
	dumpSigIdx  int

	closed bool
}

// NewEndpoint wraps fd with buffers of the given capacity.
func NewEndpoint(id uint64, name string, fd int, bufSize int) *Endpoint {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Endpoint{ID: id, Name: name, FD: fd, out: newRing(bufSize)}
}

// Feed appends newly-read bytes and returns every complete line found
// (terminated by '\n', trailing '\r' trimmed, blank/whitespace/'#'
// leading lines dropped per spec.md §4.F's config-file compatibility
// rule). A line longer than the endpoint's buffer is discarded and
// reported through the error return so the caller can emit an
// error\tinvalid event without disconnecting the controller.
func (e *Endpoint) Feed(data []byte) ([]byterange.Range, error) {
	var lines []byterange.Range
	var lineErr error
	bufCap := e.out.Cap()

	e.in = append(e.in, data...)
	for {
		i := indexNewline(e.in)
		if i < 0 {
			break
		}
		raw := e.in[:i]
		e.in = e.in[i+1:]
		if e.discarding || len(raw) > bufCap {
			e.discarding = false
			lineErr = fmt.Errorf("control: line exceeds buffer size (%d)", bufCap)
			continue
		}
		if len(raw) > 0 && raw[len(raw)-1] == '\r' {
			raw = raw[:len(raw)-1]
		}
		if isCommentOrBlank(raw) {
			continue
		}
		lines = append(lines, byterange.Of(append([]byte(nil), raw...)))
	}
	if len(e.in) > bufCap {
		// Keep discarding until this line's '\n' arrives; the error is
		// reported then, once, and the next line starts clean.
		e.discarding = true
		e.in = nil
	}
	return lines, lineErr
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

func isCommentOrBlank(line []byte) bool {
	if len(line) == 0 {
		return true
	}
	switch line[0] {
	case ' ', '\t', '#':
		return true
	}
	return false
}

// QueueLine appends line plus a trailing newline to the output ring. If
// the ring is full, the line is dropped, the endpoint is marked
// unresponsive, and a single pending overflow notice is remembered
// (flushed as soon as space allows), per spec.md §4.F's overflow rule.
func (e *Endpoint) QueueLine(line string) {
	if e.closed {
		return
	}
	payload := append([]byte(line), '\n')
	if e.out.Write(payload) {
		return
	}
	e.unresponsive = true
	e.overflowSent = false
}

// PendingWrite returns up to max unwritten output bytes for a
// non-blocking write attempt; Confirm must be called with however many
// were actually accepted by the fd.
func (e *Endpoint) PendingWrite(max int) []byte {
	if e.unresponsive && !e.overflowSent {
		if e.out.Write([]byte("overflow\n")) {
			e.overflowSent = true
			e.unresponsive = false
		}
	}
	return e.out.Peek(max)
}

// Confirm records that n bytes returned by PendingWrite were written.
func (e *Endpoint) Confirm(n int) { e.out.Advance(n) }

// OutputPending reports whether the endpoint has unflushed output.
func (e *Endpoint) OutputPending() bool { return e.out.Len() > 0 }

// Close marks the endpoint torn down; pending output is discarded
// (spec.md §5: "A controller disconnect destroys its endpoint; pending
// output is lost.").
func (e *Endpoint) Close() { e.closed = true }

// Closed reports whether Close has been called.
func (e *Endpoint) Closed() bool { return e.closed }
