package control

import (
	"fmt"
	"sort"

	"github.com/svinit/svinit/internal/byterange"
)

// handleStatedump begins an ordered dump on the requesting endpoint.
// The cursor itself is advanced by AdvanceDump, called once per
// endpoint per main-loop turn (spec.md §4.F: "the cursor is advanced
// one entry per main-loop turn so other events can be emitted in
// between").
func handleStatedump(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	ep.dump = dumpFDs
	ep.dumpAfter = ""
	ep.dumpSignals = nil
	ep.dumpSigIdx = 0
}

// nextAfter returns the first entry in sorted strictly after after,
// implementing the same "find equal, or nearest greater" contract as
// module B's Index.Next, inlined here because the fd table keeps only a
// flat sorted Names() slice rather than a full ordered index.
func nextAfter(sorted []string, after string) (string, bool) {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] > after })
	if i >= len(sorted) {
		return "", false
	}
	return sorted[i], true
}

// AdvanceDump emits the next dump entry for ep, if any is pending, and
// reports whether it did anything. The main loop calls this once per
// endpoint per turn while ep.dump != dumpIdle.
func (d *Dispatcher) AdvanceDump(ep *Endpoint) bool {
	switch ep.dump {
	case dumpIdle, dumpDone:
		return false
	case dumpFDs:
		names := d.FDs.Names()
		name, ok := nextAfter(names, ep.dumpAfter)
		if !ok {
			ep.dump = dumpServices
			ep.dumpAfter = ""
			return true
		}
		ep.dumpAfter = name
		entry, found := d.FDs.Get(name)
		if !found {
			return true
		}
		line := fmt.Sprintf("fd.state\t%s\t%s", entry.Name, entry.Kind.String())
		ep.QueueLine(line)
		return true
	case dumpServices:
		name, ok := d.Services.NextName(ep.dumpAfter)
		if !ok {
			ep.dump = dumpSignals
			ep.dumpSignals = d.Signals.Drain()
			ep.dumpSigIdx = 0
			return true
		}
		ep.dumpAfter = name
		svc, found := d.Services.Get(name)
		if !found {
			return true
		}
		ep.QueueLine(fmt.Sprintf("service.state\t%s\t%s\t%d", svc.Name, svc.State.String(), svc.StartTime.Seconds()))
		return true
	case dumpSignals:
		if ep.dumpSigIdx >= len(ep.dumpSignals) {
			ep.dump = dumpDone
			ep.QueueLine("statedump\tcomplete")
			return true
		}
		e := ep.dumpSignals[ep.dumpSigIdx]
		ep.dumpSigIdx++
		ep.QueueLine(fmt.Sprintf("signal\t%s\t%d\t%d", e.Signal.String(), e.Pending, e.Seen.Seconds()))
		return true
	}
	return false
}

// DumpsPending reports whether any attached endpoint has a statedump in
// progress, so the main loop knows to keep calling AdvanceDump.
func (d *Dispatcher) DumpsPending() bool {
	for _, ep := range d.Hub.Endpoints() {
		if ep.dump != dumpIdle && ep.dump != dumpDone {
			return true
		}
	}
	return false
}
