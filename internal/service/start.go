package service

import (
	"github.com/svinit/svinit/internal/fixedtime"
	"github.com/svinit/svinit/internal/sigcapture"
)

// Start requests that svc enter START, legal only from DOWN or START
// (spec.md §4.E). If when is in the future the service stays in START
// with an armed wake timer; otherwise fork/exec is attempted
// immediately, synchronously, before Start returns.
func (t *Table) Start(name string, when fixedtime.T) error {
	svc, ok := t.Get(name)
	if !ok {
		return ErrNotFound
	}
	now := t.clock.Now()
	if when.IsZero() {
		when = now
	}

	svc.mu.Lock()
	if svc.State != Down && svc.State != Start {
		svc.mu.Unlock()
		return ErrState
	}
	svc.State = Start
	waitFuture := now.Before(when)
	if waitFuture {
		svc.WakeAt = when
	} else {
		svc.WakeAt = 0
	}
	svc.mu.Unlock()

	t.mu.Lock()
	t.markActive(name)
	t.mu.Unlock()

	if waitFuture {
		return nil
	}
	t.doFork(svc, now)
	return nil
}

// Tick advances every active service's state machine by one step,
// called once per main-loop turn (module G, spec.md §4.G step 4).
func (t *Table) Tick(now fixedtime.T) {
	t.mu.Lock()
	names := append([]string(nil), t.active...)
	t.mu.Unlock()

	for _, name := range names {
		t.tickOne(name, now)
	}
}

func (t *Table) tickOne(name string, now fixedtime.T) {
	svc, ok := t.Get(name)
	if !ok {
		t.mu.Lock()
		t.removeActive(name)
		t.mu.Unlock()
		return
	}

	svc.mu.Lock()
	state := svc.State
	wakeAt := svc.WakeAt
	svc.mu.Unlock()

	switch state {
	case Start:
		if wakeAt != 0 && now.Before(wakeAt) {
			return // still waiting on the armed timer
		}
		t.doFork(svc, now)
	case Reaped:
		t.handleReaped(svc, now)
	default:
		t.mu.Lock()
		t.removeActive(name)
		t.mu.Unlock()
	}
}

// doFork performs the fork/exec attempt. On success the service becomes
// UP and leaves the active list; on failure (fork, controller-fd
// allocation, or an unresolvable fd name) it re-arms for
// forkRetryDelay and stays on the active list, exactly the source's
// single algorithmic backoff.
func (t *Table) doFork(svc *Service, now fixedtime.T) {
	argv := svc.argv()
	names := svc.fdNames()
	if len(names) == 0 {
		names = defaultFDNames
	}

	fds, cleanups, err := t.resolveFDs(svc, names)
	if err != nil {
		t.scheduleRetry(svc, now)
		return
	}
	pid, spawnErr := t.spawner.Spawn(argv, fds)
	for _, c := range cleanups {
		c()
	}
	if spawnErr != nil {
		t.scheduleRetry(svc, now)
		return
	}

	svc.mu.Lock()
	svc.PID = pid
	svc.State = Up
	svc.StartTime = now
	svc.WakeAt = 0
	svc.mu.Unlock()

	t.mu.Lock()
	t.byPID.Add(svc)
	t.removeActive(svc.Name)
	t.mu.Unlock()

	t.emitState(svc)
}

func (t *Table) scheduleRetry(svc *Service, now fixedtime.T) {
	svc.mu.Lock()
	svc.State = Start
	svc.WakeAt = now.Add(forkRetryDelay)
	svc.mu.Unlock()
	// stays on the active list so the next Tick re-checks WakeAt.
}

// Reap records a child's exit, looked up by pid in the pid index, and
// marks the service active so the next Tick can process the REAPED
// transition. It returns false if pid is not a known service.
func (t *Table) Reap(pid int, waitStatus int, now fixedtime.T) bool {
	t.mu.Lock()
	svc, _, ok := t.byPID.Find(pid)
	t.mu.Unlock()
	if !ok {
		return false
	}

	svc.mu.Lock()
	svc.WaitStatus = waitStatus
	svc.ReapTime = now
	svc.State = Reaped
	svc.mu.Unlock()

	t.mu.Lock()
	t.markActive(svc.Name)
	t.mu.Unlock()
	return true
}

// handleReaped implements spec.md §4.E's "on next active tick of a
// REAPED service" rule: emit the down transition, drop pid-index
// membership, and reschedule a start if auto_restart or a sigwake
// trigger is pending, deferring by restart_interval when the service's
// up-time was shorter than that interval.
func (t *Table) handleReaped(svc *Service, now fixedtime.T) {
	svc.mu.Lock()
	pid := svc.PID
	startTime := svc.StartTime
	reapTime := svc.ReapTime
	restartInterval := svc.RestartInterval
	shouldRestart := svc.AutoRestart || len(svc.AutostartSignals) > 0
	svc.mu.Unlock()

	// Remove from the pid index while svc.PID still matches the key it
	// was inserted under -- the index's binary search trusts keyOf to
	// reflect the value in effect at insertion time, so the field must
	// not change before the matching Remove.
	t.mu.Lock()
	if pid != 0 {
		t.byPID.Remove(pid)
	}
	t.mu.Unlock()

	svc.mu.Lock()
	svc.State = Down
	svc.PID = 0
	svc.mu.Unlock()

	t.emitState(svc)

	if !shouldRestart {
		t.mu.Lock()
		t.removeActive(svc.Name)
		t.mu.Unlock()
		return
	}

	when := now
	if restartInterval != 0 && reapTime.Sub(startTime) < restartInterval {
		when = now.Add(restartInterval)
	}
	_ = t.Start(svc.Name, when) // Down -> Start is always legal here
}

// CheckSigwake walks the sigwake list once per drained batch of signal
// events and restarts any DOWN service whose trigger set intersects the
// pending signals, per spec.md §4.E's "Sigwake" rule: level-triggered,
// a service wakes whenever its trigger signals have nonzero pending
// count.
func (t *Table) CheckSigwake(sigEvents []sigcapture.Event) {
	pending := make(map[int]bool, len(sigEvents))
	for _, e := range sigEvents {
		if e.Pending > 0 {
			pending[int(e.Signal)] = true
		}
	}
	if len(pending) == 0 {
		return
	}

	t.mu.Lock()
	names := append([]string(nil), t.sigwakeQ...)
	t.mu.Unlock()

	now := t.clock.Now()
	for _, name := range names {
		svc, ok := t.Get(name)
		if !ok {
			continue
		}
		svc.mu.Lock()
		matches := false
		for sig := range svc.AutostartSignals {
			if pending[sig] {
				matches = true
				break
			}
		}
		state := svc.State
		svc.mu.Unlock()

		if matches && state == Down {
			_ = t.Start(name, now)
		}
	}
}
