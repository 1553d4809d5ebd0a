// Package service implements the service table and state machine of
// spec.md module E: a process-wide registry of managed child-process
// identities, each independent of whether it is currently running.
// Grounded on the teacher's internal/process/{process,state,manager}.go,
// generalized from supervisord-style STOPPED/STARTING/RUNNING/BACKOFF/
// STOPPING/EXITED/FATAL to the leaner DOWN/START/UP/REAPED machine the
// spec calls for, and checked line-for-line against the original
// implementation's svc_run/svc_do_fork/svc_do_exec in service.c.
package service

import (
	"fmt"
	"sort"
	"sync"
	"syscall"

	"github.com/svinit/svinit/internal/events"
	"github.com/svinit/svinit/internal/fdtable"
	"github.com/svinit/svinit/internal/fixedtime"
	"github.com/svinit/svinit/internal/index"
)

// State is one node of the DOWN/START/UP/REAPED machine.
type State int

const (
	Down State = iota
	Start
	Up
	Reaped
)

func (s State) String() string {
	switch s {
	case Down:
		return "down"
	case Start:
		return "start"
	case Up:
		return "up"
	case Reaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// NameMax bounds a service name's length, matching NAME_BUF_SIZE-1.
const NameMax = 63

// forkRetryDelay is FORK_RETRY_DELAY from service.c: the sole algorithmic
// backoff, applied whenever fork or controller-fd allocation fails.
const forkRetryDelay = fixedtime.T(1) << 32

// execInvalidEnvironment is EXIT_INVALID_ENVIRONMENT: the child-only exit
// code used when execve fails after fork, before any of the service's own
// code runs.
const execInvalidEnvironment = 111

// Service is one managed child-process identity.
type Service struct {
	mu sync.Mutex

	Name string
	vars varBlock

	State      State
	PID        int
	WaitStatus int
	StartTime  fixedtime.T
	ReapTime   fixedtime.T
	WakeAt     fixedtime.T // armed START timer; zero means unarmed

	RestartInterval  fixedtime.T
	AutoRestart      bool
	AutostartSignals map[int]bool

	active  bool // queued on the table's active list
	sigwake bool // queued on the table's sigwake list
}

// argv returns the service's resolved argument vector.
func (s *Service) argv() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := s.vars.get("args")
	return splitTabs(v)
}

// fdNames returns the service's resolved fd-name list (positional).
func (s *Service) fdNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := s.vars.get("fds")
	return splitTabs(v)
}

func validServiceName(name string) bool {
	if name == "" || len(name) > NameMax {
		return false
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

// Table is the service registry: a name index, a pid index, an active
// list, and a sigwake list, exactly the structures service.c keeps as
// intrusive red-black trees and doubly linked lists, re-expressed as
// module B indices and plain name slices per spec.md §9's substitution
// clause.
type Table struct {
	mu sync.Mutex

	byName *index.Index[string, *Service]
	byPID  *index.Index[int, *Service]

	active  []string
	sigwakeQ []string

	fds   *fdtable.Table
	bus   *events.Bus
	clock Clock

	spawner Spawner

	maxServices int // 0 = unbounded
	maxVarsLen  int // 0 = unbounded

	// ControlSocketHook is invoked synchronously while building a
	// child's fd table, once per control.socket/control.cmd/control.event
	// name found in the service's fd list, with the parent end of a
	// freshly created socketpair. Module F registers this to wrap the
	// parent end as a controller endpoint. A nil hook leaves the name
	// unresolved and the spawn fails with ErrControlFD.
	ControlSocketHook func(serviceName, fdName string, parentEnd int)
}

// Clock is satisfied by fixedtime.Clock and fixedtime.FakeClock.
type Clock interface {
	Now() fixedtime.T
}

// New creates an empty service table.
func New(bus *events.Bus, fds *fdtable.Table, clock Clock) *Table {
	return &Table{
		byName:  index.New(func(a, b string) bool { return a < b }, func(s *Service) string { return s.Name }),
		byPID:   index.New(func(a, b int) bool { return a < b }, func(s *Service) int { return s.PID }),
		fds:     fds,
		bus:     bus,
		clock:   clock,
		spawner: realSpawner{},
	}
}

// SetSpawner overrides the fork/exec implementation. Production callers
// never need this (New already wires realSpawner); it exists so callers
// outside this package can supply a fake for tests without duplicating
// the table's other collaborators.
func (t *Table) SetSpawner(s Spawner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spawner = s
}

// SetPoolLimits configures pool mode: maxServices caps table size (0 =
// unbounded); maxVarsLen caps each service's packed vars buffer.
func (t *Table) SetPoolLimits(maxServices, maxVarsLen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxServices = maxServices
	t.maxVarsLen = maxVarsLen
}

// ErrLimit is returned when pool mode's service-count cap is reached.
var ErrLimit = fmt.Errorf("service: pool exhausted")

// ErrNotFound is returned for an unknown service name.
var ErrNotFound = fmt.Errorf("service: not found")

// ErrRunning is returned by Delete when the service is not DOWN.
var ErrRunning = fmt.Errorf("service: refused, not down")

// ErrState is returned when a command is not legal in the service's
// current state, e.g. Start on a service that is UP or REAPED.
var ErrState = fmt.Errorf("service: not legal in current state")

// ErrInvalidName rejects a name outside [A-Za-z0-9._-]{1,NameMax}.
var ErrInvalidName = fmt.Errorf("service: invalid name")

// GetOrCreate returns the named service, creating it DOWN if absent.
// This is the entry point every service.* command uses: the protocol
// has no separate "create" verb, matching spec.md's command table.
func (t *Table) GetOrCreate(name string) (*Service, error) {
	if !validServiceName(name) {
		return nil, ErrInvalidName
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if svc, _, ok := t.byName.Find(name); ok {
		return svc, nil
	}
	if t.maxServices > 0 && t.byName.Len() >= t.maxServices {
		return nil, ErrLimit
	}
	svc := &Service{Name: name, State: Down, AutostartSignals: make(map[int]bool)}
	t.byName.Add(svc)
	return svc, nil
}

// Get returns the named service without creating it.
func (t *Table) Get(name string) (*Service, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	svc, _, ok := t.byName.Find(name)
	return svc, ok
}

// Delete removes a non-running service. Refused unless State == Down.
func (t *Table) Delete(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	svc, _, ok := t.byName.Find(name)
	if !ok {
		return ErrNotFound
	}
	svc.mu.Lock()
	state := svc.State
	svc.mu.Unlock()
	if state != Down {
		return ErrRunning
	}
	t.byName.Remove(name)
	t.removeActive(name)
	t.removeSigwake(name)
	return nil
}

// Names returns every service name in sorted order, for statedump.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := t.byName.All()
	names := make([]string, 0, len(all))
	for _, s := range all {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// NextName is module B's "equal-or-nearest" walk used to resume a
// statedump after interleaving: it returns the first service name
// strictly after after, in sorted order.
func (t *Table) NextName(after string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	svc, ok := t.byName.Next(after)
	if !ok {
		return "", false
	}
	return svc.Name, true
}

// NextWake returns the earliest armed wake timer among active
// services (those in START with a future WakeAt, or REAPED services
// about to be processed), so the main loop can compute its poll
// deadline. ok is false if nothing is armed.
func (t *Table) NextWake() (fixedtime.T, bool) {
	t.mu.Lock()
	names := append([]string(nil), t.active...)
	t.mu.Unlock()

	var min fixedtime.T
	found := false
	for _, name := range names {
		svc, ok := t.Get(name)
		if !ok {
			continue
		}
		svc.mu.Lock()
		wake := svc.WakeAt
		state := svc.State
		svc.mu.Unlock()
		if state == Reaped {
			wake = 0 // ready now, no need to wait
		}
		if !found || wake.Before(min) {
			min = wake
			found = true
		}
	}
	return min, found
}

// AnyRunning reports whether any service is currently UP, used by
// module I to decide whether SIGKILL/exit-code escalation is needed
// during shutdown.
func (t *Table) AnyRunning() bool {
	t.mu.Lock()
	all := t.byName.All()
	t.mu.Unlock()
	for _, svc := range all {
		svc.mu.Lock()
		up := svc.State == Up
		svc.mu.Unlock()
		if up {
			return true
		}
	}
	return false
}

// SignalAllRunning sends sig to every UP service and returns how many
// were signaled, used by module I's shutdown sequence (SIGTERM then,
// after a timeout, SIGKILL).
func (t *Table) SignalAllRunning(sig syscall.Signal) int {
	t.mu.Lock()
	all := t.byName.All()
	t.mu.Unlock()
	n := 0
	for _, svc := range all {
		svc.mu.Lock()
		up := svc.State == Up
		pid := svc.PID
		svc.mu.Unlock()
		if up && pid != 0 {
			if err := syscall.Kill(pid, sig); err == nil {
				n++
			}
		}
	}
	return n
}

func (t *Table) markActive(name string) {
	for _, n := range t.active {
		if n == name {
			return
		}
	}
	t.active = append(t.active, name)
}

func (t *Table) removeActive(name string) {
	for i, n := range t.active {
		if n == name {
			t.active = append(t.active[:i], t.active[i+1:]...)
			return
		}
	}
}

func (t *Table) addSigwake(name string) {
	for _, n := range t.sigwakeQ {
		if n == name {
			return
		}
	}
	t.sigwakeQ = append(t.sigwakeQ, name)
}

func (t *Table) removeSigwake(name string) {
	for i, n := range t.sigwakeQ {
		if n == name {
			t.sigwakeQ = append(t.sigwakeQ[:i], t.sigwakeQ[i+1:]...)
			return
		}
	}
}

func (t *Table) emitState(svc *Service, extra ...string) {
	if t.bus == nil {
		return
	}
	svc.mu.Lock()
	fields := []string{svc.Name, svc.State.String(), fmt.Sprintf("%d", svc.StartTime.Seconds())}
	svc.mu.Unlock()
	fields = append(fields, extra...)
	t.bus.Publish(events.Event{Type: events.ServiceState, Fields: fields})
}
