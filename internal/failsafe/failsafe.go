// Package failsafe implements spec.md module H/I's guarded-termination
// and shutdown-sequencing logic: a boolean that defaults on when running
// as PID 1 and blocks terminate/shutdown until the caller proves
// knowledge of the code given at arm time, plus the orderly
// SIGTERM→wait→SIGKILL→wait→drain-output shutdown sequence and
// exec-on-exit.
package failsafe

import (
	"fmt"
	"strconv"
	"syscall"

	"github.com/svinit/svinit/internal/fixedtime"
)

// Clock is the subset of fixedtime.Clock/FakeClock the controller needs.
type Clock interface {
	Now() fixedtime.T
}

// ServiceSignaler is the subset of service.Table the shutdown sequence
// needs: broadcasting a signal to every running service and checking
// whether any are still up.
type ServiceSignaler interface {
	SignalAllRunning(sig syscall.Signal) int
	AnyRunning() bool
}

// Exiter performs the two terminal actions a supervisor can take:
// exiting the process with a code, or replacing it via exec. Both are
// interfaces so tests can observe the outcome instead of ending the
// test binary.
type Exiter interface {
	Exit(code int)
	Exec(argv []string) error
}

// osExiter is the production Exiter: os.Exit and syscall.Exec.
type osExiter struct{}

// ErrFailsafeArmed is the "state" category error returned by Terminate
// and Shutdown while failsafe is armed and no exec-on-exit is set.
var ErrFailsafeArmed = fmt.Errorf("failsafe")

// ErrWrongCode is the "invalid" category error returned by Disarm when
// the supplied code does not match the one given at arm time.
var ErrWrongCode = fmt.Errorf("wrong failsafe code")

type phase int

const (
	phaseNone phase = iota
	phaseSentTerm
	phaseSentKill
	phaseDraining
	phaseDone
)

// Controller owns the failsafe arm/disarm state and the shutdown/
// terminate/exec-on-exit sequencing. It must be driven by Tick once per
// main-loop turn while a shutdown is in progress.
type Controller struct {
	services ServiceSignaler
	exiter   Exiter
	clock    Clock

	armed bool
	code  string

	execArgv []string

	ph       phase
	deadline fixedtime.T
	t1, t2, t3 fixedtime.T
	exitCode int
}

// New creates a Controller. pid1 sets the default armed state per
// spec.md §4.H/I: "default on when PID is 1".
func New(services ServiceSignaler, clock Clock, pid1 bool) *Controller {
	return &Controller{services: services, exiter: osExiter{}, clock: clock, armed: pid1}
}

// SetExiter overrides the production Exit/Exec implementation, for
// tests.
func (c *Controller) SetExiter(e Exiter) { c.exiter = e }

// Arm arms failsafe with the given unlock code. Re-arming while already
// armed replaces the stored code.
func (c *Controller) Arm(code string) error {
	c.armed = true
	c.code = code
	return nil
}

// Disarm clears failsafe only if code matches the one given at arm
// time; a no-op (success) if failsafe was already disarmed.
func (c *Controller) Disarm(code string) error {
	if !c.armed {
		return nil
	}
	if code != c.code {
		return ErrWrongCode
	}
	c.armed = false
	c.code = ""
	return nil
}

// ExecOnExit arms (or, given an empty argv, disarms) exec-on-exit: when
// set, Terminate/Shutdown exec argv instead of exiting, and bypass the
// failsafe gate entirely (spec.md §4.H/I).
func (c *Controller) ExecOnExit(argv []string) error {
	c.execArgv = argv
	return nil
}

func (c *Controller) gated() bool {
	return c.armed && len(c.execArgv) == 0
}

// Terminate performs immediate termination: exec's if exec-on-exit is
// armed, otherwise exits with val immediately. Refused (ErrFailsafeArmed)
// if failsafe is armed and no exec-on-exit is set. code, if nonempty,
// must match the armed code (an alternate way of proving knowledge,
// mirroring failsafe's own code check) -- no check is performed when
// failsafe isn't armed.
func (c *Controller) Terminate(val, code string) error {
	if c.gated() {
		if code == "" || code != c.code {
			return ErrFailsafeArmed
		}
	}
	if len(c.execArgv) > 0 {
		return c.exiter.Exec(c.execArgv)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		n = 0
	}
	c.exiter.Exit(n)
	return nil
}

// Shutdown begins the orderly SIGTERM→wait t1→SIGKILL→wait t2→
// drain-output t3 sequence, refusing (ErrFailsafeArmed) under the same
// gate as Terminate. It returns immediately; the sequence itself
// advances via Tick, never blocking the main loop.
func (c *Controller) Shutdown(t1, t2, t3 string) error {
	if c.gated() {
		return ErrFailsafeArmed
	}
	c.t1 = parseOrDefault(t1, 5)
	c.t2 = parseOrDefault(t2, 2)
	c.t3 = parseOrDefault(t3, 1)
	c.services.SignalAllRunning(syscall.SIGTERM)
	c.ph = phaseSentTerm
	c.deadline = c.clock.Now().Add(c.t1)
	return nil
}

func parseOrDefault(s string, def int) fixedtime.T {
	if s == "" {
		return fixedtime.T(def) << 32
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		n = def
	}
	return fixedtime.T(n) << 32
}

// Tick advances the shutdown sequence, called once per main-loop turn.
// When the drain phase ends with exec-on-exit armed, Tick execs argv
// (which does not return on success). Otherwise, or if the exec fails,
// it returns (exitCode, true) and the caller should exit with exitCode.
func (c *Controller) Tick(now fixedtime.T) (code int, done bool) {
	switch c.ph {
	case phaseNone, phaseDone:
		return 0, false
	case phaseSentTerm:
		if !c.services.AnyRunning() {
			c.ph = phaseDraining
			c.deadline = now.Add(c.t3)
			c.exitCode = 0
			return 0, false
		}
		if now.Before(c.deadline) {
			return 0, false
		}
		c.services.SignalAllRunning(syscall.SIGKILL)
		c.ph = phaseSentKill
		c.deadline = now.Add(c.t2)
		return 0, false
	case phaseSentKill:
		if !c.services.AnyRunning() {
			c.ph = phaseDraining
			c.deadline = now.Add(c.t3)
			c.exitCode = 10
			return 0, false
		}
		if now.Before(c.deadline) {
			return 0, false
		}
		c.ph = phaseDraining
		c.deadline = now.Add(c.t3)
		c.exitCode = 11
		return 0, false
	case phaseDraining:
		if now.Before(c.deadline) {
			return 0, false
		}
		c.ph = phaseDone
		if len(c.execArgv) > 0 {
			_ = c.exiter.Exec(c.execArgv)
		}
		return c.exitCode, true
	}
	return 0, false
}

// ShutdownInProgress reports whether Tick needs to keep being called.
func (c *Controller) ShutdownInProgress() bool {
	return c.ph != phaseNone && c.ph != phaseDone
}

func (osExiter) Exit(code int) { osExit(code) }

func (osExiter) Exec(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("failsafe: exec-on-exit with empty argv")
	}
	return unixExec(argv)
}
