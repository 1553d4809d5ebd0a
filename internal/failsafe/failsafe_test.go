package failsafe

import (
	"syscall"
	"testing"

	"github.com/svinit/svinit/internal/fixedtime"
)

type fakeServices struct {
	running   bool
	lastSig   syscall.Signal
	signalled int
}

func (f *fakeServices) SignalAllRunning(sig syscall.Signal) int {
	f.lastSig = sig
	f.signalled++
	return 1
}
func (f *fakeServices) AnyRunning() bool { return f.running }

type fakeExiter struct {
	exitCode int
	exited   bool
	execArgv []string
}

func (f *fakeExiter) Exit(code int) { f.exited = true; f.exitCode = code }
func (f *fakeExiter) Exec(argv []string) error {
	f.execArgv = argv
	return nil
}

func TestArmedByDefaultUnderPID1(t *testing.T) {
	c := New(&fakeServices{}, fixedtime.NewFakeClock(1), true)
	if err := c.Terminate("0", ""); err != ErrFailsafeArmed {
		t.Fatalf("err = %v, want ErrFailsafeArmed", err)
	}
}

func TestNotArmedWhenNotPID1(t *testing.T) {
	c := New(&fakeServices{}, fixedtime.NewFakeClock(1), false)
	exiter := &fakeExiter{}
	c.SetExiter(exiter)
	if err := c.Terminate("0", ""); err != nil {
		t.Fatal(err)
	}
	if !exiter.exited {
		t.Fatal("expected immediate exit when failsafe is not armed")
	}
}

func TestOnlyMatchingCodeDisarms(t *testing.T) {
	c := New(&fakeServices{}, fixedtime.NewFakeClock(1), false)
	_ = c.Arm("CODE123")
	if err := c.Disarm("WRONG"); err != ErrWrongCode {
		t.Fatalf("err = %v, want ErrWrongCode", err)
	}
	if err := c.Disarm("CODE123"); err != nil {
		t.Fatal(err)
	}
	exiter := &fakeExiter{}
	c.SetExiter(exiter)
	if err := c.Terminate("0", ""); err != nil {
		t.Fatal(err)
	}
	if !exiter.exited {
		t.Fatal("expected terminate to succeed once disarmed")
	}
}

func TestExecOnExitBypassesFailsafeGate(t *testing.T) {
	c := New(&fakeServices{}, fixedtime.NewFakeClock(1), true)
	exiter := &fakeExiter{}
	c.SetExiter(exiter)
	_ = c.ExecOnExit([]string{"/sbin/reboot"})
	if err := c.Terminate("0", ""); err != nil {
		t.Fatal(err)
	}
	if len(exiter.execArgv) == 0 {
		t.Fatal("expected exec-on-exit to fire instead of exit")
	}
}

func TestShutdownSequenceEscalatesToKillThenDrains(t *testing.T) {
	clock := fixedtime.NewFakeClock(1)
	svcs := &fakeServices{running: true}
	c := New(svcs, clock, false)

	if err := c.Shutdown("5", "2", "1"); err != nil {
		t.Fatal(err)
	}
	if _, done := c.Tick(clock.Now()); done {
		t.Fatal("should not be done immediately, service still running")
	}
	if svcs.lastSig != syscall.SIGTERM {
		t.Fatalf("first signal = %v, want SIGTERM", svcs.lastSig)
	}

	clock.Advance(fixedtime.T(6) << 32)
	c.Tick(clock.Now()) // deadline elapsed, still running -> escalate to SIGKILL
	if svcs.lastSig != syscall.SIGKILL {
		t.Fatalf("escalated signal = %v, want SIGKILL", svcs.lastSig)
	}

	svcs.running = false
	clock.Advance(fixedtime.T(3) << 32)
	c.Tick(clock.Now()) // AnyRunning now false -> enters draining
	clock.Advance(fixedtime.T(2) << 32)
	code, done := c.Tick(clock.Now())
	if !done {
		t.Fatal("expected shutdown to complete after drain deadline")
	}
	if code != 10 {
		t.Fatalf("exit code = %d, want 10 (needed SIGKILL)", code)
	}
}

func TestShutdownRefusedWhileFailsafeArmed(t *testing.T) {
	c := New(&fakeServices{}, fixedtime.NewFakeClock(1), true)
	if err := c.Shutdown("", "", ""); err != ErrFailsafeArmed {
		t.Fatalf("err = %v, want ErrFailsafeArmed", err)
	}
}
