package service

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/svinit/svinit/internal/events"
	"github.com/svinit/svinit/internal/fixedtime"
)

func (t *Table) varsLimit() varLimit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return varLimit{max: t.maxVarsLen}
}

// SetArgs sets a service's argument vector, creating the service if
// needed. The empty-args query form ("service.args N" with no argv) is
// handled by the control layer calling GetArgs instead of SetArgs.
func (t *Table) SetArgs(name string, args []string) error {
	svc, err := t.GetOrCreate(name)
	if err != nil {
		return err
	}
	lim := t.varsLimit()
	svc.mu.Lock()
	err = svc.vars.set("args", joinTabs(args), true, lim)
	svc.mu.Unlock()
	if err != nil {
		return err
	}
	if t.bus != nil {
		t.bus.Publish(events.Event{Type: events.ServiceArgs, Fields: append([]string{name}, args...)})
	}
	return nil
}

// GetArgs returns a service's current argument vector.
func (t *Table) GetArgs(name string) ([]string, bool) {
	svc, ok := t.Get(name)
	if !ok {
		return nil, false
	}
	return svc.argv(), true
}

// SetFds sets a service's positional fd-name list.
func (t *Table) SetFds(name string, names []string) error {
	svc, err := t.GetOrCreate(name)
	if err != nil {
		return err
	}
	lim := t.varsLimit()
	svc.mu.Lock()
	err = svc.vars.set("fds", joinTabs(names), true, lim)
	svc.mu.Unlock()
	if err != nil {
		return err
	}
	if t.bus != nil {
		t.bus.Publish(events.Event{Type: events.ServiceFds, Fields: append([]string{name}, names...)})
	}
	return nil
}

// GetFds returns a service's current fd-name list, or the default
// null/null/null triple if unset.
func (t *Table) GetFds(name string) ([]string, bool) {
	svc, ok := t.Get(name)
	if !ok {
		return nil, false
	}
	names := svc.fdNames()
	if len(names) == 0 {
		return append([]string(nil), defaultFDNames...), true
	}
	return names, true
}

// SetOpts applies a list of "key" or "key=value" option tokens, or a
// single "NAME@" token which resets every resettable option to its zero
// value. Per the Open Questions decision, "@" resets respawn,
// respawn-delay, sig_wake, triggers, and tags; it never touches name,
// args, or fds.
func (t *Table) SetOpts(name string, opts []string) error {
	svc, err := t.GetOrCreate(name)
	if err != nil {
		return err
	}
	for _, opt := range opts {
		if opt == name+"@" || opt == "@" {
			t.resetOpts(svc)
			continue
		}
		key, value, hasValue := splitOpt(opt)
		switch key {
		case "respawn":
			svc.mu.Lock()
			svc.AutoRestart = true
			svc.mu.Unlock()
		case "respawn-delay":
			if !hasValue {
				return fmt.Errorf("service: respawn-delay requires a value")
			}
			d, err := parseSeconds(value)
			if err != nil {
				return err
			}
			svc.mu.Lock()
			svc.RestartInterval = clampRestartInterval(d)
			svc.mu.Unlock()
		case "sig_wake":
			if !hasValue {
				return fmt.Errorf("service: sig_wake requires a signal name")
			}
			sig, err := parseSignalName(value)
			if err != nil {
				return err
			}
			svc.mu.Lock()
			svc.AutostartSignals[int(sig)] = true
			svc.mu.Unlock()
			t.mu.Lock()
			t.addSigwake(name)
			t.mu.Unlock()
		case "triggers":
			if err := t.setTriggers(svc, value); err != nil {
				return err
			}
		case "tags":
			lim := t.varsLimit()
			svc.mu.Lock()
			err := svc.vars.set("tags", value, true, lim)
			svc.mu.Unlock()
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("service: unknown option %q", key)
		}
	}
	t.emitOpts(svc)
	return nil
}

// clampRestartInterval enforces the "(interval >> 32) >= 1" rule: any
// interval representing less than one whole second is clamped up to
// exactly one second.
func clampRestartInterval(d fixedtime.T) fixedtime.T {
	if d.Seconds() < 1 {
		return fixedtime.T(1) << 32
	}
	return d
}

func (t *Table) resetOpts(svc *Service) {
	lim := t.varsLimit()
	svc.mu.Lock()
	svc.AutoRestart = false
	svc.RestartInterval = 0
	svc.AutostartSignals = make(map[int]bool)
	_ = svc.vars.set("triggers", "", false, lim)
	_ = svc.vars.set("tags", "", false, lim)
	svc.mu.Unlock()

	t.mu.Lock()
	t.removeSigwake(svc.Name)
	t.mu.Unlock()
}

// setTriggers parses the tab-separated "always"/signal-name list from
// spec.md §4.E's Sigwake rule: "always" sets auto_restart; signal names
// populate autostart_signals and place the service on the sigwake list.
func (t *Table) setTriggers(svc *Service, raw string) error {
	tokens := splitTabs(raw)
	auto := false
	sigs := make(map[int]bool)
	for _, tok := range tokens {
		if tok == "always" {
			auto = true
			continue
		}
		sig, err := parseSignalName(tok)
		if err != nil {
			return err
		}
		sigs[int(sig)] = true
	}

	lim := t.varsLimit()
	svc.mu.Lock()
	if err := svc.vars.set("triggers", raw, true, lim); err != nil {
		svc.mu.Unlock()
		return err
	}
	svc.AutoRestart = auto
	svc.AutostartSignals = sigs
	svc.mu.Unlock()

	t.mu.Lock()
	if len(sigs) > 0 {
		t.addSigwake(svc.Name)
	} else {
		t.removeSigwake(svc.Name)
	}
	t.mu.Unlock()
	return nil
}

func (t *Table) emitOpts(svc *Service) {
	if t.bus == nil {
		return
	}
	svc.mu.Lock()
	fields := []string{svc.Name}
	if svc.AutoRestart {
		fields = append(fields, "respawn")
	}
	if svc.RestartInterval != 0 {
		fields = append(fields, fmt.Sprintf("respawn-delay=%d", svc.RestartInterval.Seconds()))
	}
	svc.mu.Unlock()
	t.bus.Publish(events.Event{Type: events.ServiceOpts, Fields: fields})
}

func splitOpt(opt string) (key, value string, hasValue bool) {
	if i := strings.IndexByte(opt, '='); i >= 0 {
		return opt[:i], opt[i+1:], true
	}
	return opt, "", false
}

func parseSeconds(s string) (fixedtime.T, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("service: invalid duration %q", s)
	}
	return fixedtime.FromDuration(time.Duration(f * float64(time.Second))), nil
}

// Signal sends sig to a running (UP) service's process group or process.
// group selects killpg over kill; refused outside State == Up.
func (t *Table) Signal(name string, sig syscall.Signal, group bool) error {
	svc, ok := t.Get(name)
	if !ok {
		return ErrNotFound
	}
	svc.mu.Lock()
	state := svc.State
	pid := svc.PID
	svc.mu.Unlock()
	if state != Up {
		return ErrState
	}
	target := pid
	if group {
		target = -pid
	}
	return syscall.Kill(target, sig)
}
