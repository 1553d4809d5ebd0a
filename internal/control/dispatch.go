package control

import (
	"fmt"
	"strconv"
	"syscall"

	"github.com/svinit/svinit/internal/byterange"
	"github.com/svinit/svinit/internal/failsafe"
	"github.com/svinit/svinit/internal/fdtable"
	"github.com/svinit/svinit/internal/service"
	"github.com/svinit/svinit/internal/sigcapture"
)

// Lifecycle is the subset of module I (internal/failsafe) the dispatch
// table needs: arming/disarming guarded termination, orderly and
// immediate shutdown, and exec-on-exit. Defined here so control has no
// import-time dependency on failsafe's concrete type.
type Lifecycle interface {
	Arm(code string) error
	Disarm(code string) error
	Shutdown(t1, t2, t3 string) error
	Terminate(val, code string) error
	ExecOnExit(argv []string) error
}

// Handler processes one command's tail (the bytes after the command
// name and its separating tab). Handlers reply by calling ep.QueueLine
// directly for per-controller responses (echo, statedump, queries) or
// by mutating D/E/H/I state, whose own event emission fans out to every
// endpoint through the Hub.
type Handler func(d *Dispatcher, ep *Endpoint, args byterange.Range)

// Dispatcher holds the static command table and the collaborators
// handlers need: the service table (module E), fd table (module D), the
// signal queue (module C, for signal.clear), and the lifecycle
// controller (module I).
type Dispatcher struct {
	Hub       *Hub
	Services  *service.Table
	FDs       *fdtable.Table
	Signals   *sigcapture.Queue
	Lifecycle Lifecycle

	logFilter string // last log.filter argument, advisory only
	logDest   string // named fd to mirror log output to, advisory only

	commands map[string]Handler
}

// NewDispatcher builds a Dispatcher with the full static command table
// populated.
func NewDispatcher(hub *Hub, svcs *service.Table, fds *fdtable.Table, sig *sigcapture.Queue, lifecycle Lifecycle) *Dispatcher {
	d := &Dispatcher{Hub: hub, Services: svcs, FDs: fds, Signals: sig, Lifecycle: lifecycle}
	d.commands = map[string]Handler{
		"statedump":        handleStatedump,
		"echo":             handleEcho,
		"service.args":     handleServiceArgs,
		"service.fds":      handleServiceFds,
		"service.opts":     handleServiceOpts,
		"service.start":    handleServiceStart,
		"service.signal":   handleServiceSignal,
		"service.delete":   handleServiceDelete,
		"fd.pipe":          handleFDPipe,
		"fd.open":          handleFDOpen,
		"fd.delete":        handleFDDelete,
		"fd.logsink":       handleFDLogsink,
		"signal.clear":     handleSignalClear,
		"log.filter":       handleLogFilter,
		"log.dest":         handleLogDest,
		"failsafe":         handleFailsafe,
		"shutdown":         handleShutdown,
		"terminate":        handleTerminate,
		"exec_on_exit":     handleExecOnExit,
	}
	return d
}

// Dispatch parses one already-framed protocol line (tab-separated
// fields, no leading whitespace/#, per the Endpoint's own Feed) and runs
// its handler. Unknown commands and any error a handler surfaces are
// reported as an error event on the requesting endpoint only; nothing
// here ever disconnects the controller (spec.md §7).
func (d *Dispatcher) Dispatch(ep *Endpoint, line byterange.Range) {
	name, tail, _ := byterange.Token(line, '\t')
	cmd := name.String()
	h, ok := d.commands[cmd]
	if !ok {
		ep.QueueLine(fmt.Sprintf("error\tunknown-command\t%s", cmd))
		return
	}
	h(d, ep, tail)
}

func fields(args byterange.Range) []string {
	if args.Empty() {
		return nil
	}
	toks := byterange.TokenizeAll(args, '\t')
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.String()
	}
	return out
}

func errorLine(category, detail string) string {
	return fmt.Sprintf("error\t%s\t%s", category, detail)
}

func handleEcho(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	ep.QueueLine("echo\t" + args.String())
}

func handleServiceArgs(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) == 0 {
		ep.QueueLine(errorLine("invalid", "service.args requires a name"))
		return
	}
	name, rest := f[0], f[1:]
	if len(rest) == 0 {
		got, ok := d.Services.GetArgs(name)
		if !ok {
			ep.QueueLine(errorLine("not-found", name))
			return
		}
		ep.QueueLine("service.args\t" + name + "\t" + joinTab(got))
		return
	}
	if err := d.Services.SetArgs(name, rest); err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

func handleServiceFds(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) == 0 {
		ep.QueueLine(errorLine("invalid", "service.fds requires a name"))
		return
	}
	name, rest := f[0], f[1:]
	if len(rest) == 0 {
		got, ok := d.Services.GetFds(name)
		if !ok {
			ep.QueueLine(errorLine("not-found", name))
			return
		}
		ep.QueueLine("service.fds\t" + name + "\t" + joinTab(got))
		return
	}
	if err := d.Services.SetFds(name, rest); err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

func handleServiceOpts(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) == 0 {
		ep.QueueLine(errorLine("invalid", "service.opts requires a name"))
		return
	}
	name, opts := f[0], f[1:]
	if err := d.Services.SetOpts(name, opts); err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

func handleServiceStart(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) == 0 {
		ep.QueueLine(errorLine("invalid", "service.start requires a name"))
		return
	}
	if err := d.Services.Start(f[0], 0); err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

func handleServiceSignal(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) < 2 {
		ep.QueueLine(errorLine("invalid", "service.signal requires NAME SIGNAME"))
		return
	}
	sig, err := parseSignalArg(f[1])
	if err != nil {
		ep.QueueLine(errorLine("invalid", err.Error()))
		return
	}
	group := len(f) >= 3 && f[2] == "group"
	if err := d.Services.Signal(f[0], sig, group); err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

func handleServiceDelete(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) == 0 {
		ep.QueueLine(errorLine("invalid", "service.delete requires a name"))
		return
	}
	if err := d.Services.Delete(f[0]); err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

func handleFDPipe(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) != 2 {
		ep.QueueLine(errorLine("invalid", "fd.pipe requires R W"))
		return
	}
	if err := d.FDs.Pipe(f[0], f[1]); err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

func handleFDOpen(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) < 3 {
		ep.QueueLine(errorLine("invalid", "fd.open requires NAME FLAGS PATH"))
		return
	}
	flags, err := fdtable.ParseOpenFlags(f[1])
	if err != nil {
		ep.QueueLine(errorLine("invalid", err.Error()))
		return
	}
	if err := d.FDs.Open(f[0], flags, f[2]); err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

// handleFDLogsink registers a managed log-sink fd: NAME LOGFILE MAXBYTES
// BACKUPS [STRIPANSI] [SYSLOGTAG]. STRIPANSI is "0" or "1" and defaults
// to off; a non-empty SYSLOGTAG additionally forwards every line to
// syslog under that tag.
func handleFDLogsink(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) < 4 {
		ep.QueueLine(errorLine("invalid", "fd.logsink requires NAME LOGFILE MAXBYTES BACKUPS"))
		return
	}
	backups, err := strconv.Atoi(f[3])
	if err != nil {
		ep.QueueLine(errorLine("invalid", "fd.logsink backups must be numeric"))
		return
	}
	cfg := fdtable.LogSinkConfig{Logfile: f[1], MaxBytes: f[2], Backups: backups}
	if len(f) >= 5 {
		cfg.StripAnsi = f[4] == "1"
	}
	if len(f) >= 6 && f[5] != "" {
		cfg.Syslog = true
		cfg.SyslogTag = f[5]
	}
	if err := d.FDs.OpenLogSink(f[0], cfg); err != nil {
		ep.QueueLine(errorLine("io", err.Error()))
	}
}

func handleFDDelete(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) == 0 {
		ep.QueueLine(errorLine("invalid", "fd.delete requires a name"))
		return
	}
	if err := d.FDs.Delete(f[0]); err != nil {
		ep.QueueLine(errorLine("not-found", err.Error()))
	}
}

func handleSignalClear(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) != 2 {
		ep.QueueLine(errorLine("invalid", "signal.clear requires NAME COUNT"))
		return
	}
	sig, err := parseSignalArg(f[0])
	if err != nil {
		ep.QueueLine(errorLine("invalid", err.Error()))
		return
	}
	var n uint32
	if _, err := fmt.Sscanf(f[1], "%d", &n); err != nil {
		ep.QueueLine(errorLine("invalid", "signal.clear count must be numeric"))
		return
	}
	d.Signals.Clear(sig, n)
}

func handleLogFilter(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	d.logFilter = args.String()
}

func handleLogDest(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	d.logDest = args.String()
}

func handleFailsafe(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if len(f) != 2 {
		ep.QueueLine(errorLine("invalid", "failsafe requires +/- CODE"))
		return
	}
	var err error
	switch f[0] {
	case "+":
		err = d.Lifecycle.Arm(f[1])
	case "-":
		err = d.Lifecycle.Disarm(f[1])
	default:
		ep.QueueLine(errorLine("invalid", "failsafe mode must be + or -"))
		return
	}
	if err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

func handleShutdown(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	t1, t2, t3 := argOr(f, 0, ""), argOr(f, 1, ""), argOr(f, 2, "")
	if err := d.Lifecycle.Shutdown(t1, t2, t3); err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

func handleTerminate(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	val, code := argOr(f, 0, "0"), argOr(f, 1, "")
	if err := d.Lifecycle.Terminate(val, code); err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

func handleExecOnExit(d *Dispatcher, ep *Endpoint, args byterange.Range) {
	f := fields(args)
	if err := d.Lifecycle.ExecOnExit(f); err != nil {
		ep.QueueLine(errorLine(categoryFor(err), err.Error()))
	}
}

func argOr(f []string, i int, def string) string {
	if i < len(f) {
		return f[i]
	}
	return def
}

func joinTab(f []string) string {
	out := ""
	for i, s := range f {
		if i > 0 {
			out += "\t"
		}
		out += s
	}
	return out
}

func parseSignalArg(name string) (syscall.Signal, error) {
	sig, ok := map[string]syscall.Signal{
		"SIGHUP": syscall.SIGHUP, "SIGINT": syscall.SIGINT, "SIGQUIT": syscall.SIGQUIT,
		"SIGKILL": syscall.SIGKILL, "SIGUSR1": syscall.SIGUSR1, "SIGUSR2": syscall.SIGUSR2,
		"SIGPIPE": syscall.SIGPIPE, "SIGALRM": syscall.SIGALRM, "SIGTERM": syscall.SIGTERM,
		"SIGCHLD": syscall.SIGCHLD, "SIGCONT": syscall.SIGCONT, "SIGSTOP": syscall.SIGSTOP,
	}[name]
	if !ok {
		return 0, fmt.Errorf("unknown signal name %q", name)
	}
	return sig, nil
}

// categoryFor maps a collaborator error to one of spec.md §7's error
// categories. Collaborators return sentinel errors (service.ErrNotFound,
// service.ErrState, ...) rather than typed errors, so this is a direct
// string/sentinel match rather than a type switch.
func categoryFor(err error) string {
	switch err {
	case service.ErrNotFound:
		return "not-found"
	case service.ErrRunning, service.ErrState, failsafe.ErrFailsafeArmed:
		return "state"
	case service.ErrLimit, service.ErrVarsLimit, fdtable.ErrLimit:
		return "limit"
	case service.ErrInvalidName, failsafe.ErrWrongCode:
		return "invalid"
	default:
		return "io"
	}
}
