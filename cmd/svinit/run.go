package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/svinit/svinit/internal/byterange"
	"github.com/svinit/svinit/internal/control"
	"github.com/svinit/svinit/internal/events"
	"github.com/svinit/svinit/internal/failsafe"
	"github.com/svinit/svinit/internal/fdtable"
	"github.com/svinit/svinit/internal/fixedtime"
	"github.com/svinit/svinit/internal/logging"
	"github.com/svinit/svinit/internal/mainloop"
	"github.com/svinit/svinit/internal/metrics"
	"github.com/svinit/svinit/internal/optreg"
	"github.com/svinit/svinit/internal/pool"
	"github.com/svinit/svinit/internal/service"
	"github.com/svinit/svinit/internal/sigcapture"
	"github.com/svinit/svinit/internal/version"
)

var runFlags struct {
	stdin           bool
	configPath      string
	socketPath      string
	socketTokenHash string
	presetPath      string
	servicePool     string
	fdPool          string
	controllerPool  string
	execOnExit      []string
	failsafeCode    string
	metricsAddr     string
	pidFile         string
	stateSnapshot   string
	logLevel        string
	logFormat       string
}

func init() {
	rootCmd.RunE = runDaemon
	flags := rootCmd.Flags()
	flags.BoolVar(&runFlags.stdin, "stdin", false, "attach stdin/stdout as a control endpoint")
	flags.StringVar(&runFlags.configPath, "config", "", "file of protocol lines replayed before the main loop starts")
	flags.StringVar(&runFlags.socketPath, "socket", "", "Unix socket path for additional controllers")
	flags.StringVar(&runFlags.socketTokenHash, "socket-token-hash", "", "bcrypt hash of the bearer token required on --socket connections")
	flags.StringVar(&runFlags.presetPath, "preset", "", "declarative TOML preset of initial services/fds, translated to --config-equivalent lines")
	flags.StringVar(&runFlags.servicePool, "service-pool", "", "N:BYTES -- preallocate the service table instead of growing it dynamically")
	flags.StringVar(&runFlags.fdPool, "fd-pool", "", "N:BYTES -- preallocate the fd table instead of growing it dynamically")
	flags.StringVar(&runFlags.controllerPool, "controller-pool", "", "N:BYTES -- preallocate controller endpoint slots instead of growing dynamically")
	flags.StringArrayVar(&runFlags.execOnExit, "exec-on-exit", nil, "argv to exec in place of exiting once shutdown completes; repeat per argument")
	flags.StringVar(&runFlags.failsafeCode, "failsafe", "", "arm failsafe at startup with this unlock code")
	flags.StringVar(&runFlags.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. 127.0.0.1:9100")
	flags.StringVar(&runFlags.pidFile, "pid-file", "", "write the supervisor's own PID here, atomically")
	flags.StringVar(&runFlags.stateSnapshot, "state-snapshot", "", "periodically write a plain-text state snapshot here, atomically")
	flags.StringVar(&runFlags.logLevel, "log-level", "info", "debug, info, warn, or error")
	flags.StringVar(&runFlags.logFormat, "log-format", "json", "json or text")
	rootCmd.Flags().Lookup("failsafe").NoOptDefVal = " "
}

// parsePoolSpec parses the "N:BYTES" flag grammar shared by the three
// --*-pool flags. An empty string means dynamic mode; n is the slot
// count, bytes is the advisory per-slot budget the caller may or may
// not use.
func parsePoolSpec(s string) (n, bytes int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, ":", 2)
	n, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pool spec %q: %w", s, err)
	}
	if len(parts) == 2 {
		bytes, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid pool spec %q: %w", s, err)
		}
	}
	return n, bytes, nil
}

// controllerPool gates how many controller endpoints may be attached at
// once when --controller-pool is set; each slot's byte budget becomes
// that endpoint's ring-buffer size. Arena[struct{}] holds no payload --
// it exists purely to track the fixed slot count without allocating
// past it, the module J discipline applied to module F.
type controllerPool struct {
	arena   *pool.Arena[struct{}]
	bufSize int
}

func newControllerPool(spec string) (*controllerPool, error) {
	n, bytes, err := parsePoolSpec(spec)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	if bytes <= 0 {
		bytes = control.DefaultBufferSize
	}
	return &controllerPool{arena: pool.NewArena[struct{}](n), bufSize: bytes}, nil
}

func (cp *controllerPool) bufSizeOr(def int) int {
	if cp == nil {
		return def
	}
	return cp.bufSize
}

// tryAlloc reserves a slot, returning false once the pool is exhausted;
// the caller then reports error\tlimit\t... rather than attaching.
func (cp *controllerPool) tryAlloc() bool {
	if cp == nil {
		return true
	}
	_, _, err := cp.arena.Alloc()
	return err == nil
}

// declareOptions lays out module H's fixed option set once at startup:
// one slot per scalar --flag, typed so a malformed value on one option
// (a bogus --log-level, say) is rejected on its own without touching
// any other slot. --exec-on-exit is a repeated argv, not a scalar
// option, so it stays a plain runFlags field outside the registry.
func declareOptions() *optreg.Registry {
	opts := optreg.New()
	opts.Declare("stdin", optreg.Bool, "false")
	opts.Declare("config", optreg.String, "")
	opts.Declare("socket", optreg.String, "")
	opts.Declare("socket-token-hash", optreg.String, "")
	opts.Declare("preset", optreg.String, "")
	opts.Declare("service-pool", optreg.String, "")
	opts.Declare("fd-pool", optreg.String, "")
	opts.Declare("controller-pool", optreg.String, "")
	opts.Declare("failsafe", optreg.String, "")
	opts.Declare("metrics-addr", optreg.String, "")
	opts.Declare("pid-file", optreg.String, "")
	opts.Declare("state-snapshot", optreg.String, "")
	opts.Declare("log-level", optreg.Enum, "info", "debug", "info", "warn", "error")
	opts.Declare("log-format", optreg.Enum, "json", "json", "text")
	return opts
}

// loadFlagsIntoOptions copies every parsed --flag into its registry
// slot, warning and keeping the slot's prior value on a rejected one
// instead of aborting startup -- the same per-option error isolation
// the control protocol's own dispatcher gives per-command errors.
func loadFlagsIntoOptions(opts *optreg.Registry) {
	set := func(name, value string) {
		if err := opts.Set(name, value); err != nil {
			fmt.Fprintf(os.Stderr, "option %s: %v, keeping default\n", name, err)
		}
	}
	set("stdin", strconv.FormatBool(runFlags.stdin))
	set("config", runFlags.configPath)
	set("socket", runFlags.socketPath)
	set("socket-token-hash", runFlags.socketTokenHash)
	set("preset", runFlags.presetPath)
	set("service-pool", runFlags.servicePool)
	set("fd-pool", runFlags.fdPool)
	set("controller-pool", runFlags.controllerPool)
	set("failsafe", runFlags.failsafeCode)
	set("metrics-addr", runFlags.metricsAddr)
	set("pid-file", runFlags.pidFile)
	set("state-snapshot", runFlags.stateSnapshot)
	set("log-level", runFlags.logLevel)
	set("log-format", runFlags.logFormat)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	opts := declareOptions()
	loadFlagsIntoOptions(opts)

	logLevel, _ := opts.Get("log-level")
	logFormat, _ := opts.Get("log-format")
	logger := logging.New(logging.LogConfig{Level: logLevel, Format: logFormat})
	bus := events.NewBus(logger)
	clock := fixedtime.NewClock()

	fds := fdtable.New(bus)
	svcs := service.New(bus, fds, clock)
	sig := sigcapture.New(clock)
	hub := control.NewHub(bus)
	// The parent end of a service's control.socket/control.cmd/
	// control.event socketpair becomes a controller endpoint named after
	// the service.
	svcs.ControlSocketHook = func(serviceName, fdName string, parentEnd int) {
		unix.CloseOnExec(parentEnd)
		_ = unix.SetNonblock(parentEnd, true)
		hub.Attach(serviceName, parentEnd, control.DefaultBufferSize)
	}

	pid1 := os.Getpid() == 1
	fs := failsafe.New(svcs, clock, pid1)
	if cmd.Flags().Changed("failsafe") {
		code, _ := opts.Get("failsafe")
		if err := fs.Arm(code); err != nil {
			return err
		}
	}
	if len(runFlags.execOnExit) > 0 {
		if err := fs.ExecOnExit(runFlags.execOnExit); err != nil {
			return err
		}
	}

	dispatcher := control.NewDispatcher(hub, svcs, fds, sig, fs)

	servicePool, _ := opts.Get("service-pool")
	if n, bytes, err := parsePoolSpec(servicePool); err != nil {
		return err
	} else if n > 0 {
		svcs.SetPoolLimits(n, bytes)
	}
	fdPool, _ := opts.Get("fd-pool")
	if n, _, err := parsePoolSpec(fdPool); err != nil {
		return err
	} else if n > 0 {
		fds.SetPoolLimits(n)
	}
	controllerPoolSpec, _ := opts.Get("controller-pool")
	ctlPool, err := newControllerPool(controllerPoolSpec)
	if err != nil {
		return err
	}

	metricsCollector := metrics.New()
	metricsCollector.Subscribe(bus)
	metricsCollector.SetBuildInfo(version.Version, version.GoVersion)
	metricsAddr, _ := opts.Get("metrics-addr")
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, metricsCollector, logger)
	}

	pidFile, _ := opts.Get("pid-file")
	if err := failsafe.WritePIDFile(pidFile, os.Getpid()); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	defer failsafe.RemovePIDFile(pidFile)

	configEp := hub.Attach("config", -1, control.DefaultBufferSize)
	replay := func(line string) error {
		dispatcher.Dispatch(configEp, byterange.String(line))
		return nil
	}
	presetPath, _ := opts.Get("preset")
	if presetPath != "" {
		preset, err := optreg.LoadPreset(presetPath)
		if err != nil {
			return err
		}
		for _, line := range preset.Lines() {
			if err := replay(line); err != nil {
				return err
			}
		}
	}
	configPath, _ := opts.Get("config")
	if configPath != "" {
		if err := optreg.ReplayFile(configPath, replay); err != nil {
			return err
		}
		watcher, err := optreg.NewWatcher(configPath, replay)
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	var listener *Listener
	socketPath, _ := opts.Get("socket")
	if socketPath != "" {
		socketTokenHash, _ := opts.Get("socket-token-hash")
		listener, err = newListener(socketPath, socketTokenHash)
		if err != nil {
			return fmt.Errorf("socket listener: %w", err)
		}
		defer listener.Close()
	}

	if opts.GetBool("stdin") {
		if term.IsTerminal(0) {
			fmt.Fprintln(os.Stderr, "controller attached via tty")
		}
		if ctlPool.tryAlloc() {
			hub.Attach("stdin", 0, ctlPool.bufSizeOr(control.DefaultBufferSize))
		} else {
			logger.Error("controller pool exhausted, refusing --stdin attach")
		}
	}

	sigPipe := make([]int, 2)
	if err := unix.Pipe2(sigPipe, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("signal bridge pipe: %w", err)
	}
	go func() {
		for range sig.WakeCh() {
			unix.Write(sigPipe[1], []byte{0})
		}
	}()

	loop := &mainloop.Loop{
		Services:   svcs,
		FDs:        fds,
		Signals:    sig,
		Dispatcher: dispatcher,
		Hub:        hub,
		Failsafe:   fs,
		Bus:        bus,
		Clock:      clock,
		Reap:       mainloop.UnixReaper(),
		IO:         mainloop.UnixIO(),
		ExitFunc:   os.Exit,
	}

	drainSigPipe := func() {
		var buf [64]byte
		for {
			n, err := unix.Read(sigPipe[0], buf[:])
			if n <= 0 || err != nil {
				return
			}
		}
	}

	for {
		if listener != nil {
			for _, c := range listener.Drain() {
				if ctlPool.tryAlloc() {
					hub.Attach(c.name, c.fd, ctlPool.bufSizeOr(control.DefaultBufferSize))
				} else {
					unix.Write(c.fd, []byte("error\tlimit\tcontroller pool exhausted\n"))
					unix.Close(c.fd)
				}
			}
		}

		timeout := loop.Step()

		if stateSnapshot, _ := opts.Get("state-snapshot"); stateSnapshot != "" {
			if err := failsafe.WriteStateSnapshot(stateSnapshot, statedumpLines(svcs, fds)); err != nil {
				logger.Warn("state snapshot write failed", "error", err)
			}
		}

		pollFds := []int{sigPipe[0]}
		for _, ep := range hub.Endpoints() {
			if ep.FD >= 0 && !ep.Closed() {
				pollFds = append(pollFds, ep.FD)
			}
		}
		ready, err := mainloop.Poll(pollFds, int(timeout/time.Millisecond))
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		for _, fd := range ready {
			if fd == sigPipe[0] {
				drainSigPipe()
			}
		}
	}
}

func serveMetrics(addr string, c *metrics.Collector, logger interface {
	Error(msg string, args ...any)
}) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener stopped", "error", err)
	}
}

// statedumpLines renders a minimal text snapshot for --state-snapshot;
// it deliberately mirrors the shape of the statedump protocol command's
// output rather than reusing it directly, since that handler writes to
// an Endpoint and this has no endpoint to write to.
func statedumpLines(svcs *service.Table, fds *fdtable.Table) []string {
	var lines []string
	for _, name := range svcs.Names() {
		svc, ok := svcs.Get(name)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("service.state\t%s\t%s", name, svc.State))
	}
	for _, name := range fds.Names() {
		e, ok := fds.Get(name)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("fd.state\t%s\t%s", name, e.Kind))
	}
	return lines
}
