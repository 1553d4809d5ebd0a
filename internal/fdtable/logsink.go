package fdtable

import (
	"bufio"
	"fmt"
	"os"

	"github.com/svinit/svinit/internal/logging"
	"golang.org/x/sys/unix"
)

// LogSinkConfig configures a managed log destination created by
// OpenLogSink: a named fd a service can write its stdout/stderr to,
// backed by the teacher's rotation/strip-ansi/syslog machinery instead
// of a bare file. This is the supplemented-feature answer to
// spec.md's deliberately minimal fd model, which otherwise only knows
// "pipe" and "plain file" -- daemontools-family supervisors
// conventionally expect a dedicated logging service on the other end
// of a pipe, and LogSinkConfig is that service, run in-process instead
// of as a separate exec'd program.
type LogSinkConfig struct {
	Logfile   string
	MaxBytes  string
	Backups   int
	StripAnsi bool
	Syslog    bool
	SyslogTag string
}

// OpenLogSink creates a pipe, registers its write end under name (the
// fd a service's fd list references), and pumps everything written to
// it through a logging.CaptureWriter on an internal goroutine. The
// pipe's read end is never registered under a name of its own -- it is
// owned entirely by the pump goroutine, closed when the sink is
// deleted.
func (t *Table) OpenLogSink(name string, cfg LogSinkConfig) error {
	if !validName(name) {
		return fmt.Errorf("invalid fd name")
	}
	var pair [2]int
	if err := pipe2Impl(&pair); err != nil {
		return err
	}
	readFD, writeFD := pair[0], pair[1]

	cw, err := logging.NewCaptureWriter(logging.CaptureConfig{
		ProcessName: name,
		Logfile:     cfg.Logfile,
		StripAnsi:   cfg.StripAnsi,
		MaxBytes:    cfg.MaxBytes,
		Backups:     cfg.Backups,
	})
	if err != nil {
		unix.Close(readFD)
		unix.Close(writeFD)
		return err
	}
	if cfg.Syslog {
		fwd, ferr := logging.NewSyslogForwarder(cfg.SyslogTag)
		if ferr == nil {
			cw.AddHandler(func(_ string, data []byte) { _, _ = fwd.Write(data) })
		}
	}

	t.mu.Lock()
	t.replaceLocked(name, &Entry{Name: name, Kind: KindPipeWrite, FD: writeFD})
	t.mu.Unlock()
	t.emitState(name)

	go pumpLogSink(readFD, cw)
	return nil
}

// pumpLogSink is the in-process equivalent of a dedicated logging
// child: it reads lines from the pipe's read end and feeds them to the
// capture writer until the write end is closed (EOF).
func pumpLogSink(readFD int, cw *logging.CaptureWriter) {
	defer cw.Close()
	f := os.NewFile(uintptr(readFD), "logsink")
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		_, _ = cw.Write(append(scanner.Bytes(), '\n'))
	}
}
