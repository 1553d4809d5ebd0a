// Package migrate converts a supervisord.conf INI file into svinit
// control-protocol lines. The INI parser is unchanged from the
// teacher's Kahi-TOML migrator; only the output side is new, since
// svinit has no declarative config file of its own to target -- the
// protocol lines this package emits are meant to be fed to ReplayFile
// or piped straight into a running daemon's control socket.
package migrate

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Result holds the output of a migration run.
type Result struct {
	Lines     []string // generated protocol lines, one per command
	Warnings  []string // non-fatal warnings (unsupported options, sections)
	ParseErrs []string // errors from INI parsing
}

// Options configures migration behavior.
type Options struct {
	Output string // write to file instead of stdout (empty = stdout)
	Force  bool   // overwrite existing output file
	DryRun bool   // preview only, no file write
}

// Migrate reads a supervisord.conf and produces svinit protocol lines.
func Migrate(inputPath string, opts Options) (*Result, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", inputPath)
	}
	defer f.Close()

	return MigrateReader(f, opts)
}

// MigrateReader converts a supervisord.conf from a reader to svinit
// protocol lines.
func MigrateReader(r io.Reader, opts Options) (*Result, error) {
	ini, err := ParseINI(r)
	if err != nil {
		return &Result{ParseErrs: []string{err.Error()}}, err
	}

	result := &Result{Warnings: append([]string(nil), ini.Warnings...)}
	generateLines(ini, result)
	return result, nil
}

// WriteResult writes migration output to the configured destination,
// one protocol line per line of the file.
func WriteResult(result *Result, opts Options, w io.Writer) error {
	content := strings.Join(result.Lines, "\n")
	if len(result.Lines) > 0 {
		content += "\n"
	}

	if opts.Output != "" && !opts.DryRun {
		if !opts.Force {
			if _, err := os.Stat(opts.Output); err == nil {
				return fmt.Errorf("output file exists: %s (use --force)", opts.Output)
			}
		}
		if err := os.WriteFile(opts.Output, []byte(content), 0644); err != nil {
			return fmt.Errorf("cannot write output: %w", err)
		}
		return nil
	}

	_, err := fmt.Fprint(w, content)
	return err
}

// generateLines walks the parsed INI sections and appends protocol
// lines to result.Lines in a deterministic order: fd.open lines and
// service declarations before any service.start, sections sorted by
// name so the same input always produces the same output.
func generateLines(ini *INIFile, result *Result) {
	var programSections []INISection
	var other []INISection

	for _, sec := range ini.Sections {
		switch sec.Type {
		case "program":
			programSections = append(programSections, sec)
		case "supervisord":
			// no global daemon-tuning section in the protocol; the
			// equivalent knobs (pool sizes, socket path) are
			// command-line flags on cmd/svinit, not config lines.
			result.Warnings = append(result.Warnings,
				"[supervisord] has no protocol equivalent; pass pool sizes via cmd/svinit flags instead")
		case "group", "include", "unix_http_server", "inet_http_server", "eventlistener", "fcgi-program":
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("[%s:%s] has no svinit equivalent and was dropped", sec.Type, sec.Name))
		default:
			other = append(other, sec)
		}
	}

	sort.Slice(programSections, func(i, j int) bool {
		return programSections[i].Name < programSections[j].Name
	})

	var startLines []string
	for _, sec := range programSections {
		startLine := writeProgramLines(sec, result)
		if startLine != "" {
			startLines = append(startLines, startLine)
		}
	}
	result.Lines = append(result.Lines, startLines...)

	for _, sec := range other {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("unknown section type: %s", sec.Type))
	}
}

// writeProgramLines appends the fd.open/service.args/service.fds/
// service.opts lines for one [program:x] section and returns the
// service.start line to defer until every service is declared
// (spec.md's service.start requires the service already exist).
func writeProgramLines(sec INISection, result *Result) string {
	name := sec.Name
	keys := sortedKeys(sec.Options)

	if _, ok := sec.Options["command"]; !ok {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("program:%s: no command, skipping", name))
		return ""
	}

	var stdoutFD, stderrFD string
	for _, key := range keys {
		value := sec.Options[key]
		switch key {
		case "command":
			args := splitCommand(value)
			if len(args) == 0 {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("program:%s: empty command, skipping", name))
				continue
			}
			result.Lines = append(result.Lines, "service.args\t"+name+"\t"+strings.Join(args, "\t"))
		case "stdout_logfile":
			fdName := name + ".stdout"
			if appendFdOpen(result, fdName, value) {
				stdoutFD = fdName
			}
		case "stderr_logfile":
			if b, err := ParseBool(sec.Options["redirect_stderr"]); err == nil && b {
				continue // no separate stderr fd when redirect_stderr is set
			}
			fdName := name + ".stderr"
			if appendFdOpen(result, fdName, value) {
				stderrFD = fdName
			}
		case "autorestart":
			opt, warn := autorestartOpt(value)
			if opt != "" {
				result.Lines = append(result.Lines, "service.opts\t"+name+"\t"+opt)
			}
			if warn != "" {
				result.Warnings = append(result.Warnings, fmt.Sprintf("program:%s: %s", name, warn))
			}
		case "redirect_stderr", "autostart":
			// handled separately: redirect_stderr above, autostart below
		case "stopsignal":
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("program:%s: stopsignal=%s ignored, shutdown always sends TERM then KILL", name, NormalizeSignal(value)))
		default:
			if !supportedProgramOptions[key] {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("program:%s: unsupported option %q", name, key))
			}
		}
	}

	var fdNames []string
	for _, n := range []string{stdoutFD, stderrFD} {
		if n != "" {
			fdNames = append(fdNames, n)
		}
	}
	if len(fdNames) > 0 {
		result.Lines = append(result.Lines, "service.fds\t"+name+"\t"+strings.Join(fdNames, "\t"))
	}

	autostart := true
	if raw, ok := sec.Options["autostart"]; ok {
		if b, err := ParseBool(raw); err == nil {
			autostart = b
		}
	}
	if !autostart {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("program:%s: autostart=false, no service.start line emitted", name))
		return ""
	}
	return "service.start\t" + name
}

// appendFdOpen emits a fd.open line for a supervisord logfile path,
// returning false (and recording a warning) for the sentinel paths
// supervisord treats specially (/dev/stdout, NONE, AUTO) since those
// have no file to open.
func appendFdOpen(result *Result, fdName, path string) bool {
	switch path {
	case "", "NONE", "AUTO", "/dev/stdout", "/dev/stderr":
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%s: logfile %q has no svinit file equivalent, skipped", fdName, path))
		return false
	}
	result.Lines = append(result.Lines, "fd.open\t"+fdName+"\twrite,create,append\t"+path)
	return true
}

// autorestartOpt maps supervisord's three-state autorestart
// (true/false/unexpected) onto svinit's boolean respawn option.
// "unexpected" (restart only on non-zero exit) has no equivalent --
// svinit's auto_restart is unconditional -- so it is approximated as
// respawn with a warning.
func autorestartOpt(value string) (opt, warn string) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true":
		return "respawn", ""
	case "false":
		return "", ""
	case "unexpected":
		return "respawn", "autorestart=unexpected approximated as unconditional respawn"
	default:
		return "", fmt.Sprintf("unrecognized autorestart value %q", value)
	}
}

// splitCommand does a minimal shell-word split: whitespace-separated,
// with single/double quoted segments kept intact. supervisord commands
// are rarely more complex than this; anything needing a real shell
// should keep using `/bin/sh -c '...'` as its command verbatim.
func splitCommand(cmd string) []string {
	var args []string
	var cur strings.Builder
	var quote rune
	flush := func() {
		if cur.Len() > 0 {
			args = append(args, cur.String())
			cur.Reset()
		}
	}
	for _, r := range cmd {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
