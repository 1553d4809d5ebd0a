package migrate

import (
	"strings"
)

// supportedProgramOptions lists the supervisord [program:x] options that
// have a direct svinit equivalent; everything else becomes a warning
// rather than a translated line, since svinit's protocol has no slot
// for it (no process groups, no priority-based ordering, no per-program
// user/directory/umask -- spec.md's Non-goals).
var supportedProgramOptions = map[string]bool{
	"command":                 true,
	"autostart":               true,
	"autorestart":             true,
	"startretries":            false, // no retry-count limit, only a retry delay
	"stopsignal":              false, // shutdown always sends SIGTERM, then SIGKILL
	"stdout_logfile":          true,
	"stderr_logfile":          true,
	"redirect_stderr":         true,
}

// NormalizeSignal normalizes a signal name to uppercase without a SIG
// prefix, used only for warning text (svinit's shutdown sequence is
// fixed: SIGTERM then SIGKILL, not per-service configurable).
func NormalizeSignal(sig string) string {
	sig = strings.TrimSpace(strings.ToUpper(sig))
	sig = strings.TrimPrefix(sig, "SIG")
	return sig
}
