package migrate

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrateValidSupervisordConf(t *testing.T) {
	input := `[supervisord]
logfile = /var/log/supervisord.log
loglevel = info

[program:web]
command = /usr/bin/python app.py
autostart = true
autorestart = unexpected
stdout_logfile = /var/log/web.log

[group:services]
programs = web,api
priority = 100
`
	result, err := MigrateReader(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	joined := strings.Join(result.Lines, "\n")
	if !strings.Contains(joined, "service.args\tweb\t/usr/bin/python\tapp.py") {
		t.Errorf("missing service.args line, got:\n%s", joined)
	}
	if !strings.Contains(joined, "fd.open\tweb.stdout\twrite,create,append\t/var/log/web.log") {
		t.Errorf("missing fd.open line, got:\n%s", joined)
	}
	if !strings.Contains(joined, "service.fds\tweb\tweb.stdout") {
		t.Errorf("missing service.fds line, got:\n%s", joined)
	}
	if !strings.Contains(joined, "service.opts\tweb\trespawn") {
		t.Errorf("missing respawn opt, got:\n%s", joined)
	}
	if !strings.Contains(joined, "service.start\tweb") {
		t.Errorf("missing service.start line, got:\n%s", joined)
	}

	var sawGroupWarning bool
	for _, w := range result.Warnings {
		if strings.Contains(w, "group:services") {
			sawGroupWarning = true
		}
	}
	if !sawGroupWarning {
		t.Errorf("expected a warning about the dropped group section, got: %v", result.Warnings)
	}
}

func TestMigrateUnsupportedOptions(t *testing.T) {
	input := `[program:web]
command = /usr/bin/python app.py
serverurl = AUTO
`
	result, err := MigrateReader(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "serverurl") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("warnings = %v, want mention of serverurl", result.Warnings)
	}
}

func TestMigrateNonexistentFile(t *testing.T) {
	_, err := Migrate("/nonexistent/supervisord.conf", Options{})
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
	if !strings.Contains(err.Error(), "file not found") {
		t.Errorf("error = %q, want 'file not found'", err.Error())
	}
}

func TestMigrateInvalidINI(t *testing.T) {
	input := `this is not valid ini at all`
	_, err := MigrateReader(strings.NewReader(input), Options{})
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "parse error") {
		t.Errorf("error = %q, want 'parse error'", err.Error())
	}
}

func TestMigrateOutputFileRefuse(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.lines")
	if err := os.WriteFile(existing, []byte("exists"), 0644); err != nil {
		t.Fatal(err)
	}

	result := &Result{Lines: []string{"service.start\tweb"}}
	opts := Options{Output: existing}

	err := WriteResult(result, opts, nil)
	if err == nil {
		t.Fatal("expected error for existing output file")
	}
	if !strings.Contains(err.Error(), "output file exists") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestMigrateOutputFileForce(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.lines")
	if err := os.WriteFile(existing, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	result := &Result{Lines: []string{"service.start\tweb"}}
	opts := Options{Output: existing, Force: true}

	err := WriteResult(result, opts, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, _ := os.ReadFile(existing)
	if string(data) != "service.start\tweb\n" {
		t.Errorf("file content = %q, want %q", string(data), "service.start\tweb\n")
	}
}

func TestMigrateDryRunPrintsToWriter(t *testing.T) {
	input := `[program:web]
command = /usr/bin/python app.py
`
	result, err := MigrateReader(strings.NewReader(input), Options{DryRun: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var buf bytes.Buffer
	opts := Options{Output: "/should/not/be/written.lines", DryRun: true}
	if err := WriteResult(result, opts, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if buf.Len() == 0 {
		t.Error("dry run should print lines to writer")
	}
	if !strings.Contains(buf.String(), "service.args\tweb") {
		t.Error("dry run output should contain the service.args line")
	}
}

func TestMigrateEnvironmentIsUnsupported(t *testing.T) {
	input := `[program:web]
command = /usr/bin/python app.py
environment = HOME="/app",PORT="8080"
`
	result, err := MigrateReader(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "environment") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a warning about unsupported environment option, got: %v", result.Warnings)
	}
}

func TestMigrateSignalWarningIncludesNormalizedName(t *testing.T) {
	input := `[program:web]
command = /usr/bin/python app.py
stopsignal = SIGTERM
`
	result, err := MigrateReader(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "stopsignal=TERM") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a stopsignal warning naming TERM, got: %v", result.Warnings)
	}
}

func TestMigrateIncludeSectionBecomesWarning(t *testing.T) {
	input := `[include]
files = /etc/supervisor/conf.d/*.conf

[program:web]
command = /usr/bin/web
`
	result, err := MigrateReader(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "include") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an include-section warning, got: %v", result.Warnings)
	}
}

func TestMigrateCommentsStrippedFromCommand(t *testing.T) {
	input := `[program:web]
command = /usr/bin/python app.py ; start the web server
`
	result, err := MigrateReader(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	joined := strings.Join(result.Lines, "\n")
	if strings.Contains(joined, "start the web server") {
		t.Error("inline comment should be stripped from value")
	}
	if !strings.Contains(joined, "service.args\tweb\t/usr/bin/python\tapp.py") {
		t.Errorf("lines should contain the clean command, got: %s", joined)
	}
}

func TestMigrateMissingCommandSkipsServiceButWarns(t *testing.T) {
	input := `[program:web]
autostart = true
`
	result, err := MigrateReader(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, line := range result.Lines {
		if strings.HasPrefix(line, "service.args") {
			t.Errorf("expected no service.args line without a command, got: %v", result.Lines)
		}
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a warning about the missing command")
	}
}

func TestMigrateAutostartFalseSkipsStartLine(t *testing.T) {
	input := `[program:web]
command = /usr/bin/web
autostart = false
`
	result, err := MigrateReader(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, line := range result.Lines {
		if strings.HasPrefix(line, "service.start") {
			t.Errorf("expected no service.start line when autostart=false, got: %v", result.Lines)
		}
	}
}
