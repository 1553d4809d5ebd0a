package migrate

import (
	"strings"
	"testing"
)

func TestMigrateWithUnixHTTPServerBecomesWarning(t *testing.T) {
	input := `[unix_http_server]
file = /var/run/supervisor.sock
chmod = 0700
chown = nobody:nogroup

[supervisord]
logfile = /var/log/supervisord.log

[program:web]
command = /usr/bin/python -m http.server
`
	r := strings.NewReader(input)
	result, err := MigrateReader(r, Options{})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "unix_http_server") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a dropped-section warning for unix_http_server, got: %v", result.Warnings)
	}
}

func TestMigrateWithInetHTTPServerBecomesWarning(t *testing.T) {
	input := `[inet_http_server]
port = 127.0.0.1:9001
username = admin
password = secret123

[program:api]
command = /usr/bin/api-server
`
	r := strings.NewReader(input)
	result, err := MigrateReader(r, Options{})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "inet_http_server") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a dropped-section warning for inet_http_server, got: %v", result.Warnings)
	}

	joined := strings.Join(result.Lines, "\n")
	if !strings.Contains(joined, "service.args\tapi\t/usr/bin/api-server") {
		t.Fatalf("expected api service.args line, got:\n%s", joined)
	}
}

func TestMigrateFileNotFound(t *testing.T) {
	_, err := Migrate("/nonexistent/supervisord.conf", Options{})
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
	if !strings.Contains(err.Error(), "file not found") {
		t.Fatalf("error = %q, want 'file not found'", err)
	}
}

func TestMigrateUnsupportedSectionType(t *testing.T) {
	input := `[supervisord]
logfile = /var/log/supervisord.log

[rpcinterface:supervisor]
supervisor.rpcinterface_factory = supervisor.rpcinterface:make_main_rpcinterface

[program:web]
command = /usr/bin/web
`
	r := strings.NewReader(input)
	result, err := MigrateReader(r, Options{})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "unknown section type") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unknown-section-type warning, got: %v", result.Warnings)
	}
}

func TestMigrateWithBothServerSectionsBothWarn(t *testing.T) {
	input := `[unix_http_server]
file = /tmp/supervisor.sock

[inet_http_server]
port = 0.0.0.0:9001

[program:app]
command = /usr/bin/app
`
	r := strings.NewReader(input)
	result, err := MigrateReader(r, Options{})
	if err != nil {
		t.Fatal(err)
	}

	var sawUnix, sawInet bool
	for _, w := range result.Warnings {
		if strings.Contains(w, "unix_http_server") {
			sawUnix = true
		}
		if strings.Contains(w, "inet_http_server") {
			sawInet = true
		}
	}
	if !sawUnix || !sawInet {
		t.Fatalf("expected warnings for both server sections, got: %v", result.Warnings)
	}
}

func TestMigrateWithGroupSectionBecomesWarning(t *testing.T) {
	input := `[program:web1]
command = /usr/bin/web1

[program:web2]
command = /usr/bin/web2

[group:webapps]
programs = web1,web2
priority = 100
`
	r := strings.NewReader(input)
	result, err := MigrateReader(r, Options{})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "group:webapps") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected group:webapps warning, got: %v", result.Warnings)
	}

	joined := strings.Join(result.Lines, "\n")
	if !strings.Contains(joined, "service.start\tweb1") || !strings.Contains(joined, "service.start\tweb2") {
		t.Fatalf("expected both services to still start, got:\n%s", joined)
	}
}

func TestMigrateStdoutAndStderrBothLoggedWithoutRedirect(t *testing.T) {
	input := `[program:web]
command = /usr/bin/web
stdout_logfile = /var/log/web.out
stderr_logfile = /var/log/web.err
`
	r := strings.NewReader(input)
	result, err := MigrateReader(r, Options{})
	if err != nil {
		t.Fatal(err)
	}

	joined := strings.Join(result.Lines, "\n")
	if !strings.Contains(joined, "fd.open\tweb.stdout\twrite,create,append\t/var/log/web.out") {
		t.Fatalf("expected stdout fd.open line, got:\n%s", joined)
	}
	if !strings.Contains(joined, "fd.open\tweb.stderr\twrite,create,append\t/var/log/web.err") {
		t.Fatalf("expected stderr fd.open line, got:\n%s", joined)
	}
	if !strings.Contains(joined, "service.fds\tweb\tweb.stdout\tweb.stderr") {
		t.Fatalf("expected service.fds line naming both fds, got:\n%s", joined)
	}
}

func TestMigrateRedirectStderrDropsSeparateStderrFd(t *testing.T) {
	input := `[program:web]
command = /usr/bin/web
stdout_logfile = /var/log/web.out
stderr_logfile = /var/log/web.err
redirect_stderr = true
`
	r := strings.NewReader(input)
	result, err := MigrateReader(r, Options{})
	if err != nil {
		t.Fatal(err)
	}

	joined := strings.Join(result.Lines, "\n")
	if strings.Contains(joined, "web.stderr") {
		t.Fatalf("expected no separate stderr fd when redirect_stderr=true, got:\n%s", joined)
	}
}
