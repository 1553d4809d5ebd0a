package optreg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetRejectsBadValueWithoutTouchingOtherSlots(t *testing.T) {
	r := New()
	r.Declare("failsafe", Bool, "true")
	r.Declare("pool-size", Int, "0")

	if err := r.Set("pool-size", "not-a-number"); err == nil {
		t.Fatal("expected validation error")
	}
	if err := r.Set("failsafe", "false"); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.Get("failsafe"); got != "false" {
		t.Fatalf("failsafe = %q, want false", got)
	}
	if got, _ := r.Get("pool-size"); got != "0" {
		t.Fatalf("pool-size = %q, want unchanged default 0", got)
	}
}

func TestSetUnknownOptionReturnsError(t *testing.T) {
	r := New()
	if err := r.Set("nope", "x"); err != ErrUnknownOption {
		t.Fatalf("err = %v, want ErrUnknownOption", err)
	}
}

func TestEnumValidation(t *testing.T) {
	r := New()
	r.Declare("mode", Enum, "dynamic", "dynamic", "pool")
	if err := r.Set("mode", "bogus"); err == nil {
		t.Fatal("expected enum validation error")
	}
	if err := r.Set("mode", "pool"); err != nil {
		t.Fatal(err)
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	r := New()
	r.Declare("x", Int, "1")
	_ = r.Set("x", "5")
	r.Reset()
	if got, _ := r.Get("x"); got != "1" {
		t.Fatalf("x = %q, want reset to default 1", got)
	}
}

func TestPresetLinesDeterministicAndOrdered(t *testing.T) {
	p := &Preset{
		FD: map[string]PresetFD{
			"log": {Path: "/var/log/app.log", Flags: "append,create"},
		},
		Service: map[string]PresetService{
			"web": {Args: []string{"/usr/bin/app"}, FDs: []string{"null", "null", "log"}, Respawn: true, Start: true},
		},
	}
	lines := p.Lines()
	want := []string{
		"fd.open\tlog\tappend,create\t/var/log/app.log",
		"service.args\tweb\t/usr/bin/app",
		"service.fds\tweb\tnull\tnull\tlog",
		"service.opts\tweb\trespawn",
		"service.start\tweb",
	}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestReplayFileSkipsBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.lines")
	content := "# a comment\n\nservice.args\tweb\t/bin/true\n   \nservice.start\tweb\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var got []string
	err := ReplayFile(path, func(line string) error {
		got = append(got, line)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 non-blank/comment lines", got)
	}
}

func TestReplayFileStopsOnSinkError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.lines")
	if err := os.WriteFile(path, []byte("service.args\tweb\tbad\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := ReplayFile(path, func(line string) error {
		return os.ErrInvalid
	})
	if err == nil {
		t.Fatal("expected sink error to propagate")
	}
}
