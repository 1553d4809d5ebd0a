package fdtable

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/svinit/svinit/internal/events"
)

func TestSpecialsAlwaysExist(t *testing.T) {
	tbl := New(events.NewBus(nil))
	for _, name := range []string{"null", "stdin", "stdout", "stderr"} {
		e, ok := tbl.Get(name)
		if !ok {
			t.Fatalf("special %q missing", name)
		}
		if e.Kind != KindSpecial {
			t.Fatalf("special %q kind = %v, want KindSpecial", name, e.Kind)
		}
	}
}

func TestSetPoolLimitsRejectsBeyondCap(t *testing.T) {
	tbl := New(events.NewBus(nil))
	tbl.SetPoolLimits(1)
	if err := tbl.Open("one", OpenFlags{Write: true, Create: true}, filepath.Join(t.TempDir(), "one")); err != nil {
		t.Fatalf("first open under cap: %v", err)
	}
	if err := tbl.Open("two", OpenFlags{Write: true, Create: true}, filepath.Join(t.TempDir(), "two")); err != ErrLimit {
		t.Fatalf("second open over cap: got %v, want ErrLimit", err)
	}
}

func TestSetPoolLimitsIgnoresSpecials(t *testing.T) {
	tbl := New(events.NewBus(nil))
	// Cap covers only the pipe's own two new names; the four
	// preexisting specials must not eat into that budget.
	tbl.SetPoolLimits(2)
	if err := tbl.Pipe("r", "w"); err != nil {
		t.Fatalf("pipe under cap with specials preexisting: %v", err)
	}
}

func TestSetPoolLimitsAllowsReplacingExistingName(t *testing.T) {
	tbl := New(events.NewBus(nil))
	tbl.SetPoolLimits(1)
	path := filepath.Join(t.TempDir(), "one")
	if err := tbl.Open("one", OpenFlags{Write: true, Create: true}, path); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := tbl.Open("one", OpenFlags{Write: true, Create: true, Trunc: true}, path); err != nil {
		t.Fatalf("reopening same name should not count as growth: %v", err)
	}
}

func TestSetPoolLimitsZeroIsUnbounded(t *testing.T) {
	tbl := New(events.NewBus(nil))
	tbl.SetPoolLimits(0)
	for i := 0; i < 5; i++ {
		name := filepath.Join(t.TempDir(), "f")
		if err := tbl.Open(strings.Repeat("x", i+1), OpenFlags{Write: true, Create: true}, name); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
}

func TestCannotDeleteSpecial(t *testing.T) {
	tbl := New(events.NewBus(nil))
	if err := tbl.Delete("null"); err == nil {
		t.Fatal("expected error deleting special fd")
	}
}

func TestPipeCreatesBothEndsAndEmitsEvents(t *testing.T) {
	bus := events.NewBus(nil)
	var seen []events.Event
	bus.Subscribe(events.FDState, func(e events.Event) { seen = append(seen, e) })

	tbl := New(bus)
	if err := tbl.Pipe("r", "w"); err != nil {
		t.Fatal(err)
	}

	r, ok := tbl.Get("r")
	if !ok || r.Kind != KindPipeRead || r.PeerName != "w" {
		t.Fatalf("r entry = %+v ok=%v", r, ok)
	}
	w, ok := tbl.Get("w")
	if !ok || w.Kind != KindPipeWrite || w.PeerName != "r" {
		t.Fatalf("w entry = %+v ok=%v", w, ok)
	}
	if len(seen) != 2 {
		t.Fatalf("got %d fd.state events, want 2", len(seen))
	}
}

func TestPipeIdempotentShape(t *testing.T) {
	tbl := New(events.NewBus(nil))
	if err := tbl.Pipe("r", "w"); err != nil {
		t.Fatal(err)
	}
	first, _ := tbl.Get("r")
	if err := tbl.Pipe("r", "w"); err != nil {
		t.Fatal(err)
	}
	second, _ := tbl.Get("r")
	if first.Kind != second.Kind || first.PeerName != second.PeerName {
		t.Fatalf("shape differs across idempotent Pipe calls: %+v vs %+v", first, second)
	}
}

func TestOpenFailureDoesNotCreateName(t *testing.T) {
	tbl := New(events.NewBus(nil))
	err := tbl.Open("f", OpenFlags{Read: true}, "/nonexistent/path/that/does/not/exist")
	if err == nil {
		t.Fatal("expected open failure")
	}
	if _, ok := tbl.Get("f"); ok {
		t.Fatal("fd name should not exist after failed open")
	}
}

func TestOpenCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")
	tbl := New(events.NewBus(nil))
	flags, err := ParseOpenFlags("write,create,trunc")
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Open("log", flags, path); err != nil {
		t.Fatal(err)
	}
	e, ok := tbl.Get("log")
	if !ok || e.Kind != KindFile || e.Path != path {
		t.Fatalf("entry = %+v ok=%v", e, ok)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}
}

func TestParseOpenFlagsRejectsUnknown(t *testing.T) {
	if _, err := ParseOpenFlags("bogus"); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestNamesSorted(t *testing.T) {
	tbl := New(events.NewBus(nil))
	if err := tbl.Pipe("zzz", "aaa"); err != nil {
		t.Fatal(err)
	}
	names := tbl.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("Names() not sorted: %v", names)
		}
	}
}
