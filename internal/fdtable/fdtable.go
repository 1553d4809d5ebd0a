// Package fdtable implements the named file-descriptor registry of
// spec.md module D: a process-wide map from name to descriptor that
// services inherit at fork/exec. Kinds are pipe-read, pipe-write, file,
// special, and unknown. The four specials (null, stdin, stdout, stderr)
// always exist and are never closed by the table; null is reopened if
// its descriptor goes bad, while stdin/stdout/stderr are not reopened.
package fdtable

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/svinit/svinit/internal/events"
	"golang.org/x/sys/unix"
)

// Kind classifies a named descriptor.
type Kind int

const (
	KindUnknown Kind = iota
	KindPipeRead
	KindPipeWrite
	KindFile
	KindSpecial
)

func (k Kind) String() string {
	switch k {
	case KindPipeRead:
		return "pipe-read"
	case KindPipeWrite:
		return "pipe-write"
	case KindFile:
		return "file"
	case KindSpecial:
		return "special"
	default:
		return "unknown"
	}
}

// NameMax bounds a name's length, matching NAME_BUF_SIZE-1 in the
// original implementation.
const NameMax = 63

// Entry is one named descriptor.
type Entry struct {
	Name     string
	Kind     Kind
	FD       int
	PeerName string // pipe-read/pipe-write: the other end's name
	Path     string // file: the path it was opened from
	Flags    OpenFlags
	special  bool
}

// OpenFlags is the parsed form of fd.open's comma-separated flag list:
// read,write,append,create,mkdir,nonblock,sync,trunc.
type OpenFlags struct {
	Read, Write, Append, Create, Mkdir, Nonblock, Sync, Trunc bool
}

// ParseOpenFlags parses the comma-separated flag grammar from spec.md
// §4.D. Unknown tokens are an error; partial success is not allowed,
// since the whole flag set determines a single open(2) call.
func ParseOpenFlags(s string) (OpenFlags, error) {
	var f OpenFlags
	if s == "" {
		return f, nil
	}
	for _, tok := range strings.Split(s, ",") {
		switch tok {
		case "read":
			f.Read = true
		case "write":
			f.Write = true
		case "append":
			f.Append = true
		case "create":
			f.Create = true
		case "mkdir":
			f.Mkdir = true
		case "nonblock":
			f.Nonblock = true
		case "sync":
			f.Sync = true
		case "trunc":
			f.Trunc = true
		default:
			return OpenFlags{}, fmt.Errorf("unknown open flag %q", tok)
		}
	}
	return f, nil
}

func (f OpenFlags) osFlags() int {
	flags := 0
	switch {
	case f.Read && f.Write:
		flags |= os.O_RDWR
	case f.Write:
		flags |= os.O_WRONLY
	default:
		flags |= os.O_RDONLY
	}
	if f.Append {
		flags |= os.O_APPEND
	}
	if f.Create {
		flags |= os.O_CREATE
	}
	if f.Trunc {
		flags |= os.O_TRUNC
	}
	if f.Sync {
		flags |= os.O_SYNC
	}
	return flags
}

// Table is the named-fd registry.
type Table struct {
	mu         sync.Mutex
	byName     map[string]*Entry
	bus        *events.Bus
	specGen    specialGenerator // overridable for tests
	maxEntries int              // 0 = unbounded; the four specials never count against this
}

// ErrLimit is returned by Pipe/Open when pool mode's entry-count cap is
// reached -- an ordinary protocol "limit" error, never an allocation
// failure (spec.md module J).
var ErrLimit = fmt.Errorf("fdtable: pool exhausted")

// SetPoolLimits configures pool mode: maxEntries caps the number of
// non-special names the table will hold (0 = unbounded), selected by
// cmd/svinit's --fd-pool flag.
func (t *Table) SetPoolLimits(maxEntries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxEntries = maxEntries
}

// nonSpecialCountLocked returns how many registered names are not one
// of the four specials. Caller holds t.mu.
func (t *Table) nonSpecialCountLocked() int {
	n := 0
	for _, e := range t.byName {
		if !e.special {
			n++
		}
	}
	return n
}

// atLimitLocked reports whether creating newNames distinct new
// (not-already-present) names would exceed maxEntries. Caller holds
// t.mu.
func (t *Table) atLimitLocked(newNames ...string) bool {
	if t.maxEntries <= 0 {
		return false
	}
	added := 0
	for _, n := range newNames {
		if _, exists := t.byName[n]; !exists {
			added++
		}
	}
	return t.nonSpecialCountLocked()+added > t.maxEntries
}

type specialGenerator interface {
	openNull() (int, error)
}

type realSpecialGenerator struct{}

func (realSpecialGenerator) openNull() (int, error) {
	// A raw descriptor, not an *os.File: the table owns it, and an
	// unreferenced os.File would close it from its finalizer.
	fd, err := unix.Open(os.DevNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// New creates a Table with the four specials populated: null is opened
// from /dev/null; stdin/stdout/stderr alias fds 0/1/2.
func New(bus *events.Bus) *Table {
	t := &Table{byName: make(map[string]*Entry), bus: bus, specGen: realSpecialGenerator{}}
	t.initSpecials()
	return t
}

func (t *Table) initSpecials() {
	nullFD, err := t.specGen.openNull()
	if err != nil {
		nullFD = -1
	}
	t.byName["null"] = &Entry{Name: "null", Kind: KindSpecial, FD: nullFD, special: true}
	t.byName["stdin"] = &Entry{Name: "stdin", Kind: KindSpecial, FD: 0, special: true}
	t.byName["stdout"] = &Entry{Name: "stdout", Kind: KindSpecial, FD: 1, special: true}
	t.byName["stderr"] = &Entry{Name: "stderr", Kind: KindSpecial, FD: 2, special: true}
}

// HealSpecials reopens "null" if its descriptor has gone bad, so a
// service launch can never fail to plumb it. Called once per main-loop
// turn by module G.
func (t *Table) HealSpecials() {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.byName["null"]
	if n.FD >= 0 {
		if _, err := unix.FcntlInt(uintptr(n.FD), unix.F_GETFD, 0); err == nil {
			return
		}
	}
	if fd, err := t.specGen.openNull(); err == nil {
		n.FD = fd
	}
}

// Get returns the entry registered under name.
func (t *Table) Get(name string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byName[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func validName(name string) bool {
	if name == "" || len(name) > NameMax {
		return false
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

// Pipe creates a pipe and stores its two ends under names r (read end)
// and w (write end), atomically: both names are created together, or
// neither is. Any prior non-special entries under those names are
// replaced and their descriptors closed. Emits two fd.state events.
func (t *Table) Pipe(r, w string) error {
	if !validName(r) || !validName(w) {
		return fmt.Errorf("invalid fd name")
	}
	t.mu.Lock()
	if t.atLimitLocked(r, w) {
		t.mu.Unlock()
		return ErrLimit
	}
	t.mu.Unlock()

	var pair [2]int
	if err := pipe2Impl(&pair); err != nil {
		return err
	}

	t.mu.Lock()
	t.replaceLocked(r, &Entry{Name: r, Kind: KindPipeRead, FD: pair[0], PeerName: w})
	t.replaceLocked(w, &Entry{Name: w, Kind: KindPipeWrite, FD: pair[1], PeerName: r})
	t.mu.Unlock()

	t.emitState(r)
	t.emitState(w)
	return nil
}

func pipe2Impl(pair *[2]int) error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return err
	}
	pair[0], pair[1] = fds[0], fds[1]
	return nil
}

// Open opens path with the given flags and stores it under name. On
// failure the name is not created/modified.
func (t *Table) Open(name string, flags OpenFlags, path string) error {
	if !validName(name) {
		return fmt.Errorf("invalid fd name")
	}
	t.mu.Lock()
	atLimit := t.atLimitLocked(name)
	t.mu.Unlock()
	if atLimit {
		return ErrLimit
	}
	if flags.Mkdir {
		if err := os.MkdirAll(parentDir(path), 0755); err != nil {
			return err
		}
	}
	fd, err := unix.Open(path, flags.osFlags()|unix.O_CLOEXEC, 0644)
	if err != nil {
		return &os.PathError{Op: "open", Path: path, Err: err}
	}
	if flags.Nonblock {
		_ = unix.SetNonblock(fd, true)
	}

	t.mu.Lock()
	t.replaceLocked(name, &Entry{Name: name, Kind: KindFile, FD: fd, Path: path, Flags: flags})
	t.mu.Unlock()

	t.emitState(name)
	return nil
}

func parentDir(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "."
	}
	return path[:i]
}

// replaceLocked closes and removes any prior non-special entry under
// name before installing next. Caller holds t.mu.
func (t *Table) replaceLocked(name string, next *Entry) {
	if old, ok := t.byName[name]; ok && !old.special && old.FD >= 0 {
		unix.Close(old.FD)
	}
	t.byName[name] = next
}

// Delete closes and removes name, refusing specials.
func (t *Table) Delete(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byName[name]
	if !ok {
		return fmt.Errorf("fd %q does not exist", name)
	}
	if e.special {
		return fmt.Errorf("cannot delete special fd %q", name)
	}
	if e.FD >= 0 {
		unix.Close(e.FD)
	}
	delete(t.byName, name)
	return nil
}

// Names returns every registered name in sorted order, for statedump.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.byName))
	for n := range t.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (t *Table) emitState(name string) {
	if t.bus == nil {
		return
	}
	e, ok := t.Get(name)
	if !ok {
		return
	}
	fields := []string{e.Name, e.Kind.String()}
	switch e.Kind {
	case KindPipeRead, KindPipeWrite:
		fields = append(fields, e.PeerName)
	case KindFile:
		fields = append(fields, e.Path)
	}
	t.bus.Publish(events.Event{Type: events.FDState, Fields: fields})
}
