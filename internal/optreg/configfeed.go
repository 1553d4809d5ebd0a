package optreg

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// LineSink receives one protocol line at a time, in file order. Wired
// to a Dispatcher.Dispatch-over-a-synthetic-endpoint in cmd/svinit; a
// plain function here keeps this package free of a control import.
type LineSink func(line string) error

// ReplayFile reads path line by line and calls sink for each line that
// is not blank and whose first non-space character is not '#' -- a
// --config file is nothing more than a canned transcript of what an
// interactive controller would have sent. Unlike module F's
// Endpoint.Feed, which ignores every line that begins with whitespace,
// it passes indented non-blank lines to sink unchanged.
func ReplayFile(path string, sink LineSink) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("optreg: cannot read config: %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if err := sink(line); err != nil {
			return fmt.Errorf("optreg: %s:%d: %w", path, lineNo, err)
		}
	}
	return scanner.Err()
}

// Watcher re-fires ReplayFile whenever the watched config file is
// written or created on disk: operators editing --config in place get a
// live reload without a new protocol verb. Grounded on axondata-go-runit's fsnotify-based
// directory watch, narrowed here to a single file.
type Watcher struct {
	path string
	sink LineSink
	fsw  *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
}

// NewWatcher starts watching path's containing directory (fsnotify
// does not reliably track a single renamed-over file, so the whole
// directory is watched and events are filtered to path, the same
// workaround axondata-go-runit's own watcher uses).
func NewWatcher(path string, sink LineSink) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("optreg: fsnotify: %w", err)
	}
	dir := dirOf(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("optreg: watch %s: %w", dir, err)
	}
	w := &Watcher{path: path, sink: sink, fsw: fsw, stop: make(chan struct{}), done: make(chan struct{})}
	go w.run()
	return w, nil
}

func dirOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "."
	}
	if i == 0 {
		return "/"
	}
	return path[:i]
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			_ = ReplayFile(w.path, w.sink)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Reload forces one immediate replay instead of waiting on a filesystem
// event. cmd/svinit does not call it; SIGHUP does not trigger a replay.
func (w *Watcher) Reload() error {
	return ReplayFile(w.path, w.sink)
}

// Stop releases the fsnotify watch.
func (w *Watcher) Stop() {
	close(w.stop)
	w.fsw.Close()
	<-w.done
}
