package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sys/unix"
)

// acceptedConn is a fully-authenticated connection ready to be handed
// to the main loop as a control endpoint.
type acceptedConn struct {
	fd   int
	name string
}

// Listener accepts control-socket connections in a background goroutine
// and hands off only authenticated, non-blocking fds -- the main loop
// itself never blocks on accept(2) or a handshake read, preserving the
// single blocking poll invariant.
type Listener struct {
	path      string
	tokenHash string
	fd        int
	ready     chan acceptedConn
	closeOnce sync.Once
	closed    chan struct{}
}

// newListener binds and listens on a Unix socket at path. tokenHash, if
// non-empty, is a bcrypt hash checked against an "auth\tTOKEN" line sent
// by each connecting client before its fd is handed to the main loop.
func newListener(path, tokenHash string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %q: %w", path, err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %q: %w", path, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %q: %w", path, err)
	}
	l := &Listener{
		path:      path,
		tokenHash: tokenHash,
		fd:        fd,
		ready:     make(chan acceptedConn, 32),
		closed:    make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	n := 0
	for {
		connFD, _, err := unix.Accept(l.fd)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-l.closed:
				return
			default:
			}
			return
		}
		n++
		name := fmt.Sprintf("ctl%d", n)
		go l.handshake(connFD, name)
	}
}

// handshake authenticates a freshly-accepted connection, if a token
// hash is configured, then hands the fd to the main loop non-blocking.
// A bounded 5-second read window keeps a slow or silent client from
// pinning a goroutine forever.
func (l *Listener) handshake(fd int, name string) {
	// SetDeadline below only works through the runtime poller against a
	// non-blocking fd, so this is set once, up front, and stays in
	// effect for the main loop's own raw reads/writes afterward.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return
	}
	if l.tokenHash != "" {
		if !l.checkToken(fd) {
			unix.Write(fd, []byte("error\tauth\tbad token\n"))
			unix.Close(fd)
			return
		}
	}
	select {
	case l.ready <- acceptedConn{fd: fd, name: name}:
	case <-l.closed:
		unix.Close(fd)
	}
}

// checkToken wraps a dup of fd in an *os.File purely to get SetDeadline
// support for the bounded handshake read. Only the dup is closed (by
// the wrapper), so fd's lifetime stays owned by the caller, matching
// every other raw fd in this package.
func (l *Listener) checkToken(fd int) bool {
	dup, err := unix.Dup(fd)
	if err != nil {
		return false
	}
	f := os.NewFile(uintptr(dup), "ctl-handshake")
	defer f.Close()
	if err := f.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return false
	}
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, "\t", 2)
	if len(fields) != 2 || fields[0] != "auth" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(l.tokenHash), []byte(fields[1])) == nil
}

// Drain returns every connection accepted (and authenticated) since the
// last call, without blocking.
func (l *Listener) Drain() []acceptedConn {
	var out []acceptedConn
	for {
		select {
		case c := <-l.ready:
			out = append(out, c)
		default:
			return out
		}
	}
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	err := unix.Close(l.fd)
	os.Remove(l.path)
	return err
}
