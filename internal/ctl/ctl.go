// Package ctl implements the CLI control client cmd/svinit uses to
// talk to a running svinit daemon. Adapted from the teacher's
// HTTP/JSON client down to what the line protocol actually needs: dial
// a byte stream, write one command line, stream back whatever replies
// arrive until the deadline, same "thin client over the daemon's own
// wire format" shape, generalized from HTTP+JSON framing to
// tab-separated lines terminated by '\n'.
package ctl

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// Client is a connection to a running svinit controller endpoint.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// DialUnix connects to a svinit daemon's control socket.
func DialUnix(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ctl: dial %s: %w", path, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn), timeout: 5 * time.Second}, nil
}

// SetTimeout overrides the default per-read timeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send writes one command line (fields joined by tabs).
func (c *Client) Send(fields ...string) error {
	line := strings.Join(fields, "\t") + "\n"
	_, err := c.conn.Write([]byte(line))
	return err
}

// ReadLine reads one reply line, blocking up to the configured
// timeout. A timed-out or closed connection surfaces as a plain error
// -- the caller decides whether that is fatal.
func (c *Client) ReadLine() (string, error) {
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Call sends one command and collects reply lines until timeout
// elapses or a line equal to until is seen (inclusive). Used for
// commands like statedump whose completion is signaled by a sentinel
// line rather than a fixed reply count.
func (c *Client) Call(until string, fields ...string) ([]string, error) {
	if err := c.Send(fields...); err != nil {
		return nil, err
	}
	var lines []string
	for {
		line, err := c.ReadLine()
		if err != nil {
			return lines, nil
		}
		lines = append(lines, line)
		if until != "" && line == until {
			return lines, nil
		}
	}
}
