package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Client is a single lookup session against a lookupd server.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial connects to addr. timeout bounds each Lookup round trip; zero means none.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), timeout: timeout}, nil
}

// Lookup sends name and returns the server's reply without its newline.
func (c *Client) Lookup(name string) (string, error) {
	if strings.ContainsAny(name, "\r\n") {
		return "", fmt.Errorf("name %q contains a line break", name)
	}
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if _, err := c.conn.Write([]byte(name + "\n")); err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	reply, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimSuffix(reply, "\n"), nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close()
}
