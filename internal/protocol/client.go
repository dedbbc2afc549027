package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rover-control/rover/internal/command"
)

// Client sends commands over one persistent connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// Dial connects to a command server. timeout bounds each exchange.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, MaxLineLength),
		timeout: timeout,
	}, nil
}

// Send writes one command and waits for its reply.
func (c *Client) Send(ctx context.Context, cmd string) (command.Reply, error) {
	if strings.ContainsAny(cmd, "\r\n") {
		return command.Reply{}, fmt.Errorf("command must be a single line")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return command.Reply{}, fmt.Errorf("failed to send command: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return command.Reply{}, fmt.Errorf("failed to read reply: %w", err)
	}

	var reply command.Reply
	if err := json.Unmarshal(line, &reply); err != nil {
		return command.Reply{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	return reply, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
