package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// DefaultCallTimeout bounds a single RPC round trip unless the context
// carries an earlier deadline.
const DefaultCallTimeout = 30 * time.Second

const dialTimeout = 2 * time.Second

// ErrDaemonUnreachable wraps dial failures so callers can tell "daemon not
// running" apart from RPC-level errors.
var ErrDaemonUnreachable = errors.New("daemon unreachable")

// Client is a synchronous JSON-RPC client for the daemon socket. Calls are
// serialized; the CLI never needs pipelining.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration

	mu  sync.Mutex
	seq int64
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	return &Client{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, 64*1024),
		timeout: DefaultCallTimeout,
	}, nil
}

// SetTimeout replaces the per-call timeout. Zero restores the default.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		d = DefaultCallTimeout
	}
	c.timeout = d
}

func (c *Client) Close() error { return c.conn.Close() }

// Call sends one request and decodes the matching response into result when
// result is non-nil. Server-side failures come back as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	id := c.seq

	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	raw = append(raw, '\n')

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	if _, err := c.conn.Write(raw); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("%s: no response within %s", method, c.timeout)
			}
			return fmt.Errorf("read response: %w", err)
		}
		var resp struct {
			ID     json.RawMessage `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		var gotID int64
		if len(resp.ID) == 0 || json.Unmarshal(resp.ID, &gotID) != nil || gotID != id {
			// A response to a different request on a shared connection;
			// not ours, keep reading.
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	}
}
