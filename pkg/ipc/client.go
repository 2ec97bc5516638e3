package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/shortlinker/shortlinker/pkg/pidfile"
)

const (
	dialTimeout        = 250 * time.Millisecond
	defaultCallTimeout = 30 * time.Second
)

// Client talks to a running daemon over its control socket. It is not
// safe for concurrent use; the CLI issues one call at a time.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// TryConnect dials the control socket under dataDir. It returns
// (nil, nil) when no daemon is reachable, so callers can fall back to
// working on the database directly.
func TryConnect(dataDir string) (*Client, error) {
	path := SocketPath(dataDir)

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil //nolint:nilnil
		}

		return nil, fmt.Errorf("error checking the control socket: %w", err)
	}

	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		// Nothing is accepting. If the pid file says the daemon is
		// gone too, the socket is a leftover and can be removed.
		if !pidfile.Alive(dataDir) {
			os.Remove(path)
		}

		return nil, nil //nolint:nilnil
	}

	return &Client{conn: conn, timeout: defaultCallTimeout}, nil
}

// SetTimeout overrides the per-call deadline used when the context has
// none of its own.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}

	return time.Now().Add(c.timeout)
}

func (c *Client) send(ctx context.Context, op string, args any) (*Request, error) {
	req := &Request{ID: uuid.NewString(), Op: op}

	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("error encoding the arguments: %w", err)
		}

		req.Args = raw
	}

	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		return nil, fmt.Errorf("error setting the socket deadline: %w", err)
	}

	if err := writeFrame(c.conn, req); err != nil {
		return nil, fmt.Errorf("error writing the request: %w", err)
	}

	return req, nil
}

// Call performs one request and decodes the response payload into out,
// which may be nil. Response data is decoded even when the daemon also
// reports an error: an aborted import carries its row errors that way.
func (c *Client) Call(ctx context.Context, op string, args, out any) error {
	req, err := c.send(ctx, op, args)
	if err != nil {
		return err
	}

	var resp Response
	if err := readFrame(c.conn, &resp); err != nil {
		return fmt.Errorf("error reading the response: %w", err)
	}

	if resp.ID != req.ID {
		return fmt.Errorf("response %q does not match request %q", resp.ID, req.ID)
	}

	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("error decoding the response: %w", err)
		}
	}

	if resp.Error != nil {
		return resp.Error
	}

	if !resp.OK {
		return errors.New("daemon reported failure without detail")
	}

	if resp.More {
		return fmt.Errorf("unexpected streaming response for %q", op)
	}

	return nil
}

// Export streams the full link table and calls fn once per CSV record.
// The header row is not included.
func (c *Client) Export(ctx context.Context, fn func(record []string) error) error {
	req, err := c.send(ctx, OpLinkExport, nil)
	if err != nil {
		return err
	}

	for {
		var resp Response
		if err := readFrame(c.conn, &resp); err != nil {
			return fmt.Errorf("error reading the export stream: %w", err)
		}

		if resp.ID != req.ID {
			return fmt.Errorf("response %q does not match request %q", resp.ID, req.ID)
		}

		if resp.Error != nil {
			return resp.Error
		}

		if len(resp.Data) > 0 {
			var chunk ExportChunk
			if err := json.Unmarshal(resp.Data, &chunk); err != nil {
				return fmt.Errorf("error decoding an export chunk: %w", err)
			}

			for _, record := range chunk.Records {
				if err := fn(record); err != nil {
					return err
				}
			}
		}

		if !resp.More {
			return nil
		}
	}
}

// Ping checks that the daemon answers and reports what is running.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var res PingResult
	if err := c.Call(ctx, OpPing, nil, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// Shutdown asks the daemon to stop. The daemon acknowledges before it
// begins stopping, so a nil return means the request was accepted, not
// that the process has exited.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, OpShutdown, nil, nil)
}
