package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/worker"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

// Client is the worker end of a coordinator connection.
type Client struct {
	conn  *Conn
	id    int
	count int
}

var _ worker.Link = (*Client)(nil)

// Dial connects to the coordinator's worker port and waits for the hello
// that assigns this worker its id.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", addr, err)
	}
	c, err := NewClient(NewConn(nc))
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewClient completes the hello exchange on an established connection.
func NewClient(conn *Conn) (*Client, error) {
	m, err := conn.Receive()
	if err != nil {
		return nil, fmt.Errorf("receive hello: %w", err)
	}
	if m.Kind != KindHello {
		return nil, fmt.Errorf("expected %s, got %s", KindHello, m.Kind)
	}
	return &Client{conn: conn, id: m.WorkerID, count: m.WorkerCount}, nil
}

// ID is the worker id assigned by the coordinator.
func (c *Client) ID() int { return c.id }

// Count is the pool size the coordinator reported at hello time.
func (c *Client) Count() int { return c.count }

// RequestTile sends a payload request and waits for the tile.
func (c *Client) RequestTile() (protocol.Job, error) {
	if err := c.conn.Send(Message{Kind: KindPayloadRequest, WorkerID: c.id}); err != nil {
		return protocol.Job{}, linkErr(err)
	}
	m, err := c.conn.Receive()
	if err != nil {
		return protocol.Job{}, linkErr(err)
	}
	if m.Kind != KindPayloadData || m.Job == nil {
		return protocol.Job{}, fmt.Errorf("expected %s, got %s", KindPayloadData, m.Kind)
	}
	return *m.Job, nil
}

// SendResult announces the result and sends it.
func (c *Client) SendResult(res protocol.Result) error {
	if err := c.conn.Send(Message{Kind: KindResponseRequest, WorkerID: c.id}); err != nil {
		return linkErr(err)
	}
	if err := c.conn.Send(Message{Kind: KindResponseData, WorkerID: c.id, Result: &res}); err != nil {
		return linkErr(err)
	}
	return nil
}

func (c *Client) Close() error { return c.conn.Close() }

// linkErr maps a closed connection onto worker.ErrLinkClosed so the worker
// loop exits cleanly.
func linkErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", worker.ErrLinkClosed, err)
	}
	return err
}
