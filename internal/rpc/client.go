package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// Client issues pipelined calls over one connection and matches
// out-of-order responses by correlation id.
type Client struct {
	nc      net.Conn
	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
}

// Dial connects and upgrades to websocket. The API key authenticates the
// whole connection; individual calls carry no credentials.
func Dial(ctx context.Context, url, apiKey string) (*Client, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP{"X-API-Key": []string{apiKey}},
	}
	nc, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc endpoint: %w", err)
	}
	return NewClient(nc), nil
}

// NewClient wraps an established websocket connection (client side of
// the handshake) and starts its receive loop.
func NewClient(nc net.Conn) *Client {
	c := &Client{
		nc:      nc,
		pending: make(map[string]chan Response),
	}
	go c.readLoop()
	return c
}

// Call sends one request and blocks for its response or ctx expiry.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, ch, err := c.Send(method, params, "")
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, id, ch)
}

// Send issues a request without waiting, returning the assigned id and
// the channel its response will arrive on. Pass a prior id as after to
// chain the call behind that request server-side.
func (c *Client) Send(method string, params any, after string) (string, chan Response, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", nil, fmt.Errorf("encode params: %w", err)
	}
	id := fmt.Sprintf("c-%d", c.seq.Add(1))
	req := Request{ID: id, Method: method, After: after, Params: data}
	frame, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("encode request: %w", err)
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", nil, render.NewError(render.CodeConnectionClosed, "connection closed", nil)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.nc, ws.OpText, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return "", nil, render.NewError(render.CodeConnectionClosed, "write request", err)
	}
	return id, ch, nil
}

// Wait blocks for the response to a previously sent request. A timeout
// abandons only this call; the connection stays usable.
func (c *Client) Wait(ctx context.Context, id string, ch chan Response) (json.RawMessage, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, render.NewError(render.CodeConnectionClosed, "connection closed", nil)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// readLoop routes responses to their waiters; on connection loss all
// in-flight calls fail together.
func (c *Client) readLoop() {
	for {
		data, op, err := wsutil.ReadServerData(c.nc)
		if err != nil {
			c.failAll()
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Close tears the connection down. In-flight calls fail with
// CONNECTION_CLOSED.
func (c *Client) Close() error {
	return c.nc.Close()
}
