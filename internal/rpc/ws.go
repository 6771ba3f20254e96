package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient implements Client over a single websocket connection. Requests are
// multiplexed by JSON-RPC id and answered by a background read loop.
type WSClient struct {
	methods

	url    string
	conn   *websocket.Conn
	nextID atomic.Uint64
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *JSONRPCResponse
	closed  bool
	readErr error

	done chan struct{}
}

var _ Client = (*WSClient)(nil)

// DialWS opens a websocket connection to cfg.URL.
func DialWS(ctx context.Context, cfg ClientConfig) (*WSClient, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.Timeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 5 * time.Second
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", cfg.URL, err)
	}

	c := &WSClient{
		url:     cfg.URL,
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan *JSONRPCResponse),
		done:    make(chan struct{}),
	}
	c.methods = methods{call: c.Call, preferPendingNonce: cfg.PreferPendingNonce}

	go c.readLoop()
	return c, nil
}

// URL returns the endpoint URL.
func (c *WSClient) URL() string {
	return c.url
}

// Call sends a JSON-RPC request and waits for the matching response.
func (c *WSClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	id := c.nextID.Add(1)
	respCh := make(chan *JSONRPCResponse, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErrLocked()
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("websocket write: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.closeErrLocked()
		c.mu.Unlock()
		return nil, err
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	}
}

func (c *WSClient) readLoop() {
	defer close(c.done)

	for {
		var resp JSONRPCResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			if !c.closed {
				c.readErr = err
				c.closed = true
			}
			c.mu.Unlock()
			c.logger.Debug("websocket read loop stopped",
				slog.String("url", c.url),
				slog.String("error", err.Error()),
			)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *WSClient) closeErrLocked() error {
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

// Close closes the connection and fails all pending calls.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed && c.readErr == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}
