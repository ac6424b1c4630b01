// Package worker is the RPC client for the agent worker process running
// inside each container. Calls are request/response with an explicit
// correlation id and a caller-supplied timeout; a timed-out call returns a
// typed timeout error without tearing down the socket.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/IITvamp/cmux/internal/errdefs"
	"github.com/IITvamp/cmux/internal/logging"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second

	// Timeout tiers for callers.
	ProbeTimeout = 5 * time.Second
	GitTimeout   = 10 * time.Second
	DiffTimeout  = 20 * time.Second
	CloneTimeout = 60 * time.Second
)

// Client is a websocket RPC connection to one in-container worker.
type Client struct {
	url string
	log zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan response
	closed  bool

	onDisconnect func(error)
	done         chan struct{}
}

// Dial connects to the worker at hostPort (e.g. "localhost:39001").
// onDisconnect, when non-nil, fires once when the socket drops.
func Dial(ctx context.Context, hostPort string, onDisconnect func(error)) (*Client, error) {
	url := fmt.Sprintf("ws://%s/socket", hostPort)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", url, err)
	}

	c := &Client{
		url:          url,
		log:          logging.WithComponent("worker-rpc"),
		conn:         conn,
		pending:      make(map[string]chan response),
		onDisconnect: onDisconnect,
		done:         make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))

	go c.readPump()
	go c.pingLoop()

	return c, nil
}

// Connected reports whether the socket is still up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close tears down the socket and fails all in-flight calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	close(c.done)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return conn.Close()
}

func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.Warn().Err(err).Msg("unparseable worker message")
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
			close(ch)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn, closed := c.conn, c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		}
	}
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !wasClosed {
		c.log.Debug().Err(err).Msg("worker socket closed")
		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}
	}
}

// call sends one request and waits for its correlated response. On timeout
// the pending slot is abandoned (a late reply is dropped by the read pump)
// and a typed timeout error is returned; the socket stays up.
func (c *Client) call(ctx context.Context, event string, payload any, timeout time.Duration, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req := request{ID: uuid.NewString(), Event: event, Payload: data}

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errdefs.NotFound("worker socket closed")
	}
	c.pending[req.ID] = ch
	conn := c.conn
	c.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return fmt.Errorf("write %s: %w", event, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.abandon(req.ID)
		return ctx.Err()
	case <-timer.C:
		c.abandon(req.ID)
		return errdefs.Timeout("%s after %s", event, timeout)
	case resp, ok := <-ch:
		if !ok {
			return errdefs.NotFound("worker socket closed")
		}
		if !resp.OK {
			return errdefs.Upstream(nil, "worker %s: %s", event, resp.Error)
		}
		if out != nil && len(resp.Payload) > 0 {
			return json.Unmarshal(resp.Payload, out)
		}
		return nil
	}
}

func (c *Client) abandon(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Exec runs a command inside the container. A timeout collapses to an
// ExecResult carrying the timeout error so capture pipelines can continue.
func (c *Client) Exec(ctx context.Context, req ExecRequest, timeout time.Duration) (ExecResult, error) {
	var result ExecResult
	err := c.call(ctx, EventExec, req, timeout, &result)
	return result, err
}

// ConfigureGit sends the one-shot git/credential configuration.
func (c *Client) ConfigureGit(ctx context.Context, req GitConfigRequest) error {
	return c.call(ctx, EventConfigureGit, req, GitTimeout, nil)
}

// ProbeLiveness checks the worker's HTTP liveness endpoint once.
func ProbeLiveness(ctx context.Context, hostPort string) bool {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/health", hostPort), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
