// Package wsclient provides a reconnecting WebSocket client for dashboard
// consumers of the relay.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openstreamrotator/osrweb/pkg/protocol"
)

// State describes the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TerminalCloseError is returned by Run when the server closed the connection
// with a code in the reserved non-retryable range. Retrying would only repeat
// the same rejection.
type TerminalCloseError struct {
	Code   int
	Reason string
}

func (e *TerminalCloseError) Error() string {
	return fmt.Sprintf("terminal close %d: %s", e.Code, e.Reason)
}

// FrameHandler processes frames received from the relay.
type FrameHandler func(frame protocol.Frame)

// Options tunes the client's dial and retry behavior.
type Options struct {
	HandshakeTimeout time.Duration // default 10s
	BackoffBase      time.Duration // first retry delay; default 1s
	BackoffMax       time.Duration // delay cap; default 30s
	Header           http.Header   // extra headers sent on dial
}

// Client maintains a WebSocket connection to the relay, reconnecting with
// exponential backoff until the context is canceled or the server closes the
// connection with a terminal code.
type Client struct {
	url     string
	handler FrameHandler
	logger  *slog.Logger
	opts    Options

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
}

// New creates a client for the given WebSocket URL. The handler runs on the
// read goroutine, one frame at a time.
func New(url string, handler FrameHandler, logger *slog.Logger, opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &Client{
		url:     url,
		handler: handler,
		logger:  logger.With("component", "wsclient"),
		opts:    opts,
		state:   StateIdle,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run connects and processes frames until ctx is canceled or the server
// rejects the connection with a terminal close code. Each successful open
// resets the backoff delay.
func (c *Client) Run(ctx context.Context) error {
	delay := c.opts.BackoffBase

	for {
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return ctx.Err()
		default:
		}

		opened, err := c.connectOnce(ctx)
		if err != nil {
			var terminal *TerminalCloseError
			if errors.As(err, &terminal) {
				c.setState(StateClosed)
				c.logger.Warn("server closed connection permanently",
					"code", terminal.Code, "reason", terminal.Reason)
				return err
			}
			c.logger.Warn("connection failed", "error", err)
		}
		if opened {
			delay = c.opts.BackoffBase
		}

		c.logger.Info("reconnecting", "delay", delay)
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.opts.BackoffMax {
			delay = c.opts.BackoffMax
		}
	}
}

// connectOnce reports whether the handshake completed, plus the error that
// ended the connection.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.logger.Info("connected", "url", c.url)

	for {
		select {
		case <-ctx.Done():
			// Send can run concurrently; the close write must hold the
			// same lock as every other write to conn.
			c.mu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			c.mu.Unlock()
			return true, ctx.Err()
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && protocol.TerminalClose(closeErr.Code) {
				return true, &TerminalCloseError{Code: closeErr.Code, Reason: closeErr.Text}
			}
			return true, fmt.Errorf("read frame: %w", err)
		}

		var frame protocol.Frame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type == "" {
			c.logger.Warn("invalid frame from relay", "error", err)
			continue
		}

		c.handler(frame)
	}
}

// Send writes a frame to the relay. It fails when no connection is open.
func (c *Client) Send(frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendCommand is a convenience wrapper that sends a command frame.
func (c *Client) SendCommand(cmd protocol.Command) error {
	frame, err := protocol.NewFrame(protocol.TypeCommand, cmd)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Close tears down the current connection, if any. Run will attempt to
// reconnect unless its context is canceled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
