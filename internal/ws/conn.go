// Package ws owns live WebSocket connections: upgrade configuration,
// heartbeat, per-connection message rate limiting, the read loop, and the
// close-code semantics shared by the user and autopilot endpoints.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes in the custom 4000+ range.
const (
	CloseTokenExpired     = 4000
	CloseInvalidFrameType = 4001
	CloseInvalidJSON      = 4002
	CloseMissingField     = 4003
	CloseInvalidType      = 4004
	CloseInvalidValue     = 4005
)

// CloseError instructs the read loop to close the connection with a
// specific code. Message handlers return it for protocol violations.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", e.Code, e.Reason)
}

// MissingField reports a message without a required field (4003).
func MissingField(field string) *CloseError {
	return &CloseError{Code: CloseMissingField, Reason: "missing field " + field}
}

// InvalidType reports a field of the wrong JSON type (4004).
func InvalidType(field string) *CloseError {
	return &CloseError{Code: CloseInvalidType, Reason: "invalid type for field " + field}
}

// InvalidValue reports a well-typed field with an unacceptable value (4005).
func InvalidValue(field string) *CloseError {
	return &CloseError{Code: CloseInvalidValue, Reason: "invalid value for field " + field}
}

// Handler processes one decoded text message. Returning a *CloseError
// closes the connection with that code; any other error closes with
// normal closure after logging.
type Handler interface {
	HandleMessage(ctx context.Context, msg map[string]any) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg map[string]any) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg map[string]any) error {
	return f(ctx, msg)
}

// Options configures a connection from the server config.
type Options struct {
	Heartbeat       time.Duration
	MaxMessageBytes int64
	MessageLimit    int
	MessageInterval time.Duration
}

// Conn wraps a gorilla connection with heartbeat, a sliding-window message
// limiter, and serialized writes. One Conn lives under exactly one token
// in its session's connection map.
type Conn struct {
	ws     *websocket.Conn
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	hits      []time.Time
	closed    bool
	recvCode  int // close code received from the peer, 0 if none
	sentClose bool
}

// NewConn wraps an upgraded connection.
func NewConn(wsc *websocket.Conn, opts Options, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{ws: wsc, opts: opts, logger: logger}
}

// SendJSON writes v as a text frame. Safe for concurrent use.
func (c *Conn) SendJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

// CloseExpired force-closes the connection with the token-expired code.
// The sweeper calls this for connections whose token expired.
func (c *Conn) CloseExpired() error {
	return c.closeWith(CloseTokenExpired, "token expired")
}

// closeWith sends a close frame and tears down the underlying connection.
// The read loop wakes up with an error and runs its teardown.
func (c *Conn) closeWith(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.sentClose = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()

	if cerr := c.ws.Close(); err == nil {
		err = cerr
	}
	return err
}

// allowMessage charges one message against the per-connection limit.
func (c *Conn) allowMessage(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.hits[:0]
	for _, hit := range c.hits {
		if now.Before(hit.Add(c.opts.MessageInterval)) {
			kept = append(kept, hit)
		}
	}
	if len(kept) >= c.opts.MessageLimit {
		c.hits = kept
		return false
	}
	c.hits = append(kept, now)
	return true
}

// Serve runs the read loop until the connection closes, then calls detach
// exactly once. The loop enforces, in order: the message rate limit
// (policy violation 1008), text-frame-only (4001), JSON framing (4002),
// and the handler's own close errors (4003-4005).
func (c *Conn) Serve(ctx context.Context, h Handler, detach func()) {
	defer c.teardown(detach)

	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.opts.Heartbeat))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * c.opts.Heartbeat))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(pingDone)

	for {
		frameType, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.mu.Lock()
				c.recvCode = ce.Code
				c.mu.Unlock()
			}
			return
		}

		if !c.allowMessage(time.Now()) {
			_ = c.closeWith(websocket.ClosePolicyViolation, "message rate exceeded")
			return
		}
		if frameType != websocket.TextMessage {
			_ = c.closeWith(CloseInvalidFrameType, "text frames only")
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.closeWith(CloseInvalidJSON, "malformed JSON")
			return
		}

		if err := h.HandleMessage(ctx, msg); err != nil {
			var closeErr *CloseError
			if errors.As(err, &closeErr) {
				_ = c.closeWith(closeErr.Code, closeErr.Reason)
			} else {
				c.logger.Error("message handler failed", slog.String("error", err.Error()))
				_ = c.closeWith(websocket.CloseNormalClosure, "")
			}
			return
		}
	}
}

func (c *Conn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// teardown always runs when the read loop exits: detach from the session,
// echo the received close code (or normal closure), and log the result.
func (c *Conn) teardown(detach func()) {
	detach()

	c.mu.Lock()
	code := c.recvCode
	alreadyClosed := c.sentClose
	c.closed = true
	c.mu.Unlock()

	if !alreadyClosed {
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
		c.writeMu.Unlock()
	}

	if err := c.ws.Close(); err != nil {
		c.logger.Error("failed to close websocket", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("websocket closed", slog.Int("received_code", code))
}
