package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/bhandras/marketchat/pkg/logger"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 1 << 20
)

// envelope is the frame format of the plain WebSocket transport.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WebSocketTransport dials plain WebSocket servers that exchange
// {"event": ..., "data": ...} JSON frames. The user id and token travel as
// query parameters because browsers cannot set handshake headers.
type WebSocketTransport struct {
	// Path is appended to the dial URL when the URL has no path.
	Path string
	// Header is sent with the upgrade request.
	Header http.Header
	// Dialer overrides the default dialer.
	Dialer *gws.Dialer
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport returns a plain WebSocket transport using path.
func NewWebSocketTransport(path string) *WebSocketTransport {
	return &WebSocketTransport{Path: path}
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, opts DialOptions) (Conn, error) {
	target, err := t.dialURL(opts)
	if err != nil {
		return nil, err
	}

	dialer := t.Dialer
	if dialer == nil {
		d := *gws.DefaultDialer
		d.HandshakeTimeout = opts.Timeout
		dialer = &d
	}

	ws, resp, err := dialer.DialContext(ctx, target, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	ws.SetReadLimit(wsMaxMessageSize)

	c := &wsConn{ws: ws, connected: true}
	go c.readLoop(opts)
	return c, nil
}

func (t *WebSocketTransport) dialURL(opts DialOptions) (string, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url %q: %w", opts.URL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	if (u.Path == "" || u.Path == "/") && t.Path != "" {
		u.Path = "/" + strings.TrimPrefix(t.Path, "/")
	}
	q := u.Query()
	q.Set("userId", opts.UserID)
	if opts.Token != "" {
		q.Set("token", opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsConn struct {
	ws *gws.Conn

	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (c *wsConn) readLoop(opts DialOptions) {
	reason := "transport close"
	defer func() {
		if c.markDropped() && opts.OnClose != nil {
			opts.OnClose(reason)
		}
	}()

	for {
		var frame envelope
		if err := c.ws.ReadJSON(&frame); err != nil {
			var ce *gws.CloseError
			if errors.As(err, &ce) {
				reason = fmt.Sprintf("server close %d: %s", ce.Code, ce.Text)
			} else {
				reason = err.Error()
			}
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseNormalClosure) {
				logger.Debugf("websocket: read error: %v", err)
			}
			return
		}
		if frame.Event == "" {
			logger.Tracef("websocket: ignoring frame without event name")
			continue
		}
		if !opts.wants(frame.Event) || opts.OnEvent == nil {
			continue
		}
		opts.OnEvent(frame.Event, frame.Data)
	}
}

func (c *wsConn) markDropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return !c.closed
}

// Emit implements Conn.
func (c *wsConn) Emit(event string, payload any) error {
	if !c.Connected() {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(gws.TextMessage, frame)
}

// Connected implements Conn.
func (c *wsConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close implements Conn.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		gws.CloseMessage,
		gws.FormatCloseMessage(gws.CloseNormalClosure, "client disconnect"),
		time.Now().Add(wsWriteWait),
	)
	c.writeMu.Unlock()
	return c.ws.Close()
}
