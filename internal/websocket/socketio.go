package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/bhandras/marketchat/pkg/logger"
)

// SocketIOTransport dials Socket.IO servers.
type SocketIOTransport struct {
	// Path is the Socket.IO handshake path (e.g. "/socket.io/").
	Path string
}

var _ Transport = (*SocketIOTransport)(nil)

// NewSocketIOTransport returns a Socket.IO transport using path.
func NewSocketIOTransport(path string) *SocketIOTransport {
	return &SocketIOTransport{Path: path}
}

// Dial implements Transport.
func (t *SocketIOTransport) Dial(ctx context.Context, opts DialOptions) (Conn, error) {
	o := socket.DefaultOptions()
	if t.Path != "" {
		o.SetPath(t.Path)
	}
	o.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	// Reconnection is driven by the Manager so every transport shares the
	// same backoff and re-authentication behavior.
	o.SetReconnection(false)
	if opts.Timeout > 0 {
		o.SetTimeout(opts.Timeout)
	}
	o.SetAuth(map[string]any{
		"userId": opts.UserID,
		"token":  opts.Token,
	})

	sock, err := socket.Connect(opts.URL, o)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &socketIOConn{sock: sock}
	ready := make(chan error, 1)
	signal := func(err error) {
		select {
		case ready <- err:
		default:
		}
	}

	sock.On(types.EventName("connect"), func(args ...any) {
		c.setConnected(true)
		logger.Debugf("socket.io: connected, id=%s", sock.Id())
		signal(nil)
	})

	sock.On(types.EventName("connect_error"), func(args ...any) {
		signal(fmt.Errorf("connect error: %v", firstArg(args)))
	})

	sock.On(types.EventName("disconnect"), func(args ...any) {
		reason := ""
		if r, ok := firstArg(args).(string); ok {
			reason = r
		}
		if c.markDropped() && opts.OnClose != nil {
			opts.OnClose(reason)
		}
	})

	for _, name := range opts.Events {
		event := name
		sock.On(types.EventName(event), func(args ...any) {
			if opts.OnEvent == nil {
				return
			}
			var data json.RawMessage
			if len(args) > 0 && args[0] != nil {
				raw, err := json.Marshal(args[0])
				if err != nil {
					logger.Warnf("socket.io: dropping %s with unencodable payload: %v", event, err)
					return
				}
				data = raw
			}
			opts.OnEvent(event, data)
		})
	}

	select {
	case err := <-ready:
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

type socketIOConn struct {
	sock *socket.Socket

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (c *socketIOConn) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.connected = v
	}
}

// markDropped reports whether this disconnect was not requested by Close.
func (c *socketIOConn) markDropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return !c.closed
}

// Emit implements Conn.
func (c *socketIOConn) Emit(event string, payload any) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("not connected")
	}
	// Socket.IO serializes maps natively; round-trip through JSON so struct
	// tags decide the wire shape.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("encode %s: payload must be an object: %w", event, err)
	}
	c.sock.Emit(event, data)
	return nil
}

// Connected implements Conn.
func (c *socketIOConn) Connected() bool {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	return connected && c.sock.Connected()
}

// Close implements Conn.
func (c *socketIOConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	c.sock.Disconnect()
	return nil
}

func firstArg(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}
