package websocket

import (
	"context"
	"encoding/json"
	"time"
)

// Transport opens realtime connections. Implementations must not reconnect on
// their own; the Manager owns the reconnection policy.
type Transport interface {
	// Dial opens a connection and blocks until the handshake completed, failed
	// or ctx expired.
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}

// Conn is a single live transport connection.
type Conn interface {
	// Emit sends a named event with a JSON-encodable payload.
	Emit(event string, payload any) error
	// Connected reports whether the connection is still usable.
	Connected() bool
	// Close closes the connection. OnClose is not invoked for closes
	// initiated through Close.
	Close() error
}

// DialOptions configures a single Dial.
type DialOptions struct {
	// URL is the realtime server URL.
	URL string
	// UserID and Token are presented in the handshake.
	UserID string
	Token  string
	// Timeout is the handshake timeout; ctx carries the same deadline.
	Timeout time.Duration
	// Events lists the inbound event names to deliver to OnEvent.
	Events []string
	// OnEvent receives inbound events. Calls are sequential per connection.
	OnEvent func(event string, data json.RawMessage)
	// OnClose is called at most once when the connection drops on its own.
	OnClose func(reason string)
}

func (o DialOptions) wants(event string) bool {
	for _, e := range o.Events {
		if e == event {
			return true
		}
	}
	return false
}
