// Package wstest provides an in-memory realtime transport for tests.
package wstest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/bhandras/marketchat/internal/websocket"
)

// Emitted is one event written by the client.
type Emitted struct {
	Event   string
	Payload json.RawMessage
}

// Transport is a websocket.Transport whose connections live in memory.
type Transport struct {
	mu       sync.Mutex
	failNext int
	failErr  error
	block    bool
	dials    []websocket.DialOptions
	conns    []*Conn
}

var _ websocket.Transport = (*Transport)(nil)

// NewTransport returns a transport whose dials succeed.
func NewTransport() *Transport {
	return &Transport{}
}

// FailNext makes the next n dials fail with err.
func (t *Transport) FailNext(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		err = errors.New("dial refused")
	}
	t.failNext = n
	t.failErr = err
}

// Block makes dials wait for their context to expire.
func (t *Transport) Block(block bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.block = block
}

// Dial implements websocket.Transport.
func (t *Transport) Dial(ctx context.Context, opts websocket.DialOptions) (websocket.Conn, error) {
	t.mu.Lock()
	t.dials = append(t.dials, opts)
	block := t.block
	var err error
	if t.failNext > 0 {
		t.failNext--
		err = t.failErr
	}
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	c := &Conn{opts: opts, connected: true}
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

// Dials returns the options of every dial so far.
func (t *Transport) Dials() []websocket.DialOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]websocket.DialOptions(nil), t.dials...)
}

// DialCount returns the number of dials so far.
func (t *Transport) DialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

// Conns returns every connection opened so far.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

// Last returns the most recent connection, or nil.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Conn is an in-memory connection.
type Conn struct {
	opts websocket.DialOptions

	mu        sync.Mutex
	connected bool
	closed    bool
	emitted   []Emitted
	emitErr   error
}

var _ websocket.Conn = (*Conn)(nil)

// Emit implements websocket.Conn.
func (c *Conn) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("connection closed")
	}
	if c.emitErr != nil {
		return c.emitErr
	}
	c.emitted = append(c.emitted, Emitted{Event: event, Payload: raw})
	return nil
}

// Connected implements websocket.Conn.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close implements websocket.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.closed = true
	return nil
}

// Closed reports whether the client closed the connection.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailEmits makes subsequent emits fail with err (nil restores success).
func (c *Conn) FailEmits(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitErr = err
}

// Options returns the options the connection was dialed with.
func (c *Conn) Options() websocket.DialOptions {
	return c.opts
}

// Push delivers a server event to the client.
func (c *Conn) Push(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	c.opts.OnEvent(event, raw)
}

// Drop simulates the server closing the connection.
func (c *Conn) Drop(reason string) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()
	c.opts.OnClose(reason)
}

// Emitted returns every event written by the client.
func (c *Conn) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emitted(nil), c.emitted...)
}

// EmittedNamed returns the events written by the client with a given name.
func (c *Conn) EmittedNamed(event string) []Emitted {
	var out []Emitted
	for _, e := range c.Emitted() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
