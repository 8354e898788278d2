package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bhandras/marketchat/internal/clock"
	"github.com/bhandras/marketchat/pkg/logger"
	"github.com/google/uuid"
)

const (
	defaultDialTimeout       = 20 * time.Second
	defaultDeliveryQueueSize = 256
)

// Options configures a Manager.
type Options struct {
	// URL is the realtime server URL.
	URL string
	// Backoff is the reconnection policy.
	Backoff Backoff
	// DisableReconnection turns automatic reconnection off entirely.
	DisableReconnection bool
	// DialTimeout bounds each handshake.
	DialTimeout time.Duration
	// QueueOffline keeps sends made while disconnected in the outbox and
	// flushes them after the next successful connect.
	QueueOffline bool
	// OutboxLimit caps pending outbox entries. Zero means unlimited.
	OutboxLimit int
	// OutboxMaxAttempts marks an entry failed after this many failed emits.
	OutboxMaxAttempts int
	// Cache supplies a fallback identity.
	Cache IdentityCache
	// Clock stamps outbound messages. Defaults to the wall clock.
	Clock clock.Clock
}

// Manager owns a single realtime connection: it authenticates it, reconnects
// it with bounded backoff and fans inbound events out to listeners.
//
// A Manager is safe for concurrent use. Listeners are invoked on one delivery
// goroutine in publish order.
type Manager struct {
	transport Transport
	opts      Options
	backoff   Backoff
	clock     clock.Clock
	registry  *registry
	delivery  *dispatcher
	outbox    *Outbox

	rand      func() float64
	afterFunc func(time.Duration, func()) *time.Timer

	mu       sync.Mutex
	status   Status
	identity Identity
	conn     Conn
	// epoch invalidates callbacks, timers and dials that belong to an older
	// connection attempt. It changes on Connect, Disconnect and every dial.
	epoch          uint64
	attempt        int
	reconnectDelay time.Duration
	timer          *time.Timer
	// reconnectPending is set from scheduling until the timer fires.
	reconnectPending bool
	dialCancel       context.CancelFunc
}

// NewManager creates a Manager that dials through transport.
func NewManager(transport Transport, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	backoff := opts.Backoff.normalized()
	m := &Manager{
		transport:      transport,
		opts:           opts,
		backoff:        backoff,
		clock:          opts.Clock,
		registry:       newRegistry(),
		delivery:       newDispatcher(defaultDeliveryQueueSize),
		rand:           rand.Float64,
		afterFunc:      time.AfterFunc,
		status:         StatusNotInitialized,
		reconnectDelay: backoff.Initial,
	}
	m.outbox = NewOutbox(opts.OutboxLimit, opts.OutboxMaxAttempts, opts.Clock.Now)
	return m
}

// Connect (re)opens the realtime connection for a user.
//
// An empty userID is resolved from the token or the identity cache. Any
// existing connection is torn down first. Connect does not block; the outcome
// is published as EventConnection and failures as EventError.
func (m *Manager) Connect(userID, token string) {
	id := ResolveIdentity(userID, token, m.opts.Cache)
	if id.Source == IdentityAnonymous {
		logger.Warnf("realtime: %s, connecting as %s", id.anonymousReason(), id.UserID)
	}

	m.mu.Lock()
	old := m.teardownLocked()
	m.identity = id
	m.status = StatusConnecting
	m.attempt = 0
	m.reconnectDelay = m.backoff.Initial
	epoch := m.epoch
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	logger.Infof("realtime: connecting to %s as %s (%s)", m.opts.URL, id.UserID, id.Source)
	go m.dial(epoch)
}

// Disconnect closes the connection, cancels pending reconnects, fails queued
// outbound messages and removes every listener. It is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	prev := m.status
	conn := m.teardownLocked()
	m.status = StatusNotInitialized
	m.identity = Identity{}
	m.attempt = 0
	m.reconnectDelay = m.backoff.Initial
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if prev != StatusNotInitialized {
		logger.Infof("realtime: disconnected by client")
		m.publish(EventConnection, mustJSON(ConnectionPayload{
			Status: StatusDisconnected,
			Reason: "client disconnect",
		}))
		if n := m.outbox.failPending("disconnected by client"); n > 0 {
			logger.Warnf("realtime: %d queued message(s) not sent", n)
		}
	}
	m.registry.clear()
}

// Close disconnects and stops listener delivery. It must not be called from
// a listener.
func (m *Manager) Close() {
	m.Disconnect()
	m.delivery.close()
}

// teardownLocked invalidates the current epoch and detaches the connection.
// The caller closes the returned connection outside the lock.
func (m *Manager) teardownLocked() Conn {
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.reconnectPending = false
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

// dial performs one connection attempt for the given epoch.
func (m *Manager) dial(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.epoch++
	cur := m.epoch
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	m.dialCancel = cancel
	id := m.identity
	m.mu.Unlock()

	conn, err := m.transport.Dial(ctx, DialOptions{
		URL:     m.opts.URL,
		UserID:  id.UserID,
		Token:   id.Token,
		Timeout: m.opts.DialTimeout,
		Events:  inboundWireNames(),
		OnEvent: func(event string, data json.RawMessage) {
			m.handleInbound(cur, event, data)
		},
		OnClose: func(reason string) {
			m.handleClose(cur, reason)
		},
	})
	cancel()

	m.mu.Lock()
	if cur != m.epoch {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel = nil
	if err == nil && !conn.Connected() {
		err = errors.New("connection closed during handshake")
	}
	if err != nil {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("handshake timeout after %s: %w", m.opts.DialTimeout, err)
		}
		m.reportError(fmt.Errorf("connect: %w", err))
		m.scheduleReconnect(cur, err.Error())
		return
	}
	m.conn = conn
	m.status = StatusConnected
	m.attempt = 0
	m.reconnectDelay = m.backoff.Initial
	m.mu.Unlock()

	logger.Infof("realtime: connected as %s", id.UserID)
	m.publish(EventConnection, mustJSON(ConnectionPayload{Status: StatusConnected}))

	// The server treats every physical connection as unauthenticated, so
	// the handshake is repeated after each (re)connect.
	if err := conn.Emit(wireAuthenticate, authPayload{UserID: id.UserID, Token: id.Token}); err != nil {
		m.reportError(fmt.Errorf("authenticate: %w", err))
	}
	m.flushOutbox(cur, conn)
}

// scheduleReconnect arms the reconnect timer for the next attempt or gives up
// once the attempt cap is exhausted.
func (m *Manager) scheduleReconnect(epoch uint64, reason string) {
	m.mu.Lock()
	if epoch != m.epoch || m.reconnectPending {
		m.mu.Unlock()
		return
	}
	if m.opts.DisableReconnection {
		m.status = StatusDisconnected
		m.mu.Unlock()
		return
	}

	m.attempt++
	if m.backoff.Exhausted(m.attempt) {
		attempts := m.attempt - 1
		m.status = StatusReconnectFailed
		m.mu.Unlock()

		logger.Errorf("realtime: giving up after %d reconnection attempt(s): %s", attempts, reason)
		m.publish(EventConnection, mustJSON(ConnectionPayload{
			Status:  StatusReconnectFailed,
			Reason:  reason,
			Attempt: attempts,
		}))
		return
	}

	delay := m.backoff.Delay(m.attempt, m.rand())
	attempt := m.attempt
	m.reconnectDelay = delay
	m.status = StatusReconnecting
	m.reconnectPending = true
	m.mu.Unlock()

	logger.Debugf("realtime: reconnect attempt %d in %s (%s)", attempt, delay, reason)
	m.publish(EventConnection, mustJSON(ConnectionPayload{
		Status:  StatusReconnecting,
		Reason:  reason,
		Attempt: attempt,
		DelayMs: delay.Milliseconds(),
	}))

	// The timer is armed after publishing so reconnecting is always
	// delivered before the outcome of the attempt.
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	m.timer = m.afterFunc(delay, func() {
		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		m.reconnectPending = false
		m.mu.Unlock()
		m.dial(epoch)
	})
}

func (m *Manager) handleClose(epoch uint64, reason string) {
	m.mu.Lock()
	if epoch != m.epoch || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	logger.Warnf("realtime: connection lost: %s", reason)
	m.publish(EventConnection, mustJSON(ConnectionPayload{
		Status: StatusDisconnected,
		Reason: reason,
	}))
	m.scheduleReconnect(epoch, reason)
}

func (m *Manager) handleInbound(epoch uint64, event string, data json.RawMessage) {
	m.mu.Lock()
	current := epoch == m.epoch
	m.mu.Unlock()
	if !current {
		return
	}

	name, ok := inboundEvents[event]
	if !ok {
		logger.Tracef("realtime: ignoring unknown event %q", event)
		return
	}
	logger.Tracef("realtime: received %s (%d bytes)", event, len(data))
	if name == EventError {
		logger.Warnf("realtime: server error: %s", string(data))
	}
	m.publish(name, data)
}

// SendMessage emits a chat message over the realtime connection.
//
// When not connected nothing is emitted: the failure is logged, published as
// EventError and ErrNotConnected is returned. With QueueOffline the message is
// kept pending in the outbox and emitted after the next connect. The returned
// client id identifies the message in the outbox either way.
func (m *Manager) SendMessage(msg OutboundMessage) (string, error) {
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.clock.Now()
	}
	if msg.Type == "" {
		msg.Type = "text"
	}

	m.mu.Lock()
	if msg.SenderID == "" {
		msg.SenderID = m.identity.UserID
	}
	conn := m.conn
	connected := m.status == StatusConnected && conn != nil
	status := m.status
	m.mu.Unlock()

	if !connected {
		logger.Warnf("realtime: cannot send %s while %s", msg.ClientID, status)
		m.reportError(fmt.Errorf("send message: %w", ErrNotConnected))
		if m.opts.QueueOffline {
			if _, err := m.outbox.enqueue(msg); err != nil {
				return msg.ClientID, err
			}
		}
		return msg.ClientID, ErrNotConnected
	}

	if err := conn.Emit(wireSendMessage, msg); err != nil {
		m.reportError(fmt.Errorf("send message: %w", err))
		if m.opts.QueueOffline {
			if _, qerr := m.outbox.enqueue(msg); qerr == nil {
				m.outbox.markAttemptFailed(msg.ClientID, err)
			}
		}
		return msg.ClientID, err
	}
	m.outbox.recordSent(msg)
	return msg.ClientID, nil
}

func (m *Manager) flushOutbox(epoch uint64, conn Conn) {
	pending := m.outbox.Pending()
	if len(pending) == 0 {
		return
	}
	sent := 0
	for _, entry := range pending {
		m.mu.Lock()
		current := epoch == m.epoch
		m.mu.Unlock()
		if !current {
			return
		}
		if err := conn.Emit(wireSendMessage, entry.Message); err != nil {
			state := m.outbox.markAttemptFailed(entry.Message.ClientID, err)
			m.reportError(fmt.Errorf("flush %s (%s): %w", entry.Message.ClientID, state, err))
			continue
		}
		m.outbox.markSent(entry.Message.ClientID)
		sent++
	}
	logger.Infof("realtime: flushed %d of %d queued message(s)", sent, len(pending))
}

func (m *Manager) reportError(err error) {
	logger.Warnf("realtime: %v", err)
	m.publish(EventError, mustJSON(ErrorPayload{Error: ErrorDetail{Message: err.Error()}}))
}

func (m *Manager) publish(name EventName, data json.RawMessage) {
	listeners := m.registry.snapshot(name)
	if len(listeners) == 0 {
		return
	}
	ev := Event{Name: name, Data: data}
	if err := m.delivery.do(func() {
		for _, l := range listeners {
			deliver(l, ev)
		}
	}); err != nil {
		logger.Debugf("realtime: dropped %s: %v", name, err)
	}
}

func deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("realtime: listener for %s panicked: %v", ev.Name, r)
		}
	}()
	l(ev)
}

// AddEventListener registers fn for event (or EventAll) and returns the handle
// needed to remove it.
func (m *Manager) AddEventListener(event EventName, fn Listener) (Subscription, error) {
	if !event.Known() {
		return Subscription{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if fn == nil {
		return Subscription{}, errors.New("nil listener")
	}
	return m.registry.add(event, fn), nil
}

// RemoveEventListener removes a registration. Removing an unknown or already
// removed subscription is a no-op.
func (m *Manager) RemoveEventListener(sub Subscription) {
	m.registry.remove(sub)
}

// ListenerCount returns the number of registered listeners.
func (m *Manager) ListenerCount() int {
	return m.registry.count()
}

// Flush blocks until every event published before the call was delivered. It
// must not be called from a listener.
func (m *Manager) Flush() {
	m.delivery.flush()
}

// IsConnected reports whether a live, usable connection exists.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusConnected && m.conn != nil && m.conn.Connected()
}

// GetStatus returns the current status. A connection that dropped without
// notice yet reports StatusDisconnected.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusConnected && (m.conn == nil || !m.conn.Connected()) {
		return StatusDisconnected
	}
	return m.status
}

// ReconnectDelay returns the current backoff delay. It is the initial delay
// while connected and grows with each failed attempt.
func (m *Manager) ReconnectDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectDelay
}

// Identity returns the identity used by the current connection.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Outbox exposes the delivery state of outbound realtime messages.
func (m *Manager) Outbox() *Outbox {
	return m.outbox
}
