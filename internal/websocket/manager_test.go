package websocket_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/marketchat/internal/clock/clocktest"
	"github.com/bhandras/marketchat/internal/websocket"
	"github.com/bhandras/marketchat/internal/websocket/wstest"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (r *recorder) listen(ev websocket.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) statuses(t *testing.T) []websocket.Status {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []websocket.Status
	for _, ev := range r.events {
		if ev.Name != websocket.EventConnection {
			continue
		}
		var p websocket.ConnectionPayload
		require.NoError(t, ev.Decode(&p))
		out = append(out, p.Status)
	}
	return out
}

// count returns how many connection events reported status.
func (r *recorder) count(status websocket.Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		var p websocket.ConnectionPayload
		if ev.Name == websocket.EventConnection && ev.Decode(&p) == nil && p.Status == status {
			n++
		}
	}
	return n
}

func (r *recorder) named(name websocket.EventName) []websocket.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []websocket.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func fastBackoff(maxAttempts int) websocket.Backoff {
	return websocket.Backoff{
		Initial:     time.Millisecond,
		Max:         5 * time.Millisecond,
		Factor:      2,
		MaxAttempts: maxAttempts,
	}
}

func newTestManager(t *testing.T, opts websocket.Options) (*websocket.Manager, *wstest.Transport, *recorder) {
	t.Helper()
	tr := wstest.NewTransport()
	if opts.URL == "" {
		opts.URL = "http://realtime.test"
	}
	if opts.Backoff == (websocket.Backoff{}) {
		opts.Backoff = fastBackoff(3)
	}
	m := websocket.NewManager(tr, opts)
	t.Cleanup(m.Close)

	rec := &recorder{}
	_, err := m.AddEventListener(websocket.EventAll, rec.listen)
	require.NoError(t, err)
	return m, tr, rec
}

// waitConnected waits for the n-th connected event and its handshake.
func waitConnected(t *testing.T, tr *wstest.Transport, rec *recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		last := tr.Last()
		return rec.count(websocket.StatusConnected) >= n &&
			last != nil && len(last.EmittedNamed("authenticate")) > 0
	}, waitFor, time.Millisecond)
}

func TestManager_ConnectAuthenticates(t *testing.T) {
	t.Parallel()

	m, tr, rec := newTestManager(t, websocket.Options{})
	require.Equal(t, websocket.StatusNotInitialized, m.GetStatus())

	m.Connect("u1", "tok")
	waitConnected(t, tr, rec, 1)

	require.Equal(t, websocket.StatusConnected, m.GetStatus())
	require.Equal(t, []websocket.Status{websocket.StatusConnected}, rec.statuses(t))

	dial := tr.Dials()[0]
	require.Equal(t, "u1", dial.UserID)
	require.Equal(t, "tok", dial.Token)
	require.ElementsMatch(t, []string{
		"authenticated", "new_message", "message_read",
		"new_notification", "unread_count", "error",
	}, dial.Events)

	auth := tr.Last().EmittedNamed("authenticate")
	require.Len(t, auth, 1)
	require.JSONEq(t, `{"userId":"u1","token":"tok"}`, string(auth[0].Payload))
}

func TestManager_InboundEventsRenamed(t *testing.T) {
	t.Parallel()

	m, tr, rec := newTestManager(t, websocket.Options{})
	var direct []string
	var mu sync.Mutex
	_, err := m.AddEventListener(websocket.EventMessage, func(ev websocket.Event) {
		mu.Lock()
		defer mu.Unlock()
		direct = append(direct, string(ev.Data))
	})
	require.NoError(t, err)

	m.Connect("u1", "")
	waitConnected(t, tr, rec, 1)

	conn := tr.Last()
	conn.Push("new_message", map[string]string{"id": "m1"})
	conn.Push("new_notification", map[string]string{"id": "n1"})
	conn.Push("unread_count", map[string]int{"count": 3})
	conn.Push("mystery", map[string]string{})
	m.Flush()

	mu.Lock()
	require.Equal(t, []string{`{"id":"m1"}`}, direct)
	mu.Unlock()
	require.Len(t, rec.named(websocket.EventMessage), 1)
	require.Len(t, rec.named(websocket.EventNotification), 1)
	require.Len(t, rec.named(websocket.EventUnreadCount), 1)
}

func TestManager_ReauthenticatesAfterReconnect(t *testing.T) {
	t.Parallel()

	m, tr, rec := newTestManager(t, websocket.Options{})
	m.Connect("u1", "tok")
	waitConnected(t, tr, rec, 1)

	first := tr.Last()
	first.Drop("transport close")
	waitConnected(t, tr, rec, 2)
	require.Equal(t, 2, tr.DialCount())

	require.Equal(t, []websocket.Status{
		websocket.StatusConnected,
		websocket.StatusDisconnected,
		websocket.StatusReconnecting,
		websocket.StatusConnected,
	}, rec.statuses(t))

	second := tr.Last()
	require.NotSame(t, first, second)
	require.Len(t, second.EmittedNamed("authenticate"), 1)
	require.Equal(t, time.Millisecond, m.ReconnectDelay())
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	m, tr, rec := newTestManager(t, websocket.Options{Backoff: fastBackoff(2)})
	tr.FailNext(100, errors.New("refused"))

	m.Connect("u1", "")
	require.Eventually(t, func() bool {
		return rec.count(websocket.StatusReconnectFailed) == 1
	}, waitFor, time.Millisecond)
	require.Equal(t, websocket.StatusReconnectFailed, m.GetStatus())

	// The initial dial plus two reconnection attempts.
	require.Equal(t, 3, tr.DialCount())
	statuses := rec.statuses(t)
	require.Equal(t, websocket.StatusReconnectFailed, statuses[len(statuses)-1])
	require.Len(t, rec.named(websocket.EventError), 3)

	var last websocket.ConnectionPayload
	events := rec.named(websocket.EventConnection)
	require.NoError(t, events[len(events)-1].Decode(&last))
	require.Equal(t, 2, last.Attempt)

	// No further dials are scheduled.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, tr.DialCount())
}

func TestManager_ReconnectDelayGrowsAndResets(t *testing.T) {
	t.Parallel()

	m, tr, rec := newTestManager(t, websocket.Options{Backoff: websocket.Backoff{
		Initial:     time.Millisecond,
		Max:         time.Hour,
		Factor:      2,
		MaxAttempts: 10,
	}})
	tr.FailNext(3, nil)

	m.Connect("u1", "")
	waitConnected(t, tr, rec, 1)
	require.Equal(t, 4, tr.DialCount())
	require.Equal(t, time.Millisecond, m.ReconnectDelay())
}

func TestManager_HandshakeTimeout(t *testing.T) {
	t.Parallel()

	m, tr, rec := newTestManager(t, websocket.Options{
		DialTimeout:         10 * time.Millisecond,
		DisableReconnection: true,
	})
	tr.Block(true)

	m.Connect("u1", "")
	require.Eventually(t, func() bool {
		return len(rec.named(websocket.EventError)) == 1
	}, waitFor, time.Millisecond)

	var p websocket.ErrorPayload
	require.NoError(t, rec.named(websocket.EventError)[0].Decode(&p))
	require.Contains(t, p.Error.Message, "handshake timeout")
	require.Eventually(t, func() bool {
		return m.GetStatus() == websocket.StatusDisconnected
	}, waitFor, time.Millisecond)
	require.Equal(t, 1, tr.DialCount())
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	t.Parallel()

	m, _, rec := newTestManager(t, websocket.Options{})

	id, err := m.SendMessage(websocket.OutboundMessage{Content: "hello", ReceiverID: "v1"})
	require.ErrorIs(t, err, websocket.ErrNotConnected)
	require.NotEmpty(t, id)
	m.Flush()
	require.Len(t, rec.named(websocket.EventError), 1)

	// Without offline queueing the message is not retained.
	_, ok := m.Outbox().Get(id)
	require.False(t, ok)
}

func TestManager_QueuedMessagesFlushOnConnect(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	m, tr, _ := newTestManager(t, websocket.Options{
		QueueOffline: true,
		OutboxLimit:  10,
		Clock:        clk,
	})

	id, err := m.SendMessage(websocket.OutboundMessage{Content: "offline", ReceiverID: "v1"})
	require.ErrorIs(t, err, websocket.ErrNotConnected)
	entry, ok := m.Outbox().Get(id)
	require.True(t, ok)
	require.Equal(t, websocket.DeliveryPending, entry.State)

	m.Connect("u1", "")
	require.Eventually(t, func() bool {
		e, _ := m.Outbox().Get(id)
		return e.State == websocket.DeliverySent
	}, waitFor, time.Millisecond)

	sent := tr.Last().EmittedNamed("send_message")
	require.Len(t, sent, 1)
	var msg websocket.OutboundMessage
	require.NoError(t, json.Unmarshal(sent[0].Payload, &msg))
	require.Equal(t, id, msg.ClientID)
	require.Equal(t, "offline", msg.Content)
	require.Equal(t, "text", msg.Type)
	require.True(t, clk.Now().Equal(msg.Timestamp))

	// authenticate always precedes the flush.
	emitted := tr.Last().Emitted()
	require.Equal(t, "authenticate", emitted[0].Event)
}

func TestManager_SendWhileConnected(t *testing.T) {
	t.Parallel()

	m, tr, rec := newTestManager(t, websocket.Options{})
	m.Connect("u1", "")
	waitConnected(t, tr, rec, 1)

	id, err := m.SendMessage(websocket.OutboundMessage{Content: "hi", ReceiverID: "v1", OrderID: "o1"})
	require.NoError(t, err)

	sent := tr.Last().EmittedNamed("send_message")
	require.Len(t, sent, 1)
	var msg websocket.OutboundMessage
	require.NoError(t, json.Unmarshal(sent[0].Payload, &msg))
	require.Equal(t, "u1", msg.SenderID)
	require.Equal(t, "o1", msg.OrderID)

	e, ok := m.Outbox().Get(id)
	require.True(t, ok)
	require.Equal(t, websocket.DeliverySent, e.State)
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	m, tr, rec := newTestManager(t, websocket.Options{QueueOffline: true})
	m.Connect("u1", "")
	waitConnected(t, tr, rec, 1)
	require.Equal(t, 1, m.ListenerCount())

	m.Disconnect()
	require.Equal(t, websocket.StatusNotInitialized, m.GetStatus())
	require.True(t, tr.Last().Closed())
	require.Equal(t, 0, m.ListenerCount())
	m.Flush()
	require.Equal(t, []websocket.Status{
		websocket.StatusConnected,
		websocket.StatusDisconnected,
	}, rec.statuses(t))

	m.Disconnect()
	m.Flush()
	require.Len(t, rec.statuses(t), 2)

	// No reconnect is attempted after an explicit disconnect.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, tr.DialCount())
}

func TestManager_DisconnectFailsQueuedMessages(t *testing.T) {
	t.Parallel()

	m, tr, _ := newTestManager(t, websocket.Options{QueueOffline: true})
	tr.FailNext(100, nil)
	m.Connect("u1", "")

	id, err := m.SendMessage(websocket.OutboundMessage{Content: "x", ReceiverID: "v1"})
	require.ErrorIs(t, err, websocket.ErrNotConnected)

	m.Disconnect()
	e, ok := m.Outbox().Get(id)
	require.True(t, ok)
	require.Equal(t, websocket.DeliveryFailed, e.State)
}

func TestManager_ConnectReplacesConnection(t *testing.T) {
	t.Parallel()

	m, tr, rec := newTestManager(t, websocket.Options{})
	m.Connect("u1", "")
	waitConnected(t, tr, rec, 1)
	first := tr.Last()

	m.Connect("u2", "")
	waitConnected(t, tr, rec, 2)
	require.Equal(t, 2, tr.DialCount())

	require.True(t, first.Closed())
	require.Equal(t, "u2", m.Identity().UserID)

	// Events from the replaced connection are ignored.
	var got []string
	var mu sync.Mutex
	_, err := m.AddEventListener(websocket.EventMessage, func(ev websocket.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(ev.Data))
	})
	require.NoError(t, err)
	first.Push("new_message", map[string]string{"id": "stale"})
	tr.Last().Push("new_message", map[string]string{"id": "fresh"})
	m.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{`{"id":"fresh"}`}, got)
}

func TestManager_GetStatusNoticesDeadConnection(t *testing.T) {
	t.Parallel()

	m, tr, rec := newTestManager(t, websocket.Options{DisableReconnection: true})
	m.Connect("u1", "")
	waitConnected(t, tr, rec, 1)

	tr.Last().Close()
	require.Equal(t, websocket.StatusDisconnected, m.GetStatus())
	require.False(t, m.IsConnected())
}

func TestManager_ListenerRegistration(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, websocket.Options{})

	_, err := m.AddEventListener("bogus", func(websocket.Event) {})
	require.ErrorIs(t, err, websocket.ErrUnknownEvent)
	_, err = m.AddEventListener(websocket.EventError, nil)
	require.Error(t, err)

	sub, err := m.AddEventListener(websocket.EventError, func(websocket.Event) {})
	require.NoError(t, err)
	require.Equal(t, 2, m.ListenerCount())
	m.RemoveEventListener(sub)
	m.RemoveEventListener(sub)
	require.Equal(t, 1, m.ListenerCount())
}

func TestManager_ListenerPanicDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	m, _, rec := newTestManager(t, websocket.Options{})
	_, err := m.AddEventListener(websocket.EventError, func(websocket.Event) {
		panic("boom")
	})
	require.NoError(t, err)

	_, _ = m.SendMessage(websocket.OutboundMessage{Content: "x"})
	_, _ = m.SendMessage(websocket.OutboundMessage{Content: "y"})
	m.Flush()
	require.Len(t, rec.named(websocket.EventError), 2)
}

func TestManager_ConnectsWithCachedIdentity(t *testing.T) {
	t.Parallel()

	cache := cacheFunc(func() (string, string, bool) { return "cached-user", "", true })
	m, tr, rec := newTestManager(t, websocket.Options{Cache: cache})
	m.Connect("", "")
	waitConnected(t, tr, rec, 1)

	require.Equal(t, "cached-user", tr.Dials()[0].UserID)
	require.Equal(t, websocket.IdentityCached, m.Identity().Source)
}

type cacheFunc func() (string, string, bool)

func (f cacheFunc) CachedIdentity() (string, string, bool) { return f() }
