package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/marketchat/internal/api"
	"github.com/bhandras/marketchat/internal/websocket"
	"github.com/bhandras/marketchat/internal/websocket/wstest"
	"github.com/bhandras/marketchat/pkg/types"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func at(minute int) time.Time {
	return epoch.Add(time.Duration(minute) * time.Minute)
}

// callLog records calls across fakes so tests can assert ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type sentRequest struct {
	Route api.SendRoute
	Req   types.SendRequest
}

// fakeAPI serves MessageAPI and NotificationAPI from memory.
type fakeAPI struct {
	log *callLog
	me  string

	mu       sync.Mutex
	lists    map[types.Role][]types.Message
	listFn   func(role types.Role) ([]types.Message, error)
	orders   map[string][]types.Message
	unread   int
	notes    []types.Notification
	limits   []int
	failures map[string]error
	sent     []sentRequest
	marked   []string
	nextID   int
}

var (
	_ MessageAPI      = (*fakeAPI)(nil)
	_ NotificationAPI = (*fakeAPI)(nil)
)

func newFakeAPI(log *callLog, me string) *fakeAPI {
	return &fakeAPI{
		log:      log,
		me:       me,
		lists:    make(map[types.Role][]types.Message),
		orders:   make(map[string][]types.Message),
		failures: make(map[string]error),
	}
}

func (f *fakeAPI) fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

func (f *fakeAPI) setList(role types.Role, msgs ...types.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[role] = msgs
}

func (f *fakeAPI) setListFn(fn func(role types.Role) ([]types.Message, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listFn = fn
}

func (f *fakeAPI) setUnread(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread = n
}

func (f *fakeAPI) setNotes(notes ...types.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = notes
}

func (f *fakeAPI) failure(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[op]
}

func (f *fakeAPI) SendMessage(_ context.Context, route api.SendRoute, req types.SendRequest) (types.Message, error) {
	f.log.add("send:" + string(route))
	if err := f.failure("send"); err != nil {
		return types.Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentRequest{Route: route, Req: req})
	f.nextID++
	return types.Message{
		ID:         fmt.Sprintf("srv-%d", f.nextID),
		Content:    req.Content,
		SenderID:   f.me,
		ReceiverID: req.RecipientID,
		OrderID:    req.OrderID,
		CreatedAt:  at(100 + f.nextID),
		IsRead:     false,
	}, nil
}

func (f *fakeAPI) Messages(_ context.Context, role types.Role) ([]types.Message, error) {
	f.log.add("messages:" + string(role))
	if err := f.failure("messages"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	fn := f.listFn
	msgs := append([]types.Message(nil), f.lists[role]...)
	f.mu.Unlock()
	if fn != nil {
		return fn(role)
	}
	return msgs, nil
}

func (f *fakeAPI) OrderMessages(_ context.Context, orderID string) ([]types.Message, error) {
	f.log.add("order:" + orderID)
	if err := f.failure("order"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Message(nil), f.orders[orderID]...), nil
}

func (f *fakeAPI) MarkMessageRead(_ context.Context, id string) error {
	f.log.add("markRead:" + id)
	if err := f.failure("markRead"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeAPI) UnreadCount(context.Context) (int, error) {
	f.log.add("unread")
	if err := f.failure("unread"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAPI) Notifications(_ context.Context, limit int) ([]types.Notification, error) {
	f.log.add("notifications")
	if err := f.failure("notifications"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	return append([]types.Notification(nil), f.notes...), nil
}

func (f *fakeAPI) MarkNotificationRead(_ context.Context, id string) error {
	f.log.add("markNote:" + id)
	return f.failure("markNote")
}

func (f *fakeAPI) MarkAllNotificationsRead(context.Context) error {
	f.log.add("markAllNotes")
	return f.failure("markAllNotes")
}

// trackedRealtime wraps a Manager and records the calls the store makes.
type trackedRealtime struct {
	*websocket.Manager
	log *callLog

	mu      sync.Mutex
	added   map[websocket.Subscription]bool
	removed map[websocket.Subscription]bool
}

func (r *trackedRealtime) Connect(userID, token string) {
	r.log.add("connect:" + userID)
	r.Manager.Connect(userID, token)
}

func (r *trackedRealtime) Disconnect() {
	r.log.add("disconnect")
	r.Manager.Disconnect()
}

func (r *trackedRealtime) AddEventListener(event websocket.EventName, fn websocket.Listener) (websocket.Subscription, error) {
	sub, err := r.Manager.AddEventListener(event, fn)
	if err == nil {
		r.mu.Lock()
		r.added[sub] = true
		r.mu.Unlock()
	}
	return sub, err
}

func (r *trackedRealtime) RemoveEventListener(sub websocket.Subscription) {
	r.mu.Lock()
	r.removed[sub] = true
	r.mu.Unlock()
	r.Manager.RemoveEventListener(sub)
}

type harness struct {
	store *Store
	api   *fakeAPI
	rt    *trackedRealtime
	mgr   *websocket.Manager
	tr    *wstest.Transport
	log   *callLog
	user  types.User
}

func newHarness(t *testing.T, user types.User, opts Options) *harness {
	t.Helper()
	log := &callLog{}
	tr := wstest.NewTransport()
	mgr := websocket.NewManager(tr, websocket.Options{
		URL: "http://realtime.test",
		Backoff: websocket.Backoff{
			Initial:     time.Millisecond,
			Max:         5 * time.Millisecond,
			Factor:      2,
			MaxAttempts: 3,
		},
	})
	t.Cleanup(mgr.Close)

	rt := &trackedRealtime{
		Manager: mgr,
		log:     log,
		added:   make(map[websocket.Subscription]bool),
		removed: make(map[websocket.Subscription]bool),
	}
	fake := newFakeAPI(log, user.ID)
	if opts.NotificationLimit == 0 {
		opts.NotificationLimit = 20
	}
	h := &harness{
		store: New(fake, fake, rt, opts),
		api:   fake,
		rt:    rt,
		mgr:   mgr,
		tr:    tr,
		log:   log,
		user:  user,
	}
	t.Cleanup(h.store.Stop)
	return h
}

// start starts the session and waits for the realtime handshake.
func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.Start(context.Background(), h.user))
	require.Eventually(t, func() bool {
		c := h.tr.Last()
		return c != nil && len(c.EmittedNamed("authenticate")) > 0
	}, waitFor, time.Millisecond)
	h.mgr.Flush()
}

// push delivers a server event and waits until the store handled it.
func (h *harness) push(event string, payload any) {
	h.tr.Last().Push(event, payload)
	h.mgr.Flush()
}

func vendor() types.User {
	return types.User{ID: "v1", Name: "Vera", Role: types.RoleVendor, Token: "tok-v1"}
}

func msg(id, from, to string, minute int) types.Message {
	return types.Message{
		ID:         id,
		Content:    "content " + id,
		SenderID:   from,
		ReceiverID: to,
		CreatedAt:  at(minute),
	}
}

func ids(msgs []types.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
