// Package session holds the messaging state of the signed-in user.
//
// A Store merges REST snapshots with realtime pushes into one view of the
// user's messages, notifications and unread counter. Messages are kept in sets
// keyed by id, so a message delivered by both a push and a fetch is stored
// once. Ordered views are derived on read.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bhandras/marketchat/internal/api"
	"github.com/bhandras/marketchat/internal/websocket"
	"github.com/bhandras/marketchat/pkg/types"
)

// ErrNoUser is returned by operations that need a started session.
var ErrNoUser = errors.New("no user session")

// MessageAPI is the REST surface used for messages.
type MessageAPI interface {
	SendMessage(ctx context.Context, route api.SendRoute, req types.SendRequest) (types.Message, error)
	Messages(ctx context.Context, role types.Role) ([]types.Message, error)
	OrderMessages(ctx context.Context, orderID string) ([]types.Message, error)
	MarkMessageRead(ctx context.Context, id string) error
	UnreadCount(ctx context.Context) (int, error)
}

// NotificationAPI is the REST surface used for notifications.
type NotificationAPI interface {
	Notifications(ctx context.Context, limit int) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Realtime is the connection the store listens to.
type Realtime interface {
	Connect(userID, token string)
	Disconnect()
	AddEventListener(event websocket.EventName, fn websocket.Listener) (websocket.Subscription, error)
	RemoveEventListener(sub websocket.Subscription)
	GetStatus() websocket.Status
}

// Options configures a Store.
type Options struct {
	// NotificationLimit is the page size of notification fetches.
	NotificationLimit int
	// ReconcileInterval is how often the unread counter is re-fetched while
	// a session is running. Zero disables it.
	ReconcileInterval time.Duration
}

// entry is a stored message. pushed is the arrival stamp of a message merged
// outside a list fetch, zero for fetched messages.
type entry struct {
	msg    types.Message
	pushed uint64
}

type noteEntry struct {
	note   types.Notification
	pushed uint64
}

// Store is the messaging state of one user. It is safe for concurrent use.
type Store struct {
	messages      MessageAPI
	notifications NotificationAPI
	realtime      Realtime
	opts          Options

	mu   sync.Mutex
	user *types.User
	// gen changes on Start and Stop; results of calls issued under an older
	// generation are dropped.
	gen uint64

	lists map[types.Role]map[string]*entry
	notes map[string]*noteEntry

	unread       int
	socketStatus websocket.Status
	errMsg       string
	selected     string

	// arrival stamps pushes and read receipts so a slower fetch does not
	// drop or un-read them.
	arrival       uint64
	messageReads  map[string]uint64
	noteReads     map[string]uint64
	listIssued    map[types.Role]uint64
	listApplied   map[types.Role]uint64
	unreadIssued  uint64
	unreadApplied uint64
	notesIssued   uint64
	notesApplied  uint64

	subs      []websocket.Subscription
	stopTimer context.CancelFunc
	timerDone chan struct{}

	listenerID uint64
	listeners  map[uint64]func()
}

// New returns an idle Store.
func New(messages MessageAPI, notifications NotificationAPI, realtime Realtime, opts Options) *Store {
	s := &Store{
		messages:      messages,
		notifications: notifications,
		realtime:      realtime,
		opts:          opts,
		listeners:     make(map[uint64]func()),
	}
	s.resetLocked()
	return s
}

// resetLocked clears all user state.
func (s *Store) resetLocked() {
	s.user = nil
	s.lists = make(map[types.Role]map[string]*entry)
	s.notes = make(map[string]*noteEntry)
	s.unread = 0
	s.socketStatus = websocket.StatusNotInitialized
	s.errMsg = ""
	s.selected = ""
	s.arrival = 0
	s.messageReads = make(map[string]uint64)
	s.noteReads = make(map[string]uint64)
	s.listIssued = make(map[types.Role]uint64)
	s.listApplied = make(map[types.Role]uint64)
	s.unreadIssued, s.unreadApplied = 0, 0
	s.notesIssued, s.notesApplied = 0, 0
}

func (s *Store) listLocked(role types.Role) map[string]*entry {
	l, ok := s.lists[role]
	if !ok {
		l = make(map[string]*entry)
		s.lists[role] = l
	}
	return l
}

func (s *Store) currentRoleLocked() (types.Role, bool) {
	if s.user == nil {
		return "", false
	}
	return s.user.Role, true
}

func (s *Store) setErrLocked(action string, err error) {
	s.errMsg = describe(action, err)
}

// describe renders err for display.
func describe(action string, err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("Failed to %s: %s", action, apiErr.Message)
	}
	return fmt.Sprintf("Failed to %s: %v", action, err)
}

// decUnreadLocked decrements the unread counter, never below zero.
func (s *Store) decUnreadLocked() {
	if s.unread > 0 {
		s.unread--
	}
}

// AddListener registers fn to be called after every state change. The
// returned function removes it.
func (s *Store) AddListener(fn func()) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// notify runs change listeners. It must be called without s.mu held.
func (s *Store) notify() {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Snapshot is a consistent copy of the store state.
type Snapshot struct {
	User          *types.User
	Messages      map[types.Role][]types.Message
	Notifications []types.Notification
	UnreadCount   int
	SocketStatus  websocket.Status
	Err           string
	Selected      string
}

// Snapshot returns a copy of the whole state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Messages:      make(map[types.Role][]types.Message, len(s.lists)),
		Notifications: s.notificationsLocked(),
		UnreadCount:   s.unread,
		SocketStatus:  s.socketStatus,
		Err:           s.errMsg,
		Selected:      s.selected,
	}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	for role := range s.lists {
		snap.Messages[role] = s.messagesLocked(role)
	}
	return snap
}

// User returns the session user, if started.
func (s *Store) User() (types.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return types.User{}, false
	}
	return *s.user, true
}

// Messages returns the messages of role ordered by creation time.
func (s *Store) Messages(role types.Role) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked(role)
}

func (s *Store) messagesLocked(role types.Role) []types.Message {
	l := s.lists[role]
	out := make([]types.Message, 0, len(l))
	for _, e := range l {
		out = append(out, e.msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// UnreadCount returns the unread counter.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// SocketStatus returns the last realtime status seen.
func (s *Store) SocketStatus() websocket.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketStatus
}

// Err returns the last operation error, or "".
func (s *Store) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// ClearError dismisses the last error.
func (s *Store) ClearError() {
	s.mu.Lock()
	s.errMsg = ""
	s.mu.Unlock()
	s.notify()
}
