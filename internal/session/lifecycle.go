package session

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/bhandras/marketchat/internal/websocket"
	"github.com/bhandras/marketchat/pkg/logger"
	"github.com/bhandras/marketchat/pkg/types"
)

// Start begins a session for user: it subscribes to realtime events,
// connects, then loads notifications, the user's messages and the unread
// counter in that order. Load failures are kept in Err and do not abort the
// start. A running session for another user is stopped first.
//
// A user without an id takes it from the token's subject claim.
func (s *Store) Start(ctx context.Context, user types.User) error {
	if user.ID == "" && user.Token == "" {
		return fmt.Errorf("start session: %w", ErrNoUser)
	}
	if user.ID == "" {
		sub, err := websocket.TokenSubject(user.Token)
		if err != nil {
			return fmt.Errorf("start session: %w: %v", ErrNoUser, err)
		}
		user.ID = sub
	}
	if !user.Role.Valid() {
		return fmt.Errorf("start session: invalid role %q", user.Role)
	}

	s.mu.Lock()
	running := s.user != nil
	same := running && *s.user == user
	s.mu.Unlock()
	if same {
		return nil
	}
	if running {
		s.Stop()
	}

	s.mu.Lock()
	s.resetLocked()
	u := user
	s.user = &u
	s.gen++
	s.socketStatus = websocket.StatusConnecting
	s.mu.Unlock()

	var subs []websocket.Subscription
	for event, fn := range s.handlers() {
		sub, err := s.realtime.AddEventListener(event, fn)
		if err != nil {
			for _, prev := range subs {
				s.realtime.RemoveEventListener(prev)
			}
			s.mu.Lock()
			s.resetLocked()
			s.gen++
			s.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", event, err)
		}
		subs = append(subs, sub)
	}
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()

	logger.Infof("session: starting for %s (%s)", user.ID, user.Role)
	s.realtime.Connect(user.ID, user.Token)

	_, _ = s.FetchNotifications(ctx, 0)
	if slices.Contains(types.MessageRoles, user.Role) {
		_, _ = s.FetchMyMessages(ctx)
	}
	_, _ = s.FetchUnreadCount(ctx)

	s.startReconcile()
	s.notify()
	return nil
}

// Stop ends the session: it removes exactly the realtime listeners Start
// registered, disconnects, stops unread reconciliation and clears all user
// state. Stopping an idle store is a no-op.
func (s *Store) Stop() {
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return
	}
	subs := s.subs
	s.subs = nil
	stop, done := s.stopTimer, s.timerDone
	s.stopTimer, s.timerDone = nil, nil
	s.gen++
	s.resetLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		s.realtime.RemoveEventListener(sub)
	}
	s.realtime.Disconnect()
	if stop != nil {
		stop()
		<-done
	}

	logger.Infof("session: stopped")
	s.notify()
}

// startReconcile periodically replaces the unread counter with the server's
// so that drift from missed pushes is corrected.
func (s *Store) startReconcile() {
	if s.opts.ReconcileInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.stopTimer, s.timerDone = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.FetchUnreadCount(ctx); err != nil {
					logger.Debugf("session: unread reconcile failed: %v", err)
				}
			}
		}
	}()
}
