package session

import (
	"encoding/json"

	"github.com/bhandras/marketchat/internal/websocket"
	"github.com/bhandras/marketchat/pkg/logger"
	"github.com/bhandras/marketchat/pkg/types"
)

// handlers returns the realtime listeners registered by Start.
func (s *Store) handlers() map[websocket.EventName]websocket.Listener {
	return map[websocket.EventName]websocket.Listener{
		websocket.EventConnection:    s.onConnection,
		websocket.EventAuthenticated: s.onAuthenticated,
		websocket.EventMessage:       s.onMessage,
		websocket.EventMessageRead:   s.onMessageRead,
		websocket.EventNotification:  s.onNotification,
		websocket.EventUnreadCount:   s.onUnreadCount,
		websocket.EventError:         s.onError,
	}
}

func (s *Store) onConnection(ev websocket.Event) {
	var p websocket.ConnectionPayload
	if err := ev.Decode(&p); err != nil {
		logger.Warnf("session: %v", err)
		return
	}
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return
	}
	s.socketStatus = p.Status
	s.mu.Unlock()
	s.notify()
}

func (s *Store) onAuthenticated(ev websocket.Event) {
	logger.Debugf("session: realtime authenticated: %s", string(ev.Data))
}

func (s *Store) onError(ev websocket.Event) {
	var p websocket.ErrorPayload
	if err := ev.Decode(&p); err != nil || p.Error.Message == "" {
		logger.Warnf("session: realtime error: %s", string(ev.Data))
		return
	}
	logger.Warnf("session: realtime error: %s", p.Error.Message)
}

// decodeMessage accepts a bare message or one wrapped as {"message": {...}}.
func decodeMessage(ev websocket.Event) (types.Message, bool) {
	var msg types.Message
	if err := ev.Decode(&msg); err == nil && msg.ID != "" {
		return msg, true
	}
	var wrapped struct {
		Message types.Message `json:"message"`
	}
	if err := json.Unmarshal(ev.Data, &wrapped); err == nil && wrapped.Message.ID != "" {
		return wrapped.Message, true
	}
	return types.Message{}, false
}

func (s *Store) onMessage(ev websocket.Event) {
	msg, ok := decodeMessage(ev)
	if !ok {
		logger.Warnf("session: dropping message without id: %s", string(ev.Data))
		return
	}

	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return
	}
	me := s.user.ID
	if _, exists := s.listLocked(s.user.Role)[msg.ID]; exists {
		s.mu.Unlock()
		logger.Tracef("session: duplicate message %s", msg.ID)
		return
	}
	s.mergeLocked(s.user.Role, msg)
	// A read receipt may have arrived before the message itself.
	if stored := s.listLocked(s.user.Role)[msg.ID]; msg.SenderID != me && !stored.msg.IsRead {
		s.unread++
	}
	s.mu.Unlock()

	logger.Debugf("session: new message %s from %s", msg.ID, msg.SenderID)
	s.notify()
}

func (s *Store) onMessageRead(ev websocket.Event) {
	var p struct {
		ID        string `json:"id"`
		MessageID string `json:"messageId"`
	}
	if err := ev.Decode(&p); err != nil {
		logger.Warnf("session: %v", err)
		return
	}
	id := p.MessageID
	if id == "" {
		id = p.ID
	}
	if id == "" {
		logger.Warnf("session: read receipt without message id: %s", string(ev.Data))
		return
	}

	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return
	}
	found, _ := s.markReadLocked(id)
	s.mu.Unlock()

	if found {
		s.notify()
	}
}

// decodeNotification accepts a bare notification or one wrapped as
// {"notification": {...}}.
func decodeNotification(ev websocket.Event) (types.Notification, bool) {
	var n types.Notification
	if err := ev.Decode(&n); err == nil && n.ID != "" {
		return n, true
	}
	var wrapped struct {
		Notification types.Notification `json:"notification"`
	}
	if err := json.Unmarshal(ev.Data, &wrapped); err == nil && wrapped.Notification.ID != "" {
		return wrapped.Notification, true
	}
	return types.Notification{}, false
}

func (s *Store) onNotification(ev websocket.Event) {
	n, ok := decodeNotification(ev)
	if !ok {
		logger.Warnf("session: dropping notification without id: %s", string(ev.Data))
		return
	}

	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return
	}
	if _, exists := s.notes[n.ID]; exists {
		s.mu.Unlock()
		logger.Tracef("session: duplicate notification %s", n.ID)
		return
	}
	if _, ok := s.noteReads[n.ID]; ok {
		n.IsRead = true
	}
	s.arrival++
	s.notes[n.ID] = &noteEntry{note: n, pushed: s.arrival}
	if !n.IsRead {
		s.unread++
	}
	s.mu.Unlock()

	logger.Debugf("session: new notification %s", n.ID)
	s.notify()
}

func (s *Store) onUnreadCount(ev websocket.Event) {
	var p types.UnreadCount
	if err := ev.Decode(&p); err != nil {
		logger.Warnf("session: %v", err)
		return
	}
	if p.Count < 0 {
		p.Count = 0
	}

	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return
	}
	// The pushed count is newer than any fetch still in flight.
	s.unreadApplied = s.unreadIssued
	s.unread = p.Count
	s.mu.Unlock()
	s.notify()
}
