package session

import (
	"sort"

	"github.com/bhandras/marketchat/pkg/types"
)

// Conversation is a thread derived from a message list.
type Conversation struct {
	// Key is "order:<orderId>" or "pair:<a>:<b>" with the ids sorted.
	Key     string
	OrderID string
	// PeerID is the other participant of a direct thread.
	PeerID   string
	PeerName string
	Latest   types.Message
	// Messages are ordered by creation time.
	Messages []types.Message
	// UnreadCount counts unread messages addressed to the session user.
	UnreadCount int
}

// Conversations groups the messages of role into threads, most recently
// active first. Unread counts are recomputed from message state on every call.
func (s *Store) Conversations(role types.Role) []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsLocked(role)
}

func (s *Store) conversationsLocked(role types.Role) []Conversation {
	me := ""
	if s.user != nil {
		me = s.user.ID
	}

	byKey := make(map[string]*Conversation)
	var keys []string
	for _, m := range s.messagesLocked(role) {
		key := m.ConversationKey()
		c, ok := byKey[key]
		if !ok {
			c = &Conversation{Key: key, OrderID: m.OrderID}
			byKey[key] = c
			keys = append(keys, key)
		}
		c.Messages = append(c.Messages, m)
		c.Latest = m
		if m.SenderID != me {
			c.PeerID = m.SenderID
			if m.SenderName != "" {
				c.PeerName = m.SenderName
			}
		} else if c.PeerID == "" && m.ReceiverID != "" {
			c.PeerID = m.ReceiverID
		}
		if addressedTo(m, me) && !m.IsRead {
			c.UnreadCount++
		}
	}

	out := make([]Conversation, 0, len(keys))
	for _, key := range keys {
		out = append(out, *byKey[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[j].Latest.Before(out[i].Latest)
	})
	return out
}

// addressedTo reports whether m counts as received by me. Order thread
// messages often carry no receiver; those count when someone else sent them.
func addressedTo(m types.Message, me string) bool {
	if m.SenderID == me {
		return false
	}
	return m.ReceiverID == "" || m.ReceiverID == me
}

func (s *Store) conversationLocked(role types.Role, key string) Conversation {
	for _, c := range s.conversationsLocked(role) {
		if c.Key == key {
			return c
		}
	}
	return Conversation{Key: key}
}

// SelectConversation marks a conversation as selected. An empty key clears
// the selection.
func (s *Store) SelectConversation(key string) {
	s.mu.Lock()
	s.selected = key
	s.mu.Unlock()
	s.notify()
}

// SelectedConversation returns the selected conversation of the session
// user's list.
func (s *Store) SelectedConversation() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == "" || s.user == nil {
		return Conversation{}, false
	}
	c := s.conversationLocked(s.user.Role, s.selected)
	return c, len(c.Messages) > 0
}
