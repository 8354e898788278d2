package session

import (
	"context"
	"fmt"

	"github.com/bhandras/marketchat/internal/api"
	"github.com/bhandras/marketchat/pkg/logger"
	"github.com/bhandras/marketchat/pkg/types"
)

// SendMessage sends a message through the REST API and merges the stored
// message into the current user's list. On failure the error is also kept
// for display.
func (s *Store) SendMessage(ctx context.Context, req types.SendRequest) (types.Message, error) {
	s.mu.Lock()
	role, ok := s.currentRoleLocked()
	gen := s.gen
	s.mu.Unlock()
	if !ok {
		return types.Message{}, ErrNoUser
	}

	route, err := api.RouteFor(role, req.RecipientType)
	if err == nil && req.Content == "" {
		err = fmt.Errorf("message is empty")
	}
	if err != nil {
		s.mu.Lock()
		s.setErrLocked("send message", err)
		s.mu.Unlock()
		s.notify()
		return types.Message{}, err
	}

	msg, err := s.messages.SendMessage(ctx, route, req)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return msg, err
	}
	if err != nil {
		s.setErrLocked("send message", err)
		s.mu.Unlock()
		logger.Warnf("session: send to %s failed: %v", req.RecipientID, err)
		s.notify()
		return types.Message{}, err
	}
	s.mergeLocked(role, msg)
	s.mu.Unlock()

	logger.Debugf("session: sent %s via %s", msg.ID, route)
	s.notify()
	return msg, nil
}

// mergeLocked adds or replaces msg in the list of role outside a list fetch.
// It reports whether the message was new.
func (s *Store) mergeLocked(role types.Role, msg types.Message) bool {
	s.arrival++
	l := s.listLocked(role)
	if e, ok := l[msg.ID]; ok {
		// A read flag is never reverted by a copy that has not seen it yet.
		msg.IsRead = msg.IsRead || e.msg.IsRead
		e.msg = msg
		e.pushed = s.arrival
		return false
	}
	if _, ok := s.messageReads[msg.ID]; ok {
		msg.IsRead = true
	}
	l[msg.ID] = &entry{msg: msg, pushed: s.arrival}
	return true
}

// FetchMessages replaces the list of role with the server's.
//
// When fetches overlap, a response older than the newest applied one is
// discarded. Messages pushed after the fetch was issued and missing from the
// response are kept.
func (s *Store) FetchMessages(ctx context.Context, role types.Role) ([]types.Message, error) {
	s.mu.Lock()
	gen := s.gen
	s.listIssued[role]++
	seq := s.listIssued[role]
	mark := s.arrival
	s.mu.Unlock()

	msgs, err := s.messages.Messages(ctx, role)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil, err
	}
	if err != nil {
		s.setErrLocked(fmt.Sprintf("fetch %s messages", role), err)
		s.mu.Unlock()
		s.notify()
		return nil, err
	}
	if seq < s.listApplied[role] {
		out := s.messagesLocked(role)
		s.mu.Unlock()
		logger.Debugf("session: dropped stale %s fetch %d", role, seq)
		return out, nil
	}
	s.listApplied[role] = seq

	next := make(map[string]*entry, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if at, ok := s.messageReads[m.ID]; ok && at > mark {
			m.IsRead = true
		}
		next[m.ID] = &entry{msg: m}
	}
	kept := 0
	for id, e := range s.lists[role] {
		if e.pushed <= mark {
			continue
		}
		if cur, ok := next[id]; ok {
			cur.msg.IsRead = cur.msg.IsRead || e.msg.IsRead
			continue
		}
		next[id] = e
		kept++
	}
	s.lists[role] = next
	out := s.messagesLocked(role)
	s.mu.Unlock()

	logger.Debugf("session: loaded %d %s message(s), kept %d pushed", len(msgs), role, kept)
	s.notify()
	return out, nil
}

// FetchCustomerMessages fetches the customer message list.
func (s *Store) FetchCustomerMessages(ctx context.Context) ([]types.Message, error) {
	return s.FetchMessages(ctx, types.RoleCustomer)
}

// FetchVendorMessages fetches the vendor message list.
func (s *Store) FetchVendorMessages(ctx context.Context) ([]types.Message, error) {
	return s.FetchMessages(ctx, types.RoleVendor)
}

// FetchAdminMessages fetches the admin message list.
func (s *Store) FetchAdminMessages(ctx context.Context) ([]types.Message, error) {
	return s.FetchMessages(ctx, types.RoleAdmin)
}

// FetchMyMessages fetches the list of the session user's role.
func (s *Store) FetchMyMessages(ctx context.Context) ([]types.Message, error) {
	s.mu.Lock()
	role, ok := s.currentRoleLocked()
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoUser
	}
	return s.FetchMessages(ctx, role)
}

// FetchOrderThread fetches the messages of an order and merges them into the
// current user's list.
func (s *Store) FetchOrderThread(ctx context.Context, orderID string) ([]types.Message, error) {
	s.mu.Lock()
	role, ok := s.currentRoleLocked()
	gen := s.gen
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoUser
	}

	msgs, err := s.messages.OrderMessages(ctx, orderID)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil, err
	}
	if err != nil {
		s.setErrLocked("fetch order messages", err)
		s.mu.Unlock()
		s.notify()
		return nil, err
	}
	added := 0
	for _, m := range msgs {
		if m.ID != "" && s.mergeLocked(role, m) {
			added++
		}
	}
	thread := s.conversationLocked(role, "order:"+orderID)
	s.mu.Unlock()

	logger.Debugf("session: order %s has %d message(s), %d new", orderID, len(msgs), added)
	s.notify()
	return thread.Messages, nil
}

// MarkAsRead marks a message read on the server, then locally in every list
// holding it. The unread counter drops by one unless the message was already
// known to be read.
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	if err := s.messages.MarkMessageRead(ctx, id); err != nil {
		s.mu.Lock()
		if gen == s.gen {
			s.setErrLocked("mark message as read", err)
		}
		s.mu.Unlock()
		s.notify()
		return err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	found, wasUnread := s.markReadLocked(id)
	if wasUnread || !found {
		s.decUnreadLocked()
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// markReadLocked sets IsRead on id in every list. It reports whether the
// message is known and whether any copy was unread.
func (s *Store) markReadLocked(id string) (found, wasUnread bool) {
	s.arrival++
	s.messageReads[id] = s.arrival
	for _, l := range s.lists {
		e, ok := l[id]
		if !ok {
			continue
		}
		found = true
		if !e.msg.IsRead {
			wasUnread = true
			e.msg.IsRead = true
		}
	}
	return found, wasUnread
}

// FetchUnreadCount replaces the unread counter with the server's value.
func (s *Store) FetchUnreadCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	gen := s.gen
	s.unreadIssued++
	seq := s.unreadIssued
	s.mu.Unlock()

	n, err := s.messages.UnreadCount(ctx)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return 0, err
	}
	if err != nil {
		s.setErrLocked("fetch unread count", err)
		s.mu.Unlock()
		s.notify()
		return 0, err
	}
	if seq <= s.unreadApplied {
		cur := s.unread
		s.mu.Unlock()
		return cur, nil
	}
	s.unreadApplied = seq
	if n < 0 {
		n = 0
	}
	changed := s.unread != n
	if changed {
		logger.Debugf("session: unread count reconciled %d -> %d", s.unread, n)
	}
	s.unread = n
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return n, nil
}
