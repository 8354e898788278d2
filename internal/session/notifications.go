package session

import (
	"context"
	"sort"

	"github.com/bhandras/marketchat/pkg/logger"
	"github.com/bhandras/marketchat/pkg/types"
)

// Notifications returns notifications newest first.
func (s *Store) Notifications() []types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notificationsLocked()
}

func (s *Store) notificationsLocked() []types.Notification {
	out := make([]types.Notification, 0, len(s.notes))
	for _, e := range s.notes {
		out = append(out, e.note)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return out
}

// FetchNotifications replaces the notification set with the newest limit
// notifications from the server. A limit of zero uses the configured default.
func (s *Store) FetchNotifications(ctx context.Context, limit int) ([]types.Notification, error) {
	if limit <= 0 {
		limit = s.opts.NotificationLimit
	}

	s.mu.Lock()
	gen := s.gen
	s.notesIssued++
	seq := s.notesIssued
	mark := s.arrival
	s.mu.Unlock()

	notes, err := s.notifications.Notifications(ctx, limit)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil, err
	}
	if err != nil {
		s.setErrLocked("fetch notifications", err)
		s.mu.Unlock()
		s.notify()
		return nil, err
	}
	if seq < s.notesApplied {
		out := s.notificationsLocked()
		s.mu.Unlock()
		return out, nil
	}
	s.notesApplied = seq

	next := make(map[string]*noteEntry, len(notes))
	for _, n := range notes {
		if n.ID == "" {
			continue
		}
		if at, ok := s.noteReads[n.ID]; ok && at > mark {
			n.IsRead = true
		}
		next[n.ID] = &noteEntry{note: n}
	}
	for id, e := range s.notes {
		if e.pushed <= mark {
			continue
		}
		if cur, ok := next[id]; ok {
			cur.note.IsRead = cur.note.IsRead || e.note.IsRead
			continue
		}
		next[id] = e
	}
	s.notes = next
	out := s.notificationsLocked()
	s.mu.Unlock()

	logger.Debugf("session: loaded %d notification(s)", len(notes))
	s.notify()
	return out, nil
}

// MarkNotificationRead marks one notification read on the server, then
// locally. The unread counter drops by one if it was unread.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	if err := s.notifications.MarkNotificationRead(ctx, id); err != nil {
		s.mu.Lock()
		if gen == s.gen {
			s.setErrLocked("mark notification as read", err)
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
	s.arrival++
	s.noteReads[id] = s.arrival
	if e, ok := s.notes[id]; ok && !e.note.IsRead {
		e.note.IsRead = true
		s.decUnreadLocked()
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

// MarkAllNotificationsRead marks every notification read and resets the
// unread counter.
func (s *Store) MarkAllNotificationsRead(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	if err := s.notifications.MarkAllNotificationsRead(ctx); err != nil {
		s.mu.Lock()
		if gen == s.gen {
			s.setErrLocked("mark all notifications as read", err)
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
	s.arrival++
	for id, e := range s.notes {
		e.note.IsRead = true
		s.noteReads[id] = s.arrival
	}
	s.unread = 0
	s.mu.Unlock()

	s.notify()
	return nil
}
