package session

import (
	"context"
	"errors"
	"testing"

	"github.com/bhandras/marketchat/pkg/types"
	"github.com/stretchr/testify/require"
)

func note(id string, minute int, read bool) types.Notification {
	return types.Notification{
		ID:        id,
		Title:     "title " + id,
		Content:   "content " + id,
		CreatedAt: at(minute),
		IsRead:    read,
	}
}

func noteIDs(notes []types.Notification) []string {
	out := make([]string, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.ID)
	}
	return out
}

func TestStore_NotificationsNewestFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vendor(), Options{})
	h.api.setNotes(note("n1", 1, false), note("n2", 2, true), note("n0", 2, false))
	h.start(t)

	require.Equal(t, []string{"n2", "n0", "n1"}, noteIDs(h.store.Notifications()))

	_, err := h.store.FetchNotifications(context.Background(), 5)
	require.NoError(t, err)

	h.api.mu.Lock()
	limits := append([]int(nil), h.api.limits...)
	h.api.mu.Unlock()
	require.Equal(t, []int{20, 5}, limits)
}

func TestStore_InboundNotification(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vendor(), Options{})
	h.api.setUnread(1)
	h.start(t)
	require.Equal(t, 1, h.store.UnreadCount())

	h.push("new_notification", map[string]any{"notification": note("n3", 3, false)})
	require.Equal(t, 2, h.store.UnreadCount())
	require.Equal(t, []string{"n3"}, noteIDs(h.store.Notifications()))

	// Redelivery is ignored.
	h.push("new_notification", note("n3", 3, false))
	require.Equal(t, 2, h.store.UnreadCount())
	require.Len(t, h.store.Notifications(), 1)

	// Read notifications do not count.
	h.push("new_notification", note("n4", 4, true))
	require.Equal(t, 2, h.store.UnreadCount())
	require.Equal(t, []string{"n4", "n3"}, noteIDs(h.store.Notifications()))
}

func TestStore_MarkNotificationRead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vendor(), Options{})
	h.api.setNotes(note("n1", 1, false), note("n2", 2, true))
	h.api.setUnread(3)
	h.start(t)

	ctx := context.Background()
	require.NoError(t, h.store.MarkNotificationRead(ctx, "n1"))
	require.Equal(t, 2, h.store.UnreadCount())

	// Already read: no further decrement.
	require.NoError(t, h.store.MarkNotificationRead(ctx, "n1"))
	require.NoError(t, h.store.MarkNotificationRead(ctx, "n2"))
	require.Equal(t, 2, h.store.UnreadCount())

	for _, n := range h.store.Notifications() {
		require.True(t, n.IsRead, n.ID)
	}

	h.api.fail("markNote", errors.New("boom"))
	require.Error(t, h.store.MarkNotificationRead(ctx, "n9"))
	require.Equal(t, "Failed to mark notification as read: boom", h.store.Err())
	require.Equal(t, 2, h.store.UnreadCount())
}

func TestStore_MarkAllNotificationsRead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, vendor(), Options{})
	h.api.setNotes(note("n1", 1, false), note("n2", 2, false))
	h.api.setUnread(5)
	h.start(t)

	ctx := context.Background()
	h.api.fail("markAllNotes", errors.New("offline"))
	require.Error(t, h.store.MarkAllNotificationsRead(ctx))
	require.Equal(t, 5, h.store.UnreadCount())
	require.Equal(t, "Failed to mark all notifications as read: offline", h.store.Err())

	h.api.fail("markAllNotes", nil)
	require.NoError(t, h.store.MarkAllNotificationsRead(ctx))
	require.Zero(t, h.store.UnreadCount())
	for _, n := range h.store.Notifications() {
		require.True(t, n.IsRead, n.ID)
	}
}
