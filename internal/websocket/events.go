package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventName identifies an event published by the Manager.
type EventName string

const (
	// EventConnection reports connection status transitions.
	EventConnection EventName = "connection"
	// EventAuthenticated carries the server acknowledgement of the handshake.
	EventAuthenticated EventName = "authenticated"
	// EventMessage carries a newly delivered chat message.
	EventMessage EventName = "message"
	// EventMessageRead reports that a message was read by its recipient.
	EventMessageRead EventName = "message_read"
	// EventNotification carries a newly delivered notification.
	EventNotification EventName = "notification"
	// EventUnreadCount carries the server-side unread counter.
	EventUnreadCount EventName = "unread_count"
	// EventError reports transport and send failures.
	EventError EventName = "error"
	// EventAll is the wildcard; its listeners receive every event with the
	// original name preserved in Event.Name.
	EventAll EventName = "all"
)

// Wire event names. Inbound names that differ from the public vocabulary are
// renamed in inboundEvents.
const (
	wireAuthenticate    = "authenticate"
	wireSendMessage     = "send_message"
	wireAuthenticated   = "authenticated"
	wireNewMessage      = "new_message"
	wireMessageRead     = "message_read"
	wireNewNotification = "new_notification"
	wireUnreadCount     = "unread_count"
	wireError           = "error"
)

// inboundEvents maps server event names onto the public vocabulary.
var inboundEvents = map[string]EventName{
	wireAuthenticated:   EventAuthenticated,
	wireNewMessage:      EventMessage,
	wireMessageRead:     EventMessageRead,
	wireNewNotification: EventNotification,
	wireUnreadCount:     EventUnreadCount,
	wireError:           EventError,
}

// inboundWireNames returns the server event names a transport must subscribe to.
func inboundWireNames() []string {
	names := make([]string, 0, len(inboundEvents))
	for name := range inboundEvents {
		names = append(names, name)
	}
	return names
}

// Known reports whether name is part of the event vocabulary.
func (n EventName) Known() bool {
	switch n {
	case EventConnection, EventAuthenticated, EventMessage, EventMessageRead,
		EventNotification, EventUnreadCount, EventError, EventAll:
		return true
	}
	return false
}

var (
	// ErrNotConnected is returned when sending without a live connection.
	ErrNotConnected = errors.New("realtime connection is not connected")
	// ErrUnknownEvent is returned when subscribing to an unknown event name.
	ErrUnknownEvent = errors.New("unknown event")
)

// Event is a single published event.
type Event struct {
	Name EventName
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// ConnectionPayload is the payload of EventConnection.
type ConnectionPayload struct {
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	DelayMs int64  `json:"delayMs,omitempty"`
}

// ErrorPayload is the payload of EventError.
type ErrorPayload struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a reported error.
type ErrorDetail struct {
	Message string `json:"message"`
}

// OutboundMessage is the payload of the send_message wire event.
type OutboundMessage struct {
	ClientID   string    `json:"clientId"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	ReceiverID string    `json:"receiverId"`
	OrderID    string    `json:"orderId,omitempty"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
}

type authPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only used with payload structs defined in this package.
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return raw
}
