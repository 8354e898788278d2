package types

import (
	"sort"
	"strings"
	"time"
)

// Role is the marketplace role of a user.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleVendor   Role = "vendor"
	RoleCustomer Role = "customer"
	RoleDelivery Role = "delivery"
)

// MessageRoles lists the roles that own a message list.
var MessageRoles = []Role{RoleCustomer, RoleVendor, RoleAdmin}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleVendor, RoleCustomer, RoleDelivery:
		return true
	}
	return false
}

// User is the signed-in user the messaging session belongs to.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Role  Role   `json:"role"`
	Token string `json:"-"`
}

// Message is a single chat message as returned by the API or pushed over the
// realtime connection.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	SenderRole Role      `json:"senderRole,omitempty"`
	ReceiverID string    `json:"receiverId,omitempty"`
	OrderID    string    `json:"orderId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	IsRead     bool      `json:"isRead"`
}

// ConversationKey returns the canonical conversation key of the message.
//
// Order-scoped threads are keyed by order id. Everything else is keyed by the
// unordered pair of participants, so both directions land in one thread.
func (m Message) ConversationKey() string {
	if m.OrderID != "" {
		return "order:" + m.OrderID
	}
	pair := []string{m.SenderID, m.ReceiverID}
	sort.Strings(pair)
	return "pair:" + strings.Join(pair, ":")
}

// Before reports whether m sorts before o in a conversation. Ties on
// CreatedAt are broken by id so the order is total.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Notification is a user-facing notification.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Type      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	IsRead    bool      `json:"isRead"`
	Link      string    `json:"link,omitempty"`
	Sender    string    `json:"sender,omitempty"`
}

// SendRequest describes an outgoing chat message sent through the REST API.
type SendRequest struct {
	RecipientID   string `json:"receiverId,omitempty"`
	RecipientType Role   `json:"-"`
	Content       string `json:"content"`
	OrderID       string `json:"orderId,omitempty"`
}

// UnreadCount is the payload of the unread counter endpoint and push event.
type UnreadCount struct {
	Count int `json:"count"`
}
