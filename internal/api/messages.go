package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"resty.dev/v3"

	"github.com/bhandras/marketchat/pkg/types"
)

// SendRoute selects the send endpoint by sender and recipient role.
type SendRoute string

const (
	RouteCustomerToVendor SendRoute = "customer-to-vendor"
	RouteVendorToCustomer SendRoute = "vendor-to-customer"
	RouteCustomerToAdmin  SendRoute = "customer-to-admin"
	RouteAdminToAdmins    SendRoute = "admin-to-admins"
)

// RouteFor picks the send endpoint for a message from a user with role from
// to a recipient of type to.
func RouteFor(from, to types.Role) (SendRoute, error) {
	switch to {
	case types.RoleVendor:
		return RouteCustomerToVendor, nil
	case types.RoleCustomer:
		return RouteVendorToCustomer, nil
	case types.RoleAdmin:
		if from == types.RoleAdmin {
			return RouteAdminToAdmins, nil
		}
		return RouteCustomerToAdmin, nil
	}
	return "", fmt.Errorf("unsupported recipient type %q", to)
}

// SendMessage posts a message and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, route SendRoute, req types.SendRequest) (types.Message, error) {
	return call[types.Message](ctx, c, http.MethodPost, "/messages/"+string(route), func(r *resty.Request) {
		r.SetBody(req)
	})
}

// Messages fetches the message list of a role.
func (c *Client) Messages(ctx context.Context, role types.Role) ([]types.Message, error) {
	switch role {
	case types.RoleCustomer, types.RoleVendor, types.RoleAdmin:
	default:
		return nil, fmt.Errorf("no message list for role %q", role)
	}
	return call[[]types.Message](ctx, c, http.MethodGet, "/messages/"+string(role), nil)
}

// OrderMessages fetches the thread of an order.
func (c *Client) OrderMessages(ctx context.Context, orderID string) ([]types.Message, error) {
	return call[[]types.Message](ctx, c, http.MethodGet, "/messages/order/{orderId}", func(r *resty.Request) {
		r.SetPathParam("orderId", orderID)
	})
}

// MarkMessageRead marks one message read.
func (c *Client) MarkMessageRead(ctx context.Context, id string) error {
	_, err := call[json.RawMessage](ctx, c, http.MethodPut, "/messages/{id}/read", func(r *resty.Request) {
		r.SetPathParam("id", id)
	})
	return err
}

// UnreadCount fetches the server-side unread message count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	res, err := call[types.UnreadCount](ctx, c, http.MethodGet, "/messages/unread/count", nil)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Notifications fetches the newest notifications. A limit of zero leaves the
// page size to the server.
func (c *Client) Notifications(ctx context.Context, limit int) ([]types.Notification, error) {
	return call[[]types.Notification](ctx, c, http.MethodGet, "/notifications", func(r *resty.Request) {
		if limit > 0 {
			r.SetQueryParam("limit", strconv.Itoa(limit))
		}
	})
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := call[json.RawMessage](ctx, c, http.MethodPut, "/notifications/{id}/read", func(r *resty.Request) {
		r.SetPathParam("id", id)
	})
	return err
}

// MarkAllNotificationsRead marks every notification read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := call[json.RawMessage](ctx, c, http.MethodPut, "/notifications/read-all", nil)
	return err
}
