// Package api is the REST client for the marketplace messaging and
// notification endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/bhandras/marketchat/pkg/logger"
)

const defaultTimeout = 15 * time.Second

// Error is a failed API call.
type Error struct {
	// Status is the HTTP status code. It is 0 when the server answered 2xx
	// with success=false.
	Status int
	// Message is the server supplied message, or the status text.
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("api: %s", e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

// envelope is the response wrapper used by every endpoint.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message"`
}

// Client calls the REST API with a bearer token.
type Client struct {
	http *resty.Client
}

// New returns a client for baseURL (e.g. "http://localhost:5000/api").
func New(baseURL, token string) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(defaultTimeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.http.SetAuthToken(token)
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

// call performs one request and unwraps the envelope into T.
func call[T any](ctx context.Context, c *Client, method, path string, build func(*resty.Request)) (T, error) {
	var zero T
	result := &envelope[T]{}

	req := c.http.R().SetContext(ctx).SetResult(result)
	if build != nil {
		build(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		logger.Errorf("api: %s %s: %v", method, path, err)
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := &Error{Status: resp.StatusCode(), Message: errorMessage(resp.StatusCode(), resp.String())}
		logger.Errorf("api: %s %s: %v", method, path, apiErr)
		return zero, apiErr
	}
	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "request was not successful"
		}
		apiErr := &Error{Message: msg}
		logger.Errorf("api: %s %s: %v", method, path, apiErr)
		return zero, apiErr
	}
	logger.Tracef("api: %s %s -> %d", method, path, resp.StatusCode())
	return result.Data, nil
}

// errorMessage extracts the envelope message from an error body, falling
// back to the status text.
func errorMessage(status int, body string) string {
	var env envelope[json.RawMessage]
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Message != "" {
		return env.Message
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "request failed"
}
