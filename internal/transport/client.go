package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"mychat/internal/model"
)

// Client executes REST calls against the backend. Retries here are
// transport-level only (connection resets, 5xx); application-level
// policy stays "log and let the next poll correct".
type Client struct {
	base   string
	http   *retryablehttp.Client
	logger *zap.Logger
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   rc,
		logger: logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return &RequestError{Method: method, Path: path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Method: method, Path: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &RequestError{Method: method, Path: path, Status: resp.StatusCode}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RequestError{Method: method, Path: path, Err: err}
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Register creates an account and returns the logged-in user.
func (c *Client) Register(ctx context.Context, username, email, password string) (model.User, error) {
	if username == "" || email == "" || password == "" {
		return model.User{}, fmt.Errorf("register: all fields are required: %w", ErrValidation)
	}
	var u wireUser
	err := c.do(ctx, http.MethodPost, "/users/register", registerBody{Username: username, Email: email, Password: password}, &u)
	if err != nil {
		return model.User{}, err
	}
	return u.toModel(), nil
}

// Login authenticates and returns the current user.
func (c *Client) Login(ctx context.Context, username, password string) (model.User, error) {
	if username == "" || password == "" {
		return model.User{}, fmt.Errorf("login: username and password are required: %w", ErrValidation)
	}
	var u wireUser
	err := c.do(ctx, http.MethodPost, "/users/login", loginBody{Username: username, Password: password}, &u)
	if err != nil {
		return model.User{}, err
	}
	return u.toModel(), nil
}

// Users returns all registered users, including self; callers filter.
func (c *Client) Users(ctx context.Context) ([]model.User, error) {
	var wire []wireUser
	if err := c.do(ctx, http.MethodGet, "/users", nil, &wire); err != nil {
		return nil, err
	}
	users := make([]model.User, 0, len(wire))
	for _, u := range wire {
		users = append(users, u.toModel())
	}
	return users, nil
}

// Messages returns the ordered message history between two users.
func (c *Client) Messages(ctx context.Context, userA, userB int64) ([]model.Message, error) {
	var wire []wireMessage
	path := fmt.Sprintf("/messages/%d/%d", userA, userB)
	if err := c.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(wire))
	for _, m := range wire {
		msgs = append(msgs, m.toModel())
	}
	return msgs, nil
}

// SendMessage creates a message via the request channel. Used as the
// fallback when the push channel is unavailable.
func (c *Client) SendMessage(ctx context.Context, m model.Message) error {
	body := sendMessageBody{SenderID: m.SenderID, ReceiverID: m.ReceiverID, Content: m.Content}
	return c.do(ctx, http.MethodPost, "/messages", body, nil)
}

// MarkRead flags a message as read. Fire-and-forget semantics belong to
// the caller; this just executes the request.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/messages/%d/read", messageID), nil, nil)
}

// Friends returns the friend roster for a user.
func (c *Client) Friends(ctx context.Context, userID int64) ([]model.User, error) {
	var wire []wireUser
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/friends/%d", userID), nil, &wire); err != nil {
		return nil, err
	}
	friends := make([]model.User, 0, len(wire))
	for _, u := range wire {
		friends = append(friends, u.toModel())
	}
	return friends, nil
}

// PendingRequests returns all pending friend requests touching a user,
// both directions.
func (c *Client) PendingRequests(ctx context.Context, userID int64) ([]model.FriendRequest, error) {
	var wire []wireRequest
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/friend-requests/pending/%d", userID), nil, &wire); err != nil {
		return nil, err
	}
	reqs := make([]model.FriendRequest, 0, len(wire))
	for _, r := range wire {
		reqs = append(reqs, r.toModel())
	}
	return reqs, nil
}

// SendRequest creates a pending friend request from sender to target.
func (c *Client) SendRequest(ctx context.Context, targetID, senderID int64) error {
	path := fmt.Sprintf("/friend-requests/%d?sender_id=%d", targetID, senderID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// AcceptRequest accepts a pending friend request.
func (c *Client) AcceptRequest(ctx context.Context, requestID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/friend-requests/%d/accept", requestID), nil, nil)
}

// RejectRequest rejects a pending friend request.
func (c *Client) RejectRequest(ctx context.Context, requestID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/friend-requests/%d/reject", requestID), nil, nil)
}
