// Package chatapi is the HTTP client for the Chat Service API. It covers the
// chat, message, request, receipt, typing, and follow endpoints the sync
// engine depends on. Transport-level retry and token refresh live outside
// this package.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ovalles/dmsync/internal/chat"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the Chat Service API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s: %s", e.Status, e.Code, e.Message)
}

// ErrStaleDeletion is returned when the server rejects a delete-for-everyone
// because the message is past the allowed age window. The constraint is
// server-enforced; callers revert the optimistic flag and tell the user to
// delete for themselves instead.
var ErrStaleDeletion = errors.New("chat api: message too old to delete for everyone")

// Client talks to the Chat Service API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a client for the given base URL and bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chat api: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &parsed) == nil && parsed.Code != "" {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Message
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ActiveChats returns the user's active conversation list.
func (c *Client) ActiveChats(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.do(ctx, http.MethodGet, "/v1/chats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MessageRequests returns conversations awaiting the user's accept/decline.
func (c *Client) MessageRequests(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.do(ctx, http.MethodGet, "/v1/chats/requests", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChatMessages returns the full message history for a conversation.
func (c *Client) ChatMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	var out []chat.Message
	if err := c.do(ctx, http.MethodGet, "/v1/chats/"+chatID+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a text message and returns the server-confirmed entry.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (*chat.Message, error) {
	body := map[string]string{"text": text}
	var out chat.Message
	if err := c.do(ctx, http.MethodPost, "/v1/chats/"+chatID+"/messages", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkAllRead marks every message in the conversation read for the user.
func (c *Client) MarkAllRead(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/v1/chats/"+chatID+"/read", nil, nil)
}

// MarkRead marks specific messages read for the user.
func (c *Client) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	body := map[string][]string{"messageIds": messageIDs}
	return c.do(ctx, http.MethodPost, "/v1/chats/"+chatID+"/read", body, nil)
}

// AcceptRequest accepts a message request.
func (c *Client) AcceptRequest(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/v1/chats/"+chatID+"/accept", nil, nil)
}

// DeclineRequest declines a message request.
func (c *Client) DeclineRequest(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/v1/chats/"+chatID+"/decline", nil, nil)
}

// DeleteMessage deletes a message in the given scope. Returns ErrStaleDeletion
// when the server rejects a for-everyone delete past the age window.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID string, scope chat.DeleteScope) error {
	body := map[string]string{"scope": string(scope)}
	err := c.do(ctx, http.MethodDelete, "/v1/chats/"+chatID+"/messages/"+messageID, body, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "message_too_old" {
		return ErrStaleDeletion
	}
	return err
}

// StartTyping signals that the user started typing in the conversation.
func (c *Client) StartTyping(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/v1/chats/"+chatID+"/typing/start", nil, nil)
}

// StopTyping signals that the user stopped typing in the conversation.
func (c *Client) StopTyping(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/v1/chats/"+chatID+"/typing/stop", nil, nil)
}

// CreateChat creates a conversation with the given participants.
func (c *Client) CreateChat(ctx context.Context, participantIDs []string, kind chat.Kind) (*chat.Conversation, error) {
	body := map[string]any{"participants": participantIDs, "kind": kind}
	var out chat.Conversation
	if err := c.do(ctx, http.MethodPost, "/v1/chats", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Follow makes the authenticated user follow userID.
func (c *Client) Follow(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/v1/users/"+userID+"/follow", nil, nil)
}

// Follows reports whether follower follows followee. Called in both
// directions for a true mutual-follow check.
func (c *Client) Follows(ctx context.Context, follower, followee string) (bool, error) {
	var out struct {
		Follows bool `json:"follows"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+follower+"/follows/"+followee, nil, &out); err != nil {
		return false, err
	}
	return out.Follows, nil
}
