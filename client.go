// Package inbox is the Go SDK for the marketplace messaging service.
//
// It keeps a live conversation list and the open conversation's history in
// sync over a persistent push channel, with deduplicated optimistic sends,
// typing indicators and unread bookkeeping.
//
// Example:
//
//	session, _ := inbox.NewTokenSession(token, logout)
//	client := inbox.NewClient(session, inbox.WithBaseURL("https://market.example"))
//
//	m := inbox.NewMessenger(client, nil)
//	defer m.Close()
//	_ = m.Start(ctx)
//
//	view := m.OpenView(ctx)
//	defer view.Close()
//	view.OnChange(func(s inbox.State) { render(s) })
//	_, _ = view.Send(ctx, inbox.SendInput{ReceiverID: "seller-1", Content: "Is it still available?"})
package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// PersistenceAPI is the request/response side of the messaging service.
// *Client implements it; tests substitute fakes.
type PersistenceAPI interface {
	SendMessage(ctx context.Context, receiverID, content, productID string) (Message, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	ListMessages(ctx context.Context, userID, otherUserID string) ([]Message, error)
	MarkRead(ctx context.Context, userID, otherUserID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	session    Session
	httpClient *http.Client
	log        *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a persistence API client authenticated by session.
func NewClient(session Session, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		session: session,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: discardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the session the client authenticates with.
func (c *Client) Session() Session { return c.session }

// BaseURL returns the service root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger { return c.log }

// ============================================================================
// Internal request helper
// ============================================================================

// envelope is the service's response wrapper. Bodies without "success" are
// treated as bare payloads.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.session != nil {
		if token := c.session.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newAPIError(0, "NETWORK", "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newAPIError(0, "NETWORK", "failed to read response", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := newAPIError(resp.StatusCode, "", errorMessage(data), nil)
		c.log.Debug("request rejected", "method", method, "path", path, "status", resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized && c.session != nil {
			c.log.Warn("session rejected by server, invalidating")
			c.session.Invalidate()
		}
		return nil, apiErr
	}
	return data, nil
}

// errorMessage digs the human message out of an error body.
func errorMessage(data []byte) string {
	var env envelope
	if json.Unmarshal(data, &env) != nil {
		return ""
	}
	if env.Message != "" {
		return env.Message
	}
	if len(env.Error) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(env.Error, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(env.Error, &obj) == nil {
		return obj.Message
	}
	return ""
}

// unwrapEnvelope returns the payload of an enveloped response, or data itself
// when the body is not enveloped.
func unwrapEnvelope(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Success == nil {
		return trimmed, nil
	}
	if !*env.Success {
		return nil, newAPIError(http.StatusOK, "REJECTED", firstNonEmpty(env.Message, errorMessage(trimmed)), nil)
	}
	return env.Data, nil
}

func decodeJSON[T any](data []byte) (T, error) {
	var result T
	payload, err := unwrapEnvelope(data)
	if err != nil {
		return result, err
	}
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return result, nil
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// decodeList accepts a bare array or an object holding the array under key.
func decodeList[T any](data []byte, key string) ([]T, error) {
	payload, err := unwrapEnvelope(data)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, nil
	}
	var list []T
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &list); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return list, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if raw, ok := wrapped[key]; ok {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
	}
	return list, nil
}

// ============================================================================
// Messaging API Methods
// ============================================================================

type sendRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ProductID  string `json:"productId,omitempty"`
}

// SendMessage persists a message and returns the server's record.
func (c *Client) SendMessage(ctx context.Context, receiverID, content, productID string) (Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages", sendRequest{
		ReceiverID: receiverID,
		Content:    content,
		ProductID:  productID,
	})
	if err != nil {
		return Message{}, err
	}
	payload, err := unwrapEnvelope(data)
	if err != nil {
		return Message{}, err
	}
	msg, err := DecodeMessageEvent(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return msg, nil
}

// ListConversations returns the local user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/messages/conversations", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Conversation](data, "conversations")
}

// ListMessages returns the history between userID and otherUserID, oldest
// first.
func (c *Client) ListMessages(ctx context.Context, userID, otherUserID string) ([]Message, error) {
	path := "/api/messages/" + url.PathEscape(userID) + "/" + url.PathEscape(otherUserID)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Message](data, "messages")
}

// MarkRead acknowledges every message from otherUserID to userID.
func (c *Client) MarkRead(ctx context.Context, userID, otherUserID string) error {
	path := "/api/messages/read/" + url.PathEscape(userID) + "/" + url.PathEscape(otherUserID)
	data, err := c.doRequest(ctx, http.MethodPut, path, nil)
	if err != nil {
		return err
	}
	_, err = unwrapEnvelope(data)
	return err
}

// DeleteConversation removes a conversation for the local user.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	data, err := c.doRequest(ctx, http.MethodDelete, "/api/messages/conversations/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return err
	}
	_, err = unwrapEnvelope(data)
	return err
}

// WSURL returns the push channel endpoint derived from the base URL.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if c.session != nil {
		if token := c.session.Token(); token != "" {
			return base + "/ws?token=" + url.QueryEscape(token)
		}
	}
	return base + "/ws"
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
