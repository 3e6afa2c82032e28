// Package client is the Go SDK for EpochChat.
//
// # Real-time session
//
//	s := client.NewSession(client.Config{
//	    URL:     "ws://localhost:8080/ws",
//	    OnFrame: func(f protocol.ServerFrame) { render(f) },
//	    OnError: func(err error) { log.Println(err) },
//	})
//	s.Connect(token)
//	clientID, err := s.Send("hello", "bob", "")
//
// Send appends an optimistic entry immediately. The entry is replaced by the
// canonical message once the gateway echoes it back, and its delivery state
// follows the receipts the gateway pushes.
//
// # History
//
//	api := client.New("http://localhost:8080", client.WithToken(token))
//	msgs, err := api.History(ctx, "bob", client.HistoryOptions{Limit: 50})
//
// # Error handling
//
// All API methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the EpochChat server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("epochchat: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether the server rejected the token.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client calls the EpochChat history API. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a new Client for the EpochChat server at baseURL.
//
//	c := client.New("http://localhost:8080", client.WithToken(tok))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// HistoryOptions pages backwards through a conversation.
type HistoryOptions struct {
	// Limit is the page size; 0 uses the server default.
	Limit int
	// Before is a message ID; only older messages are returned.
	Before string
}

// Conversation is one row of the conversation list.
type Conversation struct {
	PeerID      string            `json:"peerId"`
	LastMessage *protocol.Message `json:"lastMessage,omitempty"`
	UnreadCount int               `json:"unreadCount"`
}

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status      string `json:"status"`
	NodeID      string `json:"nodeId"`
	Connections int    `json:"connections"`
	UptimeMs    int64  `json:"uptimeMs"`
}

// ─── API ──────────────────────────────────────────────────────────────────────

// History returns the messages exchanged with peer, oldest first.
func (c *Client) History(ctx context.Context, peer string, opts HistoryOptions) ([]protocol.Message, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Before != "" {
		q.Set("before", opts.Before)
	}
	path := "/api/messages/" + url.PathEscape(peer)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Messages []protocol.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Conversations lists the caller's conversations, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var resp struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// MarkSeen marks every message from peer as seen and returns how many
// changed.
func (c *Client) MarkSeen(ctx context.Context, peer string) (int, error) {
	var resp struct {
		Updated int `json:"updated"`
	}
	path := "/api/conversations/" + url.PathEscape(peer) + "/seen"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Updated, nil
}

// ContactAdded notifies peer that the caller added them as a contact.
func (c *Client) ContactAdded(ctx context.Context, peer, senderName string) error {
	body := map[string]string{}
	if senderName != "" {
		body["senderName"] = senderName
	}
	return c.do(ctx, http.MethodPost, "/api/contacts/"+url.PathEscape(peer)+"/added", body, nil)
}

// Health returns the server health summary.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var h HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("epochchat: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("epochchat: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("epochchat: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("epochchat: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("epochchat: decode response: %w", err)
		}
	}
	return nil
}
