// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package replication

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
	"sync"
	"time"

	"github.com/jeranaias/threadline/internal/logging"
	"github.com/jeranaias/threadline/internal/model"
)

// =============================================================================
// TRANSPORT
// =============================================================================

// Transport exchanges sync messages with a server.
type Transport interface {
	// Send delivers one message and returns the server's replies.
	Send(ctx context.Context, msg Message) ([]Message, error)
}

// LegacySource yields flat pre-replication chats for one-time import.
type LegacySource interface {
	LegacyChats(ctx context.Context) ([]model.LegacyChat, error)
}

// APIError represents a non-2xx response from the sync server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sync server error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("sync server error (%d)", e.Status)
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// Client talks to the sync server over HTTP. It implements Transport and
// LegacySource.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
	now   func() time.Time
	log   *slog.Logger
}

// NewClient constructs a sync client. token may be empty for anonymous use.
func NewClient(baseURL, token string) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: normalized,
		token:   token,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		now: time.Now,
		log: logging.Discard(),
	}, nil
}

// NormalizeBaseURL normalizes a server URL and ensures it has a scheme.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("sync url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid sync url: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("sync url must include scheme (https://)")
	}
	return strings.TrimRight(value, "/"), nil
}

// SetLogger sets where skipped replies are reported.
func (c *Client) SetLogger(l *slog.Logger) {
	c.log = logging.OrDiscard(l)
}

// SetToken replaces the bearer token used for requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Send posts one message to /sync and decodes the packed replies. A reply
// that does not decode is logged and skipped; only a broken batch fails the
// call. A 429 becomes a *RateLimitError carrying the clamped backoff.
func (c *Client) Send(ctx context.Context, msg Message) ([]Message, error) {
	body, err := c.do(ctx, http.MethodPost, "/sync", "application/octet-stream", msg.Encode())
	if err != nil {
		return nil, err
	}
	items, err := DecodeBatch(body)
	if err != nil {
		return nil, err
	}
	replies := make([]Message, 0, len(items))
	for _, item := range items {
		m, err := DecodeMessage(item)
		if err != nil {
			c.log.Warn("skipping malformed sync reply", "bytes", len(item), "error", err)
			continue
		}
		replies = append(replies, m)
	}
	return replies, nil
}

// LegacyChats fetches flat chats from /legacy/chats. A 404 means the server
// has none.
func (c *Client) LegacyChats(ctx context.Context) ([]model.LegacyChat, error) {
	body, err := c.do(ctx, http.MethodGet, "/legacy/chats", "", nil)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var chats []model.LegacyChat
	if err := json.Unmarshal(body, &chats); err != nil {
		return nil, fmt.Errorf("decode legacy chats: %w", err)
	}
	return chats, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: ParseRateLimitReset(resp.Header, c.now())}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}
