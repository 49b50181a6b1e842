// Package api is the HTTP client for Canopy's persistent store: the
// request/response side of the messaging backend (insert message, list
// messages, upsert read cursor). The companion realtime feed lives in
// internal/pulse and internal/redisfeed.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const DefaultTimeout = 30 * time.Second

// Client is the Canopy store API client.
//
// The client includes a circuit breaker that tracks server failures across
// requests for the lifetime of the client. Use ResetCircuitBreaker when
// reusing a client across logical sessions.
type Client struct {
	BaseURL     string
	APIToken    string
	HTTP        *http.Client
	UserAgent   string
	RetryConfig RetryConfig

	breaker *circuitBreaker
}

// New creates a store client for the given base URL and API token.
func New(baseURL, token string) *Client {
	retryCfg := DefaultRetryConfig()
	return &Client{
		BaseURL:     baseURL,
		APIToken:    token,
		RetryConfig: retryCfg,
		HTTP:        &http.Client{Timeout: DefaultTimeout},
		breaker: &circuitBreaker{
			threshold: retryCfg.CircuitBreakerThreshold,
			resetTime: retryCfg.CircuitBreakerResetTime,
		},
	}
}

// ResetCircuitBreaker clears breaker state. Useful between test runs or
// after recovering from a known transient failure.
func (c *Client) ResetCircuitBreaker() {
	if c.breaker != nil {
		c.breaker.reset()
	}
}

// Profile is the authenticated user's identity plus realtime credentials.
type Profile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PulseURL   string `json:"pulse_url"`
	PulseToken string `json:"pulse_token"`
}

// Conversation is a direct-message thread between participants.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	ParticipantIDs []string  `json:"participant_ids"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MessageRecord is a server-confirmed message as returned by the store.
type MessageRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReadCursor is a participant's last-read position in a conversation.
type ReadCursor struct {
	ConversationID string    `json:"conversation_id"`
	ParticipantID  string    `json:"participant_id"`
	LastReadAt     time.Time `json:"last_read_at"`
}

// Profile fetches the authenticated user's profile, including the Pulse
// token needed for the realtime websocket.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/api/v1/profile", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListConversations lists the user's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// InsertMessage writes a message and returns the server-assigned record
// (id and authoritative created-at).
func (c *Client) InsertMessage(ctx context.Context, conversationID, body string) (MessageRecord, error) {
	var rec MessageRecord
	path := fmt.Sprintf("/api/v1/conversations/%s/messages", url.PathEscape(conversationID))
	err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &rec)
	return rec, err
}

// ListMessages fetches messages for a conversation, oldest first. A zero
// since returns the full history; otherwise only messages created after
// since are returned. This is the catch-up query used after reconnection.
func (c *Client) ListMessages(ctx context.Context, conversationID string, since time.Time) ([]MessageRecord, error) {
	path := fmt.Sprintf("/api/v1/conversations/%s/messages", url.PathEscape(conversationID))
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var out struct {
		Messages []MessageRecord `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ListReadCursors fetches all participants' read cursors for a conversation.
func (c *Client) ListReadCursors(ctx context.Context, conversationID string) ([]ReadCursor, error) {
	path := fmt.Sprintf("/api/v1/conversations/%s/read_cursors", url.PathEscape(conversationID))
	var out struct {
		Cursors []ReadCursor `json:"cursors"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Cursors, nil
}

// UpsertReadCursor records the caller's last-read timestamp for a
// conversation.
func (c *Client) UpsertReadCursor(ctx context.Context, conversationID string, lastReadAt time.Time) error {
	path := fmt.Sprintf("/api/v1/conversations/%s/read_cursor", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPut, path, map[string]string{
		"last_read_at": lastReadAt.UTC().Format(time.RFC3339Nano),
	}, nil)
}

// do executes one API request with auth, retry, and error mapping.
// 5xx responses are retried per RetryConfig and feed the circuit breaker;
// 401/403 map to AuthError; other non-2xx map to APIError; network failures
// map to TransportError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.breaker != nil && c.breaker.isOpen() {
		return &TransportError{Op: method + " " + path, Err: &BreakerOpenError{}}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	attempts := c.RetryConfig.Max5xxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, c.RetryConfig.ServerErrorRetryDelay); err != nil {
				return &TransportError{Op: method + " " + path, Err: err}
			}
		}

		retryable, err := c.once(ctx, method, path, payload, out)
		if err == nil {
			if c.breaker != nil {
				c.breaker.recordSuccess()
			}
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		if c.breaker != nil {
			c.breaker.recordFailure()
		}
		slog.Debug("retryable store error", "method", method, "path", path, "attempt", attempt, "error", err)
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) (retryable bool, err error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return true, &TransportError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, &TransportError{Op: method + " " + path, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(data) == 0 {
			return false, nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("parse response: %w", err)
		}
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return false, &AuthError{Reason: errorReason(data, resp.StatusCode)}
	case resp.StatusCode >= 500:
		return true, &TransportError{
			Op:  method + " " + path,
			Err: &APIError{StatusCode: resp.StatusCode, Body: string(data)},
		}
	default:
		return false, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
}

func errorReason(body []byte, status int) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return http.StatusText(status)
}
