// Package rest is the HTTP client for the consultation backend. Every
// response arrives wrapped in a {success, message, data} envelope and
// is unwrapped before being handed to callers.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jyotilabs/chatd/internal/errs"
	"go.uber.org/zap"
)

// Client talks to the chat REST endpoints.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a REST client. token is the bearer credential of the
// signed-in identity.
func New(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Session is the server's conversation record. The participant fields
// describe the counterpart, whichever side the caller is not.
type Session struct {
	ID                string    `json:"_id"`
	ParticipantID     string    `json:"participantId"`
	ParticipantName   string    `json:"participantName"`
	ParticipantAvatar string    `json:"participantAvatar"`
	ParticipantRole   string    `json:"participantRole"`
	Online            bool      `json:"isOnline"`
	UnreadCount       int       `json:"unreadCount"`
	LastMessage       *LastMsg  `json:"lastMessage"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// LastMsg is a conversation's last-message preview.
type LastMsg struct {
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Sender     string    `json:"sender"`
	SenderRole string    `json:"senderRole"`
}

// MessageDTO is the server's message record.
type MessageDTO struct {
	ID             string    `json:"_id"`
	SessionID      string    `json:"sessionId"`
	Sender         string    `json:"sender"`
	SenderRole     string    `json:"senderRole"`
	Content        string    `json:"content"`
	AttachmentURL  string    `json:"attachmentUrl"`
	AttachmentName string    `json:"attachmentName"`
	AttachmentMIME string    `json:"attachmentType"`
	AttachmentSize int64     `json:"attachmentSize"`
	Timestamp      time.Time `json:"timestamp"`
	DeliveredAt    time.Time `json:"deliveredAt"`
	Deleted        bool      `json:"isDeleted"`
}

// Pagination is the server's page descriptor.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// envelope is the wire wrapper around every REST payload.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ListSessions fetches one page of conversations ordered by
// most-recent-activity descending. A response missing the sessions
// array is treated as empty, never as a decode failure.
func (c *Client) ListSessions(ctx context.Context, page, limit int) ([]Session, *Pagination, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	raw, err := c.do(ctx, http.MethodGet, "/chat/sessions?"+q.Encode(), nil)
	if err != nil {
		return nil, nil, err
	}

	var payload struct {
		Sessions   []Session   `json:"sessions"`
		Pagination *Pagination `json:"pagination"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Sessions == nil {
		c.logger.Warn("malformed session list response, treating as empty",
			zap.Error(err), zap.Int("bytes", len(raw)))
		return []Session{}, nil, nil
	}
	return payload.Sessions, payload.Pagination, nil
}

// CreateSession requests (or reuses) the single conversation with the
// given counterpart. The created flag reports whether it was fresh.
// Safe to call repeatedly; the server enforces one conversation per pair.
func (c *Client) CreateSession(ctx context.Context, participantID string) (*Session, bool, error) {
	body := map[string]string{"astrologerId": participantID}
	raw, err := c.do(ctx, http.MethodPost, "/chat/sessions", body)
	if err != nil {
		return nil, false, err
	}

	var payload struct {
		Session *Session `json:"session"`
		Created bool     `json:"created"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false, fmt.Errorf("decode session: %w", err)
	}
	if payload.Session == nil {
		// Minimal record may arrive unwrapped.
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil || s.ID == "" {
			return nil, false, fmt.Errorf("decode session: missing record")
		}
		return &s, false, nil
	}
	return payload.Session, payload.Created, nil
}

// ListMessages fetches one page of messages for a conversation. before
// is an exclusive timestamp cursor (zero for latest). markAsRead asks
// the server to clear the unread counter as a side effect.
func (c *Client) ListMessages(ctx context.Context, sessionID string, page, limit int, before time.Time, markAsRead bool) ([]MessageDTO, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if markAsRead {
		q.Set("markAsRead", "true")
	}

	raw, err := c.do(ctx, http.MethodGet, "/chat/sessions/"+url.PathEscape(sessionID)+"/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Messages []MessageDTO `json:"messages"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Messages == nil {
		c.logger.Warn("malformed message list response, treating as empty",
			zap.Error(err), zap.String("session_id", sessionID))
		return []MessageDTO{}, nil
	}
	return payload.Messages, nil
}

// UnreadCounts fetches the server's unread counters keyed by session id.
// Used by the reconnect reconciliation pass so counts cannot drift
// forever when a socket event is missed.
func (c *Client) UnreadCounts(ctx context.Context) (map[string]int, error) {
	raw, err := c.do(ctx, http.MethodGet, "/chat/sessions/unread", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Counts == nil {
		return map[string]int{}, nil
	}
	return payload.Counts, nil
}

// do performs a request and unwraps the response envelope. Absence of
// the data field means the raw payload is the result.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
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
		return nil, &errs.NetworkError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.NetworkError{Op: "read " + path, Err: err}
	}

	var env envelope
	decodable := json.Unmarshal(raw, &env) == nil

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &errs.AuthenticationError{Message: env.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &errs.ApiError{StatusCode: resp.StatusCode, Message: msg}
	}

	if decodable && len(env.Data) > 0 {
		return env.Data, nil
	}
	return raw, nil
}
