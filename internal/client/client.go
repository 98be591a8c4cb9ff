// Package client talks to the chat action API the way the storefront widget
// and the agent console do: form-encoded POSTs polled on a timer.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/spec-kit/storefront-chat/internal/api/dto"
	"github.com/spec-kit/storefront-chat/internal/domain"
)

// ErrUnauthorized is returned when the server rejects the credentials.
var ErrUnauthorized = errors.New("unauthorized")

// ActionError is a {success:false} reply.
type ActionError struct {
	Code    string
	Message string
}

func (e *ActionError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsActionCode reports whether err is an ActionError with the given code.
func IsActionCode(err error, code string) bool {
	var actionErr *ActionError
	return errors.As(err, &actionErr) && actionErr.Code == code
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// MessageBatch is a get_messages reply.
type MessageBatch struct {
	Messages []dto.MessageView   `json:"messages"`
	Status   domain.SessionStatus `json:"session_status"`
}

// Transition is an accept, decline or end reply.
type Transition struct {
	Status  domain.SessionStatus `json:"session_status"`
	Changed bool                 `json:"changed"`
}

// Login is a successful login reply.
type Login struct {
	Principal dto.PrincipalView `json:"principal"`
	Auth      dto.AuthResponse  `json:"auth"`
}

// SessionListOptions narrows get_session_list.
type SessionListOptions struct {
	Statuses []domain.SessionStatus
	Mine     bool
	Limit    int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the bearer token up front.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// Client calls the chat action endpoint.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New builds a client for baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// RegisterCustomer creates a customer account and keeps its token.
func (c *Client) RegisterCustomer(ctx context.Context, name, email, password string) (*Login, error) {
	return c.login(ctx, "/auth/customers/register", url.Values{"name": {name}, "email": {email}, "password": {password}})
}

// LoginCustomer logs a customer in and keeps the token.
func (c *Client) LoginCustomer(ctx context.Context, email, password string) (*Login, error) {
	return c.login(ctx, "/auth/customers/login", url.Values{"email": {email}, "password": {password}})
}

// LoginStaff logs an agent in and keeps the token.
func (c *Client) LoginStaff(ctx context.Context, email, password string) (*Login, error) {
	return c.login(ctx, "/auth/staff/login", url.Values{"email": {email}, "password": {password}})
}

func (c *Client) login(ctx context.Context, path string, form url.Values) (*Login, error) {
	var out struct {
		Data Login `json:"data"`
	}
	if err := c.post(ctx, path, form, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.Data.Auth.Token)
	return &out.Data, nil
}

// StartChat opens a chat for the logged-in customer.
func (c *Client) StartChat(ctx context.Context) (int64, error) {
	var out struct {
		SessionID int64 `json:"session_id"`
	}
	if err := c.action(ctx, "start_chat", nil, &out); err != nil {
		return 0, err
	}
	return out.SessionID, nil
}

// CurrentSession returns the customer's open chat, or nil.
func (c *Client) CurrentSession(ctx context.Context) (*dto.SessionView, error) {
	var out struct {
		Session *dto.SessionView `json:"session"`
	}
	if err := c.action(ctx, "get_current_session", nil, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

// GetMessages fetches messages after lastMessageID.
func (c *Client) GetMessages(ctx context.Context, sessionID, lastMessageID int64) (*MessageBatch, error) {
	var out MessageBatch
	form := url.Values{
		"session_id":      {strconv.FormatInt(sessionID, 10)},
		"last_message_id": {strconv.FormatInt(lastMessageID, 10)},
	}
	if err := c.action(ctx, "get_messages", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts body and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, sessionID int64, body string) (int64, error) {
	var out struct {
		MessageID int64 `json:"message_id"`
	}
	form := url.Values{"session_id": {strconv.FormatInt(sessionID, 10)}, "message": {body}}
	if err := c.action(ctx, "send_message", form, &out); err != nil {
		return 0, err
	}
	return out.MessageID, nil
}

// AcceptChat claims a pending chat.
func (c *Client) AcceptChat(ctx context.Context, sessionID int64) (*Transition, error) {
	return c.transition(ctx, "accept_chat", sessionID)
}

// DeclineChat rejects a pending chat.
func (c *Client) DeclineChat(ctx context.Context, sessionID int64) (*Transition, error) {
	return c.transition(ctx, "decline_chat", sessionID)
}

// EndChat closes a chat.
func (c *Client) EndChat(ctx context.Context, sessionID int64) (*Transition, error) {
	return c.transition(ctx, "end_chat", sessionID)
}

func (c *Client) transition(ctx context.Context, action string, sessionID int64) (*Transition, error) {
	var out Transition
	if err := c.action(ctx, action, url.Values{"session_id": {strconv.FormatInt(sessionID, 10)}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionList fetches the agent session list.
func (c *Client) SessionList(ctx context.Context, opts SessionListOptions) ([]dto.SessionSummaryView, error) {
	form := url.Values{}
	if len(opts.Statuses) > 0 {
		parts := make([]string, 0, len(opts.Statuses))
		for _, s := range opts.Statuses {
			parts = append(parts, string(s))
		}
		form.Set("status", strings.Join(parts, ","))
	}
	if opts.Mine {
		form.Set("mine", "true")
	}
	if opts.Limit > 0 {
		form.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out struct {
		Sessions []dto.SessionSummaryView `json:"sessions"`
	}
	if err := c.action(ctx, "get_session_list", form, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// UnreadCount returns unread counterpart messages for the caller.
func (c *Client) UnreadCount(ctx context.Context, sessionID int64) (int, error) {
	var out struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := c.action(ctx, "get_unread_count", url.Values{"session_id": {strconv.FormatInt(sessionID, 10)}}, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

// MarkRead advances the caller's read cursor.
func (c *Client) MarkRead(ctx context.Context, sessionID, messageID int64) error {
	form := url.Values{
		"session_id": {strconv.FormatInt(sessionID, 10)},
		"message_id": {strconv.FormatInt(messageID, 10)},
	}
	return c.action(ctx, "mark_read", form, nil)
}

func (c *Client) action(ctx context.Context, name string, form url.Values, out any) error {
	if form == nil {
		form = url.Values{}
	}
	return errors.Wrapf(c.post(ctx, "/api/chat/"+name, form, out), "chat action %s", name)
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Wrap(err, "decode response")
	}
	if !env.Success {
		return &ActionError{Code: env.Code, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}
