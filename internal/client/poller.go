package client

import (
	"context"
	"sync"
	"time"

	"github.com/spec-kit/storefront-chat/internal/api/dto"
	"github.com/spec-kit/storefront-chat/internal/domain"
)

const (
	DefaultMessageInterval = 3 * time.Second
	DefaultSessionInterval = 10 * time.Second
)

// MessagePoller follows one chat by fetching get_messages on a timer. It
// keeps a cursor of the highest message id seen and stops after the chat
// closes. Errors are reported and retried on the next tick.
type MessagePoller struct {
	client    *Client
	sessionID int64
	interval  time.Duration

	OnMessages func([]dto.MessageView)
	OnStatus   func(domain.SessionStatus)
	OnClosed   func()
	OnError    func(error)

	mu     sync.Mutex
	cursor int64
	status domain.SessionStatus
}

// NewMessagePoller creates a poller starting at cursor 0, which fetches the
// whole transcript on the first tick.
func NewMessagePoller(client *Client, sessionID int64, interval time.Duration) *MessagePoller {
	if interval <= 0 {
		interval = DefaultMessageInterval
	}
	return &MessagePoller{client: client, sessionID: sessionID, interval: interval}
}

// Cursor returns the highest message id delivered so far.
func (p *MessagePoller) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Run polls until ctx is done or the chat closes. It returns nil when the
// chat closed and ctx.Err() otherwise.
func (p *MessagePoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		closed, err := p.Poll(ctx)
		if err != nil {
			p.reportError(err)
		}
		if closed {
			ticker.Stop()
			// one last fetch picks up the closing system message
			if _, err := p.Poll(ctx); err != nil {
				p.reportError(err)
			}
			if p.OnClosed != nil {
				p.OnClosed()
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll performs a single fetch and reports whether the chat is closed.
func (p *MessagePoller) Poll(ctx context.Context) (bool, error) {
	cursor := p.Cursor()
	batch, err := p.client.GetMessages(ctx, p.sessionID, cursor)
	if err != nil {
		return false, err
	}

	fresh := make([]dto.MessageView, 0, len(batch.Messages))
	p.mu.Lock()
	for _, m := range batch.Messages {
		if m.ID > p.cursor {
			fresh = append(fresh, m)
			p.cursor = m.ID
		}
	}
	statusChanged := batch.Status != p.status
	p.status = batch.Status
	p.mu.Unlock()

	if len(fresh) > 0 && p.OnMessages != nil {
		p.OnMessages(fresh)
	}
	if statusChanged && p.OnStatus != nil {
		p.OnStatus(batch.Status)
	}
	return batch.Status == domain.SessionStatusClosed, nil
}

func (p *MessagePoller) reportError(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}

// SessionListPoller refreshes the agent session list on a timer.
type SessionListPoller struct {
	client   *Client
	options  SessionListOptions
	interval time.Duration

	OnSessions func([]dto.SessionSummaryView)
	OnError    func(error)
}

// NewSessionListPoller creates a session list poller.
func NewSessionListPoller(client *Client, options SessionListOptions, interval time.Duration) *SessionListPoller {
	if interval <= 0 {
		interval = DefaultSessionInterval
	}
	return &SessionListPoller{client: client, options: options, interval: interval}
}

// Run polls until ctx is done.
func (p *SessionListPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		sessions, err := p.client.SessionList(ctx, p.options)
		switch {
		case err != nil && p.OnError != nil:
			p.OnError(err)
		case err == nil && p.OnSessions != nil:
			p.OnSessions(sessions)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
