package client

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrEmptyDraft is returned by Send when there is nothing to send.
var ErrEmptyDraft = errors.New("message is empty")

// Composer holds the text being typed into a chat. Send clears the draft
// before the request goes out and puts it back if the request fails.
type Composer struct {
	client    *Client
	sessionID int64

	mu    sync.Mutex
	draft string
}

// NewComposer creates a composer for one chat.
func NewComposer(client *Client, sessionID int64) *Composer {
	return &Composer{client: client, sessionID: sessionID}
}

// SetDraft replaces the draft.
func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the current draft.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Send posts the draft. On failure the sent text is restored in front of
// anything typed while the request was in flight.
func (c *Composer) Send(ctx context.Context) (int64, error) {
	c.mu.Lock()
	text := c.draft
	if strings.TrimSpace(text) == "" {
		c.mu.Unlock()
		return 0, ErrEmptyDraft
	}
	c.draft = ""
	c.mu.Unlock()

	id, err := c.client.SendMessage(ctx, c.sessionID, text)
	if err != nil {
		c.mu.Lock()
		if c.draft == "" {
			c.draft = text
		} else {
			c.draft = text + "\n" + c.draft
		}
		c.mu.Unlock()
		return 0, err
	}
	return id, nil
}
