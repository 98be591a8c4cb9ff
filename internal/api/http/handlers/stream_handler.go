package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/spec-kit/storefront-chat/internal/api/dto"
	"github.com/spec-kit/storefront-chat/internal/auth"
	"github.com/spec-kit/storefront-chat/internal/domain"
	"github.com/spec-kit/storefront-chat/internal/realtime"
	"github.com/spec-kit/storefront-chat/internal/service"
	apperrors "github.com/spec-kit/storefront-chat/pkg/util"
)

const (
	streamFetchTimeout = 5 * time.Second
	defaultCloseGrace  = 500 * time.Millisecond
)

// StreamHandler pushes session updates as server-sent events. Each stream
// reads through the same GetMessages path as the poller; the hub only decides
// when to read.
type StreamHandler struct {
	chat      *service.ChatService
	hub       *realtime.Hub
	heartbeat  time.Duration
	closeGrace time.Duration
	logger     *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamHandler constructs handler.
func NewStreamHandler(chatService *service.ChatService, hub *realtime.Hub, heartbeat time.Duration, logger *zap.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		chat:       chatService,
		hub:        hub,
		heartbeat:  heartbeat,
		closeGrace: defaultCloseGrace,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// WithCloseGrace sets how long a stream waits for the closing system message
// after it first observes a closed session.
func (h *StreamHandler) WithCloseGrace(d time.Duration) *StreamHandler {
	h.closeGrace = d
	return h
}

// Close ends every open stream so the server can shut down.
func (h *StreamHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Stream handles GET /api/chat/sessions/:id/stream.
func (h *StreamHandler) Stream(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	sessionID, err := c.ParamsInt("id")
	if err != nil || sessionID <= 0 {
		return apperrors.NewValidationError("invalid session id", map[string]any{"id": c.Params("id")})
	}
	cursor := int64(c.QueryInt("last_message_id", 0))
	if _, err := h.chat.SessionForStream(c.UserContext(), principal, int64(sessionID)); err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	p := *principal
	wake, cancel := h.hub.Subscribe(int64(sessionID))
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		h.pump(w, &p, int64(sessionID), cursor, wake)
	}))
	return nil
}

func (h *StreamHandler) pump(w *bufio.Writer, p *domain.Principal, sessionID, cursor int64, wake <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	var lastStatus domain.SessionStatus
	draining := false
	for {
		ctx, cancelFetch := context.WithTimeout(context.Background(), streamFetchTimeout)
		batch, err := h.chat.GetMessages(ctx, p, sessionID, cursor)
		cancelFetch()
		if err != nil {
			de := apperrors.ToDomainError(err)
			_ = writeEvent(w, "error", fiber.Map{"code": de.Code, "message": de.Message})
			_ = w.Flush()
			return
		}
		if len(batch.Messages) > 0 {
			cursor = batch.Messages[len(batch.Messages)-1].ID
			if err := writeEvent(w, "messages", dto.NewMessageViews(batch.Messages)); err != nil {
				return
			}
		}
		if batch.Status == domain.SessionStatusClosed && !draining {
			// the closing system message is written right after the status flips
			draining = true
			if err := w.Flush(); err != nil {
				return
			}
			grace := time.NewTimer(h.closeGrace)
			select {
			case <-h.done:
			case <-wake:
			case <-grace.C:
			}
			grace.Stop()
			continue
		}
		if batch.Status != lastStatus {
			lastStatus = batch.Status
			if err := writeEvent(w, "status", fiber.Map{"session_status": batch.Status}); err != nil {
				return
			}
		}
		if err := w.Flush(); err != nil {
			h.logger.Debug("stream client went away", zap.Int64("session_id", sessionID), zap.Error(err))
			return
		}
		if batch.Status == domain.SessionStatusClosed {
			return
		}

		select {
		case <-h.done:
			return
		case <-wake:
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return
			}
		}
	}
}

func writeEvent(w *bufio.Writer, name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, raw)
	return err
}
