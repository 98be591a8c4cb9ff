// Package worker runs background jobs next to the HTTP server.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/storefront-chat/internal/events"
	"github.com/spec-kit/storefront-chat/internal/service"
)

// NotificationWorker moves notification handling off the request path. Events
// are queued by the dispatcher subscription and drained by a fixed pool.
type NotificationWorker struct {
	svc    *service.NotificationService
	queue  chan events.Event
	logger *zap.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// StartNotificationWorker subscribes the notification service to the
// dispatcher through a queue of the given size drained by concurrency
// goroutines. The pool stops when ctx is done or Stop is called.
func StartNotificationWorker(ctx context.Context, dispatcher events.Dispatcher, svc *service.NotificationService, logger *zap.Logger, size, concurrency int) *NotificationWorker {
	if svc == nil || dispatcher == nil {
		return nil
	}
	if size <= 0 {
		size = 256
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &NotificationWorker{
		svc:    svc,
		queue:  make(chan events.Event, size),
		logger: logger,
	}
	for _, eventType := range svc.HandledEvents() {
		dispatcher.Subscribe(eventType, w.enqueue)
	}
	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return w
}

// enqueue hands the event to the pool. When the queue is full or already
// stopped the event is handled inline so that nothing is dropped.
func (w *NotificationWorker) enqueue(ctx context.Context, event events.Event) error {
	w.mu.RLock()
	if !w.closed {
		select {
		case w.queue <- event:
			w.mu.RUnlock()
			return nil
		default:
			w.logger.Warn("notification queue full; handling inline", zap.String("event_id", event.ID))
		}
	}
	w.mu.RUnlock()
	return w.svc.Handle(ctx, event)
}

func (w *NotificationWorker) run(ctx context.Context) {
	defer w.wg.Done()
	for event := range w.queue {
		if err := w.svc.Handle(context.WithoutCancel(ctx), event); err != nil {
			w.logger.Warn("notification handling failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Int64("session_id", event.SessionID),
				zap.Error(err))
		}
	}
}

// Stop closes the queue and waits for queued events to drain.
func (w *NotificationWorker) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
