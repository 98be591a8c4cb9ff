package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/spec-kit/storefront-chat/internal/config"
)

// StaleSessionCloser closes pending sessions nobody picked up.
type StaleSessionCloser interface {
	CloseStalePending(ctx context.Context, olderThan time.Duration) (int, error)
}

// SessionSweeper periodically closes pending chats older than the configured
// timeout. Several instances may sweep at once; the status compare-and-swap
// lets only one of them close a given session.
type SessionSweeper struct {
	cron     *cron.Cron
	closer   StaleSessionCloser
	schedule string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSessionSweeper creates a sweeper.
func NewSessionSweeper(closer StaleSessionCloser, cfg config.ChatConfig, logger *zap.Logger) *SessionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	schedule := cfg.SweepSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &SessionSweeper{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		closer:   closer,
		schedule: schedule,
		timeout:  cfg.PendingTimeout(),
		logger:   logger,
	}
}

// Start registers the sweep job and starts the scheduler. A zero timeout
// disables sweeping.
func (s *SessionSweeper) Start() error {
	if s.timeout <= 0 {
		s.logger.Info("pending session sweeper disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("register sweep job %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("pending session sweeper started",
		zap.String("schedule", s.schedule),
		zap.Duration("timeout", s.timeout))
	return nil
}

// Stop waits for a running sweep to finish.
func (s *SessionSweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunOnce performs a single sweep.
func (s *SessionSweeper) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	closed, err := s.closer.CloseStalePending(ctx, s.timeout)
	if err != nil {
		s.logger.Error("pending session sweep failed", zap.Int("closed", closed), zap.Error(err))
		return closed
	}
	if closed > 0 {
		s.logger.Info("closed stale pending sessions", zap.Int("closed", closed))
	}
	return closed
}
