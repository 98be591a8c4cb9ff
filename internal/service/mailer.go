package service

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/spec-kit/storefront-chat/internal/config"
)

// Mail is an outgoing email.
type Mail struct {
	ToName    string
	ToEmail   string
	Subject   string
	PlainText string
	HTML      string
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// NewMailer returns a SendGrid mailer when an API key is configured and a
// logging mailer otherwise.
func NewMailer(cfg config.NotificationConfig, logger *zap.Logger) Mailer {
	if cfg.SendGridAPIKey == "" {
		return &LogMailer{logger: logger}
	}
	return &SendGridMailer{
		client:   sendgrid.NewSendClient(cfg.SendGridAPIKey),
		fromName: cfg.EmailFromName,
		fromAddr: cfg.EmailFrom,
		logger:   logger,
	}
}

// SendGridMailer sends mail through the SendGrid v3 API.
type SendGridMailer struct {
	client   *sendgrid.Client
	fromName string
	fromAddr string
	logger   *zap.Logger
}

func (s *SendGridMailer) Send(ctx context.Context, m Mail) error {
	from := mail.NewEmail(s.fromName, s.fromAddr)
	to := mail.NewEmail(m.ToName, m.ToEmail)
	message := mail.NewSingleEmail(from, m.Subject, to, m.PlainText, m.HTML)
	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return err
	}
	if response.StatusCode >= 400 {
		s.logger.Error("sendgrid returned error status",
			zap.Int("status", response.StatusCode),
			zap.String("body", response.Body),
			zap.String("to", m.ToEmail))
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}
	s.logger.Info("email sent", zap.String("to", m.ToEmail), zap.String("subject", m.Subject))
	return nil
}

// LogMailer records mail in the log instead of sending it.
type LogMailer struct {
	logger *zap.Logger
}

func (l *LogMailer) Send(_ context.Context, m Mail) error {
	l.logger.Info("email not sent; SENDGRID_API_KEY unset",
		zap.String("to", m.ToEmail),
		zap.String("subject", m.Subject),
		zap.Int("body_bytes", len(m.PlainText)))
	return nil
}
