package notify

import (
	"context"
	"errors"

	"timenest-backend/internal/observability"
)

// LogSender writes messages to the log instead of delivering them. It is the
// sender used in development when no SMTP relay is configured.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.Info("notification_logged", map[string]any{
		"to":      to,
		"subject": subject,
		"body":    body,
	})
	return nil
}

var ErrNotConfigured = errors.New("notification delivery is not configured")

// DisabledSender refuses every message. It stands in for a missing relay
// outside development so callers see the failure instead of a silent drop;
// only the recipient and subject are logged.
type DisabledSender struct {
	logger *observability.Logger
}

func NewDisabledSender(logger *observability.Logger) *DisabledSender {
	return &DisabledSender{logger: logger}
}

func (s *DisabledSender) Send(_ context.Context, to, subject, _ string) error {
	s.logger.Warn("notification_dropped", map[string]any{
		"to":      to,
		"subject": subject,
	})
	return ErrNotConfigured
}
