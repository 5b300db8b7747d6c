// Package email sends unread-message alerts through a pluggable provider.
package email

import (
	"context"
	"fmt"
	"log/slog"

	"classifieds-sync/pkg/classifieds"
)

// Provider delivers one HTML email.
type Provider interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender formats and sends alert emails.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	appURL   string // Linked from every email; may be empty
}

// New creates a sender on top of provider.
func New(provider Provider, logger *slog.Logger, appURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		appURL:   appURL,
	}
}

// SendUnread emails to a digest of the conversations that got new messages.
func (s *Sender) SendUnread(ctx context.Context, to string, threads []classifieds.ThreadSummary) error {
	if len(threads) == 0 || to == "" {
		return nil
	}

	subject := unreadSubject(threads)
	body, err := s.formatUnreadBody(threads)
	if err != nil {
		return fmt.Errorf("format unread email: %w", err)
	}

	s.logger.Info("Sending unread alert email",
		"to", to,
		"subject", subject,
		"thread_count", len(threads))

	if err := s.provider.Send(ctx, to, subject, body); err != nil {
		return fmt.Errorf("send unread email: %w", err)
	}
	return nil
}

// Notify adapts SendUnread to the sync engine's unread hook. Failures are
// logged; a missed alert never fails a sync cycle.
func (s *Sender) Notify(to string) func(ctx context.Context, userID string, threads []classifieds.ThreadSummary) {
	return func(ctx context.Context, userID string, threads []classifieds.ThreadSummary) {
		if err := s.SendUnread(ctx, to, threads); err != nil {
			s.logger.Warn("Unread alert failed", "user_id", userID, "error", err)
		}
	}
}

func unreadSubject(threads []classifieds.ThreadSummary) string {
	if len(threads) == 1 {
		if threads[0].Title != "" {
			return "New message from " + threads[0].Title
		}
		return "New message"
	}
	return fmt.Sprintf("New messages in %d conversations", len(threads))
}
