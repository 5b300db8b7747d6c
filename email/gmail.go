package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GmailProvider sends alerts through the Gmail API as the authenticated
// account.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider wraps an existing Gmail service.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, logger: logger}
}

// NewGmailProviderFromJSON builds the service from service account or
// OAuth credentials JSON.
func NewGmailProviderFromJSON(ctx context.Context, credentialsJSON []byte, logger *slog.Logger) (*GmailProvider, error) {
	svc, err := gmail.NewService(ctx, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return NewGmailProvider(svc, logger), nil
}

// sanitizeEmailHeader drops control characters, CR and LF included, so a
// value can never start another header.
func sanitizeEmailHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// buildMessage renders a raw RFC 5322 HTML message. Gmail fills in From.
func buildMessage(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "To: %s\r\n", sanitizeEmailHeader(to))
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeEmailHeader(subject))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return msg.String()
}

// Send delivers one alert. Rejections other than 429 are final.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(buildMessage(to, subject, htmlBody)))}
	to = sanitizeEmailHeader(to)

	return retry.Do(
		func() error {
			start := time.Now()
			sent, err := g.service.Users.Messages.Send("me", msg).Context(ctx).Do()
			if err != nil {
				g.logger.Warn("Gmail alert send failed",
					"to", to,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			g.logger.Info("Gmail alert sent",
				"to", to,
				"message_id", sent.Id,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.RetryIf(retryableGmail),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail alert after error", "attempt", n, "error", err)
		}),
	)
}

func retryableGmail(err error) bool {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return retryableStatus(ge.Code)
	}
	return true
}
