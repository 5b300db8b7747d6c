// Package events publishes change notifications for other consumers of the
// thread list and the posting flow.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects.
const (
	SubjectThreadsSynced  = "threads.synced"
	SubjectDraftSubmitted = "draft.submitted"
)

const (
	connectWait   = 5 * time.Second
	maxReconnects = 5
	reconnectWait = 2 * time.Second
)

// Publisher sends JSON events.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close()
}

// NATSPublisher publishes events to a NATS server.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATS connects to the NATS server at url.
func NewNATS(url string, logger *slog.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("classifieds-sync"),
		nats.Timeout(connectWait),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish marshals payload as JSON and publishes it on subject.
func (p *NATSPublisher) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("Published event", "subject", subject, "bytes", len(data))
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection", "error", err)
		p.conn.Close()
	}
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, string, any) error { return nil }

// Close does nothing.
func (Nop) Close() {}

// ThreadsSynced is published after a sync cycle is applied.
type ThreadsSynced struct {
	UserID  string    `json:"user_id"`
	Cycle   uint64    `json:"cycle"`
	Threads int       `json:"threads"`
	Unread  int       `json:"unread"`
	At      time.Time `json:"at"`
}

// DraftSubmitted is published after a listing was created.
type DraftSubmitted struct {
	PostID     string    `json:"post_id"`
	Title      string    `json:"title"`
	CategoryID string    `json:"category_id"`
	Pictures   int       `json:"pictures"`
	At         time.Time `json:"at"`
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Recorded is one event captured by Recorder.
type Recorded struct {
	Subject string
	Payload any
}

// Publish records the event.
func (r *Recorder) Publish(_ context.Context, subject string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Subject: subject, Payload: payload})
	return nil
}

// Events returns the recorded events in publish order.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Close does nothing.
func (r *Recorder) Close() {}
