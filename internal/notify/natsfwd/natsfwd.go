// Package natsfwd publishes bus messages as JSON to a NATS subject so other
// processes can follow incident updates.
package natsfwd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/vantage/internal/bus"
)

// Publisher is the subset of *nats.Conn the sender needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Sender publishes incident upserts to one subject. Heartbeats stay local.
type Sender struct {
	pub        Publisher
	subject    string
	maxRetries int
	backoff    time.Duration
}

// New creates a Sender publishing to subject on pub.
func New(pub Publisher, subject string, maxRetries int) *Sender {
	return &Sender{pub: pub, subject: subject, maxRetries: maxRetries, backoff: 100 * time.Millisecond}
}

// Name implements notify.Sender.
func (*Sender) Name() string { return "nats" }

// ShouldSend implements notify.Sender.
func (*Sender) ShouldSend(m bus.Message) bool {
	return m.Type == bus.TypeIncidentUpsert
}

// Send implements notify.Sender, retrying with linear backoff.
func (s *Sender) Send(ctx context.Context, m bus.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("natsfwd: marshal: %w", err)
	}

	for i := 0; i <= s.maxRetries; i++ {
		if err = s.pub.Publish(s.subject, data); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("natsfwd: publish %s: %w", s.subject, ctx.Err())
		case <-time.After(time.Duration(i+1) * s.backoff):
		}
	}
	return fmt.Errorf("natsfwd: publish %s failed after %d retries: %w", s.subject, s.maxRetries, err)
}
