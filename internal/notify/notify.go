// Package notify forwards bus messages to external channels. Each channel
// is a Sender; a Forwarder drains one bus subscription into one Sender so a
// slow channel only ever stalls its own queue.
package notify

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vantage/internal/alert"
	"github.com/linnemanlabs/vantage/internal/bus"
)

// Sender is an external notification channel (Slack, NATS).
type Sender interface {
	// Name identifies the sender in logs and metrics.
	Name() string

	// ShouldSend filters messages before Send is called.
	ShouldSend(m bus.Message) bool

	// Send delivers one message.
	Send(ctx context.Context, m bus.Message) error
}

// AlertCarrier is implemented by upsert payloads that may hold a compiled
// alert.
type AlertCarrier interface {
	AlertMessage() *alert.Message
}

// AlertOf extracts the compiled alert from an upsert, if any.
func AlertOf(m bus.Message) (*alert.Message, bool) {
	if m.Type != bus.TypeIncidentUpsert {
		return nil, false
	}
	c, ok := m.Data.(AlertCarrier)
	if !ok {
		return nil, false
	}
	a := c.AlertMessage()
	return a, a != nil
}

// Forwarder drains a subscription into a Sender.
type Forwarder struct {
	sender  Sender
	logger  log.Logger
	timeout time.Duration
	observe func(sender, outcome string)
}

// NewForwarder creates a Forwarder. Each Send gets its own timeout.
// observe may be nil.
func NewForwarder(s Sender, timeout time.Duration, logger log.Logger, observe func(sender, outcome string)) *Forwarder {
	if logger == nil {
		logger = log.Nop()
	}
	if observe == nil {
		observe = func(string, string) {}
	}
	return &Forwarder{sender: s, logger: logger, timeout: timeout, observe: observe}
}

// Run delivers messages until ctx is done or the subscription is closed.
// Send failures are logged and counted; they never stop the loop.
func (f *Forwarder) Run(ctx context.Context, sub *bus.Subscription) {
	name := f.sender.Name()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.C():
			if !ok {
				f.logger.Warn(ctx, "notify subscription closed", "sender", name)
				return
			}
			if !f.sender.ShouldSend(m) {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, f.timeout)
			err := f.sender.Send(sctx, m)
			cancel()
			if err != nil {
				f.observe(name, "error")
				f.logger.Error(ctx, err, "notify send failed", "sender", name, "incident_id", m.IncidentID)
				continue
			}
			f.observe(name, "ok")
		}
	}
}
