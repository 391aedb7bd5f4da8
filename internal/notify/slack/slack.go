// Package slack posts send-worthy incident alerts to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vantage/internal/alert"
	"github.com/linnemanlabs/vantage/internal/bus"
	"github.com/linnemanlabs/vantage/internal/notify"
)

const (
	maxBodyLen  = 2900
	httpTimeout = 10 * time.Second
	sentCache   = 4096
)

// Notifier sends alerts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger

	// incident id -> incident version of the last alert posted, so decision
	// upserts that carry the same alert do not post it again
	sent *lru.Cache[string, int]
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	sent, _ := lru.New[string, int](sentCache) // only errors on size <= 0
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		sent:       sent,
	}
}

// Name implements notify.Sender.
func (*Notifier) Name() string { return "slack" }

// ShouldSend implements notify.Sender: only upserts carrying a send-worthy
// alert that has not been posted yet.
func (n *Notifier) ShouldSend(m bus.Message) bool {
	if n.webhookURL == "" {
		return false
	}
	a, ok := notify.AlertOf(m)
	if !ok || !a.SendWorthy() {
		return false
	}
	if v, seen := n.sent.Get(a.IncidentID); seen && v >= a.IncidentVersion {
		return false
	}
	return true
}

// Send implements notify.Sender.
func (n *Notifier) Send(ctx context.Context, m bus.Message) error {
	a, ok := notify.AlertOf(m)
	if !ok {
		return nil
	}
	if err := n.Post(ctx, a); err != nil {
		return err
	}
	n.sent.Add(a.IncidentID, a.IncidentVersion)
	return nil
}

// Post sends one alert to the configured webhook. If no webhook URL is
// configured, it returns nil immediately.
func (n *Notifier) Post(ctx context.Context, a *alert.Message) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(a))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack alert posted", "incident_id", a.IncidentID, "incident_version", a.IncidentVersion)
	return nil
}

func buildMessage(a *alert.Message) map[string]any {
	blocks := []map[string]any{
		headerBlock(a),
		fieldsBlock(a),
		{"type": "divider"},
		bodyBlock(a),
	}
	if len(a.EvidenceRefs) > 0 {
		blocks = append(blocks, evidenceBlock(a))
	}
	blocks = append(blocks, contextBlock(a))
	return map[string]any{"text": a.Title, "blocks": blocks}
}

func headerBlock(a *alert.Message) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(fmt.Sprintf("%s %s", severityEmoji(a.Severity), a.Title), 150),
		},
	}
}

func fieldsBlock(a *alert.Message) map[string]any {
	approval := "not required"
	if a.RequiresHumanApproval {
		approval = "*required*"
	}
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %d/5", a.Severity)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Next step:* %s", strings.ReplaceAll(string(a.NextStep), "_", " "))},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Approval:* %s", approval)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Actions:* %s", strings.Join(a.OperatorActions, ", "))},
		},
	}
}

func bodyBlock(a *alert.Message) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": truncate(a.Body, maxBodyLen)},
	}
}

func evidenceBlock(a *alert.Message) map[string]any {
	links := make([]string, len(a.EvidenceRefs))
	for i, ref := range a.EvidenceRefs {
		links[i] = fmt.Sprintf("<%s|evidence %d>", ref, i+1)
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": strings.Join(links, " • ")},
	}
}

func contextBlock(a *alert.Message) map[string]any {
	text := fmt.Sprintf("vantage • incident %s v%d • %s", a.IncidentID, a.IncidentVersion, a.CompiledAt.UTC().Format("2006-01-02 15:04 UTC"))
	if a.Disclaimer != "" {
		text += " • " + a.Disclaimer
	}
	return map[string]any{
		"type":     "context",
		"elements": []map[string]any{{"type": "mrkdwn", "text": text}},
	}
}

func severityEmoji(sev int) string {
	switch {
	case sev >= 4:
		return "\U0001f534" // red circle
	case sev == 3:
		return "\U0001f7e0" // orange circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
