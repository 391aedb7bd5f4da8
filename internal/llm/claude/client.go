// Package claude wraps the Anthropic Messages API as a plain text generator
// for the external alert renderer.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 512

// ErrEmptyResponse is returned when the model replies without any text.
var ErrEmptyResponse = errors.New("claude: empty response")

// Client generates text with one Claude model.
type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New creates a client for model. Retries are disabled: callers run under
// a tight deadline and fall back on failure instead of waiting.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &Client{
		client:    anthropic.NewClient(append(base, opts...)...),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

// Generate sends one user turn with a system prompt and returns the text of
// the reply.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude: messages.new: %w", err)
	}
	text := textOf(msg)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// textOf joins the text blocks of msg, skipping anything else.
func textOf(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(block.Text)
	}
	return strings.TrimSpace(b.String())
}
