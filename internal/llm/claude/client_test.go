package claude

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

func TestTextOf(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "first"},
			{Type: "tool_use", ID: "tu-1", Name: "ignored"},
			{Type: "text", Text: "second "},
		},
		StopReason: anthropic.StopReasonEndTurn,
	}
	if got := textOf(msg); got != "first\nsecond" {
		t.Errorf("text = %q", got)
	}
	if got := textOf(&anthropic.Message{}); got != "" {
		t.Errorf("empty message text = %q", got)
	}
}

func reply(text string) string {
	b, _ := json.Marshal(map[string]any{
		"id":          "msg_1",
		"type":        "message",
		"role":        "assistant",
		"model":       "claude-test",
		"content":     []map[string]any{{"type": "text", "text": text}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
	})
	return string(b)
}

func TestGenerate_SendsPromptAndReturnsText(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "k" {
			t.Errorf("api key header = %q", r.Header.Get("X-Api-Key"))
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply(`{"title":"t","body":"b"}`))
	}))
	defer srv.Close()

	c := New("k", "claude-test", option.WithBaseURL(srv.URL))
	text, err := c.Generate(context.Background(), "be neutral", "describe")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != `{"title":"t","body":"b"}` {
		t.Errorf("text = %q", text)
	}
	if got["model"] != "claude-test" {
		t.Errorf("model = %v", got["model"])
	}
	if sys, ok := got["system"].([]any); !ok || len(sys) != 1 {
		t.Errorf("system = %v", got["system"])
	}
}

func TestGenerate_EmptyReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply("  "))
	}))
	defer srv.Close()

	c := New("k", "claude-test", option.WithBaseURL(srv.URL))
	if _, err := c.Generate(context.Background(), "", "p"); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestGenerate_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`)
	}))
	defer srv.Close()

	c := New("k", "claude-test", option.WithBaseURL(srv.URL))
	if _, err := c.Generate(context.Background(), "", "p"); err == nil {
		t.Fatal("expected error")
	}
}

func TestGenerate_HonorsDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New("k", "claude-test", option.WithBaseURL(srv.URL))
	start := time.Now()
	if _, err := c.Generate(ctx, "", "p"); err == nil {
		t.Fatal("expected deadline error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Generate ignored the context deadline")
	}
}
