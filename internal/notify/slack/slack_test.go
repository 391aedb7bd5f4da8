package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vantage/internal/alert"
	"github.com/linnemanlabs/vantage/internal/bus"
	"github.com/linnemanlabs/vantage/internal/plan"
)

type carrier struct{ a *alert.Message }

func (c carrier) AlertMessage() *alert.Message { return c.a }

func testAlert(step plan.Step, version int) *alert.Message {
	return &alert.Message{
		IncidentID:            "01JN123",
		IncidentVersion:       version,
		Title:                 "[SEV 4] Dispatch pending review: zone dock, camera cam-2",
		Body:                  "2 loitering in zone dock on camera cam-2.",
		OperatorActions:       []string{"review evidence", "approve dispatch", "dismiss"},
		EvidenceRefs:          []string{"https://clips/1.mp4"},
		Disclaimer:            "Verify before acting.",
		NextStep:              step,
		Severity:              4,
		RequiresHumanApproval: true,
		CompiledAt:            time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
	}
}

func upsert(a *alert.Message) bus.Message {
	return bus.Message{Type: bus.TypeIncidentUpsert, IncidentID: a.IncidentID, Data: carrier{a}}
}

func TestPost_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Post(context.Background(), testAlert(plan.StepDispatchPendingReview, 2)); err != nil {
		t.Fatalf("Post: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, fields, divider, body, evidence, context
	if len(blocks) != 6 {
		t.Errorf("blocks count = %d, want 6", len(blocks))
	}
	header := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(header, "Dispatch pending review") || !strings.Contains(header, "\U0001f534") {
		t.Errorf("header = %q", header)
	}
}

func TestPost_NoOpWithoutURL(t *testing.T) {
	t.Parallel()
	n := New("", log.Nop())
	if err := n.Post(context.Background(), testAlert(plan.StepNotify, 1)); err != nil {
		t.Fatalf("Post with empty URL should be no-op, got: %v", err)
	}
	if n.ShouldSend(upsert(testAlert(plan.StepNotify, 1))) {
		t.Fatal("notifier without URL should not want messages")
	}
}

func TestPost_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Post(context.Background(), testAlert(plan.StepNotify, 1))
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("err = %v, want status 500", err)
	}
}

func TestShouldSend_FiltersAndDedups(t *testing.T) {
	t.Parallel()

	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	n := New(srv.URL, log.Nop())
	ctx := context.Background()

	if n.ShouldSend(bus.Message{Type: bus.TypeHeartbeat}) {
		t.Error("heartbeat accepted")
	}
	if n.ShouldSend(upsert(testAlert(plan.StepMonitor, 1))) {
		t.Error("monitor alert accepted")
	}
	if n.ShouldSend(bus.Message{Type: bus.TypeIncidentUpsert, Data: carrier{nil}}) {
		t.Error("upsert without alert accepted")
	}

	first := upsert(testAlert(plan.StepNotify, 1))
	if !n.ShouldSend(first) {
		t.Fatal("notify alert rejected")
	}
	if err := n.Send(ctx, first); err != nil {
		t.Fatal(err)
	}
	if n.ShouldSend(first) {
		t.Error("same alert version accepted twice")
	}
	if !n.ShouldSend(upsert(testAlert(plan.StepDispatchPendingReview, 2))) {
		t.Error("newer alert version rejected")
	}
	if posts.Load() != 1 {
		t.Fatalf("posts = %d", posts.Load())
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate(strings.Repeat("x", 10), 5); got != "xx..." {
		t.Errorf("got %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
}
