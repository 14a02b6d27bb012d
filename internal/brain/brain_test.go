package brain

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/donna/internal/grounding"
	"github.com/basket/donna/internal/persistence"
)

func TestBrain_OfflineWithoutAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	b := NewGenkitBrain(t.Context(), Config{Provider: "google"}, nil, nil)
	if b.llmOn {
		t.Fatal("brain must not report a live model without a key")
	}

	reply, err := b.Converse(t.Context(), "owner-1", "conv-1", "hello", nil)
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if reply.Content != offlineReply {
		t.Errorf("content = %q", reply.Content)
	}
	if len(reply.ToolCalls) != 0 {
		t.Errorf("offline reply carried %d tool calls", len(reply.ToolCalls))
	}
}

func TestBrain_EmptyMessageRejected(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	b := NewGenkitBrain(t.Context(), Config{}, nil, nil)
	if _, err := b.Converse(t.Context(), "owner-1", "", "   ", nil); err == nil {
		t.Fatal("expected an error for a blank message")
	}
}

func TestIntentCollectorRecordsCalls(t *testing.T) {
	ctx, collector := withIntentCollector(context.Background())

	got := getIntentCollector(ctx)
	if got != collector {
		t.Fatal("collector not recoverable from context")
	}
	got.record(persistence.TaskSendEmail, map[string]any{"to": "a@x.com"})
	got.record(persistence.TaskAddNote, map[string]any{"content": "n"})

	if len(collector.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(collector.calls))
	}
	if collector.calls[0].Type != persistence.TaskSendEmail {
		t.Errorf("first call type = %s", collector.calls[0].Type)
	}
	if getIntentCollector(context.Background()) != nil {
		t.Error("bare context must not yield a collector")
	}
}

func TestToParamsFlattensInput(t *testing.T) {
	params, err := toParams(scheduleMeetingInput{
		Title:           "quarterly review",
		Attendees:       []string{"a@x.com", "b@x.com"},
		DurationMinutes: 45,
	})
	if err != nil {
		t.Fatalf("toParams: %v", err)
	}
	if params["title"] != "quarterly review" {
		t.Errorf("title = %v", params["title"])
	}
	if _, ok := params["notes"]; ok {
		t.Error("omitempty field leaked into parameters")
	}
	attendees, ok := params["attendees"].([]any)
	if !ok || len(attendees) != 2 {
		t.Errorf("attendees = %v", params["attendees"])
	}
}

func TestModelNameForProvider(t *testing.T) {
	cases := []struct {
		provider, model, want string
	}{
		{"google", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"anthropic", "claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"openai", "gpt-4.1-mini", "openai/gpt-4.1-mini"},
		{"openai_compatible", "llama-3.3-70b", "llama-3.3-70b"},
	}
	for _, tc := range cases {
		if got := modelNameForProvider(tc.provider, tc.model); got != tc.want {
			t.Errorf("modelNameForProvider(%s, %s) = %s, want %s", tc.provider, tc.model, got, tc.want)
		}
	}
}

func TestTurnsToMessages(t *testing.T) {
	msgs := turnsToMessages([]grounding.Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "bogus", Content: "dropped"},
	})
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want the unknown role dropped", len(msgs))
	}
	if msgs[1].Content[0].Text != "hello" {
		t.Errorf("second message = %q", msgs[1].Content[0].Text)
	}
}

func TestSystemPromptCarriesGrounding(t *testing.T) {
	gc := &grounding.Context{
		Facts: []grounding.Fact{{SourceType: "contact", SourceID: "c-1", Content: "Dana Reyes"}},
	}
	block := gc.Render()
	if !strings.Contains(block, "Dana Reyes") {
		t.Fatalf("render = %q", block)
	}
}
