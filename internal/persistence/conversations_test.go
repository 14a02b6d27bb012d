package persistence

import (
	"fmt"
	"testing"
)

func TestConversationMessages(t *testing.T) {
	store := newTestStore(t)

	convID, err := store.EnsureConversation(t.Context(), "", "owner-1")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if convID == "" {
		t.Fatal("expected generated conversation id")
	}

	// Idempotent for an existing id.
	same, err := store.EnsureConversation(t.Context(), convID, "owner-1")
	if err != nil {
		t.Fatalf("EnsureConversation existing: %v", err)
	}
	if same != convID {
		t.Errorf("EnsureConversation returned %s, want %s", same, convID)
	}

	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := store.AppendMessage(t.Context(), convID, "owner-1", role, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	recent, err := store.RecentMessages(t.Context(), convID, 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d messages, want 3", len(recent))
	}
	// Oldest-first within the window.
	for i, want := range []string{"turn 2", "turn 3", "turn 4"} {
		if recent[i].Content != want {
			t.Errorf("recent[%d] = %q, want %q", i, recent[i].Content, want)
		}
	}

	owner, err := store.GetConversationOwner(t.Context(), convID)
	if err != nil {
		t.Fatalf("GetConversationOwner: %v", err)
	}
	if owner != "owner-1" {
		t.Errorf("owner = %s", owner)
	}
}

func TestAppendMessageRejectsBadRole(t *testing.T) {
	store := newTestStore(t)
	convID, err := store.EnsureConversation(t.Context(), "", "owner-1")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if _, err := store.AppendMessage(t.Context(), convID, "owner-1", "narrator", "hi"); err == nil {
		t.Fatal("expected CHECK violation for unknown role")
	}
}
