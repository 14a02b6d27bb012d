package grounding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/donna/internal/gate"
	"github.com/basket/donna/internal/knowledge"
	"github.com/basket/donna/internal/persistence"
)

type fakeGateway struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeGateway) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeGateway) Dimensions() int { return 3 }
func (f *fakeGateway) Name() string    { return "fake" }

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "donna.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedDocument(t *testing.T, store *persistence.Store, owner, sourceType, sourceID, content string, vec []float32) {
	t.Helper()
	doc, err := store.UpsertDocument(t.Context(), persistence.UpsertDocumentParams{
		OwnerID: owner, SourceType: sourceType, SourceID: sourceID, Content: content,
	})
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if err := store.MarkEmbeddingComplete(t.Context(), doc.ID, vec); err != nil {
		t.Fatalf("MarkEmbeddingComplete: %v", err)
	}
}

func newSearcher(store *persistence.Store, gw *fakeGateway) *knowledge.Searcher {
	return knowledge.NewSearcher(store, gw, gate.New(0, nil), slog.New(slog.DiscardHandler), 10, 0.3)
}

func TestBuildComposesFactsAndHistory(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{vectors: map[string][]float32{
		"who is dana": {1, 0, 0},
	}}
	seedDocument(t, store, "owner-1", "contact", "c-1", "Dana Reyes, dana@acme.com", []float32{1, 0, 0})
	seedDocument(t, store, "owner-1", "note", "n-1", "unrelated fishing trip", []float32{0, 1, 0})

	convID, err := store.EnsureConversation(t.Context(), "", "owner-1")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	for _, m := range []struct{ role, content string }{
		{"user", "hi"},
		{"assistant", "hello, how can I help"},
		{"user", "who is dana"},
	} {
		if _, err := store.AppendMessage(t.Context(), convID, "owner-1", m.role, m.content); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	b := NewBuilder(store, newSearcher(store, gw), nil, Options{})
	gc, err := b.Build(t.Context(), "owner-1", convID, "who is dana")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(gc.Facts) != 1 {
		t.Fatalf("facts = %d, want only the matching contact", len(gc.Facts))
	}
	if gc.Facts[0].SourceID != "c-1" {
		t.Errorf("fact source = %s", gc.Facts[0].SourceID)
	}
	if len(gc.History) != 3 {
		t.Fatalf("history = %d turns, want 3", len(gc.History))
	}
	if gc.History[0].Content != "hi" || gc.History[2].Content != "who is dana" {
		t.Errorf("history not oldest first: %+v", gc.History)
	}
}

func TestBuildHistoryCap(t *testing.T) {
	store := newTestStore(t)
	convID, err := store.EnsureConversation(t.Context(), "", "owner-1")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := store.AppendMessage(t.Context(), convID, "owner-1", "user", fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	b := NewBuilder(store, nil, nil, Options{MaxHistory: 5})
	gc, err := b.Build(t.Context(), "owner-1", convID, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(gc.History) != 5 {
		t.Fatalf("history = %d turns, want the 5 most recent", len(gc.History))
	}
	if gc.History[4].Content != "turn 19" {
		t.Errorf("last turn = %q", gc.History[4].Content)
	}
	if gc.History[0].Content != "turn 15" {
		t.Errorf("first kept turn = %q", gc.History[0].Content)
	}
}

func TestBuildDegradesWhenRetrievalFails(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{err: errors.New("embed: 503 overloaded")}

	convID, err := store.EnsureConversation(t.Context(), "", "owner-1")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if _, err := store.AppendMessage(t.Context(), convID, "owner-1", "user", "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	b := NewBuilder(store, newSearcher(store, gw), slog.New(slog.DiscardHandler), Options{})
	gc, err := b.Build(t.Context(), "owner-1", convID, "hello")
	if err != nil {
		t.Fatalf("Build must not fail when retrieval is down: %v", err)
	}
	if len(gc.Facts) != 0 {
		t.Errorf("facts = %d, want none", len(gc.Facts))
	}
	if len(gc.History) != 1 {
		t.Errorf("history = %d, want the conversation to survive", len(gc.History))
	}
}

func TestBuildRequiresOwner(t *testing.T) {
	b := NewBuilder(newTestStore(t), nil, nil, Options{})
	if _, err := b.Build(t.Context(), "", "", "query"); err == nil {
		t.Fatal("expected an error for a missing owner")
	}
}

func TestBuildClipsLongFacts(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	long := strings.Repeat("x", 200)
	seedDocument(t, store, "owner-1", "email", "e-1", long, []float32{1, 0, 0})

	b := NewBuilder(store, newSearcher(store, gw), nil, Options{MaxFactChars: 50})
	gc, err := b.Build(t.Context(), "owner-1", "", "anything")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(gc.Facts) != 1 {
		t.Fatalf("facts = %d", len(gc.Facts))
	}
	if got := gc.Facts[0].Content; got != strings.Repeat("x", 50)+"…" {
		t.Errorf("clipped content = %q", got)
	}
}

func TestRenderAndEmpty(t *testing.T) {
	gc := &Context{}
	if !gc.Empty() {
		t.Error("zero context should be empty")
	}
	if gc.Render() != "" {
		t.Error("empty context renders nothing")
	}

	gc.Facts = append(gc.Facts, Fact{SourceType: "contact", SourceID: "c-7", Content: "Sam Ortiz, sam@x.com", Score: 0.92})
	out := gc.Render()
	if !strings.Contains(out, "[contact/c-7] Sam Ortiz, sam@x.com") {
		t.Errorf("render = %q", out)
	}
	if gc.Empty() {
		t.Error("context with a fact is not empty")
	}
}
