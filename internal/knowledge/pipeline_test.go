package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/donna/internal/embedding"
	"github.com/basket/donna/internal/gate"
	"github.com/basket/donna/internal/persistence"
)

// rewindBackoff pulls every scheduled embedding retry into the past so a
// sweep sees it as due without real waiting.
func rewindBackoff(t *testing.T, store *persistence.Store) {
	t.Helper()
	if _, err := store.DB().ExecContext(t.Context(), `
		UPDATE documents SET next_embedding_attempt_at = datetime('now', '-1 hour')
		WHERE next_embedding_attempt_at IS NOT NULL;
	`); err != nil {
		t.Fatalf("rewind backoff: %v", err)
	}
}

// fakeGateway returns canned vectors, or a scripted error, and counts calls.
type fakeGateway struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
	batches int
}

func (f *fakeGateway) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches++
	failed := f.err
	f.mu.Unlock()
	if failed != nil {
		f.mu.Lock()
		f.calls += len(texts)
		f.mu.Unlock()
		return nil, failed
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeGateway) Dimensions() int { return 3 }
func (f *fakeGateway) Name() string    { return "fake" }

func (f *fakeGateway) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPipeline(t *testing.T, gw *fakeGateway, opts PipelineOptions) (*Pipeline, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "donna.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	// A nil *fakeGateway must become a nil interface, not a typed nil.
	var gateway embedding.Gateway
	if gw != nil {
		gateway = gw
	}
	return NewPipeline(store, gateway, gate.New(0, nil), slog.New(slog.DiscardHandler), opts), store
}

func TestUpsertEmbedsInline(t *testing.T) {
	gw := &fakeGateway{}
	p, _ := newTestPipeline(t, gw, PipelineOptions{})

	doc, err := p.Upsert(t.Context(), persistence.UpsertDocumentParams{
		OwnerID: "owner-1", SourceType: "email", SourceID: "m-1", Content: "hello",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if doc.EmbeddingStatus != persistence.EmbeddingComplete {
		t.Errorf("status = %s, want complete after inline embed", doc.EmbeddingStatus)
	}
	if doc.Embedding == "" {
		t.Error("no vector stored")
	}
	if gw.callCount() != 1 {
		t.Errorf("gateway calls = %d, want 1", gw.callCount())
	}
}

func TestUpsertSurvivesGatewayFailure(t *testing.T) {
	gw := &fakeGateway{err: errors.New("googleapi: Error 429: quota")}
	p, _ := newTestPipeline(t, gw, PipelineOptions{})

	doc, err := p.Upsert(t.Context(), persistence.UpsertDocumentParams{
		OwnerID: "owner-1", SourceType: "email", SourceID: "m-1", Content: "hello",
	})
	if err != nil {
		t.Fatalf("Upsert must not propagate gateway failures: %v", err)
	}
	if doc.EmbeddingStatus != persistence.EmbeddingFailed {
		t.Errorf("status = %s, want failed", doc.EmbeddingStatus)
	}
	if doc.EmbeddingRetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", doc.EmbeddingRetryCount)
	}
	if doc.NextEmbeddingAttemptAt == nil || !doc.NextEmbeddingAttemptAt.After(time.Now()) {
		t.Errorf("next attempt = %v, want scheduled in the future", doc.NextEmbeddingAttemptAt)
	}
	if doc.EmbeddingError == "" {
		t.Error("gateway error not preserved on the row")
	}
}

func TestUpsertWithoutGatewayStaysPending(t *testing.T) {
	p, _ := newTestPipeline(t, nil, PipelineOptions{})

	doc, err := p.Upsert(t.Context(), persistence.UpsertDocumentParams{
		OwnerID: "owner-1", SourceType: "note", SourceID: "n-1", Content: "text",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if doc.EmbeddingStatus != persistence.EmbeddingPending {
		t.Errorf("status = %s, want pending until a gateway exists", doc.EmbeddingStatus)
	}
	if doc.EmbeddingRetryCount != 0 {
		t.Errorf("retry_count = %d, an absent gateway must not burn budget", doc.EmbeddingRetryCount)
	}
}

func TestUpsertTruncatesContent(t *testing.T) {
	gw := &fakeGateway{}
	p, _ := newTestPipeline(t, gw, PipelineOptions{MaxInputChars: 10})

	doc, err := p.Upsert(t.Context(), persistence.UpsertDocumentParams{
		OwnerID: "owner-1", SourceType: "email", SourceID: "m-1",
		Content: "this is far longer than ten characters",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(doc.Content) != 10 {
		t.Errorf("content length = %d, want truncated to 10", len(doc.Content))
	}
	if doc.EmbeddingStatus != persistence.EmbeddingComplete {
		t.Errorf("status = %s, truncation must not fail the embed", doc.EmbeddingStatus)
	}
}

func TestRetrySweepRecovers(t *testing.T) {
	gw := &fakeGateway{err: errors.New("context deadline exceeded")}
	p, store := newTestPipeline(t, gw, PipelineOptions{RetryBase: time.Millisecond, RetryCap: time.Millisecond})

	doc, err := p.Upsert(t.Context(), persistence.UpsertDocumentParams{
		OwnerID: "owner-1", SourceType: "email", SourceID: "m-1", Content: "hello",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if doc.EmbeddingStatus != persistence.EmbeddingFailed {
		t.Fatalf("precondition: status = %s", doc.EmbeddingStatus)
	}

	// Gateway heals; the sweep finishes the job once backoff elapses.
	gw.setErr(nil)
	rewindBackoff(t, store)
	attempted, succeeded, err := p.RunRetrySweep(t.Context(), 10)
	if err != nil {
		t.Fatalf("RunRetrySweep: %v", err)
	}
	if attempted != 1 || succeeded != 1 {
		t.Errorf("sweep attempted=%d succeeded=%d, want 1/1", attempted, succeeded)
	}

	got, err := store.GetDocument(t.Context(), doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.EmbeddingStatus != persistence.EmbeddingComplete {
		t.Errorf("status = %s, want complete after recovery", got.EmbeddingStatus)
	}
}

func TestRetrySweepStopsAtPermanentFailure(t *testing.T) {
	gw := &fakeGateway{err: errors.New("provider down")}
	p, store := newTestPipeline(t, gw, PipelineOptions{RetryBase: time.Millisecond, RetryCap: time.Millisecond})

	doc, err := p.Upsert(t.Context(), persistence.UpsertDocumentParams{
		OwnerID: "owner-1", SourceType: "email", SourceID: "m-1", Content: "hello",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Four more failing sweeps exhaust the five-attempt budget.
	for i := 0; i < 4; i++ {
		rewindBackoff(t, store)
		if _, _, err := p.RunRetrySweep(t.Context(), 10); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	got, err := store.GetDocument(t.Context(), doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.EmbeddingStatus != persistence.EmbeddingPermanentlyFailed {
		t.Fatalf("status = %s after 5 failures, want permanently_failed", got.EmbeddingStatus)
	}
	if got.EmbeddingRetryCount != 5 {
		t.Errorf("retry_count = %d, want 5", got.EmbeddingRetryCount)
	}

	// Later sweeps never touch it again.
	callsBefore := gw.callCount()
	rewindBackoff(t, store)
	attempted, _, err := p.RunRetrySweep(t.Context(), 10)
	if err != nil {
		t.Fatalf("post-terminal sweep: %v", err)
	}
	if attempted != 0 {
		t.Errorf("sweep attempted %d permanently failed documents", attempted)
	}
	if gw.callCount() != callsBefore {
		t.Error("gateway called for a permanently failed document")
	}
}

func TestRetryDelayLadder(t *testing.T) {
	p, _ := newTestPipeline(t, nil, PipelineOptions{RetryBase: 30 * time.Second, RetryCap: 30 * time.Minute})

	want := []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
	}
	for i, w := range want {
		if got := p.retryDelay(i + 1); got != w {
			t.Errorf("retryDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := p.retryDelay(20); got != 30*time.Minute {
		t.Errorf("retryDelay(20) = %v, want capped at 30m", got)
	}
}

func TestBackfill(t *testing.T) {
	gw := &fakeGateway{vectors: map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
	}}
	p, store := newTestPipeline(t, gw, PipelineOptions{})

	batch := []persistence.UpsertDocumentParams{
		{OwnerID: "owner-1", SourceType: "email", SourceID: "b-1", Content: "alpha"},
		{OwnerID: "owner-1", SourceType: "email", SourceID: "b-2", Content: "beta"},
		{OwnerID: "owner-1", SourceType: "contact", SourceID: "b-3"}, // no content
	}
	written, err := p.Backfill(t.Context(), batch)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if written != 3 {
		t.Errorf("written = %d, want 3", written)
	}
	if gw.batches != 1 {
		t.Errorf("batch calls = %d, want one round trip", gw.batches)
	}

	for _, sourceID := range []string{"b-1", "b-2"} {
		doc, err := store.GetDocumentByKey(t.Context(), "owner-1", "email", sourceID)
		if err != nil {
			t.Fatalf("GetDocumentByKey %s: %v", sourceID, err)
		}
		if doc.EmbeddingStatus != persistence.EmbeddingComplete {
			t.Errorf("%s status = %s, want complete", sourceID, doc.EmbeddingStatus)
		}
	}
	noContent, err := store.GetDocumentByKey(t.Context(), "owner-1", "contact", "b-3")
	if err != nil {
		t.Fatalf("GetDocumentByKey b-3: %v", err)
	}
	if noContent.EmbeddingStatus != persistence.EmbeddingComplete || noContent.Embedding != "" {
		t.Errorf("empty-content doc: status=%s embedding=%q", noContent.EmbeddingStatus, noContent.Embedding)
	}
}

func TestBackfillFailureChargesEachDocument(t *testing.T) {
	gw := &fakeGateway{err: fmt.Errorf("batch rejected")}
	p, store := newTestPipeline(t, gw, PipelineOptions{})

	_, err := p.Backfill(t.Context(), []persistence.UpsertDocumentParams{
		{OwnerID: "owner-1", SourceType: "email", SourceID: "b-1", Content: "alpha"},
		{OwnerID: "owner-1", SourceType: "email", SourceID: "b-2", Content: "beta"},
	})
	if err != nil {
		t.Fatalf("Backfill must not propagate gateway failure: %v", err)
	}
	for _, sourceID := range []string{"b-1", "b-2"} {
		doc, err := store.GetDocumentByKey(t.Context(), "owner-1", "email", sourceID)
		if err != nil {
			t.Fatalf("GetDocumentByKey: %v", err)
		}
		if doc.EmbeddingStatus != persistence.EmbeddingFailed || doc.EmbeddingRetryCount != 1 {
			t.Errorf("%s: status=%s retries=%d, want failed/1", sourceID, doc.EmbeddingStatus, doc.EmbeddingRetryCount)
		}
	}
}
