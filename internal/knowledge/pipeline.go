// Package knowledge indexes external facts: it persists documents, fills in
// their embeddings through the gateway, and retries failures on an
// exponential ladder until a vector lands or the budget runs out.
package knowledge

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/donna/internal/embedding"
	"github.com/basket/donna/internal/gate"
	"github.com/basket/donna/internal/persistence"
)

const (
	defaultRetryBase = 30 * time.Second
	defaultRetryCap  = 30 * time.Minute
)

// Pipeline is the write side of the knowledge index.
type Pipeline struct {
	store   *persistence.Store
	gateway embedding.Gateway // nil when the gateway is unconfigured
	limiter *gate.Gate
	log     *slog.Logger

	maxInputChars int
	retryBase     time.Duration
	retryCap      time.Duration
}

// PipelineOptions configures NewPipeline. Zero durations pick the defaults.
type PipelineOptions struct {
	MaxInputChars int
	RetryBase     time.Duration
	RetryCap      time.Duration
}

// NewPipeline wires the write path. A nil gateway is legal: documents then
// stay pending until the retry sweep runs with a configured gateway.
func NewPipeline(store *persistence.Store, gateway embedding.Gateway, limiter *gate.Gate, log *slog.Logger, opts PipelineOptions) *Pipeline {
	p := &Pipeline{
		store:         store,
		gateway:       gateway,
		limiter:       limiter,
		log:           log,
		maxInputChars: opts.MaxInputChars,
		retryBase:     opts.RetryBase,
		retryCap:      opts.RetryCap,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.retryBase <= 0 {
		p.retryBase = defaultRetryBase
	}
	if p.retryCap <= 0 {
		p.retryCap = defaultRetryCap
	}
	return p
}

// Upsert persists the fact and tries to embed it inline once. The document
// row always lands even when the gateway is down; the retry sweep finishes
// the job later. The returned document reflects the post-attempt state.
func (p *Pipeline) Upsert(ctx context.Context, params persistence.UpsertDocumentParams) (*persistence.Document, error) {
	params.Content = embedding.Truncate(params.Content, p.maxInputChars)
	doc, err := p.store.UpsertDocument(ctx, params)
	if err != nil {
		return nil, err
	}
	if doc.EmbeddingStatus != persistence.EmbeddingPending {
		return doc, nil
	}
	p.attemptEmbed(ctx, doc)
	return p.store.GetDocument(ctx, doc.ID)
}

// attemptEmbed runs one embedding attempt and records the outcome. Gateway
// failures never propagate: they land in the document's retry bookkeeping.
func (p *Pipeline) attemptEmbed(ctx context.Context, doc *persistence.Document) bool {
	if p.gateway == nil {
		return false
	}
	if _, err := p.limiter.Wait(ctx, gate.DepEmbedding); err != nil {
		return false
	}
	vector, err := p.gateway.Embed(ctx, doc.Content)
	if err != nil {
		kind := embedding.Classify(err)
		retryCount, exhausted, markErr := p.store.MarkEmbeddingFailed(ctx, doc.ID, err.Error(),
			time.Now().Add(p.retryDelay(doc.EmbeddingRetryCount+1)))
		if markErr != nil {
			p.log.Error("record embedding failure", "document_id", doc.ID, "error", markErr)
			return false
		}
		p.log.Warn("embedding attempt failed",
			"document_id", doc.ID,
			"error_kind", kind.String(),
			"retry_count", retryCount,
			"exhausted", exhausted,
			"error", err)
		return false
	}
	if err := p.store.MarkEmbeddingComplete(ctx, doc.ID, vector); err != nil {
		p.log.Error("store embedding", "document_id", doc.ID, "error", err)
		return false
	}
	return true
}

// retryDelay follows backoff(n) = min(base * 2^(n-1), cap).
func (p *Pipeline) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.retryCap {
			return p.retryCap
		}
	}
	if delay > p.retryCap {
		delay = p.retryCap
	}
	return delay
}

// RunRetrySweep re-attempts embedding for documents still pending or failed
// past their backoff window. Returns how many attempts ran and succeeded.
func (p *Pipeline) RunRetrySweep(ctx context.Context, limit int) (attempted, succeeded int, err error) {
	if p.gateway == nil {
		return 0, 0, nil
	}
	due, err := p.store.ListEmbeddingRetryDue(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for i := range due {
		if ctx.Err() != nil {
			return attempted, succeeded, ctx.Err()
		}
		attempted++
		if p.attemptEmbed(ctx, &due[i]) {
			succeeded++
		}
	}
	if attempted > 0 {
		p.log.Info("embedding retry sweep", "attempted", attempted, "succeeded", succeeded)
	}
	return attempted, succeeded, nil
}

// Backfill bulk-loads documents and embeds the batch in one gateway round
// trip where the backend supports it.
func (p *Pipeline) Backfill(ctx context.Context, batch []persistence.UpsertDocumentParams) (int, error) {
	for i := range batch {
		batch[i].Content = embedding.Truncate(batch[i].Content, p.maxInputChars)
	}
	written, err := p.store.BulkUpsertDocuments(ctx, batch)
	if err != nil {
		return 0, err
	}
	if p.gateway == nil {
		return written, nil
	}

	// Collect the rows that still need vectors; unchanged content keeps its
	// existing embedding and is skipped.
	var docs []*persistence.Document
	var texts []string
	for _, params := range batch {
		doc, err := p.store.GetDocumentByKey(ctx, params.OwnerID, params.SourceType, params.SourceID)
		if err != nil {
			return written, err
		}
		if doc.EmbeddingStatus != persistence.EmbeddingPending {
			continue
		}
		docs = append(docs, doc)
		texts = append(texts, doc.Content)
	}
	if len(docs) == 0 {
		return written, nil
	}

	if _, err := p.limiter.Wait(ctx, gate.DepEmbedding); err != nil {
		return written, err
	}
	vectors, err := p.gateway.EmbedBatch(ctx, texts)
	if err != nil {
		// Batch failure charges each document one attempt, same as inline.
		for _, doc := range docs {
			if _, _, markErr := p.store.MarkEmbeddingFailed(ctx, doc.ID, err.Error(),
				time.Now().Add(p.retryDelay(doc.EmbeddingRetryCount+1))); markErr != nil {
				p.log.Error("record backfill failure", "document_id", doc.ID, "error", markErr)
			}
		}
		p.log.Warn("backfill embedding failed", "documents", len(docs), "error", err)
		return written, nil
	}
	for i, doc := range docs {
		if err := p.store.MarkEmbeddingComplete(ctx, doc.ID, vectors[i]); err != nil {
			p.log.Error("store backfill embedding", "document_id", doc.ID, "error", err)
		}
	}
	return written, nil
}
