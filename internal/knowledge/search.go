package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/donna/internal/embedding"
	"github.com/basket/donna/internal/gate"
	"github.com/basket/donna/internal/persistence"
)

// Result is one retrieval hit.
type Result struct {
	Document persistence.Document
	Score    float64
}

// SearchOptions tune one search call. Zero values fall back to the
// searcher's configured defaults.
type SearchOptions struct {
	Limit       int
	Threshold   float64
	SourceTypes []string
}

// Searcher is the read side of the knowledge index: embed the query, score
// the owner's candidate vectors, return ranked hits above the threshold.
type Searcher struct {
	store   *persistence.Store
	gateway embedding.Gateway
	limiter *gate.Gate
	log     *slog.Logger

	mu               sync.RWMutex
	defaultLimit     int
	defaultThreshold float64
}

func NewSearcher(store *persistence.Store, gateway embedding.Gateway, limiter *gate.Gate, log *slog.Logger, defaultLimit int, defaultThreshold float64) *Searcher {
	if log == nil {
		log = slog.Default()
	}
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	return &Searcher{
		store:            store,
		gateway:          gateway,
		limiter:          limiter,
		log:              log,
		defaultLimit:     defaultLimit,
		defaultThreshold: defaultThreshold,
	}
}

// SetDefaultThreshold swaps the minimum similarity applied when a search
// does not override it. The config watcher calls this on reload.
func (s *Searcher) SetDefaultThreshold(threshold float64) {
	s.mu.Lock()
	s.defaultThreshold = threshold
	s.mu.Unlock()
}

// Search embeds queryText and returns the owner's documents ranked by
// cosine similarity, best first. Hits below the threshold never appear,
// even when nothing else scored higher. Ties break toward the more
// recently updated document.
func (s *Searcher) Search(ctx context.Context, ownerID, queryText string, opts SearchOptions) ([]Result, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required for search")
	}
	if s.gateway == nil {
		return nil, fmt.Errorf("search unavailable: %w", embedding.ErrNoAPIKey)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}
	threshold := opts.Threshold
	if threshold == 0 {
		s.mu.RLock()
		threshold = s.defaultThreshold
		s.mu.RUnlock()
	}

	if _, err := s.limiter.Wait(ctx, gate.DepEmbedding); err != nil {
		return nil, err
	}
	queryVector, err := s.gateway.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := s.store.SearchCandidates(ctx, ownerID, opts.SourceTypes, 0)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, limit)
	for _, doc := range candidates {
		vec, err := doc.Vector()
		if err != nil {
			s.log.Warn("skipping document with unreadable embedding", "document_id", doc.ID, "error", err)
			continue
		}
		score := embedding.CosineSimilarity(queryVector, vec)
		if score < threshold {
			continue
		}
		results = append(results, Result{Document: doc, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.UpdatedAt.After(results[j].Document.UpdatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
