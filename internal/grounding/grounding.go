// Package grounding assembles the context handed to the language model:
// knowledge retrieval hits plus the recent turns of the conversation.
package grounding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/donna/internal/knowledge"
	"github.com/basket/donna/internal/persistence"
)

const (
	defaultMaxFacts     = 6
	defaultMaxHistory   = 12
	defaultMaxFactChars = 600
)

// Options bound how much material one grounding context may carry.
type Options struct {
	MaxFacts     int
	MaxHistory   int
	MaxFactChars int
}

// Fact is one retrieval hit prepared for the prompt.
type Fact struct {
	SourceType string
	SourceID   string
	Content    string
	Score      float64
}

// Turn is one prior conversation message, oldest first.
type Turn struct {
	Role    string
	Content string
}

// Context is the assembled grounding for a single model invocation.
type Context struct {
	Facts   []Fact
	History []Turn
}

// Builder composes grounding contexts from the knowledge index and the
// conversation log.
type Builder struct {
	store    *persistence.Store
	searcher *knowledge.Searcher
	log      *slog.Logger

	maxFacts     int
	maxHistory   int
	maxFactChars int
}

// NewBuilder wires a grounding builder. The searcher may be nil when no
// embedding backend is configured; contexts then carry history only.
func NewBuilder(store *persistence.Store, searcher *knowledge.Searcher, log *slog.Logger, opts Options) *Builder {
	if log == nil {
		log = slog.Default()
	}
	b := &Builder{
		store:        store,
		searcher:     searcher,
		log:          log,
		maxFacts:     opts.MaxFacts,
		maxHistory:   opts.MaxHistory,
		maxFactChars: opts.MaxFactChars,
	}
	if b.maxFacts <= 0 {
		b.maxFacts = defaultMaxFacts
	}
	if b.maxHistory <= 0 {
		b.maxHistory = defaultMaxHistory
	}
	if b.maxFactChars <= 0 {
		b.maxFactChars = defaultMaxFactChars
	}
	return b
}

// Build assembles the grounding for one invocation. Retrieval is best
// effort: a search failure degrades to a history-only context rather than
// blocking the conversation. Conversation history is skipped when
// conversationID is empty (automation-triggered invocations).
func (b *Builder) Build(ctx context.Context, ownerID, conversationID, query string) (*Context, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("grounding: owner id is required")
	}
	gc := &Context{}

	if b.searcher != nil && strings.TrimSpace(query) != "" {
		results, err := b.searcher.Search(ctx, ownerID, query, knowledge.SearchOptions{Limit: b.maxFacts})
		if err != nil {
			b.log.Warn("knowledge retrieval unavailable, grounding on history only", "error", err)
		}
		for _, r := range results {
			gc.Facts = append(gc.Facts, Fact{
				SourceType: r.Document.SourceType,
				SourceID:   r.Document.SourceID,
				Content:    clip(r.Document.Content, b.maxFactChars),
				Score:      r.Score,
			})
		}
	}

	if conversationID != "" {
		msgs, err := b.store.RecentMessages(ctx, conversationID, b.maxHistory)
		if err != nil {
			return nil, fmt.Errorf("load conversation history: %w", err)
		}
		for _, m := range msgs {
			gc.History = append(gc.History, Turn{Role: m.Role, Content: m.Content})
		}
	}

	return gc, nil
}

// Render flattens the retrieval hits into the prompt block handed to the
// model. History is carried separately as structured turns.
func (c *Context) Render() string {
	if len(c.Facts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant knowledge about this user:\n")
	for _, f := range c.Facts {
		sb.WriteString(fmt.Sprintf("- [%s/%s] %s\n", f.SourceType, f.SourceID, f.Content))
	}
	return sb.String()
}

// Empty reports whether the context carries nothing worth sending.
func (c *Context) Empty() bool {
	return len(c.Facts) == 0 && len(c.History) == 0
}

// clip truncates on a rune boundary with an ellipsis marker.
func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
