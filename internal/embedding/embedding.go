// Package embedding is the gateway to the external embedding model. It
// produces fixed-dimension vectors from text and classifies gateway errors
// so the knowledge pipeline can tell a bad credential from a rate limit.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Gateway produces embeddings for text.
type Gateway interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// ErrNoAPIKey means the gateway is unconfigured. Callers must treat this
// as terminal: retrying cannot conjure a key.
var ErrNoAPIKey = errors.New("embedding: no API key configured")

// Kind buckets gateway errors by how callers should react.
type Kind int

const (
	// KindTransient: timeouts, rate limits, 5xx. Retry with backoff.
	KindTransient Kind = iota
	// KindAuth: rejected credential. Retry exactly once after the
	// collaborator refreshes; then terminal.
	KindAuth
	// KindConfig: missing key or model. Terminal immediately.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConfig:
		return "config"
	default:
		return "transient"
	}
}

// Classify buckets a gateway error. Unknown errors default to transient so
// a new provider failure mode degrades to retries instead of data loss.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	if errors.Is(err, ErrNoAPIKey) {
		return KindConfig
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key not valid"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "unauthenticated"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return KindAuth
	case strings.Contains(msg, "no api key"),
		strings.Contains(msg, "api key is required"):
		return KindConfig
	default:
		return KindTransient
	}
}

// Truncate bounds text to the model's input limit without splitting a rune.
// Over-long content is cut, never rejected.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// CosineSimilarity scores two vectors in [-1, 1]. Mismatched lengths and
// zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Options configures the gateway factory.
type Options struct {
	Provider       string // "genai" or "ollama"
	APIKey         string
	GenAIModel     string
	OllamaEndpoint string
	OllamaModel    string
}

// New builds the configured gateway backend.
func New(ctx context.Context, opts Options) (Gateway, error) {
	switch opts.Provider {
	case "", "genai":
		return NewGenAIGateway(ctx, opts.APIKey, opts.GenAIModel)
	case "ollama":
		return NewOllamaGateway(opts.OllamaEndpoint, opts.OllamaModel), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
}
