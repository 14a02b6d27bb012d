// Package brain is the LLM collaborator. It turns a user message plus
// grounding context into a text reply and zero or more tool-call intents.
// The intents are never executed here: the caller converts each one into a
// durable task and the executor does the side effects.
package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/basket/donna/internal/gate"
	"github.com/basket/donna/internal/grounding"
	"github.com/basket/donna/internal/persistence"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ToolCall is one action the model asked for.
type ToolCall struct {
	Type       persistence.TaskType
	Parameters map[string]any
}

// Reply is the model's answer for one turn.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
}

// Brain is the LLM abstraction consumed by the event service.
type Brain interface {
	Converse(ctx context.Context, ownerID, conversationID, userText string, gc *grounding.Context) (*Reply, error)
}

// Config holds the LLM provider settings.
type Config struct {
	// Provider is one of "google", "anthropic", "openai",
	// "openai_compatible". Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	// SystemPrompt overrides the built-in assistant prompt.
	SystemPrompt string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// intentKey is the context key for the per-turn tool-call collector.
type intentKeyType struct{}

var intentKey = intentKeyType{}

// intentCollector accumulates the tool calls the model issues during one
// Converse turn. The genkit tool functions only record; they never act.
type intentCollector struct {
	mu    sync.Mutex
	calls []ToolCall
}

func withIntentCollector(ctx context.Context) (context.Context, *intentCollector) {
	c := &intentCollector{}
	return context.WithValue(ctx, intentKey, c), c
}

func getIntentCollector(ctx context.Context) *intentCollector {
	if c, ok := ctx.Value(intentKey).(*intentCollector); ok {
		return c
	}
	return nil
}

func (c *intentCollector) record(typ persistence.TaskType, params map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, ToolCall{Type: typ, Parameters: params})
}

// GenkitBrain backs the Brain interface with a Genkit instance.
type GenkitBrain struct {
	g       *genkit.Genkit
	cfg     Config
	limiter *gate.Gate
	log     *slog.Logger
	tools   []ai.ToolRef
	llmOn   bool
}

// NewGenkitBrain initializes Genkit with the configured provider and
// declares the action catalog as tools. A missing API key degrades to a
// deterministic offline reply instead of failing startup.
func NewGenkitBrain(ctx context.Context, cfg Config, limiter *gate.Gate, log *slog.Logger) *GenkitBrain {
	if log == nil {
		log = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false
	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			log.Info("brain initialized", "provider", "anthropic", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("Anthropic API key missing; brain replies offline")
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			log.Info("brain initialized", "provider", "openai", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("OpenAI API key missing; brain replies offline")
		}
	case "openai_compatible":
		if cfg.OpenAICompatibleProvider == "" {
			cfg.OpenAICompatibleProvider = "openai"
		}
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
			log.Info("brain initialized", "provider", "openai_compatible", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("OpenAI compatible API key missing; brain replies offline")
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
			log.Info("brain initialized", "provider", "google", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("Google API key missing; brain replies offline")
		}
	default:
		g = genkit.Init(ctx)
		log.Warn("unknown LLM provider; brain replies offline", "provider", provider)
	}

	b := &GenkitBrain{g: g, cfg: cfg, limiter: limiter, log: log, llmOn: llmOn}
	b.tools = declareActionTools(g)
	return b
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4.1-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

const offlineReply = "I can act on this once an LLM API key is configured."

// Converse runs one model turn. Tool calls issued by the model are
// collected as intents and returned on the Reply; nothing is executed.
func (b *GenkitBrain) Converse(ctx context.Context, ownerID, conversationID, userText string, gc *grounding.Context) (*Reply, error) {
	trimmed := strings.TrimSpace(userText)
	if trimmed == "" {
		return nil, fmt.Errorf("brain: empty message")
	}
	if !b.llmOn {
		return &Reply{Content: offlineReply}, nil
	}

	ctx, collector := withIntentCollector(ctx)

	systemPrompt := strings.TrimSpace(b.cfg.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	if gc != nil {
		if block := gc.Render(); block != "" {
			systemPrompt = systemPrompt + "\n\n" + block
		}
	}
	// Escape % so ai.WithSystem's sprintf handling cannot corrupt content.
	systemPrompt = strings.ReplaceAll(systemPrompt, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(strings.ToLower(b.cfg.Provider), b.cfg.Model)),
		ai.WithSystem(systemPrompt),
		ai.WithPrompt(trimmed),
	}
	if gc != nil && len(gc.History) > 0 {
		if msgs := turnsToMessages(gc.History); len(msgs) > 0 {
			opts = append(opts, ai.WithMessages(msgs...))
		}
	}
	if len(b.tools) > 0 {
		opts = append(opts, ai.WithTools(b.tools...), ai.WithMaxTurns(3))
	}

	if b.limiter != nil {
		if _, err := b.limiter.Wait(ctx, gate.DepLLM); err != nil {
			return nil, err
		}
	}

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("brain generate: %w", err)
	}

	collector.mu.Lock()
	calls := collector.calls
	collector.mu.Unlock()
	b.log.Debug("brain turn complete",
		"owner_id", ownerID, "conversation_id", conversationID, "tool_calls", len(calls))
	return &Reply{Content: resp.Text(), ToolCalls: calls}, nil
}

const defaultSystemPrompt = "You are Donna, a personal executive assistant. " +
	"You answer from the knowledge provided and act through your tools: " +
	"send email, manage the calendar and CRM contacts, take notes, schedule " +
	"meetings, and search the user's knowledge index. When the user asks for " +
	"an action, call the matching tool with complete parameters instead of " +
	"describing what you would do."

// turnsToMessages converts grounding history into Genkit messages.
func turnsToMessages(turns []grounding.Turn) []*ai.Message {
	var msgs []*ai.Message
	for _, t := range turns {
		var role ai.Role
		switch t.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		case "tool":
			role = ai.RoleTool
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(t.Content)},
		})
	}
	return msgs
}

type queuedResult struct {
	Status string `json:"status"`
}

// intentTool declares one action tool whose body records the call on the
// per-turn collector and reports it as queued.
func intentTool[T any](g *genkit.Genkit, typ persistence.TaskType, desc string) ai.ToolRef {
	return genkit.DefineTool(g, string(typ), desc,
		func(tc *ai.ToolContext, input T) (queuedResult, error) {
			params, err := toParams(input)
			if err != nil {
				return queuedResult{}, fmt.Errorf("encode %s parameters: %w", typ, err)
			}
			if c := getIntentCollector(tc); c != nil {
				c.record(typ, params)
			}
			return queuedResult{Status: "queued"}, nil
		})
}

// toParams flattens a typed tool input into the parameter map stored on
// the task.
func toParams(input any) (map[string]any, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

type sendEmailInput struct {
	To               string   `json:"to"`
	CC               []string `json:"cc,omitempty"`
	Subject          string   `json:"subject"`
	Body             string   `json:"body"`
	ReplyToMessageID string   `json:"reply_to_message_id,omitempty"`
}

type createCalendarEventInput struct {
	Title       string   `json:"title"`
	StartTime   string   `json:"start_time"`
	EndTime     string   `json:"end_time,omitempty"`
	Attendees   []string `json:"attendees,omitempty"`
	Location    string   `json:"location,omitempty"`
	Description string   `json:"description,omitempty"`
}

type createContactInput struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

type updateContactInput struct {
	ContactID string `json:"contact_id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Company   string `json:"company,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type addNoteInput struct {
	Content   string `json:"content"`
	ContactID string `json:"contact_id,omitempty"`
	Title     string `json:"title,omitempty"`
}

type scheduleMeetingInput struct {
	Title           string   `json:"title"`
	Attendees       []string `json:"attendees"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
	EarliestStart   string   `json:"earliest_start,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

type searchKnowledgeInput struct {
	Query       string   `json:"query"`
	Limit       int      `json:"limit,omitempty"`
	SourceTypes []string `json:"source_types,omitempty"`
}

func declareActionTools(g *genkit.Genkit) []ai.ToolRef {
	return []ai.ToolRef{
		intentTool[sendEmailInput](g, persistence.TaskSendEmail,
			"Send an email on the user's behalf. Requires to, subject and body."),
		intentTool[createCalendarEventInput](g, persistence.TaskCreateCalendarEvent,
			"Create a calendar event. Requires title and an RFC 3339 start_time."),
		intentTool[createContactInput](g, persistence.TaskCreateContact,
			"Create a CRM contact. Requires the contact's email address."),
		intentTool[updateContactInput](g, persistence.TaskUpdateContact,
			"Update fields on an existing CRM contact identified by contact_id."),
		intentTool[addNoteInput](g, persistence.TaskAddNote,
			"Attach a free-form note, optionally linked to a contact."),
		intentTool[scheduleMeetingInput](g, persistence.TaskScheduleMeeting,
			"Schedule a meeting with one or more attendees. The assistant collects availability before booking."),
		intentTool[searchKnowledgeInput](g, persistence.TaskSearchKnowledge,
			"Search the user's indexed email, calendar and CRM knowledge."),
	}
}
