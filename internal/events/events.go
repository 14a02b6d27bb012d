// Package events is the entry point for everything that reaches the agent
// from outside: external observations (inbound email, calendar changes, CRM
// updates) and direct user chat. External events are indexed as knowledge,
// matched against standing instructions, and any resulting tool calls
// become durable tasks for the executor.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/donna/internal/brain"
	"github.com/basket/donna/internal/bus"
	"github.com/basket/donna/internal/grounding"
	"github.com/basket/donna/internal/knowledge"
	"github.com/basket/donna/internal/persistence"
	"github.com/basket/donna/internal/rules"
	"github.com/basket/donna/internal/shared"
)

// Event is one external observation delivered to the pipeline. Delivery is
// at least once: ID drives task dedup so a redelivered event converges on
// the same tasks.
type Event struct {
	ID      string
	Type    string
	OwnerID string
	Payload map[string]any
}

// Outcome reports what one event produced.
type Outcome struct {
	DocumentID        string
	FiredInstructions int
	TaskIDs           []string
}

// ChatReply is the result of one direct chat turn.
type ChatReply struct {
	ConversationID string
	Content        string
	TaskIDs        []string
}

// Service orchestrates event intake and chat.
type Service struct {
	store    *persistence.Store
	pipeline *knowledge.Pipeline
	builder  *grounding.Builder
	brain    brain.Brain
	bus      *bus.Bus
	log      *slog.Logger
}

func NewService(store *persistence.Store, pipeline *knowledge.Pipeline, builder *grounding.Builder, b brain.Brain, eventBus *bus.Bus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, pipeline: pipeline, builder: builder, brain: b, bus: eventBus, log: log}
}

// ProcessExternalEvent indexes the observed fact, evaluates standing
// instructions against the payload, and converts every tool call from a
// firing instruction into a task. Instruction evaluation failures are
// isolated: one broken instruction never blocks the others.
func (s *Service) ProcessExternalEvent(ctx context.Context, ev Event) (*Outcome, error) {
	if ev.OwnerID == "" {
		return nil, fmt.Errorf("events: owner id is required")
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("events: event type is required")
	}
	ctx = shared.WithOwnerID(ctx, ev.OwnerID)
	log := s.log.With("owner_id", ev.OwnerID, "event_type", ev.Type, "event_id", ev.ID)

	out := &Outcome{}

	// The observation becomes knowledge first, firing instructions or not.
	// The upsert is idempotent on the natural key, so redelivery is safe.
	if fact, ok := factFromEvent(ev); ok {
		doc, err := s.pipeline.Upsert(ctx, fact)
		if err != nil {
			return nil, fmt.Errorf("index event fact: %w", err)
		}
		out.DocumentID = doc.ID
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicEventReceived, bus.InstructionEvent{
			OwnerID: ev.OwnerID, EventID: ev.ID, TriggerType: ev.Type,
		})
	}

	instrs, err := s.store.ListActiveInstructions(ctx, ev.OwnerID, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("load instructions: %w", err)
	}
	for _, instr := range instrs {
		if !rules.MatchesJSON(instr.Conditions, ev.Payload) {
			if s.bus != nil {
				s.bus.Publish(bus.TopicInstructionPassed, bus.InstructionEvent{
					OwnerID: ev.OwnerID, EventID: ev.ID, TriggerType: ev.Type, InstructionID: instr.ID,
				})
			}
			continue
		}
		taskIDs, err := s.fireInstruction(ctx, ev, &instr)
		if err != nil {
			log.Error("instruction invocation failed", "instruction_id", instr.ID, "error", err)
			continue
		}
		out.FiredInstructions++
		out.TaskIDs = append(out.TaskIDs, taskIDs...)
		if s.bus != nil {
			s.bus.Publish(bus.TopicInstructionFired, bus.InstructionEvent{
				OwnerID: ev.OwnerID, EventID: ev.ID, TriggerType: ev.Type,
				InstructionID: instr.ID, TaskIDs: taskIDs,
			})
		}
	}

	log.Info("event processed", "fired", out.FiredInstructions, "tasks", len(out.TaskIDs))
	return out, nil
}

// fireInstruction hands the directive plus the triggering payload to the
// brain and persists the resulting tool calls. The dedup scope is
// (event, instruction) so two instructions reacting to one event keep
// their tasks apart while a redelivered event collapses.
func (s *Service) fireInstruction(ctx context.Context, ev Event, instr *persistence.Instruction) ([]string, error) {
	gc, err := s.builder.Build(ctx, ev.OwnerID, "", instr.Directive)
	if err != nil {
		return nil, fmt.Errorf("build grounding: %w", err)
	}

	prompt := instr.Directive + "\n\nTriggering event (" + ev.Type + "):\n" + renderPayload(ev.Payload)
	reply, err := s.brain.Converse(ctx, ev.OwnerID, "", prompt, gc)
	if err != nil {
		return nil, fmt.Errorf("converse: %w", err)
	}

	dedupScope := ev.ID
	if dedupScope != "" {
		dedupScope = ev.ID + "/" + instr.ID
	}
	return s.createTasks(ctx, ev.OwnerID, "", "", dedupScope, reply.ToolCalls)
}

// RunScheduledInstruction fires a schedule-triggered instruction. There is
// no external payload; the directive itself is the prompt. The dedup scope
// includes the run time so each firing creates fresh tasks while a
// double-driven tick collapses.
func (s *Service) RunScheduledInstruction(ctx context.Context, instr *persistence.Instruction, runAt time.Time) ([]string, error) {
	ctx = shared.WithOwnerID(ctx, instr.OwnerID)
	gc, err := s.builder.Build(ctx, instr.OwnerID, "", instr.Directive)
	if err != nil {
		return nil, fmt.Errorf("build grounding: %w", err)
	}
	reply, err := s.brain.Converse(ctx, instr.OwnerID, "", instr.Directive, gc)
	if err != nil {
		return nil, fmt.Errorf("converse: %w", err)
	}
	eventID := instr.ID + "@" + runAt.UTC().Format(time.RFC3339)
	taskIDs, err := s.createTasks(ctx, instr.OwnerID, "", "", eventID, reply.ToolCalls)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicInstructionFired, bus.InstructionEvent{
			OwnerID: instr.OwnerID, EventID: eventID, TriggerType: instr.TriggerType,
			InstructionID: instr.ID, TaskIDs: taskIDs,
		})
	}
	return taskIDs, nil
}

// HandleChat runs one direct conversation turn: persist the user message,
// ground, converse, persist the reply, and enqueue any tool calls.
func (s *Service) HandleChat(ctx context.Context, ownerID, conversationID, text string) (*ChatReply, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("events: owner id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("events: empty message")
	}
	ctx = shared.WithOwnerID(ctx, ownerID)

	convID, err := s.store.EnsureConversation(ctx, conversationID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	msgID, err := s.store.AppendMessage(ctx, convID, ownerID, "user", text)
	if err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}

	gc, err := s.builder.Build(ctx, ownerID, convID, text)
	if err != nil {
		return nil, fmt.Errorf("build grounding: %w", err)
	}
	// The turn being answered is already in history; the model gets it as
	// the prompt.
	if n := len(gc.History); n > 0 && gc.History[n-1].Content == text {
		gc.History = gc.History[:n-1]
	}

	reply, err := s.brain.Converse(ctx, ownerID, convID, text, gc)
	if err != nil {
		return nil, fmt.Errorf("converse: %w", err)
	}
	if reply.Content != "" {
		if _, err := s.store.AppendMessage(ctx, convID, ownerID, "assistant", reply.Content); err != nil {
			return nil, fmt.Errorf("record assistant message: %w", err)
		}
	}

	taskIDs, err := s.createTasks(ctx, ownerID, convID, strconv.FormatInt(msgID, 10), "", reply.ToolCalls)
	if err != nil {
		return nil, err
	}
	return &ChatReply{ConversationID: convID, Content: reply.Content, TaskIDs: taskIDs}, nil
}

func (s *Service) createTasks(ctx context.Context, ownerID, conversationID, messageID, eventID string, calls []brain.ToolCall) ([]string, error) {
	var ids []string
	for _, call := range calls {
		taskID, created, err := s.store.CreateTask(ctx, persistence.CreateTaskParams{
			OwnerID:        ownerID,
			Type:           call.Type,
			Parameters:     call.Parameters,
			ConversationID: conversationID,
			MessageID:      messageID,
			EventID:        eventID,
		})
		if err != nil {
			// Unknown types from the model are dropped, not fatal: the
			// remaining calls still deserve tasks.
			s.log.Warn("tool call rejected", "type", string(call.Type), "error", err)
			continue
		}
		if !created {
			s.log.Info("tool call deduplicated", "task_id", taskID, "type", string(call.Type))
		}
		ids = append(ids, taskID)
	}
	return ids, nil
}

// sourceTypeForTrigger maps an event type to the document source type it
// feeds.
func sourceTypeForTrigger(eventType string) string {
	switch eventType {
	case persistence.TriggerEmailReceived:
		return "email"
	case persistence.TriggerCalendarEvent:
		return "calendar_event"
	case persistence.TriggerContactCreated:
		return "contact"
	default:
		return ""
	}
}

// factFromEvent shapes the payload into a document. Events with no source
// mapping or no stable id are observed but not indexed.
func factFromEvent(ev Event) (persistence.UpsertDocumentParams, bool) {
	sourceType := sourceTypeForTrigger(ev.Type)
	if sourceType == "" {
		return persistence.UpsertDocumentParams{}, false
	}
	sourceID, _ := ev.Payload["id"].(string)
	if sourceID == "" {
		sourceID = ev.ID
	}
	if sourceID == "" {
		return persistence.UpsertDocumentParams{}, false
	}
	return persistence.UpsertDocumentParams{
		OwnerID:    ev.OwnerID,
		SourceType: sourceType,
		SourceID:   sourceID,
		Content:    renderPayload(ev.Payload),
		Metadata:   map[string]any{"event_type": ev.Type, "event_id": ev.ID},
	}, true
}

// renderPayload flattens the payload into stable text for embedding and
// for the model prompt. Keys are sorted so identical payloads produce
// identical content and the idempotent upsert sees no change.
func renderPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v := payload[k]
		switch val := v.(type) {
		case string:
			fmt.Fprintf(&sb, "%s: %s\n", k, val)
		case float64:
			fmt.Fprintf(&sb, "%s: %s\n", k, strconv.FormatFloat(val, 'f', -1, 64))
		case bool:
			fmt.Fprintf(&sb, "%s: %t\n", k, val)
		case nil:
			continue
		default:
			data, err := json.Marshal(val)
			if err != nil {
				continue
			}
			fmt.Fprintf(&sb, "%s: %s\n", k, data)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
