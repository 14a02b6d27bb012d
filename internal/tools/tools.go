// Package tools holds the per-action-type handlers the task executor
// dispatches to, the parameter validator run before dispatch, and the
// collaborator interfaces those handlers need from the outside world.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/donna/internal/persistence"
)

// Outcome is what a handler reports back to the executor.
//
// A completed outcome carries the result payload and, when the action
// produced a new external fact, the document to feed back into the
// knowledge index. A waiting outcome instead names the external signal the
// task is parked on and when to re-check.
type Outcome struct {
	Result map[string]any

	// Fact, when set, is upserted into the knowledge index so future
	// retrieval sees what this action changed.
	Fact *persistence.UpsertDocumentParams

	Waiting      bool
	WaitContext  map[string]any
	RecheckAfter time.Duration
}

// Completed builds a success outcome.
func Completed(result map[string]any) *Outcome {
	return &Outcome{Result: result}
}

// CompletedWithFact builds a success outcome that feeds a fact back into
// the knowledge index.
func CompletedWithFact(result map[string]any, fact persistence.UpsertDocumentParams) *Outcome {
	return &Outcome{Result: result, Fact: &fact}
}

// Waiting parks the task until an external signal, re-checking after the
// given delay.
func Waiting(waitContext map[string]any, recheckAfter time.Duration) *Outcome {
	return &Outcome{Waiting: true, WaitContext: waitContext, RecheckAfter: recheckAfter}
}

// Handler executes one action type. Returning an error (other than a
// *ValidationError) sends the task through the retry ladder.
type Handler interface {
	Execute(ctx context.Context, task *persistence.Task) (*Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *persistence.Task) (*Outcome, error)

func (f HandlerFunc) Execute(ctx context.Context, task *persistence.Task) (*Outcome, error) {
	return f(ctx, task)
}

// Registry maps action types to handlers.
type Registry struct {
	handlers map[persistence.TaskType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[persistence.TaskType]Handler)}
}

func (r *Registry) Register(taskType persistence.TaskType, h Handler) {
	r.handlers[taskType] = h
}

// Get returns the handler for a task type.
func (r *Registry) Get(taskType persistence.TaskType) (Handler, error) {
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", taskType)
	}
	return h, nil
}

// Types lists the registered action types.
func (r *Registry) Types() []persistence.TaskType {
	out := make([]persistence.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
