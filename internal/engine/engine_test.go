package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/donna/internal/gate"
	"github.com/basket/donna/internal/knowledge"
	"github.com/basket/donna/internal/persistence"
	"github.com/basket/donna/internal/tools"
)

type testRig struct {
	engine   *Engine
	store    *persistence.Store
	registry *tools.Registry
}

func newTestRig(t *testing.T, storeOpts ...persistence.Option) *testRig {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "donna.db"), nil, storeOpts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	validator, err := tools.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	registry := tools.NewRegistry()
	log := slog.New(slog.DiscardHandler)
	pipeline := knowledge.NewPipeline(store, nil, gate.New(0, nil), log, knowledge.PipelineOptions{})
	return &testRig{
		engine:   New(store, validator, registry, pipeline, log, Options{WorkerCount: 1}),
		store:    store,
		registry: registry,
	}
}

func (r *testRig) enqueue(t *testing.T, taskType persistence.TaskType, params map[string]any) string {
	t.Helper()
	id, _, err := r.store.CreateTask(t.Context(), persistence.CreateTaskParams{
		OwnerID: "owner-1", Type: taskType, Parameters: params,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

func (r *testRig) step(t *testing.T) {
	t.Helper()
	ran, err := r.engine.ExecuteNext(t.Context())
	if err != nil {
		t.Fatalf("ExecuteNext: %v", err)
	}
	if !ran {
		t.Fatal("expected a due task to run")
	}
}

// clearBackoff makes a retry-scheduled task claimable without waiting.
func (r *testRig) clearBackoff(t *testing.T, taskID string) {
	t.Helper()
	if _, err := r.store.DB().ExecContext(t.Context(), `
		UPDATE tasks SET scheduled_at = NULL WHERE id = ? AND status = 'pending';
	`, taskID); err != nil {
		t.Fatalf("clear backoff: %v", err)
	}
}

func TestExecuteCompletesTaskAndFeedsFact(t *testing.T) {
	rig := newTestRig(t)
	rig.registry.Register(persistence.TaskAddNote, tools.HandlerFunc(
		func(_ context.Context, task *persistence.Task) (*tools.Outcome, error) {
			return tools.CompletedWithFact(
				map[string]any{"note_id": "n-1"},
				persistence.UpsertDocumentParams{
					OwnerID: task.OwnerID, SourceType: "note", SourceID: "n-1",
					Content: "the note text",
				},
			), nil
		}))

	id := rig.enqueue(t, persistence.TaskAddNote, map[string]any{"content": "the note text"})
	rig.step(t)

	task, err := rig.store.GetTask(t.Context(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != persistence.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
	if !strings.Contains(task.Result, "n-1") {
		t.Errorf("result = %q", task.Result)
	}

	// The produced fact landed in the knowledge index (pending: there is no
	// gateway in this rig).
	doc, err := rig.store.GetDocumentByKey(t.Context(), "owner-1", "note", "n-1")
	if err != nil {
		t.Fatalf("fact not indexed: %v", err)
	}
	if doc.EmbeddingStatus != persistence.EmbeddingPending {
		t.Errorf("fact status = %s", doc.EmbeddingStatus)
	}
}

func TestValidationFailureIsTerminalOnFirstAttempt(t *testing.T) {
	rig := newTestRig(t)
	called := false
	rig.registry.Register(persistence.TaskSendEmail, tools.HandlerFunc(
		func(context.Context, *persistence.Task) (*tools.Outcome, error) {
			called = true
			return tools.Completed(nil), nil
		}))

	// Missing required body.
	id := rig.enqueue(t, persistence.TaskSendEmail, map[string]any{"to": "a@x.com", "subject": "s"})
	rig.step(t)

	task, err := rig.store.GetTask(t.Context(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1: validation must not ride the retry ladder", task.Attempts)
	}
	if called {
		t.Error("handler ran on invalid parameters")
	}
	if !strings.Contains(task.Error, "invalid parameters") {
		t.Errorf("error = %q, want the validation message", task.Error)
	}
}

func TestTransientFailureRetriesToCap(t *testing.T) {
	rig := newTestRig(t, persistence.WithRetryPolicy(3, time.Millisecond, time.Millisecond))
	attempts := 0
	rig.registry.Register(persistence.TaskAddNote, tools.HandlerFunc(
		func(context.Context, *persistence.Task) (*tools.Outcome, error) {
			attempts++
			return nil, errors.New("crm timeout: context deadline exceeded")
		}))

	id := rig.enqueue(t, persistence.TaskAddNote, map[string]any{"content": "x"})
	for i := 0; i < 3; i++ {
		rig.clearBackoff(t, id)
		rig.step(t)
	}

	task, err := rig.store.GetTask(t.Context(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		t.Errorf("status = %s, want failed after cap", task.Status)
	}
	if attempts != 3 {
		t.Errorf("handler ran %d times, want 3", attempts)
	}
	if task.Error != "crm timeout: context deadline exceeded" {
		t.Errorf("error = %q, want the last error verbatim", task.Error)
	}

	// Terminal monotonicity: no further sweep moves it.
	ran, err := rig.engine.ExecuteNext(t.Context())
	if err != nil {
		t.Fatalf("ExecuteNext: %v", err)
	}
	if ran {
		t.Error("a terminal task was claimed again")
	}
}

func TestAuthFailureRetriesExactlyOnce(t *testing.T) {
	rig := newTestRig(t)
	attempts := 0
	rig.registry.Register(persistence.TaskAddNote, tools.HandlerFunc(
		func(context.Context, *persistence.Task) (*tools.Outcome, error) {
			attempts++
			return nil, errors.New("crm: 401 unauthorized")
		}))

	id := rig.enqueue(t, persistence.TaskAddNote, map[string]any{"content": "x"})
	rig.step(t)

	task, _ := rig.store.GetTask(t.Context(), id)
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("after first auth failure status = %s, want pending (one refresh retry)", task.Status)
	}

	rig.clearBackoff(t, id)
	rig.step(t)

	task, _ = rig.store.GetTask(t.Context(), id)
	if task.Status != persistence.TaskStatusFailed {
		t.Errorf("after second auth failure status = %s, want failed", task.Status)
	}
	if attempts != 2 {
		t.Errorf("handler ran %d times, want exactly 2", attempts)
	}
}

func TestConfigFailureIsImmediatelyTerminal(t *testing.T) {
	rig := newTestRig(t)
	rig.registry.Register(persistence.TaskAddNote, tools.HandlerFunc(
		func(context.Context, *persistence.Task) (*tools.Outcome, error) {
			return nil, errors.New("crm client: no api key configured")
		}))

	id := rig.enqueue(t, persistence.TaskAddNote, map[string]any{"content": "x"})
	rig.step(t)

	task, _ := rig.store.GetTask(t.Context(), id)
	if task.Status != persistence.TaskStatusFailed {
		t.Errorf("status = %s, want failed with no retry", task.Status)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", task.Attempts)
	}
}

func TestMissingHandlerIsTerminal(t *testing.T) {
	rig := newTestRig(t)
	id := rig.enqueue(t, persistence.TaskAddNote, map[string]any{"content": "x"})
	rig.step(t)

	task, _ := rig.store.GetTask(t.Context(), id)
	if task.Status != persistence.TaskStatusFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "configuration error") {
		t.Errorf("error = %q, want a distinct configuration message", task.Error)
	}
}

func TestWaitingOutcomeParksTask(t *testing.T) {
	rig := newTestRig(t)
	rig.registry.Register(persistence.TaskScheduleMeeting, tools.HandlerFunc(
		func(context.Context, *persistence.Task) (*tools.Outcome, error) {
			return tools.Waiting(map[string]any{"awaiting": "replies"}, time.Hour), nil
		}))

	id := rig.enqueue(t, persistence.TaskScheduleMeeting,
		map[string]any{"title": "sync", "attendees": []string{"a@x.com"}})
	rig.step(t)

	task, err := rig.store.GetTask(t.Context(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != persistence.TaskStatusWaiting {
		t.Errorf("status = %s, want waiting", task.Status)
	}
	if !strings.Contains(task.Context, "replies") {
		t.Errorf("context = %q, want the wait metadata merged", task.Context)
	}
	if task.ScheduledAt == nil || !task.ScheduledAt.After(time.Now().Add(30*time.Minute)) {
		t.Errorf("scheduled_at = %v, want the recheck an hour out", task.ScheduledAt)
	}

	// Not claimable before the recheck time.
	ran, err := rig.engine.ExecuteNext(t.Context())
	if err != nil {
		t.Fatalf("ExecuteNext: %v", err)
	}
	if ran {
		t.Error("waiting task claimed before its recheck time")
	}
}

func TestPanicIsContainedAndRetried(t *testing.T) {
	rig := newTestRig(t)
	calls := 0
	rig.registry.Register(persistence.TaskAddNote, tools.HandlerFunc(
		func(context.Context, *persistence.Task) (*tools.Outcome, error) {
			calls++
			if calls == 1 {
				panic("adapter bug")
			}
			return tools.Completed(nil), nil
		}))

	id := rig.enqueue(t, persistence.TaskAddNote, map[string]any{"content": "x"})
	rig.step(t)

	task, _ := rig.store.GetTask(t.Context(), id)
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("after panic status = %s, want pending for retry", task.Status)
	}
	if !strings.Contains(task.Error, "handler panic") {
		t.Errorf("error = %q", task.Error)
	}

	// The queue is not stalled: the retry succeeds.
	rig.clearBackoff(t, id)
	rig.step(t)
	task, _ = rig.store.GetTask(t.Context(), id)
	if task.Status != persistence.TaskStatusCompleted {
		t.Errorf("retry after panic left status = %s", task.Status)
	}
}

func TestClassifyFailure(t *testing.T) {
	vErr := &tools.ValidationError{TaskType: persistence.TaskAddNote, Message: "missing content"}
	if classifyFailure(vErr, 1) != failTerminal {
		t.Error("validation errors must be terminal")
	}
	if classifyFailure(errors.New("timeout"), 1) != failRetryable {
		t.Error("transient errors must be retryable")
	}
	if classifyFailure(errors.New("401 unauthorized"), 1) != failRetryable {
		t.Error("first auth failure gets one retry")
	}
	if classifyFailure(errors.New("401 unauthorized"), 2) != failTerminal {
		t.Error("second auth failure is terminal")
	}
	if classifyFailure(errors.New("mail: no api key configured"), 1) != failTerminal {
		t.Error("configuration errors must be terminal")
	}
}
