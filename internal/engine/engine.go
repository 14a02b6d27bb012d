// Package engine runs the task executor: a pool of workers that claim due
// tasks, validate their parameters, dispatch to the registered handler, and
// record the outcome through the state machine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/basket/donna/internal/knowledge"
	"github.com/basket/donna/internal/persistence"
	"github.com/basket/donna/internal/shared"
	"github.com/basket/donna/internal/tools"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultTaskTimeout  = 2 * time.Minute
	defaultWorkerCount  = 4
)

// Options tunes the executor.
type Options struct {
	WorkerCount  int
	TaskTimeout  time.Duration
	PollInterval time.Duration
}

// Engine is the task executor.
type Engine struct {
	store     *persistence.Store
	validator *tools.Validator
	registry  *tools.Registry
	pipeline  *knowledge.Pipeline
	log       *slog.Logger

	workers      int
	taskTimeout  time.Duration
	pollInterval time.Duration

	wg sync.WaitGroup
}

func New(store *persistence.Store, validator *tools.Validator, registry *tools.Registry, pipeline *knowledge.Pipeline, log *slog.Logger, opts Options) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		store:        store,
		validator:    validator,
		registry:     registry,
		pipeline:     pipeline,
		log:          log,
		workers:      opts.WorkerCount,
		taskTimeout:  opts.TaskTimeout,
		pollInterval: opts.PollInterval,
	}
	if e.workers <= 0 {
		e.workers = defaultWorkerCount
	}
	if e.taskTimeout <= 0 {
		e.taskTimeout = defaultTaskTimeout
	}
	if e.pollInterval <= 0 {
		e.pollInterval = defaultPollInterval
	}
	return e
}

// Start launches the worker pool. Workers exit when ctx is cancelled; Wait
// blocks until they have drained.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func(worker int) {
			defer e.wg.Done()
			log := e.log.With("worker", worker)
			for {
				ran, err := e.ExecuteNext(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Error("executor step", "error", err)
				}
				if ctx.Err() != nil {
					return
				}
				if !ran {
					select {
					case <-ctx.Done():
						return
					case <-time.After(e.pollInterval):
					}
				}
			}
		}(i)
	}
}

// Wait blocks until every worker has stopped.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ExecuteNext claims and runs at most one due task. It reports whether a
// task was claimed; queue-empty is not an error.
func (e *Engine) ExecuteNext(ctx context.Context) (bool, error) {
	task, err := e.store.ClaimDueTask(ctx)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}
	e.executeTask(ctx, task)
	return true, nil
}

func (e *Engine) executeTask(ctx context.Context, task *persistence.Task) {
	ctx = shared.WithTaskID(shared.WithOwnerID(ctx, task.OwnerID), task.ID)
	log := e.log.With("task_id", task.ID, "task_type", string(task.Type), "attempt", task.Attempts)

	// Validation failures are terminal on the spot: bad input will not
	// become good input on retry.
	if err := e.validator.Validate(task.Type, task.Parameters); err != nil {
		log.Warn("task parameters rejected", "error", err)
		if failErr := e.store.FailTask(ctx, task.ID, err.Error()); failErr != nil {
			log.Error("record validation failure", "error", failErr)
		}
		return
	}

	handler, err := e.registry.Get(task.Type)
	if err != nil {
		// A type with no handler is a deployment problem, not a transient
		// fault. Terminal, with a distinct message.
		if failErr := e.store.FailTask(ctx, task.ID, "configuration error: "+err.Error()); failErr != nil {
			log.Error("record missing handler", "error", failErr)
		}
		return
	}

	outcome, err := e.dispatch(ctx, handler, task)
	switch {
	case err != nil:
		e.recordFailure(ctx, log, task, err)
	case outcome != nil && outcome.Waiting:
		recheckAt := time.Now().Add(outcome.RecheckAfter)
		if err := e.store.MarkWaiting(ctx, task.ID, outcome.WaitContext, recheckAt); err != nil {
			log.Error("park waiting task", "error", err)
			return
		}
		log.Info("task waiting on external signal", "recheck_at", recheckAt.UTC().Format(time.RFC3339))
	default:
		e.recordSuccess(ctx, log, task, outcome)
	}
}

// dispatch runs the handler under the task timeout, converting panics into
// errors so one broken adapter cannot stall the queue.
func (e *Engine) dispatch(ctx context.Context, handler tools.Handler, task *persistence.Task) (outcome *tools.Outcome, err error) {
	runCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panic", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			outcome = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Execute(runCtx, task)
}

func (e *Engine) recordSuccess(ctx context.Context, log *slog.Logger, task *persistence.Task, outcome *tools.Outcome) {
	resultJSON := "{}"
	if outcome != nil && outcome.Result != nil {
		if data, err := json.Marshal(outcome.Result); err == nil {
			resultJSON = string(data)
		}
	}
	if err := e.store.CompleteTask(ctx, task.ID, resultJSON); err != nil {
		log.Error("record task completion", "error", err)
		return
	}
	log.Info("task completed")

	// New facts flow back into the knowledge index so future retrieval
	// sees what this action changed. A failed upsert is logged, never
	// allowed to undo the completed task.
	if outcome != nil && outcome.Fact != nil && e.pipeline != nil {
		if _, err := e.pipeline.Upsert(ctx, *outcome.Fact); err != nil {
			log.Error("feed fact into knowledge index", "error", err,
				"source_type", outcome.Fact.SourceType, "source_id", outcome.Fact.SourceID)
		}
	}
}

func (e *Engine) recordFailure(ctx context.Context, log *slog.Logger, task *persistence.Task, err error) {
	switch classifyFailure(err, task.Attempts) {
	case failTerminal:
		if failErr := e.store.FailTask(ctx, task.ID, err.Error()); failErr != nil {
			log.Error("record terminal failure", "error", failErr)
			return
		}
		log.Warn("task failed terminally", "error", err)
	default:
		decision, handleErr := e.store.HandleTaskFailure(ctx, task.ID, err.Error())
		if handleErr != nil {
			log.Error("record task failure", "error", handleErr)
			return
		}
		log.Warn("task attempt failed",
			"error", err,
			"outcome", string(decision.Outcome),
			"attempts", decision.Attempts,
			"max_attempts", decision.MaxAttempts)
	}
}

type failureClass int

const (
	failRetryable failureClass = iota
	failTerminal
)

// classifyFailure routes an execution error. Validation and configuration
// errors are terminal. Authorization errors get exactly one retry, giving
// the collaborator a chance to refresh its credential, then go terminal.
// Everything else rides the backoff ladder to the attempt cap.
func classifyFailure(err error, attempts int) failureClass {
	var vErr *tools.ValidationError
	if errors.As(err, &vErr) {
		return failTerminal
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "no api key") || strings.Contains(msg, "api key is required") {
		return failTerminal
	}
	if isAuthError(msg) && attempts > 1 {
		return failTerminal
	}
	return failRetryable
}

func isAuthError(lowerMsg string) bool {
	return strings.Contains(lowerMsg, "unauthorized") ||
		strings.Contains(lowerMsg, "unauthenticated") ||
		strings.Contains(lowerMsg, "invalid credentials") ||
		strings.Contains(lowerMsg, "401") ||
		strings.Contains(lowerMsg, "403")
}

// RunSweep requeues tasks whose worker died mid-attempt. The cron scheduler
// drives this periodically.
func (e *Engine) RunSweep(ctx context.Context) error {
	requeued, err := e.store.RequeueExpiredLeases(ctx)
	if err != nil {
		return fmt.Errorf("requeue expired leases: %w", err)
	}
	if requeued > 0 {
		e.log.Info("requeued stuck tasks", "count", requeued)
	}
	return nil
}
