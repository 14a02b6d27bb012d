// Package cron drives the periodic maintenance of the pipeline: requeuing
// tasks with expired leases, re-embedding documents whose backoff window
// has passed, and firing schedule-triggered instructions.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/donna/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// TaskSweeper requeues stuck task work.
type TaskSweeper interface {
	RunSweep(ctx context.Context) error
}

// EmbeddingSweeper retries documents whose embedding is due another attempt.
type EmbeddingSweeper interface {
	RunRetrySweep(ctx context.Context, limit int) (attempted, succeeded int, err error)
}

// InstructionRunner fires one schedule-triggered instruction.
type InstructionRunner interface {
	RunScheduledInstruction(ctx context.Context, instr *persistence.Instruction, runAt time.Time) ([]string, error)
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store     *persistence.Store
	Tasks     TaskSweeper
	Embedding EmbeddingSweeper
	Runner    InstructionRunner
	Logger    *slog.Logger

	// Tick intervals; zero values get defaults.
	TaskSweepInterval      time.Duration
	EmbeddingSweepInterval time.Duration
	ScheduleInterval       time.Duration

	// EmbeddingBatchLimit caps how many documents one retry sweep touches.
	EmbeddingBatchLimit int
}

// Scheduler runs the three maintenance loops.
type Scheduler struct {
	store     *persistence.Store
	tasks     TaskSweeper
	embedding EmbeddingSweeper
	runner    InstructionRunner
	logger    *slog.Logger

	taskInterval     time.Duration
	embedInterval    time.Duration
	scheduleInterval time.Duration
	embedBatchLimit  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:            cfg.Store,
		tasks:            cfg.Tasks,
		embedding:        cfg.Embedding,
		runner:           cfg.Runner,
		logger:           logger,
		taskInterval:     cfg.TaskSweepInterval,
		embedInterval:    cfg.EmbeddingSweepInterval,
		scheduleInterval: cfg.ScheduleInterval,
		embedBatchLimit:  cfg.EmbeddingBatchLimit,
	}
	if s.taskInterval <= 0 {
		s.taskInterval = 30 * time.Second
	}
	if s.embedInterval <= 0 {
		s.embedInterval = time.Minute
	}
	if s.scheduleInterval <= 0 {
		s.scheduleInterval = time.Minute
	}
	if s.embedBatchLimit <= 0 {
		s.embedBatchLimit = 25
	}
	return s
}

// Start launches the maintenance loops. They respect ctx for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started",
		"task_sweep", s.taskInterval,
		"embedding_sweep", s.embedInterval,
		"schedule_tick", s.scheduleInterval)
}

// Stop cancels the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	taskTicker := time.NewTicker(s.taskInterval)
	defer taskTicker.Stop()
	embedTicker := time.NewTicker(s.embedInterval)
	defer embedTicker.Stop()
	scheduleTicker := time.NewTicker(s.scheduleInterval)
	defer scheduleTicker.Stop()

	// Catch up immediately on startup, then on each tick.
	s.SweepTasks(ctx)
	s.SweepEmbeddings(ctx)
	s.FireDueInstructions(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-taskTicker.C:
			s.SweepTasks(ctx)
		case <-embedTicker.C:
			s.SweepEmbeddings(ctx)
		case t := <-scheduleTicker.C:
			s.FireDueInstructions(ctx, t)
		}
	}
}

// SweepTasks requeues tasks whose lease expired.
func (s *Scheduler) SweepTasks(ctx context.Context) {
	if s.tasks == nil {
		return
	}
	if err := s.tasks.RunSweep(ctx); err != nil {
		s.logger.Error("task sweep failed", "error", err)
	}
}

// SweepEmbeddings retries documents past their backoff window.
func (s *Scheduler) SweepEmbeddings(ctx context.Context) {
	if s.embedding == nil {
		return
	}
	attempted, succeeded, err := s.embedding.RunRetrySweep(ctx, s.embedBatchLimit)
	if err != nil {
		s.logger.Error("embedding retry sweep failed", "error", err)
		return
	}
	if attempted > 0 {
		s.logger.Info("embedding retry sweep", "attempted", attempted, "succeeded", succeeded)
	}
}

// FireDueInstructions runs every schedule-triggered instruction whose
// next_run_at has elapsed, then arms the next run from its cron expression.
// An instruction with an unparsable expression is deactivated so it cannot
// wedge the sweep.
func (s *Scheduler) FireDueInstructions(ctx context.Context, now time.Time) {
	if s.runner == nil || s.store == nil {
		return
	}
	due, err := s.store.ListScheduledInstructionsDue(ctx, 50)
	if err != nil {
		s.logger.Error("list due instructions failed", "error", err)
		return
	}
	for i := range due {
		instr := &due[i]
		log := s.logger.With("instruction_id", instr.ID, "owner_id", instr.OwnerID)

		nextRun, err := NextRunTime(instr.CronExpr, now)
		if err != nil {
			log.Error("bad cron expression, deactivating", "cron_expr", instr.CronExpr, "error", err)
			if dErr := s.store.DeactivateInstruction(ctx, instr.ID); dErr != nil {
				log.Error("deactivate instruction failed", "error", dErr)
			}
			continue
		}

		taskIDs, err := s.runner.RunScheduledInstruction(ctx, instr, now)
		if err != nil {
			log.Error("scheduled instruction failed", "error", err)
			// Still arm the next run: a transient LLM failure must not
			// make the schedule fire in a tight loop forever.
		}
		if err := s.store.MarkInstructionRun(ctx, instr.ID, nextRun); err != nil {
			log.Error("mark instruction run failed", "error", err)
			continue
		}
		log.Info("scheduled instruction fired", "tasks", len(taskIDs), "next_run_at", nextRun)
	}
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
