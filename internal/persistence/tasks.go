package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"time"

	"github.com/basket/donna/internal/bus"
	"github.com/basket/donna/internal/shared"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusWaiting    TaskStatus = "waiting"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// allowedTransitions is the task state machine. completed and failed are
// terminal: they have no outgoing edges, so no later sweep can move a task
// out of them.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusInProgress: {},
		TaskStatusFailed:     {}, // operator override on a stuck task
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusWaiting:   {},
		TaskStatusPending:   {}, // retry requeue / lease recovery
	},
	TaskStatusWaiting: {
		TaskStatusInProgress: {},
		TaskStatusFailed:     {}, // operator override
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TaskType is the closed set of action kinds the executor dispatches.
type TaskType string

const (
	TaskSendEmail           TaskType = "send_email"
	TaskCreateCalendarEvent TaskType = "create_calendar_event"
	TaskCreateContact       TaskType = "create_contact"
	TaskUpdateContact       TaskType = "update_contact"
	TaskAddNote             TaskType = "add_note"
	TaskScheduleMeeting     TaskType = "schedule_meeting"
	TaskSearchKnowledge     TaskType = "search_knowledge"
)

// KnownTaskTypes lists every dispatchable task type.
var KnownTaskTypes = []TaskType{
	TaskSendEmail,
	TaskCreateCalendarEvent,
	TaskCreateContact,
	TaskUpdateContact,
	TaskAddNote,
	TaskScheduleMeeting,
	TaskSearchKnowledge,
}

// Task is one unit of agent-issued work tracked through the state machine.
// Parameters are captured at creation time and never mutated; Context is the
// mutable side channel accumulated across waiting cycles.
type Task struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	Type           TaskType   `json:"type"`
	Status         TaskStatus `json:"status"`
	Parameters     string     `json:"parameters"`
	Context        string     `json:"context"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	DedupKey       string     `json:"dedup_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried  FailureOutcome = "RETRIED"
	FailureOutcomeTerminal FailureOutcome = "TERMINAL"
)

// FailureDecision reports what HandleTaskFailure did with a failed attempt.
type FailureDecision struct {
	Outcome      FailureOutcome `json:"outcome"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
}

// CreateTaskParams carries everything CreateTask needs.
type CreateTaskParams struct {
	OwnerID        string
	Type           TaskType
	Parameters     map[string]any
	ConversationID string
	MessageID      string
	// EventID, when set, derives a dedup key so at-least-once delivery of
	// the same upstream event collapses to one task.
	EventID string
	// ScheduledAt defers the first execution; zero means ready now.
	ScheduledAt time.Time
}

// DedupKey derives the idempotency key for a task synthesized from an
// external event: hash of owner, type, parameters, and triggering event id.
func DedupKey(ownerID string, typ TaskType, paramsJSON, eventID string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s", ownerID, typ, paramsJSON, eventID)
	return strconv.FormatUint(h.Sum64(), 16)
}

// CreateTask inserts a new pending task. When the derived dedup key already
// exists, the existing task's id is returned with created=false.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (taskID string, created bool, err error) {
	if p.OwnerID == "" {
		return "", false, fmt.Errorf("owner_id must be non-empty")
	}
	if !slices.Contains(KnownTaskTypes, p.Type) {
		return "", false, fmt.Errorf("unknown task type %q", p.Type)
	}
	paramsJSON := "{}"
	if p.Parameters != nil {
		data, mErr := json.Marshal(p.Parameters)
		if mErr != nil {
			return "", false, fmt.Errorf("encode parameters: %w", mErr)
		}
		paramsJSON = string(data)
	}
	dedupKey := sql.NullString{}
	if p.EventID != "" {
		dedupKey.Valid = true
		dedupKey.String = DedupKey(p.OwnerID, p.Type, paramsJSON, p.EventID)
	}
	scheduledAt := sql.NullTime{}
	if !p.ScheduledAt.IsZero() {
		scheduledAt.Valid = true
		scheduledAt.Time = p.ScheduledAt.UTC()
	}

	taskID = uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin create task tx: %w", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		if dedupKey.Valid {
			var existingID string
			scanErr := tx.QueryRowContext(ctx, `
				SELECT id FROM tasks WHERE dedup_key = ?;
			`, dedupKey.String).Scan(&existingID)
			if scanErr == nil {
				taskID = existingID
				created = false
				return nil
			}
			if !errors.Is(scanErr, sql.ErrNoRows) {
				return fmt.Errorf("check dedup key: %w", scanErr)
			}
		}

		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, owner_id, conversation_id, message_id, type, status,
				parameters, attempts, max_attempts, scheduled_at, dedup_key,
				created_at, updated_at
			)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, 0, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, p.OwnerID, p.ConversationID, p.MessageID, p.Type, TaskStatusPending,
			paramsJSON, s.maxAttempts, scheduledAt, dedupKey); execErr != nil {
			return fmt.Errorf("create task: %w", execErr)
		}
		if evErr := s.appendTaskEventTx(ctx, tx, taskID, p.OwnerID, "", TaskStatusPending, "task.enqueued", `{"reason":"create_task"}`); evErr != nil {
			return evErr
		}
		created = true
		return tx.Commit()
	})
	if err != nil {
		return "", false, err
	}
	if created {
		s.publish(bus.TopicTaskCreated, bus.TaskEvent{
			TaskID: taskID, OwnerID: p.OwnerID, Type: string(p.Type), NewStatus: string(TaskStatusPending),
		})
	}
	return taskID, created, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, ownerID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, owner_id, event_type, trace_id, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, ownerID, eventType, traceID, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx moves a task along an allowed edge, appending an audit
// event. Returns false (no error) when the task is gone or its current
// status is not in allowedFrom: the caller lost a race and must not retry.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
	result *string,
	errMsg *string,
) (bool, error) {
	var current TaskStatus
	var ownerID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, owner_id FROM tasks WHERE id = ?;
	`, taskID).Scan(&current, &ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, ownerID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

func scanTask(scan func(dest ...any) error, task *Task) error {
	var scheduledAt, leaseExpiresAt, completedAt sql.NullTime
	var convID, msgID, result, errMsg, dedup sql.NullString
	if err := scan(
		&task.ID, &task.OwnerID, &convID, &msgID, &task.Type, &task.Status,
		&task.Parameters, &task.Context, &result, &errMsg,
		&task.Attempts, &task.MaxAttempts, &scheduledAt, &leaseExpiresAt,
		&dedup, &task.CreatedAt, &task.UpdatedAt, &completedAt,
	); err != nil {
		return err
	}
	task.ConversationID = convID.String
	task.MessageID = msgID.String
	task.Result = result.String
	task.Error = errMsg.String
	task.DedupKey = dedup.String
	if scheduledAt.Valid {
		t := scheduledAt.Time
		task.ScheduledAt = &t
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		task.LeaseExpiresAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return nil
}

const taskColumns = `id, owner_id, conversation_id, message_id, type, status,
	parameters, context, result, error,
	attempts, max_attempts, scheduled_at, lease_expires_at,
	dedup_key, created_at, updated_at, completed_at`

// ClaimDueTask claims the oldest task that is ready to run: pending or
// waiting, with scheduled_at elapsed or unset. The claim increments attempts,
// transitions to in_progress, and sets a lease so the sweep can recover the
// task if this worker dies. Returns nil when nothing is due.
func (s *Store) ClaimDueTask(ctx context.Context) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status IN (?, ?)
			  AND (scheduled_at IS NULL OR scheduled_at <= CURRENT_TIMESTAMP)
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, TaskStatusPending, TaskStatusWaiting)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select due task: %w", scanErr)
		}

		ok, err := s.transitionTaskTx(ctx, tx, task.ID,
			[]TaskStatus{TaskStatusPending, TaskStatusWaiting}, TaskStatusInProgress,
			"task.claimed", `{"reason":"claim_due"}`, nil, nil)
		if err != nil {
			return fmt.Errorf("claim task transition: %w", err)
		}
		if !ok {
			result = nil
			return nil
		}
		leaseExpiresAt := time.Now().UTC().Add(s.leaseDuration)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET attempts = attempts + 1,
				lease_expires_at = ?,
				scheduled_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, leaseExpiresAt, task.ID, TaskStatusInProgress); err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		oldStatus := task.Status
		task.Status = TaskStatusInProgress
		task.Attempts++
		task.LeaseExpiresAt = &leaseExpiresAt
		task.ScheduledAt = nil
		result = &task
		s.publish(bus.TopicTaskStarted, bus.TaskEvent{
			TaskID: task.ID, OwnerID: task.OwnerID, Type: string(task.Type),
			OldStatus: string(oldStatus), NewStatus: string(TaskStatusInProgress),
			Attempts: task.Attempts,
		})
		return nil
	})
	return result, err
}

// CompleteTask transitions an in-progress task to completed with its result.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress}, TaskStatusCompleted,
			"task.completed", `{"reason":"processor_success"}`, &result, nil)
		if err != nil {
			return err
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET completed_at = CURRENT_TIMESTAMP,
				lease_expires_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusCompleted); err != nil {
			return fmt.Errorf("stamp completion: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskCompleted, bus.TaskEvent{TaskID: taskID, NewStatus: string(TaskStatusCompleted)})
	return nil
}

// MarkWaiting parks an in-progress task until recheckAt, merging waitContext
// into the task's context side channel. Waiting tasks are re-claimed by
// ClaimDueTask once recheckAt elapses, and can cycle through waiting any
// number of times.
func (s *Store) MarkWaiting(ctx context.Context, taskID string, waitContext map[string]any, recheckAt time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin waiting tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var currentContext string
		if err := tx.QueryRowContext(ctx, `
			SELECT context FROM tasks WHERE id = ?;
		`, taskID).Scan(&currentContext); err != nil {
			return fmt.Errorf("read task context: %w", err)
		}
		merged := map[string]any{}
		if currentContext != "" {
			if err := json.Unmarshal([]byte(currentContext), &merged); err != nil {
				merged = map[string]any{}
			}
		}
		for k, v := range waitContext {
			merged[k] = v
		}
		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode merged context: %w", err)
		}

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress}, TaskStatusWaiting,
			"task.waiting", fmt.Sprintf(`{"reason":"awaiting_external_signal","recheck_at":%q}`, recheckAt.UTC().Format(time.RFC3339)), nil, nil)
		if err != nil {
			return err
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET context = ?,
				scheduled_at = ?,
				lease_expires_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(mergedJSON), recheckAt.UTC(), taskID, TaskStatusWaiting); err != nil {
			return fmt.Errorf("park waiting task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskWaiting, bus.TaskEvent{TaskID: taskID, NewStatus: string(TaskStatusWaiting)})
	return nil
}

// FailTask terminally fails a task regardless of remaining attempts. Used for
// validation and configuration errors, where retrying cannot help, and for
// the operator-level override on stuck tasks.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress, TaskStatusPending, TaskStatusWaiting}, TaskStatusFailed,
			"task.failed", `{"reason":"non_retryable"}`, nil, &errMsg)
		if err != nil {
			return err
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusFailed); err != nil {
			return fmt.Errorf("clear lease on fail: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskFailed, bus.TaskEvent{TaskID: taskID, NewStatus: string(TaskStatusFailed), Error: errMsg})
	return nil
}

// HandleTaskFailure records a failed attempt for an in-progress task: either
// schedules a retry at now + backoff(attempts), or terminally fails the task
// once attempts reach the cap. The last error is preserved verbatim either way.
func (s *Store) HandleTaskFailure(ctx context.Context, taskID, errMsg string) (FailureDecision, error) {
	var decision FailureDecision
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin handle failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			status      TaskStatus
			attempts    int
			maxAttempts int
			ownerID     string
			taskType    string
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, attempts, max_attempts, owner_id, type
			FROM tasks WHERE id = ?;
		`, taskID).Scan(&status, &attempts, &maxAttempts, &ownerID, &taskType); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select task for failure handling: %w", err)
		}
		if status != TaskStatusInProgress {
			return sql.ErrNoRows
		}
		if maxAttempts <= 0 {
			maxAttempts = s.maxAttempts
		}

		decision = FailureDecision{Attempts: attempts, MaxAttempts: maxAttempts}

		if attempts >= maxAttempts {
			ok, err := s.transitionTaskTx(ctx, tx, taskID,
				[]TaskStatus{TaskStatusInProgress}, TaskStatusFailed,
				"task.failed",
				fmt.Sprintf(`{"reason":"max_attempts","attempts":%d,"max_attempts":%d}`, attempts, maxAttempts),
				nil, &errMsg)
			if err != nil {
				return fmt.Errorf("transition to failed: %w", err)
			}
			if !ok {
				return sql.ErrNoRows
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, taskID, TaskStatusFailed); err != nil {
				return fmt.Errorf("clear lease terminal: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit terminal failure tx: %w", err)
			}
			decision.Outcome = FailureOutcomeTerminal
			s.publish(bus.TopicTaskFailed, bus.TaskEvent{
				TaskID: taskID, OwnerID: ownerID, Type: taskType,
				NewStatus: string(TaskStatusFailed), Attempts: attempts, Error: errMsg,
			})
			return nil
		}

		delay := s.retryDelay(taskID, attempts)
		backoffUntil := time.Now().UTC().Add(delay)
		decision.Outcome = FailureOutcomeRetried
		decision.BackoffUntil = &backoffUntil

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress}, TaskStatusPending,
			"task.retry_scheduled",
			fmt.Sprintf(`{"reason":"retry_scheduled","attempts":%d,"max_attempts":%d,"delay_ms":%d}`, attempts, maxAttempts, delay.Milliseconds()),
			nil, &errMsg)
		if err != nil {
			return fmt.Errorf("transition to pending for retry: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET scheduled_at = ?, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, backoffUntil, taskID, TaskStatusPending); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit retry tx: %w", err)
		}
		s.publish(bus.TopicTaskRetrying, bus.TaskEvent{
			TaskID: taskID, OwnerID: ownerID, Type: taskType,
			NewStatus: string(TaskStatusPending), Attempts: attempts, Error: errMsg,
		})
		return nil
	})
	return decision, err
}

// retryDelay implements backoff(n) = min(base * 2^(n-1), cap) plus a
// deterministic jitter derived from the task id, so two stores computing the
// delay for the same attempt agree.
func (s *Store) retryDelay(taskID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := s.backoffBase
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= s.backoffCap {
			base = s.backoffCap
			break
		}
	}
	if base > s.backoffCap {
		base = s.backoffCap
	}
	jitterMax := base / 4
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(taskID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:8], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > s.backoffCap {
		delay = s.backoffCap
	}
	return delay
}

// RequeueExpiredLeases returns in-progress tasks whose lease lapsed (a worker
// crashed mid-attempt) to pending so the sweep picks them up again.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	var requeued int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, owner_id FROM tasks
			WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP;
		`, TaskStatusInProgress)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		type stale struct{ id, owner string }
		var stales []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.id, &st.owner); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lease: %w", err)
			}
			stales = append(stales, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("expired lease rows: %w", err)
		}

		requeued = 0
		for _, st := range stales {
			ok, err := s.transitionTaskTx(ctx, tx, st.id,
				[]TaskStatus{TaskStatusInProgress}, TaskStatusPending,
				"task.requeued", `{"reason":"lease_expired"}`, nil, nil)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET lease_expires_at = NULL, scheduled_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, st.id, TaskStatusPending); err != nil {
				return fmt.Errorf("clear stale lease: %w", err)
			}
			requeued++
		}
		return tx.Commit()
	})
	return requeued, err
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasksByStatus returns tasks for an owner filtered by status, newest first.
func (s *Store) ListTasksByStatus(ctx context.Context, ownerID string, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE owner_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, ownerID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ListTaskEvents returns the audit trail for one task in event order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, owner_id, event_type, COALESCE(trace_id, '-'),
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEventRecord
	for rows.Next() {
		var ev TaskEventRecord
		var stateFrom string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.OwnerID, &ev.EventType,
			&ev.TraceID, &stateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = TaskStatus(stateFrom)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// TaskEventRecord is one row of the task audit trail.
type TaskEventRecord struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	OwnerID   string     `json:"owner_id"`
	EventType string     `json:"event_type"`
	TraceID   string     `json:"trace_id"`
	StateFrom TaskStatus `json:"state_from"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// TaskCounts reports queue depth by status.
func (s *Store) TaskCounts(ctx context.Context) (pending, inProgress, waiting int, err error) {
	rows, qErr := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM tasks
		WHERE status IN (?, ?, ?)
		GROUP BY status;
	`, TaskStatusPending, TaskStatusInProgress, TaskStatusWaiting)
	if qErr != nil {
		return 0, 0, 0, fmt.Errorf("task counts: %w", qErr)
	}
	defer rows.Close()
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, fmt.Errorf("scan task count: %w", err)
		}
		switch status {
		case TaskStatusPending:
			pending = n
		case TaskStatusInProgress:
			inProgress = n
		case TaskStatusWaiting:
			waiting = n
		}
	}
	return pending, inProgress, waiting, rows.Err()
}
