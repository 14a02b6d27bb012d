package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger types an instruction can listen for. "schedule" rules fire from
// the cron sweep instead of an inbound event.
const (
	TriggerEmailReceived  = "email_received"
	TriggerCalendarEvent  = "calendar_event_created"
	TriggerContactCreated = "contact_created"
	TriggerSchedule       = "schedule"
	TriggerManual         = "manual"
)

// Instruction is a standing automation rule: when an event of TriggerType
// arrives and Conditions match its payload, the Directive is handed to the
// agent as a new invocation.
type Instruction struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	TriggerType string     `json:"trigger_type"`
	Conditions  string     `json:"conditions"`
	Directive   string     `json:"directive"`
	IsActive    bool       `json:"is_active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CronExpr    string     `json:"cron_expr,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateInstructionParams carries everything CreateInstruction needs.
// ConditionsJSON defaults to the empty condition set, which always matches.
type CreateInstructionParams struct {
	OwnerID        string
	TriggerType    string
	ConditionsJSON string
	Directive      string
	ExpiresAt      time.Time
	CronExpr       string
	NextRunAt      time.Time
}

func (s *Store) CreateInstruction(ctx context.Context, p CreateInstructionParams) (string, error) {
	if p.OwnerID == "" || p.TriggerType == "" || p.Directive == "" {
		return "", fmt.Errorf("owner_id, trigger_type, directive must all be non-empty")
	}
	if p.TriggerType == TriggerSchedule && p.CronExpr == "" {
		return "", fmt.Errorf("schedule instructions require a cron expression")
	}
	conditions := p.ConditionsJSON
	if conditions == "" {
		conditions = "{}"
	}
	expiresAt := sql.NullTime{}
	if !p.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Valid: true, Time: p.ExpiresAt.UTC()}
	}
	nextRunAt := sql.NullTime{}
	if !p.NextRunAt.IsZero() {
		nextRunAt = sql.NullTime{Valid: true, Time: p.NextRunAt.UTC()}
	}

	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO instructions (
				id, owner_id, trigger_type, conditions, directive,
				is_active, expires_at, cron_expr, next_run_at,
				created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, 1, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, p.OwnerID, p.TriggerType, conditions, p.Directive, expiresAt, p.CronExpr, nextRunAt)
		if execErr != nil {
			return fmt.Errorf("create instruction: %w", execErr)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

const instructionColumns = `id, owner_id, trigger_type, conditions, directive,
	is_active, expires_at, cron_expr, last_run_at, next_run_at, created_at, updated_at`

func scanInstruction(scan func(dest ...any) error, inst *Instruction) error {
	var expiresAt, lastRunAt, nextRunAt sql.NullTime
	var cronExpr sql.NullString
	if err := scan(
		&inst.ID, &inst.OwnerID, &inst.TriggerType, &inst.Conditions, &inst.Directive,
		&inst.IsActive, &expiresAt, &cronExpr, &lastRunAt, &nextRunAt,
		&inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return err
	}
	inst.CronExpr = cronExpr.String
	if expiresAt.Valid {
		t := expiresAt.Time
		inst.ExpiresAt = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		inst.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		inst.NextRunAt = &t
	}
	return nil
}

// GetInstruction fetches one instruction by id.
func (s *Store) GetInstruction(ctx context.Context, id string) (*Instruction, error) {
	var inst Instruction
	row := s.db.QueryRowContext(ctx, `
		SELECT `+instructionColumns+` FROM instructions WHERE id = ?;
	`, id)
	if err := scanInstruction(row.Scan, &inst); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get instruction: %w", err)
	}
	return &inst, nil
}

// ListActiveInstructions returns an owner's live rules for a trigger type,
// skipping deactivated and expired rows.
func (s *Store) ListActiveInstructions(ctx context.Context, ownerID, triggerType string) ([]Instruction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instructionColumns+`
		FROM instructions
		WHERE owner_id = ? AND trigger_type = ? AND is_active = 1
		  AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
		ORDER BY created_at ASC;
	`, ownerID, triggerType)
	if err != nil {
		return nil, fmt.Errorf("list active instructions: %w", err)
	}
	defer rows.Close()

	var out []Instruction
	for rows.Next() {
		var inst Instruction
		if err := scanInstruction(rows.Scan, &inst); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("instruction rows: %w", err)
	}
	return out, nil
}

// ListScheduledInstructionsDue returns schedule-triggered rules whose
// next_run_at has elapsed, across all owners, for the cron sweep.
func (s *Store) ListScheduledInstructionsDue(ctx context.Context, limit int) ([]Instruction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instructionColumns+`
		FROM instructions
		WHERE trigger_type = ? AND is_active = 1 AND cron_expr IS NOT NULL
		  AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
		  AND next_run_at IS NOT NULL AND next_run_at <= CURRENT_TIMESTAMP
		ORDER BY next_run_at ASC
		LIMIT ?;
	`, TriggerSchedule, limit)
	if err != nil {
		return nil, fmt.Errorf("list scheduled instructions: %w", err)
	}
	defer rows.Close()

	var out []Instruction
	for rows.Next() {
		var inst Instruction
		if err := scanInstruction(rows.Scan, &inst); err != nil {
			return nil, fmt.Errorf("scan scheduled instruction: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled instruction rows: %w", err)
	}
	return out, nil
}

// MarkInstructionRun stamps a fired schedule rule and arms its next run.
func (s *Store) MarkInstructionRun(ctx context.Context, id string, nextRunAt time.Time) error {
	next := sql.NullTime{}
	if !nextRunAt.IsZero() {
		next = sql.NullTime{Valid: true, Time: nextRunAt.UTC()}
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE instructions
			SET last_run_at = CURRENT_TIMESTAMP, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, next, id)
		if err != nil {
			return fmt.Errorf("mark instruction run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark instruction run rows: %w", err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// DeactivateInstruction turns a rule off without deleting its history.
func (s *Store) DeactivateInstruction(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE instructions SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		if err != nil {
			return fmt.Errorf("deactivate instruction: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("deactivate rows: %w", err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}
