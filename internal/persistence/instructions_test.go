package persistence

import (
	"testing"
	"time"
)

func TestInstructionLifecycle(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateInstruction(t.Context(), CreateInstructionParams{
		OwnerID:        "owner-1",
		TriggerType:    TriggerEmailReceived,
		ConditionsJSON: `{"from":"alice@example.com"}`,
		Directive:      "file this under the Acme account",
	})
	if err != nil {
		t.Fatalf("CreateInstruction: %v", err)
	}

	active, err := store.ListActiveInstructions(t.Context(), "owner-1", TriggerEmailReceived)
	if err != nil {
		t.Fatalf("ListActiveInstructions: %v", err)
	}
	if len(active) != 1 || active[0].ID != id {
		t.Fatalf("active = %+v, want the created rule", active)
	}
	if active[0].Conditions != `{"from":"alice@example.com"}` {
		t.Errorf("conditions = %q", active[0].Conditions)
	}

	// Other triggers and owners see nothing.
	if got, _ := store.ListActiveInstructions(t.Context(), "owner-1", TriggerContactCreated); len(got) != 0 {
		t.Errorf("wrong trigger returned %d rules", len(got))
	}
	if got, _ := store.ListActiveInstructions(t.Context(), "owner-2", TriggerEmailReceived); len(got) != 0 {
		t.Errorf("wrong owner returned %d rules", len(got))
	}

	if err := store.DeactivateInstruction(t.Context(), id); err != nil {
		t.Fatalf("DeactivateInstruction: %v", err)
	}
	if got, _ := store.ListActiveInstructions(t.Context(), "owner-1", TriggerEmailReceived); len(got) != 0 {
		t.Errorf("deactivated rule still listed")
	}
}

func TestInstructionExpiry(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateInstruction(t.Context(), CreateInstructionParams{
		OwnerID:     "owner-1",
		TriggerType: TriggerEmailReceived,
		Directive:   "forward to legal",
		ExpiresAt:   time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateInstruction: %v", err)
	}
	active, err := store.ListActiveInstructions(t.Context(), "owner-1", TriggerEmailReceived)
	if err != nil {
		t.Fatalf("ListActiveInstructions: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expired rule still listed: %+v", active)
	}
}

func TestScheduledInstructions(t *testing.T) {
	store := newTestStore(t)

	t.Run("requires cron expression", func(t *testing.T) {
		_, err := store.CreateInstruction(t.Context(), CreateInstructionParams{
			OwnerID:     "owner-1",
			TriggerType: TriggerSchedule,
			Directive:   "send the weekly digest",
		})
		if err == nil {
			t.Fatal("expected error for schedule rule without cron expression")
		}
	})

	due, err := store.CreateInstruction(t.Context(), CreateInstructionParams{
		OwnerID:     "owner-1",
		TriggerType: TriggerSchedule,
		Directive:   "send the weekly digest",
		CronExpr:    "0 9 * * MON",
		NextRunAt:   time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateInstruction due: %v", err)
	}
	_, err = store.CreateInstruction(t.Context(), CreateInstructionParams{
		OwnerID:     "owner-1",
		TriggerType: TriggerSchedule,
		Directive:   "send the monthly summary",
		CronExpr:    "0 9 1 * *",
		NextRunAt:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateInstruction future: %v", err)
	}

	got, err := store.ListScheduledInstructionsDue(t.Context(), 10)
	if err != nil {
		t.Fatalf("ListScheduledInstructionsDue: %v", err)
	}
	if len(got) != 1 || got[0].ID != due {
		t.Fatalf("due = %+v, want only the elapsed rule", got)
	}

	next := time.Now().Add(7 * 24 * time.Hour)
	if err := store.MarkInstructionRun(t.Context(), due, next); err != nil {
		t.Fatalf("MarkInstructionRun: %v", err)
	}
	got, err = store.ListScheduledInstructionsDue(t.Context(), 10)
	if err != nil {
		t.Fatalf("ListScheduledInstructionsDue after run: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("re-armed rule still due: %+v", got)
	}
	inst, err := store.GetInstruction(t.Context(), due)
	if err != nil {
		t.Fatalf("GetInstruction: %v", err)
	}
	if inst.LastRunAt == nil {
		t.Error("last_run_at not stamped")
	}
}
