package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/orchestrator"
)

var (
	_ orchestrator.Store         = (*MemoryStore)(nil)
	_ orchestrator.PendingLister = (*MemoryStore)(nil)
	_ orchestrator.Store         = (*ExecutionRepo)(nil)
	_ orchestrator.PendingLister = (*ExecutionRepo)(nil)
)

func newExecution(t *testing.T) *domain.Execution {
	t.Helper()
	job := &domain.Job{
		ID: "nightly",
		Parameters: []domain.JobParameter{
			{Name: "region", Value: "eu"},
		},
		Steps: []domain.Step{
			{ID: "extract", Kind: domain.StepKindWait, Wait: &domain.WaitStep{}},
			{ID: "load", Kind: domain.StepKindWait, Wait: &domain.WaitStep{},
				Dependencies: []domain.Dependency{{StepID: "extract"}}},
		},
	}
	return domain.NewExecution(job, nil, nil, "test", nil)
}

func TestMemoryStore_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	exec := newExecution(t)

	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	if err := store.CreateExecution(ctx, exec); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second CreateExecution() error = %v, want ErrAlreadyExists", err)
	}

	got, found, err := store.LookupExecution(ctx, exec.ID)
	if err != nil || !found {
		t.Fatalf("LookupExecution() = %v, %v", found, err)
	}
	if got == exec {
		t.Error("LookupExecution() returned the caller's pointer, want a copy")
	}
	if len(got.StepExecutions) != 2 {
		t.Errorf("steps = %d, want 2", len(got.StepExecutions))
	}
	if got.StepExecutions["load"].Step.Dependencies[0].StepID != "extract" {
		t.Error("step definition not preserved")
	}

	_, found, err = store.LookupExecution(ctx, uuid.New())
	if err != nil || found {
		t.Errorf("LookupExecution(unknown) = %v, %v; want not found without error", found, err)
	}
}

func TestMemoryStore_AttemptTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	exec := newExecution(t)
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	se := exec.StepExecutions["extract"]
	first := se.CurrentAttempt()

	first.MarkRunning()
	if err := store.SaveAttemptTransition(ctx, se, first); err != nil {
		t.Fatalf("save running: %v", err)
	}
	first.MarkFinished(domain.StepStatusRetry, "boom")
	if err := store.SaveAttemptTransition(ctx, se, first); err != nil {
		t.Fatalf("save retry: %v", err)
	}
	second := se.AppendRetryAttempt()
	if err := store.SaveAttemptTransition(ctx, se, second); err != nil {
		t.Fatalf("save awaiting retry: %v", err)
	}

	got := store.StepTransitions(exec.ID, "extract")
	want := []domain.StepExecutionStatus{
		domain.StepStatusRunning, domain.StepStatusRetry, domain.StepStatusAwaitingRetry,
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	stored, _, _ := store.LookupExecution(ctx, exec.ID)
	attempts := stored.StepExecutions["extract"].Attempts
	if len(attempts) != 2 {
		t.Fatalf("stored attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Status != domain.StepStatusRetry || attempts[0].ErrorMessage != "boom" {
		t.Errorf("attempt[0] = %+v", attempts[0])
	}

	gap := &domain.StepExecutionAttempt{RetryAttemptIndex: 5, Status: domain.StepStatusRunning}
	if err := store.SaveAttemptTransition(ctx, se, gap); !errors.Is(err, ErrInvalidState) {
		t.Errorf("gap attempt error = %v, want ErrInvalidState", err)
	}
}

func TestMemoryStore_RunStatusAndParameters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	exec := newExecution(t)
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	exec.MarkRunning()
	exec.ParameterValues["region"] = "us"
	exec.ParameterErrors["bad"] = "parse error"
	exec.MarkFinished(domain.ExecutionStatusWarning, "")
	if err := store.SaveRunStatus(ctx, exec); err != nil {
		t.Fatalf("SaveRunStatus() error = %v", err)
	}

	se := exec.StepExecutions["load"]
	se.ParameterValues["rows"] = 10
	se.AddMonitor(*domain.NewMonitor(
		domain.StepKey{RunID: exec.ID, StepID: "load"},
		exec.StepExecutions["extract"].Ref(),
		domain.MonitorUpstreamDependency,
	))
	if err := store.SaveStepParameters(ctx, se); err != nil {
		t.Fatalf("SaveStepParameters() error = %v", err)
	}
	if err := store.SaveMonitors(ctx, se); err != nil {
		t.Fatalf("SaveMonitors() error = %v", err)
	}

	got, _, _ := store.LookupExecution(ctx, exec.ID)
	if got.Status != domain.ExecutionStatusWarning || got.EndedAt == nil {
		t.Errorf("status = %s, ended = %v", got.Status, got.EndedAt)
	}
	if got.ParameterValues["region"] != "us" || got.ParameterErrors["bad"] != "parse error" {
		t.Errorf("parameters = %v / %v", got.ParameterValues, got.ParameterErrors)
	}
	if got.StepExecutions["load"].ParameterValues["rows"] != float64(10) {
		t.Errorf("step parameters = %v", got.StepExecutions["load"].ParameterValues)
	}
	if len(got.StepExecutions["load"].Monitors) != 1 {
		t.Errorf("monitors = %v", got.StepExecutions["load"].Monitors)
	}
}

func TestMemoryStore_UnknownRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	exec := newExecution(t)

	if err := store.SaveRunStatus(ctx, exec); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveRunStatus() error = %v, want ErrNotFound", err)
	}
	se := exec.StepExecutions["load"]
	if err := store.SaveAttemptTransition(ctx, se, se.CurrentAttempt()); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveAttemptTransition() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	older := newExecution(t)
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := newExecution(t)
	done := newExecution(t)
	done.Status = domain.ExecutionStatusSucceeded

	for _, e := range []*domain.Execution{newer, done, older} {
		if err := store.CreateExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != older.ID || ids[1] != newer.ID {
		t.Errorf("ListPending() = %v, want [%s %s]", ids, older.ID, newer.ID)
	}

	ids, _ = store.ListPending(ctx, 1)
	if len(ids) != 1 {
		t.Errorf("ListPending(limit 1) = %d ids", len(ids))
	}
}

func TestMemoryStore_ClaimExecution(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	exec := newExecution(t)
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	if claimed, err := store.ClaimExecution(ctx, exec.ID); err != nil || !claimed {
		t.Fatalf("first ClaimExecution() = %v, %v; want true", claimed, err)
	}
	if claimed, err := store.ClaimExecution(ctx, exec.ID); err != nil || claimed {
		t.Errorf("second ClaimExecution() = %v, %v; want false", claimed, err)
	}

	stored, _, _ := store.LookupExecution(ctx, exec.ID)
	if stored.Status != domain.ExecutionStatusRunning || stored.StartedAt == nil {
		t.Errorf("claimed run = %s, started %v", stored.Status, stored.StartedAt)
	}
	if ids, _ := store.ListPending(ctx, 10); len(ids) != 0 {
		t.Errorf("claimed run still pending: %v", ids)
	}

	if _, err := store.ClaimExecution(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("ClaimExecution(unknown) error = %v, want ErrNotFound", err)
	}
}
