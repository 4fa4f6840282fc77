package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
)

// Transition — одна сохранённая смена статуса попытки.
type Transition struct {
	StepID  string
	Attempt int
	Status  domain.StepExecutionStatus
}

// MemoryStore — хранилище runs в памяти процесса (CLI, тесты).
//
// Хранит копии: изменения объектов вызывающей стороны видны только после Save*.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[uuid.UUID]*domain.Execution
	transitions map[uuid.UUID][]Transition
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[uuid.UUID]*domain.Execution),
		transitions: make(map[uuid.UUID][]Transition),
	}
}

// CreateExecution сохраняет новый run.
func (s *MemoryStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	cp, err := clone(exec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s: %w", exec.ID, ErrAlreadyExists)
	}
	s.executions[exec.ID] = cp
	return nil
}

// ClaimExecution переводит run в RUNNING, если он ещё не запускался.
func (s *MemoryStore) ClaimExecution(ctx context.Context, runID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[runID]
	if !ok {
		return false, fmt.Errorf("execution %s: %w", runID, ErrNotFound)
	}
	if stored.Status != domain.ExecutionStatusNotStarted {
		return false, nil
	}
	now := time.Now()
	stored.Status = domain.ExecutionStatusRunning
	stored.StartedAt = &now
	return true, nil
}

// LookupExecution возвращает копию run.
func (s *MemoryStore) LookupExecution(ctx context.Context, runID uuid.UUID) (*domain.Execution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[runID]
	if !ok {
		return nil, false, nil
	}
	cp, err := clone(exec)
	if err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

// SaveAttemptTransition сохраняет попытку шага.
func (s *MemoryStore) SaveAttemptTransition(ctx context.Context, se *domain.StepExecution, attempt *domain.StepExecutionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.stepLocked(se)
	if err != nil {
		return err
	}

	cp := *attempt
	cp.WarningMessages = append([]string(nil), attempt.WarningMessages...)
	cp.InfoMessages = append([]string(nil), attempt.InfoMessages...)

	switch idx := attempt.RetryAttemptIndex; {
	case idx < len(stored.Attempts):
		stored.Attempts[idx] = &cp
	case idx == len(stored.Attempts):
		stored.Attempts = append(stored.Attempts, &cp)
	default:
		return fmt.Errorf("step %s attempt %d after %d attempts: %w",
			se.Step.ID, idx, len(stored.Attempts), ErrInvalidState)
	}

	s.transitions[se.RunID] = append(s.transitions[se.RunID], Transition{
		StepID:  se.Step.ID,
		Attempt: attempt.RetryAttemptIndex,
		Status:  attempt.Status,
	})
	return nil
}

// SaveStepParameters сохраняет параметры шага.
func (s *MemoryStore) SaveStepParameters(ctx context.Context, se *domain.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.stepLocked(se)
	if err != nil {
		return err
	}
	stored.ParameterValues = make(map[string]any, len(se.ParameterValues))
	for k, v := range se.ParameterValues {
		stored.ParameterValues[k] = v
	}
	return nil
}

// SaveMonitors сохраняет записи мониторинга шага.
func (s *MemoryStore) SaveMonitors(ctx context.Context, se *domain.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.stepLocked(se)
	if err != nil {
		return err
	}
	stored.Monitors = append([]domain.StepExecutionMonitor(nil), se.Monitors...)
	return nil
}

// SaveRunStatus сохраняет поля уровня run.
func (s *MemoryStore) SaveRunStatus(ctx context.Context, exec *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[exec.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", exec.ID, ErrNotFound)
	}

	stored.Status = exec.Status
	stored.Error = exec.Error
	stored.StoppedBy = exec.StoppedBy
	stored.StartedAt = exec.StartedAt
	stored.EndedAt = exec.EndedAt

	stored.ParameterValues = make(map[string]any, len(exec.ParameterValues))
	for k, v := range exec.ParameterValues {
		stored.ParameterValues[k] = v
	}
	stored.ParameterErrors = make(map[string]string, len(exec.ParameterErrors))
	for k, v := range exec.ParameterErrors {
		stored.ParameterErrors[k] = v
	}
	return nil
}

// ListPending возвращает ID runs в статусе NOT_STARTED, старые первыми.
func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*domain.Execution
	for _, exec := range s.executions {
		if exec.Status == domain.ExecutionStatusNotStarted {
			pending = append(pending, exec)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	ids := make([]uuid.UUID, 0, len(pending))
	for _, exec := range pending {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, exec.ID)
	}
	return ids, nil
}

// Transitions возвращает сохранённые смены статусов попыток run по порядку.
func (s *MemoryStore) Transitions(runID uuid.UUID) []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Transition(nil), s.transitions[runID]...)
}

// StepTransitions возвращает сохранённые статусы попыток одного шага.
func (s *MemoryStore) StepTransitions(runID uuid.UUID, stepID string) []domain.StepExecutionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.StepExecutionStatus
	for _, t := range s.transitions[runID] {
		if t.StepID == stepID {
			result = append(result, t.Status)
		}
	}
	return result
}

func (s *MemoryStore) stepLocked(se *domain.StepExecution) (*domain.StepExecution, error) {
	exec, ok := s.executions[se.RunID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", se.RunID, ErrNotFound)
	}
	stored, ok := exec.StepExecutions[se.Step.ID]
	if !ok {
		return nil, fmt.Errorf("step %s in execution %s: %w", se.Step.ID, se.RunID, ErrNotFound)
	}
	return stored, nil
}

// clone делает глубокую копию run через JSON.
func clone(exec *domain.Execution) (*domain.Execution, error) {
	data, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("marshal execution: %w", err)
	}
	var cp domain.Execution
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &cp, nil
}
