package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/executor"
	"github.com/shaiso/etlflow/internal/repo"
)

// scripted — executor, поведение которого задаётся по ID шага.
// Без обработчика шаг завершается успешно.
type scripted struct {
	mu       sync.Mutex
	handlers map[string]executor.Func
	events   []string
	calls    map[string]int
	params   map[string]map[string]any
	current  int
	peak     int
}

func newScripted() *scripted {
	return &scripted{
		handlers: make(map[string]executor.Func),
		calls:    make(map[string]int),
		params:   make(map[string]map[string]any),
	}
}

func (s *scripted) on(stepID string, fn executor.Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[stepID] = fn
}

func (s *scripted) Execute(ctx context.Context, req *executor.Request) executor.Result {
	s.mu.Lock()
	id := req.Step.ID
	s.events = append(s.events, "start:"+id)
	s.calls[id]++
	s.params[id] = req.Params
	s.current++
	if s.current > s.peak {
		s.peak = s.current
	}
	handler := s.handlers[id]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.current--
		s.events = append(s.events, "end:"+id)
		s.mu.Unlock()
	}()

	if handler == nil {
		return executor.Succeeded(nil)
	}
	return handler(ctx, req)
}

func (s *scripted) callCount(stepID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stepID]
}

func (s *scripted) maxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *scripted) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type recordingNotifier struct {
	mu          sync.Mutex
	longRunning int
	completed   []domain.ExecutionStatus
	stepStatus  map[string]domain.StepExecutionStatus
}

func (n *recordingNotifier) NotifyLongRunning(context.Context, *domain.Execution) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.longRunning++
	return nil
}

func (n *recordingNotifier) NotifyCompletion(_ context.Context, exec *domain.Execution) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, exec.Status)
	return nil
}

func (n *recordingNotifier) PublishStepStatus(_ context.Context, se *domain.StepExecution) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stepStatus == nil {
		n.stepStatus = make(map[string]domain.StepExecutionStatus)
	}
	n.stepStatus[se.Step.ID] = se.CurrentAttempt().Status
	return nil
}

type testEnv struct {
	store     *repo.MemoryStore
	steps     *scripted
	executors *executor.Registry
	global    *Global
	jobs      *JobExecutor
	notifier  *recordingNotifier
}

// newTestEnv собирает оркестратор в памяти. Минуты шагов и run
// пересчитываются в миллисекунды, чтобы тесты шли быстро.
func newTestEnv(t *testing.T, catalog *domain.Catalog) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	env := &testEnv{
		store:     repo.NewMemoryStore(),
		steps:     newScripted(),
		executors: executor.NewRegistry(),
		notifier:  &recordingNotifier{},
	}
	for _, kind := range domain.StepKinds {
		env.executors.Register(kind, env.steps)
	}

	runner := NewStepOrchestrator(StepOrchestratorConfig{
		Executors:         env.executors,
		Store:             env.store,
		RetryIntervalUnit: time.Millisecond,
		TimeoutUnit:       10 * time.Millisecond,
		Logger:            logger,
	})
	env.global = NewGlobal(GlobalConfig{
		Runner:           runner,
		EvaluateInterval: 10 * time.Millisecond,
		Logger:           logger,
	})
	env.jobs = NewJobExecutor(JobExecutorConfig{
		Global:       env.global,
		Store:        env.store,
		Notifier:     env.notifier,
		Catalog:      catalog,
		OvertimeUnit: 10 * time.Millisecond,
		Logger:       logger,
	})
	return env
}

func (e *testEnv) run(t *testing.T, jobID string, params map[string]any) *domain.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exec, err := e.jobs.StartAndWait(ctx, jobID, "tester", params)
	if err != nil {
		t.Fatalf("StartAndWait(%s) error = %v", jobID, err)
	}
	return exec
}

func (e *testEnv) lookup(t *testing.T, runID uuid.UUID) *domain.Execution {
	t.Helper()
	exec, found, err := e.store.LookupExecution(context.Background(), runID)
	if err != nil || !found {
		t.Fatalf("LookupExecution(%s) = %v, %v", runID, found, err)
	}
	return exec
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func stepStatus(exec *domain.Execution, stepID string) domain.StepExecutionStatus {
	return exec.StepExecutions[stepID].CurrentAttempt().Status
}

func assertStepStatus(t *testing.T, exec *domain.Execution, stepID string, want domain.StepExecutionStatus) {
	t.Helper()
	if got := stepStatus(exec, stepID); got != want {
		t.Errorf("step %s status = %s, want %s", stepID, got, want)
	}
}

func catalogOf(jobs ...domain.Job) *domain.Catalog {
	return &domain.Catalog{Jobs: jobs}
}

func failWith(msg string) executor.Func {
	return func(context.Context, *executor.Request) executor.Result {
		return executor.Failed(errors.New(msg))
	}
}

func TestJobExecutor_DependencyOrder(t *testing.T) {
	job := domain.Job{
		ID:            "nightly",
		ExecutionMode: domain.ExecutionModeDependency,
		Steps:         []domain.Step{waitStep("c", "b"), waitStep("a"), waitStep("b", "a")},
	}
	env := newTestEnv(t, catalogOf(job))

	exec := env.run(t, "nightly", nil)

	if exec.Status != domain.ExecutionStatusSucceeded {
		t.Fatalf("run status = %s, want SUCCEEDED", exec.Status)
	}
	want := []string{"start:a", "end:a", "start:b", "end:b", "start:c", "end:c"}
	if got := env.steps.log(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("execution order = %v, want %v", got, want)
	}

	transitions := env.store.StepTransitions(exec.ID, "b")
	wantTransitions := []domain.StepExecutionStatus{
		domain.StepStatusQueued, domain.StepStatusRunning, domain.StepStatusSucceeded,
	}
	if fmt.Sprint(transitions) != fmt.Sprint(wantTransitions) {
		t.Errorf("b transitions = %v, want %v", transitions, wantTransitions)
	}

	stored := env.lookup(t, exec.ID)
	if stored.Status != domain.ExecutionStatusSucceeded || stored.EndedAt == nil {
		t.Errorf("stored run = %s, ended %v", stored.Status, stored.EndedAt)
	}
	if len(stored.StepExecutions["b"].Monitors) == 0 {
		t.Error("b has no monitor records for its dependency")
	}

	if got := env.global.Updates(exec.ID); len(got) != 0 {
		t.Errorf("updates after run = %d, want none", len(got))
	}
	if got := env.global.RunningSteps(); got != 0 {
		t.Errorf("running steps after run = %d", got)
	}
	if len(env.notifier.completed) != 1 || env.notifier.completed[0] != domain.ExecutionStatusSucceeded {
		t.Errorf("completion notifications = %v", env.notifier.completed)
	}
	if env.notifier.stepStatus["c"] != domain.StepStatusSucceeded {
		t.Errorf("published step statuses = %v", env.notifier.stepStatus)
	}
}

func TestJobExecutor_FailureCascade(t *testing.T) {
	job := domain.Job{
		ID:    "nightly",
		Steps: []domain.Step{waitStep("a"), waitStep("b", "a"), waitStep("c", "b"), waitStep("side")},
	}
	env := newTestEnv(t, catalogOf(job))
	env.steps.on("a", failWith("source unavailable"))

	exec := env.run(t, "nightly", nil)

	if exec.Status != domain.ExecutionStatusFailed {
		t.Errorf("run status = %s, want FAILED", exec.Status)
	}
	assertStepStatus(t, exec, "a", domain.StepStatusFailed)
	assertStepStatus(t, exec, "b", domain.StepStatusDependenciesFailed)
	assertStepStatus(t, exec, "c", domain.StepStatusDependenciesFailed)
	assertStepStatus(t, exec, "side", domain.StepStatusSucceeded)

	if n := env.steps.callCount("b") + env.steps.callCount("c"); n != 0 {
		t.Errorf("dependent steps executed %d times", n)
	}
	if msg := exec.StepExecutions["a"].CurrentAttempt().ErrorMessage; msg != "source unavailable" {
		t.Errorf("a error = %q", msg)
	}

	stored := env.lookup(t, exec.ID)
	if stepStatus(stored, "c") != domain.StepStatusDependenciesFailed {
		t.Errorf("stored c status = %s", stepStatus(stored, "c"))
	}
}

func TestJobExecutor_OnFailedBranch(t *testing.T) {
	cleanup := waitStep("cleanup")
	cleanup.Dependencies = []domain.Dependency{{StepID: "load", Type: domain.DependencyOnFailed}}
	notify := waitStep("notify")
	notify.Dependencies = []domain.Dependency{{StepID: "load", Type: domain.DependencyOnCompleted}}

	job := domain.Job{ID: "nightly", Steps: []domain.Step{waitStep("load"), cleanup, notify}}
	env := newTestEnv(t, catalogOf(job))
	env.steps.on("load", failWith("constraint violation"))

	exec := env.run(t, "nightly", nil)

	assertStepStatus(t, exec, "cleanup", domain.StepStatusSucceeded)
	assertStepStatus(t, exec, "notify", domain.StepStatusSucceeded)
	if exec.Status != domain.ExecutionStatusFailed {
		t.Errorf("run status = %s, want FAILED", exec.Status)
	}
}

func TestJobExecutor_RetryExhausted(t *testing.T) {
	step := waitStep("flaky")
	step.RetryAttempts = 2
	step.RetryIntervalMinutes = 1
	env := newTestEnv(t, catalogOf(domain.Job{ID: "nightly", Steps: []domain.Step{step}}))
	env.steps.on("flaky", failWith("timeout talking to warehouse"))

	exec := env.run(t, "nightly", nil)

	se := exec.StepExecutions["flaky"]
	if len(se.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(se.Attempts))
	}
	for i, want := range []domain.StepExecutionStatus{
		domain.StepStatusRetry, domain.StepStatusRetry, domain.StepStatusFailed,
	} {
		if got := se.Attempts[i].Status; got != want {
			t.Errorf("attempt[%d] = %s, want %s", i, got, want)
		}
	}
	if n := env.steps.callCount("flaky"); n != 3 {
		t.Errorf("executor calls = %d, want 3", n)
	}

	awaiting := 0
	for _, s := range env.store.StepTransitions(exec.ID, "flaky") {
		if s == domain.StepStatusAwaitingRetry {
			awaiting++
		}
	}
	if awaiting != 2 {
		t.Errorf("AWAITING_RETRY transitions = %d, want 2", awaiting)
	}
	if exec.Status != domain.ExecutionStatusFailed {
		t.Errorf("run status = %s, want FAILED", exec.Status)
	}
}

func TestJobExecutor_RetryThenSucceed(t *testing.T) {
	step := waitStep("flaky")
	step.RetryAttempts = 3
	env := newTestEnv(t, catalogOf(domain.Job{ID: "nightly", Steps: []domain.Step{step}}))
	env.steps.on("flaky", func(_ context.Context, req *executor.Request) executor.Result {
		if req.Attempt == 0 {
			return executor.Failed(errors.New("deadlock detected"))
		}
		return executor.Succeeded(map[string]any{"rows": 42})
	})

	exec := env.run(t, "nightly", nil)

	se := exec.StepExecutions["flaky"]
	if len(se.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(se.Attempts))
	}
	if se.Attempts[0].Status != domain.StepStatusRetry || se.Attempts[0].ErrorMessage != "deadlock detected" {
		t.Errorf("first attempt = %+v", se.Attempts[0])
	}
	if se.Attempts[1].Status != domain.StepStatusSucceeded {
		t.Errorf("second attempt = %s", se.Attempts[1].Status)
	}
	if se.ParameterValues["rows"] != 42 {
		t.Errorf("outputs not merged into parameters: %v", se.ParameterValues)
	}
	if exec.Status != domain.ExecutionStatusSucceeded {
		t.Errorf("run status = %s", exec.Status)
	}
}

func TestJobExecutor_Warning(t *testing.T) {
	env := newTestEnv(t, catalogOf(domain.Job{ID: "nightly", Steps: []domain.Step{waitStep("a"), waitStep("b")}}))
	env.steps.on("a", func(context.Context, *executor.Request) executor.Result {
		return executor.Result{Outcome: executor.OutcomeSuccess, Warnings: []string{"late partition"}}
	})

	exec := env.run(t, "nightly", nil)

	assertStepStatus(t, exec, "a", domain.StepStatusWarning)
	if w := exec.StepExecutions["a"].CurrentAttempt().WarningMessages; len(w) != 1 || w[0] != "late partition" {
		t.Errorf("warnings = %v", w)
	}
	if exec.Status != domain.ExecutionStatusWarning {
		t.Errorf("run status = %s, want WARNING", exec.Status)
	}
}

func TestJobExecutor_ExecutionCondition(t *testing.T) {
	fullOnly := waitStep("full_only")
	fullOnly.ExecutionCondition = `eq .Job.mode "full"`
	job := domain.Job{
		ID:         "nightly",
		Parameters: []domain.JobParameter{{Name: "mode", Value: "delta"}},
		Steps:      []domain.Step{fullOnly, waitStep("report", "full_only"), waitStep("always")},
	}
	env := newTestEnv(t, catalogOf(job))

	exec := env.run(t, "nightly", nil)

	assertStepStatus(t, exec, "full_only", domain.StepStatusSkipped)
	assertStepStatus(t, exec, "report", domain.StepStatusDependenciesFailed)
	assertStepStatus(t, exec, "always", domain.StepStatusSucceeded)
	if n := env.steps.callCount("full_only"); n != 0 {
		t.Errorf("skipped step executed %d times", n)
	}

	exec = env.run(t, "nightly", map[string]any{"mode": "full"})
	assertStepStatus(t, exec, "full_only", domain.StepStatusSucceeded)
	assertStepStatus(t, exec, "report", domain.StepStatusSucceeded)
	if exec.Status != domain.ExecutionStatusSucceeded {
		t.Errorf("run with override status = %s", exec.Status)
	}
}

func TestJobExecutor_Parameters(t *testing.T) {
	extract := waitStep("extract")
	extract.Parameters = []domain.StepParameter{
		{Name: "region", InheritFrom: "region"},
		{Name: "table", Expression: "{{ .Params.region }}_daily"},
		{Name: "batch", Value: 500},
	}
	broken := waitStep("broken")
	broken.Parameters = []domain.StepParameter{{Name: "x", Expression: "{{ .Job.bad }}"}}

	job := domain.Job{
		ID: "nightly",
		Parameters: []domain.JobParameter{
			{Name: "region", Value: "eu"},
			{Name: "bad", Expression: "{{ .Job.region | nosuchfunc }}"},
		},
		Steps: []domain.Step{extract, broken},
	}
	env := newTestEnv(t, catalogOf(job))

	exec := env.run(t, "nightly", nil)

	assertStepStatus(t, exec, "extract", domain.StepStatusSucceeded)
	assertStepStatus(t, exec, "broken", domain.StepStatusFailed)

	params := env.steps.params["extract"]
	if params["region"] != "eu" || params["table"] != "eu_daily" || params["batch"] != 500 {
		t.Errorf("extract params = %v", params)
	}
	if _, ok := exec.ParameterErrors["bad"]; !ok {
		t.Errorf("parameter errors = %v, want bad", exec.ParameterErrors)
	}
	if msg := exec.StepExecutions["broken"].CurrentAttempt().ErrorMessage; !strings.Contains(msg, "bad") {
		t.Errorf("broken error = %q", msg)
	}
	if env.steps.callCount("broken") != 0 {
		t.Error("step with failed parameter was executed")
	}

	stored := env.lookup(t, exec.ID)
	if stored.StepExecutions["extract"].ParameterValues["table"] != "eu_daily" {
		t.Errorf("stored params = %v", stored.StepExecutions["extract"].ParameterValues)
	}
}

func TestJobExecutor_StepCycle(t *testing.T) {
	job := domain.Job{ID: "loop", Steps: []domain.Step{waitStep("a", "b"), waitStep("b", "a"), waitStep("c")}}
	env := newTestEnv(t, catalogOf(job))

	exec := env.run(t, "loop", nil)

	if exec.Status != domain.ExecutionStatusFailed {
		t.Fatalf("run status = %s, want FAILED", exec.Status)
	}
	if !strings.Contains(exec.Error, "cycle") {
		t.Errorf("run error = %q, want cycle description", exec.Error)
	}
	for _, id := range []string{"a", "b", "c"} {
		assertStepStatus(t, exec, id, domain.StepStatusFailed)
	}
	if got := env.steps.log(); len(got) != 0 {
		t.Errorf("steps executed despite cycle: %v", got)
	}

	if err := env.jobs.Run(context.Background(), exec.ID); !errors.Is(err, ErrRunFinished) {
		t.Errorf("Run(finished) error = %v, want ErrRunFinished", err)
	}
}

func TestJobExecutor_JobCycle(t *testing.T) {
	call := func(id, target string) domain.Step {
		return domain.Step{ID: id, Kind: domain.StepKindJob, Job: &domain.JobStep{JobID: target, Synchronized: true}}
	}
	env := newTestEnv(t, catalogOf(
		domain.Job{ID: "x", Steps: []domain.Step{call("to_y", "y")}},
		domain.Job{ID: "y", Steps: []domain.Step{call("to_x", "x")}},
	))

	exec := env.run(t, "x", nil)

	if exec.Status != domain.ExecutionStatusFailed || !strings.Contains(exec.Error, "job dependency cycles") {
		t.Errorf("run = %s %q, want FAILED with job cycle", exec.Status, exec.Error)
	}
}

func TestJobExecutor_ChildJob(t *testing.T) {
	launch := domain.Step{ID: "launch", Kind: domain.StepKindJob, Job: &domain.JobStep{JobID: "child", Synchronized: true}}
	env := newTestEnv(t, catalogOf(
		domain.Job{ID: "parent", Steps: []domain.Step{launch}},
		domain.Job{ID: "child", Steps: []domain.Step{waitStep("work")}},
	))
	env.executors.Register(domain.StepKindJob, &executor.JobStepExecutor{Launcher: env.jobs})

	exec := env.run(t, "parent", nil)

	if exec.Status != domain.ExecutionStatusSucceeded {
		t.Fatalf("parent status = %s (%s)", exec.Status, exec.StepExecutions["launch"].CurrentAttempt().ErrorMessage)
	}
	childID, ok := exec.StepExecutions["launch"].ParameterValues["child_run_id"].(string)
	if !ok {
		t.Fatalf("child_run_id output missing: %v", exec.StepExecutions["launch"].ParameterValues)
	}
	child := env.lookup(t, uuid.MustParse(childID))
	if child.Status != domain.ExecutionStatusSucceeded {
		t.Errorf("child status = %s", child.Status)
	}
	if !strings.HasPrefix(child.CreatedBy, "job:parent") {
		t.Errorf("child created by %q", child.CreatedBy)
	}
}

func TestJobExecutor_Cancel(t *testing.T) {
	job := domain.Job{ID: "nightly", Steps: []domain.Step{waitStep("slow"), waitStep("after", "slow")}}
	env := newTestEnv(t, catalogOf(job))

	started := make(chan struct{})
	env.steps.on("slow", func(ctx context.Context, _ *executor.Request) executor.Result {
		close(started)
		<-ctx.Done()
		return executor.Cancelled(ctx.Err())
	})

	runID, err := env.jobs.Start(context.Background(), "nightly", "bob", nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, started, "slow step")

	if active := env.jobs.ActiveRuns(); len(active) != 1 || active[0] != runID {
		t.Errorf("ActiveRuns() = %v", active)
	}
	if err := env.jobs.Cancel(runID, "alice", "missing"); !errors.Is(err, ErrStepNotFound) {
		t.Errorf("Cancel(unknown step) error = %v, want ErrStepNotFound", err)
	}
	if err := env.jobs.Cancel(runID, "alice"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	env.jobs.Wait()

	stored := env.lookup(t, runID)
	if stored.Status != domain.ExecutionStatusStopped || stored.StoppedBy != "alice" {
		t.Errorf("run = %s stopped by %q, want STOPPED by alice", stored.Status, stored.StoppedBy)
	}
	for _, id := range []string{"slow", "after"} {
		attempt := stored.StepExecutions[id].CurrentAttempt()
		if attempt.Status != domain.StepStatusStopped || attempt.StoppedBy != "alice" {
			t.Errorf("step %s = %s stopped by %q", id, attempt.Status, attempt.StoppedBy)
		}
	}
	if env.steps.callCount("after") != 0 {
		t.Error("step after cancel was executed")
	}

	if err := env.jobs.Cancel(runID, "alice"); !errors.Is(err, ErrRunNotActive) {
		t.Errorf("Cancel(finished) error = %v, want ErrRunNotActive", err)
	}
}

func TestJobExecutor_CancelSingleStep(t *testing.T) {
	job := domain.Job{ID: "nightly", Steps: []domain.Step{waitStep("slow"), waitStep("other")}}
	env := newTestEnv(t, catalogOf(job))

	started := make(chan struct{})
	release := make(chan struct{})
	env.steps.on("slow", func(ctx context.Context, _ *executor.Request) executor.Result {
		close(started)
		<-ctx.Done()
		return executor.Cancelled(ctx.Err())
	})
	env.steps.on("other", func(context.Context, *executor.Request) executor.Result {
		<-release
		return executor.Succeeded(nil)
	})

	runID, err := env.jobs.Start(context.Background(), "nightly", "bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, started, "slow step")

	if err := env.jobs.Cancel(runID, "carol", "slow"); err != nil {
		t.Fatalf("Cancel(slow) error = %v", err)
	}
	close(release)
	env.jobs.Wait()

	stored := env.lookup(t, runID)
	assertStepStatus(t, stored, "slow", domain.StepStatusStopped)
	assertStepStatus(t, stored, "other", domain.StepStatusSucceeded)
	if stored.Status != domain.ExecutionStatusStopped || stored.StoppedBy != "carol" {
		t.Errorf("run = %s stopped by %q", stored.Status, stored.StoppedBy)
	}
}

func TestJobExecutor_DuplicateFail(t *testing.T) {
	load := waitStep("load")
	load.DuplicatePolicy = domain.DuplicateFail
	env := newTestEnv(t, catalogOf(domain.Job{ID: "nightly", Steps: []domain.Step{load}}))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.steps.on("load", func(context.Context, *executor.Request) executor.Result {
		first := false
		once.Do(func() { first = true })
		if first {
			close(started)
			<-release
		}
		return executor.Succeeded(nil)
	})

	firstID, err := env.jobs.Start(context.Background(), "nightly", "scheduler", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, started, "first run")

	second := env.run(t, "nightly", nil)
	assertStepStatus(t, second, "load", domain.StepStatusDuplicate)
	if second.Status != domain.ExecutionStatusFailed {
		t.Errorf("second run status = %s, want FAILED", second.Status)
	}
	if monitors := second.StepExecutions["load"].Monitors; len(monitors) == 0 || monitors[0].MonitoredRunID != firstID {
		t.Errorf("duplicate monitors = %+v", monitors)
	}

	close(release)
	env.jobs.Wait()
	if got := env.lookup(t, firstID).Status; got != domain.ExecutionStatusSucceeded {
		t.Errorf("first run status = %s", got)
	}
}

func TestJobExecutor_DuplicateWait(t *testing.T) {
	env := newTestEnv(t, catalogOf(domain.Job{ID: "nightly", Steps: []domain.Step{waitStep("load")}}))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.steps.on("load", func(context.Context, *executor.Request) executor.Result {
		first := false
		once.Do(func() { first = true })
		if first {
			close(started)
			<-release
		}
		return executor.Succeeded(nil)
	})

	firstID, err := env.jobs.Start(context.Background(), "nightly", "scheduler", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, started, "first run")

	secondID, err := env.jobs.Start(context.Background(), "nightly", "scheduler", nil)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := env.steps.callCount("load"); n != 1 {
		t.Errorf("load executed %d times while the duplicate was running", n)
	}

	close(release)
	env.jobs.Wait()

	for _, id := range []uuid.UUID{firstID, secondID} {
		if got := env.lookup(t, id).Status; got != domain.ExecutionStatusSucceeded {
			t.Errorf("run %s status = %s", id, got)
		}
	}
	if peak := env.steps.maxConcurrent(); peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestJobExecutor_ResourceLimit(t *testing.T) {
	var steps []domain.Step
	for i := 1; i <= 5; i++ {
		steps = append(steps, sqlStep(fmt.Sprintf("load_%d", i), "warehouse"))
	}
	catalog := catalogOf(domain.Job{ID: "nightly", ExecutionMode: domain.ExecutionModeDependency, Steps: steps})
	catalog.Resources = []domain.Resource{{ID: "warehouse", Kind: domain.ResourceSQLConnection, MaxConcurrent: 2}}

	env := newTestEnv(t, catalog)
	for _, s := range steps {
		env.steps.on(s.ID, func(context.Context, *executor.Request) executor.Result {
			time.Sleep(20 * time.Millisecond)
			return executor.Succeeded(nil)
		})
	}

	exec := env.run(t, "nightly", nil)

	if exec.Status != domain.ExecutionStatusSucceeded {
		t.Fatalf("run status = %s", exec.Status)
	}
	if peak := env.steps.maxConcurrent(); peak > 2 || peak == 0 {
		t.Errorf("peak concurrency on warehouse = %d, want at most 2", peak)
	}
}

func TestJobExecutor_MaxParallelSteps(t *testing.T) {
	job := domain.Job{
		ID:               "nightly",
		MaxParallelSteps: 1,
		Steps:            []domain.Step{waitStep("a"), waitStep("b"), waitStep("c")},
	}
	env := newTestEnv(t, catalogOf(job))
	for _, id := range []string{"a", "b", "c"} {
		env.steps.on(id, func(context.Context, *executor.Request) executor.Result {
			time.Sleep(10 * time.Millisecond)
			return executor.Succeeded(nil)
		})
	}

	exec := env.run(t, "nightly", nil)

	if exec.Status != domain.ExecutionStatusSucceeded {
		t.Fatalf("run status = %s", exec.Status)
	}
	if peak := env.steps.maxConcurrent(); peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestJobExecutor_PhaseStopOnFirstError(t *testing.T) {
	later := waitStep("later")
	later.Phase = 1
	job := domain.Job{
		ID:               "nightly",
		ExecutionMode:    domain.ExecutionModePhase,
		StopOnFirstError: true,
		Steps:            []domain.Step{waitStep("early"), later},
	}
	env := newTestEnv(t, catalogOf(job))
	env.steps.on("early", failWith("bad input"))

	exec := env.run(t, "nightly", nil)

	assertStepStatus(t, exec, "early", domain.StepStatusFailed)
	assertStepStatus(t, exec, "later", domain.StepStatusSkipped)
	if env.steps.callCount("later") != 0 {
		t.Error("later phase executed after failure")
	}
}

func TestJobExecutor_ExecutorPanic(t *testing.T) {
	env := newTestEnv(t, catalogOf(domain.Job{ID: "nightly", Steps: []domain.Step{waitStep("a"), waitStep("b")}}))
	env.steps.on("a", func(context.Context, *executor.Request) executor.Result {
		panic("nil map write")
	})

	exec := env.run(t, "nightly", nil)

	assertStepStatus(t, exec, "a", domain.StepStatusFailed)
	assertStepStatus(t, exec, "b", domain.StepStatusSucceeded)
	if msg := exec.StepExecutions["a"].CurrentAttempt().ErrorMessage; !strings.Contains(msg, "panic") {
		t.Errorf("error = %q, want panic description", msg)
	}
	if exec.Status != domain.ExecutionStatusFailed {
		t.Errorf("run status = %s", exec.Status)
	}
}

func TestJobExecutor_Timeout(t *testing.T) {
	step := waitStep("hang")
	step.TimeoutMinutes = 2
	env := newTestEnv(t, catalogOf(domain.Job{ID: "nightly", Steps: []domain.Step{step}}))
	env.steps.on("hang", func(ctx context.Context, _ *executor.Request) executor.Result {
		<-ctx.Done()
		return executor.FromError(ctx, ctx.Err())
	})

	exec := env.run(t, "nightly", nil)

	attempt := exec.StepExecutions["hang"].CurrentAttempt()
	if attempt.Status != domain.StepStatusFailed || !strings.Contains(attempt.ErrorMessage, "timed out") {
		t.Errorf("attempt = %s %q, want FAILED with timeout", attempt.Status, attempt.ErrorMessage)
	}
	if exec.Status != domain.ExecutionStatusFailed {
		t.Errorf("run status = %s", exec.Status)
	}
}

func TestJobExecutor_Overtime(t *testing.T) {
	job := domain.Job{ID: "nightly", OvertimeNotificationLimitMinutes: 2, Steps: []domain.Step{waitStep("slow")}}
	env := newTestEnv(t, catalogOf(job))
	env.steps.on("slow", func(context.Context, *executor.Request) executor.Result {
		time.Sleep(100 * time.Millisecond)
		return executor.Succeeded(nil)
	})

	env.run(t, "nightly", nil)

	if env.notifier.longRunning != 1 {
		t.Errorf("long running notifications = %d, want 1", env.notifier.longRunning)
	}
}

func TestJobExecutor_RunByID(t *testing.T) {
	job := domain.Job{ID: "nightly", Steps: []domain.Step{waitStep("a")}}
	catalog := catalogOf(job)
	env := newTestEnv(t, catalog)

	exec := domain.NewExecution(&catalog.Jobs[0], nil, nil, "api", nil)
	if err := env.store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatal(err)
	}

	if err := env.jobs.Run(context.Background(), exec.ID); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := env.lookup(t, exec.ID).Status; got != domain.ExecutionStatusSucceeded {
		t.Errorf("status = %s", got)
	}

	if err := env.jobs.Run(context.Background(), uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Run(unknown) error = %v, want ErrRunNotFound", err)
	}
	if err := env.jobs.Cancel(uuid.New(), "alice"); !errors.Is(err, ErrRunNotActive) {
		t.Errorf("Cancel(unknown) error = %v, want ErrRunNotActive", err)
	}
	if _, err := env.jobs.Start(context.Background(), "missing", "alice", nil); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Start(missing) error = %v, want ErrJobNotFound", err)
	}
}

// heldLookup задерживает первый LookupExecution после снятия снимка run.
type heldLookup struct {
	*repo.MemoryStore

	once     sync.Once
	snapshot chan struct{}
	release  chan struct{}
}

func (h *heldLookup) LookupExecution(ctx context.Context, runID uuid.UUID) (*domain.Execution, bool, error) {
	exec, found, err := h.MemoryStore.LookupExecution(ctx, runID)
	h.once.Do(func() {
		close(h.snapshot)
		<-h.release
	})
	return exec, found, err
}

func TestJobExecutor_RunStaleSnapshotDoesNotExecuteTwice(t *testing.T) {
	job := domain.Job{ID: "nightly", Steps: []domain.Step{waitStep("load")}}
	catalog := catalogOf(job)
	env := newTestEnv(t, catalog)
	env.steps.on("load", func(context.Context, *executor.Request) executor.Result {
		time.Sleep(20 * time.Millisecond)
		return executor.Succeeded(nil)
	})

	held := &heldLookup{MemoryStore: env.store, snapshot: make(chan struct{}), release: make(chan struct{})}
	stale := NewJobExecutor(JobExecutorConfig{
		Global:  env.global,
		Store:   held,
		Catalog: catalog,
		Logger:  slog.New(slog.DiscardHandler),
	})

	exec := domain.NewExecution(&catalog.Jobs[0], nil, nil, "mq", nil)
	if err := env.store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatal(err)
	}

	staleErr := make(chan error, 1)
	go func() { staleErr <- stale.Run(context.Background(), exec.ID) }()
	waitFor(t, held.snapshot, "stale snapshot")

	// Пока первый исполнитель держит снимок NOT_STARTED, run выполняет второй.
	if err := env.jobs.Run(context.Background(), exec.ID); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	close(held.release)

	select {
	case err := <-staleErr:
		if !errors.Is(err, ErrRunAlreadyActive) {
			t.Errorf("stale Run() error = %v, want ErrRunAlreadyActive", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stale Run() did not return")
	}

	if got := env.steps.callCount("load"); got != 1 {
		t.Errorf("load executed %d times, want 1", got)
	}
	if got := env.lookup(t, exec.ID).Status; got != domain.ExecutionStatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", got)
	}
}

func TestJobExecutor_RunRejectsClaimedRun(t *testing.T) {
	job := domain.Job{ID: "nightly", Steps: []domain.Step{waitStep("load")}}
	catalog := catalogOf(job)
	env := newTestEnv(t, catalog)

	exec := domain.NewExecution(&catalog.Jobs[0], nil, nil, "mq", nil)
	if err := env.store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatal(err)
	}
	if claimed, err := env.store.ClaimExecution(context.Background(), exec.ID); err != nil || !claimed {
		t.Fatalf("ClaimExecution() = %v, %v", claimed, err)
	}

	if err := env.jobs.Run(context.Background(), exec.ID); !errors.Is(err, ErrRunAlreadyActive) {
		t.Errorf("Run(running) error = %v, want ErrRunAlreadyActive", err)
	}
	if got := env.steps.callCount("load"); got != 0 {
		t.Errorf("load executed %d times, want 0", got)
	}
}

func TestJobExecutor_HybridPhasesAndBranches(t *testing.T) {
	b := waitStep("b", "a")
	b.Phase = 1
	c := waitStep("c")
	c.Phase = 1
	c.Dependencies = []domain.Dependency{{StepID: "a", Type: domain.DependencyOnFailed}}

	job := domain.Job{ID: "nightly", Steps: []domain.Step{waitStep("a"), b, c}}
	env := newTestEnv(t, catalogOf(job))

	exec := env.run(t, "nightly", nil)

	assertStepStatus(t, exec, "a", domain.StepStatusSucceeded)
	assertStepStatus(t, exec, "b", domain.StepStatusSucceeded)
	assertStepStatus(t, exec, "c", domain.StepStatusDependenciesFailed)
	if got := env.steps.callCount("c"); got != 0 {
		t.Errorf("c executed %d times, want 0", got)
	}
	if log := env.steps.log(); len(log) < 2 || log[0] != "start:a" || log[1] != "end:a" {
		t.Errorf("execution order = %v, want a first", log)
	}
}

func TestJobExecutor_PhaseInversionFailsRun(t *testing.T) {
	a := waitStep("a")
	a.Phase = 1
	job := domain.Job{ID: "nightly", Steps: []domain.Step{a, waitStep("b", "a")}}
	env := newTestEnv(t, catalogOf(job))

	runID, err := env.jobs.Start(context.Background(), "nightly", "tester", nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	finished := make(chan struct{})
	go func() {
		env.jobs.Wait()
		close(finished)
	}()
	waitFor(t, finished, "run with phase inversion to finish")

	exec := env.lookup(t, runID)
	if exec.Status != domain.ExecutionStatusFailed || !strings.Contains(exec.Error, "later phase") {
		t.Errorf("run = %s %q, want FAILED with phase error", exec.Status, exec.Error)
	}
	for _, id := range []string{"a", "b"} {
		assertStepStatus(t, exec, id, domain.StepStatusFailed)
	}
	if got := env.steps.log(); len(got) != 0 {
		t.Errorf("steps executed: %v", got)
	}
	if active := env.jobs.ActiveRuns(); len(active) != 0 {
		t.Errorf("active runs = %v, want none", active)
	}

	// Синхронный запуск возвращает run без ошибки, как и для циклов.
	exec = env.run(t, "nightly", nil)
	if exec.Status != domain.ExecutionStatusFailed {
		t.Errorf("StartAndWait run status = %s, want FAILED", exec.Status)
	}
}

func TestJobExecutor_ExecutorPanicIsRetried(t *testing.T) {
	step := waitStep("a")
	step.RetryAttempts = 1
	env := newTestEnv(t, catalogOf(domain.Job{ID: "nightly", Steps: []domain.Step{step}}))

	var calls int
	env.steps.on("a", func(context.Context, *executor.Request) executor.Result {
		calls++
		if calls == 1 {
			panic("nil map write")
		}
		return executor.Succeeded(nil)
	})

	exec := env.run(t, "nightly", nil)

	attempts := exec.StepExecutions["a"].Attempts
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if !strings.Contains(attempts[0].ErrorMessage, "panic") {
		t.Errorf("first attempt error = %q, want panic description", attempts[0].ErrorMessage)
	}
	assertStepStatus(t, exec, "a", domain.StepStatusSucceeded)
	if exec.Status != domain.ExecutionStatusSucceeded {
		t.Errorf("run status = %s, want SUCCEEDED", exec.Status)
	}
}
