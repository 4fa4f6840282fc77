package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/engine"
)

func newRequest(step domain.Step) *Request {
	params := map[string]any{"table": "orders"}
	return &Request{
		RunID:    uuid.New(),
		JobID:    "job",
		Step:     step,
		Params:   params,
		Bindings: engine.NewBindings(map[string]any{"env": "test"}, params, engine.RunInfo{JobID: "job"}),
	}
}

// --- Registry Tests ---

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()
	r.Register(domain.StepKindWait, &WaitExecutor{})

	if _, err := r.Get(domain.StepKindWait); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := r.Get(domain.StepKindSQL); !errors.Is(err, ErrUnknownStepKind) {
		t.Errorf("expected ErrUnknownStepKind, got %v", err)
	}
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(Config{})
	defer r.Close()

	for _, kind := range []domain.StepKind{
		domain.StepKindWait, domain.StepKindHTTP, domain.StepKindFunction,
		domain.StepKindPipeline, domain.StepKindSQL,
	} {
		if _, err := r.Get(kind); err != nil {
			t.Errorf("kind %s: unexpected error: %v", kind, err)
		}
	}
	if _, err := r.Get(domain.StepKindJob); err == nil {
		t.Error("job executor should be registered separately")
	}
}

func TestFromError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	if r := FromError(ctx, errors.New("boom")); r.Outcome != OutcomeFailure {
		t.Errorf("expected failure, got %s", r.Outcome)
	}

	cancel()
	if r := FromError(ctx, context.Canceled); r.Outcome != OutcomeCancel {
		t.Errorf("expected cancel, got %s", r.Outcome)
	}
}

// --- WaitExecutor Tests ---

func TestWaitExecutor(t *testing.T) {
	e := &WaitExecutor{}
	req := newRequest(domain.Step{ID: "w", Kind: domain.StepKindWait, Wait: &domain.WaitStep{Seconds: 0.01}})

	result := e.Execute(context.Background(), req)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
}

func TestWaitExecutor_Cancel(t *testing.T) {
	e := &WaitExecutor{}
	req := newRequest(domain.Step{ID: "w", Kind: domain.StepKindWait, Wait: &domain.WaitStep{Seconds: 10}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := e.Execute(ctx, req)
	if result.Outcome != OutcomeCancel {
		t.Errorf("expected cancel, got %s", result.Outcome)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("wait should stop on cancellation")
	}
}

// --- HTTPExecutor Tests ---

func TestHTTPExecutor_Success(t *testing.T) {
	var gotHeader string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/load/orders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotHeader = r.Header.Get("X-Env")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	defer server.Close()

	step := domain.Step{ID: "h", Kind: domain.StepKindHTTP, HTTP: &domain.HTTPStep{
		Method:  http.MethodPost,
		URL:     server.URL + "/load/{{ .Params.table }}",
		Headers: map[string]string{"X-Env": "{{ .Job.env }}"},
		Body:    map[string]any{"table": "{{ .Params.table }}"},
	}}

	result := (&HTTPExecutor{}).Execute(context.Background(), newRequest(step))
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if result.Outputs["status_code"] != http.StatusOK {
		t.Errorf("expected status 200, got %v", result.Outputs["status_code"])
	}
	if gotHeader != "test" {
		t.Errorf("expected rendered header, got %q", gotHeader)
	}
	if gotBody["table"] != "orders" {
		t.Errorf("expected rendered body, got %v", gotBody)
	}
}

func TestHTTPExecutor_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal error"))
	}))
	defer server.Close()

	step := domain.Step{ID: "h", Kind: domain.StepKindHTTP, HTTP: &domain.HTTPStep{URL: server.URL}}

	result := (&HTTPExecutor{}).Execute(context.Background(), newRequest(step))
	if result.Outcome != OutcomeFailure {
		t.Fatalf("expected failure, got %s", result.Outcome)
	}
	if !errors.Is(result.Err, ErrHTTPRequest) {
		t.Errorf("expected ErrHTTPRequest, got %v", result.Err)
	}
	if result.Outputs["status_code"] != http.StatusInternalServerError {
		t.Errorf("outputs should keep status code, got %v", result.Outputs["status_code"])
	}
}

// --- FunctionExecutor Tests ---

func TestFunctionExecutor_Warnings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/refresh" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-functions-key") != "secret" {
			t.Errorf("missing function key")
		}
		json.NewEncoder(w).Encode(map[string]any{"warnings": []string{"3 rows skipped"}})
	}))
	defer server.Close()

	req := newRequest(domain.Step{ID: "f", Kind: domain.StepKindFunction,
		Function: &domain.FunctionStep{FunctionName: "refresh"}})
	req.Resource = &domain.Resource{ID: "app", Kind: domain.ResourceFunctionApp, URL: server.URL, Key: "secret"}

	result := (&FunctionExecutor{}).Execute(context.Background(), req)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if len(result.Warnings) != 1 || result.Warnings[0] != "3 rows skipped" {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestFunctionExecutor_MissingResource(t *testing.T) {
	req := newRequest(domain.Step{ID: "f", Kind: domain.StepKindFunction,
		Function: &domain.FunctionStep{FunctionName: "refresh"}})

	result := (&FunctionExecutor{}).Execute(context.Background(), req)
	if !errors.Is(result.Err, ErrMissingResource) {
		t.Errorf("expected ErrMissingResource, got %v", result.Err)
	}
}

// --- PipelineExecutor Tests ---

func TestPipelineExecutor_PollsUntilSucceeded(t *testing.T) {
	var polls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/pipelines/copy_sales/runs":
			json.NewEncoder(w).Encode(map[string]any{"run_id": "p-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/pipelines/runs/p-1":
			status := "InProgress"
			if atomic.AddInt32(&polls, 1) >= 3 {
				status = "Succeeded"
			}
			json.NewEncoder(w).Encode(map[string]any{"status": status})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	req := newRequest(domain.Step{ID: "p", Kind: domain.StepKindPipeline,
		Pipeline: &domain.PipelineStep{PipelineName: "copy_sales"}})
	req.Resource = &domain.Resource{ID: "adf", Kind: domain.ResourcePipelineClient, URL: server.URL}

	e := &PipelineExecutor{PollInterval: 5 * time.Millisecond}
	result := e.Execute(context.Background(), req)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if result.Outputs["pipeline_run_id"] != "p-1" {
		t.Errorf("unexpected outputs: %v", result.Outputs)
	}
	if atomic.LoadInt32(&polls) < 3 {
		t.Errorf("expected at least 3 polls, got %d", polls)
	}
}

func TestPipelineExecutor_CancelStopsRun(t *testing.T) {
	var cancelled atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/runs"):
			json.NewEncoder(w).Encode(map[string]any{"run_id": "p-2"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
			cancelled.Store(true)
		default:
			json.NewEncoder(w).Encode(map[string]any{"status": "InProgress"})
		}
	}))
	defer server.Close()

	req := newRequest(domain.Step{ID: "p", Kind: domain.StepKindPipeline,
		Pipeline: &domain.PipelineStep{PipelineName: "copy"}})
	req.Resource = &domain.Resource{ID: "adf", Kind: domain.ResourcePipelineClient, URL: server.URL}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := (&PipelineExecutor{PollInterval: 5 * time.Millisecond}).Execute(ctx, req)
	if result.Outcome != OutcomeCancel {
		t.Fatalf("expected cancel, got %s (%v)", result.Outcome, result.Err)
	}
	if !cancelled.Load() {
		t.Error("pipeline run should be cancelled on the client")
	}
}

// --- SQLExecutor Tests ---

func TestSQLExecutor_MissingResource(t *testing.T) {
	e := NewSQLExecutor(nil)
	defer e.Close()

	req := newRequest(domain.Step{ID: "s", Kind: domain.StepKindSQL, SQL: &domain.SQLStep{Statement: "select 1"}})
	result := e.Execute(context.Background(), req)
	if result.Outcome != OutcomeFailure || !errors.Is(result.Err, ErrMissingResource) {
		t.Errorf("expected ErrMissingResource failure, got %s %v", result.Outcome, result.Err)
	}
}

func TestSQLExecutor_InvalidDSN(t *testing.T) {
	e := NewSQLExecutor(nil)
	defer e.Close()

	req := newRequest(domain.Step{ID: "s", Kind: domain.StepKindSQL, SQL: &domain.SQLStep{Statement: "select 1"}})
	req.Resource = &domain.Resource{ID: "db", Kind: domain.ResourceSQLConnection, ConnectionString: "::not a dsn::"}

	result := e.Execute(context.Background(), req)
	if result.Outcome != OutcomeFailure || !errors.Is(result.Err, ErrSQL) {
		t.Errorf("expected ErrSQL failure, got %s %v", result.Outcome, result.Err)
	}
}

// --- JobStepExecutor Tests ---

type fakeLauncher struct {
	status    domain.ExecutionStatus
	createdBy string
	params    map[string]any
}

func (f *fakeLauncher) Start(_ context.Context, jobID, createdBy string, params map[string]any) (uuid.UUID, error) {
	f.createdBy = createdBy
	f.params = params
	return uuid.New(), nil
}

func (f *fakeLauncher) StartAndWait(_ context.Context, jobID, createdBy string, params map[string]any) (*domain.Execution, error) {
	f.createdBy = createdBy
	f.params = params
	return &domain.Execution{ID: uuid.New(), JobID: jobID, Status: f.status, Error: "boom"}, nil
}

func TestJobStepExecutor_Outcomes(t *testing.T) {
	tests := []struct {
		status   domain.ExecutionStatus
		outcome  Outcome
		warnings int
	}{
		{status: domain.ExecutionStatusSucceeded, outcome: OutcomeSuccess},
		{status: domain.ExecutionStatusWarning, outcome: OutcomeSuccess, warnings: 1},
		{status: domain.ExecutionStatusStopped, outcome: OutcomeCancel},
		{status: domain.ExecutionStatusFailed, outcome: OutcomeFailure},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			launcher := &fakeLauncher{status: tt.status}
			e := &JobStepExecutor{Launcher: launcher}
			req := newRequest(domain.Step{ID: "child", Kind: domain.StepKindJob,
				Job: &domain.JobStep{JobID: "other", Synchronized: true}})

			result := e.Execute(context.Background(), req)
			if result.Outcome != tt.outcome {
				t.Errorf("expected %s, got %s", tt.outcome, result.Outcome)
			}
			if len(result.Warnings) != tt.warnings {
				t.Errorf("expected %d warnings, got %v", tt.warnings, result.Warnings)
			}
			if launcher.params["table"] != "orders" {
				t.Errorf("step params should be passed to the child job, got %v", launcher.params)
			}
			if !strings.HasPrefix(launcher.createdBy, "job:job/run:") {
				t.Errorf("unexpected createdBy %q", launcher.createdBy)
			}
		})
	}
}

func TestJobStepExecutor_Async(t *testing.T) {
	e := &JobStepExecutor{Launcher: &fakeLauncher{}}
	req := newRequest(domain.Step{ID: "child", Kind: domain.StepKindJob, Job: &domain.JobStep{JobID: "other"}})

	result := e.Execute(context.Background(), req)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s", result.Outcome)
	}
	if _, ok := result.Outputs["child_run_id"].(string); !ok {
		t.Errorf("expected child_run_id output, got %v", result.Outputs)
	}
}

func TestJobStepExecutor_NoLauncher(t *testing.T) {
	req := newRequest(domain.Step{ID: "child", Kind: domain.StepKindJob, Job: &domain.JobStep{JobID: "other"}})
	result := (&JobStepExecutor{}).Execute(context.Background(), req)
	if !errors.Is(result.Err, ErrNoLauncher) {
		t.Errorf("expected ErrNoLauncher, got %v", result.Err)
	}
}
