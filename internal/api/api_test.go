package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/orchestrator"
	"github.com/shaiso/etlflow/internal/repo"
)

type fakeJobs struct {
	started   []string
	cancelled []string
	active    map[uuid.UUID]bool
	runID     uuid.UUID
}

func (f *fakeJobs) Start(_ context.Context, jobID, createdBy string, params map[string]any) (uuid.UUID, error) {
	if jobID != "nightly" {
		return uuid.Nil, fmt.Errorf("%w: %s", orchestrator.ErrJobNotFound, jobID)
	}
	f.started = append(f.started, fmt.Sprintf("%s|%s|%v", jobID, createdBy, params["region"]))
	return f.runID, nil
}

func (f *fakeJobs) Cancel(runID uuid.UUID, user string, stepIDs ...string) error {
	if !f.active[runID] {
		return fmt.Errorf("%w: %s", orchestrator.ErrRunNotActive, runID)
	}
	f.cancelled = append(f.cancelled, fmt.Sprintf("%s|%s", user, strings.Join(stepIDs, ",")))
	return nil
}

func (f *fakeJobs) ActiveRuns() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(f.active))
	for id := range f.active {
		ids = append(ids, id)
	}
	return ids
}

type fakeSchedules []domain.Schedule

func (f fakeSchedules) Schedules() []domain.Schedule { return f }

func testCatalog() *domain.Catalog {
	return &domain.Catalog{
		Jobs: []domain.Job{{
			ID:         "nightly",
			Name:       "Nightly load",
			Parameters: []domain.JobParameter{{Name: "region", Value: "eu"}},
			Steps: []domain.Step{
				{ID: "extract", Kind: domain.StepKindWait, Wait: &domain.WaitStep{}},
				{ID: "load", Kind: domain.StepKindWait, Wait: &domain.WaitStep{},
					Dependencies: []domain.Dependency{{StepID: "extract"}}},
			},
		}},
		Schedules: []domain.Schedule{{ID: "s", JobID: "nightly", CronExpr: "0 2 * * *"}},
	}
}

func newTestServer(t *testing.T, jobs *fakeJobs, store *repo.MemoryStore, schedules Schedules) *http.ServeMux {
	t.Helper()
	h := NewHandler(Config{
		Jobs:      jobs,
		Runs:      store,
		Schedules: schedules,
		Catalog:   testCatalog(),
		Logger:    slog.New(slog.DiscardHandler),
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func do(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) ErrorCode {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v (%s)", err, rec.Body.String())
	}
	return resp.Error.Code
}

func TestJobs(t *testing.T) {
	mux := newTestServer(t, &fakeJobs{}, repo.NewMemoryStore(), nil)

	rec := do(t, mux, http.MethodGet, "/api/v1/jobs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var jobs []JobResponse
	decodeData(t, rec, &jobs)
	if len(jobs) != 1 || jobs[0].ExecutionMode != domain.ExecutionModeHybrid || len(jobs[0].Steps) != 2 {
		t.Errorf("jobs = %+v", jobs)
	}

	rec = do(t, mux, http.MethodGet, "/api/v1/jobs/nightly", "")
	var job JobResponse
	decodeData(t, rec, &job)
	if job.Name != "Nightly load" || job.Steps[1].Dependencies[0].StepID != "extract" {
		t.Errorf("job = %+v", job)
	}

	rec = do(t, mux, http.MethodGet, "/api/v1/jobs/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d", rec.Code)
	}
}

func TestCreateRun(t *testing.T) {
	jobs := &fakeJobs{runID: uuid.New()}
	mux := newTestServer(t, jobs, repo.NewMemoryStore(), nil)

	rec := do(t, mux, http.MethodPost, "/api/v1/jobs/nightly/runs", `{"created_by":"alice","params":{"region":"us"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp CreateRunResponse
	decodeData(t, rec, &resp)
	if resp.RunID != jobs.runID {
		t.Errorf("run id = %s, want %s", resp.RunID, jobs.runID)
	}
	if len(jobs.started) != 1 || jobs.started[0] != "nightly|alice|us" {
		t.Errorf("started = %v", jobs.started)
	}

	// Пустое тело допустимо.
	rec = do(t, mux, http.MethodPost, "/api/v1/jobs/nightly/runs", "")
	if rec.Code != http.StatusAccepted || jobs.started[1] != "nightly|api|<nil>" {
		t.Errorf("empty body: status %d, started %v", rec.Code, jobs.started)
	}

	rec = do(t, mux, http.MethodPost, "/api/v1/jobs/ghost/runs", "{}")
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != ErrCodeNotFound {
		t.Errorf("unknown job: status %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, mux, http.MethodPost, "/api/v1/jobs/nightly/runs", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rec.Code)
	}
}

func TestGetRun(t *testing.T) {
	store := repo.NewMemoryStore()
	catalog := testCatalog()
	exec := domain.NewExecution(&catalog.Jobs[0], nil, nil, "alice", nil)
	exec.StepExecutions["extract"].CurrentAttempt().MarkFinished(domain.StepStatusFailed, "boom")
	if err := store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatal(err)
	}

	mux := newTestServer(t, &fakeJobs{}, store, nil)

	rec := do(t, mux, http.MethodGet, "/api/v1/runs/"+exec.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var run RunResponse
	decodeData(t, rec, &run)
	if run.JobID != "nightly" || run.CreatedBy != "alice" || len(run.Steps) != 2 {
		t.Fatalf("run = %+v", run)
	}
	if run.Steps[0].StepID != "extract" || run.Steps[0].Status != domain.StepStatusFailed || run.Steps[0].Error != "boom" {
		t.Errorf("extract = %+v", run.Steps[0])
	}

	if rec := do(t, mux, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodGet, "/api/v1/runs/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rec.Code)
	}
}

func TestCancelRun(t *testing.T) {
	active := uuid.New()
	jobs := &fakeJobs{active: map[uuid.UUID]bool{active: true}}
	mux := newTestServer(t, jobs, repo.NewMemoryStore(), nil)

	rec := do(t, mux, http.MethodPost, "/api/v1/runs/"+active.String()+"/cancel", `{"user":"bob","step_ids":["load"]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(jobs.cancelled) != 1 || jobs.cancelled[0] != "bob|load" {
		t.Errorf("cancelled = %v", jobs.cancelled)
	}

	rec = do(t, mux, http.MethodPost, "/api/v1/runs/"+uuid.NewString()+"/cancel", "")
	if rec.Code != http.StatusUnprocessableEntity || errorCode(t, rec) != ErrCodeInvalidState {
		t.Errorf("inactive run: status %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, mux, http.MethodGet, "/api/v1/runs/active", "")
	var ids []uuid.UUID
	decodeData(t, rec, &ids)
	if len(ids) != 1 || ids[0] != active {
		t.Errorf("active = %v", ids)
	}
}

func TestListSchedules(t *testing.T) {
	mux := newTestServer(t, &fakeJobs{}, repo.NewMemoryStore(), fakeSchedules{{ID: "live", JobID: "nightly"}})

	var schedules []domain.Schedule
	decodeData(t, do(t, mux, http.MethodGet, "/api/v1/schedules", ""), &schedules)
	if len(schedules) != 1 || schedules[0].ID != "live" {
		t.Errorf("schedules = %+v", schedules)
	}

	// Без scheduler отдаются расписания каталога.
	mux = newTestServer(t, &fakeJobs{}, repo.NewMemoryStore(), nil)
	decodeData(t, do(t, mux, http.MethodGet, "/api/v1/schedules", ""), &schedules)
	if len(schedules) != 1 || schedules[0].ID != "s" {
		t.Errorf("catalog schedules = %+v", schedules)
	}
}

func TestRecovery(t *testing.T) {
	handler := Recovery(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || errorCode(t, rec) != ErrCodeInternalError {
		t.Errorf("status = %d %s", rec.Code, rec.Body.String())
	}
}
