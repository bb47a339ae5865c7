package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"healinghands.org/datasync/internal/orchestrator"
	"healinghands.org/datasync/internal/progress"
)

type fakeRunner struct {
	mu       sync.Mutex
	current  string
	startErr error
	started  []string
	last     *orchestrator.Result
}

func (f *fakeRunner) Start(pipeline string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, pipeline)
	return nil
}

func (f *fakeRunner) Current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeRunner) Last() *orchestrator.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newTestServer(t *testing.T, runner *fakeRunner) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewServer(runner, []string{"patients", "workers", "notes"}, dir)
	return s, dir
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	s.SetupRoutes().ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t, &fakeRunner{current: "patients"})

	rr := doRequest(s, http.MethodGet, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
	if body["running"] != "patients" {
		t.Errorf("expected running pipeline in health, got %q", body["running"])
	}
}

func TestListPipelinesHandler(t *testing.T) {
	s, _ := newTestServer(t, &fakeRunner{})

	rr := doRequest(s, http.MethodGet, "/pipelines")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body struct {
		Pipelines []string `json:"pipelines"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Pipelines) != 3 || body.Pipelines[0] != "patients" {
		t.Errorf("unexpected pipelines: %v", body.Pipelines)
	}
}

func TestRunPipelineHandler(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestServer(t, runner)

	rr := doRequest(s, http.MethodPost, "/run/workers")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(runner.started) != 1 || runner.started[0] != "workers" {
		t.Errorf("expected workers to be started, got %v", runner.started)
	}
}

func TestRunPipelineHandlerUnknown(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestServer(t, runner)

	rr := doRequest(s, http.MethodPost, "/run/nonexistent")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if len(runner.started) != 0 {
		t.Errorf("unknown pipeline should not be started, got %v", runner.started)
	}
}

func TestRunPipelineHandlerConflict(t *testing.T) {
	runner := &fakeRunner{current: "notes", startErr: orchestrator.ErrAlreadyRunning}
	s, _ := newTestServer(t, runner)

	rr := doRequest(s, http.MethodPost, "/run/patients")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["running"] != "notes" {
		t.Errorf("expected conflict to name the running pipeline, got %q", body["running"])
	}
}

func TestLastRunHandler(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestServer(t, runner)

	rr := doRequest(s, http.MethodGet, "/runs/last")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no runs, got %d", rr.Code)
	}

	runner.last = &orchestrator.Result{Pipeline: "patients", Status: "SUCCESS"}
	rr = doRequest(s, http.MethodGet, "/runs/last")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var res orchestrator.Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.Pipeline != "patients" || res.Status != "SUCCESS" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestProgressHandler(t *testing.T) {
	s, dir := newTestServer(t, &fakeRunner{})

	tracker, err := progress.New(dir, "Patient Demographics", 10)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	tracker.Update(5, "halfway")

	rr := doRequest(s, http.MethodGet, "/progress")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body struct {
		Current *progress.Record  `json:"current"`
		Records []progress.Record `json:"records"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Current == nil || body.Current.ProcessName != "Patient Demographics" {
		t.Fatalf("expected current record, got %+v", body.Current)
	}
	if body.Current.ProcessedItems != 5 {
		t.Errorf("expected 5 processed items, got %d", body.Current.ProcessedItems)
	}
	if len(body.Records) != 1 {
		t.Errorf("expected 1 stored record, got %d", len(body.Records))
	}
}

func TestProgressByNameHandler(t *testing.T) {
	s, dir := newTestServer(t, &fakeRunner{})

	tracker, err := progress.New(dir, "Coordination Notes", 4)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	tracker.Complete("done")

	rr := doRequest(s, http.MethodGet, "/progress/coordination_notes")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var record progress.Record
	if err := json.NewDecoder(rr.Body).Decode(&record); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if record.Status != "completed" {
		t.Errorf("expected completed record, got %q", record.Status)
	}

	rr = doRequest(s, http.MethodGet, "/progress/unknown_process")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown process, got %d", rr.Code)
	}
}
