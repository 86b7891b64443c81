package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	tfhttp "github.com/Strob0t/taskforge/internal/adapter/http"
	"github.com/Strob0t/taskforge/internal/adapter/memory"
	"github.com/Strob0t/taskforge/internal/config"
	"github.com/Strob0t/taskforge/internal/domain/execution"
	"github.com/Strob0t/taskforge/internal/domain/task"
	"github.com/Strob0t/taskforge/internal/port/classifier"
	"github.com/Strob0t/taskforge/internal/service"
	"github.com/Strob0t/taskforge/internal/strategy"
)

type stubClassifier struct{}

func (stubClassifier) Classify(context.Context, string) (classifier.Classification, error) {
	return classifier.Classification{Type: task.TypeBugFix, Complexity: task.ComplexitySimple, Confidence: 0.9}, nil
}

// parked blocks every task until its context ends.
type parked struct{}

func (parked) Execute(ctx context.Context, _ *task.Task, _ strategy.Input) (*execution.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type testServer struct {
	*httptest.Server
	store *memory.Store
}

func newTestServer(t *testing.T, checks ...tfhttp.HealthCheck) *testServer {
	t.Helper()
	store := memory.NewStore()
	reg := strategy.NewRegistry()
	reg.Register(execution.StrategySingleShot, parked{})

	cfg := config.Defaults().Orchestrator
	cfg.ClassifyBackoff = time.Millisecond
	orch := service.NewOrchestratorService(store, nil, stubClassifier{}, reg, cfg, nil)
	d := service.NewDispatcherService(orch, nil, 4)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	tfhttp.MountRoutes(r, &tfhttp.Handlers{
		Tasks:  service.NewTaskService(store, nil, d),
		Checks: checks,
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		d.Stop()
	})
	return &testServer{Server: srv, store: store}
}

func (s *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestCreateAndGetTask(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodPost, "/api/v1/tasks",
		`{"user_id":"u1","title":"Fix login","description":"NRE on reset","budget_usd":1.5}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decode[task.Task](t, resp)
	if created.ID == "" || created.BudgetUSD != 1.5 {
		t.Fatalf("unexpected task: %+v", created)
	}

	resp = srv.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[task.Task](t, resp)
	if got.ID != created.ID || got.Title != "Fix login" {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodPost, "/api/v1/tasks", `{"user_id":"u1","title":"","description":"d"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if !strings.Contains(body["error"], "title") {
		t.Fatalf("expected error naming title, got %q", body["error"])
	}

	resp = srv.do(t, http.MethodPost, "/api/v1/tasks", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.do(t, http.MethodGet, "/api/v1/tasks/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelTask(t *testing.T) {
	srv := newTestServer(t)

	created := decode[task.Task](t, srv.do(t, http.MethodPost, "/api/v1/tasks",
		`{"user_id":"u1","title":"t","description":"d"}`))

	resp := srv.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/cancel", `{"reason":"changed my mind"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := srv.store.LoadTask(context.Background(), created.ID)
		if err == nil && got.Status == task.StatusCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task not cancelled: %+v, %v", got, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp = srv.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for terminal task, got %d", resp.StatusCode)
	}
	resp = srv.do(t, http.MethodPost, "/api/v1/tasks/missing/cancel", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListTasks(t *testing.T) {
	srv := newTestServer(t)
	for range 3 {
		srv.do(t, http.MethodPost, "/api/v1/tasks", `{"user_id":"lister","title":"t","description":"d"}`)
	}

	resp := srv.do(t, http.MethodGet, "/api/v1/tasks?user_id=lister&limit=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := decode[[]task.Task](t, resp); len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}

	if resp := srv.do(t, http.MethodGet, "/api/v1/tasks", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without user_id, got %d", resp.StatusCode)
	}
	if resp := srv.do(t, http.MethodGet, "/api/v1/tasks?user_id=x&limit=abc", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, tfhttp.HealthCheck{Name: "store", Check: func(context.Context) error { return nil }})
	resp := srv.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}

	down := newTestServer(t, tfhttp.HealthCheck{Name: "nats", Check: func(context.Context) error { return errors.New("disconnected") }})
	resp = down.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
