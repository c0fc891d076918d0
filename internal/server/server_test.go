package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/itstheanurag/haskbot/internal/config"
	"github.com/itstheanurag/haskbot/internal/executor"
	"github.com/itstheanurag/haskbot/internal/format"
	"github.com/itstheanurag/haskbot/internal/languages"
	"github.com/itstheanurag/haskbot/internal/limiter"
	"github.com/itstheanurag/haskbot/internal/queue"
	"github.com/itstheanurag/haskbot/internal/report"
	"github.com/itstheanurag/haskbot/internal/sandbox"
	"github.com/itstheanurag/haskbot/internal/worker"
	"github.com/rs/zerolog"
)

type fakeExecutor struct {
	got  executor.Request
	resp worker.Response
}

func (e *fakeExecutor) Execute(ctx context.Context, req executor.Request) worker.Response {
	e.got = req
	return e.resp
}

type fakeHistory struct {
	limit   int
	reports []report.Report
	err     error
}

func (h *fakeHistory) Recent(ctx context.Context, limit int) ([]report.Report, error) {
	h.limit = limit
	return h.reports, h.err
}

func newTestServer(exec Executor, history History) http.Handler {
	return newTestServerWithConfig(config.Defaults().Server, exec, history)
}

func newTestServerWithConfig(conf config.ServerConfig, exec Executor, history History) http.Handler {
	logger := zerolog.Nop()
	return New(conf, exec, languages.NewRegistry("ghc"), history, &logger).Handler()
}

func postExecute(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, ExecutionResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	req.RemoteAddr = "198.51.100.4:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out ExecutionResponse
	if rec.Code != http.StatusBadRequest {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(&fakeExecutor{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("GET /health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(&fakeExecutor{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
}

func TestExecuteRuntimeOutput(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{resp: worker.Response{
		Payload: format.Payload{Text: "hi"},
		Outcome: &executor.Outcome{
			Kind:   executor.KindRuntimeOutput,
			Stdout: "hi\n",
			Result: &sandbox.Result{Status: sandbox.StatusSuccess},
		},
	}}

	rec, out := postExecute(t, newTestServer(exec, nil), `{"language":"hs","source_code":"main = putStrLn \"hi\""}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := ExecutionResponse{Kind: "runtime_output", Text: "hi", Stdout: "hi\n", Status: "success"}
	if diff := cmp.Diff(want, out, cmpopts.IgnoreFields(ExecutionResponse{}, "RequestID")); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if out.RequestID != exec.got.ID {
		t.Errorf("request_id = %q, want %q", out.RequestID, exec.got.ID)
	}
	if exec.got.RequesterID != "ip:198.51.100.4" || exec.got.Source != `main = putStrLn "hi"` {
		t.Errorf("request = %+v", exec.got)
	}
}

func TestExecuteRuntimeError(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{resp: worker.Response{
		Payload: format.Payload{Text: "Timed out after 5s"},
		Outcome: &executor.Outcome{
			Kind:   executor.KindRuntimeError,
			Result: &sandbox.Result{Status: sandbox.StatusTimedOut, ExitCode: -1, Stdout: "1\n2\n"},
		},
	}}

	_, out := postExecute(t, newTestServer(exec, nil), `{"source_code":"main = let loop = loop in loop"}`)
	if out.Kind != "runtime_error" || out.Status != "timed_out" || out.ExitCode != -1 || out.Stdout != "1\n2\n" {
		t.Errorf("response = %+v", out)
	}
	if exec.got.Language != "haskell" {
		t.Errorf("default language = %q", exec.got.Language)
	}
}

func TestExecuteRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err      error
		wantCode int
		wantKind string
	}{
		{limiter.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{queue.ErrQueueTimeout, http.StatusServiceUnavailable, "busy"},
		{worker.ErrShuttingDown, http.StatusServiceUnavailable, "busy"},
		{context.Canceled, http.StatusServiceUnavailable, "cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.wantKind+"/"+tt.err.Error(), func(t *testing.T) {
			exec := &fakeExecutor{resp: worker.Response{Payload: format.Payload{Text: "nope"}, Err: tt.err}}
			rec, out := postExecute(t, newTestServer(exec, nil), `{"language":"hs","source_code":"main = pure ()"}`)
			if rec.Code != tt.wantCode || out.Kind != tt.wantKind || out.Text != "nope" {
				t.Errorf("got %d %+v", rec.Code, out)
			}
		})
	}
}

func TestExecuteBadRequest(t *testing.T) {
	t.Parallel()

	rec, _ := postExecute(t, newTestServer(&fakeExecutor{}, nil), `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	newTestServer(&fakeExecutor{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/execute", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /execute = %d, want 405", rec.Code)
	}
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	rec, _ := postExecute(t, newTestServer(exec, nil), `{"language":"lang-42","source_code":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if exec.got.ID != "" {
		t.Errorf("unsupported language reached the executor: %+v", exec.got)
	}
}

func TestExecuteRequesterFromTrustedProxy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		trusted []string
		want    string
	}{
		{"forwarded header ignored by default", nil, "ip:198.51.100.4"},
		{"forwarded header from trusted proxy", []string{"198.51.100.0/24"}, "ip:203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := config.Defaults().Server
			conf.TrustedProxies = tt.trusted
			exec := &fakeExecutor{resp: worker.Response{Err: limiter.ErrRateLimited}}

			req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"source_code":"main = pure ()"}`))
			req.RemoteAddr = "198.51.100.4:40000"
			req.Header.Set("X-Forwarded-For", "203.0.113.9")
			newTestServerWithConfig(conf, exec, nil).ServeHTTP(httptest.NewRecorder(), req)

			if exec.got.RequesterID != tt.want {
				t.Errorf("requester = %q, want %q", exec.got.RequesterID, tt.want)
			}
		})
	}
}

func TestLanguages(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(&fakeExecutor{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/languages", nil))

	var got []struct {
		ID      string   `json:"id"`
		Aliases []string `json:"aliases"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "haskell" {
		t.Fatalf("languages = %+v", got)
	}
}

func TestExecutions(t *testing.T) {
	t.Parallel()

	finished := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{reports: []report.Report{{RequestID: "r1", Outcome: "compile_error", FinishedAt: finished}}}
	h := newTestServer(&fakeExecutor{}, history)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions?limit=1000", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if history.limit != maxRecentLimit {
		t.Errorf("limit = %d, want clamp to %d", history.limit, maxRecentLimit)
	}
	var got []report.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(history.reports, got); diff != "" {
		t.Errorf("reports mismatch (-want +got):\n%s", diff)
	}

	history.err = errors.New("db down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestExecutionsNotServedWithoutHistory(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer(&fakeExecutor{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
