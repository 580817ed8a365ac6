package lopata

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeWorkerConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "wrangler.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// newTestRuntime builds and starts a runtime over a temp data dir. The
// returned runtime is closed when the test ends.
func newTestRuntime(t *testing.T, configJSON string, worker *Worker) *Runtime {
	t.Helper()
	dir := t.TempDir()
	path := writeWorkerConfig(t, dir, configJSON)
	cfg := &ServerConfig{
		Host:       "127.0.0.1",
		Port:       8787,
		DataDir:    filepath.Join(dir, "data"),
		ConfigPath: path,
	}
	rt, err := NewRuntime(cfg, worker, discardLogger())
	if err != nil {
		t.Fatalf("building runtime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		_ = rt.Close()
		cancel()
		t.Fatalf("starting runtime: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Close()
		cancel()
	})
	return rt
}

func TestRuntimeBindings(t *testing.T) {
	worker := &Worker{
		Fetch: func(ctx context.Context, req *http.Request, env *Env) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK}, nil
		},
		DurableObjects: map[string]func(state *DurableObjectState, env *Env) any{
			"Counter": func(state *DurableObjectState, env *Env) any { return &counterObject{state: state} },
		},
		Workflows: map[string]WorkflowEntrypoint{
			"order-flow": func(ctx context.Context, event *WorkflowEvent, step *WorkflowStep) (any, error) {
				return nil, nil
			},
		},
	}
	rt := newTestRuntime(t, `{
		"name": "app",
		"vars": {"MODE": "dev"},
		"kv_namespaces": [{"binding": "KV", "id": "app-kv"}],
		"r2_buckets": [{"binding": "FILES", "bucket_name": "files"}],
		"d1_databases": [{"binding": "DB", "database_name": "app"}],
		"queues": {"producers": [{"binding": "JOBS", "queue": "jobs"}]},
		"durable_objects": {"bindings": [{"name": "COUNTER", "class_name": "Counter"}]},
		"workflows": [{"binding": "ORDERS", "name": "order-flow"}],
		"send_email": [{"name": "MAIL"}],
		"analytics_engine_datasets": [{"binding": "METRICS", "dataset": "requests"}],
		"ai": {"binding": "AI"}
	}`, worker)

	env := rt.Env()
	if env.Var("MODE") != "dev" {
		t.Fatalf("MODE = %q", env.Var("MODE"))
	}
	if env.KV("KV") == nil || env.R2("FILES") == nil || env.D1("DB") == nil {
		t.Fatalf("storage bindings missing")
	}
	if env.Queue("JOBS") == nil || env.DurableObject("COUNTER") == nil || env.Workflow("ORDERS") == nil {
		t.Fatalf("compute bindings missing")
	}
	if env.Email("MAIL") == nil || env.Analytics("METRICS") == nil || env.AI() == nil {
		t.Fatalf("supporting bindings missing")
	}
	if env.Caches() == nil {
		t.Fatalf("cache registry missing")
	}
	if env.KV("NOPE") != nil || env.Queue("NOPE") != nil {
		t.Fatalf("unknown bindings resolved")
	}
	if rt.Config().Name != "app" {
		t.Fatalf("config name = %q", rt.Config().Name)
	}
}

func TestRuntimeDevVarsOverrideConfigVars(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkerConfig(t, dir, `{"name": "app", "vars": {"MODE": "from-config", "KEEP": "yes"}}`)
	content := "MODE=from-dev-vars\nSECRET=hunter2\n"
	if err := os.WriteFile(filepath.Join(dir, ".dev.vars"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing .dev.vars: %v", err)
	}
	cfg := &ServerConfig{DataDir: filepath.Join(dir, "data"), ConfigPath: path}
	rt, err := NewRuntime(cfg, &Worker{}, discardLogger())
	if err != nil {
		t.Fatalf("building runtime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("starting runtime: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Close()
		cancel()
	})

	env := rt.Env()
	if env.Var("MODE") != "from-dev-vars" {
		t.Fatalf("MODE = %q", env.Var("MODE"))
	}
	if env.Var("KEEP") != "yes" || env.Var("SECRET") != "hunter2" {
		t.Fatalf("vars = %q / %q", env.Var("KEEP"), env.Var("SECRET"))
	}
}

func TestRuntimeHandleFetch(t *testing.T) {
	worker := &Worker{
		Fetch: func(ctx context.Context, req *http.Request, env *Env) (*http.Response, error) {
			if err := env.KV("KV").Put(ctx, "visited", []byte(req.URL.Path), nil); err != nil {
				return nil, err
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": []string{"text/plain"}},
				Body:       io.NopCloser(strings.NewReader("hello")),
			}, nil
		},
	}
	rt := newTestRuntime(t, `{"name": "app", "kv_namespaces": [{"binding": "KV", "id": "app-kv"}]}`, worker)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/greet", nil)
	resp, err := rt.HandleFetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Fatalf("response = %d %q", resp.StatusCode, body)
	}
	val, err := rt.Env().KV("KV").Get(context.Background(), "visited", nil)
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if val.Text() != "/greet" {
		t.Fatalf("kv value = %q", val.Text())
	}
}

func TestRuntimeHandleFetchPanicBecomesError(t *testing.T) {
	worker := &Worker{
		Fetch: func(ctx context.Context, req *http.Request, env *Env) (*http.Response, error) {
			panic("boom")
		},
	}
	rt := newTestRuntime(t, `{"name": "app"}`, worker)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	if _, err := rt.HandleFetch(context.Background(), req); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("got %v, want panic converted to error", err)
	}
	// The panic lands in the error log with a stack.
	waitFor(t, func() bool {
		var n int
		if err := rt.Store().DB.QueryRow(
			`SELECT COUNT(*) FROM error_log WHERE message LIKE '%boom%' AND stack != ''`).Scan(&n); err != nil {
			return false
		}
		return n >= 1
	})
}

func TestRuntimeHandleFetchWithoutHandler(t *testing.T) {
	rt := newTestRuntime(t, `{"name": "app"}`, &Worker{})
	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	if _, err := rt.HandleFetch(context.Background(), req); !IsValidation(err) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestRuntimeTriggerScheduled(t *testing.T) {
	var gotCron atomic.Value
	worker := &Worker{
		Scheduled: func(ctx context.Context, event *ScheduledEvent, env *Env) error {
			gotCron.Store(event.Cron + "@" + event.ScheduledTime.UTC().Format(time.RFC3339))
			return nil
		},
	}
	// No triggers configured, so the manual trigger takes the one-shot
	// path.
	rt := newTestRuntime(t, `{"name": "app"}`, worker)

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := rt.TriggerScheduled(context.Background(), "*/5 * * * *", at); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got := gotCron.Load(); got != "*/5 * * * *@2024-06-01T12:00:00Z" {
		t.Fatalf("event = %v", got)
	}
}

func TestRuntimeQueueEndToEnd(t *testing.T) {
	var gotBody atomic.Value
	worker := &Worker{
		Queue: func(ctx context.Context, batch *QueueMessageBatch, env *Env) error {
			for _, m := range batch.Messages {
				gotBody.Store(m.Text())
				m.Ack()
			}
			return nil
		},
	}
	rt := newTestRuntime(t, `{
		"name": "app",
		"queues": {
			"producers": [{"binding": "JOBS", "queue": "jobs"}],
			"consumers": [{"queue": "jobs", "max_batch_size": 1}]
		}
	}`, worker)

	if err := rt.Env().Queue("JOBS").Send(context.Background(), "work item", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool {
		v, _ := gotBody.Load().(string)
		return strings.Contains(v, "work item")
	})
}

func TestRuntimeRejectsUnregisteredClasses(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name   string
		config string
	}{
		{"durable object", `{"name": "app", "durable_objects": {"bindings": [{"name": "C", "class_name": "Missing"}]}}`},
		{"workflow", `{"name": "app", "workflows": [{"binding": "W", "name": "missing-flow"}]}`},
		{"queue consumer without handler", `{"name": "app", "queues": {"consumers": [{"queue": "jobs"}]}}`},
	}
	for _, c := range cases {
		path := writeWorkerConfig(t, t.TempDir(), c.config)
		cfg := &ServerConfig{DataDir: filepath.Join(dir, "data-"+c.name), ConfigPath: path}
		if _, err := NewRuntime(cfg, &Worker{}, discardLogger()); !IsValidation(err) {
			t.Errorf("%s: got %v, want validation error", c.name, err)
		}
	}
}

func TestRuntimeReloadSwapsEnv(t *testing.T) {
	worker := &Worker{}
	dir := t.TempDir()
	path := writeWorkerConfig(t, dir, `{"name": "app", "vars": {"MODE": "before"}}`)
	cfg := &ServerConfig{DataDir: filepath.Join(dir, "data"), ConfigPath: path}
	rt, err := NewRuntime(cfg, worker, discardLogger())
	if err != nil {
		t.Fatalf("building runtime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("starting runtime: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Close()
		cancel()
	})

	before := rt.Env()
	if before.Var("MODE") != "before" {
		t.Fatalf("MODE = %q", before.Var("MODE"))
	}
	writeWorkerConfig(t, dir, `{"name": "app", "vars": {"MODE": "after"}, "kv_namespaces": [{"binding": "KV", "id": "new"}]}`)
	if err := rt.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after := rt.Env()
	if after == before {
		t.Fatalf("env not swapped")
	}
	if after.Var("MODE") != "after" || after.KV("KV") == nil {
		t.Fatalf("reloaded env = %q / %v", after.Var("MODE"), after.KV("KV"))
	}
}

func TestRuntimeReloadKeepsPreviousConfigOnError(t *testing.T) {
	worker := &Worker{}
	dir := t.TempDir()
	path := writeWorkerConfig(t, dir, `{"name": "app", "vars": {"MODE": "good"}}`)
	cfg := &ServerConfig{DataDir: filepath.Join(dir, "data"), ConfigPath: path}
	rt, err := NewRuntime(cfg, worker, discardLogger())
	if err != nil {
		t.Fatalf("building runtime: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("starting runtime: %v", err)
	}
	t.Cleanup(func() {
		_ = rt.Close()
		cancel()
	})

	writeWorkerConfig(t, dir, `{"vars": {"MODE": "broken"}}`)
	if err := rt.reload(); err == nil {
		t.Fatalf("config without a name accepted")
	}
	if rt.Env().Var("MODE") != "good" {
		t.Fatalf("broken reload replaced the environment")
	}
}
