package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"deplight/internal/config"
	"deplight/internal/console"
	"deplight/internal/deployment"
	"deplight/internal/gateway"
	"deplight/internal/history"
	"deplight/internal/model"
	"deplight/internal/realtime"
	"deplight/internal/store"
)

const hookSecret = "kJ8mN2pQ5tR7vX1zB4cE6gH9jL3nP8qS2uW5yA7bD0fG3hK6"

type testEnv struct {
	server   *Server
	store    *store.Memory
	engine   *deployment.Engine
	rollback *deployment.RollbackController
	history  *history.History
	rooms    *realtime.Broadcaster
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.NewMemory()
	for _, ws := range []model.Workspace{
		{ID: "W1", Name: "Team One", Members: []string{"alice"}},
		{ID: "W2", Name: "Team Two", Members: []string{"bob"}},
	} {
		if err := st.CreateWorkspace(ctx, ws); err != nil {
			t.Fatalf("Failed to create workspace: %v", err)
		}
	}

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to open history: %v", err)
	}

	rooms := realtime.NewBroadcaster(logger)
	bridge := realtime.NewBridge(st, rooms, logger)
	auth := gateway.NewStaticAuthenticator(map[string]string{"tok-alice": "alice", "tok-bob": "bob"})
	gw := gateway.New(auth, st, rooms, bridge, logger)

	cfg := deployment.Config{
		StepDuration:  5 * time.Millisecond,
		ProgressTicks: 1,
		WakeDelay:     5 * time.Millisecond,
		CallTimeout:   time.Second,
	}
	deps := deployment.Deps{
		Store:     st,
		Publisher: rooms,
		Locks:     deployment.NewLockManager(),
		History:   hist,
		Logger:    logger,
	}
	engine := deployment.NewEngine(deps, deployment.Integrations{}, cfg)
	rollback := deployment.NewRollbackController(deps, nil, cfg)

	opts := Options{
		Gateway:  gw,
		Rooms:    rooms,
		Store:    st,
		Deployer: engine,
		Rollback: rollback,
		History:  hist,
		Hooks:    config.NewHookRegistry([]config.HookConfig{{DeploymentID: "shop", Secret: hookSecret}}),
		Console:  console.New(5 * time.Millisecond),
		Logger:   logger,
		TestMode: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := NewServer(opts)

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		engine.Wait()
		engine.Close()
		rollback.Wait()
		bridge.Wait()
		hist.Close()
	})

	return &testEnv{server: srv, store: st, engine: engine, rollback: rollback, history: hist, rooms: rooms}
}

// seedDeployment stores a deployment with every step completed.
func (e *testEnv) seedDeployment(t *testing.T, id, workspaceID string, status model.Status) model.Deployment {
	t.Helper()
	var kinds []model.StepKind
	for _, spec := range deployment.DefaultPipeline(deployment.Config{}) {
		kinds = append(kinds, spec.Kind)
	}
	steps := model.NewSteps(kinds, nil)
	model.CompleteAll(steps)
	d := model.Deployment{
		ID:            id,
		WorkspaceID:   workspaceID,
		Version:       "v1",
		Status:        status,
		PipelineSteps: steps,
		Reactions:     []string{},
	}
	if status == model.StatusDeploying {
		steps[len(steps)-1].Status = model.StepActive
	}
	if err := e.store.CreateDeployment(context.Background(), d); err != nil {
		t.Fatalf("Failed to seed deployment: %v", err)
	}
	return d
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func webhookRequest(t *testing.T, id string, payload []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/in/"+id, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", Sign(payload, secret))
	return req
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["hook_count"] != float64(1) {
		t.Errorf("hook_count = %v, want 1", body["hook_count"])
	}
}

func TestHandleHealthCountsRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, status := range []history.RunStatus{history.StatusSuccess, history.StatusSuccess, history.StatusFailed} {
		id, err := env.history.Start(ctx, history.RunRecord{DeploymentID: "p1", WorkspaceID: "W1", Kind: history.KindDeploy})
		if err != nil {
			t.Fatal(err)
		}
		if err := env.history.Finish(ctx, id, status, nil); err != nil {
			t.Fatal(err)
		}
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	body := decodeBody(t, rr)
	runs, ok := body["runs"].(map[string]interface{})
	if !ok {
		t.Fatalf("runs = %v", body["runs"])
	}
	deploys, _ := runs["deploy"].(map[string]interface{})
	if deploys["success"] != float64(2) || deploys["failed"] != float64(1) {
		t.Errorf("runs.deploy = %v, want success=2 failed=1", deploys)
	}
	if rollbacks, _ := runs["rollback"].(map[string]interface{}); len(rollbacks) != 0 {
		t.Errorf("runs.rollback = %v, want empty", rollbacks)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("deplight_runs_started_total 3\n"))
	})

	env := newTestEnv(t, func(o *Options) { o.Metrics = metrics })
	rr := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "deplight_runs_started_total 3\n" {
		t.Errorf("GET /metrics = %d %q", rr.Code, rr.Body.String())
	}

	env = newTestEnv(t, nil)
	if rr := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil)); rr.Code != http.StatusNotFound {
		t.Errorf("GET /metrics without a handler = %d, want 404", rr.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedDeployment(t, "shop", "W1", model.StatusHealthy)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"known", "/status/shop", http.StatusOK},
		{"unknown", "/status/nope", http.StatusNotFound},
		{"invalid id", "/status/bad.id", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rr.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}

	body := decodeBody(t, env.do(httptest.NewRequest(http.MethodGet, "/status/shop", nil)))
	if body["status"] != string(model.StatusHealthy) || body["overall_progress"] != float64(100) {
		t.Errorf("status body = %v", body)
	}
	if _, ok := body["recent_runs"]; !ok {
		t.Error("status body has no recent_runs")
	}
}

func TestHandleWebhookRejections(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedDeployment(t, "shop", "W1", model.StatusHealthy)
	payload := []byte(`{"ref":"refs/heads/main","after":"0123456789abcdef"}`)

	tests := []struct {
		name    string
		req     func() *http.Request
		want    int
		wantMsg string
	}{
		{
			name:    "unknown deployment",
			req:     func() *http.Request { return webhookRequest(t, "other", payload, hookSecret) },
			want:    http.StatusNotFound,
			wantMsg: "Unknown deployment",
		},
		{
			name:    "invalid signature",
			req:     func() *http.Request { return webhookRequest(t, "shop", payload, "wrong-secret") },
			want:    http.StatusForbidden,
			wantMsg: "Invalid signature",
		},
		{
			name: "invalid content type",
			req: func() *http.Request {
				r := webhookRequest(t, "shop", payload, hookSecret)
				r.Header.Set("Content-Type", "text/plain")
				return r
			},
			want:    http.StatusUnsupportedMediaType,
			wantMsg: "Invalid content type",
		},
		{
			name: "payload too large",
			req: func() *http.Request {
				return webhookRequest(t, "shop", make([]byte, MaxPayloadBytes+1), hookSecret)
			},
			want:    http.StatusRequestEntityTooLarge,
			wantMsg: "Payload too large",
		},
		{
			name: "invalid json",
			req: func() *http.Request {
				return webhookRequest(t, "shop", []byte(`{not json`), hookSecret)
			},
			want:    http.StatusBadRequest,
			wantMsg: "Invalid JSON payload",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(tt.req())
			if rr.Code != tt.want {
				t.Fatalf("Expected status %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if got := decodeBody(t, rr)["error"]; got != tt.wantMsg {
				t.Errorf("error = %v, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestHandleWebhookSkips(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedDeployment(t, "shop", "W1", model.StatusHealthy)

	req := webhookRequest(t, "shop", []byte(`{"ref":"refs/heads/feature"}`), hookSecret)
	rr := env.do(req)
	if rr.Code != http.StatusOK || decodeBody(t, rr)["message"] != "Not target branch, skipping" {
		t.Errorf("other branch: %d %s", rr.Code, rr.Body.String())
	}

	req = webhookRequest(t, "shop", []byte(`{}`), hookSecret)
	req.Header.Set("X-GitHub-Event", "ping")
	rr = env.do(req)
	if rr.Code != http.StatusOK || decodeBody(t, rr)["message"] != "Ignoring non-push event" {
		t.Errorf("ping: %d %s", rr.Code, rr.Body.String())
	}
}

func TestHandleWebhookRedeploys(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedDeployment(t, "shop", "W1", model.StatusHealthy)
	payload := []byte(`{"ref":"refs/heads/main","after":"0123456789abcdef","pusher":{"name":"carol"}}`)

	rr := env.do(webhookRequest(t, "shop", payload, hookSecret))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["deployment_id"] != "shop" || body["version"] != "0123456" {
		t.Errorf("body = %v", body)
	}

	env.engine.Wait()

	d, err := env.store.GetDeployment(context.Background(), "shop")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != model.StatusHealthy || d.Version != "0123456" {
		t.Errorf("deployment = %s %s, want HEALTHY 0123456", d.Status, d.Version)
	}

	latest, err := env.history.Latest(context.Background(), "shop")
	if err != nil || latest == nil {
		t.Fatalf("Latest() = %v, %v", latest, err)
	}
	if latest.Actor != "webhook:carol" || latest.Status != history.StatusSuccess {
		t.Errorf("latest run = %+v", latest)
	}
}

func TestHandleWebhookConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedDeployment(t, "shop", "W1", model.StatusDeploying)

	rr := env.do(webhookRequest(t, "shop", []byte(`{"ref":"refs/heads/main"}`), hookSecret))
	if rr.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestStaticFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0644); err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, func(o *Options) { o.StaticDir = dir })

	tests := []struct {
		path string
		want string
	}{
		{"/app.js", "console.log(1)"},
		{"/workspace/W1", "<html>app</html>"},
		{"/", "<html>app</html>"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := env.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rr.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", rr.Code)
			}
			if rr.Body.String() != tt.want {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.want)
			}
		})
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.ErrAuth, http.StatusUnauthorized},
		{model.ErrAuthorization, http.StatusForbidden},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrConflict, http.StatusConflict},
		{model.Validationf("bad"), http.StatusBadRequest},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0, 2)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of 2 refused")
	}
	if rl.Allow("a") {
		t.Error("third request allowed with zero refill")
	}
	if !rl.Allow("b") {
		t.Error("separate key shares a bucket")
	}
	rl.Forget("a")
	if !rl.Allow("a") {
		t.Error("Forget did not reset the bucket")
	}
}
