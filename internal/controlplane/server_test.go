package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/engine"
	"github.com/opsdeck/opsdeck/internal/hub"
	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/opsdeck/opsdeck/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

// fakeEngine keeps orders in memory. Every created order is queued; GetOrder
// returns the terminal snapshot produced by finish, if any.
type fakeEngine struct {
	mu       sync.Mutex
	seq      int
	orders   map[string]models.Order
	terminal map[string]models.Order
	created  []models.OrderRequest
	logs     map[string]string
	caps     map[string]map[string]string
	puts     int
	finish   func(req models.OrderRequest, o models.Order) models.Order
	err      error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		orders:   make(map[string]models.Order),
		terminal: make(map[string]models.Order),
		logs:     make(map[string]string),
		caps:     make(map[string]map[string]string),
	}
}

func (f *fakeEngine) ListRunners(ctx context.Context) ([]models.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []models.Runner{{ID: "r1", Name: "edge-1", Status: "online"}}, nil
}

func (f *fakeEngine) GetRunner(ctx context.Context, runnerID string) (*models.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &models.Runner{ID: runnerID, Status: "online"}, nil
}

func (f *fakeEngine) ResetRunnerToken(ctx context.Context, runnerID string) (*models.RunnerToken, error) {
	return &models.RunnerToken{RunnerID: runnerID, Token: "tok-new"}, nil
}

func (f *fakeEngine) GetCapabilities(ctx context.Context, runnerID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.caps[runnerID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeEngine) PutCapabilities(ctx context.Context, runnerID string, caps map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps[runnerID] = caps
	f.puts++
	return nil
}

func (f *fakeEngine) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.seq++
	now := time.Now().UTC()
	o := models.Order{
		ID:        fmt.Sprintf("ord-%d", f.seq),
		RunnerID:  req.RunnerID,
		Key:       req.Key,
		Params:    req.Params,
		Status:    models.OrderStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.orders[o.ID] = o
	f.created = append(f.created, req)
	if f.finish != nil {
		done := f.finish(req, o)
		done.UpdatedAt = now.Add(time.Second)
		f.terminal[o.ID] = done
	}
	return &o, nil
}

func (f *fakeEngine) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if o, ok := f.terminal[orderID]; ok {
		return &o, nil
	}
	o, ok := f.orders[orderID]
	if !ok {
		return nil, &engine.Error{Kind: engine.KindProxy, Status: http.StatusNotFound, Message: "order not found"}
	}
	return &o, nil
}

func (f *fakeEngine) CancelOrder(ctx context.Context, orderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, &engine.Error{Kind: engine.KindProxy, Status: http.StatusNotFound, Message: "order not found"}
	}
	o.Status = models.OrderStatusCancelled
	o.UpdatedAt = time.Now().UTC()
	f.terminal[orderID] = o
	return &o, nil
}

func (f *fakeEngine) ListRunnerOrders(ctx context.Context, runnerID string, limit int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.RunnerID == runnerID && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeEngine) GetOrderLogs(ctx context.Context, orderID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[orderID], nil
}

func (f *fakeEngine) Raw(ctx context.Context, proxy string, req engine.Request) (json.RawMessage, error) {
	if !engine.ValidProxy(proxy) {
		return nil, &engine.Error{Kind: engine.KindProxy, Status: http.StatusNotFound, Message: "unknown proxy"}
	}
	return json.RawMessage(`{"echo":"` + req.Path + `"}`), nil
}

func (f *fakeEngine) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeEngine) createdRequests() []models.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderRequest(nil), f.created...)
}

type testEnv struct {
	store   *store.Store
	engine  *fakeEngine
	hub     *hub.Hub
	service *Service
	server  *Server
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t, goleak.IgnoreCurrent()) })

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	h := hub.New(zap.NewNop(), hub.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = h.Run(ctx)
	}()
	st.SetNotifier(h)

	eng := newFakeEngine()
	svc := NewService(st, audit.NewWriter(st), eng, h, zap.NewNop(), Config{PollInterval: 5 * time.Millisecond})
	srv := NewServer(svc, "127.0.0.1:0", zap.NewNop())

	t.Cleanup(func() {
		svc.Close()
		cancel()
		<-hubDone
		st.Close()
	})

	return &testEnv{store: st, engine: eng, hub: h, service: svc, server: srv, handler: srv.Handler()}
}

type response struct {
	Status int
	Body   Envelope
}

func (e *testEnv) do(t *testing.T, method, path string, body any) response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	var env Envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env), "body for %s %s", method, path)
	return response{Status: w.Code, Body: env}
}

func (r response) into(t *testing.T, v any) {
	t.Helper()
	require.True(t, r.Body.Success, "expected success, got %+v", r.Body.Error)
	require.NoError(t, json.Unmarshal(r.Body.Data, v))
}

func (e *testEnv) createServer(t *testing.T, name, runnerID string) models.Server {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/servers", models.Server{Name: name, Host: name + ".example.com", RunnerID: runnerID})
	require.Equal(t, http.StatusCreated, resp.Status)
	var srv models.Server
	resp.into(t, &srv)
	return srv
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.Status)

	var health HealthResponse
	resp.into(t, &health)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.NotEmpty(t, health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Close())

	resp := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Data, &health))
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestServers_CRUDAndErrors(t *testing.T) {
	env := newTestEnv(t)

	srv := env.createServer(t, "web-1", "")

	dup := env.do(t, http.MethodPost, "/api/servers", models.Server{Name: "web-1", Host: "other"})
	assert.Equal(t, http.StatusConflict, dup.Status)
	require.NotNil(t, dup.Body.Error)
	assert.Equal(t, "conflict", dup.Body.Error.Kind)

	invalid := env.do(t, http.MethodPost, "/api/servers", models.Server{Name: "no-host"})
	assert.Equal(t, http.StatusBadRequest, invalid.Status)

	runner := "r1"
	upd := env.do(t, http.MethodPatch, "/api/servers/"+srv.ID, ServerUpdate{RunnerID: &runner})
	require.Equal(t, http.StatusOK, upd.Status)
	var updated models.Server
	upd.into(t, &updated)
	assert.Equal(t, "r1", updated.RunnerID)
	assert.Equal(t, "web-1", updated.Name)

	list := env.do(t, http.MethodGet, "/api/servers", nil)
	var servers []models.Server
	list.into(t, &servers)
	assert.Len(t, servers, 1)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/api/servers/"+srv.ID, nil).Status)
	missing := env.do(t, http.MethodGet, "/api/servers/"+srv.ID, nil)
	assert.Equal(t, http.StatusNotFound, missing.Status)
	assert.Equal(t, "not_found", missing.Body.Error.Kind)
}

func TestSubmitOrder_RequiresApprovedPlaybook(t *testing.T) {
	env := newTestEnv(t)

	pb := env.do(t, http.MethodPost, "/api/playbooks", map[string]any{
		"key": "ops.restart", "title": "Restart", "entrypoint": "restart.sh", "author": "ana",
	})
	require.Equal(t, http.StatusCreated, pb.Status)

	req := models.OrderRequest{RunnerID: "r1", Key: "ops.restart"}
	denied := env.do(t, http.MethodPost, "/api/orders", req)
	assert.Equal(t, http.StatusForbidden, denied.Status)
	assert.Empty(t, env.engine.createdRequests())

	for _, action := range []string{"submit", "approve"} {
		resp := env.do(t, http.MethodPost, "/api/playbooks/ops.restart/"+action, nil)
		require.Equal(t, http.StatusOK, resp.Status, action)
	}

	accepted := env.do(t, http.MethodPost, "/api/orders", req)
	require.Equal(t, http.StatusCreated, accepted.Status)
	var order models.Order
	accepted.into(t, &order)
	assert.Equal(t, models.OrderStatusQueued, order.Status)

	// A key with no local playbook is a predefined engine command.
	builtin := env.do(t, http.MethodPost, "/api/orders", models.OrderRequest{RunnerID: "r1", Key: "system.info"})
	assert.Equal(t, http.StatusCreated, builtin.Status)

	assert.Len(t, env.engine.createdRequests(), 2)
}

func TestSubmitOrder_Validation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/orders", models.OrderRequest{Key: "system.info"})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "validation", resp.Body.Error.Kind)
}

func TestEngineErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"auth", &engine.Error{Kind: engine.KindAuth, Status: 401, Message: "bad token"}, 401, "auth"},
		{"forbidden", &engine.Error{Kind: engine.KindAuth, Status: 403, Message: "denied"}, 403, "auth"},
		{"proxy", &engine.Error{Kind: engine.KindProxy, Status: 422, Message: "bad key"}, 422, "proxy"},
		{"server", &engine.Error{Kind: engine.KindServer, Status: 503, Message: "down"}, 502, "server"},
		{"network", &engine.Error{Kind: engine.KindNetwork, Message: "refused"}, 502, "network"},
		{"unknown", &engine.Error{Kind: engine.KindUnknown, Status: 200, Message: "garbled"}, 500, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.engine.setErr(fmt.Errorf("list runners: %w", tt.err))

			resp := env.do(t, http.MethodGet, "/api/runners", nil)
			assert.Equal(t, tt.status, resp.Status)
			require.NotNil(t, resp.Body.Error)
			assert.False(t, resp.Body.Success)
			assert.Equal(t, tt.kind, resp.Body.Error.Kind)
			assert.Equal(t, tt.status, resp.Body.Error.Status)
		})
	}
}

func TestWatch_PublishesTerminalOrder(t *testing.T) {
	env := newTestEnv(t)
	env.engine.finish = func(req models.OrderRequest, o models.Order) models.Order {
		o.Status = models.OrderStatusSucceeded
		return o
	}

	sub := env.service.Subscribe()
	require.NotNil(t, sub)
	defer sub.Close()

	order, err := env.service.SubmitOrder(context.Background(), models.OrderRequest{RunnerID: "r1", Key: "system.info"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.Kind == hub.EventOrder && ev.Order.ID == order.ID && ev.Order.Status == models.OrderStatusSucceeded {
				require.Eventually(t, func() bool { return len(env.service.Watches()) == 0 }, time.Second, 5*time.Millisecond)
				return
			}
		case <-deadline:
			t.Fatal("terminal order was not published")
		}
	}
}

func TestSyncCapabilities_MergesProbeOutput(t *testing.T) {
	env := newTestEnv(t)
	env.engine.caps["r1"] = map[string]string{"docker.installed": "verified", "custom.tool": "installed"}
	env.engine.finish = func(req models.OrderRequest, o models.Order) models.Order {
		env.engine.logs[o.ID] = "Docker version 24.0.5, build ced0996\ngit version 2.40.1\n"
		o.Status = models.OrderStatusSucceeded
		return o
	}

	resp := env.do(t, http.MethodPost, "/api/runners/r1/capabilities/sync", nil)
	require.Equal(t, http.StatusAccepted, resp.Status)

	reqs := env.engine.createdRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, KeyCapabilityProbe, reqs[0].Key)
	assert.NotEmpty(t, reqs[0].Params["script"])

	require.Eventually(t, func() bool {
		env.engine.mu.Lock()
		defer env.engine.mu.Unlock()
		return env.engine.puts == 1
	}, 2*time.Second, 5*time.Millisecond)

	caps, err := env.engine.GetCapabilities(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"docker.installed": "verified",
		"custom.tool":      "installed",
		"git.installed":    "installed",
	}, caps)
}

func TestDeployment_RunCompletesFromReport(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "app-1", "r1")

	env.engine.finish = func(req models.OrderRequest, o models.Order) models.Order {
		steps, _ := req.Params["steps"].([]map[string]any)
		report := &models.OrderReport{OK: true}
		for range steps {
			report.Steps = append(report.Steps, models.ReportStep{Status: "applied"})
		}
		o.Report = report
		o.Status = models.OrderStatusSucceeded
		return o
	}

	plan := env.do(t, http.MethodPost, "/api/deployments", planDeploymentRequest{
		ServerID: srv.ID,
		Descriptor: models.Descriptor{
			Name:       "shop",
			RepoURL:    "https://github.com/example/shop.git",
			DeployType: models.DeployTypeNodeJS,
			Port:       3000,
		},
	})
	require.Equal(t, http.StatusCreated, plan.Status)
	var dep models.Deployment
	plan.into(t, &dep)
	assert.Equal(t, models.DeploymentPlanned, dep.Status)
	require.NotEmpty(t, dep.Steps)

	run := env.do(t, http.MethodPost, "/api/deployments/"+dep.ID+"/run", nil)
	require.Equal(t, http.StatusAccepted, run.Status)

	again := env.do(t, http.MethodPost, "/api/deployments/"+dep.ID+"/run", nil)
	assert.Equal(t, http.StatusConflict, again.Status)

	require.Eventually(t, func() bool {
		got, err := env.service.GetDeployment(context.Background(), dep.ID)
		return err == nil && got.Status == models.DeploymentSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	got, err := env.service.GetDeployment(context.Background(), dep.ID)
	require.NoError(t, err)
	for _, st := range got.Steps {
		assert.Equal(t, models.StepApplied, st.Status, "step %d", st.Index)
	}
}

// runShopDeployment plans and runs a nodejs deployment, then waits for the
// deployment to leave running.
func runShopDeployment(t *testing.T, env *testEnv) *models.Deployment {
	t.Helper()
	srv := env.createServer(t, "app-1", "r1")
	dep, err := env.service.PlanDeployment(context.Background(), srv.ID, models.Descriptor{
		Name:       "shop",
		RepoURL:    "https://github.com/example/shop.git",
		DeployType: models.DeployTypeNodeJS,
		Port:       3000,
	})
	require.NoError(t, err)

	run := env.do(t, http.MethodPost, "/api/deployments/"+dep.ID+"/run", nil)
	require.Equal(t, http.StatusAccepted, run.Status)

	var got *models.Deployment
	require.Eventually(t, func() bool {
		got, err = env.service.GetDeployment(context.Background(), dep.ID)
		return err == nil && (got.Status == models.DeploymentSucceeded || got.Status == models.DeploymentFailed)
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestDeployment_SucceededWithoutReportAppliesSteps(t *testing.T) {
	env := newTestEnv(t)
	env.engine.finish = func(req models.OrderRequest, o models.Order) models.Order {
		o.Status = models.OrderStatusSucceeded
		return o
	}

	got := runShopDeployment(t, env)
	assert.Equal(t, models.DeploymentSucceeded, got.Status)
	for _, st := range got.Steps {
		assert.Equal(t, models.StepApplied, st.Status, "step %d %s", st.Index, st.Phase)
		assert.NotNil(t, st.StartedAt)
		assert.NotNil(t, st.FinishedAt)
	}
}

func TestDeployment_FailedSkipsRemainingSteps(t *testing.T) {
	env := newTestEnv(t)
	env.engine.finish = func(req models.OrderRequest, o models.Order) models.Order {
		o.Status = models.OrderStatusFailed
		o.Report = &models.OrderReport{Steps: []models.ReportStep{
			{Status: "applied"},
			{Status: "applied"},
			{Status: "failed", Error: "npm ci exited 1"},
		}}
		return o
	}

	got := runShopDeployment(t, env)
	assert.Equal(t, models.DeploymentFailed, got.Status)
	require.Greater(t, len(got.Steps), 3)

	var statuses []models.StepStatus
	for _, st := range got.Steps {
		statuses = append(statuses, st.Status)
	}
	want := []models.StepStatus{models.StepApplied, models.StepApplied, models.StepFailed}
	for range got.Steps[3:] {
		want = append(want, models.StepSkipped)
	}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("step statuses mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "npm ci exited 1", got.Steps[2].Error)
}

func TestDeployment_RunWithoutRunner(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "bare", "")

	dep, err := env.service.PlanDeployment(context.Background(), srv.ID, models.Descriptor{
		RepoURL:    "https://github.com/example/site.git",
		DeployType: models.DeployTypeStaticSite,
	})
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/api/deployments/"+dep.ID+"/run", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestRoutes_ScriptAndApply(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "edge", "r1")

	created := env.do(t, http.MethodPost, "/api/routes", models.Route{ServerID: srv.ID, Domain: "shop.example.com", Upstream: "127.0.0.1:3000"})
	require.Equal(t, http.StatusCreated, created.Status)
	var route models.Route
	created.into(t, &route)
	assert.Equal(t, models.RouteNginx, route.Kind)

	var rs RouteScript
	env.do(t, http.MethodGet, "/api/routes/"+route.ID+"/script", nil).into(t, &rs)
	assert.Contains(t, rs.Config, "shop.example.com")
	assert.NotEmpty(t, rs.Script)

	applied := env.do(t, http.MethodPost, "/api/routes/"+route.ID+"/apply", nil)
	require.Equal(t, http.StatusAccepted, applied.Status)
	reqs := env.engine.createdRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, KeyRouteApply, reqs[0].Key)

	bad := env.do(t, http.MethodPost, "/api/routes", models.Route{ServerID: srv.ID, Domain: "not a domain"})
	assert.Equal(t, http.StatusBadRequest, bad.Status)
}

func TestProxy_ForwardsEnvelope(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/proxy/admin-proxy", engine.Request{Method: "GET", Path: "/v1/runners"})
	require.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"echo":"/v1/runners"}`, string(resp.Body.Data))

	unknown := env.do(t, http.MethodPost, "/api/proxy/nope", engine.Request{Method: "GET", Path: "/"})
	assert.Equal(t, http.StatusNotFound, unknown.Status)
}

func TestAudit_RecordsMutations(t *testing.T) {
	env := newTestEnv(t)
	env.createServer(t, "audited", "")

	var entries []models.AuditEntry
	env.do(t, http.MethodGet, "/api/audit?limit=10", nil).into(t, &entries)
	require.NotEmpty(t, entries)
	assert.Equal(t, "server.create", entries[0].Action)
	assert.Equal(t, audit.OutcomeSuccess, entries[0].Outcome)
}

func TestRealtime_StreamsTableChanges(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/realtime", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	env.createServer(t, "live", "")

	found := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") && strings.Contains(sc.Text(), `"table":"servers"`) {
				close(found)
				return
			}
		}
	}()

	select {
	case <-found:
	case <-time.After(2 * time.Second):
		t.Fatal("no servers change on the realtime stream")
	}
}
