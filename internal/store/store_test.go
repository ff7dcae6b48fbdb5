package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []models.Change
}

func (r *recordingNotifier) Notify(c models.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recordingNotifier) Changes() []models.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Change(nil), r.changes...)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createServer(t *testing.T, s *Store, name string) *models.Server {
	t.Helper()
	srv, err := s.CreateServer(context.Background(), models.Server{Name: name, Host: name + ".internal", RunnerID: "runner-" + name})
	require.NoError(t, err)
	return srv
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "opsdeck.db")

	s, err := New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestNew_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "opsdeck.db")
	ctx := context.Background()

	s, err := New(dbPath)
	require.NoError(t, err)
	_, err = s.PutSetting(ctx, "org.name", "acme")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	st, err := s.GetSetting(ctx, "org.name")
	require.NoError(t, err)
	assert.Equal(t, "acme", st.Value)
}

func TestServerCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := &recordingNotifier{}
	s.SetNotifier(n)

	srv := createServer(t, s, "web-1")
	assert.NotEmpty(t, srv.ID)

	got, err := s.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, "web-1.internal", got.Host)
	assert.Equal(t, "runner-web-1", got.RunnerID)

	_, err = s.CreateServer(ctx, models.Server{Name: "web-1", Host: "other"})
	assert.ErrorIs(t, err, ErrConflict)

	got.Provider = "hetzner"
	updated, err := s.UpdateServer(ctx, *got)
	require.NoError(t, err)
	assert.Equal(t, "hetzner", updated.Provider)

	servers, err := s.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 1)

	require.NoError(t, s.DeleteServer(ctx, srv.ID))
	_, err = s.GetServer(ctx, srv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteServer(ctx, srv.ID), ErrNotFound)

	assert.Equal(t, []models.Change{
		{Table: "servers", Op: models.ChangeInsert, ID: srv.ID},
		{Table: "servers", Op: models.ChangeUpdate, ID: srv.ID},
		{Table: "servers", Op: models.ChangeDelete, ID: srv.ID},
	}, n.Changes())
}

func planned(serverID string) models.Deployment {
	return models.Deployment{
		ServerID: serverID,
		Descriptor: models.Descriptor{
			Name: "api", RepoURL: "https://github.com/example/api", DeployType: models.DeployTypeNodeJS, Port: 3000,
			EnvVars: map[string]string{"NODE_ENV": "production"},
		},
		Steps: []models.DeploymentStep{
			{Index: 0, Phase: models.PhaseClone, Title: "Clone", Command: "git clone", Status: models.StepPending},
			{Index: 1, Phase: models.PhaseFinalize, Title: "Finalize", Command: "true", Status: models.StepPending},
		},
	}
}

func TestDeploymentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv := createServer(t, s, "web-1")

	d, err := s.CreateDeployment(ctx, planned(srv.ID))
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentPlanned, d.Status)

	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "production", got.Descriptor.EnvVars["NODE_ENV"])
	assert.Equal(t, models.PhaseFinalize, got.Steps[1].Phase)

	require.NoError(t, s.SetDeploymentStatus(ctx, d.ID, models.DeploymentRunning, "ord-1"))
	require.NoError(t, s.SetDeploymentStatus(ctx, d.ID, models.DeploymentSucceeded, ""))
	got, err = s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentSucceeded, got.Status)
	assert.Equal(t, "ord-1", got.OrderID)

	list, err := s.ListDeployments(ctx, srv.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.ListDeployments(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateDeployment_UnknownServer(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateDeployment(context.Background(), planned("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStepStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv := createServer(t, s, "web-1")
	d, err := s.CreateDeployment(ctx, planned(srv.ID))
	require.NoError(t, err)

	_, err = s.UpdateStepStatus(ctx, d.ID, 0, models.StepApplied, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	step, err := s.UpdateStepStatus(ctx, d.ID, 0, models.StepRunning, "")
	require.NoError(t, err)
	assert.NotNil(t, step.StartedAt)
	assert.Nil(t, step.FinishedAt)

	step, err = s.UpdateStepStatus(ctx, d.ID, 0, models.StepFailed, "exit status 128")
	require.NoError(t, err)
	assert.NotNil(t, step.FinishedAt)
	assert.Equal(t, "exit status 128", step.Error)

	step, err = s.UpdateStepStatus(ctx, d.ID, 1, models.StepSkipped, "")
	require.NoError(t, err)
	assert.Equal(t, models.StepSkipped, step.Status)

	_, err = s.UpdateStepStatus(ctx, d.ID, 7, models.StepRunning, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteServerCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv := createServer(t, s, "web-1")
	d, err := s.CreateDeployment(ctx, planned(srv.ID))
	require.NoError(t, err)

	require.NoError(t, s.DeleteServer(ctx, srv.ID))
	_, err = s.GetDeployment(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlaybookGovernance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreatePlaybook(ctx, models.Playbook{
		Key: "nginx.reload", Title: "Reload nginx", Runtime: "bash", Entrypoint: "reload.sh",
		TimeoutSec: 60, Risk: models.RiskLow, Visibility: models.VisibilityPublic,
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PlaybookDraft, p.Status)
	assert.Equal(t, 1, p.Version)
	require.Len(t, p.Versions, 1)
	assert.Equal(t, "alice", p.Versions[0].Author)

	_, err = s.CreatePlaybook(ctx, models.Playbook{Key: "nginx.reload", Title: "dup", Runtime: "bash", Entrypoint: "x", Risk: models.RiskLow, Visibility: models.VisibilityPublic}, "")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.TransitionPlaybook(ctx, "nginx.reload", models.PlaybookApproved)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	p, err = s.TransitionPlaybook(ctx, "nginx.reload", models.PlaybookPendingReview)
	require.NoError(t, err)
	p, err = s.TransitionPlaybook(ctx, "nginx.reload", models.PlaybookApproved)
	require.NoError(t, err)
	assert.Equal(t, models.PlaybookApproved, p.Status)

	p, err = s.AddPlaybookVersion(ctx, "nginx.reload", "Add config test", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, models.PlaybookDraft, p.Status)
	require.Len(t, p.Versions, 2)
	assert.Equal(t, "Add config test", p.Versions[0].Changelog)

	_, err = s.TransitionPlaybook(ctx, "missing", models.PlaybookPendingReview)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListPlaybooks(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRoutes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv := createServer(t, s, "web-1")

	r, err := s.CreateRoute(ctx, models.Route{ServerID: srv.ID, Domain: "app.example.com", Upstream: "127.0.0.1:3000", Kind: models.RouteNginx, TLS: true, Email: "ops@example.com"})
	require.NoError(t, err)

	got, err := s.GetRoute(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.TLS)
	assert.Equal(t, models.RouteNginx, got.Kind)

	_, err = s.CreateRoute(ctx, models.Route{ServerID: srv.ID, Domain: "app.example.com", Upstream: "127.0.0.1:4000", Kind: models.RouteNginx})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.CreateRoute(ctx, models.Route{ServerID: "missing", Domain: "b.example.com", Upstream: "127.0.0.1:4000", Kind: models.RouteCaddy})
	assert.ErrorIs(t, err, ErrNotFound)

	routes, err := s.ListRoutes(ctx, srv.ID)
	require.NoError(t, err)
	assert.Len(t, routes, 1)

	require.NoError(t, s.DeleteRoute(ctx, r.ID))
	assert.ErrorIs(t, s.DeleteRoute(ctx, r.ID), ErrNotFound)
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.PutSetting(ctx, "poll.interval_ms", "2500")
	require.NoError(t, err)
	_, err = s.PutSetting(ctx, "poll.interval_ms", "3000")
	require.NoError(t, err)

	settings, err := s.ListSettings(ctx)
	require.NoError(t, err)
	require.Len(t, settings, 1)
	assert.Equal(t, "3000", settings[0].Value)
}

func TestAuditLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, action := range []string{"server.create", "order.submit", "order.cancel"} {
		_, err := s.WriteAudit(ctx, action, "hash", "success", "subject", "")
		require.NoError(t, err)
	}

	entries, err := s.ListAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "order.cancel", entries[0].Action)
}
