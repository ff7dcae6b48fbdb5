// Package controlplane provides the HTTP API and service layer for opsdeck.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/internal/audit"
	"github.com/opsdeck/opsdeck/internal/capabilities"
	"github.com/opsdeck/opsdeck/internal/engine"
	"github.com/opsdeck/opsdeck/internal/hub"
	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/opsdeck/opsdeck/internal/poller"
	"github.com/opsdeck/opsdeck/internal/store"
	"go.uber.org/zap"
)

// Order keys the control plane submits on its own behalf.
const (
	KeyCapabilityProbe = "system.capabilities"
	KeyDeploymentRun   = "deployment.run"
	KeyRouteApply      = "route.apply"
)

// defaultOrderLimit caps runner order listings when the caller gives no limit.
const defaultOrderLimit = 50

// Engine is the subset of the orders engine the service uses. *engine.Client
// satisfies it.
type Engine interface {
	ListRunners(ctx context.Context) ([]models.Runner, error)
	GetRunner(ctx context.Context, runnerID string) (*models.Runner, error)
	ResetRunnerToken(ctx context.Context, runnerID string) (*models.RunnerToken, error)
	GetCapabilities(ctx context.Context, runnerID string) (map[string]string, error)
	PutCapabilities(ctx context.Context, runnerID string, caps map[string]string) error
	CreateOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListRunnerOrders(ctx context.Context, runnerID string, limit int) ([]models.Order, error)
	GetOrderLogs(ctx context.Context, orderID string) (string, error)
	Raw(ctx context.Context, proxy string, req engine.Request) (json.RawMessage, error)
}

// Config defines the service configuration.
type Config struct {
	// PollInterval is passed to every order watch.
	PollInterval time.Duration
}

// WatchStatus describes an order watch.
type WatchStatus struct {
	OrderID string        `json:"order_id"`
	State   poller.State  `json:"state"`
	Last    *models.Order `json:"last,omitempty"`
}

// Service provides the control plane business logic.
type Service struct {
	store  *store.Store
	audit  *audit.Writer
	engine Engine
	hub    *hub.Hub
	log    *zap.Logger
	cfg    Config

	// ctx outlives requests; watches and completion hooks run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	watches      map[string]*poller.Loop
	deployOrders map[string]string
	probeOrders  map[string]string
	hooks        sync.WaitGroup
}

// NewService creates a new control plane service. Call Close to stop all
// order watches.
func NewService(s *store.Store, aw *audit.Writer, eng Engine, h *hub.Hub, log *zap.Logger, cfg Config) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:        s,
		audit:        aw,
		engine:       eng,
		hub:          h,
		log:          log,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		watches:      make(map[string]*poller.Loop),
		deployOrders: make(map[string]string),
		probeOrders:  make(map[string]string),
	}
}

// Close stops every watch and waits for completion hooks to finish.
func (s *Service) Close() {
	s.cancel()

	s.mu.Lock()
	loops := make([]*poller.Loop, 0, len(s.watches))
	for id, l := range s.watches {
		loops = append(loops, l)
		delete(s.watches, id)
	}
	s.mu.Unlock()

	for _, l := range loops {
		l.Stop()
	}
	s.hooks.Wait()
}

// Ping checks the local database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) record(ctx context.Context, action string, inputs any, subjectID string, err error) {
	outcome, details := audit.OutcomeSuccess, ""
	if err != nil {
		outcome, details = audit.OutcomeFailure, err.Error()
	}
	if _, aerr := s.audit.Record(ctx, action, inputs, outcome, subjectID, details); aerr != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(aerr))
	}
}

// --- Orders ---

// SubmitOrder validates and forwards an order to the engine, then watches it.
// Keys naming a local playbook require that playbook to be approved; any
// other key is forwarded as a predefined engine command.
func (s *Service) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	req.RunnerID = strings.TrimSpace(req.RunnerID)
	req.Key = strings.TrimSpace(req.Key)
	if req.RunnerID == "" {
		return nil, fmt.Errorf("%w: runner_id is required", ErrValidation)
	}
	if req.Key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrValidation)
	}

	pb, err := s.store.GetPlaybook(ctx, req.Key)
	switch {
	case err == nil && pb.Status != models.PlaybookApproved:
		return nil, fmt.Errorf("%w: %s is %s", ErrPlaybookNotApproved, pb.Key, pb.Status)
	case err != nil && !isNotFound(err):
		return nil, err
	}

	return s.submit(ctx, req)
}

func (s *Service) submit(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	order, err := s.engine.CreateOrder(ctx, req)
	subject := ""
	if order != nil {
		subject = order.ID
	}
	s.record(ctx, "order.submit", req, subject, err)
	if err != nil {
		return nil, err
	}

	s.log.Info("order submitted",
		zap.String("order_id", order.ID),
		zap.String("runner_id", req.RunnerID),
		zap.String("key", req.Key))

	s.hub.PublishOrder(*order)
	s.watch(order.ID)
	return order, nil
}

// GetOrder fetches the current snapshot from the engine.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.engine.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.hub.PublishOrder(*order)
	return order, nil
}

// CancelOrder asks the engine to cancel an order.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.engine.CancelOrder(ctx, orderID)
	s.record(ctx, "order.cancel", map[string]string{"order_id": orderID}, orderID, err)
	if err != nil {
		return nil, err
	}
	s.hub.PublishOrder(*order)
	return order, nil
}

// GetOrderLogs returns the collected output of an order.
func (s *Service) GetOrderLogs(ctx context.Context, orderID string) (string, error) {
	return s.engine.GetOrderLogs(ctx, orderID)
}

// WatchOrder starts polling an order if it is not already watched.
func (s *Service) WatchOrder(orderID string) WatchStatus {
	l := s.watch(orderID)
	return WatchStatus{OrderID: orderID, State: l.State(), Last: l.Last()}
}

// StopWatch stops polling an order. It reports false if no watch existed.
func (s *Service) StopWatch(orderID string) (WatchStatus, bool) {
	s.mu.Lock()
	l, ok := s.watches[orderID]
	delete(s.watches, orderID)
	s.mu.Unlock()

	if !ok {
		return WatchStatus{OrderID: orderID, State: poller.StateIdle}, false
	}
	l.Stop()
	return WatchStatus{OrderID: orderID, State: l.State(), Last: l.Last()}, true
}

// Watches lists the orders currently being polled.
func (s *Service) Watches() []WatchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WatchStatus, 0, len(s.watches))
	for id, l := range s.watches {
		out = append(out, WatchStatus{OrderID: id, State: l.State(), Last: l.Last()})
	}
	return out
}

func (s *Service) watch(orderID string) *poller.Loop {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.watches[orderID]; ok && l.State() == poller.StatePolling {
		return l
	}
	l := poller.New(s.engine, s.log, poller.Config{
		Interval: s.cfg.PollInterval,
		OnUpdate: s.onOrderUpdate,
	})
	s.watches[orderID] = l
	l.Start(s.ctx, orderID)
	return l
}

// onOrderUpdate runs on the watch goroutine for every observed snapshot.
func (s *Service) onOrderUpdate(o models.Order) {
	s.hub.PublishOrder(o)
	if !o.Status.IsTerminal() {
		return
	}

	s.mu.Lock()
	delete(s.watches, o.ID)
	deploymentID, isDeploy := s.deployOrders[o.ID]
	delete(s.deployOrders, o.ID)
	runnerID, isProbe := s.probeOrders[o.ID]
	delete(s.probeOrders, o.ID)
	s.mu.Unlock()

	if isDeploy {
		s.completeDeployment(s.ctx, deploymentID, o)
	}
	if isProbe || o.Key == KeyCapabilityProbe {
		if runnerID == "" {
			runnerID = o.RunnerID
		}
		if o.Status == models.OrderStatusSucceeded {
			s.hooks.Add(1)
			go func() {
				defer s.hooks.Done()
				s.syncCapabilitiesFromOrder(s.ctx, runnerID, o.ID)
			}()
		}
	}
}

// ListRunnerOrders returns recent orders of a runner.
func (s *Service) ListRunnerOrders(ctx context.Context, runnerID string, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = defaultOrderLimit
	}
	return s.engine.ListRunnerOrders(ctx, runnerID, limit)
}

// --- Runners ---

// ListRunners returns all runners known to the engine.
func (s *Service) ListRunners(ctx context.Context) ([]models.Runner, error) {
	return s.engine.ListRunners(ctx)
}

// GetRunner returns one runner.
func (s *Service) GetRunner(ctx context.Context, runnerID string) (*models.Runner, error) {
	return s.engine.GetRunner(ctx, runnerID)
}

// ResetRunnerToken rotates a runner token.
func (s *Service) ResetRunnerToken(ctx context.Context, runnerID string) (*models.RunnerToken, error) {
	tok, err := s.engine.ResetRunnerToken(ctx, runnerID)
	s.record(ctx, "runner.token_reset", map[string]string{"runner_id": runnerID}, runnerID, err)
	return tok, err
}

// GetCapabilities returns the runner's remote capability set.
func (s *Service) GetCapabilities(ctx context.Context, runnerID string) (map[string]string, error) {
	return s.engine.GetCapabilities(ctx, runnerID)
}

// SyncCapabilities submits the capability probe to a runner. When the probe
// succeeds its output is extracted and merged into the runner's capabilities.
func (s *Service) SyncCapabilities(ctx context.Context, runnerID string) (*models.Order, error) {
	if strings.TrimSpace(runnerID) == "" {
		return nil, fmt.Errorf("%w: runner_id is required", ErrValidation)
	}
	order, err := s.engine.CreateOrder(ctx, models.OrderRequest{
		RunnerID: runnerID,
		Key:      KeyCapabilityProbe,
		Params:   map[string]any{"script": capabilities.ProbeScript()},
	})
	s.record(ctx, "runner.capabilities_sync", map[string]string{"runner_id": runnerID}, runnerID, err)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.probeOrders[order.ID] = runnerID
	s.mu.Unlock()

	s.hub.PublishOrder(*order)
	s.watch(order.ID)
	return order, nil
}

// syncCapabilitiesFromOrder is best effort: every failure is logged only.
func (s *Service) syncCapabilitiesFromOrder(ctx context.Context, runnerID, orderID string) {
	log := s.log.With(zap.String("runner_id", runnerID), zap.String("order_id", orderID))

	logs, err := s.engine.GetOrderLogs(ctx, orderID)
	if err != nil {
		log.Warn("capability probe logs unavailable", zap.Error(err))
		return
	}
	detected := capabilities.Extract(logs)
	if len(detected) == 0 {
		log.Info("capability probe found nothing")
		return
	}

	remote, err := s.engine.GetCapabilities(ctx, runnerID)
	if err != nil {
		log.Warn("read remote capabilities failed", zap.Error(err))
		return
	}
	merged := capabilities.Merge(remote, detected)
	if err := s.engine.PutCapabilities(ctx, runnerID, merged); err != nil {
		log.Warn("capability sync failed", zap.Error(err))
		return
	}
	log.Info("capabilities synced", zap.Int("detected", len(detected)), zap.Int("total", len(merged)))
}

// Proxy forwards a raw envelope through an edge proxy.
func (s *Service) Proxy(ctx context.Context, proxy string, req engine.Request) (json.RawMessage, error) {
	return s.engine.Raw(ctx, proxy, req)
}

// Subscribe registers a realtime subscriber on the update hub.
func (s *Service) Subscribe() *hub.Subscription {
	return s.hub.Subscribe()
}
