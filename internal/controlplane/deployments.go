package controlplane

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsdeck/opsdeck/internal/deploy"
	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/opsdeck/opsdeck/internal/nginx"
	"go.uber.org/zap"
)

// PlanDeployment generates the step plan for a descriptor and stores it as a
// planned deployment on serverID.
func (s *Service) PlanDeployment(ctx context.Context, serverID string, d models.Descriptor) (*models.Deployment, error) {
	if _, err := s.store.GetServer(ctx, serverID); err != nil {
		return nil, err
	}

	steps, err := deploy.GenerateSteps(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var services []string
	if d.DeployType == models.DeployTypeDockerCompose && d.ComposeFile != "" {
		services, err = deploy.ValidateCompose(ctx, []byte(d.ComposeFile), deploy.Slug(d))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	dep, err := s.store.CreateDeployment(ctx, models.Deployment{
		ServerID:   serverID,
		Descriptor: d,
		Services:   services,
		Steps:      steps,
	})
	s.record(ctx, "deployment.plan", d, deploymentID(dep), err)
	return dep, err
}

func deploymentID(d *models.Deployment) string {
	if d == nil {
		return ""
	}
	return d.ID
}

// ListDeployments returns deployments, optionally for one server.
func (s *Service) ListDeployments(ctx context.Context, serverID string) ([]models.Deployment, error) {
	return s.store.ListDeployments(ctx, serverID)
}

// GetDeployment returns a deployment with its steps.
func (s *Service) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	return s.store.GetDeployment(ctx, id)
}

// RunDeployment submits the plan as a single order to the server's runner and
// watches it. Only planned deployments can run.
func (s *Service) RunDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	dep, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if dep.Status != models.DeploymentPlanned {
		return nil, fmt.Errorf("deployment %s is %s: %w", id, dep.Status, ErrInvalidTransition)
	}
	srv, err := s.store.GetServer(ctx, dep.ServerID)
	if err != nil {
		return nil, err
	}
	if srv.RunnerID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRunner, srv.Name)
	}

	steps := make([]map[string]any, len(dep.Steps))
	for i, st := range dep.Steps {
		steps[i] = map[string]any{"index": st.Index, "phase": st.Phase, "title": st.Title, "command": st.Command}
	}
	order, err := s.engine.CreateOrder(ctx, models.OrderRequest{
		RunnerID: srv.RunnerID,
		Key:      KeyDeploymentRun,
		Params: map[string]any{
			"deployment_id": dep.ID,
			"script":        deploy.Script(dep.Steps),
			"steps":         steps,
		},
	})
	s.record(ctx, "deployment.run", map[string]string{"deployment_id": id, "runner_id": srv.RunnerID}, id, err)
	if err != nil {
		return nil, err
	}

	if err := s.store.SetDeploymentStatus(ctx, id, models.DeploymentRunning, order.ID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.deployOrders[order.ID] = id
	s.mu.Unlock()

	s.hub.PublishOrder(*order)
	s.watch(order.ID)
	return s.store.GetDeployment(ctx, id)
}

// UpdateStep moves one deployment step to a new status.
func (s *Service) UpdateStep(ctx context.Context, id string, index int, status models.StepStatus, stepErr string) (*models.DeploymentStep, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown step status %q", ErrValidation, status)
	}
	return s.store.UpdateStepStatus(ctx, id, index, status, stepErr)
}

// completeDeployment applies a terminal deployment order to the stored plan.
// Step results come from the order report, matched by position. Steps the
// report does not cover are applied when the order succeeded and skipped
// otherwise, so the steps always agree with the deployment status.
func (s *Service) completeDeployment(ctx context.Context, id string, o models.Order) {
	log := s.log.With(zap.String("deployment_id", id), zap.String("order_id", o.ID))

	if o.Report != nil {
		for i, rs := range o.Report.Steps {
			target, ok := stepOutcome(rs.Status)
			if !ok {
				continue
			}
			s.finishStep(ctx, log, id, i, target, rs.Error)
		}
	}

	succeeded := o.Status == models.OrderStatusSucceeded
	if dep, err := s.store.GetDeployment(ctx, id); err != nil {
		log.Warn("deployment steps not settled", zap.Error(err))
	} else {
		rest := models.StepSkipped
		if succeeded {
			rest = models.StepApplied
		}
		for _, st := range dep.Steps {
			if st.Status == models.StepPending {
				s.finishStep(ctx, log, id, st.Index, rest, "")
			}
		}
	}

	status := models.DeploymentFailed
	if succeeded {
		status = models.DeploymentSucceeded
	}
	if err := s.store.SetDeploymentStatus(ctx, id, status, ""); err != nil {
		log.Warn("deployment status not recorded", zap.Error(err))
		return
	}
	log.Info("deployment finished", zap.String("status", string(status)))
}

// finishStep moves a step to target, passing through running unless the step
// is skipped.
func (s *Service) finishStep(ctx context.Context, log *zap.Logger, id string, index int, target models.StepStatus, stepErr string) {
	if target != models.StepSkipped {
		if _, err := s.store.UpdateStepStatus(ctx, id, index, models.StepRunning, ""); err != nil {
			log.Debug("step not updated", zap.Int("index", index), zap.Error(err))
			return
		}
	}
	if _, err := s.store.UpdateStepStatus(ctx, id, index, target, stepErr); err != nil {
		log.Debug("step not updated", zap.Int("index", index), zap.Error(err))
	}
}

func stepOutcome(reported string) (models.StepStatus, bool) {
	switch strings.ToLower(reported) {
	case "applied", "succeeded", "success", "ok", "completed":
		return models.StepApplied, true
	case "failed", "error":
		return models.StepFailed, true
	case "skipped":
		return models.StepSkipped, true
	default:
		return "", false
	}
}

// --- Routes ---

// CreateRoute validates and stores a route.
func (s *Service) CreateRoute(ctx context.Context, r models.Route) (*models.Route, error) {
	if r.Kind == "" {
		r.Kind = models.RouteNginx
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	route, err := s.store.CreateRoute(ctx, r)
	subject := ""
	if route != nil {
		subject = route.ID
	}
	s.record(ctx, "route.create", r, subject, err)
	return route, err
}

// ListRoutes returns routes, optionally for one server.
func (s *Service) ListRoutes(ctx context.Context, serverID string) ([]models.Route, error) {
	return s.store.ListRoutes(ctx, serverID)
}

// DeleteRoute removes a route from the local database. The config already
// installed on the server is left in place.
func (s *Service) DeleteRoute(ctx context.Context, id string) error {
	err := s.store.DeleteRoute(ctx, id)
	s.record(ctx, "route.delete", map[string]string{"route_id": id}, id, err)
	return err
}

// RouteScript is the rendered config and install script of a route.
type RouteScript struct {
	RouteID    string `json:"route_id"`
	ConfigPath string `json:"config_path"`
	Config     string `json:"config"`
	Script     string `json:"script"`
}

// GetRouteScript renders the config and install script for a route.
func (s *Service) GetRouteScript(ctx context.Context, id string) (*RouteScript, error) {
	r, err := s.store.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RouteScript{
		RouteID:    r.ID,
		ConfigPath: nginx.ConfigPath(*r),
		Config:     nginx.Render(*r),
		Script:     nginx.Script(*r),
	}, nil
}

// ApplyRoute submits the route's install script to the server's runner.
func (s *Service) ApplyRoute(ctx context.Context, id string) (*models.Order, error) {
	r, err := s.store.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	srv, err := s.store.GetServer(ctx, r.ServerID)
	if err != nil {
		return nil, err
	}
	if srv.RunnerID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRunner, srv.Name)
	}
	return s.submit(ctx, models.OrderRequest{
		RunnerID: srv.RunnerID,
		Key:      KeyRouteApply,
		Params:   map[string]any{"route_id": r.ID, "domain": r.Domain, "script": nginx.Script(*r)},
	})
}
