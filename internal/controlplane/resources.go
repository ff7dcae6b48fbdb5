package controlplane

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/opsdeck/opsdeck/internal/models"
)

const defaultPlaybookTimeout = 300

var playbookKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*(\.[a-z0-9][a-z0-9_-]*)*$`)

// --- Servers ---

// CreateServer registers a server.
func (s *Service) CreateServer(ctx context.Context, srv models.Server) (*models.Server, error) {
	srv.Name = strings.TrimSpace(srv.Name)
	srv.Host = strings.TrimSpace(srv.Host)
	if srv.Name == "" || srv.Host == "" {
		return nil, fmt.Errorf("%w: name and host are required", ErrValidation)
	}
	created, err := s.store.CreateServer(ctx, srv)
	subject := ""
	if created != nil {
		subject = created.ID
	}
	s.record(ctx, "server.create", srv, subject, err)
	return created, err
}

// GetServer returns one server.
func (s *Service) GetServer(ctx context.Context, id string) (*models.Server, error) {
	return s.store.GetServer(ctx, id)
}

// ListServers returns all servers.
func (s *Service) ListServers(ctx context.Context) ([]models.Server, error) {
	return s.store.ListServers(ctx)
}

// ServerUpdate holds the fields of a server a caller may change. Nil fields
// are left as they are.
type ServerUpdate struct {
	Name     *string `json:"name,omitempty"`
	Host     *string `json:"host,omitempty"`
	Provider *string `json:"provider,omitempty"`
	RunnerID *string `json:"runner_id,omitempty"`
}

// UpdateServer applies a partial update to a server.
func (s *Service) UpdateServer(ctx context.Context, id string, u ServerUpdate) (*models.Server, error) {
	srv, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		srv.Name = strings.TrimSpace(*u.Name)
	}
	if u.Host != nil {
		srv.Host = strings.TrimSpace(*u.Host)
	}
	if u.Provider != nil {
		srv.Provider = *u.Provider
	}
	if u.RunnerID != nil {
		srv.RunnerID = *u.RunnerID
	}
	if srv.Name == "" || srv.Host == "" {
		return nil, fmt.Errorf("%w: name and host are required", ErrValidation)
	}

	updated, err := s.store.UpdateServer(ctx, *srv)
	s.record(ctx, "server.update", u, id, err)
	return updated, err
}

// DeleteServer removes a server with its deployments and routes.
func (s *Service) DeleteServer(ctx context.Context, id string) error {
	err := s.store.DeleteServer(ctx, id)
	s.record(ctx, "server.delete", map[string]string{"server_id": id}, id, err)
	return err
}

// --- Playbooks ---

// CreatePlaybook registers a playbook as a draft.
func (s *Service) CreatePlaybook(ctx context.Context, p models.Playbook, author string) (*models.Playbook, error) {
	if err := normalizePlaybook(&p); err != nil {
		return nil, err
	}
	created, err := s.store.CreatePlaybook(ctx, p, author)
	s.record(ctx, "playbook.create", p, p.Key, err)
	return created, err
}

func normalizePlaybook(p *models.Playbook) error {
	p.Key = strings.TrimSpace(p.Key)
	if !playbookKeyPattern.MatchString(p.Key) {
		return fmt.Errorf("%w: invalid playbook key %q", ErrValidation, p.Key)
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if strings.TrimSpace(p.Entrypoint) == "" {
		return fmt.Errorf("%w: entrypoint is required", ErrValidation)
	}
	if p.Runtime == "" {
		p.Runtime = "bash"
	}
	if p.TimeoutSec <= 0 {
		p.TimeoutSec = defaultPlaybookTimeout
	}

	switch p.Risk {
	case "":
		p.Risk = models.RiskLow
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
	default:
		return fmt.Errorf("%w: unknown risk %q", ErrValidation, p.Risk)
	}

	switch p.Visibility {
	case "":
		p.Visibility = models.VisibilityInternal
	case models.VisibilityPublic, models.VisibilityInternal:
	default:
		return fmt.Errorf("%w: unknown visibility %q", ErrValidation, p.Visibility)
	}
	return nil
}

// GetPlaybook returns a playbook with its version history.
func (s *Service) GetPlaybook(ctx context.Context, key string) (*models.Playbook, error) {
	return s.store.GetPlaybook(ctx, key)
}

// ListPlaybooks returns all playbooks.
func (s *Service) ListPlaybooks(ctx context.Context) ([]models.Playbook, error) {
	return s.store.ListPlaybooks(ctx)
}

// SubmitPlaybook sends a draft for review.
func (s *Service) SubmitPlaybook(ctx context.Context, key string) (*models.Playbook, error) {
	return s.transitionPlaybook(ctx, key, models.PlaybookPendingReview, "playbook.submit")
}

// ApprovePlaybook approves a playbook under review.
func (s *Service) ApprovePlaybook(ctx context.Context, key string) (*models.Playbook, error) {
	return s.transitionPlaybook(ctx, key, models.PlaybookApproved, "playbook.approve")
}

// RejectPlaybook rejects a playbook under review.
func (s *Service) RejectPlaybook(ctx context.Context, key string) (*models.Playbook, error) {
	return s.transitionPlaybook(ctx, key, models.PlaybookRejected, "playbook.reject")
}

// RevisePlaybook returns a rejected playbook to draft.
func (s *Service) RevisePlaybook(ctx context.Context, key string) (*models.Playbook, error) {
	return s.transitionPlaybook(ctx, key, models.PlaybookDraft, "playbook.revise")
}

func (s *Service) transitionPlaybook(ctx context.Context, key string, next models.PlaybookStatus, action string) (*models.Playbook, error) {
	p, err := s.store.TransitionPlaybook(ctx, key, next)
	s.record(ctx, action, map[string]string{"key": key, "status": string(next)}, key, err)
	return p, err
}

// AddPlaybookVersion publishes a new version. The playbook returns to draft
// and must be reviewed again before orders may use it.
func (s *Service) AddPlaybookVersion(ctx context.Context, key, changelog, author string) (*models.Playbook, error) {
	if strings.TrimSpace(changelog) == "" {
		return nil, fmt.Errorf("%w: changelog is required", ErrValidation)
	}
	p, err := s.store.AddPlaybookVersion(ctx, key, changelog, author)
	s.record(ctx, "playbook.version", map[string]string{"key": key, "changelog": changelog}, key, err)
	return p, err
}

// --- Settings ---

// ListSettings returns all settings.
func (s *Service) ListSettings(ctx context.Context) ([]models.Setting, error) {
	return s.store.ListSettings(ctx)
}

// GetSetting returns one setting.
func (s *Service) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	return s.store.GetSetting(ctx, key)
}

// PutSetting stores a setting.
func (s *Service) PutSetting(ctx context.Context, key, value string) (*models.Setting, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: key is required", ErrValidation)
	}
	st, err := s.store.PutSetting(ctx, key, value)
	s.record(ctx, "settings.put", map[string]string{"key": key}, key, err)
	return st, err
}

// --- Audit ---

// ListAudit returns the most recent audit entries.
func (s *Service) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultOrderLimit
	}
	return s.store.ListAudit(ctx, limit)
}
